package bindgen

import (
	"fmt"
	"strings"
)

// TokenKind classifies preprocessing tokens.
type TokenKind int

const (
	TokEOF TokenKind = iota
	TokIdent
	TokNumber
	TokChar
	TokString
	TokPunct
)

func (k TokenKind) String() string {
	switch k {
	case TokIdent:
		return "identifier"
	case TokNumber:
		return "number"
	case TokChar:
		return "character"
	case TokString:
		return "string"
	case TokPunct:
		return "punctuator"
	default:
		return "EOF"
	}
}

// Pos is a location in a header file.
type Pos struct {
	File string
	Line int
}

func (p Pos) String() string {
	if p.File == "" {
		return fmt.Sprintf("line %d", p.Line)
	}
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

// Token is one C preprocessing token.
type Token struct {
	Kind TokenKind
	Text string
	Pos  Pos

	// BOL is set on the first token of a logical line.
	BOL bool
	// Space is set when whitespace precedes the token.
	Space bool

	// noExpand marks an identifier that must never be macro-expanded again.
	noExpand bool
}

// ParseError reports malformed input with its location.
type ParseError struct {
	Pos Pos
	Msg string
}

func (e *ParseError) Error() string {
	return e.Pos.String() + ": " + e.Msg
}

func errorf(pos Pos, format string, args ...any) *ParseError {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// punctuators longest first so the lexer can match greedily.
var punctuators = []string{
	"...", "<<=", ">>=",
	"->", "++", "--", "<<", ">>", "<=", ">=", "==", "!=", "&&", "||",
	"*=", "/=", "%=", "+=", "-=", "&=", "^=", "|=", "##", "::",
}

type lexer struct {
	src  string
	file string
	off  int
	line int

	bol   bool
	space bool
}

// tokenize splits src into preprocessing tokens. Comments and line
// splices are removed.
func tokenize(file, src string) ([]Token, error) {
	lx := &lexer{src: src, file: file, line: 1, bol: true}
	var toks []Token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		if tok.Kind == TokEOF {
			return toks, nil
		}
		toks = append(toks, tok)
	}
}

func (lx *lexer) peekByte(n int) byte {
	if lx.off+n < len(lx.src) {
		return lx.src[lx.off+n]
	}
	return 0
}

// skipSpace consumes whitespace, comments and line splices.
func (lx *lexer) skipSpace() error {
	for lx.off < len(lx.src) {
		c := lx.src[lx.off]
		switch {
		case c == '\n':
			lx.off++
			lx.line++
			lx.bol = true
			lx.space = true
		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			lx.off++
			lx.space = true
		case c == '\\' && (lx.peekByte(1) == '\n' || (lx.peekByte(1) == '\r' && lx.peekByte(2) == '\n')):
			if lx.peekByte(1) == '\r' {
				lx.off++
			}
			lx.off += 2
			lx.line++
		case c == '/' && lx.peekByte(1) == '/':
			for lx.off < len(lx.src) && lx.src[lx.off] != '\n' {
				if lx.src[lx.off] == '\\' && lx.peekByte(1) == '\n' {
					lx.off++
					lx.line++
				}
				lx.off++
			}
			lx.space = true
		case c == '/' && lx.peekByte(1) == '*':
			start := lx.line
			end := strings.Index(lx.src[lx.off+2:], "*/")
			if end < 0 {
				return errorf(Pos{lx.file, start}, "unterminated comment")
			}
			comment := lx.src[lx.off : lx.off+2+end+2]
			lx.line += strings.Count(comment, "\n")
			lx.off += len(comment)
			lx.space = true
		default:
			return nil
		}
	}
	return nil
}

func (lx *lexer) next() (Token, error) {
	if err := lx.skipSpace(); err != nil {
		return Token{}, err
	}
	if lx.off >= len(lx.src) {
		return Token{Kind: TokEOF, Pos: Pos{lx.file, lx.line}}, nil
	}

	tok := Token{Pos: Pos{lx.file, lx.line}, BOL: lx.bol, Space: lx.space}
	lx.bol = false
	lx.space = false

	c := lx.src[lx.off]
	start := lx.off
	switch {
	case isIdentStart(c):
		for lx.off < len(lx.src) && isIdentChar(lx.src[lx.off]) {
			lx.off++
		}
		word := lx.src[start:lx.off]
		// Encoding prefixes: L"..", u8"..", u'..'
		if q := lx.peekByte(0); (q == '"' || q == '\'') && (word == "L" || word == "u" || word == "U" || word == "u8") {
			return lx.quoted(tok, start, q)
		}
		tok.Kind = TokIdent
		tok.Text = word
		return tok, nil

	case isDigit(c) || (c == '.' && isDigit(lx.peekByte(1))):
		lx.off++
		for lx.off < len(lx.src) {
			ch := lx.src[lx.off]
			if (ch == '+' || ch == '-') && strings.ContainsRune("eEpP", rune(lx.src[lx.off-1])) {
				lx.off++
				continue
			}
			if isIdentChar(ch) || ch == '.' {
				lx.off++
				continue
			}
			break
		}
		tok.Kind = TokNumber
		tok.Text = lx.src[start:lx.off]
		return tok, nil

	case c == '"' || c == '\'':
		return lx.quoted(tok, start, c)
	}

	for _, p := range punctuators {
		if strings.HasPrefix(lx.src[lx.off:], p) {
			lx.off += len(p)
			tok.Kind = TokPunct
			tok.Text = p
			return tok, nil
		}
	}

	lx.off++
	tok.Kind = TokPunct
	tok.Text = string(c)
	return tok, nil
}

// quoted scans a string or character literal whose opening quote is at lx.off.
// An unterminated quote (an apostrophe in #error text, for instance) becomes
// a lone punctuator so that skipped regions never fail to lex.
func (lx *lexer) quoted(tok Token, start int, quote byte) (Token, error) {
	quotePos := lx.off
	lx.off++
	for {
		if lx.off >= len(lx.src) || lx.src[lx.off] == '\n' {
			if start != quotePos {
				lx.off = quotePos
				tok.Kind = TokIdent
				tok.Text = lx.src[start:quotePos]
				return tok, nil
			}
			lx.off = quotePos + 1
			tok.Kind = TokPunct
			tok.Text = string(quote)
			return tok, nil
		}
		ch := lx.src[lx.off]
		if ch == '\\' {
			lx.off += 2
			continue
		}
		lx.off++
		if ch == quote {
			break
		}
	}
	tok.Text = lx.src[start:lx.off]
	if quote == '"' {
		tok.Kind = TokString
	} else {
		tok.Kind = TokChar
	}
	return tok, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// joinTokens renders tokens back to text, keeping recorded spacing.
func joinTokens(toks []Token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 && t.Space {
			b.WriteByte(' ')
		}
		b.WriteString(t.Text)
	}
	return b.String()
}
