package bindgen

import (
	"strconv"
	"strings"
)

// value is an integer constant. Unsigned values keep their bit pattern in i.
type value struct {
	i        int64
	unsigned bool
}

func (v value) truth() bool { return v.i != 0 }

func boolValue(b bool) value {
	if b {
		return value{i: 1}
	}
	return value{}
}

// evaluator computes C integer constant expressions over a token slice.
//
// ident resolves identifiers that are left after macro expansion (enum
// constants, or 0 in #if). Casts to builtin integer types are accepted and
// ignored except for signedness.
type evaluator struct {
	toks  []Token
	pos   int
	ident func(Token) (value, bool)
}

func evalTokens(toks []Token, ident func(Token) (value, bool)) (value, error) {
	if len(toks) == 0 {
		return value{}, errorf(Pos{}, "empty constant expression")
	}
	ev := &evaluator{toks: toks, ident: ident}
	v, err := ev.conditional()
	if err != nil {
		return value{}, err
	}
	if ev.pos < len(ev.toks) {
		t := ev.toks[ev.pos]
		return value{}, errorf(t.Pos, "unexpected %q in constant expression", t.Text)
	}
	return v, nil
}

func (ev *evaluator) peek() Token {
	if ev.pos < len(ev.toks) {
		return ev.toks[ev.pos]
	}
	return Token{Kind: TokEOF}
}

func (ev *evaluator) accept(text string) bool {
	t := ev.peek()
	if t.Kind == TokPunct && t.Text == text {
		ev.pos++
		return true
	}
	return false
}

func (ev *evaluator) lastPos() Pos {
	if ev.pos < len(ev.toks) {
		return ev.toks[ev.pos].Pos
	}
	if len(ev.toks) > 0 {
		return ev.toks[len(ev.toks)-1].Pos
	}
	return Pos{}
}

func (ev *evaluator) conditional() (value, error) {
	cond, err := ev.binary(0)
	if err != nil {
		return value{}, err
	}
	if !ev.accept("?") {
		return cond, nil
	}
	a, err := ev.conditional()
	if err != nil {
		return value{}, err
	}
	if !ev.accept(":") {
		return value{}, errorf(ev.lastPos(), "expected ':' in conditional expression")
	}
	b, err := ev.conditional()
	if err != nil {
		return value{}, err
	}
	if cond.truth() {
		return a, nil
	}
	return b, nil
}

var binaryPrecedence = map[string]int{
	"||": 1,
	"&&": 2,
	"|":  3,
	"^":  4,
	"&":  5,
	"==": 6, "!=": 6,
	"<": 7, "<=": 7, ">": 7, ">=": 7,
	"<<": 8, ">>": 8,
	"+": 9, "-": 9,
	"*": 10, "/": 10, "%": 10,
}

// binary parses left-associative binary operators by precedence climbing.
func (ev *evaluator) binary(minPrec int) (value, error) {
	lhs, err := ev.unary()
	if err != nil {
		return value{}, err
	}
	for {
		t := ev.peek()
		prec, ok := binaryPrecedence[t.Text]
		if t.Kind != TokPunct || !ok || prec <= minPrec {
			return lhs, nil
		}
		ev.pos++
		rhs, err := ev.binary(prec)
		if err != nil {
			return value{}, err
		}
		lhs, err = applyBinary(t, lhs, rhs)
		if err != nil {
			return value{}, err
		}
	}
}

func applyBinary(op Token, a, b value) (value, error) {
	unsigned := a.unsigned || b.unsigned
	ua, ub := uint64(a.i), uint64(b.i)
	switch op.Text {
	case "||":
		return boolValue(a.truth() || b.truth()), nil
	case "&&":
		return boolValue(a.truth() && b.truth()), nil
	case "|":
		return value{a.i | b.i, unsigned}, nil
	case "^":
		return value{a.i ^ b.i, unsigned}, nil
	case "&":
		return value{a.i & b.i, unsigned}, nil
	case "==":
		return boolValue(a.i == b.i), nil
	case "!=":
		return boolValue(a.i != b.i), nil
	case "<":
		if unsigned {
			return boolValue(ua < ub), nil
		}
		return boolValue(a.i < b.i), nil
	case "<=":
		if unsigned {
			return boolValue(ua <= ub), nil
		}
		return boolValue(a.i <= b.i), nil
	case ">":
		if unsigned {
			return boolValue(ua > ub), nil
		}
		return boolValue(a.i > b.i), nil
	case ">=":
		if unsigned {
			return boolValue(ua >= ub), nil
		}
		return boolValue(a.i >= b.i), nil
	case "<<":
		if b.i < 0 || b.i > 63 {
			return value{}, errorf(op.Pos, "shift count %d out of range", b.i)
		}
		return value{int64(ua << uint(b.i)), a.unsigned}, nil
	case ">>":
		if b.i < 0 || b.i > 63 {
			return value{}, errorf(op.Pos, "shift count %d out of range", b.i)
		}
		if a.unsigned {
			return value{int64(ua >> uint(b.i)), true}, nil
		}
		return value{a.i >> uint(b.i), false}, nil
	case "+":
		return value{a.i + b.i, unsigned}, nil
	case "-":
		return value{a.i - b.i, unsigned}, nil
	case "*":
		return value{a.i * b.i, unsigned}, nil
	case "/", "%":
		if b.i == 0 {
			return value{}, errorf(op.Pos, "division by zero in constant expression")
		}
		if unsigned {
			if op.Text == "/" {
				return value{int64(ua / ub), true}, nil
			}
			return value{int64(ua % ub), true}, nil
		}
		if op.Text == "/" {
			return value{a.i / b.i, false}, nil
		}
		return value{a.i % b.i, false}, nil
	}
	return value{}, errorf(op.Pos, "unsupported operator %q", op.Text)
}

func (ev *evaluator) unary() (value, error) {
	t := ev.peek()
	if t.Kind == TokPunct {
		switch t.Text {
		case "+", "-", "~", "!":
			ev.pos++
			v, err := ev.unary()
			if err != nil {
				return value{}, err
			}
			switch t.Text {
			case "-":
				return value{-v.i, v.unsigned}, nil
			case "~":
				return value{^v.i, v.unsigned}, nil
			case "!":
				return boolValue(!v.truth()), nil
			}
			return v, nil
		case "(":
			if unsigned, n, ok := ev.castAt(ev.pos); ok {
				ev.pos += n
				v, err := ev.unary()
				if err != nil {
					return value{}, err
				}
				v.unsigned = unsigned
				return v, nil
			}
			ev.pos++
			v, err := ev.conditional()
			if err != nil {
				return value{}, err
			}
			if !ev.accept(")") {
				return value{}, errorf(ev.lastPos(), "expected ')'")
			}
			return v, nil
		}
	}
	return ev.primary()
}

var castTypeWords = map[string]bool{
	"signed": false, "unsigned": true, "char": false, "short": false, "int": false, "long": false,
	"int8_t": false, "int16_t": false, "int32_t": false, "int64_t": false,
	"uint8_t": true, "uint16_t": true, "uint32_t": true, "uint64_t": true,
	"size_t": true, "intptr_t": false, "uintptr_t": true, "const": false,
}

// castAt reports whether a parenthesized integer type name starts at i.
// n is the number of tokens the cast occupies.
func (ev *evaluator) castAt(i int) (unsigned bool, n int, ok bool) {
	j := i + 1
	for j < len(ev.toks) && ev.toks[j].Kind == TokIdent {
		u, known := castTypeWords[ev.toks[j].Text]
		if !known {
			return false, 0, false
		}
		unsigned = unsigned || u
		j++
	}
	if j == i+1 || j >= len(ev.toks) || ev.toks[j].Text != ")" {
		return false, 0, false
	}
	return unsigned, j - i + 1, true
}

func (ev *evaluator) primary() (value, error) {
	t := ev.peek()
	switch t.Kind {
	case TokNumber:
		ev.pos++
		return parseIntLiteral(t)
	case TokChar:
		ev.pos++
		r, err := charValue(t)
		if err != nil {
			return value{}, err
		}
		return value{i: r}, nil
	case TokIdent:
		ev.pos++
		if ev.ident != nil {
			if v, ok := ev.ident(t); ok {
				return v, nil
			}
		}
		return value{}, errorf(t.Pos, "%q is not a constant", t.Text)
	case TokEOF:
		return value{}, errorf(ev.lastPos(), "unexpected end of constant expression")
	}
	return value{}, errorf(t.Pos, "unexpected %q in constant expression", t.Text)
}

// parseIntLiteral accepts decimal, octal, hex and binary literals with
// u/l suffixes.
func parseIntLiteral(t Token) (value, error) {
	text := strings.ToLower(t.Text)
	unsigned := false
	for len(text) > 0 {
		last := text[len(text)-1]
		if last == 'u' {
			unsigned = true
		} else if last != 'l' {
			break
		}
		text = text[:len(text)-1]
	}

	base := 10
	switch {
	case strings.HasPrefix(text, "0x"):
		base, text = 16, text[2:]
	case strings.HasPrefix(text, "0b"):
		base, text = 2, text[2:]
	case len(text) > 1 && text[0] == '0':
		base, text = 8, text[1:]
	}

	u, err := strconv.ParseUint(text, base, 64)
	if err != nil {
		return value{}, errorf(t.Pos, "invalid integer constant %q", t.Text)
	}
	if u > 1<<63-1 {
		unsigned = true
	}
	return value{int64(u), unsigned}, nil
}

// parseFloatLiteral accepts a floating constant with an optional f/l suffix.
func parseFloatLiteral(text string) (float64, bool) {
	lower := strings.ToLower(text)
	hex := strings.HasPrefix(lower, "0x")
	if hex && !strings.Contains(lower, "p") {
		return 0, false
	}
	if !hex && !strings.ContainsAny(lower, ".e") {
		return 0, false
	}
	lower = strings.TrimRight(lower, "fl")
	f, err := strconv.ParseFloat(lower, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// charValue returns the value of a character constant.
func charValue(t Token) (int64, error) {
	text := t.Text
	if i := strings.IndexByte(text, '\''); i > 0 {
		text = text[i:]
	}
	if len(text) < 3 {
		return 0, errorf(t.Pos, "empty character constant")
	}
	decoded, err := unescapeC(text[1 : len(text)-1])
	if err != nil || len(decoded) == 0 {
		return 0, errorf(t.Pos, "invalid character constant %s", t.Text)
	}
	runes := []rune(decoded)
	if len(runes) == 1 {
		return int64(runes[0]), nil
	}
	return int64(decoded[0]), nil
}

// stringValue decodes a string literal, dropping any encoding prefix.
func stringValue(t Token) (string, error) {
	text := t.Text
	i := strings.IndexByte(text, '"')
	if i < 0 || len(text)-i < 2 {
		return "", errorf(t.Pos, "invalid string literal")
	}
	s, err := unescapeC(text[i+1 : len(text)-1])
	if err != nil {
		return "", errorf(t.Pos, "invalid string literal: %v", err)
	}
	return s, nil
}

// unescapeC decodes C escape sequences.
func unescapeC(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", errorf(Pos{}, "trailing backslash")
		}
		switch e := s[i]; e {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '\\', '\'', '"', '?':
			b.WriteByte(e)
		case 'x':
			j := i + 1
			for j < len(s) && strings.IndexByte("0123456789abcdefABCDEF", s[j]) >= 0 {
				j++
			}
			if j == i+1 {
				return "", errorf(Pos{}, `\x without hex digits`)
			}
			n, _ := strconv.ParseUint(s[i+1:j], 16, 64)
			b.WriteByte(byte(n))
			i = j - 1
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			n, _ := strconv.ParseUint(s[i:j], 8, 64)
			b.WriteByte(byte(n))
			i = j - 1
		default:
			return "", errorf(Pos{}, "unknown escape \\%c", e)
		}
	}
	return b.String(), nil
}
