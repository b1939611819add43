package bindgen

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxIncludeDepth = 200

// Macro is a preprocessor definition.
type Macro struct {
	Name     string
	Params   []string // nil for object-like macros
	Function bool
	Variadic bool
	Body     []Token
	Pos      Pos

	// user marks definitions supplied through Options.Defines or predefined
	// for the target platform; they never become Go constants.
	user bool
}

// SourceFile is a header read while preprocessing.
type SourceFile struct {
	Path   string // absolute path
	SHA256 string // hex digest of the content that was read
}

type condFrame struct {
	active    bool // current branch is being emitted
	taken     bool // some branch of this group was already emitted
	parentOn  bool // enclosing group is active
	sawElse   bool
	openedPos Pos
}

// preprocessor expands a header into a flat token stream.
type preprocessor struct {
	includeDirs []string
	macros      map[string]*Macro
	order       []string // definition order of macros, for deterministic output

	files    []SourceFile
	seen     map[string]bool
	once     map[string]bool
	system   []string
	depth    int
	out      []Token
	conds    []condFrame
	rootFile string
}

func newPreprocessor(includeDirs []string, predefined map[string]string, defines map[string]string) (*preprocessor, error) {
	pp := &preprocessor{
		includeDirs: includeDirs,
		macros:      map[string]*Macro{},
		seen:        map[string]bool{},
		once:        map[string]bool{},
	}
	for _, src := range []map[string]string{predefined, defines} {
		names := make([]string, 0, len(src))
		for name := range src {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := pp.defineFromString(name, src[name]); err != nil {
				return nil, err
			}
		}
	}
	return pp, nil
}

// defineFromString installs a -D style definition.
func (pp *preprocessor) defineFromString(name, body string) error {
	toks, err := tokenize("<command-line>", name+" "+body)
	if err != nil {
		return err
	}
	m, err := parseDefine(toks)
	if err != nil {
		return err
	}
	m.user = true
	pp.define(m)
	return nil
}

func (pp *preprocessor) define(m *Macro) {
	if _, exists := pp.macros[m.Name]; !exists {
		pp.order = append(pp.order, m.Name)
	}
	pp.macros[m.Name] = m
}

func (pp *preprocessor) active() bool {
	return len(pp.conds) == 0 || pp.conds[len(pp.conds)-1].active
}

// run preprocesses path and everything it includes.
func (pp *preprocessor) run(path string) ([]Token, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	pp.rootFile = abs
	if err := pp.file(abs, Pos{}); err != nil {
		return nil, err
	}
	return pp.out, nil
}

func (pp *preprocessor) file(path string, from Pos) error {
	if pp.once[path] {
		return nil
	}
	pp.depth++
	defer func() { pp.depth-- }()
	if pp.depth > maxIncludeDepth {
		return errorf(from, "#include nested too deeply")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errorf(from, "read %s: %v", path, err)
	}
	if !pp.seen[path] {
		pp.seen[path] = true
		sum := sha256.Sum256(data)
		pp.files = append(pp.files, SourceFile{Path: path, SHA256: hex.EncodeToString(sum[:])})
	}

	toks, err := tokenize(path, string(data))
	if err != nil {
		return err
	}

	baseDepth := len(pp.conds)
	var text []Token
	flush := func() error {
		if len(text) == 0 {
			return nil
		}
		expanded, err := pp.expand(text, nil)
		if err != nil {
			return err
		}
		pp.out = append(pp.out, expanded...)
		text = text[:0]
		return nil
	}

	for i := 0; i < len(toks); {
		t := toks[i]
		if t.BOL && t.Kind == TokPunct && t.Text == "#" {
			j := i + 1
			for j < len(toks) && !toks[j].BOL {
				j++
			}
			if err := flush(); err != nil {
				return err
			}
			if err := pp.directive(t, toks[i+1:j]); err != nil {
				return err
			}
			i = j
			continue
		}
		if pp.active() {
			text = append(text, t)
		}
		i++
	}
	if err := flush(); err != nil {
		return err
	}

	if len(pp.conds) != baseDepth {
		return errorf(pp.conds[len(pp.conds)-1].openedPos, "unterminated conditional directive")
	}
	return nil
}

func (pp *preprocessor) directive(hash Token, line []Token) error {
	if len(line) == 0 {
		return nil // null directive
	}
	name := line[0].Text
	args := line[1:]

	switch name {
	case "if", "ifdef", "ifndef":
		parentOn := pp.active()
		cond := false
		if parentOn {
			var err error
			if cond, err = pp.condition(name, line[0], args); err != nil {
				return err
			}
		}
		pp.conds = append(pp.conds, condFrame{active: parentOn && cond, taken: cond, parentOn: parentOn, openedPos: hash.Pos})
		return nil

	case "elif", "elifdef", "elifndef":
		if len(pp.conds) == 0 {
			return errorf(hash.Pos, "#%s without #if", name)
		}
		top := &pp.conds[len(pp.conds)-1]
		if top.sawElse {
			return errorf(hash.Pos, "#%s after #else", name)
		}
		if !top.parentOn || top.taken {
			top.active = false
			return nil
		}
		kind := map[string]string{"elif": "if", "elifdef": "ifdef", "elifndef": "ifndef"}[name]
		cond, err := pp.condition(kind, line[0], args)
		if err != nil {
			return err
		}
		top.active = cond
		top.taken = cond
		return nil

	case "else":
		if len(pp.conds) == 0 {
			return errorf(hash.Pos, "#else without #if")
		}
		top := &pp.conds[len(pp.conds)-1]
		if top.sawElse {
			return errorf(hash.Pos, "duplicate #else")
		}
		top.sawElse = true
		top.active = top.parentOn && !top.taken
		top.taken = true
		return nil

	case "endif":
		if len(pp.conds) == 0 {
			return errorf(hash.Pos, "#endif without #if")
		}
		pp.conds = pp.conds[:len(pp.conds)-1]
		return nil
	}

	if !pp.active() {
		return nil
	}

	switch name {
	case "define":
		m, err := parseDefine(args)
		if err != nil {
			return err
		}
		m.Pos = line[0].Pos
		pp.define(m)
	case "undef":
		if len(args) > 0 {
			delete(pp.macros, args[0].Text)
		}
	case "include", "include_next":
		return pp.include(hash, args)
	case "pragma":
		if len(args) > 0 && args[0].Text == "once" {
			pp.once[hash.Pos.File] = true
		}
	case "error":
		return errorf(hash.Pos, "#error %s", joinTokens(args))
	case "warning", "line", "ident", "sccs", "assert", "unassert":
		// no effect on declarations
	default:
		if line[0].Kind != TokNumber { // "# 12 file" line markers are fine
			return errorf(hash.Pos, "unknown directive #%s", name)
		}
	}
	return nil
}

// parseDefine reads NAME [ (params) ] body from the tokens after #define.
func parseDefine(args []Token) (*Macro, error) {
	if len(args) == 0 || args[0].Kind != TokIdent {
		pos := Pos{}
		if len(args) > 0 {
			pos = args[0].Pos
		}
		return nil, errorf(pos, "#define needs a macro name")
	}
	m := &Macro{Name: args[0].Text, Pos: args[0].Pos}
	rest := args[1:]

	if len(rest) > 0 && rest[0].Text == "(" && !rest[0].Space {
		m.Function = true
		m.Params = []string{}
		i := 1
		for ; i < len(rest); i++ {
			t := rest[i]
			switch {
			case t.Text == ")":
				m.Body = trimBody(rest[i+1:])
				return m, nil
			case t.Text == ",":
			case t.Text == "...":
				m.Variadic = true
				m.Params = append(m.Params, "__VA_ARGS__")
			case t.Kind == TokIdent:
				if i+1 < len(rest) && rest[i+1].Text == "..." {
					m.Variadic = true
					i++
				}
				m.Params = append(m.Params, t.Text)
			default:
				return nil, errorf(t.Pos, "unexpected %q in macro parameters", t.Text)
			}
		}
		return nil, errorf(args[0].Pos, "unterminated parameter list of %s", m.Name)
	}

	m.Body = trimBody(rest)
	return m, nil
}

func trimBody(toks []Token) []Token {
	body := make([]Token, len(toks))
	copy(body, toks)
	for i := range body {
		body[i].BOL = false
	}
	if len(body) > 0 {
		body[0].Space = false
	}
	return body
}

// condition evaluates the controlling expression of a conditional directive.
func (pp *preprocessor) condition(kind string, at Token, args []Token) (bool, error) {
	switch kind {
	case "ifdef", "ifndef":
		if len(args) == 0 || args[0].Kind != TokIdent {
			return false, errorf(at.Pos, "#%s needs a macro name", kind)
		}
		_, defined := pp.macros[args[0].Text]
		return defined == (kind == "ifdef"), nil
	}

	resolved, err := pp.resolveDefined(args)
	if err != nil {
		return false, err
	}
	expanded, err := pp.expand(resolved, nil)
	if err != nil {
		return false, err
	}
	v, err := evalTokens(expanded, func(Token) (value, bool) {
		// Identifiers left after expansion evaluate to zero.
		return value{}, true
	})
	if err != nil {
		if pe, ok := err.(*ParseError); ok && pe.Pos == (Pos{}) {
			pe.Pos = at.Pos
		}
		return false, err
	}
	return v.truth(), nil
}

// resolveDefined replaces defined(X), __has_include(...) and the other
// feature-test operators with 0/1 before macro expansion.
func (pp *preprocessor) resolveDefined(args []Token) ([]Token, error) {
	out := make([]Token, 0, len(args))
	for i := 0; i < len(args); i++ {
		t := args[i]
		if t.Kind != TokIdent {
			out = append(out, t)
			continue
		}

		switch t.Text {
		case "defined":
			j := i + 1
			paren := j < len(args) && args[j].Text == "("
			if paren {
				j++
			}
			if j >= len(args) || args[j].Kind != TokIdent {
				return nil, errorf(t.Pos, "defined needs a macro name")
			}
			_, ok := pp.macros[args[j].Text]
			if paren {
				j++
				if j >= len(args) || args[j].Text != ")" {
					return nil, errorf(t.Pos, "missing ')' after defined")
				}
			}
			out = append(out, numberToken(t, ok))
			i = j

		case "__has_include", "__has_include_next", "__has_attribute", "__has_c_attribute",
			"__has_cpp_attribute", "__has_builtin", "__has_feature", "__has_extension", "__has_declspec_attribute":
			end, inner, err := parenGroup(args, i+1)
			if err != nil {
				return nil, err
			}
			result := false
			if strings.HasPrefix(t.Text, "__has_include") {
				result = pp.hasInclude(t, inner)
			}
			out = append(out, numberToken(t, result))
			i = end

		default:
			out = append(out, t)
		}
	}
	return out, nil
}

func numberToken(at Token, b bool) Token {
	text := "0"
	if b {
		text = "1"
	}
	return Token{Kind: TokNumber, Text: text, Pos: at.Pos, Space: at.Space}
}

// parenGroup returns the tokens inside the parentheses starting at i and the
// index of the closing parenthesis.
func parenGroup(toks []Token, i int) (int, []Token, error) {
	if i >= len(toks) || toks[i].Text != "(" {
		pos := Pos{}
		if i > 0 && i-1 < len(toks) {
			pos = toks[i-1].Pos
		}
		return 0, nil, errorf(pos, "expected '('")
	}
	depth := 0
	for j := i; j < len(toks); j++ {
		switch toks[j].Text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return j, toks[i+1 : j], nil
			}
		}
	}
	return 0, nil, errorf(toks[i].Pos, "unbalanced parentheses")
}

func (pp *preprocessor) hasInclude(at Token, inner []Token) bool {
	name, quoted, ok := headerName(inner)
	if !ok {
		return false
	}
	if !quoted {
		// System headers are not read; assume the toolchain provides them.
		return true
	}
	_, found := pp.resolve(name, at.Pos.File)
	return found
}

// headerName extracts "name" or <name> from include tokens.
func headerName(toks []Token) (name string, quoted bool, ok bool) {
	if len(toks) == 0 {
		return "", false, false
	}
	if toks[0].Kind == TokString {
		s, err := stringValue(toks[0])
		if err != nil {
			return "", false, false
		}
		return s, true, true
	}
	if toks[0].Text == "<" {
		var b strings.Builder
		for _, t := range toks[1:] {
			if t.Text == ">" {
				return b.String(), false, true
			}
			b.WriteString(t.Text)
		}
	}
	return "", false, false
}

func (pp *preprocessor) include(hash Token, args []Token) error {
	name, quoted, ok := headerName(args)
	if !ok {
		expanded, err := pp.expand(args, nil)
		if err != nil {
			return err
		}
		name, quoted, ok = headerName(expanded)
		if !ok {
			return errorf(hash.Pos, "malformed #include")
		}
	}

	if !quoted {
		pp.recordSystem(name)
		return nil
	}

	path, found := pp.resolve(name, hash.Pos.File)
	if !found {
		// The compiler would go on to the system directories.
		pp.recordSystem(name)
		return nil
	}
	return pp.file(path, hash.Pos)
}

func (pp *preprocessor) recordSystem(name string) {
	for _, existing := range pp.system {
		if existing == name {
			return
		}
	}
	pp.system = append(pp.system, name)
}

// resolve finds a quoted include relative to the including file, then in
// the include directories.
func (pp *preprocessor) resolve(name, from string) (string, bool) {
	if filepath.IsAbs(name) {
		return name, fileExists(name)
	}
	dirs := make([]string, 0, len(pp.includeDirs)+1)
	if from != "" {
		dirs = append(dirs, filepath.Dir(from))
	}
	dirs = append(dirs, pp.includeDirs...)
	for _, dir := range dirs {
		candidate := filepath.Join(dir, filepath.FromSlash(name))
		if fileExists(candidate) {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				continue
			}
			return abs, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// expand performs macro expansion on toks. disabled holds the macros being
// expanded, which must not expand again.
func (pp *preprocessor) expand(toks []Token, disabled map[string]bool) ([]Token, error) {
	out := make([]Token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.Kind != TokIdent || t.noExpand {
			out = append(out, t)
			continue
		}
		m, ok := pp.macros[t.Text]
		if !ok {
			out = append(out, t)
			continue
		}
		if disabled[t.Text] {
			t.noExpand = true
			out = append(out, t)
			continue
		}

		inner := make(map[string]bool, len(disabled)+1)
		for k := range disabled {
			inner[k] = true
		}
		inner[m.Name] = true

		if !m.Function {
			body := relocate(m.Body, t)
			expanded, err := pp.expand(body, inner)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
			continue
		}

		if i+1 >= len(toks) || toks[i+1].Text != "(" {
			out = append(out, t)
			continue
		}
		end, args, err := collectArgs(toks, i+1)
		if err != nil {
			return nil, err
		}
		body, err := pp.substitute(m, args, t, disabled)
		if err != nil {
			return nil, err
		}
		expanded, err := pp.expand(body, inner)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
		i = end
	}
	return out, nil
}

// relocate copies body tokens to the position of the invocation.
func relocate(body []Token, at Token) []Token {
	out := make([]Token, len(body))
	for i, t := range body {
		t.Pos = at.Pos
		t.BOL = false
		if i == 0 {
			t.Space = at.Space
		}
		out[i] = t
	}
	return out
}

// collectArgs splits the arguments of a macro call whose '(' is at open.
func collectArgs(toks []Token, open int) (int, [][]Token, error) {
	var (
		args  [][]Token
		cur   []Token
		depth int
	)
	for j := open; j < len(toks); j++ {
		t := toks[j]
		switch t.Text {
		case "(":
			depth++
			if depth == 1 {
				continue
			}
		case ")":
			depth--
			if depth == 0 {
				args = append(args, cur)
				return j, args, nil
			}
		case ",":
			if depth == 1 {
				args = append(args, cur)
				cur = nil
				continue
			}
		}
		cur = append(cur, t)
	}
	return 0, nil, errorf(toks[open].Pos, "unterminated macro call")
}

// substitute replaces parameters in the body of m, handling # and ##.
func (pp *preprocessor) substitute(m *Macro, args [][]Token, at Token, disabled map[string]bool) ([]Token, error) {
	if len(m.Params) == 0 && len(args) == 1 && len(args[0]) == 0 {
		args = nil
	}
	if m.Variadic && len(args) < len(m.Params) {
		for len(args) < len(m.Params) {
			args = append(args, nil)
		}
	}
	if m.Variadic && len(args) > len(m.Params) {
		// Fold the extra arguments into __VA_ARGS__.
		last := len(m.Params) - 1
		merged := args[last]
		for _, extra := range args[len(m.Params):] {
			merged = append(merged, Token{Kind: TokPunct, Text: ",", Pos: at.Pos})
			merged = append(merged, extra...)
		}
		args = append(args[:last], merged)
	}
	if len(args) != len(m.Params) {
		return nil, errorf(at.Pos, "macro %s expects %d arguments, got %d", m.Name, len(m.Params), len(args))
	}

	param := func(t Token) int {
		if t.Kind != TokIdent {
			return -1
		}
		for i, p := range m.Params {
			if p == t.Text {
				return i
			}
		}
		return -1
	}

	var out []Token
	body := m.Body
	for i := 0; i < len(body); i++ {
		t := body[i]

		if t.Text == "#" && i+1 < len(body) {
			if idx := param(body[i+1]); idx >= 0 {
				out = append(out, Token{
					Kind:  TokString,
					Text:  stringize(args[idx]),
					Pos:   at.Pos,
					Space: t.Space,
				})
				i++
				continue
			}
		}

		if idx := param(t); idx >= 0 {
			pasted := (i+1 < len(body) && body[i+1].Text == "##") || (i > 0 && body[i-1].Text == "##")
			arg := relocate(args[idx], at)
			if len(arg) > 0 {
				arg[0].Space = t.Space
			}
			if !pasted {
				expanded, err := pp.expand(arg, disabled)
				if err != nil {
					return nil, err
				}
				arg = expanded
			}
			out = append(out, arg...)
			continue
		}

		t.Pos = at.Pos
		out = append(out, t)
	}
	if len(out) > 0 {
		out[0].Space = at.Space
	}
	return pasteTokens(out)
}

// pasteTokens applies the ## operator.
func pasteTokens(toks []Token) ([]Token, error) {
	var out []Token
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.Text != "##" || t.Kind != TokPunct {
			out = append(out, t)
			continue
		}
		if len(out) == 0 || i+1 >= len(toks) {
			continue
		}
		left := out[len(out)-1]
		right := toks[i+1]
		joined, err := tokenize(left.Pos.File, left.Text+right.Text)
		if err != nil {
			return nil, err
		}
		if len(joined) == 1 {
			joined[0].Pos = left.Pos
			joined[0].Space = left.Space
			out[len(out)-1] = joined[0]
		} else {
			out = append(out, right)
		}
		i++
	}
	return out, nil
}

func stringize(toks []Token) string {
	text := joinTokens(toks)
	text = strings.ReplaceAll(text, `\`, `\\`)
	text = strings.ReplaceAll(text, `"`, `\"`)
	return `"` + text + `"`
}

// constantMacros returns the object-like macros defined by the headers, in
// definition order.
func (pp *preprocessor) constantMacros() []*Macro {
	var out []*Macro
	for _, name := range pp.order {
		m, ok := pp.macros[name]
		if !ok || m.user || m.Function || len(m.Body) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}
