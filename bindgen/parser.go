package bindgen

import "fmt"

// builtinTypeNames are typedef names from standard headers that are never
// read (stdint.h, stddef.h, stdbool.h, uchar.h).
var builtinTypeNames = map[string]Kind{
	"bool":      Bool,
	"int8_t":    Int8,
	"int16_t":   Int16,
	"int32_t":   Int32,
	"int64_t":   Int64,
	"uint8_t":   Uint8,
	"uint16_t":  Uint16,
	"uint32_t":  Uint32,
	"uint64_t":  Uint64,
	"size_t":    Size,
	"ssize_t":   SSize,
	"intptr_t":  IntPtr,
	"uintptr_t": UintPtr,
	"ptrdiff_t": PtrDiff,
	"wchar_t":   WChar,
	"char16_t":  Uint16,
	"char32_t":  Uint32,
}

// typeKeywords start a type in a declaration.
var typeKeywords = map[string]bool{
	"void": true, "char": true, "short": true, "int": true, "long": true, "float": true, "double": true,
	"signed": true, "unsigned": true, "_Bool": true, "_Complex": true, "__signed": true, "__signed__": true,
	"struct": true, "union": true, "enum": true, "const": true, "__const": true, "__const__": true,
}

// ignoredKeywords carry no information for bindings.
var ignoredKeywords = map[string]bool{
	"extern": true, "inline": true, "__inline": true, "__inline__": true, "__forceinline": true,
	"register": true, "auto": true, "_Noreturn": true, "__extension__": true,
	"__cdecl": true, "__stdcall": true, "__fastcall": true, "__vectorcall": true, "__thiscall": true,
	"_cdecl": true, "_stdcall": true, "__ptr32": true, "__ptr64": true, "__unaligned": true,
	"_Thread_local": true, "__thread": true, "thread_local": true,
	"restrict": true, "__restrict": true, "__restrict__": true,
	"volatile": true, "__volatile": true, "__volatile__": true, "_Atomic": true,
	"_Nonnull": true, "_Nullable": true, "_Null_unspecified": true, "__nonnull": true, "__nullable": true,
}

// attributeKeywords are followed by a parenthesized argument list.
var attributeKeywords = map[string]bool{
	"__attribute__": true, "__attribute": true, "__declspec": true,
	"__asm__": true, "__asm": true, "asm": true,
	"_Alignas": true, "alignas": true, "__pragma": true, "_Pragma": true,
	"__deprecated_msg": true, "__API_AVAILABLE": true,
}

type parser struct {
	toks []Token
	pos  int
	hdr  *Header

	typedefs   map[string]*Typedef
	records    map[string]*Record
	enums      map[string]*Enum
	enumValues map[string]value
	functions  map[string]bool

	externDepth int
}

func newParser(toks []Token) *parser {
	return &parser{
		toks:       toks,
		hdr:        &Header{},
		typedefs:   map[string]*Typedef{},
		records:    map[string]*Record{},
		enums:      map[string]*Enum{},
		enumValues: map[string]value{},
		functions:  map[string]bool{},
	}
}

// parseDeclarations parses a preprocessed token stream.
func parseDeclarations(toks []Token) (*parser, error) {
	p := newParser(toks)
	for !p.eof() {
		t := p.peek()
		if t.Text == "extern" && p.peekAt(1).Kind == TokString {
			p.pos += 2
			if p.accept("{") {
				p.externDepth++
			}
			continue
		}
		p.skipNoise()
		t = p.peek()
		switch {
		case p.eof():
		case t.Text == ";":
			p.pos++
		case t.Text == "}" && p.externDepth > 0:
			p.pos++
			p.externDepth--
		case t.Text == "_Static_assert" || t.Text == "static_assert":
			if err := p.skipPast(";"); err != nil {
				return nil, err
			}
		default:
			if err := p.declaration(); err != nil {
				return nil, err
			}
		}
	}
	if p.externDepth > 0 {
		return nil, errorf(p.lastPos(), "unterminated extern block")
	}
	return p, nil
}

func (p *parser) eof() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() Token { return p.peekAt(0) }

func (p *parser) peekAt(n int) Token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return Token{Kind: TokEOF, Pos: p.lastPos()}
}

func (p *parser) lastPos() Pos {
	if len(p.toks) == 0 {
		return Pos{}
	}
	if p.pos < len(p.toks) {
		return p.toks[p.pos].Pos
	}
	return p.toks[len(p.toks)-1].Pos
}

func (p *parser) accept(text string) bool {
	t := p.peek()
	if (t.Kind == TokPunct || t.Kind == TokIdent) && t.Text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(text string) error {
	if p.accept(text) {
		return nil
	}
	t := p.peek()
	if t.Kind == TokEOF {
		return errorf(t.Pos, "expected %q, found end of input", text)
	}
	return errorf(t.Pos, "expected %q, found %q", text, t.Text)
}

// skipNoise consumes attributes, calling conventions and storage words.
func (p *parser) skipNoise() {
	for {
		t := p.peek()
		switch {
		case t.Kind == TokIdent && ignoredKeywords[t.Text]:
			p.pos++
		case t.Kind == TokIdent && attributeKeywords[t.Text] && p.peekAt(1).Text == "(":
			p.pos++
			if err := p.skipBalanced("(", ")"); err != nil {
				return
			}
		case t.Text == "[" && p.peekAt(1).Text == "[":
			if err := p.skipBalanced("[", "]"); err != nil {
				return
			}
		default:
			return
		}
	}
}

// qualifiers consumes type qualifiers and reports whether const was among them.
func (p *parser) qualifiers() bool {
	isConst := false
	for {
		p.skipNoise()
		switch p.peek().Text {
		case "const", "__const", "__const__":
			isConst = true
			p.pos++
		default:
			return isConst
		}
	}
}

// skipBalanced skips from an opening token to its matching close.
func (p *parser) skipBalanced(open, close string) error {
	start := p.peek()
	if start.Text != open {
		return errorf(start.Pos, "expected %q", open)
	}
	depth := 0
	for !p.eof() {
		t := p.peek()
		p.pos++
		switch t.Text {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
	return errorf(start.Pos, "unbalanced %q", open)
}

// skipPast skips to just after the next text at nesting depth zero.
func (p *parser) skipPast(text string) error {
	start := p.peek()
	depth := 0
	for !p.eof() {
		t := p.peek()
		p.pos++
		if t.Text == text && depth == 0 {
			return nil
		}
		switch t.Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		}
	}
	return errorf(start.Pos, "expected %q", text)
}

// collectUntil returns the tokens before the first stop token at depth zero,
// leaving the stop token unread.
func (p *parser) collectUntil(stops ...string) []Token {
	var out []Token
	depth := 0
	for !p.eof() {
		t := p.peek()
		if depth == 0 {
			for _, s := range stops {
				if t.Text == s {
					return out
				}
			}
		}
		switch t.Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		}
		out = append(out, t)
		p.pos++
	}
	return out
}

func (p *parser) enumIdent(t Token) (value, bool) {
	v, ok := p.enumValues[t.Text]
	return v, ok
}

type declSpec struct {
	typ       *Type
	isTypedef bool
	isStatic  bool
}

// isTypeName reports whether an identifier names a type here.
func (p *parser) isTypeName(name string) bool {
	if typeKeywords[name] {
		return true
	}
	if _, ok := p.typedefs[name]; ok {
		return true
	}
	_, ok := builtinTypeNames[name]
	return ok
}

// specifiers parses declaration specifiers into a base type.
func (p *parser) specifiers() (declSpec, error) {
	var (
		ds        declSpec
		isConst   bool
		signed    bool
		unsigned  bool
		short     bool
		long      int
		char      bool
		integer   bool
		float     bool
		double    bool
		void      bool
		boolean   bool
		complex   bool
		named     *Type
		start     = p.peek()
		anyBasics = func() bool {
			return signed || unsigned || short || long > 0 || char || integer || float || double || void || boolean || complex
		}
	)

loop:
	for {
		p.skipNoise()
		t := p.peek()
		if t.Kind != TokIdent {
			break
		}
		switch t.Text {
		case "typedef":
			ds.isTypedef = true
		case "static":
			ds.isStatic = true
		case "const", "__const", "__const__":
			isConst = true
		case "signed", "__signed", "__signed__":
			signed = true
		case "unsigned":
			unsigned = true
		case "short":
			short = true
		case "long":
			long++
		case "char":
			char = true
		case "int":
			integer = true
		case "float":
			float = true
		case "double":
			double = true
		case "void":
			void = true
		case "_Bool":
			boolean = true
		case "_Complex", "__complex__":
			complex = true
		case "struct", "union":
			if named != nil || anyBasics() {
				return ds, errorf(t.Pos, "unexpected %s", t.Text)
			}
			rec, err := p.recordSpec()
			if err != nil {
				return ds, err
			}
			named = &Type{Kind: RecordType, Record: rec}
			continue
		case "enum":
			if named != nil || anyBasics() {
				return ds, errorf(t.Pos, "unexpected enum")
			}
			e, err := p.enumSpec()
			if err != nil {
				return ds, err
			}
			named = &Type{Kind: EnumType, Enum: e}
			continue
		case "typeof", "__typeof__", "__typeof":
			return ds, errorf(t.Pos, "%s is not supported", t.Text)
		default:
			if named != nil || anyBasics() {
				break loop
			}
			if td, ok := p.typedefs[t.Text]; ok {
				named = &Type{Kind: TypedefType, Name: t.Text, Typedef: td}
			} else if k, ok := builtinTypeNames[t.Text]; ok {
				named = &Type{Kind: k}
			} else if next := p.peekAt(1); next.Kind == TokIdent && p.isTypeName(next.Text) {
				// An annotation macro that no header read here defines.
			} else if next.Kind == TokIdent || next.Text == "*" {
				// A type from a header that is not read, such as FILE.
				named = &Type{Kind: External, Name: t.Text}
			} else {
				break loop
			}
		}
		p.pos++
	}

	switch {
	case named != nil:
		if anyBasics() {
			return ds, errorf(start.Pos, "conflicting type specifiers")
		}
		ds.typ = named
	case complex:
		ds.typ = &Type{Kind: External, Name: "_Complex"}
	case void:
		ds.typ = &Type{Kind: Void}
	case boolean:
		ds.typ = &Type{Kind: Bool}
	case float:
		ds.typ = &Type{Kind: Float}
	case double:
		if long > 0 {
			ds.typ = &Type{Kind: LongDouble}
		} else {
			ds.typ = &Type{Kind: Double}
		}
	case char:
		switch {
		case unsigned:
			ds.typ = &Type{Kind: UChar}
		case signed:
			ds.typ = &Type{Kind: SChar}
		default:
			ds.typ = &Type{Kind: Char}
		}
	case short:
		ds.typ = &Type{Kind: pick(unsigned, UShort, Short)}
	case long == 1:
		ds.typ = &Type{Kind: pick(unsigned, ULong, Long)}
	case long >= 2:
		ds.typ = &Type{Kind: pick(unsigned, ULongLong, LongLong)}
	case integer || signed || unsigned:
		ds.typ = &Type{Kind: pick(unsigned, UInt, Int)}
	default:
		t := p.peek()
		if t.Kind == TokEOF {
			return ds, errorf(t.Pos, "expected a type, found end of input")
		}
		return ds, errorf(t.Pos, "expected a type, found %q", t.Text)
	}

	if isConst {
		cp := *ds.typ
		cp.Const = true
		ds.typ = &cp
	}
	return ds, nil
}

func pick(cond bool, a, b Kind) Kind {
	if cond {
		return a
	}
	return b
}

// recordSpec parses struct/union [tag] [{ fields }].
func (p *parser) recordSpec() (*Record, error) {
	kw := p.peek()
	p.pos++
	union := kw.Text == "union"
	p.skipNoise()

	tag := ""
	if t := p.peek(); t.Kind == TokIdent {
		tag = t.Text
		p.pos++
	}
	p.skipNoise()

	key := kw.Text + " " + tag
	rec := p.records[key]
	if tag == "" {
		rec = nil
	}

	if p.peek().Text != "{" {
		if tag == "" {
			return nil, errorf(kw.Pos, "anonymous %s without a body", kw.Text)
		}
		if rec == nil {
			rec = &Record{Tag: tag, Union: union, Pos: kw.Pos}
			p.records[key] = rec
			p.hdr.Records = append(p.hdr.Records, rec)
		}
		return rec, nil
	}

	if rec != nil && rec.Complete {
		return nil, errorf(kw.Pos, "redefinition of %s", key)
	}
	if rec == nil {
		rec = &Record{Tag: tag, Union: union, Pos: kw.Pos}
		if tag != "" {
			p.records[key] = rec
		}
		p.hdr.Records = append(p.hdr.Records, rec)
	}

	p.pos++ // {
	for !p.accept("}") {
		if p.eof() {
			return nil, errorf(kw.Pos, "unterminated %s body", kw.Text)
		}
		if p.accept(";") {
			continue
		}
		if t := p.peek(); t.Text == "_Static_assert" || t.Text == "static_assert" {
			if err := p.skipPast(";"); err != nil {
				return nil, err
			}
			continue
		}
		fields, err := p.fieldDeclaration()
		if err != nil {
			return nil, err
		}
		rec.Fields = append(rec.Fields, fields...)
	}
	rec.Complete = true
	p.skipNoise()
	return rec, nil
}

func (p *parser) fieldDeclaration() ([]Field, error) {
	ds, err := p.specifiers()
	if err != nil {
		return nil, err
	}
	if p.accept(";") {
		// Anonymous struct or union member.
		return []Field{{Type: ds.typ, Bits: -1}}, nil
	}

	var fields []Field
	for {
		name, typ, err := p.declarator(ds.typ)
		if err != nil {
			return nil, err
		}
		field := Field{Name: name, Type: typ, Bits: -1}
		if p.accept(":") {
			width, err := evalTokens(p.collectUntil(",", ";"), p.enumIdent)
			if err != nil {
				return nil, err
			}
			field.Bits = int(width.i)
		}
		p.skipNoise()
		fields = append(fields, field)
		if p.accept(",") {
			continue
		}
		return fields, p.expect(";")
	}
}

// enumSpec parses enum [tag] [: type] [{ enumerators }].
func (p *parser) enumSpec() (*Enum, error) {
	kw := p.peek()
	p.pos++
	p.skipNoise()

	tag := ""
	if t := p.peek(); t.Kind == TokIdent {
		tag = t.Text
		p.pos++
	}
	p.skipNoise()

	if p.accept(":") {
		if _, err := p.specifiers(); err != nil {
			return nil, err
		}
	}

	e := p.enums[tag]
	if tag == "" {
		e = nil
	}

	if p.peek().Text != "{" {
		if tag == "" {
			return nil, errorf(kw.Pos, "anonymous enum without a body")
		}
		if e == nil {
			e = &Enum{Tag: tag, Pos: kw.Pos}
			p.enums[tag] = e
			p.hdr.Enums = append(p.hdr.Enums, e)
		}
		return e, nil
	}

	if e != nil && len(e.Constants) > 0 {
		return nil, errorf(kw.Pos, "redefinition of enum %s", tag)
	}
	if e == nil {
		e = &Enum{Tag: tag, Pos: kw.Pos}
		if tag != "" {
			p.enums[tag] = e
		}
		p.hdr.Enums = append(p.hdr.Enums, e)
	}

	p.pos++ // {
	next := value{}
	for !p.accept("}") {
		t := p.peek()
		if t.Kind != TokIdent {
			return nil, errorf(t.Pos, "expected enumerator, found %q", t.Text)
		}
		p.pos++
		p.skipNoise()

		v := next
		if p.accept("=") {
			expr := p.collectUntil(",", "}")
			var err error
			if v, err = evalTokens(expr, p.enumIdent); err != nil {
				return nil, fmt.Errorf("enumerator %s: %w", t.Text, err)
			}
		}
		e.Constants = append(e.Constants, EnumConstant{Name: t.Text, Value: v.i, Unsigned: v.unsigned})
		p.enumValues[t.Text] = v
		next = value{v.i + 1, v.unsigned}

		if !p.accept(",") {
			if err := p.expect("}"); err != nil {
				return nil, err
			}
			break
		}
	}
	p.skipNoise()
	return e, nil
}

// nestedDeclarator reports whether the '(' at the cursor opens a nested
// declarator rather than a parameter list.
func (p *parser) nestedDeclarator() bool {
	next := p.peekAt(1)
	switch {
	case next.Text == "*" || next.Text == "^" || next.Text == "(":
		return true
	case next.Kind == TokIdent:
		if ignoredKeywords[next.Text] || attributeKeywords[next.Text] {
			return true
		}
		return !p.isTypeName(next.Text)
	}
	return false
}

// declarator parses a possibly abstract declarator applied to base.
func (p *parser) declarator(base *Type) (string, *Type, error) {
	p.skipNoise()
	for p.peek().Text == "*" || p.peek().Text == "^" {
		p.pos++
		ptr := &Type{Kind: Pointer, Elem: base}
		ptr.Const = p.qualifiers()
		base = ptr
	}
	p.skipNoise()

	name := ""
	t := p.peek()
	switch {
	case t.Text == "(" && p.nestedDeclarator():
		p.pos++
		hole := &Type{}
		innerName, inner, err := p.declarator(hole)
		if err != nil {
			return "", nil, err
		}
		if err := p.expect(")"); err != nil {
			return "", nil, err
		}
		outer, err := p.suffixes(base)
		if err != nil {
			return "", nil, err
		}
		*hole = *outer
		return innerName, inner, nil

	case t.Kind == TokIdent && !typeKeywords[t.Text]:
		// Unknown calling-convention macros sit between type and name.
		for p.peekAt(1).Kind == TokIdent {
			p.pos++
		}
		name = p.peek().Text
		p.pos++
	}

	typ, err := p.suffixes(base)
	if err != nil {
		return "", nil, err
	}
	return name, typ, nil
}

// suffixes parses array and function suffixes and applies them to base.
func (p *parser) suffixes(base *Type) (*Type, error) {
	type suffix struct {
		array bool
		n     int
		fn    *FuncType
	}
	var list []suffix

	for {
		p.skipNoise()
		switch p.peek().Text {
		case "[":
			open := p.peek()
			p.pos++
			expr := p.collectUntil("]")
			if err := p.expect("]"); err != nil {
				return nil, errorf(open.Pos, "unterminated array declarator")
			}
			n := -1
			var sizeToks []Token
			for _, t := range expr {
				if t.Text != "static" && t.Text != "const" && !ignoredKeywords[t.Text] {
					sizeToks = append(sizeToks, t)
				}
			}
			if len(sizeToks) > 0 {
				if v, err := evalTokens(sizeToks, p.enumIdent); err == nil {
					n = int(v.i)
				}
			}
			list = append(list, suffix{array: true, n: n})
		case "(":
			fn, err := p.params()
			if err != nil {
				return nil, err
			}
			list = append(list, suffix{fn: fn})
		default:
			for i := len(list) - 1; i >= 0; i-- {
				s := list[i]
				if s.array {
					base = &Type{Kind: Array, Elem: base, Len: s.n}
				} else {
					s.fn.Result = base
					base = &Type{Kind: Func, Fn: s.fn}
				}
			}
			return base, nil
		}
	}
}

// params parses a parameter list. Array and function parameters decay to
// pointers.
func (p *parser) params() (*FuncType, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	fn := &FuncType{}
	if p.accept(")") {
		return fn, nil
	}
	if p.peek().Text == "void" && p.peekAt(1).Text == ")" {
		p.pos += 2
		return fn, nil
	}

	for {
		if p.accept("...") {
			fn.Variadic = true
			return fn, p.expect(")")
		}
		ds, err := p.specifiers()
		if err != nil {
			return nil, err
		}
		name, typ, err := p.declarator(ds.typ)
		if err != nil {
			return nil, err
		}
		switch typ.Kind {
		case Array:
			typ = &Type{Kind: Pointer, Elem: typ.Elem, Const: typ.Const}
		case Func:
			typ = &Type{Kind: Pointer, Elem: typ}
		}
		fn.Params = append(fn.Params, Param{Name: name, Type: typ})

		if p.accept(",") {
			continue
		}
		return fn, p.expect(")")
	}
}

// declaration parses one top-level declaration or function definition.
func (p *parser) declaration() error {
	ds, err := p.specifiers()
	if err != nil {
		return err
	}
	if p.accept(";") {
		return nil
	}

	for {
		start := p.peek()
		name, typ, err := p.declarator(ds.typ)
		if err != nil {
			return err
		}
		p.skipNoise()
		if name == "" {
			return errorf(start.Pos, "expected a declarator name, found %q", start.Text)
		}

		switch {
		case ds.isTypedef:
			if _, exists := p.typedefs[name]; !exists {
				td := &Typedef{Name: name, Type: typ, Pos: start.Pos}
				p.typedefs[name] = td
				p.hdr.Typedefs = append(p.hdr.Typedefs, td)
			}

		case typ.Kind == Func:
			if p.peek().Text == "{" {
				// Inline definitions are not exported symbols.
				return p.skipBalanced("{", "}")
			}
			if !ds.isStatic && !p.functions[name] {
				p.functions[name] = true
				p.hdr.Functions = append(p.hdr.Functions, &Function{Name: name, Type: typ.Fn, Pos: start.Pos})
			}

		default:
			if p.accept("=") {
				p.collectUntil(",", ";")
			}
			if !ds.isStatic {
				p.hdr.Variables = append(p.hdr.Variables, name)
			}
		}

		if p.accept(",") {
			continue
		}
		return p.expect(";")
	}
}
