package bindgen

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// goScalars maps builtin kinds to the Go type with the same size and
// signedness on the common 64-bit targets.
var goScalars = map[Kind]string{
	Bool: "bool", Char: "int8", SChar: "int8", UChar: "uint8",
	Short: "int16", UShort: "uint16", Int: "int32", UInt: "uint32",
	Long: "int64", ULong: "uint64", LongLong: "int64", ULongLong: "uint64",
	Float: "float32", Double: "float64",
	Int8: "int8", Int16: "int16", Int32: "int32", Int64: "int64",
	Uint8: "uint8", Uint16: "uint16", Uint32: "uint32", Uint64: "uint64",
	Size: "uint", SSize: "int", IntPtr: "int", UintPtr: "uintptr", PtrDiff: "int",
	WChar: "int32",
}

var cgoScalars = map[Kind]string{
	Bool: "C.bool", Char: "C.char", SChar: "C.schar", UChar: "C.uchar",
	Short: "C.short", UShort: "C.ushort", Int: "C.int", UInt: "C.uint",
	Long: "C.long", ULong: "C.ulong", LongLong: "C.longlong", ULongLong: "C.ulonglong",
	Float: "C.float", Double: "C.double",
	Int8: "C.int8_t", Int16: "C.int16_t", Int32: "C.int32_t", Int64: "C.int64_t",
	Uint8: "C.uint8_t", Uint16: "C.uint16_t", Uint32: "C.uint32_t", Uint64: "C.uint64_t",
	Size: "C.size_t", SSize: "C.ssize_t", IntPtr: "C.intptr_t", UintPtr: "C.uintptr_t",
	PtrDiff: "C.ptrdiff_t", WChar: "C.wchar_t",
}

// fixedSize reports whether the Go mapping of k has the C size on every
// target Go supports, so pointers to it may be converted.
func fixedSize(k Kind) bool {
	switch k {
	case Long, ULong, WChar:
		return false
	}
	return k.isScalar()
}

// model assigns Go names to everything in a Header. Names are unique in the
// generated package; declarations losing a collision are reported as skipped.
type model struct {
	opts Options
	hdr  *Header

	used    map[string]string // Go name → C name that owns it
	skipped []Skipped

	typedefs    map[*Typedef]string
	records     map[*Record]string
	enums       map[*Enum]string
	enumOwner   map[*Enum]*Typedef
	recordOwner map[*Record]*Typedef
	functions   map[*Function]string
	enumConsts  map[string]string
	constants   map[*Constant]string
}

func newModel(opts Options, hdr *Header, reserved ...string) *model {
	m := &model{
		opts:        opts,
		hdr:         hdr,
		used:        map[string]string{},
		typedefs:    map[*Typedef]string{},
		records:     map[*Record]string{},
		enums:       map[*Enum]string{},
		enumOwner:   map[*Enum]*Typedef{},
		recordOwner: map[*Record]*Typedef{},
		functions:   map[*Function]string{},
		enumConsts:  map[string]string{},
		constants:   map[*Constant]string{},
	}
	for _, name := range reserved {
		m.used[name] = ""
	}
	m.assign()
	return m
}

func (m *model) skip(cname, format string, args ...any) {
	m.skipped = append(m.skipped, Skipped{Name: cname, Reason: fmt.Sprintf(format, args...)})
}

// claim reserves goName for cname.
func (m *model) claim(goName, cname string) bool {
	if owner, taken := m.used[goName]; taken {
		if owner == "" {
			m.skip(cname, "Go name %s is reserved", goName)
		} else {
			m.skip(cname, "Go name %s is already used by %s", goName, owner)
		}
		return false
	}
	m.used[goName] = cname
	return true
}

func (m *model) assign() {
	prefix := m.opts.TrimPrefix

	for _, td := range m.hdr.Typedefs {
		name := typeName(td.Name, prefix)
		if !m.claim(name, td.Name) {
			continue
		}
		m.typedefs[td] = name
		switch t := td.Type; t.Kind {
		case RecordType:
			rec := t.Record
			if _, named := m.records[rec]; !named && (rec.Tag == "" || typeName(rec.Tag, prefix) == name) {
				m.records[rec] = name
				m.recordOwner[rec] = td
			}
		case EnumType:
			if _, named := m.enums[t.Enum]; !named {
				m.enums[t.Enum] = name
				m.enumOwner[t.Enum] = td
			}
		}
	}
	for _, rec := range m.hdr.Records {
		if _, named := m.records[rec]; named || rec.Tag == "" {
			continue
		}
		name := typeName(rec.Tag, prefix)
		if m.claim(name, recordKeyword(rec)+" "+rec.Tag) {
			m.records[rec] = name
		}
	}
	for _, e := range m.hdr.Enums {
		if _, named := m.enums[e]; named || e.Tag == "" {
			continue
		}
		name := typeName(e.Tag, prefix)
		if m.claim(name, "enum "+e.Tag) {
			m.enums[e] = name
		}
	}
	for _, fn := range m.hdr.Functions {
		name := ExportedName(fn.Name, prefix)
		if m.claim(name, fn.Name) {
			m.functions[fn] = name
		}
	}
	for _, e := range m.hdr.Enums {
		for _, c := range e.Constants {
			name := ExportedName(c.Name, prefix)
			if m.claim(name, c.Name) {
				m.enumConsts[c.Name] = name
			}
		}
	}
	for _, c := range m.hdr.Constants {
		name := ExportedName(c.Name, prefix)
		if m.claim(name, c.Name) {
			m.constants[c] = name
		}
	}
	for _, v := range m.hdr.Variables {
		m.skip(v, "global variables are not bound")
	}
}

func recordKeyword(rec *Record) string {
	if rec.Union {
		return "union"
	}
	return "struct"
}

// enumUnderlying picks the smallest Go integer type holding every value.
func enumUnderlying(e *Enum) string {
	var lo, hi int64
	for _, c := range e.Constants {
		if c.Unsigned && c.Value < 0 {
			return "uint64"
		}
		lo = min(lo, c.Value)
		hi = max(hi, c.Value)
	}
	switch {
	case lo >= math.MinInt32 && hi <= math.MaxInt32:
		return "int32"
	case lo >= 0 && hi <= math.MaxUint32:
		return "uint32"
	}
	return "int64"
}

func enumValueLiteral(c EnumConstant) string {
	if c.Unsigned {
		return strconv.FormatUint(uint64(c.Value), 10)
	}
	return strconv.FormatInt(c.Value, 10)
}

// convertible reports whether a typedef names an integer, floating or enum
// type. Such typedefs become defined Go types converted at call sites.
func (m *model) convertible(td *Typedef) bool {
	if _, named := m.typedefs[td]; !named {
		return false
	}
	r := td.Type.resolve()
	if r == nil {
		return false
	}
	if r.Kind == EnumType {
		return true
	}
	return r.Kind.isScalar()
}

// scalarDecl is the right-hand side of a convertible typedef declaration:
// "int32" for a defined type, "= Other" for an alias to another bound name.
func (m *model) scalarDecl(td *Typedef) string {
	t := td.Type
	if t.Kind == EnumType {
		if owner := m.enumOwner[t.Enum]; owner != td {
			if name, ok := m.enums[t.Enum]; ok {
				return "= " + name
			}
		}
		return enumUnderlying(t.Enum)
	}
	if t.Kind == TypedefType && t.Typedef != nil {
		if name, ok := m.typedefs[t.Typedef]; ok && m.convertible(t.Typedef) {
			return "= " + name
		}
	}
	r := t.resolve()
	if r.Kind == EnumType {
		if name, ok := m.enums[r.Enum]; ok {
			return "= " + name
		}
		return enumUnderlying(r.Enum)
	}
	return goScalars[r.Kind]
}

// usesKind reports whether any bound function mentions kind k.
func (m *model) usesKind(k Kind) bool {
	var walk func(t *Type, depth int) bool
	walk = func(t *Type, depth int) bool {
		if t == nil || depth > 8 {
			return false
		}
		if t.Kind == k {
			return true
		}
		switch t.Kind {
		case Pointer, Array:
			return walk(t.Elem, depth+1)
		case TypedefType:
			if t.Typedef != nil {
				return walk(t.Typedef.Type, depth+1)
			}
		}
		return false
	}
	for fn := range m.functions {
		if walk(fn.Type.Result, 0) {
			return true
		}
		for _, p := range fn.Type.Params {
			if walk(p.Type, 0) {
				return true
			}
		}
	}
	return false
}

func formatConstant(c *Constant) string {
	switch c.Kind {
	case ConstFloat:
		s := strconv.FormatFloat(c.Float, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case ConstString:
		return strconv.Quote(c.Str)
	}
	if c.Unsigned {
		return strconv.FormatUint(uint64(c.Int), 10)
	}
	return strconv.FormatInt(c.Int, 10)
}
