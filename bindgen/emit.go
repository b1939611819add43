package bindgen

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (m *model) writeHeaderComment(b *strings.Builder) {
	fmt.Fprintf(b, "// Code generated by nativedep from %s. DO NOT EDIT.\n\n", filepath.Base(m.opts.Header))
	fmt.Fprintf(b, "package %s\n\n", m.opts.Package)
}

func (m *model) writeConstants(b *strings.Builder) {
	var lines []string
	for _, c := range m.hdr.Constants {
		if name, ok := m.constants[c]; ok {
			lines = append(lines, fmt.Sprintf("\t%s = %s\n", name, formatConstant(c)))
		}
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("// Constants defined by the header.\nconst (\n")
	for _, l := range lines {
		b.WriteString(l)
	}
	b.WriteString(")\n\n")
}

// writeEnum declares a named enum type and its values. An empty name emits
// the values as untyped constants.
func (m *model) writeEnum(b *strings.Builder, e *Enum, name string) {
	if name != "" {
		fmt.Fprintf(b, "// %s mirrors %s.\ntype %s %s\n\n", name, m.enumCName(e), name, enumUnderlying(e))
	}
	var lines []string
	for _, c := range e.Constants {
		goName, ok := m.enumConsts[c.Name]
		if !ok {
			continue
		}
		if name != "" {
			lines = append(lines, fmt.Sprintf("\t%s %s = %s\n", goName, name, enumValueLiteral(c)))
		} else {
			lines = append(lines, fmt.Sprintf("\t%s = %s\n", goName, enumValueLiteral(c)))
		}
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("const (\n")
	for _, l := range lines {
		b.WriteString(l)
	}
	b.WriteString(")\n\n")
}

// enumCName is how C spells the enum: "enum tag" or its typedef name.
func (m *model) enumCName(e *Enum) string {
	if owner := m.enumOwner[e]; owner != nil {
		return owner.Name
	}
	if e.Tag != "" {
		return "enum " + e.Tag
	}
	return "an anonymous enum"
}

// writeEnums emits enums not owned by a typedef.
func (m *model) writeEnums(b *strings.Builder) {
	for _, e := range m.hdr.Enums {
		if m.enumOwner[e] != nil {
			continue
		}
		m.writeEnum(b, e, m.enums[e])
	}
}

func (m *model) writeSkipped(b *strings.Builder) {
	if len(m.skipped) == 0 {
		return
	}
	b.WriteString("// Declarations without bindings:\n//\n")
	for _, s := range m.skipped {
		fmt.Fprintf(b, "//   - %s: %s\n", s.Name, s.Reason)
	}
}

// unboundStub marks where the binding of fn would have been, keeping its Go
// name and C prototype visible in the generated source.
func unboundStub(name string, fn *Function, reason error) string {
	return fmt.Sprintf("// %s is not bound: %v\n//\n//\t%s\n", name, reason, cPrototype(fn))
}

func cPrototype(fn *Function) string {
	var params []string
	for _, p := range fn.Type.Params {
		param := typeString(p.Type)
		if p.Name != "" {
			param += " " + p.Name
		}
		params = append(params, param)
	}
	if fn.Type.Variadic {
		params = append(params, "...")
	}
	if len(params) == 0 {
		params = []string{"void"}
	}
	return fmt.Sprintf("%s %s(%s)", typeString(fn.Type.Result), fn.Name, strings.Join(params, ", "))
}

// typedefDecl writes "type Name <rhs>" where rhs is either a type or
// "= type" for an alias.
func typedefDecl(b *strings.Builder, name, rhs string) {
	fmt.Fprintf(b, "type %s %s\n\n", name, rhs)
}

func typeString(t *Type) string {
	if t == nil {
		return "<nil>"
	}
	prefix := ""
	if t.Const {
		prefix = "const "
	}
	switch t.Kind {
	case Pointer:
		return typeString(t.Elem) + " *"
	case Array:
		if t.Len < 0 {
			return typeString(t.Elem) + "[]"
		}
		return fmt.Sprintf("%s[%d]", typeString(t.Elem), t.Len)
	case Func:
		return "function"
	case RecordType:
		if t.Record.Tag == "" {
			return prefix + "anonymous " + recordKeyword(t.Record)
		}
		return prefix + recordKeyword(t.Record) + " " + t.Record.Tag
	case EnumType:
		if t.Enum.Tag == "" {
			return prefix + "anonymous enum"
		}
		return prefix + "enum " + t.Enum.Tag
	case TypedefType, External:
		return prefix + t.Name
	}
	return prefix + kindNames[t.Kind]
}

var kindNames = map[Kind]string{
	Void: "void", Bool: "_Bool", Char: "char", SChar: "signed char", UChar: "unsigned char",
	Short: "short", UShort: "unsigned short", Int: "int", UInt: "unsigned int",
	Long: "long", ULong: "unsigned long", LongLong: "long long", ULongLong: "unsigned long long",
	Float: "float", Double: "double", LongDouble: "long double",
	Int8: "int8_t", Int16: "int16_t", Int32: "int32_t", Int64: "int64_t",
	Uint8: "uint8_t", Uint16: "uint16_t", Uint32: "uint32_t", Uint64: "uint64_t",
	Size: "size_t", SSize: "ssize_t", IntPtr: "intptr_t", UintPtr: "uintptr_t",
	PtrDiff: "ptrdiff_t", WChar: "wchar_t",
}

func paramLabel(p Param, i int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("#%d", i+1)
}
