package bindgen

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// cgoValue describes how a C type crosses a cgo wrapper.
type cgoValue struct {
	goType string
	toC    string // conversion template applied to the Go argument, "%s" for none
	fromC  string // conversion template applied to the C result
	str    bool   // const char*: Go string copied with C.CString
}

func passThrough(goType string) cgoValue {
	return cgoValue{goType: goType, toC: "%s", fromC: "%s"}
}

func (v cgoValue) identity() bool { return v.toC == "%s" && v.fromC == "%s" && !v.str }

type cgoGen struct {
	*model
}

func emitCgo(m *model) ([]byte, []string) {
	g := &cgoGen{model: m}

	var body strings.Builder
	g.writeConstants(&body)
	g.writeTypes(&body)
	bound := g.writeFunctions(&body)

	var b strings.Builder
	g.writeHeaderComment(&b)
	b.WriteString("/*\n")
	for _, line := range g.preamble() {
		b.WriteString(line + "\n")
	}
	b.WriteString("*/\nimport \"C\"\n\n")
	if strings.Contains(body.String(), "unsafe.") {
		b.WriteString("import \"unsafe\"\n\n")
	}
	b.WriteString(body.String())
	g.writeSkipped(&b)
	return []byte(b.String()), bound
}

func (g *cgoGen) preamble() []string {
	var cflags []string
	for _, dir := range g.opts.IncludeDirs {
		cflags = append(cflags, cgoFlag("-I", g.flagPath(dir)))
	}
	include, dir := g.headerInclude()
	if dir != "" {
		cflags = append(cflags, cgoFlag("-I", g.flagPath(dir)))
	}
	names := make([]string, 0, len(g.opts.Defines))
	for name := range g.opts.Defines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := g.opts.Defines[name]; v != "" {
			cflags = append(cflags, cgoFlag("-D", name+"="+v))
		} else {
			cflags = append(cflags, cgoFlag("-D", name))
		}
	}

	var ldflags []string
	if len(g.opts.LDFlags) > 0 {
		for _, f := range g.opts.LDFlags {
			if strings.HasPrefix(f, "-L") {
				f = "-L" + g.flagPath(f[2:])
			}
			ldflags = append(ldflags, quoteFlag(f))
		}
	} else {
		if g.opts.LibDir != "" {
			ldflags = append(ldflags, cgoFlag("-L", g.flagPath(g.opts.LibDir)))
		}
		if g.opts.LibName != "" {
			ldflags = append(ldflags, "-l"+g.opts.LibName)
		}
	}

	var lines []string
	if len(cflags) > 0 {
		lines = append(lines, "#cgo CFLAGS: "+strings.Join(cflags, " "))
	}
	if len(ldflags) > 0 {
		lines = append(lines, "#cgo LDFLAGS: "+strings.Join(ldflags, " "))
	}
	lines = append(lines, "#include <stdlib.h>")
	if g.usesKind(Bool) {
		lines = append(lines, "#include <stdbool.h>")
	}
	lines = append(lines, "#include "+strconv.Quote(include))
	return lines
}

// headerInclude returns the include spelling of the header relative to the
// first include directory containing it. Otherwise the header's own
// directory is returned for an extra -I flag.
func (g *cgoGen) headerInclude() (include, extraDir string) {
	header, _ := filepath.Abs(g.opts.Header)
	for _, dir := range g.opts.IncludeDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, header)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel), ""
		}
	}
	return filepath.Base(header), filepath.Dir(header)
}

// flagPath makes path relative to the generated file's directory when one
// is known, so the bindings do not embed the build machine's layout.
func (g *cgoGen) flagPath(path string) string {
	if g.opts.SourceDir == "" {
		return filepath.ToSlash(path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	base, err := filepath.Abs(g.opts.SourceDir)
	if err != nil {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	if rel == "." {
		return "${SRCDIR}"
	}
	return "${SRCDIR}/" + filepath.ToSlash(rel)
}

func cgoFlag(flag, arg string) string {
	return quoteFlag(flag + arg)
}

func quoteFlag(f string) string {
	if strings.ContainsAny(f, " \t'\"") {
		return strconv.Quote(f)
	}
	return f
}

func (g *cgoGen) writeTypes(b *strings.Builder) {
	for _, td := range g.hdr.Typedefs {
		name, ok := g.typedefs[td]
		if !ok {
			continue
		}
		if td.Type.Kind == Func {
			g.skip(td.Name, "function types have no cgo spelling")
			delete(g.typedefs, td)
			continue
		}
		if td.Type.Kind == EnumType && g.enumOwner[td.Type.Enum] == td {
			g.writeEnum(b, td.Type.Enum, name)
			continue
		}
		if g.convertible(td) {
			fmt.Fprintf(b, "// %s mirrors %s.\n", name, td.Name)
			typedefDecl(b, name, g.scalarDecl(td))
			continue
		}
		typedefDecl(b, name, "= C."+td.Name)
	}
	for _, rec := range g.hdr.Records {
		name, ok := g.records[rec]
		if !ok || g.recordOwner[rec] != nil {
			continue
		}
		typedefDecl(b, name, "= C."+recordKeyword(rec)+"_"+rec.Tag)
	}
	g.writeEnums(b)
}

func (g *cgoGen) writeFunctions(b *strings.Builder) []string {
	var bound []string
	for _, fn := range g.hdr.Functions {
		name, ok := g.functions[fn]
		if !ok {
			continue
		}
		src, err := g.function(fn, name)
		if err != nil {
			g.skip(fn.Name, "%v", err)
			b.WriteString(unboundStub(name, fn, err) + "\n")
			continue
		}
		b.WriteString(src)
		bound = append(bound, fn.Name)
	}
	return bound
}

func (g *cgoGen) function(fn *Function, name string) (string, error) {
	ft := fn.Type
	if ft.Variadic {
		return "", errors.New("variadic functions cannot be called through cgo")
	}

	names := paramNames(ft.Params)
	used := map[string]bool{}
	for _, n := range names {
		used[n] = true
	}

	var params, args, prelude []string
	for i, p := range ft.Params {
		v, err := g.value(p.Type)
		if err != nil {
			return "", fmt.Errorf("parameter %s: %w", paramLabel(p, i), err)
		}
		pn := names[i]
		params = append(params, pn+" "+v.goType)
		if v.str {
			tmp := uniqueName("c"+strings.ToUpper(pn[:1])+pn[1:], used)
			used[tmp] = true
			prelude = append(prelude,
				tmp+" := C.CString("+pn+")",
				"defer C.free(unsafe.Pointer("+tmp+"))")
			args = append(args, tmp)
			continue
		}
		args = append(args, fmt.Sprintf(v.toC, pn))
	}
	call := "C." + fn.Name + "(" + strings.Join(args, ", ") + ")"

	result, stmt := "", call
	if ft.Result.Kind != Void {
		v, err := g.value(ft.Result)
		if err != nil {
			return "", fmt.Errorf("result: %w", err)
		}
		result = " " + v.goType
		if v.str {
			stmt = "return C.GoString(" + call + ")"
		} else {
			stmt = "return " + fmt.Sprintf(v.fromC, call)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// %s wraps %s.\n", name, fn.Name)
	fmt.Fprintf(&b, "func %s(%s)%s {\n", name, strings.Join(params, ", "), result)
	for _, line := range prelude {
		b.WriteString("\t" + line + "\n")
	}
	b.WriteString("\t" + stmt + "\n}\n\n")
	return b.String(), nil
}

// scalar returns the Go and C types of integer, floating and enum values.
func (g *cgoGen) scalar(t *Type) (goType, cType string, fixed, ok bool) {
	switch t.Kind {
	case TypedefType:
		if t.Typedef == nil || !g.convertible(t.Typedef) {
			return "", "", false, false
		}
		r := t.resolve()
		if r.Kind == EnumType {
			fixed = is32(enumUnderlying(r.Enum))
		} else {
			fixed = fixedSize(r.Kind)
		}
		return g.typedefs[t.Typedef], "C." + t.Typedef.Name, fixed, true
	case EnumType:
		name, named := g.enums[t.Enum]
		if !named {
			return "", "", false, false
		}
		return name, g.cEnum(t.Enum), is32(enumUnderlying(t.Enum)), true
	}
	if t.Kind.isScalar() {
		return goScalars[t.Kind], cgoScalars[t.Kind], fixedSize(t.Kind), true
	}
	return "", "", false, false
}

func is32(goType string) bool { return goType == "int32" || goType == "uint32" }

func (g *cgoGen) cEnum(e *Enum) string {
	if e.Tag != "" {
		return "C.enum_" + e.Tag
	}
	return "C." + g.enumOwner[e].Name
}

// value maps a parameter or result type.
func (g *cgoGen) value(t *Type) (cgoValue, error) {
	if t.Kind == LongDouble {
		return cgoValue{}, errors.New("long double has no Go equivalent")
	}
	if goType, cType, _, ok := g.scalar(t); ok {
		return cgoValue{goType: goType, toC: cType + "(%s)", fromC: goType + "(%s)"}, nil
	}
	switch t.Kind {
	case Pointer:
		return g.pointer(t)
	case TypedefType:
		if name, ok := g.typedefs[t.Typedef]; ok {
			return passThrough(name), nil
		}
		return passThrough("C." + t.Name), nil
	case RecordType:
		if name, ok := g.records[t.Record]; ok {
			return passThrough(name), nil
		}
	case External:
		return passThrough("C." + t.Name), nil
	}
	raw, err := g.cType(t)
	if err != nil {
		return cgoValue{}, err
	}
	return passThrough(raw), nil
}

func (g *cgoGen) pointer(t *Type) (cgoValue, error) {
	elem := t.Elem
	switch {
	case elem.Kind == Void:
		return passThrough("unsafe.Pointer"), nil
	case elem.Kind == Char && elem.Const:
		return cgoValue{goType: "string", str: true}, nil
	case elem.Kind == Func:
		return passThrough("*[0]byte"), nil
	}
	if goType, cType, fixed, ok := g.scalar(elem); ok && fixed {
		return cgoValue{
			goType: "*" + goType,
			toC:    "(*" + cType + ")(unsafe.Pointer(%s))",
			fromC:  "(*" + goType + ")(unsafe.Pointer(%s))",
		}, nil
	}
	if inner, err := g.value(elem); err == nil && inner.identity() {
		return passThrough("*" + inner.goType), nil
	}
	raw, err := g.cType(t)
	if err != nil {
		return cgoValue{}, err
	}
	return passThrough(raw), nil
}

// cType spells t the way cgo names it.
func (g *cgoGen) cType(t *Type) (string, error) {
	switch t.Kind {
	case Pointer:
		switch t.Elem.Kind {
		case Void:
			return "unsafe.Pointer", nil
		case Func:
			return "*[0]byte", nil
		}
		inner, err := g.cType(t.Elem)
		if err != nil {
			return "", err
		}
		return "*" + inner, nil
	case Array:
		if t.Len < 0 {
			return "", errors.New("array of unknown length")
		}
		inner, err := g.cType(t.Elem)
		if err != nil {
			return "", err
		}
		return "[" + strconv.Itoa(t.Len) + "]" + inner, nil
	case TypedefType, External:
		return "C." + t.Name, nil
	case RecordType:
		if t.Record.Tag != "" {
			return "C." + recordKeyword(t.Record) + "_" + t.Record.Tag, nil
		}
		if owner := g.recordOwner[t.Record]; owner != nil {
			return "C." + owner.Name, nil
		}
		return "", fmt.Errorf("anonymous %s", recordKeyword(t.Record))
	case EnumType:
		if t.Enum.Tag != "" {
			return "C.enum_" + t.Enum.Tag, nil
		}
		if owner := g.enumOwner[t.Enum]; owner != nil {
			return "C." + owner.Name, nil
		}
		return "", errors.New("anonymous enum")
	case LongDouble:
		return "", errors.New("long double has no Go equivalent")
	}
	if t.Kind.isScalar() {
		return cgoScalars[t.Kind], nil
	}
	return "", fmt.Errorf("unsupported type %s", typeString(t))
}
