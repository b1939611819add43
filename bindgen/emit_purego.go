package bindgen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxPuregoArgs is the argument limit of purego.RegisterFunc.
const maxPuregoArgs = 15

type typeContext int

const (
	ctxParam typeContext = iota
	ctxResult
	ctxField
)

type puregoGen struct {
	*model
	bound map[*Typedef]bool // typedefs that produced a declaration
}

func emitPurego(m *model) ([]byte, []string) {
	g := &puregoGen{model: m, bound: map[*Typedef]bool{}}

	var body strings.Builder
	g.writeConstants(&body)
	g.writeTypes(&body)
	vars, symbols, bound := g.bindFunctions()

	if len(vars) > 0 {
		body.WriteString("// Functions bound by Load.\nvar (\n")
		for _, v := range vars {
			body.WriteString("\t" + v + "\n")
		}
		body.WriteString(")\n\n")
	}

	fmt.Fprintf(&body, "// Load opens the %s library and binds every function above.\n", g.opts.LibName)
	body.WriteString("func Load() error {\n\tlib, err := loader.Open(LibraryName)\n\tif err != nil {\n\t\treturn err\n\t}\n")
	body.WriteString("\treturn loader.BindAll(lib, []loader.Symbol{\n")
	for _, s := range symbols {
		body.WriteString("\t\t" + s + "\n")
	}
	body.WriteString("\t})\n}\n\n")

	var b strings.Builder
	g.writeHeaderComment(&b)
	b.WriteString("import (\n")
	if strings.Contains(body.String(), "unsafe.") {
		b.WriteString("\t\"unsafe\"\n\n")
	}
	b.WriteString("\t" + strconv.Quote(g.opts.LoaderImport) + "\n)\n\n")
	fmt.Fprintf(&b, "// LibraryName is the shared library Load opens.\nconst LibraryName = %s\n\n", strconv.Quote(g.opts.LibName))
	b.WriteString(body.String())
	g.writeSkipped(&b)
	return []byte(b.String()), bound
}

func (g *puregoGen) writeTypes(b *strings.Builder) {
	for _, td := range g.hdr.Typedefs {
		name, ok := g.typedefs[td]
		if !ok {
			continue
		}
		t := td.Type
		g.bound[td] = true // a struct may point at its own typedef
		switch {
		case t.Kind == EnumType && g.enumOwner[t.Enum] == td:
			g.writeEnum(b, t.Enum, name)
		case t.Kind == RecordType && g.recordOwner[t.Record] == td:
			g.writeStruct(b, name, td.Name, t.Record)
		case g.convertible(td):
			fmt.Fprintf(b, "// %s mirrors %s.\n", name, td.Name)
			typedefDecl(b, name, g.scalarDecl(td))
		case t.Kind == Pointer && t.Elem.Kind == Func:
			fmt.Fprintf(b, "// %s is a C function pointer (%s).\n", name, td.Name)
			typedefDecl(b, name, "= uintptr")
		default:
			goType, err := g.goType(t, ctxField)
			if err != nil {
				delete(g.bound, td)
				g.skip(td.Name, "%v", err)
				continue
			}
			typedefDecl(b, name, "= "+goType)
		}
	}
	for _, rec := range g.hdr.Records {
		name, ok := g.records[rec]
		if !ok || g.recordOwner[rec] != nil {
			continue
		}
		g.writeStruct(b, name, recordKeyword(rec)+" "+rec.Tag, rec)
	}
	g.writeEnums(b)
}

// writeStruct declares a layout-compatible struct, or an opaque one when
// the record cannot be mirrored field by field.
func (g *puregoGen) writeStruct(b *strings.Builder, name, cname string, rec *Record) {
	fields, err := g.structFields(rec)
	if err != nil {
		fmt.Fprintf(b, "// %s is opaque (%v); use it through pointers.\n", name, err)
		fmt.Fprintf(b, "type %s struct{}\n\n", name)
		return
	}
	fmt.Fprintf(b, "// %s mirrors %s.\n", name, cname)
	fmt.Fprintf(b, "type %s struct {\n", name)
	for _, f := range fields {
		b.WriteString("\t" + f + "\n")
	}
	b.WriteString("}\n\n")
}

func (g *puregoGen) structFields(rec *Record) ([]string, error) {
	switch {
	case !rec.Complete:
		return nil, errors.New("incomplete type")
	case rec.Union:
		return nil, errors.New("union")
	case rec.HasBitfields():
		return nil, errors.New("bit-fields")
	}
	used := map[string]bool{}
	var out []string
	for _, f := range rec.Fields {
		if f.Name == "" {
			return nil, errors.New("anonymous member")
		}
		goType, err := g.goType(f.Type, ctxField)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", f.Name, err)
		}
		name := uniqueName(ExportedName(f.Name, ""), used)
		used[name] = true
		out = append(out, name+" "+goType)
	}
	return out, nil
}

func (g *puregoGen) bindFunctions() (vars, symbols, bound []string) {
	for _, fn := range g.hdr.Functions {
		name, ok := g.functions[fn]
		if !ok {
			continue
		}
		sig, err := g.signature(fn.Type)
		if err != nil {
			g.skip(fn.Name, "%v", err)
			stub := strings.TrimSuffix(unboundStub(name, fn, err), "\n")
			vars = append(vars, strings.ReplaceAll(stub, "\n", "\n\t")+"\n")
			continue
		}
		vars = append(vars, name+" "+sig)
		symbols = append(symbols, fmt.Sprintf("{Name: %s, Fn: &%s},", strconv.Quote(fn.Name), name))
		bound = append(bound, fn.Name)
	}
	return vars, symbols, bound
}

func (g *puregoGen) signature(ft *FuncType) (string, error) {
	if ft.Variadic {
		return "", errors.New("variadic functions cannot be bound with purego")
	}
	if len(ft.Params) > maxPuregoArgs {
		return "", fmt.Errorf("more than %d parameters", maxPuregoArgs)
	}
	names := paramNames(ft.Params)
	params := make([]string, len(ft.Params))
	for i, p := range ft.Params {
		goType, err := g.goType(p.Type, ctxParam)
		if err != nil {
			return "", fmt.Errorf("parameter %s: %w", paramLabel(p, i), err)
		}
		params[i] = names[i] + " " + goType
	}
	sig := "func(" + strings.Join(params, ", ") + ")"
	if ft.Result.Kind != Void {
		goType, err := g.goType(ft.Result, ctxResult)
		if err != nil {
			return "", fmt.Errorf("result: %w", err)
		}
		sig += " " + goType
	}
	return sig, nil
}

// goType maps t to a Go type with the same memory layout. Records cannot
// cross a purego call by value.
func (g *puregoGen) goType(t *Type, ctx typeContext) (string, error) {
	switch t.Kind {
	case LongDouble:
		return "", errors.New("long double has no Go equivalent")
	case Pointer:
		return g.pointerType(t, ctx)
	case TypedefType:
		if ctx != ctxField {
			if r := t.resolve(); r != nil && r.Kind == RecordType {
				return "", fmt.Errorf("%s passed by value", t.Name)
			}
		}
		if !g.bound[t.Typedef] {
			return "", fmt.Errorf("type %s has no binding", t.Name)
		}
		return g.typedefs[t.Typedef], nil
	case RecordType:
		if ctx != ctxField {
			return "", fmt.Errorf("%s passed by value", typeString(t))
		}
		if name, ok := g.records[t.Record]; ok {
			return name, nil
		}
		return "", fmt.Errorf("%s has no Go name", typeString(t))
	case EnumType:
		if name, ok := g.enums[t.Enum]; ok {
			return name, nil
		}
		return enumUnderlying(t.Enum), nil
	case Array:
		if ctx != ctxField || t.Len < 0 {
			return "", errors.New("array of unknown length")
		}
		inner, err := g.goType(t.Elem, ctxField)
		if err != nil {
			return "", err
		}
		return "[" + strconv.Itoa(t.Len) + "]" + inner, nil
	case Func:
		return "", errors.New("function type used by value")
	case External:
		return "", fmt.Errorf("type %s is declared outside the parsed headers", t.Name)
	}
	if t.Kind.isScalar() {
		return goScalars[t.Kind], nil
	}
	return "", fmt.Errorf("unsupported type %s", typeString(t))
}

func (g *puregoGen) pointerType(t *Type, ctx typeContext) (string, error) {
	elem := t.Elem
	switch elem.Kind {
	case Void, External:
		return "unsafe.Pointer", nil
	case Func:
		return "uintptr", nil
	case Char:
		if elem.Const && ctx != ctxField {
			return "string", nil
		}
		return "*byte", nil
	}
	if elem.Kind == TypedefType && elem.Typedef != nil && !g.bound[elem.Typedef] {
		return "unsafe.Pointer", nil
	}
	if elem.Kind == RecordType {
		if name, ok := g.records[elem.Record]; ok {
			return "*" + name, nil
		}
		return "unsafe.Pointer", nil
	}
	inner, err := g.goType(elem, ctxField)
	if err != nil {
		return "unsafe.Pointer", nil
	}
	return "*" + inner, nil
}
