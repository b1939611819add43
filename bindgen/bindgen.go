// Package bindgen generates Go bindings from a C header.
//
// The header is run through a small C preprocessor (object and function
// macros, conditionals, quoted includes) and the top-level declarations are
// parsed into a Header. Two emitters turn a Header into a gofmt'd Go file:
//
//   - StyleCgo writes a cgo preamble with the compiler and linker flags and
//     a Go wrapper per function.
//   - StylePurego writes layout-compatible Go types and function variables
//     that the loader package binds at run time, so no C toolchain is
//     needed to build the consumer.
//
// Declarations that cannot be expressed are listed in Result.Skipped and in
// a comment at the end of the generated file.
package bindgen

import (
	"bytes"
	"errors"
	"fmt"
	"go/format"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultLoaderImport is the import path purego bindings load through.
const DefaultLoaderImport = "github.com/contriboss/nativedep-go/loader"

// Style selects the binding flavour.
type Style string

const (
	StyleCgo    Style = "cgo"
	StylePurego Style = "purego"
)

// ParseStyle parses a style name. The empty string selects cgo.
func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case "", StyleCgo:
		return StyleCgo, nil
	case StylePurego:
		return StylePurego, nil
	}
	return "", fmt.Errorf("unknown binding style %q (want cgo or purego)", s)
}

// Options configures Generate.
type Options struct {
	Header      string            // header to bind
	IncludeDirs []string          // searched for quoted includes and passed as -I
	Defines     map[string]string // -D definitions; an empty value defines the name as empty

	Package    string // Go package name of the generated file
	Style      Style
	TrimPrefix string // C name prefix dropped from Go names, compared case-insensitively

	LibName string   // library to link (-l) or load at run time
	LibDir  string   // directory holding the library (-L)
	LDFlags []string // cgo linker flags; replaces LibDir/LibName when set

	// SourceDir is the directory the generated file is written to. cgo
	// paths below it are written relative to ${SRCDIR}.
	SourceDir string

	GOOS         string // target OS for predefined macros, runtime.GOOS by default
	LoaderImport string // import path of the loader package for purego bindings
}

func (o Options) withDefaults() (Options, error) {
	if o.Header == "" {
		return o, errors.New("bindgen: no header given")
	}
	if o.Package == "" {
		o.Package = "bindings"
	}
	style, err := ParseStyle(string(o.Style))
	if err != nil {
		return o, err
	}
	o.Style = style
	if o.GOOS == "" {
		o.GOOS = runtime.GOOS
	}
	if o.LoaderImport == "" {
		o.LoaderImport = DefaultLoaderImport
	}
	if o.Style == StylePurego && o.LibName == "" {
		return o, errors.New("bindgen: purego bindings need a library name")
	}
	return o, nil
}

// Skipped is a declaration that has no binding.
type Skipped struct {
	Name   string
	Reason string
}

// Result is the outcome of Generate.
type Result struct {
	Source    []byte       // formatted Go source
	Header    *Header      // parsed declarations
	Files     []SourceFile // every header read, with content hashes
	Functions []string     // C functions that received a binding
	Skipped   []Skipped
}

// predefinedMacros returns the macros a C compiler for goos defines that
// headers commonly test.
func predefinedMacros(goos string) map[string]string {
	m := map[string]string{
		"__STDC__":         "1",
		"__STDC_VERSION__": "201112L",
		"__STDC_HOSTED__":  "1",
	}
	switch goos {
	case "windows":
		m["_WIN32"] = "1"
		m["_WIN64"] = "1"
	case "darwin", "ios":
		m["__APPLE__"] = "1"
		m["__MACH__"] = "1"
	default:
		m["__unix__"] = "1"
		m["__"+goos+"__"] = "1"
	}
	return m
}

// Parse preprocesses and parses the header named by opts.
func Parse(opts Options) (*Header, error) {
	if opts.Header == "" {
		return nil, errors.New("bindgen: no header given")
	}
	goos := opts.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	pp, err := newPreprocessor(opts.IncludeDirs, predefinedMacros(goos), opts.Defines)
	if err != nil {
		return nil, err
	}
	toks, err := pp.run(opts.Header)
	if err != nil {
		return nil, err
	}
	p, err := parseDeclarations(toks)
	if err != nil {
		return nil, err
	}
	hdr := p.hdr
	hdr.Files = pp.files
	hdr.SystemIncludes = pp.system
	hdr.Constants = macroConstants(pp, p)
	return hdr, nil
}

// macroConstants evaluates the object-like macros whose bodies are literal
// values or integer constant expressions. Anything else is not a constant
// and is dropped silently.
func macroConstants(pp *preprocessor, p *parser) []*Constant {
	var out []*Constant
	for _, m := range pp.constantMacros() {
		toks, err := pp.expand(m.Body, map[string]bool{m.Name: true})
		if err != nil || len(toks) == 0 {
			continue
		}
		c := &Constant{Name: m.Name, Pos: m.Pos}

		if s, ok := stringConstant(toks); ok {
			c.Kind, c.Str = ConstString, s
			out = append(out, c)
			continue
		}
		if f, ok := floatConstant(toks); ok {
			c.Kind, c.Float = ConstFloat, f
			out = append(out, c)
			continue
		}
		v, err := evalTokens(toks, p.enumIdent)
		if err != nil {
			continue
		}
		c.Kind, c.Int, c.Unsigned = ConstInt, v.i, v.unsigned
		out = append(out, c)
	}
	return out
}

// stringConstant accepts one or more adjacent string literals.
func stringConstant(toks []Token) (string, bool) {
	toks = stripParens(toks)
	var b strings.Builder
	for _, t := range toks {
		if t.Kind != TokString {
			return "", false
		}
		s, err := stringValue(t)
		if err != nil {
			return "", false
		}
		b.WriteString(s)
	}
	return b.String(), len(toks) > 0
}

// floatConstant accepts an optionally signed floating literal.
func floatConstant(toks []Token) (float64, bool) {
	toks = stripParens(toks)
	sign := 1.0
	if len(toks) == 2 && (toks[0].Text == "-" || toks[0].Text == "+") {
		if toks[0].Text == "-" {
			sign = -1
		}
		toks = toks[1:]
	}
	if len(toks) != 1 || toks[0].Kind != TokNumber {
		return 0, false
	}
	f, ok := parseFloatLiteral(toks[0].Text)
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return sign * f, true
}

func stripParens(toks []Token) []Token {
	for len(toks) >= 2 && toks[0].Text == "(" && toks[len(toks)-1].Text == ")" {
		depth := 0
		wraps := true
		for i, t := range toks {
			switch t.Text {
			case "(":
				depth++
			case ")":
				depth--
			}
			if depth == 0 && i < len(toks)-1 {
				wraps = false
				break
			}
		}
		if !wraps {
			break
		}
		toks = toks[1 : len(toks)-1]
	}
	return toks
}

// Generate parses the header and emits bindings in the requested style.
// Parse failures are returned as *ParseError.
func Generate(opts Options) (*Result, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	hdr, err := Parse(opts)
	if err != nil {
		return nil, err
	}

	var (
		src   []byte
		bound []string
		m     *model
	)
	switch opts.Style {
	case StylePurego:
		m = newModel(opts, hdr, "LibraryName", "Load")
		src, bound = emitPurego(m)
	default:
		m = newModel(opts, hdr)
		src, bound = emitCgo(m)
	}

	formatted, err := format.Source(src)
	if err != nil {
		return nil, fmt.Errorf("bindgen: format generated source: %w", err)
	}
	return &Result{
		Source:    formatted,
		Header:    hdr,
		Files:     hdr.Files,
		Functions: bound,
		Skipped:   m.skipped,
	}, nil
}

// WriteIfChanged writes data to path unless the file already holds exactly
// data, so unchanged bindings keep their modification time. It reports
// whether the file was written.
func WriteIfChanged(path string, data []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, err
	}
	return true, nil
}
