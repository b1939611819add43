package bindgen

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func parseSource(t *testing.T, src string) *Header {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.h")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	hdr, err := Parse(Options{Header: path, GOOS: "linux"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return hdr
}

func functionNamed(hdr *Header, name string) *Function {
	for _, fn := range hdr.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

func TestParseFunctionSignatures(t *testing.T) {
	hdr := parseSource(t, `
#include <stdint.h>
typedef struct handle handle_t;
int add(int a, int b);
unsigned long long big(void);
const char *name(const handle_t *h);
void fill(uint8_t buf[], size_t n);
void on(void (*cb)(int code, void *data), void *data);
int printf_like(const char *fmt, ...);
extern double ratio;
static inline int helper(int x) { return x * 2; }
static int hidden(void);
long double precise(void);
`)

	testCases := []struct {
		name     string
		result   Kind
		params   []Kind
		variadic bool
	}{
		{"add", Int, []Kind{Int, Int}, false},
		{"big", ULongLong, nil, false},
		{"name", Pointer, []Kind{Pointer}, false},
		{"fill", Void, []Kind{Pointer, Size}, false},
		{"on", Void, []Kind{Pointer, Pointer}, false},
		{"printf_like", Int, []Kind{Pointer}, true},
		{"precise", LongDouble, nil, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fn := functionNamed(hdr, tc.name)
			if fn == nil {
				t.Fatalf("function %s not found", tc.name)
			}
			if fn.Type.Result.Kind != tc.result {
				t.Errorf("result kind = %v, want %v", fn.Type.Result.Kind, tc.result)
			}
			var got []Kind
			for _, p := range fn.Type.Params {
				got = append(got, p.Type.Kind)
			}
			if diff := cmp.Diff(tc.params, got); diff != "" {
				t.Errorf("param kinds mismatch (-want +got):\n%s", diff)
			}
			if fn.Type.Variadic != tc.variadic {
				t.Errorf("variadic = %v, want %v", fn.Type.Variadic, tc.variadic)
			}
		})
	}

	for _, name := range []string{"helper", "hidden"} {
		if functionNamed(hdr, name) != nil {
			t.Errorf("%s is not an exported function", name)
		}
	}
	if diff := cmp.Diff([]string{"ratio"}, hdr.Variables); diff != "" {
		t.Errorf("variables mismatch (-want +got):\n%s", diff)
	}

	name := functionNamed(hdr, "name")
	if !name.Type.Result.isCharPointer() || !name.Type.Result.Elem.Const {
		t.Error("name should return const char *")
	}
	param := name.Type.Params[0].Type
	if param.Elem.Kind != TypedefType || param.Elem.Name != "handle_t" || !param.Elem.Const {
		t.Errorf("unexpected parameter type %s", typeString(param))
	}

	cb := functionNamed(hdr, "on").Type.Params[0]
	if cb.Name != "cb" || cb.Type.Elem.Kind != Func || len(cb.Type.Elem.Fn.Params) != 2 {
		t.Errorf("callback parameter parsed as %s %s", cb.Name, typeString(cb.Type))
	}
}

func TestParseRecordsAndEnums(t *testing.T) {
	hdr := parseSource(t, `
#define NAME_LEN 8
enum mode { MODE_A, MODE_B = 4, MODE_C, MODE_MASK = (1 << 3) | MODE_B };
struct point { int x, y; };
typedef struct {
    struct point origin;
    char name[NAME_LEN * 2];
    unsigned flags : 3;
    union { int i; float f; };
} shape_t;
union number { long l; double d; };
struct forward;
`)

	if len(hdr.Enums) != 1 {
		t.Fatalf("Expected 1 enum, got %d", len(hdr.Enums))
	}
	want := []EnumConstant{
		{Name: "MODE_A", Value: 0},
		{Name: "MODE_B", Value: 4},
		{Name: "MODE_C", Value: 5},
		{Name: "MODE_MASK", Value: 12},
	}
	if diff := cmp.Diff(want, hdr.Enums[0].Constants); diff != "" {
		t.Errorf("enum constants mismatch (-want +got):\n%s", diff)
	}

	records := map[string]*Record{}
	for _, rec := range hdr.Records {
		records[recordKeyword(rec)+" "+rec.Tag] = rec
	}
	point := records["struct point"]
	if point == nil || !point.Complete || len(point.Fields) != 2 || point.Fields[1].Name != "y" {
		t.Errorf("struct point parsed as %+v", point)
	}
	if forward := records["struct forward"]; forward == nil || forward.Complete {
		t.Errorf("struct forward should be incomplete, got %+v", forward)
	}
	if number := records["union number"]; number == nil || !number.Union {
		t.Errorf("union number parsed as %+v", number)
	}

	if len(hdr.Typedefs) != 1 || hdr.Typedefs[0].Name != "shape_t" {
		t.Fatalf("Expected typedef shape_t, got %+v", hdr.Typedefs)
	}
	shape := hdr.Typedefs[0].Type.Record
	if shape.Tag != "" || len(shape.Fields) != 4 {
		t.Fatalf("shape_t parsed as %+v", shape)
	}
	if f := shape.Fields[1]; f.Type.Kind != Array || f.Type.Len != 16 {
		t.Errorf("name field parsed as %s", typeString(f.Type))
	}
	if f := shape.Fields[2]; f.Bits != 3 {
		t.Errorf("flags width = %d, want 3", f.Bits)
	}
	if f := shape.Fields[3]; f.Name != "" || f.Type.Kind != RecordType || !f.Type.Record.Union {
		t.Errorf("anonymous member parsed as %+v", f)
	}
	if !shape.HasBitfields() {
		t.Error("shape_t has a bit-field")
	}
}

func TestParseMacroConstants(t *testing.T) {
	hdr := parseSource(t, `
#define GUARD_H
#define SIZE 16
#define MASK (SIZE - 1)
#define BIG 0xFFFFFFFFFFFFFFFFull
#define NEG (-4)
#define RATIO 0.25f
#define NEG_RATIO -2.5
#define GREETING "hello, " "world\n"
#define LETTER 'A'
#define CALL(x) (x)
#define ATTR __attribute__((unused))
#define TYPE unsigned int
`)

	got := map[string]*Constant{}
	for _, c := range hdr.Constants {
		got[c.Name] = c
	}
	for _, name := range []string{"GUARD_H", "CALL", "ATTR", "TYPE"} {
		if _, ok := got[name]; ok {
			t.Errorf("%s is not a constant", name)
		}
	}

	testCases := []struct {
		name string
		want string
	}{
		{"SIZE", "16"},
		{"MASK", "15"},
		{"BIG", "18446744073709551615"},
		{"NEG", "-4"},
		{"RATIO", "0.25"},
		{"NEG_RATIO", "-2.5"},
		{"GREETING", `"hello, world\n"`},
		{"LETTER", "65"},
	}
	for _, tc := range testCases {
		c, ok := got[tc.name]
		if !ok {
			t.Errorf("constant %s missing", tc.name)
			continue
		}
		if s := formatConstant(c); s != tc.want {
			t.Errorf("%s = %s, want %s", tc.name, s, tc.want)
		}
	}
}

func TestParseAnnotationsAndExternC(t *testing.T) {
	hdr := parseSource(t, `
#ifdef __cplusplus
extern "C" {
#endif
__attribute__((visibility("default"))) int first(void) __attribute__((nonnull));
EXPORT_UNKNOWN int second(int);
int __stdcall third(int *restrict p);
[[deprecated]] int fourth(void);
_Static_assert(sizeof(int) == 4, "int");
FILE *open_log(const char *path);
#ifdef __cplusplus
}
#endif
`)
	var names []string
	for _, fn := range hdr.Functions {
		names = append(names, fn.Name)
	}
	if diff := cmp.Diff([]string{"first", "second", "third", "fourth", "open_log"}, names); diff != "" {
		t.Errorf("functions mismatch (-want +got):\n%s", diff)
	}
	if r := functionNamed(hdr, "open_log").Type.Result; r.Kind != Pointer || r.Elem.Kind != External || r.Elem.Name != "FILE" {
		t.Errorf("open_log returns %s", typeString(r))
	}
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name string
		src  string
	}{
		{"unterminated struct", "struct s { int a;\n"},
		{"missing semicolon", "int a(void)\nint b(void);\n"},
		{"bad enum value", "enum e { A = B };\n"},
		{"unterminated conditional", "#if 1\nint a(void);\n"},
		{"stray endif", "#endif\n"},
		{"unterminated comment", "/* int a(void);\n"},
		{"unknown directive", "#frobnicate\n"},
		{"unterminated extern block", "extern \"C\" {\nint a(void);\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.h")
			if err := os.WriteFile(path, []byte(tc.src), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Parse(Options{Header: path}); err == nil {
				t.Error("Expected a parse error")
			}
		})
	}
}
