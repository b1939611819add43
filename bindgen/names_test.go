package bindgen

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExportedName(t *testing.T) {
	testCases := []struct {
		cname  string
		prefix string
		want   string
	}{
		{"foo_add", "", "FooAdd"},
		{"prism_speak", "prism", "Speak"},
		{"PRISM_MAX_VOICES", "prism", "MaxVoices"},
		{"Prism_Init", "PRISM_", "Init"},
		{"prism_get_url", "prism", "GetURL"},
		{"voice_id", "", "VoiceID"},
		{"prism_2d", "prism", "Prism2d"},
		{"prism", "prism", "Prism"},
		{"_private", "", "Private"},
		{"__", "", "X__"},
		{"camelCase", "", "CamelCase"},
		{"x", "", "X"},
	}
	for _, tc := range testCases {
		if got := ExportedName(tc.cname, tc.prefix); got != tc.want {
			t.Errorf("ExportedName(%q, %q) = %q, want %q", tc.cname, tc.prefix, got, tc.want)
		}
	}
}

func TestTypeName(t *testing.T) {
	testCases := []struct {
		cname string
		want  string
	}{
		{"prism_context_t", "Context"},
		{"prism_t", "Prism"},
		{"prism_value", "Value"},
		{"size_t", "Size"},
	}
	for _, tc := range testCases {
		if got := typeName(tc.cname, "prism"); got != tc.want {
			t.Errorf("typeName(%q) = %q, want %q", tc.cname, got, tc.want)
		}
	}
}

func TestParamNames(t *testing.T) {
	testCases := []struct {
		name   string
		params []string
		want   []string
	}{
		{"plain", []string{"a", "b"}, []string{"a", "b"}},
		{"snake case", []string{"user_data", "out_len"}, []string{"userData", "outLen"}},
		{"keywords", []string{"type", "len", "string", "func"}, []string{"type_", "len_", "string_", "func_"}},
		{"unnamed", []string{"", "", "a"}, []string{"b", "c", "a"}},
		{"duplicates", []string{"x", "x", "X"}, []string{"x", "x2", "x3"}},
		{"initialism", []string{"ID", "URL_path"}, []string{"id", "urlPath"}},
		{"leading digit", []string{"_2d"}, []string{"p2d"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			params := make([]Param, len(tc.params))
			for i, n := range tc.params {
				params[i] = Param{Name: n}
			}
			if diff := cmp.Diff(tc.want, paramNames(params)); diff != "" {
				t.Errorf("paramNames mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
