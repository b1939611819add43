package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/contriboss/nativedep-go"
)

func TestExporterOptions(t *testing.T) {
	testCases := []struct {
		endpoint string
		options  int
		wantErr  bool
	}{
		{"http://collector:4318", 2, false},
		{"http://collector:4318/v1/traces", 3, false},
		{"https://collector.example.com", 1, false},
		{"collector:4318", 2, false},
		{"http:///v1/traces", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.endpoint, func(t *testing.T) {
			opts, err := exporterOptions(tc.endpoint)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Expected error %v, got %v", tc.wantErr, err)
			}
			if len(opts) != tc.options {
				t.Errorf("Expected %d options, got %d", tc.options, len(opts))
			}
		})
	}
}

func TestRenderStatus(t *testing.T) {
	st := &nativedep.Status{
		Library:        "prism",
		Profile:        nativedep.ProfileRelease,
		LocalCandidate: "/p/third_party/prism",
		LocalBuildFile: "CMakeLists.txt",
		OutDir:         "/p/.nativedep/target/release",
		Built:          true,
		BindingsPath:   "/p/internal/prism/prism_bindings.go",
		ArtifactDest:   "/p",
		Artifacts:      []string{"libprism.so"},
	}

	out := renderStatus(st)
	for _, want := range []string{"prism", "release", "local", "CMakeLists.txt", "(built)", "(up to date)", "libprism.so"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in status output:\n%s", want, out)
		}
	}

	st.LocalBuildFile = ""
	st.ArchiveURL = "https://example.com/prism.zip"
	st.Built = false
	st.Artifacts = nil
	out = renderStatus(st)
	for _, want := range []string{"no local checkout", "https://example.com/prism.zip", "(not built)", "none"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in status output:\n%s", want, out)
		}
	}
}

func TestRenderStaleness(t *testing.T) {
	if out := renderStaleness(nativedep.Staleness{}); !strings.Contains(out, "up to date") {
		t.Errorf("Unexpected output %q", out)
	}

	out := renderStaleness(nativedep.Staleness{Stale: true, Reasons: []string{"header a.h changed", "no stamp"}})
	if !strings.Contains(out, "  - header a.h changed\n") || !strings.Contains(out, "  - no stamp\n") {
		t.Errorf("Expected every reason listed, got %q", out)
	}
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootFlags.configPath = ""
		rootFlags.projectDir = "."
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheckCommandStale(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	project := t.TempDir()

	out, err := executeCommand(t, "check", "--project", project)
	if !errors.Is(err, errStale) {
		t.Fatalf("Expected errStale, got %v", err)
	}
	if !strings.Contains(out, "bindings are stale") || !strings.Contains(out, "missing") {
		t.Errorf("Unexpected output:\n%s", out)
	}
}

func TestStatusCommandUsesProjectConfig(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	project := t.TempDir()
	config := "library:\n  name: foo\n  header: foo.h\nsource:\n  local_path: vendor/foo\n"
	if err := writeFile(filepath.Join(project, nativedep.ConfigFileName), config); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "status", "--project", project)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "foo") || !strings.Contains(out, "(not built)") {
		t.Errorf("Unexpected output:\n%s", out)
	}
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	project := t.TempDir()
	path := filepath.Join(project, "custom.yaml")
	if err := writeFile(path, "build:\n  profile: fastest\n"); err != nil {
		t.Fatal(err)
	}

	_, err := executeCommand(t, "status", "--project", project, "--config", path)
	if err == nil || !strings.Contains(err.Error(), "build.profile") {
		t.Errorf("Expected a profile error, got %v", err)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
