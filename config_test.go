package nativedep

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sethvargo/go-envconfig"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	writeTestFile(t, path, content)
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := LoadConfigWith(context.Background(), "", envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("LoadConfigWith failed: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}

	if cfg.Library.Name != "prism" || cfg.Library.Header != "prism.h" || cfg.Library.OptionPrefix != "PRISM" {
		t.Errorf("Unexpected library defaults %+v", cfg.Library)
	}
	if cfg.Source.LocalPath != "third_party/prism" {
		t.Errorf("Expected local path third_party/prism, got %s", cfg.Source.LocalPath)
	}
	if cfg.Archive.Root != "prism-0.3.0" || !strings.HasSuffix(cfg.Archive.URL, "v0.3.0-aa15fe7.zip") {
		t.Errorf("Unexpected archive defaults %+v", cfg.Archive)
	}
	if cfg.Profile() != ProfileRelease {
		t.Errorf("Expected release profile, got %s", cfg.Profile())
	}
	if cfg.Artifacts.Levels != 3 {
		t.Errorf("Expected 3 artifact levels, got %d", cfg.Artifacts.Levels)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
library:
  name: foo
  header: foo/foo.h
  option_prefix: FOO
archive:
  url: https://example.com/foo-1.2.tar.zst
  root: foo-1.2
build:
  profile: Debug
  parallel: 8
  clean_first: true
  args: ["-DFOO_SHARED=ON"]
  env:
    CC: clang
bindings:
  output: pkg/foo/foo.go
  package: foo
  style: purego
  trim_prefix: foo
artifacts:
  levels: 0
  best_effort: true
`)

	cfg, err := LoadConfigWith(context.Background(), path, envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("LoadConfigWith failed: %v", err)
	}

	want := DefaultConfig()
	want.Library = LibraryConfig{Name: "foo", Header: "foo/foo.h", OptionPrefix: "FOO"}
	want.Archive = RemoteArchiveSpec{URL: "https://example.com/foo-1.2.tar.zst", Root: "foo-1.2"}
	want.Build = BuildSettings{
		Profile:    "Debug",
		Parallel:   8,
		CleanFirst: true,
		Args:       []string{"-DFOO_SHARED=ON"},
		Env:        map[string]string{"CC": "clang"},
	}
	want.Bindings = BindingsConfig{Output: "pkg/foo/foo.go", Package: "foo", Style: "purego", TrimPrefix: "foo"}
	want.Artifacts = ArtifactsConfig{Levels: 0, BestEffort: true}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Profile() != ProfileDebug {
		t.Errorf("Expected debug profile, got %s", cfg.Profile())
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "library:\n  nmae: foo\n", "nmae"},
		{"not yaml", "library: [\n", "parse"},
		{"invalid profile", "build:\n  profile: fast\n", "build.profile"},
		{"bad digest", "archive:\n  sha256: abc\n", "archive.sha256"},
		{"nested root", "archive:\n  root: a/b\n", "archive.root"},
		{"unknown format", "archive:\n  format: rar\n", "archive.format"},
		{"bad style", "bindings:\n  style: swig\n", "bindings.style"},
		{"not a go file", "bindings:\n  output: foo.c\n", "bindings.output"},
		{"negative levels", "artifacts:\n  levels: -1\n", "artifacts.levels"},
		{"invalid name", "library:\n  name: ../foo\n", "library.name"},
		{"absolute header", "library:\n  header: /usr/include/foo.h\n", "library.header"},
		{"incomplete custom builder", "build:\n  custom:\n    - name: waf\n", "build.custom[0]"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfigWith(context.Background(), writeConfig(t, tc.content), envconfig.MapLookuper(nil))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfigWith(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Errorf("Expected a read error, got %v", err)
	}
}

func TestLoadConfigEmptyFile(t *testing.T) {
	cfg, err := LoadConfigWith(context.Background(), writeConfig(t, ""), nil)
	if err != nil {
		t.Fatalf("LoadConfigWith failed: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("Expected defaults for an empty file (-want +got):\n%s", diff)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	path := writeConfig(t, "build:\n  profile: debug\n  parallel: 2\n")
	env := envconfig.MapLookuper(map[string]string{
		"NATIVEDEP_PROFILE":               "minsizerel",
		"NATIVEDEP_PARALLEL":              "0",
		"NATIVEDEP_LOCAL_PATH":            "vendor/prism",
		"NATIVEDEP_ARCHIVE_SHA256":        strings.Repeat("ab", 32),
		"NATIVEDEP_BINDINGS_STYLE":        "purego",
		"NATIVEDEP_ARTIFACT_LEVELS":       "1",
		"NATIVEDEP_ARTIFACTS_BEST_EFFORT": "true",
		"NATIVEDEP_VERBOSE":               "1",
		"NATIVEDEP_CLEAN_FIRST":           "true",
		"PROFILE":                         "debug",
	})

	cfg, err := LoadConfigWith(context.Background(), path, env)
	if err != nil {
		t.Fatalf("LoadConfigWith failed: %v", err)
	}

	if cfg.Profile() != ProfileMinSizeRel {
		t.Errorf("Expected the environment to override the file profile, got %s", cfg.Profile())
	}
	if cfg.Build.Parallel != 0 {
		t.Errorf("Expected a set zero to override parallel, got %d", cfg.Build.Parallel)
	}
	if cfg.Source.LocalPath != "vendor/prism" {
		t.Errorf("Expected local path override, got %s", cfg.Source.LocalPath)
	}
	if cfg.Archive.SHA256 != strings.Repeat("ab", 32) {
		t.Errorf("Expected sha256 override, got %s", cfg.Archive.SHA256)
	}
	if cfg.Bindings.Style != "purego" {
		t.Errorf("Expected style override, got %s", cfg.Bindings.Style)
	}
	if cfg.Artifacts.Levels != 1 || !cfg.Artifacts.BestEffort {
		t.Errorf("Expected artifact overrides, got %+v", cfg.Artifacts)
	}
	if !cfg.Build.Verbose {
		t.Error("Expected verbose override")
	}
	if !cfg.Build.CleanFirst {
		t.Error("Expected clean-first override")
	}
	if cfg.Library.Name != DefaultLibraryName {
		t.Errorf("Expected unset variables to keep the default, got %s", cfg.Library.Name)
	}
}

func TestLoadConfigEnvironmentErrors(t *testing.T) {
	testCases := map[string]string{
		"NATIVEDEP_PARALLEL":        "many",
		"NATIVEDEP_ARTIFACT_LEVELS": "-2",
		"NATIVEDEP_PROFILE":         "fastest",
	}
	for key, value := range testCases {
		t.Run(key, func(t *testing.T) {
			env := envconfig.MapLookuper(map[string]string{key: value})
			if _, err := LoadConfigWith(context.Background(), "", env); err == nil {
				t.Errorf("Expected %s=%s to be rejected", key, value)
			}
		})
	}
}

func TestConfigPaths(t *testing.T) {
	project := filepath.Join(string(filepath.Separator), "work", "app")
	cfg := DefaultConfig()

	if got, want := cfg.OutDirFor(project), filepath.Join(project, ".nativedep", "target", "release"); got != want {
		t.Errorf("OutDirFor = %s, want %s", got, want)
	}
	if got, want := cfg.CacheDirFor(project), filepath.Join(project, ".nativedep", "cache"); got != want {
		t.Errorf("CacheDirFor = %s, want %s", got, want)
	}
	if got, want := cfg.BindingsPathFor(project), filepath.Join(project, "internal", "prism", "prism_bindings.go"); got != want {
		t.Errorf("BindingsPathFor = %s, want %s", got, want)
	}
	if got := ArtifactDestination(cfg.OutDirFor(project), cfg.Artifacts.Levels); got != project {
		t.Errorf("Expected the default layout to propagate to the project root, got %s", got)
	}

	abs := filepath.Join(string(filepath.Separator), "tmp", "out")
	cfg.OutDir = abs
	cfg.CacheDir = "cache"
	if got := cfg.OutDirFor(project); got != abs {
		t.Errorf("Expected absolute out_dir kept, got %s", got)
	}
	if got, want := cfg.CacheDirFor(project), filepath.Join(project, "cache"); got != want {
		t.Errorf("CacheDirFor = %s, want %s", got, want)
	}
}

func TestBuildConfigFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Build.Profile = "relwithdebinfo"
	cfg.Build.Parallel = 3
	cfg.Build.Generator = "Ninja"
	cfg.Build.CleanFirst = true

	got := cfg.BuildConfigFor("/p")
	want := &BuildConfig{
		OutDir:       filepath.Join("/p", ".nativedep", "target", "relwithdebinfo"),
		LibName:      "prism",
		Header:       "prism.h",
		OptionPrefix: "PRISM",
		Profile:      ProfileRelWithDebInfo,
		Parallel:     3,
		Generator:    "Ninja",
		CleanFirst:   true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BuildConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigNewFactory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Build.Custom = []GenericBuilderConfig{{
		Name:       "Custom CMake",
		BuildFiles: []string{"CMakeLists.txt"},
		Build:      []string{"make"},
	}}

	builders := cfg.NewFactory().ListBuilders()
	if len(builders) != len(NewBuilderFactory().ListBuilders())+1 {
		t.Fatalf("Expected the custom builder plus the defaults, got %d builders", len(builders))
	}

	builder, err := cfg.NewFactory().BuilderFor("CMakeLists.txt")
	if err != nil {
		t.Fatalf("BuilderFor failed: %v", err)
	}
	if builder.Name() != "Custom CMake" {
		t.Errorf("Expected the custom builder to win, got %s", builder.Name())
	}
}
