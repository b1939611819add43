package nativedep

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type pipelineFixture struct {
	project  string
	pipeline *Pipeline
	spans    *tracetest.SpanRecorder
	calls    *[]commandCall
}

func fooConfig() *Config {
	cfg := DefaultConfig()
	cfg.Library = LibraryConfig{Name: "foo", Header: "foo.h", OptionPrefix: "FOO"}
	cfg.Source.LocalPath = "third_party/foo"
	cfg.Bindings.Output = filepath.Join("internal", "foo", "foo_bindings.go")
	cfg.Bindings.Package = "foo"
	cfg.Bindings.TrimPrefix = ""
	return cfg
}

// newPipelineFixture wires a pipeline whose cmake invocations are faked. The
// install step drops a static and a shared library into the output root.
func newPipelineFixture(t *testing.T, cfg *Config) *pipelineFixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake install layout is Unix-shaped")
	}

	origLookPath := execLookPath
	t.Cleanup(func() { execLookPath = origLookPath })
	execLookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }

	project := t.TempDir()
	outDir := cfg.OutDirFor(project)
	calls := fakeCommands(t, func(call commandCall) ([]byte, error) {
		if len(call.Args) > 0 && call.Args[0] == "--install" {
			installLayout(t, outDir, "lib/libfoo.a", "lib/libfoo.so")
		}
		return []byte("ok\n"), nil
	})

	p, err := NewPipeline(cfg, project, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	spans := tracetest.NewSpanRecorder()
	p.Tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)).Tracer("test")

	return &pipelineFixture{project: project, pipeline: p, spans: spans, calls: calls}
}

func (f *pipelineFixture) localCheckout(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(f.project, "third_party", "foo")
	writeTestFile(t, filepath.Join(dir, "CMakeLists.txt"), "project(foo C)\n")
	writeTestFile(t, filepath.Join(dir, "include", "foo.h"), "int foo_add(int a, int b);\n")
	return dir
}

func (f *pipelineFixture) spanNames() []string {
	var names []string
	for _, s := range f.spans.Ended() {
		names = append(names, s.Name())
	}
	return names
}

func TestPipelineRunLocalCheckout(t *testing.T) {
	f := newPipelineFixture(t, fooConfig())
	checkout := f.localCheckout(t)
	ctx := context.Background()

	result, err := f.pipeline.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	checkout, _ = filepath.EvalSymlinks(checkout)
	if result.Tree.Origin != OriginLocal || result.Tree.Path != checkout {
		t.Errorf("Expected the local checkout, got %+v", result.Tree)
	}
	if len(*f.calls) != 3 {
		t.Errorf("Expected configure, build and install, got %d calls", len(*f.calls))
	}

	bindings, err := os.ReadFile(filepath.Join(f.project, "internal", "foo", "foo_bindings.go"))
	if err != nil {
		t.Fatalf("Expected bindings file: %v", err)
	}
	for _, want := range []string{"package foo", "func FooAdd(", "-lfoo"} {
		if !strings.Contains(string(bindings), want) {
			t.Errorf("Expected %q in bindings\n%s", want, bindings)
		}
	}
	if !result.BindingsWritten {
		t.Error("Expected the first run to write bindings")
	}

	// Default levels put runtime artifacts at the project root.
	if !fileExists(filepath.Join(f.project, "libfoo.so")) {
		t.Error("Expected libfoo.so next to the project")
	}
	if fileExists(filepath.Join(f.project, "libfoo.a")) {
		t.Error("Expected static archive not to be propagated")
	}
	if result.Artifacts.Dest != f.project {
		t.Errorf("Expected artifact destination %s, got %s", f.project, result.Artifacts.Dest)
	}

	if !fileExists(f.pipeline.StampPath()) {
		t.Error("Expected the stamp to be written")
	}
	if s := f.pipeline.Check(); s.Stale {
		t.Errorf("Expected bindings up to date, got %s", s)
	}

	want := []string{"nativedep.locate", "nativedep.build", "nativedep.bindgen", "nativedep.artifacts", "nativedep.run"}
	if diff := cmp.Diff(want, f.spanNames()); diff != "" {
		t.Errorf("span mismatch (-want +got):\n%s", diff)
	}

	again, err := f.pipeline.Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if again.BindingsWritten {
		t.Error("Expected unchanged bindings not to be rewritten")
	}
}

func TestPipelineCheckDetectsChanges(t *testing.T) {
	f := newPipelineFixture(t, fooConfig())
	checkout := f.localCheckout(t)

	if s := f.pipeline.Check(); !s.Stale {
		t.Error("Expected missing bindings to be stale")
	}

	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	writeTestFile(t, filepath.Join(checkout, "include", "foo.h"), "int foo_add(int a, int b);\nint foo_sub(int a, int b);\n")
	s := f.pipeline.Check()
	if !s.Stale || !strings.Contains(s.String(), "changed") {
		t.Errorf("Expected a changed header to be reported, got %s", s)
	}

	f.pipeline.Config.Bindings.TrimPrefix = "foo"
	s = f.pipeline.Check()
	if !strings.Contains(s.String(), "binding options changed") {
		t.Errorf("Expected changed options to be reported, got %s", s)
	}
}

func TestPipelineRunFromArchive(t *testing.T) {
	srv, requests := archiveServer(t, http.StatusOK, libArchive(t))
	cfg := fooConfig()
	cfg.Archive = RemoteArchiveSpec{URL: srv.URL + "/lib.zip", Root: "lib-1.0.0"}

	f := newPipelineFixture(t, cfg)
	result, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Tree.Origin != OriginArchive {
		t.Errorf("Expected an archive tree, got %s", result.Tree.Origin)
	}
	wantPath := filepath.Join(f.project, ".nativedep", "cache", "downloaded_src", "lib-1.0.0")
	if result.Tree.Path != wantPath {
		t.Errorf("Expected tree at %s, got %s", wantPath, result.Tree.Path)
	}
	if requests.Load() != 1 {
		t.Errorf("Expected one download, got %d", requests.Load())
	}
	if result.Bindings == nil || len(result.Bindings.Functions) != 1 {
		t.Errorf("Expected one bound function, got %+v", result.Bindings)
	}

	var configure []string
	for _, call := range *f.calls {
		if len(call.Args) > 0 && call.Args[0] == "-S" {
			configure = call.Args
		}
	}
	for _, define := range []string{"-DFOO_ENABLE_TESTS=OFF", "-DFOO_ENABLE_DEMOS=OFF"} {
		if !slices.Contains(configure, define) {
			t.Errorf("Expected %s in configure args %v", define, configure)
		}
	}
	if !fileExists(filepath.Join(f.project, "libfoo.so")) {
		t.Error("Expected libfoo.so copied next to the project")
	}
	if fileExists(filepath.Join(f.project, "libfoo.a")) {
		t.Error("Expected the static library to stay in the build output")
	}
}

func TestPipelineNetworkFailure(t *testing.T) {
	srv, _ := archiveServer(t, http.StatusNotFound, nil)
	cfg := fooConfig()
	cfg.Archive = RemoteArchiveSpec{URL: srv.URL + "/missing.zip", Root: "lib-1.0.0"}

	f := newPipelineFixture(t, cfg)
	_, err := f.pipeline.Run(context.Background())
	if !errors.Is(err, ErrNetworkFailure) {
		t.Fatalf("Expected ErrNetworkFailure, got %v", err)
	}
	if len(*f.calls) != 0 {
		t.Errorf("Expected no build commands, got %+v", *f.calls)
	}
	if fileExists(filepath.Join(f.project, "internal", "foo", "foo_bindings.go")) {
		t.Error("Expected no bindings after a failed fetch")
	}

	ended := f.spans.Ended()
	run := ended[len(ended)-1]
	if run.Name() != "nativedep.run" || run.Status().Code != codes.Error {
		t.Errorf("Expected a failed run span, got %s %v", run.Name(), run.Status())
	}
	var failedStage string
	for _, kv := range run.Attributes() {
		if kv.Key == "nativedep.failed_stage" {
			failedStage = kv.Value.AsString()
		}
	}
	if failedStage != StageFetch {
		t.Errorf("Expected failed stage %q, got %q", StageFetch, failedStage)
	}
}

func TestPipelineBindingsDisabled(t *testing.T) {
	cfg := fooConfig()
	cfg.Bindings.Disabled = true
	f := newPipelineFixture(t, cfg)
	f.localCheckout(t)

	result, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Bindings != nil || result.BindingsPath != "" {
		t.Errorf("Expected no bindings, got %+v", result.Bindings)
	}
	if len(result.Artifacts.Copied) != 1 {
		t.Errorf("Expected artifacts to be propagated, got %+v", result.Artifacts.Copied)
	}
}

func TestPipelineHeaderParseFailure(t *testing.T) {
	f := newPipelineFixture(t, fooConfig())
	checkout := f.localCheckout(t)
	writeTestFile(t, filepath.Join(checkout, "include", "foo.h"), "int foo_add(int a, int b\n")

	_, err := f.pipeline.Run(context.Background())
	if !errors.Is(err, ErrHeaderParseFailure) || StageOf(err) != StageBindgen {
		t.Fatalf("Expected a bindgen header parse failure, got %v", err)
	}
	if fileExists(filepath.Join(f.project, "libfoo.so")) {
		t.Error("Expected no artifacts after a failed bindgen stage")
	}
}

func TestPipelineStatusAndClean(t *testing.T) {
	f := newPipelineFixture(t, fooConfig())
	f.localCheckout(t)
	ctx := context.Background()

	before, err := f.pipeline.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if before.Built || before.LocalBuildFile != "CMakeLists.txt" || len(before.Artifacts) != 0 {
		t.Errorf("Unexpected status before a build: %+v", before)
	}

	if _, err := f.pipeline.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	after, err := f.pipeline.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !after.Built || after.Bindings.Stale {
		t.Errorf("Unexpected status after a build: %+v", after)
	}
	if diff := cmp.Diff([]string{"libfoo.so"}, after.Artifacts); diff != "" {
		t.Errorf("artifacts mismatch (-want +got):\n%s", diff)
	}

	buildDir := f.pipeline.Config.BuildConfigFor(f.project).buildDir()
	calls := len(*f.calls)
	if err := f.pipeline.Clean(ctx, true); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	cleanCalls := (*f.calls)[calls:]
	if len(cleanCalls) != 1 {
		t.Fatalf("Expected one native clean call, got %v", cleanCalls)
	}
	want := []string{"--build", buildDir, "--target", "clean", "--config", "Release"}
	if diff := cmp.Diff(want, cleanCalls[0].Args); diff != "" {
		t.Errorf("clean args mismatch (-want +got):\n%s", diff)
	}
	for _, path := range []string{
		filepath.Join(f.project, "libfoo.so"),
		filepath.Join(f.project, ArtifactManifestName),
		f.pipeline.Config.OutDirFor(f.project),
		f.pipeline.Config.CacheDirFor(f.project),
	} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be removed", path)
		}
	}
	if !fileExists(filepath.Join(f.project, "third_party", "foo", "CMakeLists.txt")) {
		t.Error("Expected Clean to leave the local checkout alone")
	}
}

func TestPipelineCleanFailureKeepsOutput(t *testing.T) {
	f := newPipelineFixture(t, fooConfig())
	f.localCheckout(t)
	ctx := context.Background()

	if _, err := f.pipeline.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	fakeCommands(t, func(commandCall) ([]byte, error) {
		return []byte("ninja: error: unknown target 'clean'\n"), errors.New("exit status 1")
	})

	err := f.pipeline.Clean(ctx, false)
	if !errors.Is(err, ErrNativeBuildFailure) {
		t.Fatalf("Expected ErrNativeBuildFailure, got %v", err)
	}
	if !fileExists(f.pipeline.Config.OutDirFor(f.project)) {
		t.Error("Expected the build output to survive a failed native clean")
	}
}

func TestPipelineCleanWithoutBuild(t *testing.T) {
	f := newPipelineFixture(t, fooConfig())
	f.localCheckout(t)

	if err := f.pipeline.Clean(context.Background(), false); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if len(*f.calls) != 0 {
		t.Errorf("Expected no native clean without a build directory, got %v", *f.calls)
	}
}

func TestPipelinePrebuilt(t *testing.T) {
	f := newPipelineFixture(t, fooConfig())
	f.localCheckout(t)
	ctx := context.Background()

	if _, err := f.pipeline.Prebuilt(ctx); !errors.Is(err, ErrNativeBuildFailure) {
		t.Errorf("Expected ErrNativeBuildFailure before any build, got %v", err)
	}

	result, err := f.pipeline.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	calls := len(*f.calls)

	out, err := f.pipeline.Prebuilt(ctx)
	if err != nil {
		t.Fatalf("Prebuilt failed: %v", err)
	}
	if diff := cmp.Diff(result.Build.Build, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if len(*f.calls) != calls {
		t.Error("Expected Prebuilt not to run the native build")
	}
}
