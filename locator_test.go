package nativedep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// recordingFetcher is an ArchiveFetcher that records calls.
type recordingFetcher struct {
	calls int
	tree  SourceTree
	err   error
}

func (f *recordingFetcher) Fetch(ctx context.Context, spec RemoteArchiveSpec) (SourceTree, error) {
	f.calls++
	return f.tree, f.err
}

func TestLocatorPrefersLocalCheckout(t *testing.T) {
	project := t.TempDir()
	writeTestFile(t, filepath.Join(project, "third_party", "prism", "CMakeLists.txt"), "")

	fetcher := &recordingFetcher{err: errors.New("must not be called")}
	locator := &Locator{ProjectDir: project, LocalPath: "third_party/prism", Fetcher: fetcher}

	tree, err := locator.Locate(context.Background())
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if fetcher.calls != 0 {
		t.Errorf("Expected no fetch, got %d", fetcher.calls)
	}

	want, _ := canonicalPath(filepath.Join(project, "third_party", "prism"))
	if tree.Path != want || tree.BuildFile != "CMakeLists.txt" || tree.Origin != OriginLocal {
		t.Errorf("Unexpected tree %+v", tree)
	}
	if !filepath.IsAbs(tree.Path) {
		t.Errorf("Expected an absolute path, got %s", tree.Path)
	}
}

func TestLocatorResolvesSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	project := t.TempDir()
	real := filepath.Join(t.TempDir(), "prism-src")
	writeTestFile(t, filepath.Join(real, "CMakeLists.txt"), "")
	if err := os.MkdirAll(filepath.Join(project, "third_party"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(real, filepath.Join(project, "third_party", "prism")); err != nil {
		t.Fatal(err)
	}

	tree, err := (&Locator{ProjectDir: project, LocalPath: "third_party/prism"}).Locate(context.Background())
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	want, _ := filepath.EvalSymlinks(real)
	if tree.Path != want {
		t.Errorf("Expected symlink resolved to %s, got %s", want, tree.Path)
	}
}

func TestLocatorFallsBackToArchive(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(t *testing.T, project string)
	}{
		{"missing directory", func(*testing.T, string) {}},
		{"empty directory", func(t *testing.T, project string) {
			if err := os.MkdirAll(filepath.Join(project, "third_party", "prism"), 0o755); err != nil {
				t.Fatal(err)
			}
		}},
		{"no build file", func(t *testing.T, project string) {
			writeTestFile(t, filepath.Join(project, "third_party", "prism", "README.md"), "")
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			project := t.TempDir()
			tc.setup(t, project)

			archived := t.TempDir()
			writeTestFile(t, filepath.Join(archived, "CMakeLists.txt"), "")
			fetcher := &recordingFetcher{tree: SourceTree{Path: archived, Origin: OriginArchive}}

			tree, err := (&Locator{ProjectDir: project, LocalPath: "third_party/prism", Fetcher: fetcher}).Locate(context.Background())
			if err != nil {
				t.Fatalf("Locate failed: %v", err)
			}
			if fetcher.calls != 1 {
				t.Errorf("Expected 1 fetch, got %d", fetcher.calls)
			}
			if tree.Origin != OriginArchive || tree.BuildFile != "CMakeLists.txt" {
				t.Errorf("Unexpected tree %+v", tree)
			}
		})
	}
}

func TestLocatorPropagatesFetchFailure(t *testing.T) {
	cause := stageError(StageFetch, ErrNetworkFailure, errors.New("unexpected status 503"), "GET https://example.com/a.zip")
	fetcher := &recordingFetcher{err: cause}

	_, err := (&Locator{ProjectDir: t.TempDir(), LocalPath: "third_party/prism", Fetcher: fetcher}).Locate(context.Background())
	if !errors.Is(err, ErrNetworkFailure) {
		t.Errorf("Expected ErrNetworkFailure, got %v", err)
	}
}

func TestLocatorWithoutFetcher(t *testing.T) {
	_, err := (&Locator{ProjectDir: t.TempDir(), LocalPath: "third_party/prism"}).Locate(context.Background())
	if !errors.Is(err, ErrLocalSourceInvalid) {
		t.Errorf("Expected ErrLocalSourceInvalid, got %v", err)
	}
}

func TestLocalCandidate(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "elsewhere")
	testCases := []struct {
		local string
		want  string
	}{
		{"third_party/prism", filepath.Join("/project", "third_party", "prism")},
		{abs, abs},
	}
	for _, tc := range testCases {
		l := &Locator{ProjectDir: "/project", LocalPath: tc.local}
		if got := l.LocalCandidate(); got != tc.want {
			t.Errorf("LocalCandidate(%q) = %q, want %q", tc.local, got, tc.want)
		}
	}
}
