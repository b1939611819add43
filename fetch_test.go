package nativedep

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// archiveEntry is a file, a directory (trailing slash) or a symlink (Link set).
type archiveEntry struct {
	Name    string
	Content string
	Link    string // symlink target; makes the entry a symlink
}

func makeZip(t *testing.T, entries ...archiveEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if e.Link != "" {
			hdr := &zip.FileHeader{Name: e.Name, Method: zip.Store}
			hdr.SetMode(os.ModeSymlink | 0o777)
			w, err := zw.CreateHeader(hdr)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := io.WriteString(w, e.Link); err != nil {
				t.Fatal(err)
			}
			continue
		}
		w, err := zw.Create(e.Name)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(e.Name, "/") {
			if _, err := io.WriteString(w, e.Content); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func makeTarZst(t *testing.T, entries ...archiveEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(enc)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.Name, Mode: 0o644, Size: int64(len(e.Content)), Typeflag: tar.TypeReg}
		if strings.HasSuffix(e.Name, "/") {
			hdr = &tar.Header{Name: e.Name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		if e.Link != "" {
			hdr = &tar.Header{Name: e.Name, Mode: 0o777, Linkname: e.Link, Typeflag: tar.TypeSymlink}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.WriteString(tw, e.Content); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// libArchive is the lib-1.0.0 source tree used across tests.
func libArchive(t *testing.T) []byte {
	return makeZip(t,
		archiveEntry{Name: "lib-1.0.0/"},
		archiveEntry{Name: "lib-1.0.0/CMakeLists.txt", Content: "project(foo C)\n"},
		archiveEntry{Name: "lib-1.0.0/include/foo.h", Content: "int foo_add(int a, int b);\n"},
	)
}

// archiveServer serves body (with status) and counts requests.
func archiveServer(t *testing.T, status int, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	return NewFetcher(t.TempDir(), zerolog.Nop())
}

func TestFetchIsIdempotent(t *testing.T) {
	srv, requests := archiveServer(t, http.StatusOK, libArchive(t))
	fetcher := newTestFetcher(t)
	spec := RemoteArchiveSpec{URL: srv.URL + "/lib.zip", Root: "lib-1.0.0"}

	first, err := fetcher.Fetch(context.Background(), spec)
	if err != nil {
		t.Fatalf("first Fetch failed: %v", err)
	}
	second, err := fetcher.Fetch(context.Background(), spec)
	if err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}

	if got := requests.Load(); got != 1 {
		t.Errorf("Expected exactly 1 request, got %d", got)
	}
	if first != second {
		t.Errorf("Expected the same tree twice, got %+v and %+v", first, second)
	}
	if first.Origin != OriginArchive {
		t.Errorf("Expected archive origin, got %s", first.Origin)
	}
	want, _ := canonicalPath(filepath.Join(fetcher.CacheDir, "downloaded_src", "lib-1.0.0"))
	if first.Path != want {
		t.Errorf("Expected tree at %s, got %s", want, first.Path)
	}
	if !fileExists(filepath.Join(first.Path, "include", "foo.h")) {
		t.Error("Expected include/foo.h to be extracted")
	}
	if !fetcher.Cached(spec) {
		t.Error("Expected Cached to report the extraction")
	}

	staging, _ := filepath.Glob(filepath.Join(fetcher.CacheDir, "downloaded_src", ".staging-*"))
	if len(staging) != 0 {
		t.Errorf("Expected staging directories to be removed, found %v", staging)
	}
}

func TestFetchConcurrentCallsShareOneDownload(t *testing.T) {
	srv, requests := archiveServer(t, http.StatusOK, libArchive(t))
	fetcher := newTestFetcher(t)
	spec := RemoteArchiveSpec{URL: srv.URL + "/lib.zip", Root: "lib-1.0.0"}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fetcher.Fetch(context.Background(), spec)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Fetch %d failed: %v", i, err)
		}
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("Expected exactly 1 request, got %d", got)
	}
}

func TestFetchHTTPFailureIsFatal(t *testing.T) {
	srv, requests := archiveServer(t, http.StatusNotFound, []byte("missing"))
	fetcher := newTestFetcher(t)
	spec := RemoteArchiveSpec{URL: srv.URL + "/lib.zip", Root: "lib-1.0.0"}

	_, err := fetcher.Fetch(context.Background(), spec)
	if !errors.Is(err, ErrNetworkFailure) {
		t.Fatalf("Expected ErrNetworkFailure, got %v", err)
	}
	if StageOf(err) != StageFetch {
		t.Errorf("Expected stage %q, got %q", StageFetch, StageOf(err))
	}
	if !strings.Contains(err.Error(), "unexpected status 404 Not Found") {
		t.Errorf("Expected status in error, got %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("Expected exactly 1 request (no retries), got %d", got)
	}
	if fileExists(fetcher.Destination(spec)) {
		t.Error("Expected nothing to be extracted")
	}
}

func TestFetchUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), RemoteArchiveSpec{URL: url + "/lib.zip", Root: "lib-1.0.0"})
	if !errors.Is(err, ErrNetworkFailure) {
		t.Errorf("Expected ErrNetworkFailure, got %v", err)
	}
}

func TestFetchRejectsBadArchives(t *testing.T) {
	testCases := []struct {
		name string
		body func(t *testing.T) []byte
		spec RemoteArchiveSpec
		kind error
	}{
		{
			name: "not a zip",
			body: func(*testing.T) []byte { return []byte("<html>rate limited</html>") },
			kind: ErrArchiveCorrupt,
		},
		{
			name: "parent traversal",
			body: func(t *testing.T) []byte {
				return makeZip(t,
					archiveEntry{Name: "lib-1.0.0/CMakeLists.txt", Content: "x"},
					archiveEntry{Name: "lib-1.0.0/../../evil.txt", Content: "x"},
				)
			},
			kind: ErrArchiveCorrupt,
		},
		{
			name: "absolute entry",
			body: func(t *testing.T) []byte {
				return makeZip(t, archiveEntry{Name: "/etc/evil", Content: "x"})
			},
			kind: ErrArchiveCorrupt,
		},
		{
			name: "missing root",
			body: func(t *testing.T) []byte {
				return makeZip(t, archiveEntry{Name: "other-2.0/CMakeLists.txt", Content: "x"})
			},
			kind: ErrArchiveCorrupt,
		},
		{
			name: "sha256 mismatch",
			body: libArchive,
			spec: RemoteArchiveSpec{SHA256: strings.Repeat("0", 64)},
			kind: ErrArchiveCorrupt,
		},
		{
			name: "unsupported format",
			body: libArchive,
			spec: RemoteArchiveSpec{Format: "rar"},
			kind: ErrArchiveCorrupt,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := archiveServer(t, http.StatusOK, tc.body(t))
			fetcher := newTestFetcher(t)
			spec := tc.spec
			spec.URL = srv.URL + "/lib.zip"
			spec.Root = "lib-1.0.0"

			_, err := fetcher.Fetch(context.Background(), spec)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("Expected %v, got %v", tc.kind, err)
			}
			if fileExists(fetcher.Destination(spec)) {
				t.Error("Expected no extracted tree")
			}
			if fileExists(filepath.Join(filepath.Dir(fetcher.CacheDir), "evil.txt")) {
				t.Error("Expected traversal entry not to be written")
			}
		})
	}
}

func TestFetchVerifiesSHA256(t *testing.T) {
	body := libArchive(t)
	sum := sha256.Sum256(body)
	srv, _ := archiveServer(t, http.StatusOK, body)

	spec := RemoteArchiveSpec{URL: srv.URL + "/lib.zip", Root: "lib-1.0.0", SHA256: strings.ToUpper(hex.EncodeToString(sum[:]))}
	if _, err := newTestFetcher(t).Fetch(context.Background(), spec); err != nil {
		t.Fatalf("Fetch with matching digest failed: %v", err)
	}
}

func TestFetchReplacesUnvalidatedExtraction(t *testing.T) {
	srv, requests := archiveServer(t, http.StatusOK, libArchive(t))
	fetcher := newTestFetcher(t)
	spec := RemoteArchiveSpec{URL: srv.URL + "/lib.zip", Root: "lib-1.0.0"}

	// A crashed extraction left a partial tree without a marker.
	stale := filepath.Join(fetcher.Destination(spec), "partial.c")
	writeTestFile(t, stale, "truncated")

	tree, err := fetcher.Fetch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if requests.Load() != 1 {
		t.Errorf("Expected the archive to be downloaded again")
	}
	if fileExists(stale) {
		t.Error("Expected the partial tree to be replaced")
	}
	if !fileExists(filepath.Join(tree.Path, "CMakeLists.txt")) {
		t.Error("Expected a complete tree")
	}
}

func TestFetchRefetchesWhenSpecChanges(t *testing.T) {
	srv, requests := archiveServer(t, http.StatusOK, libArchive(t))
	fetcher := newTestFetcher(t)
	spec := RemoteArchiveSpec{URL: srv.URL + "/v1.zip", Root: "lib-1.0.0"}

	if _, err := fetcher.Fetch(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	spec.URL = srv.URL + "/v2.zip"
	if fetcher.Cached(spec) {
		t.Error("Expected a different URL to miss the cache")
	}
	if _, err := fetcher.Fetch(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("Expected 2 requests, got %d", got)
	}
}

func TestFetchTarZst(t *testing.T) {
	body := makeTarZst(t,
		archiveEntry{Name: "lib-1.0.0/"},
		archiveEntry{Name: "lib-1.0.0/CMakeLists.txt", Content: "project(foo C)\n"},
		archiveEntry{Name: "lib-1.0.0/include/foo.h", Content: "int foo_add(int a, int b);\n"},
	)
	srv, _ := archiveServer(t, http.StatusOK, body)

	tree, err := newTestFetcher(t).Fetch(context.Background(), RemoteArchiveSpec{
		URL: srv.URL + "/lib.tar.zst", Root: "lib-1.0.0", Format: "tar.zst",
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(tree.Path, "include", "foo.h"))
	if err != nil || !strings.Contains(string(data), "foo_add") {
		t.Errorf("Expected foo.h to be extracted, got %q, %v", data, err)
	}
}

type fakeS3 struct {
	body   []byte
	bucket string
	key    string
	err    error
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.body))}, nil
}

func TestFetchFromS3(t *testing.T) {
	client := &fakeS3{body: libArchive(t)}
	fetcher := newTestFetcher(t)
	fetcher.S3 = client

	tree, err := fetcher.Fetch(context.Background(), RemoteArchiveSpec{URL: "s3://vendor-sources/prism/lib.zip", Root: "lib-1.0.0"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if client.bucket != "vendor-sources" || client.key != "prism/lib.zip" {
		t.Errorf("Unexpected object s3://%s/%s", client.bucket, client.key)
	}
	if !fileExists(filepath.Join(tree.Path, "CMakeLists.txt")) {
		t.Error("Expected the tree to be extracted")
	}

	failing := newTestFetcher(t)
	failing.S3 = &fakeS3{err: errors.New("AccessDenied")}
	_, err = failing.Fetch(context.Background(), RemoteArchiveSpec{URL: "s3://vendor-sources/prism/lib.zip", Root: "lib-1.0.0"})
	if !errors.Is(err, ErrNetworkFailure) {
		t.Errorf("Expected ErrNetworkFailure, got %v", err)
	}
}

func TestFetchValidatesSpec(t *testing.T) {
	testCases := []struct {
		name string
		spec RemoteArchiveSpec
	}{
		{"empty url", RemoteArchiveSpec{Root: "lib"}},
		{"empty root", RemoteArchiveSpec{URL: "https://example.com/a.zip"}},
		{"nested root", RemoteArchiveSpec{URL: "https://example.com/a.zip", Root: "a/b"}},
		{"dot dot root", RemoteArchiveSpec{URL: "https://example.com/a.zip", Root: ".."}},
		{"ftp scheme", RemoteArchiveSpec{URL: "ftp://example.com/a.zip", Root: "lib"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := newTestFetcher(t).Fetch(context.Background(), tc.spec); err == nil {
				t.Error("Expected an error")
			} else if StageOf(err) != StageFetch {
				t.Errorf("Expected stage %q, got %q", StageFetch, StageOf(err))
			}
		})
	}
}

func TestEntryPath(t *testing.T) {
	dir := t.TempDir()
	testCases := []struct {
		name string
		ok   bool
	}{
		{"lib/a.c", true},
		{"lib/./b/../c.h", true},
		{"../a", false},
		{"lib/../../a", false},
		{"/abs", false},
		{"", false},
	}
	for _, tc := range testCases {
		_, err := entryPath(dir, tc.name)
		if (err == nil) != tc.ok {
			t.Errorf("entryPath(%q) error = %v, want ok %v", tc.name, err, tc.ok)
		}
	}
}

func TestCacheKey(t *testing.T) {
	base := RemoteArchiveSpec{URL: "https://example.com/a.zip", Root: "a"}
	same := base
	same.Format = "ZIP"
	if CacheKey(base) != CacheKey(same) {
		t.Error("Expected format spelling not to change the key")
	}

	for _, changed := range []RemoteArchiveSpec{
		{URL: "https://example.com/b.zip", Root: "a"},
		{URL: "https://example.com/a.zip", Root: "b"},
		{URL: "https://example.com/a.zip", Root: "a", Format: "tar.zst"},
		{URL: "https://example.com/a.zip", Root: "a", SHA256: strings.Repeat("ab", 32)},
	} {
		if CacheKey(base) == CacheKey(changed) {
			t.Errorf("Expected %+v to change the key", changed)
		}
	}
}

func TestExtractRejectsSymlinkEscapes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	testCases := []struct {
		name    string
		entries []archiveEntry
	}{
		{"chained parent links", []archiveEntry{
			{Name: "r/l", Link: ".."},
			{Name: "r/l/b", Link: ".."},
			{Name: "r/l/b/ESCAPED.txt", Content: "x"},
		}},
		{"file below a link", []archiveEntry{
			{Name: "r/up", Link: "."},
			{Name: "r/up/ESCAPED.txt", Content: "x"},
		}},
		{"link over a link", []archiveEntry{
			{Name: "r/l", Link: ".."},
			{Name: "r/x", Link: "l/.."},
		}},
		{"climb after descending", []archiveEntry{
			{Name: "r/x", Link: "d/../.."},
			{Name: "r/d", Link: ".."},
			{Name: "r/x/ESCAPED.txt", Content: "x"},
		}},
		{"overwrite a link target", []archiveEntry{
			{Name: "r/l", Link: "a.txt"},
			{Name: "r/l", Content: "x"},
		}},
		{"absolute link", []archiveEntry{
			{Name: "r/l", Link: "/etc"},
		}},
	}

	formats := map[string]struct {
		build   func(*testing.T, ...archiveEntry) []byte
		extract func([]byte, string) error
	}{
		"zip":     {makeZip, extractZip},
		"tar.zst": {makeTarZst, extractTarZst},
	}

	for format, f := range formats {
		for _, tc := range testCases {
			t.Run(format+"/"+tc.name, func(t *testing.T) {
				parent := filepath.Join(t.TempDir(), "downloaded_src")
				staging := filepath.Join(parent, ".staging-x")
				if err := os.MkdirAll(staging, 0o755); err != nil {
					t.Fatal(err)
				}

				err := f.extract(f.build(t, tc.entries...), staging)
				if !errors.Is(err, ErrArchiveCorrupt) {
					t.Errorf("Expected ErrArchiveCorrupt, got %v", err)
				}
				for _, dir := range []string{parent, filepath.Dir(parent)} {
					if fileExists(filepath.Join(dir, "ESCAPED.txt")) {
						t.Fatalf("file written outside the staging root: %s", dir)
					}
				}
			})
		}
	}
}

func TestExtractKeepsInternalSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	entries := []archiveEntry{
		{Name: "r/lib/libfoo.so.1.0", Content: "elf"},
		{Name: "r/lib/libfoo.so.1", Link: "libfoo.so.1.0"},
		{Name: "r/lib/libfoo.so", Link: "libfoo.so.1"},
		{Name: "r/include/foo.h", Link: "../src/foo.h"},
		{Name: "r/src/foo.h", Content: "int foo_add(int a, int b);\n"},
	}
	staging := t.TempDir()
	if err := extractTarZst(makeTarZst(t, entries...), staging); err != nil {
		t.Fatalf("extractTarZst failed: %v", err)
	}

	for path, want := range map[string]string{
		"r/lib/libfoo.so": "elf",
		"r/include/foo.h": "int foo_add(int a, int b);\n",
	} {
		data, err := os.ReadFile(filepath.Join(staging, filepath.FromSlash(path)))
		if err != nil || string(data) != want {
			t.Errorf("Expected %s to read %q, got %q, %v", path, want, data, err)
		}
	}
}
