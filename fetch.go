package nativedep

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// Archive formats understood by the fetcher.
const (
	formatZip    = "zip"
	formatTarZst = "tar.zst"
)

const (
	downloadedSrcDir = "downloaded_src"
	markerSuffix     = ".nativedep.yaml"
	stagingPrefix    = ".staging-"
)

// ObjectGetter is the part of the S3 API the fetcher uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher downloads and extracts a RemoteArchiveSpec into the cache.
//
// Cache layout:
//
//	{CacheDir}/
//	  downloaded_src/
//	    {Root}/                   extracted tree
//	    .{Root}.nativedep.yaml    validity marker, written last
//	    .staging-{uuid}/          in-flight extraction
//
// A tree is reused only when its marker names the current cache key. A tree
// without a valid marker is treated as a crashed extraction and replaced.
type Fetcher struct {
	CacheDir string

	// HTTPClient serves http:// and https:// URLs.
	HTTPClient *http.Client

	// S3 serves s3://bucket/key URLs. When nil a client is created from the
	// default AWS configuration on first use.
	S3 ObjectGetter

	// S3Endpoint overrides the S3 endpoint (MinIO, SeaweedFS). Path-style
	// addressing is used when it is set.
	S3Endpoint string

	Logger zerolog.Logger

	group  singleflight.Group
	s3Once sync.Once
	s3Err  error
}

// NewFetcher returns a Fetcher rooted at cacheDir with a traced HTTP client.
func NewFetcher(cacheDir string, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		CacheDir:   cacheDir,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Logger:     logger,
	}
}

type cacheMarker struct {
	Key       string    `yaml:"key"`
	URL       string    `yaml:"url"`
	Root      string    `yaml:"root"`
	SHA256    string    `yaml:"sha256,omitempty"`
	Format    string    `yaml:"format"`
	FetchedAt time.Time `yaml:"fetched_at"`
}

// CacheKey identifies the extracted content of spec.
func CacheKey(spec RemoteArchiveSpec) string {
	h := xxhash.New()
	for _, part := range []string{spec.URL, strings.ToLower(spec.SHA256), spec.Root, spec.archiveFormat()} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func (f *Fetcher) baseDir() string {
	return filepath.Join(f.CacheDir, downloadedSrcDir)
}

// Destination returns where spec is extracted to.
func (f *Fetcher) Destination(spec RemoteArchiveSpec) string {
	return filepath.Join(f.baseDir(), spec.Root)
}

func (f *Fetcher) markerPath(spec RemoteArchiveSpec) string {
	return filepath.Join(f.baseDir(), "."+spec.Root+markerSuffix)
}

// Cached reports whether a valid extraction of spec is present.
func (f *Fetcher) Cached(spec RemoteArchiveSpec) bool {
	info, err := os.Stat(f.Destination(spec))
	if err != nil || !info.IsDir() {
		return false
	}
	data, err := os.ReadFile(f.markerPath(spec))
	if err != nil {
		return false
	}
	var marker cacheMarker
	if err := yaml.Unmarshal(data, &marker); err != nil {
		return false
	}
	return marker.Key == CacheKey(spec)
}

// Fetch returns the extracted tree for spec, downloading it when the cache
// holds no valid copy. Concurrent calls for the same destination share one
// download.
func (f *Fetcher) Fetch(ctx context.Context, spec RemoteArchiveSpec) (SourceTree, error) {
	if err := validateArchiveSpec(spec); err != nil {
		return SourceTree{}, err
	}

	dest := f.Destination(spec)
	v, err, _ := f.group.Do(dest, func() (any, error) {
		return f.fetch(ctx, spec)
	})
	if err != nil {
		return SourceTree{}, err
	}
	return v.(SourceTree), nil
}

func validateArchiveSpec(spec RemoteArchiveSpec) error {
	if strings.TrimSpace(spec.URL) == "" {
		return stageError(StageFetch, ErrNetworkFailure, errors.New("archive URL is empty"), "validate archive")
	}
	root := spec.Root
	if root == "" || root == "." || root == ".." || strings.ContainsAny(root, `/\`) {
		return stageError(StageFetch, ErrExtractionFailure, fmt.Errorf("invalid archive root %q", root), "validate archive")
	}
	switch spec.archiveFormat() {
	case formatZip, formatTarZst:
	default:
		return stageError(StageFetch, ErrArchiveCorrupt, fmt.Errorf("unsupported archive format %q", spec.Format), "validate archive")
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, spec RemoteArchiveSpec) (SourceTree, error) {
	dest := f.Destination(spec)
	log := f.Logger.With().Str("url", spec.URL).Str("dest", dest).Logger()

	if f.Cached(spec) {
		log.Debug().Msg("archive cache hit")
		return f.tree(dest)
	}

	if err := f.discardStale(spec); err != nil {
		return SourceTree{}, err
	}

	log.Info().Msg("downloading archive")
	body, err := f.download(ctx, spec)
	if err != nil {
		return SourceTree{}, err
	}

	if spec.SHA256 != "" {
		sum := sha256.Sum256(body)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, spec.SHA256) {
			return SourceTree{}, stageError(StageFetch, ErrArchiveCorrupt,
				fmt.Errorf("sha256 mismatch: got %s, want %s", got, strings.ToLower(spec.SHA256)), "verify %s", spec.URL)
		}
	}

	if err := os.MkdirAll(f.baseDir(), 0o755); err != nil {
		return SourceTree{}, stageError(StageFetch, ErrExtractionFailure, err, "create cache directory")
	}

	staging := filepath.Join(f.baseDir(), stagingPrefix+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return SourceTree{}, stageError(StageFetch, ErrExtractionFailure, err, "create staging directory")
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(spec.archiveFormat(), body, staging); err != nil {
		return SourceTree{}, err
	}

	root := filepath.Join(staging, spec.Root)
	if info, statErr := os.Stat(root); statErr != nil || !info.IsDir() {
		return SourceTree{}, stageError(StageFetch, ErrArchiveCorrupt,
			fmt.Errorf("archive does not contain %s/", spec.Root), "extract %s", spec.URL)
	}

	if err := os.Rename(root, dest); err != nil {
		// Another process may have finished the same extraction first.
		if f.Cached(spec) {
			log.Debug().Msg("archive extracted concurrently")
			return f.tree(dest)
		}
		return SourceTree{}, stageError(StageFetch, ErrExtractionFailure, err, "move %s into place", spec.Root)
	}

	marker, err := yaml.Marshal(cacheMarker{
		Key:       CacheKey(spec),
		URL:       spec.URL,
		Root:      spec.Root,
		SHA256:    strings.ToLower(spec.SHA256),
		Format:    spec.archiveFormat(),
		FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		return SourceTree{}, stageError(StageFetch, ErrExtractionFailure, err, "encode cache marker")
	}
	if err := writeFileAtomic(f.markerPath(spec), marker, 0o644); err != nil {
		return SourceTree{}, stageError(StageFetch, ErrExtractionFailure, err, "write cache marker")
	}

	log.Info().Int("bytes", len(body)).Msg("archive extracted")
	return f.tree(dest)
}

// discardStale removes an extraction that has no valid marker.
// The marker goes first so an interrupted removal never looks valid.
func (f *Fetcher) discardStale(spec RemoteArchiveSpec) error {
	if err := os.Remove(f.markerPath(spec)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return stageError(StageFetch, ErrExtractionFailure, err, "remove stale marker")
	}
	dest := f.Destination(spec)
	if !fileExists(dest) {
		return nil
	}
	f.Logger.Warn().Str("dest", dest).Msg("removing unvalidated extraction")
	if err := os.RemoveAll(dest); err != nil {
		return stageError(StageFetch, ErrExtractionFailure, err, "remove stale %s", dest)
	}
	return nil
}

func (f *Fetcher) tree(dest string) (SourceTree, error) {
	path, err := canonicalPath(dest)
	if err != nil {
		return SourceTree{}, stageError(StageFetch, ErrExtractionFailure, err, "canonicalize %s", dest)
	}
	return SourceTree{Path: path, Origin: OriginArchive}, nil
}

// download performs the single GET of the archive. Nothing is retried.
func (f *Fetcher) download(ctx context.Context, spec RemoteArchiveSpec) ([]byte, error) {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return nil, stageError(StageFetch, ErrNetworkFailure, err, "parse %s", spec.URL)
	}

	switch u.Scheme {
	case "http", "https":
		return f.downloadHTTP(ctx, spec.URL)
	case "s3":
		return f.downloadS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, stageError(StageFetch, ErrNetworkFailure, fmt.Errorf("unsupported scheme %q", u.Scheme), "GET %s", spec.URL)
	}
}

func (f *Fetcher) downloadHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, stageError(StageFetch, ErrNetworkFailure, err, "GET %s", rawURL)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, stageError(StageFetch, ErrNetworkFailure, err, "GET %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, stageError(StageFetch, ErrNetworkFailure, fmt.Errorf("unexpected status %s", resp.Status), "GET %s", rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, stageError(StageFetch, ErrNetworkFailure, err, "read body of %s", rawURL)
	}
	return body, nil
}

func (f *Fetcher) downloadS3(ctx context.Context, bucket, key string) ([]byte, error) {
	op := fmt.Sprintf("GET s3://%s/%s", bucket, key)
	if bucket == "" || key == "" {
		return nil, stageError(StageFetch, ErrNetworkFailure, errors.New("s3 URL needs a bucket and a key"), op)
	}

	client, err := f.s3Client(ctx)
	if err != nil {
		return nil, stageError(StageFetch, ErrNetworkFailure, err, op)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, stageError(StageFetch, ErrNetworkFailure, err, op)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, stageError(StageFetch, ErrNetworkFailure, err, op)
	}
	return body, nil
}

func (f *Fetcher) s3Client(ctx context.Context) (ObjectGetter, error) {
	f.s3Once.Do(func() {
		if f.S3 != nil {
			return
		}
		httpClient := f.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithHTTPClient(httpClient))
		if err != nil {
			f.s3Err = fmt.Errorf("load aws config: %w", err)
			return
		}
		endpoint := f.S3Endpoint
		f.S3 = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
	})
	if f.s3Err != nil {
		return nil, f.s3Err
	}
	return f.S3, nil
}

// extractArchive unpacks body into dir.
func extractArchive(format string, body []byte, dir string) error {
	switch format {
	case formatTarZst:
		return extractTarZst(body, dir)
	default:
		return extractZip(body, dir)
	}
}

func extractZip(body []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return stageError(StageFetch, ErrArchiveCorrupt, err, "open zip")
	}

	for _, file := range zr.File {
		target, err := entryPath(dir, file.Name)
		if err != nil {
			return err
		}

		mode := file.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stageError(StageFetch, ErrExtractionFailure, err, "mkdir %s", file.Name)
			}
			continue
		case mode&os.ModeSymlink != 0:
			link, err := readZipEntry(file)
			if err != nil {
				return err
			}
			if err := writeSymlink(dir, target, string(link), file.Name); err != nil {
				return err
			}
			continue
		case !mode.IsRegular():
			continue
		}

		data, err := readZipEntry(file)
		if err != nil {
			return err
		}
		if err := writeEntry(target, data, mode.Perm(), file.Name); err != nil {
			return err
		}
	}
	return nil
}

func readZipEntry(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, stageError(StageFetch, ErrArchiveCorrupt, err, "open %s", file.Name)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, stageError(StageFetch, ErrArchiveCorrupt, err, "read %s", file.Name)
	}
	return data, nil
}

func extractTarZst(body []byte, dir string) error {
	decoder, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return stageError(StageFetch, ErrArchiveCorrupt, err, "zstd reader")
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return stageError(StageFetch, ErrArchiveCorrupt, err, "read tar entry")
		}

		target, err := entryPath(dir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stageError(StageFetch, ErrExtractionFailure, err, "mkdir %s", header.Name)
			}
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return stageError(StageFetch, ErrArchiveCorrupt, err, "read %s", header.Name)
			}
			if err := writeEntry(target, data, os.FileMode(header.Mode).Perm(), header.Name); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(dir, target, header.Linkname, header.Name); err != nil {
				return err
			}
		}
	}
}

// entryPath maps an archive entry name into dir. Absolute names, names
// that climb out of dir and names that pass through a symlink extracted
// earlier are rejected.
func entryPath(dir, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", stageError(StageFetch, ErrArchiveCorrupt, fmt.Errorf("absolute entry %q", name), "extract")
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if escapes(cleaned) {
		return "", stageError(StageFetch, ErrArchiveCorrupt, fmt.Errorf("entry %q escapes the archive root", name), "extract")
	}
	if err := noSymlinkOnPath(dir, cleaned, name); err != nil {
		return "", err
	}
	return filepath.Join(dir, cleaned), nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// noSymlinkOnPath walks rel below dir and fails when an existing component,
// the entry itself included, is a symlink. Writing through such a component
// would land wherever the link points.
func noSymlinkOnPath(dir, rel, name string) error {
	cur := dir
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return stageError(StageFetch, ErrExtractionFailure, err, "stat %s", name)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return stageError(StageFetch, ErrArchiveCorrupt, fmt.Errorf("entry %q passes through a symlink", name), "extract")
		}
	}
	return nil
}

func writeEntry(target string, data []byte, perm os.FileMode, name string) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return stageError(StageFetch, ErrExtractionFailure, err, "mkdir for %s", name)
	}
	if err := os.WriteFile(target, data, perm|0o200); err != nil {
		return stageError(StageFetch, ErrExtractionFailure, err, "write %s", name)
	}
	return nil
}

// writeSymlink creates a link whose target stays inside root. ".." may only
// lead the target, and the target may not pass through another symlink, so
// the lexical resolution below is the one the file system performs. Links
// created here are all checked this way, which keeps chains inside root too.
func writeSymlink(root, target, link, name string) error {
	if link == "" || filepath.IsAbs(link) || strings.HasPrefix(link, "/") || filepath.VolumeName(link) != "" {
		return stageError(StageFetch, ErrArchiveCorrupt, fmt.Errorf("absolute link target %q", link), "extract %s", name)
	}
	parts := strings.Split(filepath.FromSlash(link), string(filepath.Separator))
	cur := filepath.Dir(target)
	descended := false
	for i, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if descended {
				return stageError(StageFetch, ErrArchiveCorrupt, fmt.Errorf("link target %q climbs after descending", link), "extract %s", name)
			}
			cur = filepath.Dir(cur)
		default:
			descended = true
			cur = filepath.Join(cur, part)
		}
		rel, err := filepath.Rel(root, cur)
		if err != nil || escapes(rel) {
			return stageError(StageFetch, ErrArchiveCorrupt, fmt.Errorf("link target %q escapes the archive root", link), "extract %s", name)
		}
		if i == len(parts)-1 {
			break
		}
		if info, err := os.Lstat(cur); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return stageError(StageFetch, ErrArchiveCorrupt, fmt.Errorf("link target %q passes through a symlink", link), "extract %s", name)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return stageError(StageFetch, ErrExtractionFailure, err, "mkdir for %s", name)
	}
	if err := os.Symlink(filepath.FromSlash(link), target); err != nil {
		return stageError(StageFetch, ErrExtractionFailure, err, "symlink %s", name)
	}
	return nil
}
