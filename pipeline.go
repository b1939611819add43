package nativedep

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/contriboss/nativedep-go/bindgen"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

// TracerName is the instrumentation name of the pipeline's spans.
const TracerName = "github.com/contriboss/nativedep-go"

// StampFileName records, in the output root, what the bindings were
// generated from.
const StampFileName = "nativedep.stamp.yaml"

// Pipeline runs locate → build → bindings → artifacts for one project.
//
//	cfg, _ := nativedep.LoadConfig(ctx, "nativedep.yaml")
//	p, _ := nativedep.NewPipeline(cfg, ".", logger)
//	result, err := p.Run(ctx)
//
// Stages run sequentially and the first failure stops the run.
type Pipeline struct {
	Config     *Config
	ProjectDir string
	Logger     zerolog.Logger
	Tracer     trace.Tracer
	Factory    *BuilderFactory
	Fetcher    ArchiveFetcher
}

// Result is what a successful (or partially successful) run produced.
type Result struct {
	Tree            SourceTree
	Build           *BuildResult
	Bindings        *bindgen.Result // nil when bindings are disabled
	BindingsPath    string
	BindingsWritten bool // false when the file already had this content
	Artifacts       *ArtifactReport
	Duration        time.Duration
}

// NewPipeline wires a pipeline for projectDir from cfg.
func NewPipeline(cfg *Config, projectDir string, logger zerolog.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}

	fetcher := NewFetcher(cfg.CacheDirFor(abs), logger)
	fetcher.S3Endpoint = cfg.S3Endpoint

	return &Pipeline{
		Config:     cfg,
		ProjectDir: abs,
		Logger:     logger,
		Tracer:     otel.Tracer(TracerName),
		Factory:    cfg.NewFactory(),
		Fetcher:    fetcher,
	}, nil
}

func (p *Pipeline) tracer() trace.Tracer {
	if p.Tracer == nil {
		return otel.Tracer(TracerName)
	}
	return p.Tracer
}

func (p *Pipeline) factory() *BuilderFactory {
	if p.Factory == nil {
		p.Factory = p.Config.NewFactory()
	}
	return p.Factory
}

func (p *Pipeline) fetcher() ArchiveFetcher {
	if p.Fetcher == nil {
		f := NewFetcher(p.Config.CacheDirFor(p.ProjectDir), p.Logger)
		f.S3Endpoint = p.Config.S3Endpoint
		p.Fetcher = f
	}
	return p.Fetcher
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if stage := StageOf(err); stage != "" {
			span.SetAttributes(attribute.String("nativedep.failed_stage", stage))
		}
	}
	span.End()
}

// Run executes every stage.
func (p *Pipeline) Run(ctx context.Context) (result *Result, err error) {
	start := time.Now()
	ctx, span := p.tracer().Start(ctx, "nativedep.run",
		trace.WithAttributes(attribute.String("nativedep.library", p.Config.Library.Name)))
	defer func() { endSpan(span, err) }()

	result = &Result{}
	defer func() { result.Duration = time.Since(start) }()

	result.Tree, err = p.Locate(ctx)
	if err != nil {
		return result, err
	}

	result.Build, err = p.Build(ctx, result.Tree)
	if err != nil {
		return result, err
	}
	out := result.Build.Build

	if !p.Config.Bindings.Disabled {
		result.BindingsPath = p.Config.BindingsPathFor(p.ProjectDir)
		result.Bindings, result.BindingsWritten, err = p.GenerateBindings(ctx, out)
		if err != nil {
			return result, err
		}
	}

	result.Artifacts, err = p.PropagateArtifacts(ctx, out)
	if err != nil {
		return result, err
	}

	p.Logger.Info().
		Str("library", p.Config.Library.Name).
		Dur("elapsed", time.Since(start)).
		Msg("native dependency ready")
	return result, nil
}

// Locate finds the source tree, fetching the archive when no local checkout
// exists.
func (p *Pipeline) Locate(ctx context.Context) (tree SourceTree, err error) {
	ctx, span := p.tracer().Start(ctx, "nativedep.locate")
	defer func() { endSpan(span, err) }()

	locator := &Locator{
		ProjectDir: p.ProjectDir,
		LocalPath:  p.Config.Source.LocalPath,
		Archive:    p.Config.Archive,
		Factory:    p.factory(),
		Fetcher:    p.fetcher(),
	}
	tree, err = locator.Locate(ctx)
	if err != nil {
		return tree, err
	}

	span.SetAttributes(
		attribute.String("nativedep.source.path", tree.Path),
		attribute.String("nativedep.source.origin", tree.Origin.String()),
		attribute.String("nativedep.source.build_file", tree.BuildFile),
	)
	p.Logger.Info().
		Str("stage", StageLocate).
		Str("path", tree.Path).
		Str("origin", tree.Origin.String()).
		Msg("source located")
	return tree, nil
}

// Fetch downloads and extracts the configured archive regardless of any
// local checkout.
func (p *Pipeline) Fetch(ctx context.Context) (tree SourceTree, err error) {
	ctx, span := p.tracer().Start(ctx, "nativedep.fetch",
		trace.WithAttributes(attribute.String("nativedep.archive.url", p.Config.Archive.URL)))
	defer func() { endSpan(span, err) }()

	tree, err = p.fetcher().Fetch(ctx, p.Config.Archive)
	if err != nil {
		return tree, err
	}
	if buildFile, ok := p.factory().Detect(tree.Path); ok {
		tree.BuildFile = buildFile
	}
	return tree, nil
}

// Build runs the native build of tree into the configured output root.
func (p *Pipeline) Build(ctx context.Context, tree SourceTree) (result *BuildResult, err error) {
	config := p.Config.BuildConfigFor(p.ProjectDir)

	ctx, span := p.tracer().Start(ctx, "nativedep.build", trace.WithAttributes(
		attribute.String("nativedep.profile", string(config.Profile)),
		attribute.String("nativedep.out_dir", config.OutDir),
	))
	defer func() { endSpan(span, err) }()

	log := p.Logger.With().Str("stage", StageBuild).Str("out", config.OutDir).Logger()
	log.Info().Str("profile", string(config.Profile)).Str("build_file", tree.BuildFile).Msg("building native library")

	result, err = p.factory().Build(ctx, config, tree)
	if result != nil && config.Verbose {
		for _, line := range result.Output {
			log.Debug().Msg(line)
		}
	}
	if err != nil {
		return result, err
	}

	log.Info().
		Str("lib_dir", result.Build.LibDir).
		Strs("link", result.Build.LinkFlags()).
		Msg("native build finished")
	return result, nil
}

// Prebuilt returns the output of an earlier build of the located source
// without running the native build again.
func (p *Pipeline) Prebuilt(ctx context.Context) (*BuildOutput, error) {
	tree, err := p.Locate(ctx)
	if err != nil {
		return nil, err
	}
	out := layoutOutput(p.Config.BuildConfigFor(p.ProjectDir), tree)
	if err := verifyLayout(out); err != nil {
		return nil, err
	}
	return out, nil
}

// BindingOptions returns the generator options for a finished build.
func (p *Pipeline) BindingOptions(out *BuildOutput) bindgen.Options {
	cfg := p.Config
	includeDirs := []string{out.IncludeDir}
	for _, dir := range cfg.Bindings.IncludeDirs {
		includeDirs = append(includeDirs, resolve(p.ProjectDir, dir))
	}
	return bindgen.Options{
		Header:      out.Header,
		IncludeDirs: includeDirs,
		Defines:     cfg.Bindings.Defines,
		Package:     cfg.Bindings.Package,
		Style:       bindgen.Style(cfg.Bindings.Style),
		TrimPrefix:  cfg.Bindings.TrimPrefix,
		LibName:     cfg.Library.Name,
		LibDir:      out.LibDir,
		SourceDir:   filepath.Dir(cfg.BindingsPathFor(p.ProjectDir)),
	}
}

// GenerateBindings writes the binding file when its content changed and
// records the stamp.
func (p *Pipeline) GenerateBindings(ctx context.Context, out *BuildOutput) (gen *bindgen.Result, written bool, err error) {
	path := p.Config.BindingsPathFor(p.ProjectDir)
	_, span := p.tracer().Start(ctx, "nativedep.bindgen", trace.WithAttributes(
		attribute.String("nativedep.header", out.Header),
		attribute.String("nativedep.bindings", path),
		attribute.String("nativedep.style", p.Config.Bindings.Style),
	))
	defer func() { endSpan(span, err) }()

	gen, err = bindgen.Generate(p.BindingOptions(out))
	if err != nil {
		return nil, false, stageError(StageBindgen, ErrHeaderParseFailure, err, "generate from %s", out.Header)
	}

	written, err = bindgen.WriteIfChanged(path, gen.Source)
	if err != nil {
		return gen, false, stageError(StageBindgen, ErrHeaderParseFailure, err, "write %s", path)
	}

	if err := p.writeStamp(out, path, gen); err != nil {
		return gen, written, stageError(StageBindgen, ErrHeaderParseFailure, err, "write %s", StampFileName)
	}

	span.SetAttributes(
		attribute.Int("nativedep.functions", len(gen.Functions)),
		attribute.Int("nativedep.skipped", len(gen.Skipped)),
	)
	log := p.Logger.With().Str("stage", StageBindgen).Str("file", path).Logger()
	for _, s := range gen.Skipped {
		log.Debug().Str("decl", s.Name).Str("reason", s.Reason).Msg("declaration not bound")
	}
	log.Info().
		Int("functions", len(gen.Functions)).
		Int("skipped", len(gen.Skipped)).
		Bool("written", written).
		Msg("bindings generated")
	return gen, written, nil
}

// PropagateArtifacts copies the runtime artifacts of out next to the final
// binary.
func (p *Pipeline) PropagateArtifacts(ctx context.Context, out *BuildOutput) (report *ArtifactReport, err error) {
	_, span := p.tracer().Start(ctx, "nativedep.artifacts",
		trace.WithAttributes(attribute.String("nativedep.bin_dir", out.BinDir)))
	defer func() { endSpan(span, err) }()

	report, err = PropagateArtifacts(out, p.artifactOptions(out.Root))
	if report != nil {
		span.SetAttributes(
			attribute.String("nativedep.dest", report.Dest),
			attribute.Int("nativedep.copied", len(report.Copied)),
		)
	}
	if err != nil {
		return report, err
	}

	p.Logger.Info().
		Str("stage", StageArtifacts).
		Str("dest", report.Dest).
		Int("copied", len(report.Copied)).
		Int("removed", len(report.Removed)).
		Msg("runtime artifacts propagated")
	return report, nil
}

func (p *Pipeline) artifactOptions(outDir string) ArtifactOptions {
	return ArtifactOptions{
		OutDir:     outDir,
		Levels:     p.Config.Artifacts.Levels,
		Dest:       resolve(p.ProjectDir, p.Config.Artifacts.Dest),
		BestEffort: p.Config.Artifacts.BestEffort,
		Logger:     p.Logger.With().Str("stage", StageArtifacts).Logger(),
	}
}

// ArtifactDest returns where runtime artifacts are copied.
func (p *Pipeline) ArtifactDest() string {
	return p.artifactOptions(p.Config.OutDirFor(p.ProjectDir)).destination()
}

// Clean runs the native clean step of an existing build, then removes the
// build output and the artifacts the last run copied. With cache set the
// archive cache is removed as well.
func (p *Pipeline) Clean(ctx context.Context, cache bool) error {
	outDir := p.Config.OutDirFor(p.ProjectDir)

	removed, err := syncArtifactManifest(p.ArtifactDest(), nil)
	for _, name := range removed {
		p.Logger.Info().Str("artifact", name).Msg("removed runtime artifact")
	}
	if err != nil {
		return fmt.Errorf("remove copied artifacts: %w", err)
	}

	if tree, ok := p.builtTree(); ok {
		config := p.Config.BuildConfigFor(p.ProjectDir)
		if err := p.factory().Clean(ctx, config, tree); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(outDir); err != nil {
		return fmt.Errorf("remove %s: %w", outDir, err)
	}
	p.Logger.Info().Str("dir", outDir).Msg("removed build output")

	if cache {
		cacheDir := p.Config.CacheDirFor(p.ProjectDir)
		if err := os.RemoveAll(cacheDir); err != nil {
			return fmt.Errorf("remove %s: %w", cacheDir, err)
		}
		p.Logger.Info().Str("dir", cacheDir).Msg("removed archive cache")
	}
	return nil
}

// builtTree finds the source tree of an existing build without fetching.
// The local checkout wins over a cached archive extraction, as in Locate.
func (p *Pipeline) builtTree() (SourceTree, bool) {
	if !fileExists(p.Config.BuildConfigFor(p.ProjectDir).buildDir()) {
		return SourceTree{}, false
	}

	locator := &Locator{ProjectDir: p.ProjectDir, LocalPath: p.Config.Source.LocalPath}
	candidates := []string{locator.LocalCandidate()}
	if f, ok := p.fetcher().(*Fetcher); ok && p.Config.Archive.URL != "" && f.Cached(p.Config.Archive) {
		candidates = append(candidates, f.Destination(p.Config.Archive))
	}
	for _, dir := range candidates {
		if buildFile, ok := p.factory().Detect(dir); ok {
			return SourceTree{Path: dir, BuildFile: buildFile}, true
		}
	}
	return SourceTree{}, false
}

// Stamp records the inputs of the last binding generation.
type Stamp struct {
	Version        int           `yaml:"version"`
	Library        string        `yaml:"library"`
	Style          string        `yaml:"style"`
	Key            string        `yaml:"key"`
	Bindings       string        `yaml:"bindings"`
	BindingsSHA256 string        `yaml:"bindings_sha256"`
	Headers        []StampedFile `yaml:"headers"`
	GeneratedAt    time.Time     `yaml:"generated_at"`
}

// StampedFile is a header read during generation.
type StampedFile struct {
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256"`
}

// StampPath returns the stamp file location.
func (p *Pipeline) StampPath() string {
	return filepath.Join(p.Config.OutDirFor(p.ProjectDir), StampFileName)
}

// optionsKey hashes every setting that changes the generated file.
func (p *Pipeline) optionsKey() string {
	b := p.Config.Bindings
	parts := []string{p.Config.Library.Name, p.Config.Library.Header, b.Package, b.Style, b.TrimPrefix}
	parts = append(parts, b.IncludeDirs...)
	names := make([]string, 0, len(b.Defines))
	for name := range b.Defines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+"="+b.Defines[name])
	}

	h := xxhash.New()
	for _, part := range parts {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func (p *Pipeline) writeStamp(out *BuildOutput, bindingsPath string, gen *bindgen.Result) error {
	stamp := Stamp{
		Version:        1,
		Library:        p.Config.Library.Name,
		Style:          p.Config.Bindings.Style,
		Key:            p.optionsKey(),
		Bindings:       bindingsPath,
		BindingsSHA256: sha256Hex(gen.Source),
		GeneratedAt:    time.Now().UTC(),
	}
	for _, f := range gen.Files {
		stamp.Headers = append(stamp.Headers, StampedFile{Path: f.Path, SHA256: f.SHA256})
	}
	data, err := yaml.Marshal(stamp)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(out.Root, StampFileName), data, 0o644)
}

// ReadStamp loads the stamp of the last generation.
func (p *Pipeline) ReadStamp() (*Stamp, error) {
	data, err := os.ReadFile(p.StampPath())
	if err != nil {
		return nil, err
	}
	var stamp Stamp
	if err := yaml.Unmarshal(data, &stamp); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.StampPath(), err)
	}
	return &stamp, nil
}

// Staleness explains whether the bindings must be regenerated.
type Staleness struct {
	Stale   bool
	Reasons []string
}

func (s *Staleness) add(format string, args ...any) {
	s.Stale = true
	s.Reasons = append(s.Reasons, fmt.Sprintf(format, args...))
}

// Check compares the bindings on disk with the stamp of the last run.
// Bindings are stale when the file or the stamp is missing, a recorded
// header changed, or a binding option changed.
func (p *Pipeline) Check() Staleness {
	var s Staleness
	path := p.Config.BindingsPathFor(p.ProjectDir)

	current, err := os.ReadFile(path)
	if err != nil {
		s.add("bindings file %s is missing", path)
	}

	stamp, err := p.ReadStamp()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.add("no stamp at %s", p.StampPath())
		} else {
			s.add("unreadable stamp: %v", err)
		}
		return s
	}

	if stamp.Key != p.optionsKey() {
		s.add("binding options changed")
	}
	if stamp.Bindings != path {
		s.add("bindings were generated to %s", stamp.Bindings)
	}
	if current != nil && sha256Hex(current) != stamp.BindingsSHA256 {
		s.add("bindings file %s was modified", path)
	}
	if len(stamp.Headers) == 0 {
		s.add("stamp records no headers")
	}
	for _, h := range stamp.Headers {
		data, err := os.ReadFile(h.Path)
		if err != nil {
			s.add("header %s is missing", h.Path)
			continue
		}
		if sha256Hex(data) != h.SHA256 {
			s.add("header %s changed", h.Path)
		}
	}
	return s
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Status summarizes the project's native dependency state without building.
type Status struct {
	Library        string
	Profile        Profile
	LocalCandidate string
	LocalBuildFile string // empty when no local checkout was found
	ArchiveURL     string
	ArchiveCached  bool
	OutDir         string
	Built          bool
	BindingsPath   string
	Bindings       Staleness
	ArtifactDest   string
	Artifacts      []string // names recorded by the last propagation
}

// Status inspects the file system.
func (p *Pipeline) Status() (*Status, error) {
	cfg := p.Config
	locator := &Locator{ProjectDir: p.ProjectDir, LocalPath: cfg.Source.LocalPath}
	outDir := cfg.OutDirFor(p.ProjectDir)

	st := &Status{
		Library:        cfg.Library.Name,
		Profile:        cfg.Profile(),
		LocalCandidate: locator.LocalCandidate(),
		ArchiveURL:     cfg.Archive.URL,
		OutDir:         outDir,
		BindingsPath:   cfg.BindingsPathFor(p.ProjectDir),
		ArtifactDest:   p.ArtifactDest(),
	}
	if buildFile, ok := p.factory().Detect(st.LocalCandidate); ok {
		st.LocalBuildFile = buildFile
	}
	if f, ok := p.fetcher().(*Fetcher); ok {
		st.ArchiveCached = f.Cached(cfg.Archive)
	}
	st.Built = fileExists(filepath.Join(outDir, "lib"))
	if !cfg.Bindings.Disabled {
		st.Bindings = p.Check()
	}

	manifest, err := readArtifactManifest(filepath.Join(st.ArtifactDest, ArtifactManifestName))
	if err != nil {
		return st, err
	}
	st.Artifacts = manifest.Artifacts
	return st, nil
}

// String renders the reasons on one line.
func (s Staleness) String() string {
	if !s.Stale {
		return "up to date"
	}
	return strings.Join(s.Reasons, "; ")
}
