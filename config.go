package nativedep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/contriboss/nativedep-go/bindgen"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the configuration file looked up in the project root.
const ConfigFileName = "nativedep.yaml"

// EnvPrefix prefixes every environment override (NATIVEDEP_PROFILE, ...).
const EnvPrefix = "NATIVEDEP_"

// Compiled-in defaults: the prism screen reader abstraction.
const (
	DefaultLibraryName  = "prism"
	DefaultHeader       = "prism.h"
	DefaultOptionPrefix = "PRISM"
	DefaultLocalPath    = "third_party/prism"
	DefaultArchiveURL   = "https://github.com/ethindp/prism/archive/refs/tags/v0.3.0-aa15fe7.zip"
	DefaultArchiveRoot  = "prism-0.3.0"
)

// Config is the content of nativedep.yaml.
//
// Relative paths are resolved against the project directory.
type Config struct {
	Library    LibraryConfig     `yaml:"library"`
	Source     SourceConfig      `yaml:"source"`
	Archive    RemoteArchiveSpec `yaml:"archive"`
	S3Endpoint string            `yaml:"s3_endpoint,omitempty"`
	CacheDir   string            `yaml:"cache_dir,omitempty"`
	OutDir     string            `yaml:"out_dir,omitempty"`
	Build      BuildSettings     `yaml:"build"`
	Bindings   BindingsConfig    `yaml:"bindings"`
	Artifacts  ArtifactsConfig   `yaml:"artifacts"`
}

// LibraryConfig names the wrapped library.
type LibraryConfig struct {
	Name         string `yaml:"name"`
	Header       string `yaml:"header"`
	OptionPrefix string `yaml:"option_prefix"`
}

// SourceConfig locates a local checkout.
type SourceConfig struct {
	LocalPath string `yaml:"local_path"`
}

// BuildSettings tune the native build.
type BuildSettings struct {
	Profile    string                 `yaml:"profile"`
	Parallel   int                    `yaml:"parallel,omitempty"`
	Generator  string                 `yaml:"generator,omitempty"`
	Args       []string               `yaml:"args,omitempty"`
	Env        map[string]string      `yaml:"env,omitempty"`
	Verbose    bool                   `yaml:"verbose,omitempty"`
	CleanFirst bool                   `yaml:"clean_first,omitempty"`
	Custom     []GenericBuilderConfig `yaml:"custom,omitempty"`
}

// BindingsConfig controls binding generation.
type BindingsConfig struct {
	Disabled    bool              `yaml:"disabled,omitempty"`
	Output      string            `yaml:"output"`
	Package     string            `yaml:"package"`
	Style       string            `yaml:"style"`
	TrimPrefix  string            `yaml:"trim_prefix,omitempty"`
	IncludeDirs []string          `yaml:"include_dirs,omitempty"`
	Defines     map[string]string `yaml:"defines,omitempty"`
}

// ArtifactsConfig controls runtime artifact propagation.
type ArtifactsConfig struct {
	Levels     int    `yaml:"levels"`
	Dest       string `yaml:"dest,omitempty"`
	BestEffort bool   `yaml:"best_effort,omitempty"`
}

// DefaultConfig returns the compiled-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Library: LibraryConfig{
			Name:         DefaultLibraryName,
			Header:       DefaultHeader,
			OptionPrefix: DefaultOptionPrefix,
		},
		Source: SourceConfig{LocalPath: DefaultLocalPath},
		Archive: RemoteArchiveSpec{
			URL:  DefaultArchiveURL,
			Root: DefaultArchiveRoot,
		},
		Build: BuildSettings{Profile: string(ProfileRelease)},
		Bindings: BindingsConfig{
			Output:     filepath.Join("internal", DefaultLibraryName, DefaultLibraryName+"_bindings.go"),
			Package:    DefaultLibraryName,
			Style:      string(bindgen.StyleCgo),
			TrimPrefix: DefaultLibraryName,
		},
		Artifacts: ArtifactsConfig{Levels: DefaultArtifactLevels},
	}
}

// envOverrides are read from NATIVEDEP_* variables. Only variables that are
// set replace configuration values.
type envOverrides struct {
	LibraryName     string `env:"LIBRARY_NAME"`
	Header          string `env:"HEADER"`
	OptionPrefix    string `env:"OPTION_PREFIX"`
	LocalPath       string `env:"LOCAL_PATH"`
	ArchiveURL      string `env:"ARCHIVE_URL"`
	ArchiveRoot     string `env:"ARCHIVE_ROOT"`
	ArchiveSHA256   string `env:"ARCHIVE_SHA256"`
	ArchiveFormat   string `env:"ARCHIVE_FORMAT"`
	S3Endpoint      string `env:"S3_ENDPOINT"`
	CacheDir        string `env:"CACHE_DIR"`
	OutDir          string `env:"OUT_DIR"`
	Profile         string `env:"PROFILE"`
	Parallel        *int   `env:"PARALLEL,noinit"`
	Generator       string `env:"GENERATOR"`
	Verbose         *bool  `env:"VERBOSE,noinit"`
	CleanFirst      *bool  `env:"CLEAN_FIRST,noinit"`
	BindingsOutput  string `env:"BINDINGS_OUTPUT"`
	BindingsPackage string `env:"BINDINGS_PACKAGE"`
	BindingsStyle   string `env:"BINDINGS_STYLE"`
	ArtifactLevels  *int   `env:"ARTIFACT_LEVELS,noinit"`
	ArtifactDest    string `env:"ARTIFACT_DEST"`
	BestEffort      *bool  `env:"ARTIFACTS_BEST_EFFORT,noinit"`
}

// LoadConfig reads path (when non-empty) over the defaults, applies
// NATIVEDEP_* environment overrides and validates the result.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	return LoadConfigWith(ctx, path, envconfig.OsLookuper())
}

// LoadConfigWith is LoadConfig with an explicit environment source.
func LoadConfigWith(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if lookuper != nil {
		if err := cfg.applyEnv(ctx, lookuper); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unmarshals YAML over the current values. Unknown keys are errors.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(ctx context.Context, lookuper envconfig.Lookuper) error {
	var env envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &env,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&c.Library.Name, env.LibraryName)
	setString(&c.Library.Header, env.Header)
	setString(&c.Library.OptionPrefix, env.OptionPrefix)
	setString(&c.Source.LocalPath, env.LocalPath)
	setString(&c.Archive.URL, env.ArchiveURL)
	setString(&c.Archive.Root, env.ArchiveRoot)
	setString(&c.Archive.SHA256, env.ArchiveSHA256)
	setString(&c.Archive.Format, env.ArchiveFormat)
	setString(&c.S3Endpoint, env.S3Endpoint)
	setString(&c.CacheDir, env.CacheDir)
	setString(&c.OutDir, env.OutDir)
	setString(&c.Build.Profile, env.Profile)
	setString(&c.Build.Generator, env.Generator)
	setString(&c.Bindings.Output, env.BindingsOutput)
	setString(&c.Bindings.Package, env.BindingsPackage)
	setString(&c.Bindings.Style, env.BindingsStyle)
	setString(&c.Artifacts.Dest, env.ArtifactDest)

	if env.Parallel != nil {
		c.Build.Parallel = *env.Parallel
	}
	if env.Verbose != nil {
		c.Build.Verbose = *env.Verbose
	}
	if env.CleanFirst != nil {
		c.Build.CleanFirst = *env.CleanFirst
	}
	if env.ArtifactLevels != nil {
		c.Artifacts.Levels = *env.ArtifactLevels
	}
	if env.BestEffort != nil {
		c.Artifacts.BestEffort = *env.BestEffort
	}
	return nil
}

var (
	libraryNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.+-]*$`)
	sha256Pattern      = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var errs []error

	if !libraryNamePattern.MatchString(c.Library.Name) {
		errs = append(errs, fmt.Errorf("library.name %q is not a valid library name", c.Library.Name))
	}
	if c.Library.Header == "" || filepath.IsAbs(c.Library.Header) {
		errs = append(errs, fmt.Errorf("library.header must be a path relative to include/, got %q", c.Library.Header))
	}
	if c.Source.LocalPath == "" {
		errs = append(errs, errors.New("source.local_path is empty"))
	}
	if c.Archive.URL == "" {
		errs = append(errs, errors.New("archive.url is empty"))
	}
	if c.Archive.Root == "" || strings.ContainsAny(c.Archive.Root, `/\`) || c.Archive.Root == "." || c.Archive.Root == ".." {
		errs = append(errs, fmt.Errorf("archive.root %q must be a single directory name", c.Archive.Root))
	}
	switch c.Archive.archiveFormat() {
	case formatZip, formatTarZst:
	default:
		errs = append(errs, fmt.Errorf("archive.format %q is not zip or tar.zst", c.Archive.Format))
	}
	if c.Archive.SHA256 != "" && !sha256Pattern.MatchString(c.Archive.SHA256) {
		errs = append(errs, fmt.Errorf("archive.sha256 %q is not a hex sha256 digest", c.Archive.SHA256))
	}
	if _, err := ParseProfile(c.Build.Profile); err != nil {
		errs = append(errs, fmt.Errorf("build.profile: %w", err))
	}
	if c.Build.Parallel < 0 {
		errs = append(errs, fmt.Errorf("build.parallel must not be negative, got %d", c.Build.Parallel))
	}
	for i, custom := range c.Build.Custom {
		if custom.Name == "" || len(custom.BuildFiles) == 0 || len(custom.Build) == 0 {
			errs = append(errs, fmt.Errorf("build.custom[%d] needs name, build_files and build", i))
		}
	}
	if !c.Bindings.Disabled {
		if _, err := bindgen.ParseStyle(c.Bindings.Style); err != nil {
			errs = append(errs, fmt.Errorf("bindings.style: %w", err))
		}
		if c.Bindings.Output == "" || filepath.Ext(c.Bindings.Output) != ".go" {
			errs = append(errs, fmt.Errorf("bindings.output %q must name a .go file", c.Bindings.Output))
		}
	}
	if c.Artifacts.Levels < 0 {
		errs = append(errs, fmt.Errorf("artifacts.levels must not be negative, got %d", c.Artifacts.Levels))
	}

	return errors.Join(errs...)
}

// Profile returns the parsed build profile.
func (c *Config) Profile() Profile {
	p, err := ParseProfile(c.Build.Profile)
	if err != nil {
		return ProfileRelease
	}
	return p
}

// resolve makes path absolute against projectDir. Empty stays empty.
func resolve(projectDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectDir, path)
}

// CacheDirFor returns the archive cache directory for projectDir.
func (c *Config) CacheDirFor(projectDir string) string {
	if c.CacheDir != "" {
		return resolve(projectDir, c.CacheDir)
	}
	return filepath.Join(projectDir, ".nativedep", "cache")
}

// OutDirFor returns the build output root for projectDir. The default sits
// DefaultArtifactLevels below the project root:
// <project>/.nativedep/target/<profile>.
func (c *Config) OutDirFor(projectDir string) string {
	if c.OutDir != "" {
		return resolve(projectDir, c.OutDir)
	}
	return filepath.Join(projectDir, ".nativedep", "target", string(c.Profile()))
}

// BindingsPathFor returns the generated file's path for projectDir.
func (c *Config) BindingsPathFor(projectDir string) string {
	return resolve(projectDir, c.Bindings.Output)
}

// BuildConfigFor returns the BuildConfig of one native build.
func (c *Config) BuildConfigFor(projectDir string) *BuildConfig {
	return &BuildConfig{
		OutDir:       c.OutDirFor(projectDir),
		LibName:      c.Library.Name,
		Header:       c.Library.Header,
		OptionPrefix: c.Library.OptionPrefix,
		Profile:      c.Profile(),
		Parallel:     c.Build.Parallel,
		Generator:    c.Build.Generator,
		BuildArgs:    c.Build.Args,
		Env:          c.Build.Env,
		Verbose:      c.Build.Verbose,
		CleanFirst:   c.Build.CleanFirst,
	}
}

// NewFactory returns the standard builders with the configured custom
// builders registered first, so they win over the defaults.
func (c *Config) NewFactory() *BuilderFactory {
	factory := &BuilderFactory{}
	for i := range c.Build.Custom {
		factory.Register(NewGenericBuilder(&c.Build.Custom[i]))
	}
	for _, builder := range NewBuilderFactory().ListBuilders() {
		factory.Register(builder)
	}
	return factory
}
