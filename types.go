package nativedep

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// SourceOrigin records where a SourceTree came from.
type SourceOrigin int

const (
	// OriginLocal marks a tree found next to the consuming project.
	OriginLocal SourceOrigin = iota
	// OriginArchive marks a tree extracted from a remote archive.
	OriginArchive
)

func (o SourceOrigin) String() string {
	if o == OriginArchive {
		return "archive"
	}
	return "local"
}

// SourceTree is a canonical, absolute path to the native library's source.
//
// The tree is never written to. Builders place their output in a separate
// directory (BuildConfig.OutDir).
type SourceTree struct {
	Path      string       // Absolute, symlink-free path of the source root
	BuildFile string       // Build-description file found at the root (e.g. CMakeLists.txt)
	Origin    SourceOrigin // Local checkout or extracted archive
}

// RemoteArchiveSpec pins the archive used when no local tree exists.
//
// Changing the wrapped library version means changing this value.
type RemoteArchiveSpec struct {
	URL    string `yaml:"url"`              // https://, http:// or s3://bucket/key
	Root   string `yaml:"root"`             // Directory name the archive extracts to
	SHA256 string `yaml:"sha256,omitempty"` // Optional hex digest of the archive bytes
	Format string `yaml:"format,omitempty"` // "zip" (default) or "tar.zst"
}

// archiveFormat returns the normalized archive format.
func (s RemoteArchiveSpec) archiveFormat() string {
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "zip":
		return formatZip
	case "tar.zst", "tzst", "tar.zstd":
		return formatTarZst
	default:
		return strings.ToLower(s.Format)
	}
}

// Profile is a named build configuration.
type Profile string

// Supported build profiles.
const (
	ProfileDebug          Profile = "debug"
	ProfileRelease        Profile = "release"
	ProfileRelWithDebInfo Profile = "relwithdebinfo"
	ProfileMinSizeRel     Profile = "minsizerel"
)

var cmakeBuildTypes = map[Profile]string{
	ProfileDebug:          "Debug",
	ProfileRelease:        "Release",
	ProfileRelWithDebInfo: "RelWithDebInfo",
	ProfileMinSizeRel:     "MinSizeRel",
}

// ParseProfile accepts a profile name in any case.
// An empty string selects the release profile.
func ParseProfile(s string) (Profile, error) {
	if strings.TrimSpace(s) == "" {
		return ProfileRelease, nil
	}
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := cmakeBuildTypes[p]; !ok {
		return "", fmt.Errorf("unknown build profile %q (want debug, release, relwithdebinfo or minsizerel)", s)
	}
	return p, nil
}

// BuildType returns the CMake-style build type for the profile.
func (p Profile) BuildType() string {
	if t, ok := cmakeBuildTypes[p]; ok {
		return t
	}
	return cmakeBuildTypes[ProfileRelease]
}

// Optimized reports whether the profile produces an optimized build.
func (p Profile) Optimized() bool {
	return p != ProfileDebug
}

// FeatureOptions are the optional targets of the wrapped library.
//
// The pipeline always builds with both disabled; the type exists so every
// builder translates the same two switches the same way.
type FeatureOptions struct {
	Tests bool
	Demos bool
}

// fixedFeatures is the option set every build uses.
var fixedFeatures = FeatureOptions{Tests: false, Demos: false}

// BuildOutput describes where a finished build left its files.
type BuildOutput struct {
	Root       string // Build output root (install prefix)
	LibDir     string // Library search directory (<root>/lib)
	BinDir     string // Runtime artifact directory (<root>/lib or <root>/bin)
	IncludeDir string // <source>/include
	Header     string // <source>/include/<header>

	// LinkLibs are the library names registered for linking.
	LinkLibs []string

	// RerunIfChanged lists files whose content change must trigger a re-run.
	RerunIfChanged []string
}

// LinkFlags returns linker flags in cc syntax (-L<dir> -l<name>).
func (o *BuildOutput) LinkFlags() []string {
	flags := []string{"-L" + o.LibDir}
	for _, lib := range o.LinkLibs {
		flags = append(flags, "-l"+lib)
	}
	return flags
}

// BuildResult contains the output and status of a native build.
type BuildResult struct {
	Success bool         // True if the build completed without errors
	Output  []string     // Lines captured from the native build tool
	Build   *BuildOutput // Output layout, set on success
	Error   error        // Error if the build failed, nil otherwise
}

// BuildConfig contains configuration for one native build.
//
// Paths:
//   - OutDir: private output area; the builder installs into it and keeps its
//     intermediate files under OutDir/build
//
// Library identity:
//   - LibName: name registered for linking (-l<LibName>)
//   - Header: public header file name under <source>/include
//   - OptionPrefix: prefix of the library's CMake options (PREFIX_ENABLE_TESTS)
//
// Build behavior:
//   - Profile, Parallel, Generator, BuildArgs, Env, Verbose, CleanFirst
type BuildConfig struct {
	OutDir string

	LibName      string
	Header       string
	OptionPrefix string

	Profile   Profile
	Parallel  int               // Parallel jobs (0 = tool default)
	Generator string            // CMake generator override
	BuildArgs []string          // Extra arguments for the configure step
	Env       map[string]string // Extra environment for every tool invocation

	Verbose    bool
	CleanFirst bool

	// GOOS selects the platform layout; empty means runtime.GOOS.
	GOOS string
}

// buildDir is where builders keep intermediate files.
func (c *BuildConfig) buildDir() string {
	return filepath.Join(c.OutDir, "build")
}

// CommonBuildSteps defines the configure/build/install sequence shared by builders.
//
//	return runCommonBuild(ctx, config, tree, CommonBuildSteps{
//	    ConfigureFunc: b.runConfigure,
//	    BuildFunc:     b.runBuild,
//	    InstallFunc:   b.runInstall,
//	})
type CommonBuildSteps struct {
	// ConfigureFunc prepares the build directory (cmake, ./configure)
	ConfigureFunc func(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error

	// BuildFunc compiles the library
	BuildFunc func(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error

	// InstallFunc places headers and libraries under config.OutDir
	InstallFunc func(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error
}
