package nativedep

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
)

const cmakeProgram = "cmake"

// CmakeBuilder configures and builds CMake projects out of tree.
//
// The library's tests and demos are switched off through the
// <OptionPrefix>_ENABLE_TESTS / <OptionPrefix>_ENABLE_DEMOS cache entries.
type CmakeBuilder struct{}

// Name returns the builder name
func (b *CmakeBuilder) Name() string {
	return "CMake"
}

// BuildFiles returns the files that mark a CMake project
func (b *CmakeBuilder) BuildFiles() []string {
	return []string{"CMakeLists.txt"}
}

// CanBuild checks if this builder can handle the build file
func (b *CmakeBuilder) CanBuild(buildFile string) bool {
	return MatchesPattern(buildFile, `^CMakeLists\.txt$`)
}

// RequiredTools returns the tools needed for CMake builds
func (b *CmakeBuilder) RequiredTools() []ToolRequirement {
	return []ToolRequirement{
		{Name: cmakeProgram, Purpose: "CMake build system"},
		{Name: "ninja", Optional: true, Purpose: "Ninja generator"},
		compilerRequirement,
	}
}

// CheckTools verifies that cmake and a compiler are available
func (b *CmakeBuilder) CheckTools() error {
	return CheckRequiredTools(b.RequiredTools())
}

// Build runs the cmake configure → build → install workflow
func (b *CmakeBuilder) Build(ctx context.Context, config *BuildConfig, tree SourceTree) (*BuildResult, error) {
	return runCommonBuild(ctx, config, tree, CommonBuildSteps{
		ConfigureFunc: b.runConfigure,
		BuildFunc:     b.runBuild,
		InstallFunc:   b.runInstall,
	})
}

// Clean removes intermediate files through the clean target
func (b *CmakeBuilder) Clean(ctx context.Context, config *BuildConfig, tree SourceTree) error {
	if !fileExists(config.buildDir()) {
		return nil
	}
	result := &BuildResult{}
	return runTool(ctx, config, result, "CMake Clean", config.buildDir(), cmakeProgram,
		"--build", config.buildDir(), "--target", "clean", "--config", config.Profile.BuildType())
}

// configureArgs returns the arguments of the configure step
func (b *CmakeBuilder) configureArgs(config *BuildConfig, tree SourceTree) []string {
	args := []string{
		"-S", tree.Path,
		"-B", config.buildDir(),
		"-DCMAKE_BUILD_TYPE=" + config.Profile.BuildType(),
		"-DCMAKE_INSTALL_PREFIX=" + config.OutDir,
		// Keep lib/ instead of lib64/ so the library search directory is fixed.
		"-DCMAKE_INSTALL_LIBDIR=lib",
		"-DCMAKE_INSTALL_BINDIR=bin",
	}

	args = append(args, b.featureDefines(config.OptionPrefix, fixedFeatures)...)

	if generator := b.getGenerator(config); generator != "" {
		args = append(args, "-G", generator)
	}

	return append(args, config.BuildArgs...)
}

// featureDefines translates the feature switches into cache entries
func (b *CmakeBuilder) featureDefines(prefix string, features FeatureOptions) []string {
	if prefix == "" {
		return nil
	}
	prefix = strings.ToUpper(prefix)
	return []string{
		fmt.Sprintf("-D%s_ENABLE_TESTS=%s", prefix, onOff(features.Tests)),
		fmt.Sprintf("-D%s_ENABLE_DEMOS=%s", prefix, onOff(features.Demos)),
	}
}

// runConfigure executes cmake to generate the build system
func (b *CmakeBuilder) runConfigure(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	return runTool(ctx, config, result, "CMake", config.buildDir(), cmakeProgram, b.configureArgs(config, tree)...)
}

// runBuild compiles through cmake --build for generator independence
func (b *CmakeBuilder) runBuild(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	args := []string{"--build", config.buildDir(), "--config", config.Profile.BuildType()}
	if config.Parallel > 0 {
		args = append(args, "--parallel", fmt.Sprintf("%d", config.Parallel))
	}

	return runTool(ctx, config, result, "CMake Build", config.buildDir(), cmakeProgram, args...)
}

// runInstall installs into the output root
func (b *CmakeBuilder) runInstall(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	args := []string{"--install", config.buildDir(), "--config", config.Profile.BuildType()}
	return runTool(ctx, config, result, "CMake Install", config.buildDir(), cmakeProgram, args...)
}

// getGenerator returns the CMake generator for the platform
func (b *CmakeBuilder) getGenerator(config *BuildConfig) string {
	if config.Generator != "" {
		return config.Generator
	}

	// CMake reads CMAKE_GENERATOR itself; passing -G as well would conflict.
	if os.Getenv("CMAKE_GENERATOR") != "" {
		return ""
	}

	goos := config.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos == platformWindows {
		// Let CMake pick the newest Visual Studio it finds.
		return ""
	}
	if CheckToolAvailable("ninja") == nil {
		return "Ninja"
	}
	return "Unix Makefiles"
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}
