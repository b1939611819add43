package nativedep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	makeProgram  = "make"
	gmakeProgram = "gmake"
)

// ConfigureBuilder handles autotools-style projects.
//
// The configure script is run from OutDir/build so the source tree stays
// untouched, then make and make install populate OutDir. Tests and demos map
// to --disable-tests / --disable-demos; scripts that do not know these flags
// ignore them with a warning.
type ConfigureBuilder struct{}

// Name returns the builder name
func (b *ConfigureBuilder) Name() string {
	return "Configure"
}

// BuildFiles returns the files that mark an autotools project
func (b *ConfigureBuilder) BuildFiles() []string {
	return []string{"configure", "configure.sh"}
}

// CanBuild checks if this builder can handle the build file
func (b *ConfigureBuilder) CanBuild(buildFile string) bool {
	return MatchesPattern(buildFile, `^configure$`, `^configure\.sh$`)
}

// RequiredTools returns the tools needed for autotools builds
func (b *ConfigureBuilder) RequiredTools() []ToolRequirement {
	return []ToolRequirement{
		{
			Name:         makeProgram,
			Alternatives: []string{gmakeProgram},
			Purpose:      "Build automation tool",
		},
		{Name: "sh", Alternatives: []string{"bash"}, Purpose: "POSIX shell for configure"},
		compilerRequirement,
	}
}

// CheckTools verifies that make, a shell and a compiler are available
func (b *ConfigureBuilder) CheckTools() error {
	return CheckRequiredTools(b.RequiredTools())
}

// Build runs configure → make → make install
func (b *ConfigureBuilder) Build(ctx context.Context, config *BuildConfig, tree SourceTree) (*BuildResult, error) {
	return runCommonBuild(ctx, config, tree, CommonBuildSteps{
		ConfigureFunc: b.runConfigure,
		BuildFunc:     b.runMake,
		InstallFunc:   b.runInstall,
	})
}

// Clean runs make clean in a configured build directory
func (b *ConfigureBuilder) Clean(ctx context.Context, config *BuildConfig, tree SourceTree) error {
	if !fileExists(filepath.Join(config.buildDir(), "Makefile")) {
		return nil
	}
	return runTool(ctx, config, &BuildResult{}, "Make Clean", config.buildDir(), b.getMakeProgram(), "clean")
}

// configureArgs returns the arguments passed to the configure script
func (b *ConfigureBuilder) configureArgs(config *BuildConfig) []string {
	args := []string{
		"--prefix=" + config.OutDir,
		"--libdir=" + filepath.Join(config.OutDir, "lib"),
		"--bindir=" + filepath.Join(config.OutDir, "bin"),
	}
	args = append(args, featureFlags(fixedFeatures)...)
	if !config.Profile.Optimized() {
		args = append(args, "--enable-debug")
	}
	return append(args, config.BuildArgs...)
}

func featureFlags(features FeatureOptions) []string {
	flags := []string{"--disable-tests", "--disable-demos"}
	if features.Tests {
		flags[0] = "--enable-tests"
	}
	if features.Demos {
		flags[1] = "--enable-demos"
	}
	return flags
}

// runConfigure executes the configure script out of tree
func (b *ConfigureBuilder) runConfigure(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	script := filepath.Join(tree.Path, tree.BuildFile)
	if tree.BuildFile == "" {
		script = filepath.Join(tree.Path, "configure")
	}
	// Run through sh so a missing executable bit in an archive does not matter.
	args := append([]string{script}, b.configureArgs(config)...)
	return runTool(ctx, config, result, "Configure", config.buildDir(), "sh", args...)
}

// runMake compiles the library
func (b *ConfigureBuilder) runMake(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	program := b.getMakeProgram()

	var args []string
	if config.Parallel > 0 {
		args = append(args, fmt.Sprintf("-j%d", config.Parallel))
	}

	return runTool(ctx, config, result, "Make", config.buildDir(), program, args...)
}

// runInstall installs into the output root
func (b *ConfigureBuilder) runInstall(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	return runTool(ctx, config, result, "Make Install", config.buildDir(), b.getMakeProgram(), "install")
}

// getMakeProgram returns the make program for the platform
func (b *ConfigureBuilder) getMakeProgram() string {
	if makeEnv := os.Getenv("MAKE"); makeEnv != "" {
		return makeEnv
	}

	// BSD make does not understand GNU makefiles generated by autotools.
	if runtime.GOOS == "freebsd" || runtime.GOOS == "openbsd" || runtime.GOOS == "netbsd" {
		return gmakeProgram
	}
	return makeProgram
}
