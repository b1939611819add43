package nativedep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GoBuilder builds Go modules that export a C ABI through
// -buildmode=c-shared.
//
// The module must ship its public header under include/ like any other
// source tree. The shared library is written straight into the runtime
// directory of the output root, so nothing lands in the source tree:
//
//	go build -buildmode=c-shared -o <out>/lib/libprism.so .
type GoBuilder struct{}

// Name returns the builder name
func (b *GoBuilder) Name() string {
	return "Go"
}

// BuildFiles returns the files that mark a Go module
func (b *GoBuilder) BuildFiles() []string {
	return []string{"go.mod"}
}

// CanBuild checks if this builder can handle the build file
func (b *GoBuilder) CanBuild(buildFile string) bool {
	return MatchesPattern(buildFile, `^go\.mod$`)
}

// RequiredTools returns the tools needed for Go builds
func (b *GoBuilder) RequiredTools() []ToolRequirement {
	return []ToolRequirement{
		{Name: b.getGoPath(), Purpose: "Go compiler and toolchain"},
		compilerRequirement,
	}
}

// CheckTools verifies that the Go toolchain and a C compiler are available
func (b *GoBuilder) CheckTools() error {
	return CheckRequiredTools(b.RequiredTools())
}

// Build compiles the module into a shared library
func (b *GoBuilder) Build(ctx context.Context, config *BuildConfig, tree SourceTree) (*BuildResult, error) {
	return runCommonBuild(ctx, config, tree, CommonBuildSteps{
		ConfigureFunc: b.noConfigure,
		BuildFunc:     b.runGoBuild,
	})
}

// Clean removes the built library and its generated header
func (b *GoBuilder) Clean(_ context.Context, config *BuildConfig, _ SourceTree) error {
	target := b.outputPath(config)
	header := strings.TrimSuffix(target, filepath.Ext(target)) + ".h"
	for _, path := range []string{target, header} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// noConfigure is a no-op since Go modules need no configuration
func (b *GoBuilder) noConfigure(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	if config.Verbose {
		result.Output = append(result.Output, "Go module, no configuration needed")
	}
	return nil
}

// outputPath returns where the shared library is written
func (b *GoBuilder) outputPath(config *BuildConfig) string {
	layout := LayoutFor(config.GOOS)
	return filepath.Join(config.OutDir, layout.RuntimeDir, layout.SharedLibraryName(config.LibName))
}

// goArgs returns the arguments of go build
func (b *GoBuilder) goArgs(config *BuildConfig) []string {
	args := []string{"build", "-buildmode=c-shared", "-o", b.outputPath(config)}
	if config.Profile.Optimized() {
		args = append(args, "-trimpath", "-ldflags=-s -w")
	} else {
		args = append(args, "-gcflags=all=-N -l")
	}
	if config.Parallel > 0 {
		args = append(args, fmt.Sprintf("-p=%d", config.Parallel))
	}
	args = append(args, config.BuildArgs...)
	return append(args, ".")
}

// runGoBuild executes go build with cgo enabled
func (b *GoBuilder) runGoBuild(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	out := layoutOutput(config, tree)
	for _, dir := range []string{out.LibDir, out.BinDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return BuildError("Go", result.Output, err)
		}
	}

	goConfig := *config
	goConfig.Env = map[string]string{"CGO_ENABLED": "1"}
	for key, value := range config.Env {
		goConfig.Env[key] = value
	}
	if config.GOOS != "" {
		goConfig.Env["GOOS"] = config.GOOS
	}

	return runTool(ctx, &goConfig, result, "Go", tree.Path, b.getGoPath(), b.goArgs(config)...)
}

// getGoPath returns the go executable, honoring $GO
func (b *GoBuilder) getGoPath() string {
	if goPath := strings.TrimSpace(os.Getenv("GO")); goPath != "" {
		return goPath
	}
	return "go"
}
