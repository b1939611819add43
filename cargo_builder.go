package nativedep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CargoBuilder builds Rust libraries that export a C ABI (staticlib/cdylib
// crates shipping include/<name>.h).
//
// Cargo writes everything under --target-dir, so the source tree stays
// clean. Tests and examples are not part of a plain cargo build, which
// matches the disabled feature set.
type CargoBuilder struct{}

// Name returns the builder name
func (b *CargoBuilder) Name() string {
	return "Cargo"
}

// BuildFiles returns the files that mark a Cargo project
func (b *CargoBuilder) BuildFiles() []string {
	return []string{"Cargo.toml"}
}

// CanBuild checks if this builder can handle the build file
func (b *CargoBuilder) CanBuild(buildFile string) bool {
	return MatchesPattern(buildFile, `^Cargo\.toml$`)
}

// RequiredTools returns the tools needed for Cargo builds
func (b *CargoBuilder) RequiredTools() []ToolRequirement {
	return []ToolRequirement{
		{Name: b.getCargoPath(), Purpose: "Rust compiler and package manager"},
	}
}

// CheckTools verifies that cargo is available
func (b *CargoBuilder) CheckTools() error {
	return CheckRequiredTools(b.RequiredTools())
}

// Build compiles the crate and stages its libraries under OutDir
func (b *CargoBuilder) Build(ctx context.Context, config *BuildConfig, tree SourceTree) (*BuildResult, error) {
	return runCommonBuild(ctx, config, tree, CommonBuildSteps{
		ConfigureFunc: b.noConfigure,
		BuildFunc:     b.runCargo,
		InstallFunc:   b.stageOutputs,
	})
}

// Clean runs cargo clean against the private target directory
func (b *CargoBuilder) Clean(ctx context.Context, config *BuildConfig, tree SourceTree) error {
	if !fileExists(config.buildDir()) {
		return nil
	}
	result := &BuildResult{}
	return runTool(ctx, config, result, "Cargo Clean", tree.Path, b.getCargoPath(),
		"clean", "--manifest-path", filepath.Join(tree.Path, "Cargo.toml"), "--target-dir", config.buildDir())
}

// noConfigure is a no-op since Cargo has no configure step
func (b *CargoBuilder) noConfigure(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	if config.Verbose {
		result.Output = append(result.Output, "Cargo project, no configuration needed")
	}
	return nil
}

// cargoArgs returns the arguments of cargo build
func (b *CargoBuilder) cargoArgs(config *BuildConfig, tree SourceTree) []string {
	args := []string{
		"build",
		"--manifest-path", filepath.Join(tree.Path, "Cargo.toml"),
		"--target-dir", config.buildDir(),
	}
	if config.Profile.Optimized() {
		args = append(args, "--release")
	}

	if target := os.Getenv("CARGO_BUILD_TARGET"); target != "" {
		args = append(args, "--target", target)
	}

	// Use locked dependencies if Cargo.lock exists
	if fileExists(filepath.Join(tree.Path, "Cargo.lock")) {
		args = append(args, "--locked")
	}

	if config.Parallel > 0 {
		args = append(args, "--jobs", fmt.Sprintf("%d", config.Parallel))
	}

	if fixedFeatures.Demos {
		args = append(args, "--examples")
	}

	return append(args, config.BuildArgs...)
}

// runCargo executes cargo build
func (b *CargoBuilder) runCargo(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	return runTool(ctx, config, result, "Cargo", tree.Path, b.getCargoPath(), b.cargoArgs(config, tree)...)
}

// profileDir returns the directory cargo wrote the libraries to
func (b *CargoBuilder) profileDir(config *BuildConfig) string {
	dir := config.buildDir()
	if target := os.Getenv("CARGO_BUILD_TARGET"); target != "" {
		dir = filepath.Join(dir, target)
	}
	if config.Profile.Optimized() {
		return filepath.Join(dir, "release")
	}
	return filepath.Join(dir, "debug")
}

// stageOutputs copies link-time libraries into lib/ and runtime files into
// the platform runtime directory
func (b *CargoBuilder) stageOutputs(_ context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
	srcDir := b.profileDir(config)
	out := layoutOutput(config, tree)

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return BuildError("Cargo", result.Output, fmt.Errorf("read cargo output: %w", err))
	}

	if err := os.MkdirAll(out.LibDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(out.BinDir, 0o755); err != nil {
		return err
	}

	var staged int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var dest string
		switch {
		case IsRuntimeArtifact(name):
			dest = filepath.Join(out.BinDir, name)
		case MatchesExtension(name, ".a", ".lib"):
			dest = filepath.Join(out.LibDir, name)
		default:
			continue
		}

		if err := copyFile(filepath.Join(srcDir, name), dest); err != nil {
			return BuildError("Cargo", result.Output, fmt.Errorf("stage %s: %w", name, err))
		}
		staged++

		if config.Verbose {
			result.Output = append(result.Output, fmt.Sprintf("Staged %s -> %s", name, dest))
		}
	}

	if staged == 0 {
		return BuildError("Cargo", result.Output, fmt.Errorf("no libraries found in %s (crate-type must include staticlib or cdylib)", srcDir))
	}
	return nil
}

// getCargoPath returns the path to the cargo executable
func (b *CargoBuilder) getCargoPath() string {
	if cargoPath := strings.TrimSpace(os.Getenv("CARGO")); cargoPath != "" {
		return cargoPath
	}
	return "cargo"
}
