package nativedep

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runCommand executes a native tool and returns its combined output.
// Tests replace it to observe invocations without a toolchain.
var runCommand = func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	return cmd.CombinedOutput()
}

// toolEnv returns the process environment extended with config.Env.
func toolEnv(config *BuildConfig) []string {
	env := os.Environ()
	for key, value := range config.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

// runTool runs one native tool invocation, appending its output to result.
// label names the step in the error message ("CMake", "CMake Install").
func runTool(ctx context.Context, config *BuildConfig, result *BuildResult, label, dir, name string, args ...string) error {
	if config.Verbose {
		result.Output = append(result.Output,
			fmt.Sprintf("Running: %s %s", name, strings.Join(args, " ")),
			fmt.Sprintf("Working directory: %s", dir))
	}

	output, err := runCommand(ctx, dir, toolEnv(config), name, args...)
	result.Output = append(result.Output, splitOutput(output)...)

	if err != nil {
		return BuildError(label, result.Output, err)
	}
	return nil
}

func splitOutput(output []byte) []string {
	text := strings.TrimRight(string(output), "\r\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// runCommonBuild executes the configure/build/install sequence.
//
// Most native build systems follow the same pattern:
//  1. Configure: generate build files in a directory outside the source tree
//  2. Build: compile the library
//  3. Install: copy headers, libraries and runtime files under config.OutDir
//
// After the last step the output layout is computed and checked: the library
// directory and the runtime directory must exist and the public header must be
// readable. If any step fails, processing stops and the error is returned
// with Success=false.
func runCommonBuild(ctx context.Context, config *BuildConfig, tree SourceTree, steps CommonBuildSteps) (*BuildResult, error) {
	result := &BuildResult{
		Success: false,
		Output:  []string{},
	}

	if err := os.MkdirAll(config.buildDir(), 0o755); err != nil {
		result.Error = fmt.Errorf("create build directory: %w", err)
		return result, result.Error
	}

	// Step 1: Configure
	if err := steps.ConfigureFunc(ctx, config, tree, result); err != nil {
		result.Error = err
		return result, err
	}

	// Step 2: Compile
	if err := steps.BuildFunc(ctx, config, tree, result); err != nil {
		result.Error = err
		return result, err
	}

	// Step 3: Install into the output root
	if steps.InstallFunc != nil {
		if err := steps.InstallFunc(ctx, config, tree, result); err != nil {
			result.Error = err
			return result, err
		}
	}

	out := layoutOutput(config, tree)

	// Projects without install rules for runtime files still get an (empty)
	// runtime directory once the library directory is in place.
	if fileExists(out.LibDir) {
		if err := os.MkdirAll(out.BinDir, 0o755); err != nil {
			result.Error = err
			return result, err
		}
	}

	if err := verifyLayout(out); err != nil {
		result.Error = err
		return result, err
	}

	result.Build = out
	result.Success = true
	return result, nil
}

// layoutOutput computes the BuildOutput for a finished build.
func layoutOutput(config *BuildConfig, tree SourceTree) *BuildOutput {
	layout := LayoutFor(config.GOOS)
	includeDir := filepath.Join(tree.Path, "include")
	header := filepath.Join(includeDir, config.Header)

	return &BuildOutput{
		Root:           config.OutDir,
		LibDir:         filepath.Join(config.OutDir, "lib"),
		BinDir:         filepath.Join(config.OutDir, layout.RuntimeDir),
		IncludeDir:     includeDir,
		Header:         header,
		LinkLibs:       []string{config.LibName},
		RerunIfChanged: []string{header},
	}
}

// verifyLayout checks that both output directories exist and the header opens.
func verifyLayout(out *BuildOutput) error {
	for _, dir := range []string{out.LibDir, out.BinDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return stageError(StageBuild, ErrNativeBuildFailure, err, "check output layout")
		}
		if !info.IsDir() {
			return stageError(StageBuild, ErrNativeBuildFailure, fmt.Errorf("%s is not a directory", dir), "check output layout")
		}
	}

	f, err := os.Open(out.Header)
	if err != nil {
		return stageError(StageBuild, ErrHeaderParseFailure, err, "open public header")
	}
	return f.Close()
}
