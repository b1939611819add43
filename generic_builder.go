package nativedep

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// GenericBuilder is a configurable builder for build systems without a
// dedicated Go implementation.
//
// It runs up to three command templates (configure, build, install) from the
// private build directory. Templates support these placeholders:
//
//	{{source}}       source tree path
//	{{build}}        private build directory (OutDir/build)
//	{{prefix}}       install prefix (OutDir)
//	{{profile}}      profile name (debug, release, ...)
//	{{build_type}}   CMake-style build type (Debug, Release, ...)
//	{{buildtype}}    Meson build type (debug, release, debugoptimized, minsize)
//	{{jobs}}         parallel jobs (empty when unset)
//	{{tests}}        ON/OFF for the tests feature (always OFF)
//	{{demos}}        ON/OFF for the demos feature (always OFF)
//	{{tests_bool}}   true/false for the tests feature
//	{{demos_bool}}   true/false for the demos feature
//
// # Example: Meson
//
//	meson := NewGenericBuilder(&GenericBuilderConfig{
//	    Name:       "Meson",
//	    BuildFiles: []string{"meson.build"},
//	    Configure:  []string{"meson", "setup", "{{build}}", "{{source}}", "--prefix={{prefix}}"},
//	    Build:      []string{"meson", "compile", "-C", "{{build}}"},
//	    Install:    []string{"meson", "install", "-C", "{{build}}"},
//	})
type GenericBuilder struct {
	name       string
	buildFiles []string
	tools      []ToolRequirement
	configure  []string
	build      []string
	install    []string
	clean      []string
}

// GenericBuilderConfig defines configuration for a GenericBuilder.
// The yaml tags let projects declare custom builders in nativedep.yaml.
type GenericBuilderConfig struct {
	Name       string            `yaml:"name"`
	BuildFiles []string          `yaml:"build_files"`
	Tools      []ToolRequirement `yaml:"-"`
	ToolNames  []string          `yaml:"tools"`
	Configure  []string          `yaml:"configure"`
	Build      []string          `yaml:"build"`
	Install    []string          `yaml:"install"`
	Clean      []string          `yaml:"clean"`
}

// NewGenericBuilder creates a new GenericBuilder from configuration.
func NewGenericBuilder(config *GenericBuilderConfig) *GenericBuilder {
	tools := append([]ToolRequirement{}, config.Tools...)
	for _, name := range config.ToolNames {
		tools = append(tools, ToolRequirement{Name: name, Purpose: config.Name + " build"})
	}
	return &GenericBuilder{
		name:       config.Name,
		buildFiles: config.BuildFiles,
		tools:      tools,
		configure:  config.Configure,
		build:      config.Build,
		install:    config.Install,
		clean:      config.Clean,
	}
}

// Name returns the builder name
func (b *GenericBuilder) Name() string {
	return b.name
}

// BuildFiles returns the configured build-description files
func (b *GenericBuilder) BuildFiles() []string {
	return b.buildFiles
}

// CanBuild checks the build file against the configured names.
// Names may be glob patterns.
func (b *GenericBuilder) CanBuild(buildFile string) bool {
	for _, pattern := range b.buildFiles {
		if matched, _ := filepath.Match(pattern, buildFile); matched {
			return true
		}
	}
	return false
}

// RequiredTools returns the tools needed for this builder
func (b *GenericBuilder) RequiredTools() []ToolRequirement {
	return b.tools
}

// CheckTools verifies that all required tools are available
func (b *GenericBuilder) CheckTools() error {
	return CheckRequiredTools(b.RequiredTools())
}

// Build runs the configured command templates
func (b *GenericBuilder) Build(ctx context.Context, config *BuildConfig, tree SourceTree) (*BuildResult, error) {
	if len(b.build) == 0 {
		err := fmt.Errorf("no build command configured for %s builder", b.name)
		return &BuildResult{Error: err}, err
	}

	steps := CommonBuildSteps{
		ConfigureFunc: b.stepFunc("Configure", b.configure),
		BuildFunc:     b.stepFunc("Build", b.build),
	}
	if len(b.install) > 0 {
		steps.InstallFunc = b.stepFunc("Install", b.install)
	}
	return runCommonBuild(ctx, config, tree, steps)
}

// Clean runs the configured clean command, ignoring failures
func (b *GenericBuilder) Clean(ctx context.Context, config *BuildConfig, tree SourceTree) error {
	if len(b.clean) == 0 || !fileExists(config.buildDir()) {
		return nil
	}
	args := expandTemplate(b.clean, config, tree)
	return runTool(ctx, config, &BuildResult{}, b.name+" Clean", config.buildDir(), args[0], args[1:]...)
}

// stepFunc turns a command template into a build step. Empty templates are no-ops.
func (b *GenericBuilder) stepFunc(step string, template []string) func(context.Context, *BuildConfig, SourceTree, *BuildResult) error {
	return func(ctx context.Context, config *BuildConfig, tree SourceTree, result *BuildResult) error {
		if len(template) == 0 {
			if config.Verbose {
				result.Output = append(result.Output, fmt.Sprintf("%s builder, no %s step", b.name, strings.ToLower(step)))
			}
			return nil
		}

		args := expandTemplate(template, config, tree)
		if step == "Configure" {
			args = append(args, config.BuildArgs...)
		}
		return runTool(ctx, config, result, b.name+" "+step, config.buildDir(), args[0], args[1:]...)
	}
}

var mesonBuildTypes = map[Profile]string{
	ProfileDebug:          "debug",
	ProfileRelease:        "release",
	ProfileRelWithDebInfo: "debugoptimized",
	ProfileMinSizeRel:     "minsize",
}

// expandTemplate substitutes placeholders in every argument. Arguments that
// expand to an empty string are dropped.
func expandTemplate(template []string, config *BuildConfig, tree SourceTree) []string {
	jobs := ""
	if config.Parallel > 0 {
		jobs = strconv.Itoa(config.Parallel)
	}
	replacer := strings.NewReplacer(
		"{{source}}", tree.Path,
		"{{build}}", config.buildDir(),
		"{{prefix}}", config.OutDir,
		"{{profile}}", string(config.Profile),
		"{{build_type}}", config.Profile.BuildType(),
		"{{buildtype}}", mesonBuildTypes[config.Profile],
		"{{jobs}}", jobs,
		"{{tests}}", onOff(fixedFeatures.Tests),
		"{{demos}}", onOff(fixedFeatures.Demos),
		"{{tests_bool}}", strconv.FormatBool(fixedFeatures.Tests),
		"{{demos_bool}}", strconv.FormatBool(fixedFeatures.Demos),
	)

	args := make([]string, 0, len(template))
	for _, arg := range template {
		if expanded := replacer.Replace(arg); expanded != "" {
			args = append(args, expanded)
		}
	}
	return args
}

// NewMesonBuilder creates a builder for Meson projects.
func NewMesonBuilder() *GenericBuilder {
	return NewGenericBuilder(&GenericBuilderConfig{
		Name:       "Meson",
		BuildFiles: []string{"meson.build"},
		Tools: []ToolRequirement{
			{Name: "meson", Purpose: "Meson build system"},
			{Name: "ninja", Alternatives: []string{"samu"}, Purpose: "Ninja backend"},
			compilerRequirement,
		},
		Configure: []string{
			"meson", "setup", "{{build}}", "{{source}}",
			"--prefix={{prefix}}", "--libdir=lib", "--bindir=bin",
			"--buildtype={{buildtype}}",
		},
		Build:   []string{"meson", "compile", "-C", "{{build}}"},
		Install: []string{"meson", "install", "-C", "{{build}}"},
		Clean:   []string{"meson", "compile", "-C", "{{build}}", "--clean"},
	})
}
