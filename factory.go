package nativedep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// BuilderFactory manages the registration and selection of native builders.
//
// The factory maintains a registry of Builder implementations and provides
// methods to:
//   - Register new builders
//   - Find the builder for a build-description file
//   - Detect which build-description file a directory carries
//   - Run the native build for a source tree
//
// # Usage
//
// Create a factory with all standard builders:
//
//	factory := nativedep.NewBuilderFactory()
//
// Or register a custom builder first so it wins over the defaults:
//
//	factory := &nativedep.BuilderFactory{}
//	factory.Register(nativedep.NewGenericBuilder(&cfg))
//	factory.Register(&nativedep.CmakeBuilder{})
//
// # Thread Safety
//
// Registration is not thread-safe. Register all builders before use.
type BuilderFactory struct {
	builders []Builder
}

// NewBuilderFactory creates a factory with all standard builders registered.
//
// The standard builders are probed in this order:
//  1. CmakeBuilder - CMakeLists.txt
//  2. MesonBuilder - meson.build
//  3. ConfigureBuilder - configure, configure.sh
//  4. CargoBuilder - Cargo.toml
//  5. GoBuilder - go.mod
func NewBuilderFactory() *BuilderFactory {
	factory := &BuilderFactory{}

	factory.Register(&CmakeBuilder{})
	factory.Register(NewMesonBuilder())
	factory.Register(&ConfigureBuilder{})
	factory.Register(&CargoBuilder{})
	factory.Register(&GoBuilder{})

	return factory
}

// Register adds a builder to the factory. Builders are probed in
// registration order.
func (f *BuilderFactory) Register(builder Builder) {
	f.builders = append(f.builders, builder)
}

// BuilderFor returns the first builder that handles the given build file.
// Only the base name of buildFile is considered.
func (f *BuilderFactory) BuilderFor(buildFile string) (Builder, error) {
	filename := filepath.Base(buildFile)

	for _, builder := range f.builders {
		if builder.CanBuild(filename) {
			return builder, nil
		}
	}

	return nil, fmt.Errorf("no builder found for build file: %s", filename)
}

// ListBuilders returns a copy of all registered builders.
func (f *BuilderFactory) ListBuilders() []Builder {
	return append([]Builder{}, f.builders...)
}

// Detect returns the build-description file at the root of dir, probing
// builders in registration order. ok is false when dir carries none.
func (f *BuilderFactory) Detect(dir string) (buildFile string, ok bool) {
	for _, builder := range f.builders {
		for _, name := range builder.BuildFiles() {
			info, err := os.Stat(filepath.Join(dir, name))
			if err == nil && !info.IsDir() {
				return name, true
			}
		}
	}
	return "", false
}

// Build runs the native build for tree.
//
// The builder is chosen from tree.BuildFile. Tool availability is checked
// first when the builder implements ToolChecker. Every failure is returned as
// a *StageError of kind ErrNativeBuildFailure (or ErrHeaderParseFailure when
// the public header is missing after a successful build). The BuildResult is
// returned even on failure so callers can show the captured output.
func (f *BuilderFactory) Build(ctx context.Context, config *BuildConfig, tree SourceTree) (*BuildResult, error) {
	buildFile := tree.BuildFile
	if buildFile == "" {
		detected, ok := f.Detect(tree.Path)
		if !ok {
			err := stageError(StageBuild, ErrNativeBuildFailure,
				fmt.Errorf("no build-description file in %s", tree.Path), "select builder")
			return &BuildResult{Error: err}, err
		}
		buildFile = detected
		tree.BuildFile = detected
	}

	builder, err := f.BuilderFor(buildFile)
	if err != nil {
		err = stageError(StageBuild, ErrNativeBuildFailure, err, "select builder")
		return &BuildResult{Error: err}, err
	}

	if checker, ok := builder.(ToolChecker); ok {
		if toolErr := checker.CheckTools(); toolErr != nil {
			err = stageError(StageBuild, ErrNativeBuildFailure, toolErr, "%s tools", builder.Name())
			return &BuildResult{Error: err}, err
		}
	}

	if config.CleanFirst {
		if cleanErr := builder.Clean(ctx, config, tree); cleanErr != nil {
			err = stageError(StageBuild, ErrNativeBuildFailure, cleanErr, "%s clean of %s", builder.Name(), tree.Path)
			return &BuildResult{Error: err}, err
		}
	}

	result, err := builder.Build(ctx, config, tree)
	if result == nil {
		result = &BuildResult{}
	}
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			err = stageError(StageBuild, ErrNativeBuildFailure, err, "%s build of %s", builder.Name(), tree.Path)
		}
		result.Success = false
		result.Error = err
		return result, err
	}

	return result, nil
}

// Clean runs the native clean step of the builder matching tree. A tree
// without a recognized build file has nothing to clean.
func (f *BuilderFactory) Clean(ctx context.Context, config *BuildConfig, tree SourceTree) error {
	buildFile := tree.BuildFile
	if buildFile == "" {
		detected, ok := f.Detect(tree.Path)
		if !ok {
			return nil
		}
		buildFile = detected
		tree.BuildFile = detected
	}

	builder, err := f.BuilderFor(buildFile)
	if err != nil {
		return stageError(StageBuild, ErrNativeBuildFailure, err, "select builder")
	}
	if err := builder.Clean(ctx, config, tree); err != nil {
		return stageError(StageBuild, ErrNativeBuildFailure, err, "%s clean of %s", builder.Name(), tree.Path)
	}
	return nil
}
