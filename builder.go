package nativedep

import "context"

// Builder defines the interface that all native build invokers implement.
//
// Each builder drives one build system (CMake, autotools, Cargo, ...) and is
// selected by the build-description file at the root of the source tree.
//
// # Builder Lifecycle
//
//  1. CanBuild() - Factory calls this to find the builder for a build file
//  2. Build() - Configure, compile and install into config.OutDir
//  3. Clean() - Optional removal of the builder's intermediate files
//
// # Example Implementation
//
//	type MesonBuilder struct{}
//
//	func (b *MesonBuilder) Name() string { return "Meson" }
//
//	func (b *MesonBuilder) CanBuild(buildFile string) bool {
//	    return buildFile == "meson.build"
//	}
//
//	func (b *MesonBuilder) Build(ctx context.Context, config *BuildConfig, tree SourceTree) (*BuildResult, error) {
//	    return runCommonBuild(ctx, config, tree, CommonBuildSteps{...})
//	}
//
// # Contract
//
// A builder must never write into tree.Path. Its install step must leave the
// library under config.OutDir/lib and runtime files under the directory named
// by the platform layout. The tests and demos options of the wrapped library
// are always disabled.
type Builder interface {
	// Name returns the human-readable name of this builder.
	// Examples: "CMake", "Configure", "Cargo"
	Name() string

	// BuildFiles lists the build-description file names this builder recognizes,
	// in the order the factory probes them.
	BuildFiles() []string

	// CanBuild reports whether the builder handles the given build-description
	// file (a base name such as "CMakeLists.txt").
	CanBuild(buildFile string) bool

	// Build compiles the library and returns the result.
	//
	// Returns:
	//   - BuildResult with Success=true and Build set on success
	//   - BuildResult with Success=false and Error on failure
	Build(ctx context.Context, config *BuildConfig, tree SourceTree) (*BuildResult, error)

	// Clean removes intermediate build files under config.OutDir.
	Clean(ctx context.Context, config *BuildConfig, tree SourceTree) error
}
