// Package nativedep resolves, builds and binds a native C library for a Go
// project at build time.
//
// The pipeline is linear:
//
//	Locator ──► Fetcher (only without a local checkout)
//	   │
//	   ▼
//	BuilderFactory ──► BuildOutput ──┬─► bindgen (Go binding file)
//	                                 └─► PropagateArtifacts (runtime files)
//
// # Source Location
//
// A checkout at <project>/third_party/<name> with a recognized build file
// always wins. Otherwise the pinned archive is downloaded once and extracted
// into <project>/.nativedep/cache/downloaded_src/<root>. Extractions are
// validated by a marker file, so an interrupted run is redone instead of
// reused.
//
// # Supported Build Systems
//
// The factory includes builders for:
//   - CMakeLists.txt - CMake (the default for prism)
//   - meson.build - Meson, through the generic builder
//   - configure, configure.sh - Autotools-style configure scripts
//   - Cargo.toml - Rust crates exporting a C ABI
//   - go.mod - Go modules built with -buildmode=c-shared
//
// Further build systems can be declared in nativedep.yaml as command
// templates (see GenericBuilder). Every builder installs into a private
// output root and never writes into the source tree. The wrapped library's
// tests and demos are always disabled.
//
// # Basic Usage
//
//	cfg, err := nativedep.LoadConfig(ctx, "nativedep.yaml")
//	if err != nil {
//	    return err
//	}
//	p, err := nativedep.NewPipeline(cfg, ".", logger)
//	if err != nil {
//	    return err
//	}
//	result, err := p.Run(ctx)
//	if errors.Is(err, nativedep.ErrNetworkFailure) {
//	    // no local checkout and the archive could not be downloaded
//	}
//
// # Errors
//
// Every failure is a *StageError whose Kind is one of the Err* sentinels.
// Nothing is retried.
//
// # Platform Support
//
// Linux, macOS and the BSDs use lib/ for runtime files, Windows uses bin/.
// Shared objects, dylibs, DLLs and PDBs are copied next to the final binary.
package nativedep
