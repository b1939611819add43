package nativedep

import (
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// Platform constants
const (
	platformWindows = "windows"
	platformDarwin  = "darwin"
)

// PlatformLayout describes where a platform's native build puts runtime files
// and how its shared libraries are named.
type PlatformLayout struct {
	// RuntimeDir is the subdirectory of the build output root that holds
	// runtime-loadable artifacts.
	RuntimeDir string

	// SharedPrefix and SharedSuffix form the shared library file name.
	SharedPrefix string
	SharedSuffix string

	// RuntimeExtensions are the artifact extensions native to this platform.
	RuntimeExtensions []string
}

// SharedLibraryName returns the platform file name for a library (libfoo.so, foo.dll).
func (l PlatformLayout) SharedLibraryName(name string) string {
	return l.SharedPrefix + name + l.SharedSuffix
}

var (
	unixLayout = PlatformLayout{
		RuntimeDir:        "lib",
		SharedPrefix:      "lib",
		SharedSuffix:      ".so",
		RuntimeExtensions: []string{".so"},
	}

	platformLayouts = map[string]PlatformLayout{
		platformWindows: {
			RuntimeDir:        "bin",
			SharedSuffix:      ".dll",
			RuntimeExtensions: []string{".dll", ".pdb"},
		},
		platformDarwin: {
			RuntimeDir:        "lib",
			SharedPrefix:      "lib",
			SharedSuffix:      ".dylib",
			RuntimeExtensions: []string{".dylib"},
		},
	}
)

// LayoutFor returns the layout of goos. Unknown systems get the Unix layout.
// An empty goos means runtime.GOOS.
func LayoutFor(goos string) PlatformLayout {
	if goos == "" {
		goos = runtime.GOOS
	}
	if layout, ok := platformLayouts[goos]; ok {
		return layout
	}
	return unixLayout
}

// runtimeArtifactExtensions is the copy allow-list. It is the union of every
// platform's runtime extensions so cross builds and debug databases are kept.
var runtimeArtifactExtensions = map[string]struct{}{
	".so":    {},
	".dylib": {},
	".dll":   {},
	".pdb":   {},
}

var versionedSharedObject = regexp.MustCompile(`\.so(\.[0-9]+)+$`)

// IsRuntimeArtifact reports whether a file must sit next to the final binary.
// Versioned shared objects (libfoo.so.1.2) count as runtime artifacts.
func IsRuntimeArtifact(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if _, ok := runtimeArtifactExtensions[filepath.Ext(base)]; ok {
		return true
	}
	return versionedSharedObject.MatchString(base)
}
