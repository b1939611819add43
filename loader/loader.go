// Package loader opens the native libraries that nativedep copies next to a
// program and binds their functions for purego-style bindings.
//
// Generated bindings call Open with the library name and then BindAll with
// the function variables they declare. No C toolchain is involved.
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ErrNotFound is returned by Open when no candidate could be loaded.
var ErrNotFound = errors.New("loader: library not found")

// Seams for tests.
var (
	executable = os.Executable
	getwd      = os.Getwd
)

// Library is an opened shared library.
type Library struct {
	Name   string
	Path   string
	handle uintptr
}

// Symbol pairs a C symbol with a pointer to the Go function variable it
// binds to.
type Symbol struct {
	Name string
	Fn   any
}

// FileName returns the platform file name of library name on this OS.
func FileName(name string) string {
	return fileNameFor(runtime.GOOS, name)
}

func fileNameFor(goos, name string) string {
	switch goos {
	case "windows":
		return name + ".dll"
	case "darwin", "ios":
		return "lib" + name + ".dylib"
	default:
		return "lib" + name + ".so"
	}
}

// Candidates lists the paths Open tries, in order: the executable's
// directory, the working directory, then the bare file name for the system
// loader's search path.
func Candidates(name string) []string {
	file := FileName(name)
	var out []string
	if exe, err := executable(); err == nil {
		out = append(out, filepath.Join(filepath.Dir(exe), file))
	}
	if wd, err := getwd(); err == nil {
		if p := filepath.Join(wd, file); len(out) == 0 || out[0] != p {
			out = append(out, p)
		}
	}
	return append(out, file)
}

// Open loads library name from the first candidate that works.
func Open(name string) (*Library, error) {
	var errs []error
	for _, path := range Candidates(name) {
		if filepath.IsAbs(path) {
			if _, err := os.Stat(path); err != nil {
				continue
			}
		}
		h, err := openLibrary(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		return &Library{Name: name, Path: path, handle: h}, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, name, errors.Join(errs...))
}

// OpenFile loads the library at path, which may also be a bare file name
// resolved by the system loader.
func OpenFile(path string) (*Library, error) {
	h, err := openLibrary(path)
	if err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", path, err)
	}
	name := filepath.Base(path)
	return &Library{Name: name, Path: path, handle: h}, nil
}

// Bind looks up symbol and makes the function pointed to by fptr call it.
// fptr must be a pointer to a func variable.
func (l *Library) Bind(fptr any, symbol string) (err error) {
	if l == nil || l.handle == 0 {
		return errors.New("loader: library is not open")
	}
	addr, err := lookup(l.handle, symbol)
	if err != nil {
		return fmt.Errorf("loader: %s: symbol %s: %w", l.Name, symbol, err)
	}
	if addr == 0 {
		return fmt.Errorf("loader: %s: symbol %s is nil", l.Name, symbol)
	}
	defer func() {
		// purego panics on signatures it cannot call.
		if r := recover(); r != nil {
			err = fmt.Errorf("loader: %s: bind %s: %v", l.Name, symbol, r)
		}
	}()
	return register(fptr, addr)
}

// Bind is the function form of (*Library).Bind.
func Bind(l *Library, fptr any, symbol string) error {
	return l.Bind(fptr, symbol)
}

// BindAll binds every symbol and reports all failures together.
func BindAll(l *Library, symbols []Symbol) error {
	var errs []error
	for _, s := range symbols {
		if err := l.Bind(s.Fn, s.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close unloads the library. Functions bound from it must not be called
// afterwards.
func (l *Library) Close() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	h := l.handle
	l.handle = 0
	return closeLibrary(h)
}
