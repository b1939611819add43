//go:build !darwin && !freebsd && !linux && !windows

package loader

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("dynamic loading is not supported on " + runtime.GOOS)

func openLibrary(string) (uintptr, error) { return 0, errUnsupported }

func lookup(uintptr, string) (uintptr, error) { return 0, errUnsupported }

func closeLibrary(uintptr) error { return nil }

func register(any, uintptr) error { return errUnsupported }
