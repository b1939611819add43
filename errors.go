package nativedep

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by the pipeline matches exactly one of
// these with errors.Is, so callers can pick a remedy without parsing text.
var (
	ErrLocalSourceInvalid  = errors.New("local source invalid")
	ErrNetworkFailure      = errors.New("network failure")
	ErrArchiveCorrupt      = errors.New("archive corrupt")
	ErrExtractionFailure   = errors.New("extraction failure")
	ErrNativeBuildFailure  = errors.New("native build failure")
	ErrHeaderParseFailure  = errors.New("header parse failure")
	ErrArtifactCopyFailure = errors.New("artifact copy failure")
)

// Stage names used in errors, logs and trace spans.
const (
	StageLocate    = "locate"
	StageFetch     = "fetch"
	StageBuild     = "build"
	StageBindgen   = "bindgen"
	StageArtifacts = "artifacts"
)

// StageError reports which pipeline stage and which operation failed.
//
// It unwraps to both Kind and Err:
//
//	if errors.Is(err, nativedep.ErrNetworkFailure) { ... }
type StageError struct {
	Stage string // Pipeline stage (fetch, build, ...)
	Op    string // Operation that failed, e.g. "GET https://..."
	Kind  error  // One of the Err* sentinels
	Err   error  // Underlying cause
}

func (e *StageError) Error() string {
	msg := e.Stage
	if e.Op != "" {
		msg += ": " + e.Op
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the failure kind and the cause.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func stageError(stage string, kind error, err error, op string, args ...any) *StageError {
	if len(args) > 0 {
		op = fmt.Sprintf(op, args...)
	}
	return &StageError{Stage: stage, Op: op, Kind: kind, Err: err}
}

// StageOf returns the stage recorded in err, or "" when err carries none.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
