// Package faults defines the error categories surfaced by pipeline stages.
//
// Three categories exist. Config errors are raised before expensive work starts.
// Resource errors carry the stage and model that ran out of device memory.
// Everything else is a collaborator error and is passed through unchanged.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// configError reports an invalid option or option combination.
type configError struct {
	field string
	msg   string
	err   error
}

func (e *configError) Error() string {
	if e.field == "" {
		return "invalid config: " + e.msg
	}
	return fmt.Sprintf("invalid config: %s: %s", e.field, e.msg)
}

// Config constructs a configuration error for field.
func Config(field, msg string) error { return &configError{field: field, msg: msg} }

func (e *configError) Unwrap() error { return e.err }

// ConfigWrap reports err as a configuration error for field and keeps it
// reachable through errors.Is.
func ConfigWrap(field string, err error) error {
	return &configError{field: field, msg: err.Error(), err: err}
}

// Configf is Config with formatting.
func Configf(field, format string, args ...any) error {
	return &configError{field: field, msg: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err (or anything it wraps) is a configuration error.
func IsConfig(err error) bool {
	var ce *configError
	return errors.As(err, &ce)
}

// ConfigField returns the offending field of a configuration error, if any.
func ConfigField(err error) string {
	var ce *configError
	if errors.As(err, &ce) {
		return ce.field
	}
	return ""
}

// ResourceError signals device or host memory exhaustion during a stage.
type ResourceError struct {
	Stage   string
	ModelID string
	Err     error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("insufficient resources in stage %s (model %s): %v", e.Stage, e.ModelID, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Resource wraps err as a resource error attributed to stage and modelID.
func Resource(stage, modelID string, err error) error {
	return &ResourceError{Stage: stage, ModelID: modelID, Err: err}
}

// IsResource reports whether err is a resource error.
func IsResource(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

// dependencyUnavailableError signals a missing runtime dependency such as a
// binary not on PATH or a backend compiled out of this build.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// DependencyUnavailable constructs a dependency-unavailable error.
func DependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}

// StageError attaches the stage name to a collaborator error without hiding it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the innermost stage recorded on err, or "".
func StageOf(err error) string {
	var re *ResourceError
	if errors.As(err, &re) {
		return re.Stage
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

var oomSignatures = []string{
	"out of memory",
	"cudamalloc failed",
	"failed to allocate",
	"cuda_error_out_of_memory",
	"insufficient memory",
}

// Classify attributes err to stage. Known out-of-memory failures become
// resource errors; config and resource errors are returned as is; anything
// else is wrapped in a StageError so errors.Is still reaches the original.
func Classify(stage, modelID string, err error) error {
	if err == nil {
		return nil
	}
	if IsConfig(err) || IsResource(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range oomSignatures {
		if strings.Contains(msg, sig) {
			return Resource(stage, modelID, err)
		}
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}
