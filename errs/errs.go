// Package errs holds the error kinds shared by the tiling, inference and merge stages.
package errs

import (
	"errors"
	"fmt"
	"image"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrModelLoad            = errors.New("model load failed")
	ErrModelNotFound        = errors.New("model not found")
	ErrMalformedModel       = errors.New("malformed model")
	ErrResourceExhausted    = errors.New("resource exhausted")
	ErrTilePrediction       = errors.New("tile prediction failed")
	ErrShapeMismatch        = errors.New("shape mismatch")
	ErrMergeInconsistency   = errors.New("merge inconsistency")
	ErrCancelled            = errors.New("run cancelled")
)

// Invalid wraps a configuration problem found before any work starts.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// ModelNotFound is fatal for the whole run; errors.Is matches both ErrModelLoad and ErrModelNotFound.
func ModelNotFound(path string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %w: %s: %w", ErrModelLoad, ErrModelNotFound, path, cause)
	}
	return fmt.Errorf("%w: %w: %s", ErrModelLoad, ErrModelNotFound, path)
}

// MalformedModel is fatal for the whole run; errors.Is matches both ErrModelLoad and ErrMalformedModel.
func MalformedModel(path string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %w: %s: %w", ErrModelLoad, ErrMalformedModel, path, cause)
	}
	return fmt.Errorf("%w: %w: %s", ErrModelLoad, ErrMalformedModel, path)
}

func ShapeMismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShapeMismatch, fmt.Sprintf(format, args...))
}

// TileError scopes a failure to one tile. The run still aborts, the location is kept for diagnostics.
type TileError struct {
	Index  int
	Col    int
	Row    int
	Bounds image.Rectangle
	Err    error
}

func (e *TileError) Error() string {
	return fmt.Sprintf("tile %d (col %d, row %d, bounds %v): %v", e.Index, e.Col, e.Row, e.Bounds, e.Err)
}

func (e *TileError) Unwrap() error {
	return e.Err
}

// Is makes every TileError match ErrTilePrediction, including shape mismatches.
func (e *TileError) Is(target error) bool {
	return target == ErrTilePrediction
}

// Fatal reports whether err must abort a run. Merge inconsistencies never do.
func Fatal(err error) bool {
	return err != nil && !errors.Is(err, ErrMergeInconsistency)
}
