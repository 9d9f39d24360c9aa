package port

import (
	"errors"
	"fmt"
)

// Sentinel errors used across ports.
var (
	// ErrValidation marks bad caller input: empty query, non-positive k, malformed payload.
	ErrValidation = errors.New("validation error")
	// ErrInvalidK is returned for k <= 0. It is also a validation error.
	ErrInvalidK = fmt.Errorf("%w: k must be positive", ErrValidation)

	// ErrResource marks a backing resource that failed to load. Fatal at startup.
	ErrResource = errors.New("resource error")
	// ErrModelUnavailable is returned when an embedding model cannot be resolved.
	ErrModelUnavailable = fmt.Errorf("%w: model unavailable", ErrResource)
	// ErrEncoding is returned when a text cannot be embedded.
	ErrEncoding = errors.New("encoding failure")

	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrEmptyIndex        = errors.New("empty index")
	ErrPersistence       = errors.New("persistence error")

	// ErrRetrieval wraps any failure surfaced through the retrieval pipeline.
	ErrRetrieval = errors.New("retrieval error")
	// ErrGeneration wraps failures of the text generation backend.
	ErrGeneration = errors.New("generation error")
	// ErrNoContext is returned when grounding is required and nothing was retrieved.
	ErrNoContext = errors.New("no relevant context found")
)

// DimensionError carries the expected and actual vector dimensions.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// Is reports DimensionError as ErrDimensionMismatch.
func (e *DimensionError) Is(target error) bool {
	return target == ErrDimensionMismatch
}
