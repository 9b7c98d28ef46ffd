package collection

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed collection.
var ErrClosed = errors.New("collection: closed")

// DimensionMismatchError rejects vectors whose length disagrees with
// the collection dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("collection: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// VectorNotAllowedError rejects vector writes to metadata-only
// collections.
type VectorNotAllowedError struct {
	Collection string
}

func (e *VectorNotAllowedError) Error() string {
	return fmt.Sprintf("collection %q is metadata-only and rejects vectors", e.Collection)
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Entity)
}

// Fusion parameter errors.
var (
	// ErrInvalidWeightSum rejects fusion weights not summing to 1.0
	// within the 0.001 tolerance.
	ErrInvalidWeightSum = errors.New("fusion: weights must sum to 1.0")
	// ErrNegativeWeight rejects negative fusion weights.
	ErrNegativeWeight = errors.New("fusion: weights must be non-negative")
)
