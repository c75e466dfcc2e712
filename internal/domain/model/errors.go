package model

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownLayer       = errors.New("unknown layer")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnsupportedCRS     = errors.New("unsupported crs")
)

// InvalidGeometryError means the parcel itself cannot be analysed.
type InvalidGeometryError struct {
	ParcelID string
	Reason   string
}

func (e *InvalidGeometryError) Error() string {
	if e.ParcelID != "" {
		return fmt.Sprintf("invalid parcel geometry (%s): %s", e.ParcelID, e.Reason)
	}
	return fmt.Sprintf("invalid parcel geometry: %s", e.Reason)
}

// ProviderError is a failure scoped to one layer: unreachable backend,
// malformed dataset or timeout.
type ProviderError struct {
	LayerID string
	Kind    SourceKind
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider failed for layer %s: %v", e.Kind, e.LayerID, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ClassificationFieldNotFoundError is non-fatal: the breakdown degrades to a
// single synthetic class.
type ClassificationFieldNotFoundError struct {
	LayerID string
	Field   string
}

func (e *ClassificationFieldNotFoundError) Error() string {
	return fmt.Sprintf("classification field %q not found in layer %s", e.Field, e.LayerID)
}
