package store

import "errors"

var (
	// ErrNotFound indicates the referenced external ID is unknown to the store.
	ErrNotFound = errors.New("document not found")

	// ErrDimensionMismatch indicates a chunk embedding whose length differs
	// from the store's configured dimensionality. This is a configuration
	// fault, never retried, and the offending write is rejected whole.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidChunkSet indicates a chunk set whose ordinals are not
	// contiguous from zero, or that references the wrong document.
	ErrInvalidChunkSet = errors.New("invalid chunk set")

	// ErrDuplicateDocument indicates an Insert for an external ID that
	// already exists. Re-ingestion must use Replace.
	ErrDuplicateDocument = errors.New("document already exists")
)

// validateChunkSet checks the ordinal and dimension invariants common to both
// backends before anything is persisted.
func validateChunkSet(chunks []Chunk, dimension int) error {
	for i, c := range chunks {
		if c.Ordinal != i {
			return ErrInvalidChunkSet
		}
		if len(c.Embedding) != dimension {
			return ErrDimensionMismatch
		}
	}
	return nil
}
