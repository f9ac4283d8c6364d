// Package store provides durable, indexed storage of documents and their
// chunk embeddings, and the cosine similarity index over them.
//
// Two backends implement the same contract: Postgres (pgvector, production)
// and Memory (brute-force, tests and embedded use). Both guarantee:
//
//   - a document and its chunks commit as one atomic unit; search never
//     observes a partially committed document
//   - no chunk outlives its document (delete cascades)
//   - (document, ordinal) is unique and ordinals are contiguous from zero
//   - every stored embedding has the store's configured dimensionality
//   - writes to the same external ID are serialized, last commit wins
package store

import "context"

// Store is the persistence contract of the retrieval pipeline.
// Implementations are safe for concurrent use by multiple goroutines.
type Store interface {
	// Insert commits a document and all its chunks as a single atomic unit.
	// Fails with ErrDuplicateDocument if the external ID already exists.
	Insert(ctx context.Context, doc Document, chunks []Chunk) error

	// Replace atomically removes the existing chunk set for the external ID
	// (if present) and commits the new document and chunks in its place.
	// Replacing an absent document behaves like Insert.
	Replace(ctx context.Context, externalID string, doc Document, chunks []Chunk) error

	// Delete removes the document and cascades to all its chunks.
	// Returns ErrNotFound for an unknown external ID.
	Delete(ctx context.Context, externalID string) error

	// Get returns the document for the external ID, without its chunks.
	Get(ctx context.Context, externalID string) (Document, error)

	// List returns documents matching the filter, newest first,
	// starting at offset and returning at most limit entries.
	List(ctx context.Context, filter Filter, limit, offset int) ([]Document, error)

	// UpdateMetadata replaces a committed document's metadata without
	// touching its content, chunks or embeddings.
	UpdateMetadata(ctx context.Context, externalID string, md Metadata) error

	// Count returns the number of documents matching the filter.
	Count(ctx context.Context, filter Filter) (int, error)

	// CountChunks returns the total number of stored chunks.
	CountChunks(ctx context.Context) (int, error)

	// Search returns the chunks nearest to the query vector by cosine
	// distance, restricted to documents matching the filter, ordered by
	// descending similarity with ties broken by ascending chunk ID.
	Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Result, error)

	// Dimension returns the embedding dimensionality this store enforces.
	Dimension() int

	// Close releases backend resources.
	Close() error
}
