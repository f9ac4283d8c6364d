package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store backed by a brute-force cosine scan.
// It exists for tests and for embedded use without a database; semantics
// match the Postgres backend exactly.
//
// Writes take an exclusive lock, which trivially satisfies the per-document
// serialization invariant. Reads share a lock and always observe fully
// committed documents.
type Memory struct {
	mu        sync.RWMutex
	dimension int
	docs      map[string]*memoryEntry // keyed by external ID
}

type memoryEntry struct {
	doc    Document
	chunks []Chunk
}

// NewMemory creates an empty in-memory store enforcing the given embedding
// dimensionality.
func NewMemory(dimension int) (*Memory, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	return &Memory{
		dimension: dimension,
		docs:      make(map[string]*memoryEntry),
	}, nil
}

// Insert implements Store.
func (m *Memory) Insert(ctx context.Context, doc Document, chunks []Chunk) error {
	if err := validateChunkSet(chunks, m.dimension); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[doc.ExternalID]; exists {
		return fmt.Errorf("external id %q: %w", doc.ExternalID, ErrDuplicateDocument)
	}
	chunks = cloneChunks(chunks)
	prepareCommit(&doc, chunks, time.Now().UTC())
	m.docs[doc.ExternalID] = &memoryEntry{doc: doc, chunks: chunks}
	return nil
}

// Replace implements Store.
func (m *Memory) Replace(ctx context.Context, externalID string, doc Document, chunks []Chunk) error {
	if err := validateChunkSet(chunks, m.dimension); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Single map assignment under the write lock: the old chunk set and the
	// new one are never visible together.
	chunks = cloneChunks(chunks)
	doc.ExternalID = externalID
	prepareCommit(&doc, chunks, time.Now().UTC())
	if prev, exists := m.docs[externalID]; exists {
		doc.CreatedAt = prev.doc.CreatedAt
	}
	m.docs[externalID] = &memoryEntry{doc: doc, chunks: chunks}
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[externalID]; !exists {
		return fmt.Errorf("external id %q: %w", externalID, ErrNotFound)
	}
	delete(m.docs, externalID)
	return nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, externalID string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.docs[externalID]
	if !exists {
		return Document{}, fmt.Errorf("external id %q: %w", externalID, ErrNotFound)
	}
	doc := entry.doc
	doc.ChunkCount = len(entry.chunks)
	return doc, nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, filter Filter, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]Document, 0, len(m.docs))
	for _, entry := range m.docs {
		if !filter.matches(entry.doc) {
			continue
		}
		doc := entry.doc
		doc.ChunkCount = len(entry.chunks)
		matched = append(matched, doc)
	}

	// Newest first; external ID breaks creation-time ties so pagination
	// is stable across calls.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ExternalID < matched[j].ExternalID
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// UpdateMetadata implements Store.
func (m *Memory) UpdateMetadata(ctx context.Context, externalID string, md Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.docs[externalID]
	if !exists {
		return fmt.Errorf("external id %q: %w", externalID, ErrNotFound)
	}
	entry.doc.Metadata = md
	return nil
}

// Count implements Store.
func (m *Memory) Count(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, entry := range m.docs {
		if filter.matches(entry.doc) {
			count++
		}
	}
	return count, nil
}

// CountChunks implements Store.
func (m *Memory) CountChunks(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, entry := range m.docs {
		total += len(entry.chunks)
	}
	return total, nil
}

// Search implements Store. Post-filters on metadata since a brute-force scan
// has no index to push the predicate into.
func (m *Memory) Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Result, error) {
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("query vector has %d dimensions, store expects %d: %w",
			len(vector), m.dimension, ErrDimensionMismatch)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []Result
	for _, entry := range m.docs {
		if !filter.matches(entry.doc) {
			continue
		}
		doc := entry.doc
		doc.Content = ""
		doc.ChunkCount = len(entry.chunks)
		for _, c := range entry.chunks {
			results = append(results, Result{
				Chunk:      c,
				Document:   doc,
				Similarity: cosineSimilarity(vector, c.Embedding),
			})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

// Dimension implements Store.
func (m *Memory) Dimension() int { return m.dimension }

// Close implements Store.
func (*Memory) Close() error { return nil }

func cloneChunks(chunks []Chunk) []Chunk {
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	return out
}

// cosineSimilarity computes the cosine of the angle between a and b.
// Both vectors are expected to have equal length; a zero vector scores zero.
func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
