package store

import (
	"encoding/json"
	"time"
)

// Chunk structural type tags. Assigned by the chunker and preserved through
// storage so callers can distinguish prose from code or headings.
const (
	KindText    = "text"
	KindCode    = "code"
	KindHeading = "heading"
)

// Metadata carries the indexable attributes of a document plus a free-form
// extension map. Only the named fields participate in filter pushdown; Tags
// are stored and returned but matched exactly by key when filtered.
type Metadata struct {
	Category   string            `json:"category,omitempty"`
	SourceType string            `json:"source_type,omitempty"`
	Author     string            `json:"author,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Document represents one ingested source unit (a transcript, article, file).
// The store owns a Document and its chunk set once committed.
type Document struct {
	ID         string // internal row identifier (UUID)
	ExternalID string // caller-supplied stable identifier, unique per store
	Content    string // raw source text
	Metadata   Metadata
	ChunkCount int // populated on reads; ignored on writes
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chunk is a bounded span of a document's text, the unit of embedding and
// retrieval. Ordinals within a document are contiguous and start at zero.
type Chunk struct {
	ID         string // "<document UUID>:<zero-padded ordinal>"
	DocumentID string // owning document's internal ID
	Ordinal    int
	Content    string
	Kind       string // KindText, KindCode or KindHeading
	WordCount  int
	CharCount  int
	Embedding  []float32
	Metadata   map[string]string // chunk-level metadata (word offsets, time codes)
}

// Result is a single search hit: the matching chunk, its owning document's
// identity and metadata, and the cosine similarity score.
type Result struct {
	Chunk      Chunk
	Document   Document // Content omitted; metadata and identifiers only
	Similarity float32
}

// Filter is a metadata predicate over documents, applied to both list and
// search operations. Zero-valued fields are ignored.
type Filter struct {
	Category   string
	SourceType string
	Author     string
	ExternalID string
	After      time.Time // CreatedAt >= After
	Before     time.Time // CreatedAt < Before
	Tags       map[string]string
}

// IsZero reports whether the filter constrains nothing.
func (f Filter) IsZero() bool {
	return f.Category == "" && f.SourceType == "" && f.Author == "" &&
		f.ExternalID == "" && f.After.IsZero() && f.Before.IsZero() && len(f.Tags) == 0
}

// containment returns the JSONB containment document for the metadata
// fields of the filter, or nil when none are set. ExternalID and the time
// range are matched against columns, not metadata.
func (f Filter) containment() []byte {
	m := map[string]any{}
	if f.Category != "" {
		m["category"] = f.Category
	}
	if f.SourceType != "" {
		m["source_type"] = f.SourceType
	}
	if f.Author != "" {
		m["author"] = f.Author
	}
	if len(f.Tags) > 0 {
		m["tags"] = f.Tags
	}
	if len(m) == 0 {
		return nil
	}
	// Marshal of map[string]any with string/map values cannot fail.
	b, _ := json.Marshal(m)
	return b
}

// matches reports whether the document satisfies the filter.
// Used by the in-memory backend; the Postgres backend pushes the same
// predicate into SQL.
func (f Filter) matches(d Document) bool {
	if f.Category != "" && d.Metadata.Category != f.Category {
		return false
	}
	if f.SourceType != "" && d.Metadata.SourceType != f.SourceType {
		return false
	}
	if f.Author != "" && d.Metadata.Author != f.Author {
		return false
	}
	if f.ExternalID != "" && d.ExternalID != f.ExternalID {
		return false
	}
	if !f.After.IsZero() && d.CreatedAt.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && !d.CreatedAt.Before(f.Before) {
		return false
	}
	for k, v := range f.Tags {
		if d.Metadata.Tags[k] != v {
			return false
		}
	}
	return true
}
