package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Postgres is the production Store, backed by PostgreSQL with the pgvector
// extension. Chunk embeddings live in a vector column under an HNSW cosine
// index; document metadata lives in JSONB so filters push down into the same
// statement as the ANN scan.
//
// Per-document write serialization uses a transaction-scoped advisory lock on
// the external ID: concurrent writers to different documents proceed in
// parallel, concurrent writers to the same document queue behind each other
// and the last commit wins.
type Postgres struct {
	pool      *pgxpool.Pool
	dimension int
	logger    *slog.Logger
}

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	// ConnString is a pgx connection string or postgres:// URL.
	ConnString string

	// Dimension is the embedding dimensionality the store enforces.
	// It must match the vector column declared by the schema migrations;
	// a mismatch is a fatal configuration error.
	Dimension int
}

// NewPostgres connects to the database and verifies that the configured
// dimensionality matches the migrated schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", cfg.Dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := verifySchemaDimension(ctx, pool, cfg.Dimension); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{
		pool:      pool,
		dimension: cfg.Dimension,
		logger:    logger,
	}, nil
}

// verifySchemaDimension compares the configured dimensionality against the
// vector column declared by the migrations. For pgvector columns the
// dimension is stored directly in atttypmod.
func verifySchemaDimension(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	var typmod int
	err := pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'`,
	).Scan(&typmod)
	if err != nil {
		return fmt.Errorf("failed to inspect chunks.embedding column (are migrations applied?): %w", err)
	}
	if typmod != dimension {
		return fmt.Errorf("schema declares vector(%d) but store is configured for %d dimensions: %w",
			typmod, dimension, ErrDimensionMismatch)
	}
	return nil
}

// Insert implements Store.
func (p *Postgres) Insert(ctx context.Context, doc Document, chunks []Chunk) error {
	if err := validateChunkSet(chunks, p.dimension); err != nil {
		return err
	}

	return p.withDocumentLock(ctx, doc.ExternalID, func(tx pgx.Tx) error {
		var existing string
		err := tx.QueryRow(ctx,
			`SELECT id FROM documents WHERE external_id = $1`, doc.ExternalID,
		).Scan(&existing)
		switch {
		case err == nil:
			return fmt.Errorf("external id %q: %w", doc.ExternalID, ErrDuplicateDocument)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("failed to check for existing document: %w", err)
		}

		return p.commitDocument(ctx, tx, doc, chunks, time.Time{})
	})
}

// Replace implements Store.
func (p *Postgres) Replace(ctx context.Context, externalID string, doc Document, chunks []Chunk) error {
	if err := validateChunkSet(chunks, p.dimension); err != nil {
		return err
	}

	return p.withDocumentLock(ctx, externalID, func(tx pgx.Tx) error {
		// The old row and its chunks go away inside the same transaction the
		// new set arrives in; readers see one version or the other, never a mix.
		var createdAt time.Time
		err := tx.QueryRow(ctx,
			`DELETE FROM documents WHERE external_id = $1 RETURNING created_at`, externalID,
		).Scan(&createdAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to delete previous version: %w", err)
		}

		doc.ExternalID = externalID
		return p.commitDocument(ctx, tx, doc, chunks, createdAt)
	})
}

// commitDocument inserts the document row and bulk-copies its chunks within
// the caller's transaction. A non-zero prevCreatedAt preserves the original
// ingestion time across a replace.
func (p *Postgres) commitDocument(ctx context.Context, tx pgx.Tx, doc Document, chunks []Chunk, prevCreatedAt time.Time) error {
	now := time.Now().UTC()
	prepareCommit(&doc, chunks, now)
	if !prevCreatedAt.IsZero() {
		doc.CreatedAt = prevCreatedAt
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal document metadata: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, external_id, content, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		doc.ID, doc.ExternalID, doc.Content, metadataJSON, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document %q: %w", doc.ExternalID, err)
	}

	if len(chunks) == 0 {
		return nil
	}

	rows := make([][]any, len(chunks))
	for i, c := range chunks {
		chunkMeta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk %d metadata: %w", c.Ordinal, err)
		}
		rows[i] = []any{
			c.ID, c.DocumentID, c.Ordinal, c.Content, c.Kind,
			c.WordCount, c.CharCount, pgvector.NewVector(c.Embedding), chunkMeta,
		}
	}

	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{"chunks"},
		[]string{"id", "document_id", "ordinal", "content", "kind", "word_count", "char_count", "embedding", "metadata"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy chunks for %q: %w", doc.ExternalID, err)
	}
	if copied != int64(len(chunks)) {
		return fmt.Errorf("copied %d of %d chunks for %q", copied, len(chunks), doc.ExternalID)
	}

	p.logger.Debug("committed document",
		"external_id", doc.ExternalID, "chunks", len(chunks))
	return nil
}

// withDocumentLock runs fn inside a transaction holding the advisory lock for
// the external ID. The lock releases automatically at commit or rollback.
func (p *Postgres) withDocumentLock(ctx context.Context, externalID string, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				p.logger.Warn("transaction rollback failed", "error", rbErr)
			}
		}
	}()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, externalID); err != nil {
		return fmt.Errorf("failed to acquire document lock: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	committed = true
	return nil
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, externalID string) error {
	return p.withDocumentLock(ctx, externalID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE external_id = $1`, externalID)
		if err != nil {
			return fmt.Errorf("failed to delete document %q: %w", externalID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("external id %q: %w", externalID, ErrNotFound)
		}
		return nil
	})
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, externalID string) (Document, error) {
	var (
		doc          Document
		metadataJSON []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT d.id, d.external_id, d.content, d.metadata, d.created_at, d.updated_at,
		        (SELECT count(*) FROM chunks c WHERE c.document_id = d.id)
		 FROM documents d WHERE d.external_id = $1`, externalID,
	).Scan(&doc.ID, &doc.ExternalID, &doc.Content, &metadataJSON,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.ChunkCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, fmt.Errorf("external id %q: %w", externalID, ErrNotFound)
		}
		return Document{}, fmt.Errorf("failed to get document %q: %w", externalID, err)
	}

	if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
		return Document{}, fmt.Errorf("failed to parse metadata for %q: %w", externalID, err)
	}
	return doc, nil
}

// List implements Store.
func (p *Postgres) List(ctx context.Context, filter Filter, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}

	where, args := filterConditions(filter, 1)
	query := `SELECT d.id, d.external_id, d.metadata, d.created_at, d.updated_at,
	                 (SELECT count(*) FROM chunks c WHERE c.document_id = d.id)
	          FROM documents d` + where +
		fmt.Sprintf(` ORDER BY d.created_at DESC, d.external_id ASC LIMIT $%d OFFSET $%d`,
			len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc          Document
			metadataJSON []byte
		)
		if err := rows.Scan(&doc.ID, &doc.ExternalID, &metadataJSON,
			&doc.CreatedAt, &doc.UpdatedAt, &doc.ChunkCount); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			p.logger.Warn("failed to parse document metadata", "external_id", doc.ExternalID, "error", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate document rows: %w", err)
	}
	return docs, nil
}

// UpdateMetadata implements Store.
func (p *Postgres) UpdateMetadata(ctx context.Context, externalID string, md Metadata) error {
	metadataJSON, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET metadata = $2, updated_at = now() WHERE external_id = $1`,
		externalID, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to update metadata for %q: %w", externalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("external id %q: %w", externalID, ErrNotFound)
	}
	return nil
}

// Count implements Store.
func (p *Postgres) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filterConditions(filter, 1)
	var count int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM documents d`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return count, nil
}

// CountChunks implements Store.
func (p *Postgres) CountChunks(ctx context.Context) (int, error) {
	var count int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("chunk count failed: %w", err)
	}
	return count, nil
}

// Search implements Store. The metadata filter is pushed into the same
// statement as the ANN scan (JSONB containment on the documents side), so
// excluded chunks never consume result slots.
//
// pgvector's <=> operator is cosine distance; similarity is 1 - distance.
// Ordering by distance then chunk ID gives descending similarity with
// deterministic tie-breaks.
func (p *Postgres) Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Result, error) {
	if len(vector) != p.dimension {
		return nil, fmt.Errorf("query vector has %d dimensions, store expects %d: %w",
			len(vector), p.dimension, ErrDimensionMismatch)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	where, args := filterConditions(filter, 2)
	query := fmt.Sprintf(
		`SELECT c.id, c.document_id, c.ordinal, c.content, c.kind,
		        c.word_count, c.char_count, c.metadata,
		        d.external_id, d.metadata, d.created_at, d.updated_at,
		        (1 - (c.embedding <=> $1))::float4 AS similarity
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 %s
		 ORDER BY c.embedding <=> $1, c.id ASC
		 LIMIT $%d`, where, len(args)+2)
	args = append([]any{pgvector.NewVector(vector)}, args...)
	args = append(args, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r           Result
			chunkMeta   []byte
			docMetaJSON []byte
		)
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Ordinal,
			&r.Chunk.Content, &r.Chunk.Kind, &r.Chunk.WordCount, &r.Chunk.CharCount,
			&chunkMeta, &r.Document.ExternalID, &docMetaJSON,
			&r.Document.CreatedAt, &r.Document.UpdatedAt, &r.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		r.Document.ID = r.Chunk.DocumentID
		if len(chunkMeta) > 0 {
			if err := json.Unmarshal(chunkMeta, &r.Chunk.Metadata); err != nil {
				p.logger.Warn("failed to parse chunk metadata", "chunk_id", r.Chunk.ID, "error", err)
			}
		}
		if err := json.Unmarshal(docMetaJSON, &r.Document.Metadata); err != nil {
			p.logger.Warn("failed to parse document metadata", "external_id", r.Document.ExternalID, "error", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search rows: %w", err)
	}
	return results, nil
}

// Dimension implements Store.
func (p *Postgres) Dimension() int { return p.dimension }

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// filterConditions renders the filter as a SQL WHERE clause over the
// documents table (aliased d), with parameters numbered from firstArg.
// Returns an empty clause when the filter is zero.
func filterConditions(f Filter, firstArg int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", firstArg+len(args)-1)
	}

	if c := f.containment(); c != nil {
		conds = append(conds, "d.metadata @> "+arg(c))
	}
	if f.ExternalID != "" {
		conds = append(conds, "d.external_id = "+arg(f.ExternalID))
	}
	if !f.After.IsZero() {
		conds = append(conds, "d.created_at >= "+arg(f.After))
	}
	if !f.Before.IsZero() {
		conds = append(conds, "d.created_at < "+arg(f.Before))
	}

	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

// prepareCommit assigns internal identifiers and timestamps immediately
// before a commit. Chunk IDs embed the document UUID and a zero-padded
// ordinal so lexicographic order matches ordinal order within a document.
func prepareCommit(doc *Document, chunks []Chunk, now time.Time) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	for i := range chunks {
		chunks[i].DocumentID = doc.ID
		chunks[i].ID = fmt.Sprintf("%s:%05d", doc.ID, chunks[i].Ordinal)
	}
}
