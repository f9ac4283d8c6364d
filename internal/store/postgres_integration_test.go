package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpushq/corpus/internal/log"
	"github.com/corpushq/corpus/internal/store"
	"github.com/corpushq/corpus/internal/testutil"
)

const schemaDim = 768

// unitVec returns a unit vector along the given axis, for building queries
// with known cosine similarities.
func unitVec(axis int) []float32 {
	v := make([]float32, schemaDim)
	v[axis] = 1
	return v
}

func chunksAlong(axes ...int) []store.Chunk {
	chunks := make([]store.Chunk, len(axes))
	for i, axis := range axes {
		chunks[i] = store.Chunk{
			Ordinal:   i,
			Content:   "chunk content",
			Kind:      store.KindText,
			WordCount: 2,
			CharCount: 13,
			Embedding: unitVec(axis),
		}
	}
	return chunks
}

func newTestStore(t *testing.T) *store.Postgres {
	t.Helper()

	container, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	pg, err := store.NewPostgres(context.Background(), store.PostgresConfig{
		ConnString: container.ConnStr,
		Dimension:  schemaDim,
	}, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })
	return pg
}

func TestPostgres_InsertGet_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := newTestStore(t)
	ctx := context.Background()

	doc := store.Document{
		ExternalID: "doc-1",
		Content:    "chunk content chunk content",
		Metadata: store.Metadata{
			Category:   "notes",
			SourceType: "markdown",
			Author:     "kim",
			Tags:       map[string]string{"lang": "go"},
		},
	}
	require.NoError(t, pg.Insert(ctx, doc, chunksAlong(0, 1)))

	got, err := pg.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, 2, got.ChunkCount)
	assert.Equal(t, "notes", got.Metadata.Category)
	assert.Equal(t, "go", got.Metadata.Tags["lang"])
	assert.False(t, got.CreatedAt.IsZero())

	_, err = pg.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = pg.Insert(ctx, doc, chunksAlong(0))
	assert.ErrorIs(t, err, store.ErrDuplicateDocument)
}

func TestPostgres_Replace_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := newTestStore(t)
	ctx := context.Background()

	doc := store.Document{ExternalID: "doc-1", Content: "v1"}
	require.NoError(t, pg.Replace(ctx, "doc-1", doc, chunksAlong(0, 1, 2)))
	first, err := pg.Get(ctx, "doc-1")
	require.NoError(t, err)

	doc.Content = "v2"
	require.NoError(t, pg.Replace(ctx, "doc-1", doc, chunksAlong(3)))

	second, err := pg.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.ChunkCount)
	assert.Equal(t, "v2", second.Content)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt),
		"replace must preserve creation time")

	total, err := pg.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "old chunk set must be fully removed")
}

func TestPostgres_ConcurrentReplace_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := newTestStore(t)
	ctx := context.Background()

	// Writers to the same external ID serialize on the advisory lock; the
	// surviving state must be one writer's complete chunk set, never a mix.
	var wg sync.WaitGroup
	sizes := []int{1, 2, 3, 4}
	for _, n := range sizes {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			axes := make([]int, n)
			for i := range axes {
				axes[i] = i
			}
			doc := store.Document{ExternalID: "contested", Content: "body"}
			assert.NoError(t, pg.Replace(ctx, "contested", doc, chunksAlong(axes...)))
		}(n)
	}
	wg.Wait()

	got, err := pg.Get(ctx, "contested")
	require.NoError(t, err)
	assert.Contains(t, sizes, got.ChunkCount)

	total, err := pg.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, got.ChunkCount, total)
}

func TestPostgres_Delete_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := newTestStore(t)
	ctx := context.Background()

	doc := store.Document{ExternalID: "doc-1"}
	require.NoError(t, pg.Insert(ctx, doc, chunksAlong(0, 1)))
	require.NoError(t, pg.Delete(ctx, "doc-1"))

	_, err := pg.Get(ctx, "doc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	total, err := pg.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, total, "chunks must cascade with their document")

	results, err := pg.Search(ctx, unitVec(0), store.Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.ErrorIs(t, pg.Delete(ctx, "doc-1"), store.ErrNotFound)
}

func TestPostgres_Search_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := newTestStore(t)
	ctx := context.Background()

	goDoc := store.Document{
		ExternalID: "go-doc",
		Content:    "secret body",
		Metadata:   store.Metadata{Category: "go"},
	}
	require.NoError(t, pg.Insert(ctx, goDoc, chunksAlong(0, 1)))

	pyDoc := store.Document{
		ExternalID: "py-doc",
		Metadata:   store.Metadata{Category: "python"},
	}
	require.NoError(t, pg.Insert(ctx, pyDoc, chunksAlong(0)))

	results, err := pg.Search(ctx, unitVec(0), store.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// The two axis-0 chunks score ~1, the axis-1 chunk ~0, and scores
	// never increase down the list.
	assert.InDelta(t, 1.0, float64(results[0].Similarity), 1e-3)
	assert.InDelta(t, 1.0, float64(results[1].Similarity), 1e-3)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Similarity, results[i-1].Similarity)
	}
	assert.Empty(t, results[0].Document.Content,
		"search results must not carry document content")

	filtered, err := pg.Search(ctx, unitVec(0), store.Filter{Category: "go"}, 10)
	require.NoError(t, err)
	for _, r := range filtered {
		assert.Equal(t, "go-doc", r.Document.ExternalID)
	}
	assert.Len(t, filtered, 2)

	limited, err := pg.Search(ctx, unitVec(0), store.Filter{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = pg.Search(ctx, []float32{1, 0}, store.Filter{}, 10)
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)
}

func TestPostgres_ListCount_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := newTestStore(t)
	ctx := context.Background()

	for _, d := range []store.Document{
		{ExternalID: "a", Metadata: store.Metadata{Category: "notes", Author: "kim"}},
		{ExternalID: "b", Metadata: store.Metadata{Category: "notes", Author: "lee"}},
		{ExternalID: "c", Metadata: store.Metadata{Category: "talks", Author: "kim"}},
	} {
		require.NoError(t, pg.Insert(ctx, d, chunksAlong(0)))
	}

	n, err := pg.Count(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = pg.Count(ctx, store.Filter{Category: "notes"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = pg.Count(ctx, store.Filter{Author: "kim", Category: "talks"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page1, err := pg.List(ctx, store.Filter{}, 2, 0)
	require.NoError(t, err)
	page2, err := pg.List(ctx, store.Filter{}, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page1, 2)
	assert.Len(t, page2, 1)

	seen := map[string]bool{}
	for _, d := range append(page1, page2...) {
		seen[d.ExternalID] = true
	}
	assert.Len(t, seen, 3, "pagination must neither lose nor duplicate documents")
}

func TestPostgres_UpdateMetadata_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := newTestStore(t)
	ctx := context.Background()

	doc := store.Document{ExternalID: "doc-1", Metadata: store.Metadata{Category: "old"}}
	require.NoError(t, pg.Insert(ctx, doc, chunksAlong(0)))

	md := store.Metadata{Category: "new", Tags: map[string]string{"reviewed": "yes"}}
	require.NoError(t, pg.UpdateMetadata(ctx, "doc-1", md))

	got, err := pg.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Metadata.Category)
	assert.Equal(t, "yes", got.Metadata.Tags["reviewed"])

	n, err := pg.Count(ctx, store.Filter{Tags: map[string]string{"reviewed": "yes"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, pg.UpdateMetadata(ctx, "missing", md), store.ErrNotFound)
}

func TestPostgres_DimensionVerification_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	container, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	_, err := store.NewPostgres(context.Background(), store.PostgresConfig{
		ConnString: container.ConnStr,
		Dimension:  512,
	}, log.NewNop())
	assert.ErrorIs(t, err, store.ErrDimensionMismatch,
		"store must refuse a schema declaring a different vector dimension")
}
