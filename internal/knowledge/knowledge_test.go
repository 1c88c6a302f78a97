package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/chunker"
	"github.com/rcliao/voicekb/internal/embedding"
	"github.com/rcliao/voicekb/internal/index"
	"github.com/rcliao/voicekb/internal/retrieval"
	"github.com/rcliao/voicekb/internal/store"
)

type fixture struct {
	svc   *Service
	store *store.SQLiteStore
	index *index.Index
	emb   embedding.Embedder
}

func newFixture(t *testing.T, emb embedding.Embedder, opts chunker.Options) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if emb == nil {
		emb = embedding.NewHashEmbedder(1024)
	}
	ix := index.New(emb.Dims())
	ret := retrieval.New(s, ix, emb, retrieval.DefaultConfig(), nil)
	return &fixture{svc: New(s, ix, emb, ret, opts, nil), store: s, index: ix, emb: emb}
}

func TestClinicScenario(t *testing.T) {
	f := newFixture(t, nil, chunker.Options{Size: 20, Overlap: 5})
	ctx := context.Background()

	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "clinic", "front desk")
	require.NoError(t, err)

	docID, err := f.svc.AddDocument(ctx, kb.ID, "The clinic opens at 9am and closes at 5pm.", map[string]string{"source": "faq"})
	require.NoError(t, err)
	assert.NotEmpty(t, docID)
	assert.Equal(t, 3, f.index.Len(kb.ID))

	snippets, err := f.svc.QueryKnowledge(ctx, kb.ID, "When does the clinic open?", 1)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Contains(t, snippets[0].Text, "9am")
	assert.Equal(t, "s at 9am and closes ", snippets[0].Text, "snippets are raw chunk windows")
	assert.Equal(t, docID, snippets[0].DocumentID)

	all, err := f.svc.QueryKnowledge(ctx, kb.ID, "When does the clinic open?", 3)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

type flakyEmbedder struct {
	embedding.Embedder
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, apperr.New(apperr.ProviderUnavailable, "embedding down")
	}
	return f.Embedder.Embed(ctx, text)
}

func TestAddDocument_RetriesTransientEmbeddingFailure(t *testing.T) {
	flaky := &flakyEmbedder{Embedder: embedding.NewHashEmbedder(1024), failures: 1}
	emb := embedding.WithRetry(flaky, embedding.RetryConfig{Attempts: 3, Delay: time.Millisecond})
	f := newFixture(t, emb, chunker.Options{Size: 20, Overlap: 5})
	ctx := context.Background()

	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "clinic", "")
	require.NoError(t, err)
	_, err = f.svc.AddDocument(ctx, kb.ID, "The clinic opens at 9am and closes at 5pm.", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, f.index.Len(kb.ID))
	assert.Equal(t, 4, flaky.calls)
}

func TestAddDocument_Errors(t *testing.T) {
	f := newFixture(t, nil, chunker.Options{Size: 20, Overlap: 5})
	ctx := context.Background()

	_, err := f.svc.AddDocument(ctx, "missing", "some text", nil)
	assert.ErrorIs(t, err, apperr.ErrKnowledgeBaseNotFound)

	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "kb", "")
	require.NoError(t, err)
	_, err = f.svc.AddDocument(ctx, kb.ID, "   ", nil)
	assert.ErrorIs(t, err, apperr.ErrDocumentProcessing)

	_, err = f.svc.CreateKnowledgeBase(ctx, "", "kb", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

type failingEmbedder struct{ dims int }

func (f failingEmbedder) Embed(context.Context, string) (embedding.Vector, error) {
	return nil, apperr.Wrap(apperr.ProviderUnavailable, errors.New("connection refused"), "embedder down")
}

func (f failingEmbedder) Dims() int { return f.dims }

func TestAddDocument_EmbedderFailureStoresNothing(t *testing.T) {
	f := newFixture(t, failingEmbedder{dims: 8}, chunker.Options{Size: 20, Overlap: 5})
	ctx := context.Background()
	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "kb", "")
	require.NoError(t, err)

	_, err = f.svc.AddDocument(ctx, kb.ID, "The clinic opens at 9am.", nil)
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)

	docs, err := f.svc.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Zero(t, f.index.Len(kb.ID))
}

type fixedEmbedder struct{ dims int }

func (f fixedEmbedder) Embed(context.Context, string) (embedding.Vector, error) {
	return make(embedding.Vector, f.dims), nil
}

func (f fixedEmbedder) Dims() int { return f.dims }

func TestAddDocument_DimensionMismatch(t *testing.T) {
	f := newFixture(t, fixedEmbedder{dims: 4}, chunker.DefaultOptions())
	ctx := context.Background()
	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "kb", "")
	require.NoError(t, err)

	// Same index, different embedder width.
	other := New(f.store, f.index, fixedEmbedder{dims: 6}, nil, chunker.DefaultOptions(), nil)
	_, err = other.AddDocument(ctx, kb.ID, "hello there", nil)
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)

	docs, err := f.svc.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t, nil, chunker.Options{Size: 20, Overlap: 5})
	ctx := context.Background()
	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "kb", "")
	require.NoError(t, err)

	keep, err := f.svc.AddDocument(ctx, kb.ID, "Parking is free on weekends.", nil)
	require.NoError(t, err)
	drop, err := f.svc.AddDocument(ctx, kb.ID, "The clinic opens at 9am and closes at 5pm.", nil)
	require.NoError(t, err)
	before := f.index.Len(kb.ID)

	n, err := f.svc.DeleteDocument(ctx, drop)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, before-3, f.index.Len(kb.ID))

	snippets, err := f.svc.QueryKnowledge(ctx, kb.ID, "clinic opens", 10)
	require.NoError(t, err)
	for _, s := range snippets {
		assert.Equal(t, keep, s.DocumentID)
	}

	_, err = f.svc.DeleteDocument(ctx, drop)
	assert.ErrorIs(t, err, apperr.ErrDocumentNotFound)
}

func TestDeleteKnowledgeBase(t *testing.T) {
	f := newFixture(t, nil, chunker.DefaultOptions())
	ctx := context.Background()
	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "kb", "")
	require.NoError(t, err)
	_, err = f.svc.AddDocument(ctx, kb.ID, "Parking is free.", nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteKnowledgeBase(ctx, kb.ID))
	assert.Zero(t, f.index.Len(kb.ID))

	_, err = f.svc.QueryKnowledge(ctx, kb.ID, "parking", 1)
	assert.ErrorIs(t, err, apperr.ErrKnowledgeBaseNotFound)
}

func TestQueryKnowledge_EmptyQuery(t *testing.T) {
	f := newFixture(t, nil, chunker.DefaultOptions())
	_, err := f.svc.QueryKnowledge(context.Background(), "kb", "  ", 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, nil, chunker.Options{Size: 20, Overlap: 5})
	ctx := context.Background()
	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "clinic", "")
	require.NoError(t, err)
	_, err = f.svc.AddDocument(ctx, kb.ID, "The clinic opens at 9am and closes at 5pm.", nil)
	require.NoError(t, err)

	// A fresh process: same store, empty index.
	ix := index.New(f.emb.Dims())
	ret := retrieval.New(f.store, ix, f.emb, retrieval.DefaultConfig(), nil)
	svc := New(f.store, ix, f.emb, ret, chunker.Options{Size: 20, Overlap: 5}, nil)

	restored, skipped, err := svc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, restored)
	assert.Zero(t, skipped)

	snippets, err := svc.QueryKnowledge(ctx, kb.ID, "When does the clinic open?", 1)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Contains(t, snippets[0].Text, "9am")

	// Vectors of another width are skipped.
	narrow := New(f.store, index.New(8), embedding.NewHashEmbedder(8), nil, chunker.DefaultOptions(), nil)
	restored, skipped, err = narrow.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, restored)
	assert.Equal(t, 3, skipped)
}

func TestSearchText(t *testing.T) {
	f := newFixture(t, nil, chunker.DefaultOptions())
	ctx := context.Background()
	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "kb", "")
	require.NoError(t, err)
	_, err = f.svc.AddDocument(ctx, kb.ID, "Flu shots are available on Tuesdays.", nil)
	require.NoError(t, err)

	chunks, err := f.svc.SearchText(ctx, kb.ID, "flu shots", 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "0", chunks[0].Metadata[MetaChunk])
}

func TestExportImport(t *testing.T) {
	f := newFixture(t, nil, chunker.DefaultOptions())
	ctx := context.Background()
	kb, err := f.svc.CreateKnowledgeBase(ctx, "u1", "clinic", "front desk")
	require.NoError(t, err)
	_, err = f.svc.AddDocument(ctx, kb.ID, "The clinic opens at 9am.", map[string]string{"source": "faq"})
	require.NoError(t, err)
	_, err = f.svc.AddDocument(ctx, kb.ID, "Parking is free.", nil)
	require.NoError(t, err)

	b, err := f.svc.Export(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, "clinic", b.Name)
	require.Len(t, b.Documents, 2)
	assert.Equal(t, "The clinic opens at 9am.", b.Documents[0].Text)
	assert.Equal(t, "faq", b.Documents[0].Metadata["source"])

	res, err := f.svc.Import(ctx, "u2", b)
	require.NoError(t, err)
	assert.NotEqual(t, kb.ID, res.KnowledgeBaseID)
	assert.Len(t, res.DocumentIDs, 2)
	assert.Zero(t, res.Failed)

	snippets, err := f.svc.QueryKnowledge(ctx, res.KnowledgeBaseID, "parking", 1)
	require.NoError(t, err)
	require.Len(t, snippets, 1)

	_, err = f.svc.Import(ctx, "u2", &Bundle{Version: 99})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
