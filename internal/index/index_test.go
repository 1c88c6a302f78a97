package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/voicekb/internal/apperr"
)

func doc(n int, vecs ...[]float32) []Entry {
	out := make([]Entry, len(vecs))
	for i, v := range vecs {
		out[i] = Entry{ChunkID: fmt.Sprintf("d%d-c%d", n, i), Vector: v}
	}
	return out
}

func TestQuery_OrderedAndBounded(t *testing.T) {
	ix := New(0)
	require.NoError(t, ix.InsertDocument("kb1", "d1", doc(1,
		[]float32{1, 0},
		[]float32{0, 1},
		[]float32{1, 1},
		[]float32{-1, 0},
	)))

	for _, k := range []int{1, 2, 3, 4, 10} {
		hits, err := ix.Query("kb1", []float32{1, 0}, k)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(hits), k)
		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
		}
	}

	hits, err := ix.Query("kb1", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 4)
	assert.Equal(t, "d1-c0", hits[0].ChunkID)
	assert.Equal(t, "d1", hits[0].DocumentID)
	assert.Equal(t, "d1", hits[0].Metadata[MetaDocID])
	assert.Equal(t, "d1-c3", hits[3].ChunkID)
}

func TestQuery_TiesKeepInsertionOrder(t *testing.T) {
	ix := New(2)
	require.NoError(t, ix.Insert("kb", "a", []float32{1, 0}, Metadata{MetaDocID: "d"}))
	require.NoError(t, ix.Insert("kb", "b", []float32{2, 0}, Metadata{MetaDocID: "d"}))
	require.NoError(t, ix.Insert("kb", "c", []float32{3, 0}, Metadata{MetaDocID: "d"}))

	hits, err := ix.Query("kb", []float32{1, 0}, 3)
	require.NoError(t, err)
	ids := []string{hits[0].ChunkID, hits[1].ChunkID, hits[2].ChunkID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestQuery_EdgeCases(t *testing.T) {
	ix := New(0)
	hits, err := ix.Query("missing", []float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, ix.Insert("kb", "c1", []float32{1, 0, 0}, nil))
	hits, err = ix.Query("kb", []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = ix.Query("kb", []float32{1, 0}, 1)
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
}

func TestQuery_PartitionsAreIsolated(t *testing.T) {
	ix := New(0)
	require.NoError(t, ix.InsertDocument("kbA", "dA", doc(1, []float32{1, 0})))
	require.NoError(t, ix.InsertDocument("kbB", "dB", doc(2, []float32{1, 0})))

	hits, err := ix.Query("kbA", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "dA", hits[0].DocumentID)
}

func TestInsert_DimensionMismatch(t *testing.T) {
	ix := New(3)
	err := ix.Insert("kb", "c1", []float32{1, 0}, nil)
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)

	ix = New(0)
	require.NoError(t, ix.Insert("kb", "c1", []float32{1, 0}, nil))
	assert.Equal(t, 2, ix.Dims())

	// A bad vector anywhere in a document rejects the whole document.
	err = ix.InsertDocument("kb", "d2", doc(2, []float32{1, 1}, []float32{1, 1, 1}))
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
	assert.Equal(t, 1, ix.Len("kb"))
}

func TestDeleteDocument_RemovesExactlyItsChunks(t *testing.T) {
	ix := New(0)
	require.NoError(t, ix.InsertDocument("kb", "d1", doc(1, []float32{1, 0}, []float32{0, 1})))
	require.NoError(t, ix.InsertDocument("kb", "d2", doc(2, []float32{1, 1}, []float32{1, 0}, []float32{0, 1})))

	n, err := ix.DeleteDocument("d1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, ix.Len("kb"))

	hits, err := ix.Query("kb", []float32{1, 0}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "d2", h.DocumentID)
	}

	n, err = ix.DeleteDocument("d1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDropKnowledgeBase(t *testing.T) {
	ix := New(0)
	require.NoError(t, ix.InsertDocument("kb", "d1", doc(1, []float32{1, 0}, []float32{0, 1})))
	require.NoError(t, ix.InsertDocument("other", "d2", doc(2, []float32{1, 1})))
	assert.Equal(t, 3, ix.Size())
	assert.Equal(t, 2, ix.DropKnowledgeBase("kb"))
	assert.Zero(t, ix.Len("kb"))
	assert.Equal(t, 1, ix.Size())
	n, _ := ix.DeleteDocument("d1")
	assert.Zero(t, n)
}

func TestConcurrentInsertDeleteIsAtomic(t *testing.T) {
	const chunksPerDoc = 8
	ix := New(2)
	vecs := make([][]float32, chunksPerDoc)
	for i := range vecs {
		vecs[i] = []float32{1, float32(i)}
	}

	var reader, writers sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 1)
	report := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	reader.Add(1)
	go func() {
		defer reader.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			hits, err := ix.Query("kb", []float32{1, 0}, 1000)
			if err != nil {
				report(err)
				return
			}
			counts := map[string]int{}
			for _, h := range hits {
				counts[h.DocumentID]++
			}
			for d, c := range counts {
				if c != chunksPerDoc {
					report(fmt.Errorf("document %s partially visible: %d chunks", d, c))
					return
				}
			}
		}
	}()

	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			for i := 0; i < 50; i++ {
				docID := fmt.Sprintf("w%d-d%d", w, i)
				entries := make([]Entry, chunksPerDoc)
				for j := range entries {
					entries[j] = Entry{ChunkID: fmt.Sprintf("%s-c%d", docID, j), Vector: vecs[j]}
				}
				if err := ix.InsertDocument("kb", docID, entries); err != nil {
					report(err)
					return
				}
				if i%2 == 0 {
					if _, err := ix.DeleteDocument(docID); err != nil {
						report(err)
						return
					}
				}
			}
		}(w)
	}

	writers.Wait()
	close(stop)
	reader.Wait()

	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
	assert.Equal(t, 4*25*chunksPerDoc, ix.Len("kb"))
}
