package vectorstore

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// unit returns a normalized vector pointing mostly along axis i.
func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

// blend returns a normalized mix of two axes.
func blend(dim, a, b int, wa, wb float64) []float32 {
	v := make([]float32, dim)
	norm := math.Sqrt(wa*wa + wb*wb)
	v[a] = float32(wa / norm)
	v[b] = float32(wb / norm)
	return v
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestAddAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []Document{
		{ID: "a", Content: "alpha", Embedding: unit(4, 0), Metadata: map[string]string{"filepath": "a.go"}},
		{ID: "b", Content: "beta", Embedding: unit(4, 1), Metadata: map[string]string{"filepath": "b.go"}},
		{ID: "c", Content: "gamma", Embedding: blend(4, 0, 1, 0.9, 0.1), Metadata: map[string]string{"filepath": "c.go"}},
	}
	require.NoError(t, s.Add(ctx, CollectionCode, docs))

	results, err := s.Search(ctx, CollectionCode, unit(4, 0), 3, nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "a", results[0].ID)
	// Scores descend.
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestAddReplacesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, CollectionMemory, []Document{
		{ID: "m1", Content: "old", Embedding: unit(4, 0)},
	}))
	require.NoError(t, s.Add(ctx, CollectionMemory, []Document{
		{ID: "m1", Content: "new", Embedding: unit(4, 0)},
	}))

	st, err := s.Stats(ctx, CollectionMemory)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)

	results, err := s.Search(ctx, CollectionMemory, unit(4, 0), 1, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "new", results[0].Content)
}

func TestDeleteWhere(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var docs []Document
	for i := 0; i < 4; i++ {
		fp := "keep.go"
		if i%2 == 0 {
			fp = "drop.go"
		}
		docs = append(docs, Document{
			ID:        fmt.Sprintf("chunk-%d", i),
			Content:   "x",
			Embedding: unit(4, i%4),
			Metadata:  map[string]string{"filepath": fp},
		})
	}
	require.NoError(t, s.Add(ctx, CollectionCode, docs))

	require.NoError(t, s.DeleteWhere(ctx, CollectionCode, map[string]string{"filepath": "drop.go"}))

	st, err := s.Stats(ctx, CollectionCode)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)

	results, err := s.Search(ctx, CollectionCode, unit(4, 0), 2, map[string]string{"filepath": "drop.go"}, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDimensionFixedOnFirstWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, CollectionCode, []Document{
		{ID: "a", Content: "x", Embedding: unit(8, 0)},
	}))
	assert.Equal(t, 8, s.Dimension(CollectionCode))

	err := s.Add(ctx, CollectionCode, []Document{
		{ID: "b", Content: "y", Embedding: unit(16, 0)},
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = s.Search(ctx, CollectionCode, unit(16, 0), 1, nil, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestResetClearsDimension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, CollectionPlan, []Document{
		{ID: "p", Content: "plan", Embedding: unit(8, 0)},
	}))
	require.NoError(t, s.Reset(ctx, CollectionPlan))
	assert.Equal(t, 0, s.Dimension(CollectionPlan))

	// A different dimension is accepted after reset.
	require.NoError(t, s.Add(ctx, CollectionPlan, []Document{
		{ID: "p", Content: "plan", Embedding: unit(16, 0)},
	}))
}

func TestDimensionSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, CollectionCode, []Document{
		{ID: "a", Content: "x", Embedding: unit(8, 0)},
	}))
	require.NoError(t, s.Close())

	reopened, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 8, reopened.Dimension(CollectionCode))
}

func TestMinScoreFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, CollectionCode, []Document{
		{ID: "near", Content: "near", Embedding: unit(4, 0)},
		{ID: "far", Content: "far", Embedding: unit(4, 3)},
	}))

	results, err := s.Search(ctx, CollectionCode, unit(4, 0), 2, nil, 0.9)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].ID)
}
