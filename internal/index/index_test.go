package index_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"caseforge/internal/index"
)

func TestUpsertCaseReplacesPriorEntry(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()

	require.NoError(t, idx.UpsertCase(ctx, index.Entry{
		CaseID: "c1", GroupID: "g1", Document: "v1", Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, idx.UpsertCase(ctx, index.Entry{
		CaseID: "c1", GroupID: "g1", Document: "v2", Embedding: []float32{0, 1, 0},
	}))

	ids, err := idx.ListIDs(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, ids, "upserting the same case_id twice must yield one entry")
}

func TestQueryFiltersByGroupAndOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()

	require.NoError(t, idx.UpsertCase(ctx, index.Entry{CaseID: "same-group-far", GroupID: "g1", Embedding: []float32{0, 1, 0}}))
	require.NoError(t, idx.UpsertCase(ctx, index.Entry{CaseID: "same-group-close", GroupID: "g1", Embedding: []float32{1, 0, 0}}))
	require.NoError(t, idx.UpsertCase(ctx, index.Entry{CaseID: "other-group", GroupID: "g2", Embedding: []float32{1, 0, 0}}))

	hits, err := idx.Query(ctx, "g1", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "same-group-close", hits[0].CaseID)
	require.Equal(t, "same-group-far", hits[1].CaseID)
}

func TestQueryRespectsK(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.UpsertCase(ctx, index.Entry{
			CaseID: string(rune('a' + i)), GroupID: "g1", Embedding: []float32{1, 0, 0},
		}))
	}
	hits, err := idx.Query(ctx, "g1", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestDeleteCaseRemovesFromListAndQuery(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	require.NoError(t, idx.UpsertCase(ctx, index.Entry{CaseID: "c1", GroupID: "g1", Embedding: []float32{1, 0, 0}}))
	require.NoError(t, idx.DeleteCase(ctx, "c1"))

	ids, err := idx.ListIDs(ctx, "g1")
	require.NoError(t, err)
	require.Empty(t, ids)

	hits, err := idx.Query(ctx, "g1", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}
