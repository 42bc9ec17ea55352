package reconciler

import (
	"context"
	"testing"
	"time"

	"caseforge/internal/index"
	"caseforge/internal/store"
)

func newHarness(t *testing.T) (*Reconciler, store.Store, index.Index) {
	t.Helper()
	st := store.NewMemory()
	idx := index.NewMemoryIndex()
	r := &Reconciler{
		Store: st,
		Index: idx,
		GroupIDs: func(ctx context.Context) ([]string, error) {
			return []string{"g1"}, nil
		},
	}
	return r, st, idx
}

func TestReconcileDeletesOrphanIndexEntry(t *testing.T) {
	r, _, idx := newHarness(t)
	ctx := context.Background()
	if err := idx.UpsertCase(ctx, index.Entry{CaseID: "orphan", GroupID: "g1", Document: "d", Embedding: []float32{1, 0}}); err != nil {
		t.Fatal(err)
	}
	r.Tick(ctx)
	ids, err := idx.ListIDs(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected orphan index entry deleted, got %v", ids)
	}
}

func TestReconcileReupsertsMissingSolvedCase(t *testing.T) {
	r, st, idx := newHarness(t)
	ctx := context.Background()
	err := st.InsertCase(ctx, store.Case{
		CaseID: "c1", GroupID: "g1", Status: store.CaseSolved,
		ProblemTitle: "p", ProblemSummary: "s", SolutionSummary: "sol",
		DedupEmbedding: []float32{1, 0}, CreatedAt: time.Unix(0, 0), UpdatedAt: time.Unix(0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.MarkCaseInIndex(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	r.Tick(ctx)
	ids, err := idx.ListIDs(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("expected c1 re-upserted into index, got %v", ids)
	}
}

func TestExpireOldOpenCases(t *testing.T) {
	r, st, _ := newHarness(t)
	r.Config.OpenCaseMaxAge = time.Millisecond
	ctx := context.Background()
	err := st.InsertCase(ctx, store.Case{
		CaseID: "stale", GroupID: "g1", Status: store.CaseOpen,
		ProblemTitle: "p", ProblemSummary: "s",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	r.Tick(ctx)
	open, err := st.GetOpenCasesForGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("expected stale open case expired, got %d", len(open))
	}
}
