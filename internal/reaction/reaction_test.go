package reaction

import (
	"context"
	"testing"
	"time"

	"caseforge/internal/index"
	"caseforge/internal/llmgateway"
	"caseforge/internal/store"
)

func newHarness(t *testing.T) (*Handler, store.Store, index.Index) {
	t.Helper()
	st := store.NewMemory()
	idx := index.NewMemoryIndex()
	h := &Handler{
		Store: st,
		Index: idx,
		LLM: &llmgateway.Fake{
			EmbedFn: func(ctx context.Context, text string) ([]float32, error) { return []float32{1, 0, 0}, nil },
		},
	}
	return h, st, idx
}

func TestPositiveReactionPromotesCase(t *testing.T) {
	h, st, idx := newHarness(t)
	ctx := context.Background()
	err := st.InsertCase(ctx, store.Case{
		CaseID: "c1", GroupID: "g1", Status: store.CaseOpen,
		ProblemTitle: "p", ProblemSummary: "s", SolutionSummary: "fix it",
		EvidenceIDs: []string{"m1"}, CreatedAt: time.Unix(0, 0), UpdatedAt: time.Unix(0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	// The case's sole evidence message has ts=5000; a reaction on that
	// timestamp should confirm the case.
	if _, err := st.InsertRawMessage(ctx, store.RawMessage{GroupID: "g1", MessageID: "m1", TS: 5000, SenderHash: "u1", ContentText: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := h.OnAdd(ctx, "g1", 5000, "u1", "u2", "👍"); err != nil {
		t.Fatal(err)
	}

	c, ok, err := st.GetCase(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("get case: ok=%v err=%v", ok, err)
	}
	if c.Status != store.CaseSolved {
		t.Fatalf("expected case solved after positive reaction, got %s", c.Status)
	}
	if !c.InIndex {
		t.Fatalf("expected case marked in_index")
	}
	ids, err := idx.ListIDs(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 index entry, got %d", len(ids))
	}
}

func TestNegativeEmojiIgnored(t *testing.T) {
	h, st, _ := newHarness(t)
	ctx := context.Background()
	if err := h.OnAdd(ctx, "g1", 5000, "u1", "u2", "😡"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := st.GetCase(ctx, "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no case created for a negative emoji")
	}
}

func TestReactionRemoveDoesNotUnsolve(t *testing.T) {
	h, st, _ := newHarness(t)
	ctx := context.Background()
	err := st.InsertCase(ctx, store.Case{
		CaseID: "c1", GroupID: "g1", Status: store.CaseOpen,
		ProblemTitle: "p", ProblemSummary: "s", SolutionSummary: "fix",
		EvidenceIDs: []string{"m1"}, CreatedAt: time.Unix(0, 0), UpdatedAt: time.Unix(0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertRawMessage(ctx, store.RawMessage{GroupID: "g1", MessageID: "m1", TS: 100, SenderHash: "u1", ContentText: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := h.OnAdd(ctx, "g1", 100, "u1", "u2", "👍"); err != nil {
		t.Fatal(err)
	}
	if err := h.OnRemove(ctx, "g1", 100, "u1", "u2", "👍"); err != nil {
		t.Fatal(err)
	}
	c, ok, err := st.GetCase(ctx, "c1")
	if err != nil || !ok {
		t.Fatal(err)
	}
	if c.Status != store.CaseSolved {
		t.Fatalf("expected case to remain solved after reaction removal, got %s", c.Status)
	}
}
