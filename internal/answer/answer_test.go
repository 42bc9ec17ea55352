package answer

import (
	"context"
	"strings"
	"testing"
	"time"

	"caseforge/internal/index"
	"caseforge/internal/llmgateway"
	"caseforge/internal/store"
)

type fakeTransport struct {
	sentText    string
	sentGroup   string
	recipients  []string
	sendErr     error
	rejectSends bool
}

func (f *fakeTransport) SendGroupText(ctx context.Context, groupID, text, quoteMessageID string, mentionRecipients []string) (bool, error) {
	if f.sendErr != nil {
		return false, f.sendErr
	}
	if f.rejectSends {
		return false, nil
	}
	f.sentGroup = groupID
	f.sentText = text
	f.recipients = mentionRecipients
	return true, nil
}

func (f *fakeTransport) MentionToken(adminID string) string {
	return "@" + adminID
}

func newHarness(t *testing.T) (*Engine, store.Store, index.Index, *fakeTransport) {
	t.Helper()
	st := store.NewMemory()
	idx := index.NewMemoryIndex()
	tr := &fakeTransport{}
	e := &Engine{
		Store:         st,
		Index:         idx,
		Transport:     tr,
		RetrieveTopK:  5,
		B2Window:      72 * time.Hour,
		PublicBaseURL: "https://cases.example.com",
	}
	return e, st, idx, tr
}

func mustInsertAdmin(t *testing.T, st store.Store, groupID, adminID string) {
	t.Helper()
	if err := st.LinkAdminGroup(context.Background(), adminID, groupID); err != nil {
		t.Fatalf("link admin group: %v", err)
	}
}

// TestAnswerFromScragHit: a question matching an indexed solved case is
// answered directly without admin escalation.
func TestAnswerFromScragHit(t *testing.T) {
	e, st, idx, tr := newHarness(t)
	ctx := context.Background()
	group := "G1"
	mustInsertAdmin(t, st, group, "admin1")

	if _, err := st.InsertRawMessage(ctx, store.RawMessage{GroupID: group, MessageID: "m1", TS: 1000, SenderHash: "u1", ContentText: "How do I reset X?"}); err != nil {
		t.Fatal(err)
	}
	if err := idx.UpsertCase(ctx, index.Entry{CaseID: "case-1", GroupID: group, Document: "doc", Embedding: []float32{1, 0, 0}, Status: "solved"}); err != nil {
		t.Fatal(err)
	}

	e.LLM = &llmgateway.Fake{
		GateFn: func(ctx context.Context, message, recentContext string, images []llmgateway.ImageInput) (llmgateway.GateDecision, error) {
			return llmgateway.GateDecision{Consider: true, Tag: llmgateway.TagNewQuestion}, nil
		},
		EmbedFn: func(ctx context.Context, text string) ([]float32, error) { return []float32{1, 0, 0}, nil },
		SynthesizeFn: func(ctx context.Context, question, retrievedContext, language string) (string, error) {
			if !strings.Contains(retrievedContext, "case-1") {
				t.Fatalf("expected retrieved context to mention case-1, got %q", retrievedContext)
			}
			return "Set flag Y to true. See " + retrievedContext, nil
		},
	}

	if err := e.Handle(ctx, group, "m1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if tr.sentText == "" {
		t.Fatal("expected a reply to be sent")
	}
	if strings.Contains(tr.sentText, llmgateway.TagAdmin) {
		t.Fatalf("expected no admin tag in a directly-answerable reply, got %q", tr.sentText)
	}
}

// TestGateRejectsNoise: a gate decision of consider=false with no direct
// mention produces no reply.
func TestGateRejectsNoise(t *testing.T) {
	e, st, _, tr := newHarness(t)
	ctx := context.Background()
	group := "G1"
	mustInsertAdmin(t, st, group, "admin1")
	if _, err := st.InsertRawMessage(ctx, store.RawMessage{GroupID: group, MessageID: "m1", TS: 1000, SenderHash: "u1", ContentText: "lol nice"}); err != nil {
		t.Fatal(err)
	}
	e.LLM = &llmgateway.Fake{}

	if err := e.Handle(ctx, group, "m1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if tr.sentText != "" {
		t.Fatalf("expected no reply for noise, got %q", tr.sentText)
	}
}

// TestNoContextEscalatesToAdmin: with no retrievable context at all, the
// reply falls through straight to the admin tag.
func TestNoContextEscalatesToAdmin(t *testing.T) {
	e, st, _, tr := newHarness(t)
	ctx := context.Background()
	group := "G1"
	mustInsertAdmin(t, st, group, "admin1")
	if _, err := st.InsertRawMessage(ctx, store.RawMessage{GroupID: group, MessageID: "m1", TS: 1000, SenderHash: "u1", ContentText: "totally new problem"}); err != nil {
		t.Fatal(err)
	}
	e.LLM = &llmgateway.Fake{
		GateFn: func(ctx context.Context, message, recentContext string, images []llmgateway.ImageInput) (llmgateway.GateDecision, error) {
			return llmgateway.GateDecision{Consider: true, Tag: llmgateway.TagNewQuestion}, nil
		},
		EmbedFn: func(ctx context.Context, text string) ([]float32, error) { return []float32{0, 1, 0}, nil },
	}

	if err := e.Handle(ctx, group, "m1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(tr.sentText, "@admin1") {
		t.Fatalf("expected admin mention token substituted, got %q", tr.sentText)
	}
	if len(tr.recipients) != 1 || tr.recipients[0] != "admin1" {
		t.Fatalf("expected admin1 as mention recipient, got %v", tr.recipients)
	}
}

// TestIdempotentSend ensures a duplicate Handle call for the same message
// does not send twice.
func TestIdempotentSend(t *testing.T) {
	e, st, _, _ := newHarness(t)
	ctx := context.Background()
	group := "G1"
	mustInsertAdmin(t, st, group, "admin1")
	if _, err := st.InsertRawMessage(ctx, store.RawMessage{GroupID: group, MessageID: "m1", TS: 1000, SenderHash: "u1", ContentText: "help"}); err != nil {
		t.Fatal(err)
	}
	calls := 0
	e.LLM = &llmgateway.Fake{
		GateFn: func(ctx context.Context, message, recentContext string, images []llmgateway.ImageInput) (llmgateway.GateDecision, error) {
			calls++
			return llmgateway.GateDecision{Consider: true, Tag: llmgateway.TagNewQuestion}, nil
		},
		EmbedFn: func(ctx context.Context, text string) ([]float32, error) { return []float32{0, 1, 0}, nil },
	}
	if err := e.Handle(ctx, group, "m1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Handle(ctx, group, "m1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected gate classify called once due to idempotent send guard, got %d", calls)
	}
}

// TestPrivilegedCommandAppliesSideEffectAndExits: a whitelisted prefix
// command from an active admin applies its side effect and produces no
// reply.
func TestPrivilegedCommandAppliesSideEffectAndExits(t *testing.T) {
	e, st, _, tr := newHarness(t)
	ctx := context.Background()
	group := "G1"
	mustInsertAdmin(t, st, group, "admin1")
	if _, err := st.InsertRawMessage(ctx, store.RawMessage{GroupID: group, MessageID: "m1", TS: 1000, SenderHash: "admin1", ContentText: "/setdocs https://docs.example.com"}); err != nil {
		t.Fatal(err)
	}
	e.LLM = &llmgateway.Fake{}
	var gotArgs string
	e.Commands = map[string]Command{
		"/setdocs": func(ctx context.Context, groupID, senderHash, args string) error {
			gotArgs = args
			return nil
		},
	}

	if err := e.Handle(ctx, group, "m1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if gotArgs != "https://docs.example.com" {
		t.Fatalf("expected command args passed through, got %q", gotArgs)
	}
	if tr.sentText != "" {
		t.Fatalf("expected no reply after a command, got %q", tr.sentText)
	}
}

// TestPrivilegedCommandIgnoredForNonAdmin ensures a non-admin sender cannot
// trigger a whitelisted command's side effect.
func TestPrivilegedCommandIgnoredForNonAdmin(t *testing.T) {
	e, st, _, _ := newHarness(t)
	ctx := context.Background()
	group := "G1"
	mustInsertAdmin(t, st, group, "admin1")
	if _, err := st.InsertRawMessage(ctx, store.RawMessage{GroupID: group, MessageID: "m1", TS: 1000, SenderHash: "u1", ContentText: "/setdocs https://evil.example.com"}); err != nil {
		t.Fatal(err)
	}
	e.LLM = &llmgateway.Fake{}
	called := false
	e.Commands = map[string]Command{
		"/setdocs": func(ctx context.Context, groupID, senderHash, args string) error {
			called = true
			return nil
		},
	}

	if err := e.Handle(ctx, group, "m1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("expected command side effect suppressed for a non-admin sender")
	}
}

// TestRecipientUnreachableFiresCleanup: a rejected send whose mention
// recipients include an admin triggers contact_removed cleanup for that
// admin.
func TestRecipientUnreachableFiresCleanup(t *testing.T) {
	e, st, _, tr := newHarness(t)
	ctx := context.Background()
	group := "G1"
	mustInsertAdmin(t, st, group, "admin1")
	if _, err := st.InsertRawMessage(ctx, store.RawMessage{GroupID: group, MessageID: "m1", TS: 1000, SenderHash: "u1", ContentText: "unknown problem"}); err != nil {
		t.Fatal(err)
	}
	tr.rejectSends = true
	e.LLM = &llmgateway.Fake{
		GateFn: func(ctx context.Context, message, recentContext string, images []llmgateway.ImageInput) (llmgateway.GateDecision, error) {
			return llmgateway.GateDecision{Consider: true, Tag: llmgateway.TagNewQuestion}, nil
		},
		EmbedFn: func(ctx context.Context, text string) ([]float32, error) { return []float32{0, 1, 0}, nil },
	}
	var removed []string
	e.OnRecipientUnreachable = func(ctx context.Context, adminID string) {
		removed = append(removed, adminID)
	}

	if err := e.Handle(ctx, group, "m1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "admin1" {
		t.Fatalf("expected contact_removed fired for admin1, got %v", removed)
	}
}
