package historybridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"caseforge/internal/extractor"
	"caseforge/internal/index"
	"caseforge/internal/llmgateway"
	"caseforge/internal/objectstore"
	"caseforge/internal/store"
)

type fakeSender struct {
	adminID        string
	text           string
	attachmentPath string
}

func (f *fakeSender) SendDirectText(ctx context.Context, adminID, text, attachmentPath string) (bool, error) {
	f.adminID, f.text, f.attachmentPath = adminID, text, attachmentPath
	return true, nil
}

func newHandler(t *testing.T, llm *llmgateway.Fake) (*Handler, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return &Handler{
		Store:   st,
		LLM:     llm,
		Objects: objectstore.NewMemoryStore(),
		Sender:  &fakeSender{},
		Extractor: &extractor.Extractor{
			Store: st,
			Index: index.NewMemoryIndex(),
			LLM:   llm,
		},
		PublicBaseURL: "https://caseforge.example",
	}, st
}

func TestServeQRReadyStoresAndDMs(t *testing.T) {
	h, _ := newHandler(t, &llmgateway.Fake{})
	sender := h.Sender.(*fakeSender)

	body, err := json.Marshal(qrReadyRequest{
		Token:       "tok-1",
		AdminID:     "admin1",
		QRPNGBase64: base64.StdEncoding.EncodeToString([]byte("fake-png-bytes")),
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/history/qr-ready", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeQRReady(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "admin1", sender.adminID)
	require.NotEmpty(t, sender.attachmentPath)
}

func TestServeCasesRejectsUnknownToken(t *testing.T) {
	h, _ := newHandler(t, &llmgateway.Fake{})
	body, err := json.Marshal(casesRequest{Token: "missing"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/history/cases", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeCases(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeCasesProcessesSolvedCase(t *testing.T) {
	llm := &llmgateway.Fake{
		StructureFn: func(ctx context.Context, caseBlockText string) (llmgateway.CaseStructure, error) {
			return llmgateway.CaseStructure{
				Keep: true, Status: "solved",
				ProblemTitle: "VPN drops", ProblemSummary: "VPN disconnects after sleep",
				SolutionSummary: "Disable network adapter power saving", Tags: []string{"vpn"},
			}, nil
		},
	}
	h, st := newHandler(t, llm)

	require.NoError(t, st.CreateHistoryToken(context.Background(), store.HistoryToken{
		Token: "tok-1", AdminID: "admin1", GroupID: "g1", ExpiresAt: time.Now().UTC().Add(time.Hour),
	}))
	require.NoError(t, st.PutAdminSession(context.Background(), store.AdminSession{
		AdminID: "admin1", State: store.AdminAwaitingQRScan,
		PendingGroupID: "g1", PendingGroupName: "Support", PendingToken: "tok-1", Lang: store.LangEN,
	}))

	caseBlock := "u1 ts=1000 msg_id=m1 reactions=0\nMy VPN keeps dropping.\n\n" +
		"u2 ts=1001 msg_id=m2 reactions=0\nDisable adapter power saving.\n\n"
	body, err := json.Marshal(casesRequest{
		Token: "tok-1",
		Cases: []caseEntry{{CaseBlock: caseBlock, ReactionEmoji: "\U0001F44D"}},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/history/cases", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeCases(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	open, err := st.GetOpenCasesForGroup(context.Background(), "g1")
	require.NoError(t, err)
	require.Empty(t, open, "solved case should not appear among open cases")

	solved, err := st.GetRecentSolvedCases(context.Background(), "g1", 0)
	require.NoError(t, err)
	require.Len(t, solved, 1)
	require.Equal(t, "\U0001F44D", solved[0].ClosedEmoji)

	admins, err := st.ActiveAdminsForGroup(context.Background(), "g1")
	require.NoError(t, err)
	require.Equal(t, []string{"admin1"}, admins, "successful bootstrap must link the admin to the group")

	session, ok, err := st.GetAdminSession(context.Background(), "admin1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, session.PendingToken, "bootstrap must clear the session's pending handshake state")

	// token is single-use
	body2, err := json.Marshal(casesRequest{Token: "tok-1"})
	require.NoError(t, err)
	req2 := httptest.NewRequest(http.MethodPost, "/history/cases", bytes.NewReader(body2))
	rec2 := httptest.NewRecorder()
	h.ServeCases(rec2, req2)
	require.Equal(t, http.StatusUnauthorized, rec2.Code, "token reuse must be rejected")
}
