package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"caseforge/internal/objectstore"
	"caseforge/internal/store"
)

func TestHandleGetCaseReturnsEvidence(t *testing.T) {
	st := store.NewMemory()
	_, err := st.InsertRawMessage(newCtx(), store.RawMessage{
		GroupID: "g1", MessageID: "m1", TS: 1000, SenderHash: "u1", ContentText: "help",
	})
	require.NoError(t, err)
	require.NoError(t, st.InsertCase(newCtx(), store.Case{
		CaseID: "case-1", GroupID: "g1", Status: store.CaseSolved,
		ProblemTitle: "VPN drops", SolutionSummary: "disable power saving",
		EvidenceIDs: []string{"m1"}, CreatedAt: time.Unix(0, 0).UTC(),
	}))

	s := NewServer(st, objectstore.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/api/cases/case-1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "VPN drops")
	require.Contains(t, rec.Body.String(), "\"message_id\":\"m1\"")
}

func TestHandleGetCaseMissingReturns404(t *testing.T) {
	s := NewServer(store.NewMemory(), objectstore.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/api/cases/nope", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStaticRejectsPathTraversal(t *testing.T) {
	s := NewServer(store.NewMemory(), objectstore.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/static/../../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestHandleStaticServesStoredImage(t *testing.T) {
	objs := objectstore.NewMemoryStore()
	_, err := objs.Put(newCtx(), "images/g1/m1.png", bytes.NewReader([]byte("png-bytes")), objectstore.PutOptions{ContentType: "image/png"})
	require.NoError(t, err)

	s := NewServer(store.NewMemory(), objs)
	req := httptest.NewRequest(http.MethodGet, "/static/images/g1/m1.png", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "png-bytes", rec.Body.String())
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func newCtx() context.Context { return context.Background() }
