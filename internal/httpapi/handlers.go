package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"caseforge/internal/objectstore"
)

// caseResponse is the response body of `GET /api/cases/{case_id}`.
type caseResponse struct {
	CaseID          string         `json:"case_id"`
	ProblemTitle    string         `json:"problem_title"`
	ProblemSummary  string         `json:"problem_summary"`
	SolutionSummary string         `json:"solution_summary"`
	Status          string         `json:"status"`
	CreatedAt       string         `json:"created_at"`
	ClosedEmoji     string         `json:"closed_emoji,omitempty"`
	Tags            []string       `json:"tags"`
	Evidence        []evidenceItem `json:"evidence"`
}

type evidenceItem struct {
	MessageID   string   `json:"message_id"`
	TS          int64    `json:"ts"`
	SenderHash  string   `json:"sender_hash"`
	SenderName  string   `json:"sender_name,omitempty"`
	ContentText string   `json:"content_text"`
	Images      []string `json:"images"`
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")
	c, ok, err := s.Store.GetCase(r.Context(), caseID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	evidence := make([]evidenceItem, 0, len(c.EvidenceIDs))
	for _, mid := range c.EvidenceIDs {
		msg, ok, err := s.Store.GetRawMessage(r.Context(), c.GroupID, mid)
		if err != nil || !ok {
			continue
		}
		images := make([]string, 0, len(msg.ImagePaths))
		for _, p := range msg.ImagePaths {
			images = append(images, "/static/"+p)
		}
		evidence = append(evidence, evidenceItem{
			MessageID: msg.MessageID, TS: msg.TS, SenderHash: msg.SenderHash,
			SenderName: msg.SenderName, ContentText: msg.ContentText, Images: images,
		})
	}

	respondJSON(w, http.StatusOK, caseResponse{
		CaseID: c.CaseID, ProblemTitle: c.ProblemTitle, ProblemSummary: c.ProblemSummary,
		SolutionSummary: c.SolutionSummary, Status: string(c.Status), CreatedAt: c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		ClosedEmoji: c.ClosedEmoji, Tags: c.Tags, Evidence: evidence,
	})
}

// handleStatic serves stored image bytes for `GET /static/<relative-path>`,
// rejecting path traversal.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/static/")
	clean := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if clean == "" || clean == "." {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	rc, attrs, err := s.Images.Get(r.Context(), clean)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer rc.Close()

	if attrs.ContentType != "" {
		w.Header().Set("Content-Type", attrs.ContentType)
	}
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
