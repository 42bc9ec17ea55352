// Package historybridge implements the history-bootstrap collaborator
// handshake: a JSON-over-HTTP contract with a separate process that reads
// chat-platform history and hands structured case material back to core.
// Client is the outbound half (core calling the collaborator to kick off a
// link); Handler is the inbound half (the collaborator calling back into
// core with the QR image and the mined cases).
package historybridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"caseforge/internal/buffer"
	"caseforge/internal/caseerr"
	"caseforge/internal/extractor"
	"caseforge/internal/jobqueue"
	"caseforge/internal/llmgateway"
	"caseforge/internal/logging"
	"caseforge/internal/objectstore"
	"caseforge/internal/store"
)

// Client is the outbound half: it POSTs a freshly-minted history token to
// the collaborator's link-token endpoint, handing it the admin/group the
// token authorizes.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	AuthToken  string
}

// NewClient builds a Client with an otelhttp-instrumented transport.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 15 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AuthToken:  authToken,
	}
}

type linkTokenRequest struct {
	AdminID string `json:"admin_id"`
	GroupID string `json:"group_id"`
	Token   string `json:"token"`
	QRHint  string `json:"qr_hint"`
}

// RequestLink is the HISTORY_LINK job handler, wired in as
// Dispatcher.HistoryLink at process startup. QRHint is a caption the
// collaborator can surface while it generates the actual QR image it posts
// back via qr-ready.
func (c *Client) RequestLink(ctx context.Context, p jobqueue.HistoryLinkPayload) error {
	body, err := json.Marshal(linkTokenRequest{
		AdminID: p.AdminID,
		GroupID: p.GroupID,
		Token:   p.Token,
		QRHint:  fmt.Sprintf("caseforge history link for group %s", p.GroupID),
	})
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTerminal, "historybridge_marshal", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/history/link-token", bytes.NewReader(body))
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTerminal, "historybridge_build_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "historybridge_request_link", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 {
		return caseerr.Wrap(caseerr.ErrTransient, "historybridge_request_link", fmt.Errorf("status %d", res.StatusCode))
	}
	if res.StatusCode >= 400 {
		return caseerr.Wrap(caseerr.ErrTerminal, "historybridge_request_link", fmt.Errorf("status %d", res.StatusCode))
	}
	return nil
}

// DirectSender delivers the QR image back to the admin over the chat
// transport (the subset of transport.Adapter this handler needs).
type DirectSender interface {
	SendDirectText(ctx context.Context, adminID, text, attachmentPath string) (bool, error)
}

// Handler is the inbound half: the two endpoints the collaborator calls
// back into core on.
type Handler struct {
	Store         store.Store
	LLM           llmgateway.Gateway
	Extractor     *extractor.Extractor
	Objects       objectstore.ObjectStore
	Sender        DirectSender
	PublicBaseURL string
}

type qrReadyRequest struct {
	Token       string `json:"token"`
	AdminID     string `json:"admin_id"`
	QRPNGBase64 string `json:"qr_png_base64"`
}

// ServeQRReady handles `POST /history/qr-ready`: decode the QR image, park
// it in object storage, and DM the admin a link to it.
func (h *Handler) ServeQRReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	var req qrReadyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	png, err := base64.StdEncoding.DecodeString(req.QRPNGBase64)
	if err != nil {
		http.Error(w, "invalid qr_png_base64", http.StatusBadRequest)
		return
	}
	key := fmt.Sprintf("history-qr/%s.png", req.Token)
	if _, err := h.Objects.Put(r.Context(), key, bytes.NewReader(png), objectstore.PutOptions{ContentType: "image/png"}); err != nil {
		log.Error().Err(err).Msg("historybridge_qr_store_failed")
		http.Error(w, "storage error", http.StatusBadGateway)
		return
	}

	attachmentURL := strings.TrimRight(h.PublicBaseURL, "/") + "/static/" + key
	if _, err := h.Sender.SendDirectText(r.Context(), req.AdminID, "Scan this QR code to finish linking your group's history.", attachmentURL); err != nil {
		log.Error().Err(err).Msg("historybridge_qr_dm_failed")
		http.Error(w, "delivery error", http.StatusBadGateway)
		return
	}
	writeOK(w, map[string]any{"ok": true})
}

type caseEntry struct {
	CaseBlock     string `json:"case_block"`
	ReactionEmoji string `json:"reaction_emoji,omitempty"`
}

type casesRequest struct {
	Token string      `json:"token"`
	Cases []caseEntry `json:"cases"`
}

// ServeCases handles `POST /history/cases`: validate the single-use token,
// then run every case block through the same structure/dedup/insert/index
// path Phase 1 extraction uses.
func (h *Handler) ServeCases(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	var req casesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	tok, err := h.Store.ConsumeHistoryToken(r.Context(), req.Token)
	if err != nil {
		if caseerr.IsValidation(err) {
			http.Error(w, "token invalid, consumed, or expired", http.StatusUnauthorized)
			return
		}
		log.Error().Err(err).Msg("historybridge_consume_token_failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// A consumed token is a successful bootstrap: the admin-group link is
	// created here, and the admin's onboarding session leaves its pending
	// state whether or not every case block parses.
	if err := h.Store.LinkAdminGroup(r.Context(), tok.AdminID, tok.GroupID); err != nil {
		log.Error().Err(err).Msg("historybridge_link_admin_group_failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.finishOnboarding(r.Context(), tok)

	processed := 0
	for _, entry := range req.Cases {
		blocks := buffer.ParseToBlocks(entry.CaseBlock)
		if len(blocks) == 0 {
			continue
		}
		evidence := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.MessageID != "" {
				evidence = append(evidence, b.MessageID)
			}
		}

		structured, err := h.LLM.StructureCase(r.Context(), entry.CaseBlock)
		if err != nil {
			log.Warn().Err(err).Msg("historybridge_structure_case_failed")
			continue
		}
		if !structured.Keep {
			continue
		}
		if _, err := h.Extractor.UpsertStructuredCase(r.Context(), tok.GroupID, structured, evidence, entry.ReactionEmoji); err != nil {
			log.Error().Err(err).Msg("historybridge_upsert_case_failed")
			continue
		}
		processed++
	}

	writeOK(w, map[string]any{"ok": true, "processed": processed})
}

func (h *Handler) finishOnboarding(ctx context.Context, tok store.HistoryToken) {
	log := logging.FromContext(ctx)
	session, ok, err := h.Store.GetAdminSession(ctx, tok.AdminID)
	if err != nil || !ok || session.PendingToken != tok.Token {
		return
	}
	session.State = store.AdminAwaitingGroupName
	session.PendingGroupID = ""
	session.PendingGroupName = ""
	session.PendingToken = ""
	session.PendingJobID = ""
	if err := h.Store.PutAdminSession(ctx, session); err != nil {
		log.Warn().Err(err).Str("admin_id", tok.AdminID).Msg("historybridge_session_reset_failed")
	}
	if h.Sender != nil {
		if _, err := h.Sender.SendDirectText(ctx, tok.AdminID, "History import complete; your group is linked.", ""); err != nil {
			log.Warn().Err(err).Str("admin_id", tok.AdminID).Msg("historybridge_confirmation_dm_failed")
		}
	}
}

func writeOK(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
