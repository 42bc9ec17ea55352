// Package transport implements the bot-account transport adapter: an
// inbound event stream plus outbound send/list operations. The wire adapter
// is a gorilla/websocket server that a separate bot-bridge process (the
// actual chat-platform client) connects to and exchanges JSON frames
// with.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"caseforge/internal/logging"
)

// EventKind distinguishes the three InboundEvent variants.
type EventKind string

const (
	EventMessage        EventKind = "message"
	EventReaction       EventKind = "reaction"
	EventContactRemoved EventKind = "contact_removed"
)

// InboundEvent is the tagged union of events the bridge can push. Exactly
// one of Message/Reaction/ContactRemoved is populated, selected by Kind.
type InboundEvent struct {
	Kind           EventKind       `json:"kind"`
	Message        *MessageEvent   `json:"message,omitempty"`
	Reaction       *ReactionEvent  `json:"reaction,omitempty"`
	ContactRemoved *ContactRemoved `json:"contact_removed,omitempty"`
}

type MessageEvent struct {
	GroupID    string   `json:"group_id"`
	MessageID  string   `json:"message_id"`
	TS         int64    `json:"ts"`
	SenderHash string   `json:"sender"`
	SenderName string   `json:"sender_name,omitempty"`
	Text       string   `json:"text"`
	ImagePaths []string `json:"image_paths,omitempty"`
	ReplyToID  string   `json:"reply_to_id,omitempty"`
}

type ReactionEvent struct {
	GroupID      string `json:"group_id"`
	TargetTS     int64  `json:"target_ts"`
	TargetAuthor string `json:"target_author"`
	SenderHash   string `json:"sender"`
	Emoji        string `json:"emoji"`
	IsRemove     bool   `json:"is_remove"`
}

type ContactRemoved struct {
	SenderHash string `json:"sender"`
}

// Group is one entry of list_groups().
type Group struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
}

// outboundCommand is the JSON frame sent to the bridge for a send/list op.
type outboundCommand struct {
	Op                string   `json:"op"`
	GroupID           string   `json:"group_id,omitempty"`
	AdminID           string   `json:"admin_id,omitempty"`
	Text              string   `json:"text,omitempty"`
	QuoteMessageID    string   `json:"quote_message_id,omitempty"`
	MentionRecipients []string `json:"mention_recipients,omitempty"`
	AttachmentPath    string   `json:"attachment_path,omitempty"`
	CorrelationID     string   `json:"correlation_id"`
}

type outboundResult struct {
	CorrelationID string  `json:"correlation_id"`
	OK            bool    `json:"ok"`
	Groups        []Group `json:"groups,omitempty"`
}

// WSAdapter is a single-bridge-connection Transport adapter. It upgrades
// one inbound HTTP connection to a websocket and treats that connection as
// the bot bridge; reconnects replace the active connection.
type WSAdapter struct {
	upgrader websocket.Upgrader
	timeout  time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan outboundResult

	events chan InboundEvent
}

// NewWSAdapter constructs an adapter with the given outbound call timeout.
func NewWSAdapter(timeout time.Duration) *WSAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WSAdapter{
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		timeout:  timeout,
		pending:  make(map[string]chan outboundResult),
		events:   make(chan InboundEvent, 256),
	}
}

// ServeHTTP upgrades the bridge connection and reads frames until it drops.
func (a *WSAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log := logging.FromContext(r.Context())
		log.Error().Err(err).Msg("transport_upgrade_failed")
		return
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log := logging.FromContext(r.Context())
			log.Warn().Err(err).Msg("transport_bridge_disconnected")
			return
		}
		a.handleFrame(data)
	}
}

func (a *WSAdapter) handleFrame(data []byte) {
	var result outboundResult
	if err := json.Unmarshal(data, &result); err == nil && result.CorrelationID != "" {
		a.mu.Lock()
		ch, ok := a.pending[result.CorrelationID]
		if ok {
			delete(a.pending, result.CorrelationID)
		}
		a.mu.Unlock()
		if ok {
			ch <- result
			close(ch)
			return
		}
	}

	var ev InboundEvent
	if err := json.Unmarshal(data, &ev); err == nil && ev.Kind != "" {
		select {
		case a.events <- ev:
		default:
		}
	}
}

// Listen returns the channel of inbound bridge events.
func (a *WSAdapter) Listen(ctx context.Context) (<-chan InboundEvent, error) {
	return a.events, nil
}

func (a *WSAdapter) call(ctx context.Context, cmd outboundCommand) (outboundResult, error) {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return outboundResult{}, fmt.Errorf("transport: no bridge connected")
	}
	cmd.CorrelationID = fmt.Sprintf("%d", time.Now().UnixNano())
	ch := make(chan outboundResult, 1)
	a.pending[cmd.CorrelationID] = ch
	a.mu.Unlock()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return outboundResult{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return outboundResult{}, fmt.Errorf("transport: write: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	select {
	case res := <-ch:
		return res, nil
	case <-timeoutCtx.Done():
		a.mu.Lock()
		delete(a.pending, cmd.CorrelationID)
		a.mu.Unlock()
		return outboundResult{}, fmt.Errorf("transport: bridge call timed out: %w", timeoutCtx.Err())
	}
}

// SendGroupText sends text into a group, optionally quoting a message and
// mentioning recipients.
func (a *WSAdapter) SendGroupText(ctx context.Context, groupID, text, quoteMessageID string, mentionRecipients []string) (bool, error) {
	res, err := a.call(ctx, outboundCommand{Op: "send_group_text", GroupID: groupID, Text: text, QuoteMessageID: quoteMessageID, MentionRecipients: mentionRecipients})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

// SendDirectText sends a direct message, optionally with an attachment.
func (a *WSAdapter) SendDirectText(ctx context.Context, adminID, text, attachmentPath string) (bool, error) {
	res, err := a.call(ctx, outboundCommand{Op: "send_direct_text", AdminID: adminID, Text: text, AttachmentPath: attachmentPath})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

// SendDirect adapts SendDirectText to the adminfsm.Sender interface.
func (a *WSAdapter) SendDirect(ctx context.Context, adminID, text string) error {
	_, err := a.SendDirectText(ctx, adminID, text, "")
	return err
}

// ListGroups returns the groups the bot account can currently reach.
func (a *WSAdapter) ListGroups(ctx context.Context) ([]Group, error) {
	res, err := a.call(ctx, outboundCommand{Op: "list_groups"})
	if err != nil {
		return nil, err
	}
	return res.Groups, nil
}

// ResolveReachableGroup adapts ListGroups to the adminfsm.GroupResolver
// interface, verifying the bot is actually a member of the named group.
func (a *WSAdapter) ResolveReachableGroup(ctx context.Context, name string) (string, bool, error) {
	groups, err := a.ListGroups(ctx)
	if err != nil {
		return "", false, err
	}
	for _, g := range groups {
		if g.Name == name {
			return g.GroupID, true, nil
		}
	}
	return "", false, nil
}

// MentionToken renders a transport-native mention for adminID. The bridge
// format is platform-specific; this uses an @-prefixed convention the
// bridge is expected to rewrite.
func (a *WSAdapter) MentionToken(adminID string) string {
	return "@" + adminID
}
