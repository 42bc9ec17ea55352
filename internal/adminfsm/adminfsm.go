// Package adminfsm implements the admin session state machine: a
// direct-message onboarding flow binding an admin to a group and
// authorizing a one-time history-bootstrap token. Every transition
// reads-and-writes the admin session row atomically.
package adminfsm

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"caseforge/internal/jobqueue"
	"caseforge/internal/logging"
	"caseforge/internal/store"
)

// GroupResolver verifies transport membership for a group name the admin
// typed.
type GroupResolver interface {
	ResolveReachableGroup(ctx context.Context, name string) (groupID string, ok bool, err error)
}

// Sender delivers the welcome/status DMs back to the admin.
type Sender interface {
	SendDirect(ctx context.Context, adminID, text string) error
}

// Machine drives admin DM state transitions against Store.
type Machine struct {
	Store     store.Store
	Groups    GroupResolver
	Sender    Sender
	Now       func() time.Time
	JWTSecret []byte
	TokenTTL  time.Duration
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *Machine) tokenTTL() time.Duration {
	if m.TokenTTL > 0 {
		return m.TokenTTL
	}
	return 15 * time.Minute
}

// OnDirectMessage processes one inbound admin DM. Command handling (/uk,
// /en, /wipe) is checked before state dispatch since those commands are
// valid in any state.
func (m *Machine) OnDirectMessage(ctx context.Context, adminID, text string) error {
	log := logging.FromContext(ctx).With().Str("admin_id", adminID).Logger()
	text = strings.TrimSpace(text)

	switch strings.ToLower(text) {
	case "/uk":
		return m.setLanguage(ctx, adminID, store.LangUK)
	case "/en":
		return m.setLanguage(ctx, adminID, store.LangEN)
	case "/wipe":
		if err := m.wipe(ctx, adminID); err != nil {
			return fmt.Errorf("adminfsm: wipe: %w", err)
		}
		return m.reply(ctx, adminID, "Your data has been wiped.")
	}

	session, ok, err := m.Store.GetAdminSession(ctx, adminID)
	if err != nil {
		return fmt.Errorf("adminfsm: get session: %w", err)
	}
	if !ok {
		return m.onFirstContact(ctx, adminID, text)
	}

	switch session.State {
	case store.AdminAwaitingGroupName:
		return m.onAwaitingGroupName(ctx, session, text)
	case store.AdminAwaitingQRScan:
		return m.onAwaitingQRScan(ctx, session, text)
	default:
		log.Warn().Str("state", string(session.State)).Msg("adminfsm_unknown_state")
		return m.onFirstContact(ctx, adminID, text)
	}
}

// onFirstContact handles an admin with no session yet: detect language,
// welcome, and move to awaiting_group_name.
func (m *Machine) onFirstContact(ctx context.Context, adminID, text string) error {
	lang := detectLanguage(text)
	welcome := "Welcome! Please tell me the name of the group you'd like to connect."
	if lang == store.LangUK {
		welcome = "Вітаю! Будь ласка, назвіть групу, яку бажаєте підключити."
	}
	if err := m.reply(ctx, adminID, welcome); err != nil {
		return err
	}
	return m.Store.PutAdminSession(ctx, store.AdminSession{
		AdminID: adminID, State: store.AdminAwaitingGroupName, Lang: lang, UpdatedAt: m.now(),
	})
}

// onAwaitingGroupName resolves the typed group name, mints a history
// token, and enqueues the HISTORY_LINK job.
func (m *Machine) onAwaitingGroupName(ctx context.Context, session store.AdminSession, groupName string) error {
	groupID, ok, err := m.Groups.ResolveReachableGroup(ctx, groupName)
	if err != nil {
		return fmt.Errorf("adminfsm: resolve group: %w", err)
	}
	if !ok {
		return m.reply(ctx, session.AdminID, fmt.Sprintf("I couldn't find a reachable group named %q. Try again.", groupName))
	}

	token, err := m.mintToken(session.AdminID, groupID)
	if err != nil {
		return fmt.Errorf("adminfsm: mint token: %w", err)
	}
	if err := m.Store.CreateHistoryToken(ctx, store.HistoryToken{
		Token: token, AdminID: session.AdminID, GroupID: groupID, ExpiresAt: m.now().Add(m.tokenTTL()),
	}); err != nil {
		return fmt.Errorf("adminfsm: create history token: %w", err)
	}
	job, err := m.Store.Enqueue(ctx, store.JobHistoryLink, jobqueue.EncodeHistoryLink(jobqueue.HistoryLinkPayload{
		AdminID: session.AdminID, GroupID: groupID, Token: token,
	}))
	if err != nil {
		return fmt.Errorf("adminfsm: enqueue history_link: %w", err)
	}

	session.State = store.AdminAwaitingQRScan
	session.PendingGroupID = groupID
	session.PendingGroupName = groupName
	session.PendingToken = token
	session.PendingJobID = job.JobID
	session.UpdatedAt = m.now()
	if err := m.Store.PutAdminSession(ctx, session); err != nil {
		return fmt.Errorf("adminfsm: put session: %w", err)
	}
	return m.reply(ctx, session.AdminID, "Found it. Scan the QR code to finish linking history.")
}

// onAwaitingQRScan handles a message that arrives while a QR scan is
// pending: a new group name cancels the pending HISTORY_LINK job and
// restarts the search.
func (m *Machine) onAwaitingQRScan(ctx context.Context, session store.AdminSession, groupName string) error {
	if groupName == session.PendingGroupName {
		return m.reply(ctx, session.AdminID, "Still waiting on the QR scan for this group.")
	}
	// Cancel is effective only while the job is still pending; an in-flight
	// link resolves against a token the reconciler will reap.
	if session.PendingJobID != "" {
		if err := m.Store.Cancel(ctx, session.PendingJobID); err != nil {
			log := logging.FromContext(ctx)
			log.Warn().Err(err).Str("job_id", session.PendingJobID).Msg("adminfsm_cancel_pending_link_failed")
		}
	}
	return m.onAwaitingGroupName(ctx, session, groupName)
}

func (m *Machine) setLanguage(ctx context.Context, adminID string, lang store.Language) error {
	session, ok, err := m.Store.GetAdminSession(ctx, adminID)
	if err != nil {
		return fmt.Errorf("adminfsm: get session: %w", err)
	}
	if !ok {
		session = store.AdminSession{AdminID: adminID, State: store.AdminAwaitingGroupName}
	}
	session.Lang = lang
	session.UpdatedAt = m.now()
	if err := m.Store.PutAdminSession(ctx, session); err != nil {
		return fmt.Errorf("adminfsm: put session: %w", err)
	}
	return m.reply(ctx, adminID, "Language updated.")
}

// OnContactRemoved purges everything the removed admin owned.
func (m *Machine) OnContactRemoved(ctx context.Context, adminID string) error {
	return m.wipe(ctx, adminID)
}

// wipe cancels the session's pending HISTORY_LINK job first (an in-flight
// lease ignores the cancel, so the store-side purge below still removes the
// row), then purges sessions, links, tokens, and jobs.
func (m *Machine) wipe(ctx context.Context, adminID string) error {
	session, ok, err := m.Store.GetAdminSession(ctx, adminID)
	if err != nil {
		return err
	}
	if ok && session.PendingJobID != "" {
		if err := m.Store.Cancel(ctx, session.PendingJobID); err != nil {
			log := logging.FromContext(ctx)
			log.Warn().Err(err).Str("job_id", session.PendingJobID).Msg("adminfsm_cancel_pending_link_failed")
		}
	}
	return m.Store.WipeAdmin(ctx, adminID)
}

func (m *Machine) reply(ctx context.Context, adminID, text string) error {
	if m.Sender == nil {
		return nil
	}
	return m.Sender.SendDirect(ctx, adminID, text)
}

// mintToken produces a signed, single-use JWT embedding the history token
// id, admin and group; Store.CreateHistoryToken is still the authority on
// single-use consumption (ConsumeHistoryToken), the JWT signature only
// guards against forgery of the handoff URL.
func (m *Machine) mintToken(adminID, groupID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   adminID,
		Audience:  jwt.ClaimStrings{groupID},
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(m.now().Add(m.tokenTTL())),
		IssuedAt:  jwt.NewNumericDate(m.now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.signingKey())
}

func (m *Machine) signingKey() []byte {
	if len(m.JWTSecret) > 0 {
		return m.JWTSecret
	}
	return []byte("caseforge-dev-secret")
}

// ukrainianOnlyLetters are Cyrillic letters present in the Ukrainian
// alphabet but absent from Russian, used to disambiguate the two rather
// than flagging on Cyrillic script alone.
var ukrainianOnlyLetters = map[rune]bool{
	'і': true, 'І': true, 'ї': true, 'Ї': true, 'є': true, 'Є': true, 'ґ': true, 'Ґ': true,
}

// detectLanguage returns uk when the text contains Ukrainian-specific
// characters, en otherwise.
func detectLanguage(text string) store.Language {
	for _, r := range text {
		if unicode.Is(unicode.Cyrillic, r) && ukrainianOnlyLetters[r] {
			return store.LangUK
		}
	}
	return store.LangEN
}
