// Package answer implements the answer engine: it runs inside
// MAYBE_RESPOND, gates a live message, retrieves the three context layers
// (semantic index, recent solved, open cases), synthesizes a reply, and
// substitutes admin mentions. The Engine is stateless; every decision is
// derived from a Store+Index snapshot read at call time.
package answer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"caseforge/internal/index"
	"caseforge/internal/llmgateway"
	"caseforge/internal/logging"
	"caseforge/internal/metrics"
	"caseforge/internal/store"
)

// Transport is the narrow slice of the transport adapter the Engine needs
// to send a reply and resolve mention tokens.
type Transport interface {
	SendGroupText(ctx context.Context, groupID, text string, quoteMessageID string, mentionRecipients []string) (bool, error)
	MentionToken(adminID string) string
}

// Command applies one privileged prefix command's side effect. args is the
// text after the command word, trimmed.
type Command func(ctx context.Context, groupID, senderHash, args string) error

// Engine synthesizes replies to live chat messages.
type Engine struct {
	Store         store.Store
	Index         index.Index
	LLM           llmgateway.Gateway
	Transport     Transport
	Now           func() time.Time
	RetrieveTopK  int
	B2Window      time.Duration
	PublicBaseURL string
	BotMentions   []string
	DefaultLang   string
	Metrics       *metrics.Metrics

	// Commands is the whitelist of privileged prefix commands, keyed by the
	// lowercased command word (e.g. "/setdocs"). Only active admins of the
	// group may invoke them.
	Commands map[string]Command

	// OnRecipientUnreachable fires when the transport rejects a send whose
	// mention recipients include an admin, so the caller can run
	// contact_removed cleanup.
	OnRecipientUnreachable func(ctx context.Context, adminID string)

	// SentCache backs the idempotent-send guarantee. Left nil, Engine
	// falls back to an in-process set, which is
	// sufficient for a single worker process: a job's at-least-once
	// re-delivery is the only duplication path MAYBE_RESPOND sees without
	// cross-process racing on the very same message. Set SentCache to a
	// RedisSentCache when running more than one agentd process against the
	// same queue, so the guarantee holds across processes too.
	SentCache SentCache

	sent   map[string]bool
	sentMu sync.Mutex
}

// SentCache records which (group_id, message_id) pairs have already been
// replied to.
type SentCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// RecentMessage is the subset of a prior message needed to build
// recent_context for the gate call.
type RecentMessage struct {
	SenderHash  string
	ContentText string
}

// Handle processes one MAYBE_RESPOND(groupID, messageID) job.
func (e *Engine) Handle(ctx context.Context, groupID, messageID string, recent []RecentMessage, images []llmgateway.ImageInput) error {
	log := logging.FromContext(ctx).With().Str("group_id", groupID).Str("message_id", messageID).Logger()

	msg, ok, err := e.Store.GetRawMessage(ctx, groupID, messageID)
	if err != nil {
		return fmt.Errorf("answer: get raw message: %w", err)
	}
	if !ok || strings.TrimSpace(msg.ContentText) == "" {
		return nil
	}

	admins, err := e.Store.ActiveAdminsForGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("answer: active admins: %w", err)
	}
	if len(admins) == 0 {
		return nil
	}

	if handled, err := e.runCommand(ctx, groupID, msg, admins); handled || err != nil {
		return err
	}

	seen, err := e.alreadySent(ctx, groupID, messageID)
	if err != nil {
		log.Warn().Err(err).Msg("sent_cache_check_failed")
	} else if seen {
		return nil
	}

	mentioned := e.mentionsBotDirectly(msg.ContentText)
	decision, err := e.LLM.GateClassify(ctx, msg.ContentText, joinRecent(recent), images)
	if err != nil {
		log.Warn().Err(err).Msg("gate_classify_failed")
		return nil
	}
	if !decision.Consider && !mentioned {
		return nil
	}

	reply, err := e.synthesize(ctx, groupID, msg)
	if err != nil {
		return fmt.Errorf("answer: synthesize: %w", err)
	}
	if reply == "" {
		return nil
	}

	reply, mentionRecipients := e.substituteAdminTag(reply, admins)
	ok, err = e.Transport.SendGroupText(ctx, groupID, reply, messageID, mentionRecipients)
	if err != nil {
		return fmt.Errorf("answer: send: %w", err)
	}
	if err := e.markSent(ctx, groupID, messageID); err != nil {
		log.Warn().Err(err).Msg("sent_cache_mark_failed")
	}
	if !ok {
		log.Warn().Msg("send_rejected_recipient_unreachable")
		if e.OnRecipientUnreachable != nil {
			for _, admin := range mentionRecipients {
				e.OnRecipientUnreachable(ctx, admin)
			}
		}
		return nil
	}
	if e.Metrics != nil {
		e.Metrics.AnswersSent.Inc()
		if len(mentionRecipients) > 0 {
			e.Metrics.AnswersEscalated.Inc()
		}
	}
	return nil
}

// runCommand dispatches a whitelisted privileged command when the message
// starts with one and the sender is an active admin of the group. A matched
// command always ends the job, whether its side effect succeeded or not.
func (e *Engine) runCommand(ctx context.Context, groupID string, msg store.RawMessage, admins []string) (bool, error) {
	if len(e.Commands) == 0 || !strings.HasPrefix(msg.ContentText, "/") {
		return false, nil
	}
	word, args, _ := strings.Cut(strings.TrimSpace(msg.ContentText), " ")
	cmd, ok := e.Commands[strings.ToLower(word)]
	if !ok {
		return false, nil
	}
	isAdmin := false
	for _, a := range admins {
		if a == msg.SenderHash {
			isAdmin = true
			break
		}
	}
	if !isAdmin {
		return true, nil
	}
	if err := cmd(ctx, groupID, msg.SenderHash, strings.TrimSpace(args)); err != nil {
		log := logging.FromContext(ctx)
		log.Warn().Err(err).Str("command", word).Msg("privileged_command_failed")
	}
	return true, nil
}

func joinRecent(recent []RecentMessage) string {
	var sb strings.Builder
	for _, r := range recent {
		fmt.Fprintf(&sb, "%s: %s\n", r.SenderHash, r.ContentText)
	}
	return sb.String()
}

func (e *Engine) mentionsBotDirectly(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range e.BotMentions {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// synthesize retrieves the three context layers and decides which to hand
// to the synthesizer: semantic-index or recent-solved hits first, then open
// cases, then a bare admin tag.
func (e *Engine) synthesize(ctx context.Context, groupID string, msg store.RawMessage) (string, error) {
	now := e.now()

	queryEmbedding, err := e.LLM.Embed(ctx, msg.ContentText)
	if err != nil {
		return "", fmt.Errorf("embed question: %w", err)
	}
	scrag, err := e.Index.Query(ctx, groupID, queryEmbedding, e.topK())
	if err != nil {
		log := logging.FromContext(ctx)
		log.Warn().Err(err).Msg("index_query_failed")
	}

	b3, err := e.Store.GetRecentSolvedCases(ctx, groupID, now.Add(-e.window()).UnixMilli())
	if err != nil {
		return "", fmt.Errorf("get_recent_solved_cases: %w", err)
	}

	if len(scrag) > 0 || len(b3) > 0 {
		retrieved := e.formatSolvedContext(ctx, scrag, b3) + e.docsFooter(ctx, groupID)
		answer, err := e.LLM.SynthesizeAnswer(ctx, msg.ContentText, retrieved, e.language(ctx, groupID))
		if err != nil {
			return "", fmt.Errorf("synthesize_answer: %w", err)
		}
		return answer, nil
	}

	b1, err := e.Store.GetOpenCasesForGroup(ctx, groupID)
	if err != nil {
		return "", fmt.Errorf("get_open_cases_for_group: %w", err)
	}
	if len(b1) > 0 {
		retrieved := e.formatOpenContext(b1) + e.docsFooter(ctx, groupID)
		answer, err := e.LLM.SynthesizeAnswer(ctx, msg.ContentText, retrieved, e.language(ctx, groupID))
		if err != nil {
			return "", fmt.Errorf("synthesize_answer: %w", err)
		}
		if !strings.Contains(answer, llmgateway.TagAdmin) {
			answer = strings.TrimSpace(answer) + " " + llmgateway.TagAdmin
		}
		return answer, nil
	}

	return llmgateway.TagAdmin, nil
}

func (e *Engine) caseLink(caseID string) string {
	base := strings.TrimRight(e.PublicBaseURL, "/")
	return fmt.Sprintf("%s/cases/%s", base, caseID)
}

func (e *Engine) formatSolvedContext(ctx context.Context, hits []index.Hit, recent []store.Case) string {
	var sb strings.Builder
	seen := make(map[string]bool)
	for _, h := range hits {
		seen[h.CaseID] = true
		fmt.Fprintf(&sb, "Case %s (similarity %.3f)\n", h.CaseID, h.Similarity)
		if c, ok, err := e.Store.GetCase(ctx, h.CaseID); err == nil && ok {
			fmt.Fprintf(&sb, "Problem: %s\nSolution: %s\n", c.ProblemSummary, c.SolutionSummary)
		}
		fmt.Fprintf(&sb, "Link: %s\n", e.caseLink(h.CaseID))
	}
	for _, c := range recent {
		if seen[c.CaseID] {
			continue
		}
		fmt.Fprintf(&sb, "Case %s\nProblem: %s\nSolution: %s\nLink: %s\n", c.CaseID, c.ProblemSummary, c.SolutionSummary, e.caseLink(c.CaseID))
	}
	if sb.Len() == 0 {
		return "no relevant cases"
	}
	return sb.String()
}

// docsFooter appends the group's /setdocs reference URLs so the synthesizer
// can point at them alongside case links.
func (e *Engine) docsFooter(ctx context.Context, groupID string) string {
	urls, err := e.Store.GetGroupDocs(ctx, groupID)
	if err != nil || len(urls) == 0 {
		return ""
	}
	return "Reference docs:\n" + strings.Join(urls, "\n") + "\n"
}

func (e *Engine) formatOpenContext(open []store.Case) string {
	var sb strings.Builder
	for _, c := range open {
		fmt.Fprintf(&sb, "Open case %s\nProblem: %s\nLink: %s\n", c.CaseID, c.ProblemSummary, e.caseLink(c.CaseID))
	}
	return sb.String()
}

// substituteAdminTag replaces the sentinel with transport mention tokens
// for active admins, and returns the recipient list for the transport
// call.
func (e *Engine) substituteAdminTag(reply string, admins []string) (string, []string) {
	if !strings.Contains(reply, llmgateway.TagAdmin) {
		return reply, nil
	}
	tokens := make([]string, 0, len(admins))
	for _, a := range admins {
		tokens = append(tokens, e.Transport.MentionToken(a))
	}
	return strings.ReplaceAll(reply, llmgateway.TagAdmin, strings.Join(tokens, " ")), admins
}

func (e *Engine) language(ctx context.Context, groupID string) string {
	fallback := e.DefaultLang
	if fallback == "" {
		fallback = "en"
	}
	admins, err := e.Store.ActiveAdminsForGroup(ctx, groupID)
	if err != nil || len(admins) == 0 {
		return fallback
	}
	session, ok, err := e.Store.GetAdminSession(ctx, admins[0])
	if err != nil || !ok || session.Lang == "" {
		return fallback
	}
	return string(session.Lang)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) topK() int {
	if e.RetrieveTopK > 0 {
		return e.RetrieveTopK
	}
	return 5
}

func (e *Engine) window() time.Duration {
	if e.B2Window > 0 {
		return e.B2Window
	}
	return 72 * time.Hour
}

func (e *Engine) alreadySent(ctx context.Context, groupID, messageID string) (bool, error) {
	key := groupID + "/" + messageID
	if e.SentCache != nil {
		return e.SentCache.Seen(ctx, key)
	}
	e.sentMu.Lock()
	defer e.sentMu.Unlock()
	return e.sent[key], nil
}

func (e *Engine) markSent(ctx context.Context, groupID, messageID string) error {
	key := groupID + "/" + messageID
	if e.SentCache != nil {
		return e.SentCache.Mark(ctx, key)
	}
	e.sentMu.Lock()
	defer e.sentMu.Unlock()
	if e.sent == nil {
		e.sent = make(map[string]bool)
	}
	e.sent[key] = true
	return nil
}
