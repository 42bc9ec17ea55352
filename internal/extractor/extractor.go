// Package extractor implements the case extractor: it runs inside a
// BUFFER_UPDATE job, mines new case spans from the current buffer,
// dynamically resolves open cases, deduplicates by embedding similarity,
// and promotes solved cases to the semantic index.
package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"caseforge/internal/buffer"
	"caseforge/internal/index"
	"caseforge/internal/llmgateway"
	"caseforge/internal/logging"
	"caseforge/internal/metrics"
	"caseforge/internal/store"
)

// Extractor owns Phase 1 (new case mining) and Phase 2 (dynamic
// resolution) of BUFFER_UPDATE processing.
type Extractor struct {
	Store          store.Store
	Index          index.Index
	LLM            llmgateway.Gateway
	Now            func() time.Time
	MaxAge         time.Duration
	MaxMsgs        int
	DedupThreshold float64
	BotSenderHash  string
	Metrics        *metrics.Metrics
}

// Run processes one BUFFER_UPDATE(groupID, messageID) job: append the
// message, trim, extract new spans, resolve open cases, and persist the
// shrunk buffer. All mutation happens inside a single store.GroupLock call
// so per-group processing stays serialized across workers.
func (e *Extractor) Run(ctx context.Context, groupID, messageID string) error {
	log := logging.FromContext(ctx).With().Str("group_id", groupID).Str("message_id", messageID).Logger()

	msg, ok, err := e.Store.GetRawMessage(ctx, groupID, messageID)
	if err != nil {
		return fmt.Errorf("extractor: get raw message: %w", err)
	}
	if !ok {
		log.Warn().Msg("buffer_update_message_missing")
		return nil
	}

	return e.Store.GroupLock(ctx, groupID, func(ctx context.Context) error {
		current, err := e.Store.GetBuffer(ctx, groupID)
		if err != nil {
			return fmt.Errorf("extractor: get buffer: %w", err)
		}
		now := e.now()
		next := buffer.Append(current, e.toBufferMessage(msg), now, e.MaxAge, e.MaxMsgs)

		original := buffer.ParseToBlocks(next)
		filtered := buffer.FilterNonBot(original)

		accepted, err := e.phase1(ctx, groupID, original, filtered)
		if err != nil {
			return err
		}

		if err := e.phase2(ctx, groupID, next); err != nil {
			return err
		}

		if len(accepted) > 0 {
			next = buffer.RemoveSpans(original, filtered, accepted)
		}
		if err := e.Store.SetBuffer(ctx, groupID, next); err != nil {
			return fmt.Errorf("extractor: set buffer: %w", err)
		}
		return nil
	})
}

func (e *Extractor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Extractor) toBufferMessage(m store.RawMessage) buffer.Message {
	return buffer.Message{
		SenderHash:    m.SenderHash,
		TS:            m.TS,
		MessageID:     m.MessageID,
		ReplyToID:     m.ReplyToID,
		ReactionCount: m.ReactionCount,
		ContentText:   m.ContentText,
		IsBot:         e.BotSenderHash != "" && m.SenderHash == e.BotSenderHash,
	}
}

// phase1 mines new case spans from the current buffer and returns the
// spans accepted for removal (those that resulted in a solved, indexed
// case). Open cases are left in the buffer untouched.
func (e *Extractor) phase1(ctx context.Context, groupID string, original, filtered []buffer.Block) ([]buffer.Span, error) {
	log := logging.FromContext(ctx)
	if len(filtered) == 0 {
		return nil, nil
	}
	numbered := buffer.FormatNumbered(filtered)
	spans, err := e.LLM.ExtractCaseSpans(ctx, numbered, len(filtered))
	if err != nil {
		log.Warn().Err(err).Msg("extract_case_spans_failed")
		return nil, nil
	}

	var accepted []buffer.Span
	for _, s := range spans {
		bs := buffer.Span{StartIdx: s.StartIdx, EndIdx: s.EndIdx}
		blocks := buffer.BlocksInRange(original, filtered, bs)
		if len(blocks) == 0 {
			continue
		}
		caseBlockText := buffer.CaseBlockText(blocks)
		structured, err := e.LLM.StructureCase(ctx, caseBlockText)
		if err != nil {
			log.Warn().Err(err).Msg("structure_case_failed")
			continue
		}
		if !structured.Keep {
			continue
		}
		evidence := buffer.EvidenceIDs(filtered, bs)
		solved, err := e.UpsertStructuredCase(ctx, groupID, structured, evidence, "")
		if err != nil {
			log.Error().Err(err).Msg("upsert_structured_case_failed")
			continue
		}
		if solved {
			accepted = append(accepted, bs)
		}
	}
	return accepted, nil
}

// UpsertStructuredCase computes the dedup embedding, merges into an
// existing near-duplicate or inserts a new case, then — if the resulting
// status is solved with a non-empty solution — upserts to the index.
// Returns whether the case ended up solved+indexed. closedEmoji is recorded
// on both the insert and merge paths; Phase 1 extraction always passes "".
// Exported so the history-bootstrap collaborator handler can drive the same
// insert/merge/index path instead of duplicating it.
func (e *Extractor) UpsertStructuredCase(ctx context.Context, groupID string, s llmgateway.CaseStructure, evidence []string, closedEmoji string) (bool, error) {
	dedupEmbedding, err := e.LLM.Embed(ctx, s.ProblemTitle+"\n"+s.ProblemSummary)
	if err != nil {
		return false, fmt.Errorf("embed dedup: %w", err)
	}

	matchID, found, err := e.Store.FindSimilarCase(ctx, groupID, dedupEmbedding, e.dedupThreshold())
	if err != nil {
		return false, fmt.Errorf("find_similar_case: %w", err)
	}

	var caseID string
	var status store.CaseStatus
	var solution string
	if found {
		patch := store.MergePatch{
			ProblemTitle:    s.ProblemTitle,
			ProblemSummary:  s.ProblemSummary,
			SolutionSummary: s.SolutionSummary,
			ClosedEmoji:     closedEmoji,
		}
		if err := e.Store.MergeCase(ctx, matchID, "", evidence, patch); err != nil {
			return false, fmt.Errorf("merge_case: %w", err)
		}
		target, ok, err := e.Store.GetCase(ctx, matchID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("merge target %s vanished", matchID)
		}
		caseID = matchID
		status = target.Status
		solution = target.SolutionSummary
		if status == store.CaseOpen && s.Status == "solved" && solution != "" {
			if err := e.Store.UpdateCaseToSolved(ctx, caseID, solution); err != nil {
				return false, err
			}
			status = store.CaseSolved
		}
	} else {
		caseID = fmt.Sprintf("case-%s-%d", groupID, e.now().UnixNano())
		status = store.CaseOpen
		if s.Status == "solved" {
			status = store.CaseSolved
		}
		c := store.Case{
			CaseID:          caseID,
			GroupID:         groupID,
			Status:          status,
			ProblemTitle:    s.ProblemTitle,
			ProblemSummary:  s.ProblemSummary,
			SolutionSummary: s.SolutionSummary,
			Tags:            s.Tags,
			EvidenceIDs:     evidence,
			DedupEmbedding:  dedupEmbedding,
			ClosedEmoji:     closedEmoji,
			CreatedAt:       e.now(),
			UpdatedAt:       e.now(),
		}
		if err := e.Store.InsertCase(ctx, c); err != nil {
			return false, fmt.Errorf("insert_case: %w", err)
		}
		solution = s.SolutionSummary
		if e.Metrics != nil {
			e.Metrics.CasesExtracted.WithLabelValues(string(status)).Inc()
		}
	}

	if status == store.CaseSolved && solution != "" {
		return true, e.promoteToIndex(ctx, groupID, caseID)
	}
	return false, nil
}

// phase2 runs dynamic resolution: every open case in the group is checked
// against the current buffer text.
func (e *Extractor) phase2(ctx context.Context, groupID, bufferText string) error {
	log := logging.FromContext(ctx)
	open, err := e.Store.GetOpenCasesForGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("get_open_cases_for_group: %w", err)
	}
	for _, c := range open {
		check, err := e.LLM.CheckResolved(ctx, c.ProblemTitle, c.ProblemSummary, bufferText)
		if err != nil {
			log.Warn().Err(err).Str("case_id", c.CaseID).Msg("check_resolved_failed")
			continue
		}
		if !check.Resolved {
			continue
		}
		if err := e.resolveOpenCase(ctx, groupID, c, check.SolutionSummary); err != nil {
			log.Error().Err(err).Str("case_id", c.CaseID).Msg("resolve_open_case_failed")
		}
	}
	return nil
}

func (e *Extractor) resolveOpenCase(ctx context.Context, groupID string, c store.Case, solution string) error {
	dedupEmbedding := c.DedupEmbedding
	if len(dedupEmbedding) == 0 {
		var err error
		dedupEmbedding, err = e.LLM.Embed(ctx, c.ProblemTitle+"\n"+c.ProblemSummary)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
	}
	matchID, found, err := e.Store.FindSimilarCase(ctx, groupID, dedupEmbedding, e.dedupThreshold())
	if err != nil {
		return fmt.Errorf("find_similar_case: %w", err)
	}
	if found && matchID != c.CaseID {
		patch := store.MergePatch{
			ProblemTitle:    c.ProblemTitle,
			ProblemSummary:  c.ProblemSummary,
			SolutionSummary: solution,
			ClosedEmoji:     c.ClosedEmoji,
		}
		if err := e.Store.MergeCase(ctx, matchID, c.CaseID, c.EvidenceIDs, patch); err != nil {
			return fmt.Errorf("merge_case: %w", err)
		}
		return e.Store.ArchiveCase(ctx, c.CaseID)
	}
	if err := e.Store.UpdateCaseToSolved(ctx, c.CaseID, solution); err != nil {
		return fmt.Errorf("update_case_to_solved: %w", err)
	}
	return e.promoteToIndex(ctx, groupID, c.CaseID)
}

// promoteToIndex composes the index document, embeds it, upserts, and
// marks the case in_index. Index upsert failure is logged and left for the
// reconciler rather than failing the whole job.
func (e *Extractor) promoteToIndex(ctx context.Context, groupID, caseID string) error {
	c, ok, err := e.Store.GetCase(ctx, caseID)
	if err != nil || !ok {
		return fmt.Errorf("get_case for index promotion: %w", err)
	}
	doc := fmt.Sprintf("[SOLVED] %s\nProblem: %s\nSolution: %s\ntags: %s",
		c.ProblemTitle, c.ProblemSummary, c.SolutionSummary, strings.Join(c.Tags, ", "))
	ragEmbedding, err := e.LLM.Embed(ctx, doc)
	if err != nil {
		return fmt.Errorf("embed rag doc: %w", err)
	}
	entry := index.Entry{
		CaseID:      caseID,
		Document:    doc,
		Embedding:   ragEmbedding,
		GroupID:     groupID,
		Status:      string(store.CaseSolved),
		EvidenceIDs: c.EvidenceIDs,
	}
	if err := e.Index.UpsertCase(ctx, entry); err != nil {
		log := logging.FromContext(ctx)
		log.Error().Err(err).Str("case_id", caseID).Msg("index_upsert_failed_deferred_to_reconciler")
		return nil
	}
	return e.Store.MarkCaseInIndex(ctx, caseID)
}

func (e *Extractor) dedupThreshold() float64 {
	if e.DedupThreshold > 0 {
		return e.DedupThreshold
	}
	return 0.86
}
