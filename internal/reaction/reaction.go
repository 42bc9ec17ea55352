// Package reaction applies emoji reaction events: positive reactions
// promote cases whose evidence matches the reacted message's timestamp,
// and reaction removal only ever deletes the Reaction row, never
// un-solving a case.
package reaction

import (
	"context"
	"fmt"
	"strings"

	"caseforge/internal/index"
	"caseforge/internal/llmgateway"
	"caseforge/internal/logging"
	"caseforge/internal/store"
)

// Handler applies reaction-add/remove events to the Store and Index.
type Handler struct {
	Store       store.Store
	Index       index.Index
	LLM         llmgateway.Gateway
	PositiveSet map[string]bool
}

func (h *Handler) isPositive(emoji string) bool {
	if len(h.PositiveSet) == 0 {
		return emoji == "👍" || emoji == "✅"
	}
	return h.PositiveSet[emoji]
}

// OnAdd processes a reaction add event. Every reaction is stored; only
// positive ones confirm cases.
func (h *Handler) OnAdd(ctx context.Context, groupID string, targetTS int64, targetAuthor, senderHash, emoji string) error {
	positive := h.isPositive(emoji)
	if err := h.Store.UpsertReaction(ctx, store.Reaction{
		GroupID: groupID, TargetTS: targetTS, TargetAuthor: targetAuthor,
		SenderHash: senderHash, Emoji: emoji, IsPositive: positive,
	}); err != nil {
		return fmt.Errorf("reaction: upsert: %w", err)
	}
	if !positive {
		return nil
	}

	affected, err := h.Store.ConfirmCasesByEvidenceTS(ctx, groupID, targetTS, emoji)
	if err != nil {
		return fmt.Errorf("reaction: confirm_cases_by_evidence_ts: %w", err)
	}
	log := logging.FromContext(ctx)
	for _, c := range affected {
		if c.SolutionSummary == "" || c.InIndex {
			continue
		}
		if err := h.promoteToIndex(ctx, c); err != nil {
			log.Error().Err(err).Str("case_id", c.CaseID).Msg("reaction_index_upsert_failed_deferred_to_reconciler")
		}
	}
	return nil
}

// OnRemove deletes only the Reaction row; a removed reaction never
// un-solves a case.
func (h *Handler) OnRemove(ctx context.Context, groupID string, targetTS int64, targetAuthor, senderHash, emoji string) error {
	if err := h.Store.DeleteReaction(ctx, groupID, targetTS, targetAuthor, senderHash, emoji); err != nil {
		return fmt.Errorf("reaction: delete: %w", err)
	}
	return nil
}

func (h *Handler) promoteToIndex(ctx context.Context, c store.Case) error {
	doc := fmt.Sprintf("[SOLVED] %s\nProblem: %s\nSolution: %s\ntags: %s",
		c.ProblemTitle, c.ProblemSummary, c.SolutionSummary, strings.Join(c.Tags, ", "))
	embedding, err := h.LLM.Embed(ctx, doc)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	entry := index.Entry{
		CaseID:      c.CaseID,
		Document:    doc,
		Embedding:   embedding,
		GroupID:     c.GroupID,
		Status:      string(store.CaseSolved),
		EvidenceIDs: c.EvidenceIDs,
	}
	if err := h.Index.UpsertCase(ctx, entry); err != nil {
		return err
	}
	return h.Store.MarkCaseInIndex(ctx, c.CaseID)
}
