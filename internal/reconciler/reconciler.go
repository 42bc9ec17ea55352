// Package reconciler runs caseforge's periodic maintenance: open-case
// expiry, Index/Store reconciliation, and token/job GC — a time.Ticker
// driving a bounded pass inside a cancellable context.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"caseforge/internal/index"
	"caseforge/internal/logging"
	"caseforge/internal/metrics"
	"caseforge/internal/store"
)

// Config tunes reconciler cadence and retention.
type Config struct {
	Interval       time.Duration
	OpenCaseMaxAge time.Duration
	JobRetention   time.Duration
}

func (c Config) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return time.Hour
}

func (c Config) openCaseMaxAge() time.Duration {
	if c.OpenCaseMaxAge > 0 {
		return c.OpenCaseMaxAge
	}
	return 30 * 24 * time.Hour
}

func (c Config) jobRetention() time.Duration {
	if c.JobRetention > 0 {
		return c.JobRetention
	}
	return 24 * time.Hour
}

// Reconciler owns the hourly maintenance pass.
type Reconciler struct {
	Store    store.Store
	Index    index.Index
	Config   Config
	GroupIDs func(ctx context.Context) ([]string, error)

	// Embed recomputes a case's retrieval embedding when re-upserting a row
	// the Index lost. Nil falls back to the case's dedup embedding, which
	// keeps the entry findable until the next solved-case write refreshes it.
	Embed func(ctx context.Context, text string) ([]float32, error)

	// Metrics is optional; a nil value disables recording (tests construct
	// a Reconciler without one freely).
	Metrics *metrics.Metrics
}

func (r *Reconciler) recordRun(task, outcome string) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.ReconcileRuns.WithLabelValues(task, outcome).Inc()
}

func (r *Reconciler) recordAffected(task string, n int) {
	if r.Metrics == nil || n <= 0 {
		return
	}
	r.Metrics.ReconcileAffected.WithLabelValues(task).Add(float64(n))
}

// Run ticks Tick on Config.Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.Config.interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. Each task is independent; a failure in
// one does not block the others.
func (r *Reconciler) Tick(ctx context.Context) {
	log := logging.FromContext(ctx)

	expired, err := r.Store.ExpireOldOpenCases(ctx, r.Config.openCaseMaxAge())
	if err != nil {
		log.Error().Err(err).Msg("reconciler_expire_open_cases_failed")
		r.recordRun("expire_open_cases", "error")
	} else {
		r.recordRun("expire_open_cases", "ok")
		r.recordAffected("expire_open_cases", expired)
		if expired > 0 {
			log.Info().Int("count", expired).Msg("reconciler_expired_open_cases")
		}
	}

	if err := r.reconcileIndex(ctx); err != nil {
		log.Error().Err(err).Msg("reconciler_index_reconcile_failed")
		r.recordRun("reconcile_index", "error")
	} else {
		r.recordRun("reconcile_index", "ok")
	}

	gcTokens, err := r.Store.GCExpiredTokens(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconciler_gc_tokens_failed")
		r.recordRun("gc_tokens", "error")
	} else {
		r.recordRun("gc_tokens", "ok")
		r.recordAffected("gc_tokens", gcTokens)
		if gcTokens > 0 {
			log.Info().Int("count", gcTokens).Msg("reconciler_gc_tokens")
		}
	}

	gcJobs, err := r.Store.GCJobs(ctx, r.Config.jobRetention())
	if err != nil {
		log.Error().Err(err).Msg("reconciler_gc_jobs_failed")
		r.recordRun("gc_jobs", "error")
	} else {
		r.recordRun("gc_jobs", "ok")
		r.recordAffected("gc_jobs", gcJobs)
		if gcJobs > 0 {
			log.Info().Int("count", gcJobs).Msg("reconciler_gc_jobs")
		}
	}
}

// reconcileIndex walks each group: Index entries whose case is missing or
// not in_index=true in Store are deleted, and any in_index=true Store case
// missing from the Index is re-upserted.
func (r *Reconciler) reconcileIndex(ctx context.Context) error {
	if r.GroupIDs == nil {
		return nil
	}
	groups, err := r.GroupIDs(ctx)
	if err != nil {
		return err
	}
	log := logging.FromContext(ctx)
	for _, groupID := range groups {
		ids, err := r.Index.ListIDs(ctx, groupID)
		if err != nil {
			log.Error().Err(err).Str("group_id", groupID).Msg("reconciler_list_ids_failed")
			continue
		}
		seen := make(map[string]bool, len(ids))
		for _, caseID := range ids {
			seen[caseID] = true
			c, ok, err := r.Store.GetCase(ctx, caseID)
			if err != nil {
				log.Error().Err(err).Str("case_id", caseID).Msg("reconciler_get_case_failed")
				continue
			}
			if !ok || !c.InIndex || c.Status != store.CaseSolved {
				if err := r.Index.DeleteCase(ctx, caseID); err != nil {
					log.Error().Err(err).Str("case_id", caseID).Msg("reconciler_orphan_delete_failed")
				}
			}
		}

		solved, err := r.Store.GetRecentSolvedCases(ctx, groupID, 0)
		if err != nil {
			log.Error().Err(err).Str("group_id", groupID).Msg("reconciler_get_recent_solved_failed")
			continue
		}
		for _, c := range solved {
			if !c.InIndex || seen[c.CaseID] {
				continue
			}
			if err := r.reupsert(ctx, c); err != nil {
				log.Error().Err(err).Str("case_id", c.CaseID).Msg("reconciler_reupsert_failed")
			}
		}
	}
	return nil
}

func (r *Reconciler) reupsert(ctx context.Context, c store.Case) error {
	doc := fmt.Sprintf("[SOLVED] %s\nProblem: %s\nSolution: %s\ntags: %s",
		c.ProblemTitle, c.ProblemSummary, c.SolutionSummary, strings.Join(c.Tags, ", "))
	embedding := c.DedupEmbedding
	if r.Embed != nil {
		vec, err := r.Embed(ctx, doc)
		if err != nil {
			return err
		}
		embedding = vec
	}
	entry := index.Entry{
		CaseID:      c.CaseID,
		Document:    doc,
		Embedding:   embedding,
		GroupID:     c.GroupID,
		Status:      string(c.Status),
		EvidenceIDs: c.EvidenceIDs,
	}
	return r.Index.UpsertCase(ctx, entry)
}
