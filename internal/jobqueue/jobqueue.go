// Package jobqueue runs the pool of worker loops on top of store.Store's
// durable queue: lease, dispatch by job type, complete or fail with
// exponential backoff, graceful drain on context cancellation.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"caseforge/internal/caseerr"
	"caseforge/internal/logging"
	"caseforge/internal/metrics"
	"caseforge/internal/store"
)

// BufferUpdatePayload is the JSON payload of a BUFFER_UPDATE job.
type BufferUpdatePayload struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
}

// MaybeRespondPayload is the JSON payload of a MAYBE_RESPOND job.
type MaybeRespondPayload struct {
	GroupID   string   `json:"group_id"`
	MessageID string   `json:"message_id"`
	Recent    []Recent `json:"recent"`
	Images    []Image  `json:"images"`
}

// Recent mirrors answer.RecentMessage for JSON transport across the queue.
type Recent struct {
	SenderHash  string `json:"sender_hash"`
	ContentText string `json:"content_text"`
}

// Image mirrors llmgateway.ImageInput for JSON transport.
type Image struct {
	Bytes []byte `json:"bytes"`
	MIME  string `json:"mime"`
}

// HistoryLinkPayload is the JSON payload of a HISTORY_LINK job.
type HistoryLinkPayload struct {
	AdminID string `json:"admin_id"`
	GroupID string `json:"group_id"`
	Token   string `json:"token"`
}

func EncodeBufferUpdate(p BufferUpdatePayload) []byte {
	b, _ := json.Marshal(p)
	return b
}

func EncodeMaybeRespond(p MaybeRespondPayload) []byte {
	b, _ := json.Marshal(p)
	return b
}

func EncodeHistoryLink(p HistoryLinkPayload) []byte {
	b, _ := json.Marshal(p)
	return b
}

// Dispatcher routes a leased job to the component that handles its type.
// Each handler returns an error classified via caseerr: ErrTerminal or
// ErrValidation fails the job on the first occurrence; any other error,
// ErrTransient or unclassified, is retried with backoff up to the attempts
// cap.
type Dispatcher struct {
	BufferUpdate func(ctx context.Context, p BufferUpdatePayload) error
	MaybeRespond func(ctx context.Context, p MaybeRespondPayload) error
	HistoryLink  func(ctx context.Context, p HistoryLinkPayload) error
}

func (d *Dispatcher) dispatch(ctx context.Context, j store.Job) error {
	switch j.Type {
	case store.JobBufferUpdate:
		if d.BufferUpdate == nil {
			return nil
		}
		var p BufferUpdatePayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return caseerr.Wrap(caseerr.ErrTerminal, "decode_buffer_update", err)
		}
		return d.BufferUpdate(ctx, p)
	case store.JobMaybeRespond:
		if d.MaybeRespond == nil {
			return nil
		}
		var p MaybeRespondPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return caseerr.Wrap(caseerr.ErrTerminal, "decode_maybe_respond", err)
		}
		return d.MaybeRespond(ctx, p)
	case store.JobHistoryLink:
		if d.HistoryLink == nil {
			return nil
		}
		var p HistoryLinkPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return caseerr.Wrap(caseerr.ErrTerminal, "decode_history_link", err)
		}
		return d.HistoryLink(ctx, p)
	default:
		return caseerr.Wrap(caseerr.ErrTerminal, "dispatch", fmt.Errorf("unknown job type %q", j.Type))
	}
}

// Config tunes the worker pool.
type Config struct {
	WorkerCount  int
	LeaseTime    time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
}

func (c Config) workerCount() int {
	if c.WorkerCount > 0 {
		return c.WorkerCount
	}
	return 4
}

func (c Config) leaseTime() time.Duration {
	if c.LeaseTime > 0 {
		return c.LeaseTime
	}
	return 30 * time.Second
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 500 * time.Millisecond
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 5
}

func (c Config) baseBackoff() time.Duration {
	if c.BaseBackoff > 0 {
		return c.BaseBackoff
	}
	return 2 * time.Second
}

// Pool is a fixed-size set of worker loops leasing from Store.
type Pool struct {
	Store   store.Store
	Disp    *Dispatcher
	Config  Config
	Metrics *metrics.Metrics
}

// Run starts WorkerCount worker loops and blocks until ctx is cancelled,
// draining in-flight jobs before returning.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	n := p.Config.workerCount()
	wg.Add(n)
	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := logging.FromContext(ctx).With().Str("worker_id", workerID).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.Store.Lease(ctx, workerID, p.Config.leaseTime())
		if err != nil {
			log.Error().Err(err).Msg("lease_failed")
			p.sleep(ctx, p.Config.pollInterval())
			continue
		}
		if !ok {
			p.sleep(ctx, p.Config.pollInterval())
			continue
		}

		jobLog := log.With().Str("job_id", job.JobID).Str("job_type", string(job.Type)).Int("attempts", job.Attempts).Logger()
		start := time.Now()
		err = p.Disp.dispatch(logging.WithLogger(ctx, jobLog), job)
		p.observeDuration(string(job.Type), time.Since(start))
		if err == nil {
			if err := p.Store.Complete(ctx, job.JobID); err != nil {
				jobLog.Error().Err(err).Msg("complete_failed")
			}
			p.recordOutcome(string(job.Type), "ok")
			p.observeAttempts(job.Attempts)
			continue
		}

		// Unclassified errors are treated as transient, not terminal, so a
		// bug in a handler doesn't silently drop work on its first try; it
		// still hits the attempts cap like any other retried failure.
		terminal := caseerr.IsTerminal(err) || caseerr.IsValidation(err)
		backoff := p.Config.baseBackoff() * time.Duration(1<<uint(job.Attempts-1))
		jobLog.Warn().Err(err).Bool("terminal", terminal).Dur("backoff", backoff).Msg("job_failed")
		if err := p.Store.Fail(ctx, job.JobID, p.Config.maxAttempts(), backoff, terminal); err != nil {
			jobLog.Error().Err(err).Msg("fail_failed")
		}
		p.recordOutcome(string(job.Type), "failed")
		p.recordFailure(string(job.Type), terminal)
	}
}

func (p *Pool) recordOutcome(jobType, outcome string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.JobsProcessed.WithLabelValues(jobType, outcome).Inc()
}

func (p *Pool) recordFailure(jobType string, terminal bool) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.JobFailures.WithLabelValues(jobType, strconv.FormatBool(terminal)).Inc()
}

func (p *Pool) observeDuration(jobType string, d time.Duration) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (p *Pool) observeAttempts(attempts int) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.JobAttempts.Observe(float64(attempts))
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
