package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"caseforge/internal/caseerr"
	"caseforge/internal/logging"
)

type txKey struct{}

// Postgres is the primary Store implementation. TxTimeout bounds each
// GroupLock transaction; zero disables the bound.
type Postgres struct {
	pool      *pgxpool.Pool
	TxTimeout time.Duration
}

// NewPostgres wraps an already-opened pool (see OpenPool) as a Store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Init creates all tables idempotently.
func (s *Postgres) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS raw_messages (
    group_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    ts BIGINT NOT NULL,
    sender_hash TEXT NOT NULL,
    sender_name TEXT NOT NULL DEFAULT '',
    content_text TEXT NOT NULL DEFAULT '',
    image_paths JSONB NOT NULL DEFAULT '[]',
    reply_to_id TEXT NOT NULL DEFAULT '',
    reaction_count INT NOT NULL DEFAULT 0,
    PRIMARY KEY (group_id, message_id)
);

CREATE TABLE IF NOT EXISTS group_buffers (
    group_id TEXT PRIMARY KEY,
    buffer_text TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cases (
    case_id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL,
    status TEXT NOT NULL,
    problem_title TEXT NOT NULL DEFAULT '',
    problem_summary TEXT NOT NULL DEFAULT '',
    solution_summary TEXT NOT NULL DEFAULT '',
    tags JSONB NOT NULL DEFAULT '[]',
    evidence_ids JSONB NOT NULL DEFAULT '[]',
    dedup_embedding REAL[],
    in_index BOOLEAN NOT NULL DEFAULT FALSE,
    closed_emoji TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS cases_group_status_idx ON cases(group_id, status);
CREATE INDEX IF NOT EXISTS cases_group_updated_idx ON cases(group_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS case_evidence (
    case_id TEXT NOT NULL REFERENCES cases(case_id) ON DELETE CASCADE,
    message_id TEXT NOT NULL,
    PRIMARY KEY (case_id, message_id)
);

CREATE TABLE IF NOT EXISTS reactions (
    group_id TEXT NOT NULL,
    target_ts BIGINT NOT NULL,
    target_author TEXT NOT NULL,
    sender_hash TEXT NOT NULL,
    emoji TEXT NOT NULL,
    is_positive BOOLEAN NOT NULL,
    PRIMARY KEY (group_id, target_ts, target_author, sender_hash, emoji)
);

CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    payload BYTEA NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    next_visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    leased_by TEXT NOT NULL DEFAULT '',
    leased_until TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_status_visible_idx ON jobs(status, next_visible_at);

CREATE TABLE IF NOT EXISTS admin_sessions (
    admin_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    pending_group_id TEXT NOT NULL DEFAULT '',
    pending_group_name TEXT NOT NULL DEFAULT '',
    pending_token TEXT NOT NULL DEFAULT '',
    pending_job_id TEXT NOT NULL DEFAULT '',
    lang TEXT NOT NULL DEFAULT 'en',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS group_settings (
    group_id TEXT PRIMARY KEY,
    docs_urls JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS admin_group_links (
    admin_id TEXT NOT NULL,
    group_id TEXT NOT NULL,
    PRIMARY KEY (admin_id, group_id)
);

CREATE TABLE IF NOT EXISTS history_tokens (
    token TEXT PRIMARY KEY,
    admin_id TEXT NOT NULL,
    group_id TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    consumed BOOLEAN NOT NULL DEFAULT FALSE
);
`

func (s *Postgres) q(ctx context.Context) queryExecer {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// queryExecer is the subset of pgx.Tx/*pgxpool.Pool used by every method
// below; kept narrow so GroupLock can swap in a transaction transparently.
type queryExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Postgres) GroupLock(ctx context.Context, groupID string, fn func(ctx context.Context) error) error {
	if s.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.TxTimeout)
		defer cancel()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "group_lock.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, groupID); err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "group_lock.acquire", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "group_lock.commit", err)
	}
	return nil
}

func (s *Postgres) InsertRawMessage(ctx context.Context, m RawMessage) (bool, error) {
	images, _ := json.Marshal(m.ImagePaths)
	tag, err := s.q(ctx).Exec(ctx, `
INSERT INTO raw_messages (group_id, message_id, ts, sender_hash, sender_name, content_text, image_paths, reply_to_id, reaction_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (group_id, message_id) DO NOTHING`,
		m.GroupID, m.MessageID, m.TS, m.SenderHash, m.SenderName, m.ContentText, images, m.ReplyToID, m.ReactionCount)
	if err != nil {
		return false, caseerr.Wrap(caseerr.ErrTransient, "insert_raw_message", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) GetRawMessage(ctx context.Context, groupID, messageID string) (RawMessage, bool, error) {
	row := s.q(ctx).QueryRow(ctx, `
SELECT group_id, message_id, ts, sender_hash, sender_name, content_text, image_paths, reply_to_id, reaction_count
FROM raw_messages WHERE group_id=$1 AND message_id=$2`, groupID, messageID)
	var m RawMessage
	var images []byte
	if err := row.Scan(&m.GroupID, &m.MessageID, &m.TS, &m.SenderHash, &m.SenderName, &m.ContentText, &images, &m.ReplyToID, &m.ReactionCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RawMessage{}, false, nil
		}
		return RawMessage{}, false, caseerr.Wrap(caseerr.ErrTransient, "get_raw_message", err)
	}
	_ = json.Unmarshal(images, &m.ImagePaths)
	return m, true, nil
}

func (s *Postgres) GetBuffer(ctx context.Context, groupID string) (string, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT buffer_text FROM group_buffers WHERE group_id=$1`, groupID)
	var text string
	if err := row.Scan(&text); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", caseerr.Wrap(caseerr.ErrTransient, "get_buffer", err)
	}
	return text, nil
}

func (s *Postgres) SetBuffer(ctx context.Context, groupID, text string) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO group_buffers (group_id, buffer_text) VALUES ($1,$2)
ON CONFLICT (group_id) DO UPDATE SET buffer_text = EXCLUDED.buffer_text`, groupID, text)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "set_buffer", err)
	}
	return nil
}

func (s *Postgres) InsertCase(ctx context.Context, c Case) error {
	if c.CaseID == "" {
		c.CaseID = uuid.NewString()
	}
	tags, _ := json.Marshal(c.Tags)
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO cases (case_id, group_id, status, problem_title, problem_summary, solution_summary, tags, evidence_ids, dedup_embedding, in_index, closed_emoji, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,'[]',$8,$9,$10,$11,$12)`,
		c.CaseID, c.GroupID, string(c.Status), c.ProblemTitle, c.ProblemSummary, c.SolutionSummary, tags, c.DedupEmbedding, c.InIndex, c.ClosedEmoji, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "insert_case", err)
	}
	for _, mid := range c.EvidenceIDs {
		if err := s.addEvidence(ctx, c.CaseID, mid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) addEvidence(ctx context.Context, caseID, messageID string) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO case_evidence (case_id, message_id) VALUES ($1,$2)
ON CONFLICT DO NOTHING`, caseID, messageID)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "add_evidence", err)
	}
	return nil
}

func (s *Postgres) GetCase(ctx context.Context, caseID string) (Case, bool, error) {
	row := s.q(ctx).QueryRow(ctx, `
SELECT case_id, group_id, status, problem_title, problem_summary, solution_summary, tags, dedup_embedding, in_index, closed_emoji, created_at, updated_at
FROM cases WHERE case_id=$1`, caseID)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, false, nil
		}
		return Case{}, false, caseerr.Wrap(caseerr.ErrTransient, "get_case", err)
	}
	evidence, err := s.evidenceFor(ctx, caseID)
	if err != nil {
		return Case{}, false, err
	}
	c.EvidenceIDs = evidence
	return c, true, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	var status string
	var tags []byte
	if err := row.Scan(&c.CaseID, &c.GroupID, &status, &c.ProblemTitle, &c.ProblemSummary, &c.SolutionSummary, &tags, &c.DedupEmbedding, &c.InIndex, &c.ClosedEmoji, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Case{}, err
	}
	c.Status = CaseStatus(status)
	_ = json.Unmarshal(tags, &c.Tags)
	return c, nil
}

func (s *Postgres) evidenceFor(ctx context.Context, caseID string) ([]string, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT ce.message_id
FROM case_evidence ce
JOIN cases c ON c.case_id = ce.case_id
LEFT JOIN raw_messages rm ON rm.group_id = c.group_id AND rm.message_id = ce.message_id
WHERE ce.case_id=$1
ORDER BY rm.ts ASC NULLS LAST, ce.message_id`, caseID)
	if err != nil {
		return nil, caseerr.Wrap(caseerr.ErrTransient, "evidence_for", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var mid string
		if err := rows.Scan(&mid); err != nil {
			return nil, caseerr.Wrap(caseerr.ErrTransient, "evidence_for.scan", err)
		}
		out = append(out, mid)
	}
	return out, rows.Err()
}

// MergeCase folds the incoming report into target: evidence union (earliest
// first, duplicates dropped), patch text fields applied when strictly
// longer, closed_emoji recorded when present, and the earlier created_at
// preserved. It does not delete source; callers archive it explicitly when
// appropriate.
func (s *Postgres) MergeCase(ctx context.Context, targetID, sourceID string, extraEvidence []string, patch MergePatch) error {
	target, ok, err := s.GetCase(ctx, targetID)
	if err != nil {
		return err
	}
	if !ok {
		return caseerr.Wrap(caseerr.ErrTerminal, "merge_case", fmt.Errorf("target %s not found", targetID))
	}
	merged := unionPreserveOrder(target.EvidenceIDs, extraEvidence)
	for _, mid := range merged {
		if err := s.addEvidence(ctx, targetID, mid); err != nil {
			return err
		}
	}
	title := target.ProblemTitle
	if len(patch.ProblemTitle) > len(title) {
		title = patch.ProblemTitle
	}
	summary := target.ProblemSummary
	if len(patch.ProblemSummary) > len(summary) {
		summary = patch.ProblemSummary
	}
	solution := target.SolutionSummary
	if len(patch.SolutionSummary) > len(solution) {
		solution = patch.SolutionSummary
	}
	emoji := target.ClosedEmoji
	if patch.ClosedEmoji != "" {
		emoji = patch.ClosedEmoji
	}
	_, err = s.q(ctx).Exec(ctx, `
UPDATE cases SET problem_title=$2, problem_summary=$3, solution_summary=$4, closed_emoji=$5, updated_at=NOW()
WHERE case_id=$1`, targetID, title, summary, solution, emoji)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "merge_case.update", err)
	}
	return nil
}

func unionPreserveOrder(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(extra))
	for _, id := range base {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range extra {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (s *Postgres) UpdateCaseToSolved(ctx context.Context, caseID, solution string) error {
	_, err := s.q(ctx).Exec(ctx, `
UPDATE cases SET status=$2, solution_summary=$3, updated_at=NOW() WHERE case_id=$1`,
		caseID, string(CaseSolved), solution)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "update_case_to_solved", err)
	}
	return nil
}

func (s *Postgres) MarkCaseInIndex(ctx context.Context, caseID string) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE cases SET in_index=TRUE, updated_at=NOW() WHERE case_id=$1`, caseID)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "mark_case_in_index", err)
	}
	return nil
}

func (s *Postgres) ArchiveCase(ctx context.Context, caseID string) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE cases SET status=$2, updated_at=NOW() WHERE case_id=$1`, caseID, string(CaseArchived))
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "archive_case", err)
	}
	return nil
}

func (s *Postgres) DeleteCase(ctx context.Context, caseID string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM cases WHERE case_id=$1`, caseID)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "delete_case", err)
	}
	return nil
}

// FindSimilarCase scans every dedup_embedding in the group and picks the
// closest above threshold. Cosine similarity is computed in Go rather than
// in SQL: dedup sets are small per group and this keeps the tie-break rule
// (more evidence, then earlier created_at) simple to express.
func (s *Postgres) FindSimilarCase(ctx context.Context, groupID string, embedding []float32, threshold float64) (string, bool, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT case_id, dedup_embedding, created_at,
       (SELECT count(*) FROM case_evidence ce WHERE ce.case_id = cases.case_id) AS evidence_count
FROM cases WHERE group_id=$1 AND dedup_embedding IS NOT NULL`, groupID)
	if err != nil {
		return "", false, caseerr.Wrap(caseerr.ErrTransient, "find_similar_case", err)
	}
	defer rows.Close()

	type candidate struct {
		id        string
		sim       float64
		evidence  int
		createdAt time.Time
	}
	var best *candidate
	for rows.Next() {
		var id string
		var vec []float32
		var createdAt time.Time
		var evidenceCount int
		if err := rows.Scan(&id, &vec, &createdAt, &evidenceCount); err != nil {
			return "", false, caseerr.Wrap(caseerr.ErrTransient, "find_similar_case.scan", err)
		}
		sim := cosineSimilarity(embedding, vec)
		if sim < threshold {
			continue
		}
		cand := candidate{id: id, sim: sim, evidence: evidenceCount, createdAt: createdAt}
		if best == nil || betterCandidate(cand, *best) {
			best = &cand
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, caseerr.Wrap(caseerr.ErrTransient, "find_similar_case.rows", err)
	}
	if best == nil {
		return "", false, nil
	}
	return best.id, true, nil
}

// betterCandidate reports whether a should replace b as the best match:
// higher similarity wins; on a tie, more evidence wins; on a further tie,
// the earlier created_at wins.
func betterCandidate(a, b struct {
	id        string
	sim       float64
	evidence  int
	createdAt time.Time
}) bool {
	if a.sim != b.sim {
		return a.sim > b.sim
	}
	if a.evidence != b.evidence {
		return a.evidence > b.evidence
	}
	return a.createdAt.Before(b.createdAt)
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, x := range a {
		na += float64(x) * float64(x)
	}
	for _, x := range b {
		nb += float64(x) * float64(x)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *Postgres) GetOpenCasesForGroup(ctx context.Context, groupID string) ([]Case, error) {
	return s.listCases(ctx, `
SELECT case_id, group_id, status, problem_title, problem_summary, solution_summary, tags, dedup_embedding, in_index, closed_emoji, created_at, updated_at
FROM cases WHERE group_id=$1 AND status=$2 ORDER BY updated_at DESC`, groupID, string(CaseOpen))
}

func (s *Postgres) GetRecentSolvedCases(ctx context.Context, groupID string, sinceTS int64) ([]Case, error) {
	since := time.UnixMilli(sinceTS).UTC()
	return s.listCases(ctx, `
SELECT case_id, group_id, status, problem_title, problem_summary, solution_summary, tags, dedup_embedding, in_index, closed_emoji, created_at, updated_at
FROM cases WHERE group_id=$1 AND status=$2 AND updated_at >= $3 ORDER BY updated_at DESC`, groupID, string(CaseSolved), since)
}

func (s *Postgres) listCases(ctx context.Context, query string, args ...any) ([]Case, error) {
	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, caseerr.Wrap(caseerr.ErrTransient, "list_cases", err)
	}
	defer rows.Close()
	var out []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, caseerr.Wrap(caseerr.ErrTransient, "list_cases.scan", err)
		}
		evidence, err := s.evidenceFor(ctx, c.CaseID)
		if err != nil {
			return nil, err
		}
		c.EvidenceIDs = evidence
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) ConfirmCasesByEvidenceTS(ctx context.Context, groupID string, targetTS int64, emoji string) ([]Case, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT DISTINCT c.case_id
FROM cases c
JOIN case_evidence ce ON ce.case_id = c.case_id
JOIN raw_messages rm ON rm.group_id = c.group_id AND rm.message_id = ce.message_id
WHERE c.group_id=$1 AND rm.ts=$2`, groupID, targetTS)
	if err != nil {
		return nil, caseerr.Wrap(caseerr.ErrTransient, "confirm_cases_by_evidence_ts", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, caseerr.Wrap(caseerr.ErrTransient, "confirm_cases_by_evidence_ts.scan", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var confirmed []Case
	for _, id := range ids {
		_, err := s.q(ctx).Exec(ctx, `
UPDATE cases SET status=$2, closed_emoji=$3, updated_at=NOW() WHERE case_id=$1`, id, string(CaseSolved), emoji)
		if err != nil {
			return nil, caseerr.Wrap(caseerr.ErrTransient, "confirm_cases_by_evidence_ts.update", err)
		}
		c, ok, err := s.GetCase(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			confirmed = append(confirmed, c)
		}
	}
	return confirmed, nil
}

func (s *Postgres) ExpireOldOpenCases(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM cases WHERE status=$1 AND updated_at < $2`, string(CaseOpen), cutoff)
	if err != nil {
		return 0, caseerr.Wrap(caseerr.ErrTransient, "expire_old_open_cases", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) UpsertReaction(ctx context.Context, r Reaction) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO reactions (group_id, target_ts, target_author, sender_hash, emoji, is_positive)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (group_id, target_ts, target_author, sender_hash, emoji) DO UPDATE SET is_positive = EXCLUDED.is_positive`,
		r.GroupID, r.TargetTS, r.TargetAuthor, r.SenderHash, r.Emoji, r.IsPositive)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "upsert_reaction", err)
	}
	return nil
}

func (s *Postgres) DeleteReaction(ctx context.Context, groupID string, targetTS int64, targetAuthor, senderHash, emoji string) error {
	_, err := s.q(ctx).Exec(ctx, `
DELETE FROM reactions WHERE group_id=$1 AND target_ts=$2 AND target_author=$3 AND sender_hash=$4 AND emoji=$5`,
		groupID, targetTS, targetAuthor, senderHash, emoji)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "delete_reaction", err)
	}
	return nil
}

func (s *Postgres) Enqueue(ctx context.Context, jobType JobType, payload []byte) (Job, error) {
	j := Job{JobID: uuid.NewString(), Type: jobType, Payload: payload, Status: JobPending, CreatedAt: time.Now().UTC(), NextVisibleAt: time.Now().UTC()}
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO jobs (job_id, type, payload, status, attempts, next_visible_at, created_at)
VALUES ($1,$2,$3,$4,0,$5,$6)`, j.JobID, string(j.Type), j.Payload, string(j.Status), j.NextVisibleAt, j.CreatedAt)
	if err != nil {
		return Job{}, caseerr.Wrap(caseerr.ErrTransient, "enqueue", err)
	}
	return j, nil
}

func (s *Postgres) PendingJobCount(ctx context.Context) (int, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status='pending'`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, caseerr.Wrap(caseerr.ErrTransient, "pending_job_count", err)
	}
	return n, nil
}

// Lease atomically claims the oldest visible pending job of any type using
// SELECT ... FOR UPDATE SKIP LOCKED, the standard Postgres queue pattern.
func (s *Postgres) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, false, caseerr.Wrap(caseerr.ErrTransient, "lease.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
SELECT job_id, type, payload, status, attempts, next_visible_at, created_at
FROM jobs
WHERE status IN ('pending','in_progress') AND next_visible_at <= NOW()
ORDER BY created_at ASC
FOR UPDATE SKIP LOCKED
LIMIT 1`)
	var j Job
	var typ, status string
	if err := row.Scan(&j.JobID, &typ, &j.Payload, &status, &j.Attempts, &j.NextVisibleAt, &j.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, caseerr.Wrap(caseerr.ErrTransient, "lease.scan", err)
	}
	j.Type = JobType(typ)
	j.Status = JobInProgress
	leaseUntil := time.Now().UTC().Add(leaseDuration)
	if _, err := tx.Exec(ctx, `
UPDATE jobs SET status='in_progress', attempts=attempts+1, leased_by=$2, leased_until=$3, next_visible_at=$3
WHERE job_id=$1`, j.JobID, workerID, leaseUntil); err != nil {
		return Job{}, false, caseerr.Wrap(caseerr.ErrTransient, "lease.update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Job{}, false, caseerr.Wrap(caseerr.ErrTransient, "lease.commit", err)
	}
	j.Attempts++
	return j, true, nil
}

func (s *Postgres) Complete(ctx context.Context, jobID string) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE jobs SET status='done' WHERE job_id=$1`, jobID)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "complete", err)
	}
	return nil
}

func (s *Postgres) Fail(ctx context.Context, jobID string, maxAttempts int, backoff time.Duration, terminal bool) error {
	if terminal {
		_, err := s.q(ctx).Exec(ctx, `UPDATE jobs SET status='failed' WHERE job_id=$1`, jobID)
		if err != nil {
			return caseerr.Wrap(caseerr.ErrTransient, "fail.terminal", err)
		}
		return nil
	}
	row := s.q(ctx).QueryRow(ctx, `SELECT attempts FROM jobs WHERE job_id=$1`, jobID)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "fail.scan", err)
	}
	if attempts >= maxAttempts {
		_, err := s.q(ctx).Exec(ctx, `UPDATE jobs SET status='failed' WHERE job_id=$1`, jobID)
		if err != nil {
			return caseerr.Wrap(caseerr.ErrTransient, "fail.cap", err)
		}
		return nil
	}
	nextVisible := time.Now().UTC().Add(backoff)
	_, err := s.q(ctx).Exec(ctx, `UPDATE jobs SET status='pending', next_visible_at=$2 WHERE job_id=$1`, jobID, nextVisible)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "fail.retry", err)
	}
	return nil
}

func (s *Postgres) Cancel(ctx context.Context, jobID string) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE jobs SET status='cancelled' WHERE job_id=$1 AND status='pending'`, jobID)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "cancel", err)
	}
	return nil
}

func (s *Postgres) GCJobs(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	tag, err := s.q(ctx).Exec(ctx, `
DELETE FROM jobs WHERE status IN ('done','failed','cancelled') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, caseerr.Wrap(caseerr.ErrTransient, "gc_jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) GetAdminSession(ctx context.Context, adminID string) (AdminSession, bool, error) {
	row := s.q(ctx).QueryRow(ctx, `
SELECT admin_id, state, pending_group_id, pending_group_name, pending_token, pending_job_id, lang, updated_at
FROM admin_sessions WHERE admin_id=$1`, adminID)
	var a AdminSession
	var state, lang string
	if err := row.Scan(&a.AdminID, &state, &a.PendingGroupID, &a.PendingGroupName, &a.PendingToken, &a.PendingJobID, &lang, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AdminSession{}, false, nil
		}
		return AdminSession{}, false, caseerr.Wrap(caseerr.ErrTransient, "get_admin_session", err)
	}
	a.State = AdminState(state)
	a.Lang = Language(lang)
	return a, true, nil
}

func (s *Postgres) PutAdminSession(ctx context.Context, a AdminSession) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO admin_sessions (admin_id, state, pending_group_id, pending_group_name, pending_token, pending_job_id, lang, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (admin_id) DO UPDATE SET state=EXCLUDED.state, pending_group_id=EXCLUDED.pending_group_id,
    pending_group_name=EXCLUDED.pending_group_name, pending_token=EXCLUDED.pending_token,
    pending_job_id=EXCLUDED.pending_job_id, lang=EXCLUDED.lang, updated_at=EXCLUDED.updated_at`,
		a.AdminID, string(a.State), a.PendingGroupID, a.PendingGroupName, a.PendingToken, a.PendingJobID, string(a.Lang), a.UpdatedAt)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "put_admin_session", err)
	}
	return nil
}

func (s *Postgres) DeleteAdminSession(ctx context.Context, adminID string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM admin_sessions WHERE admin_id=$1`, adminID)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "delete_admin_session", err)
	}
	return nil
}

func (s *Postgres) SetGroupDocs(ctx context.Context, groupID string, urls []string) error {
	encoded, _ := json.Marshal(urls)
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO group_settings (group_id, docs_urls) VALUES ($1,$2)
ON CONFLICT (group_id) DO UPDATE SET docs_urls = EXCLUDED.docs_urls`, groupID, encoded)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "set_group_docs", err)
	}
	return nil
}

func (s *Postgres) GetGroupDocs(ctx context.Context, groupID string) ([]string, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT docs_urls FROM group_settings WHERE group_id=$1`, groupID)
	var encoded []byte
	if err := row.Scan(&encoded); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, caseerr.Wrap(caseerr.ErrTransient, "get_group_docs", err)
	}
	var urls []string
	_ = json.Unmarshal(encoded, &urls)
	return urls, nil
}

func (s *Postgres) LinkAdminGroup(ctx context.Context, adminID, groupID string) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO admin_group_links (admin_id, group_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, adminID, groupID)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "link_admin_group", err)
	}
	return nil
}

func (s *Postgres) UnlinkAdminGroup(ctx context.Context, adminID, groupID string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM admin_group_links WHERE admin_id=$1 AND group_id=$2`, adminID, groupID)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "unlink_admin_group", err)
	}
	return nil
}

func (s *Postgres) ActiveAdminsForGroup(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT l.admin_id FROM admin_group_links l
JOIN admin_sessions a ON a.admin_id = l.admin_id
WHERE l.group_id=$1`, groupID)
	if err != nil {
		return nil, caseerr.Wrap(caseerr.ErrTransient, "active_admins_for_group", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, caseerr.Wrap(caseerr.ErrTransient, "active_admins_for_group.scan", err)
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, rows.Err()
}

func (s *Postgres) CreateHistoryToken(ctx context.Context, t HistoryToken) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO history_tokens (token, admin_id, group_id, expires_at, consumed) VALUES ($1,$2,$3,$4,$5)`,
		t.Token, t.AdminID, t.GroupID, t.ExpiresAt, t.Consumed)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "create_history_token", err)
	}
	return nil
}

func (s *Postgres) ConsumeHistoryToken(ctx context.Context, token string) (HistoryToken, error) {
	row := s.q(ctx).QueryRow(ctx, `
UPDATE history_tokens SET consumed=TRUE
WHERE token=$1 AND consumed=FALSE AND expires_at > NOW()
RETURNING token, admin_id, group_id, expires_at, consumed`, token)
	var t HistoryToken
	if err := row.Scan(&t.Token, &t.AdminID, &t.GroupID, &t.ExpiresAt, &t.Consumed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HistoryToken{}, caseerr.Wrap(caseerr.ErrValidation, "consume_history_token", fmt.Errorf("token invalid, consumed, or expired"))
		}
		return HistoryToken{}, caseerr.Wrap(caseerr.ErrTransient, "consume_history_token", err)
	}
	return t, nil
}

func (s *Postgres) GCExpiredTokens(ctx context.Context) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM history_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, caseerr.Wrap(caseerr.ErrTransient, "gc_expired_tokens", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) WipeAdmin(ctx context.Context, adminID string) error {
	log := logging.FromContext(ctx)
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM history_tokens WHERE admin_id=$1`, adminID)
	if err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "wipe_admin.tokens", err)
	}
	if _, err := s.q(ctx).Exec(ctx, `DELETE FROM admin_group_links WHERE admin_id=$1`, adminID); err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "wipe_admin.links", err)
	}
	if _, err := s.q(ctx).Exec(ctx, `DELETE FROM admin_sessions WHERE admin_id=$1`, adminID); err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "wipe_admin.session", err)
	}
	if _, err := s.q(ctx).Exec(ctx, `
DELETE FROM jobs WHERE type=$2 AND convert_from(payload, 'UTF8')::jsonb->>'admin_id' = $1`,
		adminID, string(JobHistoryLink)); err != nil {
		return caseerr.Wrap(caseerr.ErrTransient, "wipe_admin.jobs", err)
	}
	log.Info().Str("admin_id", adminID).Msg("admin_wiped")
	return nil
}
