package store

import (
	"context"
	"time"
)

// Store is the primary transactional store. All mutations touching a
// single group_id — buffer rewrite, case insert/merge, evidence upsert,
// index-mark — participate in one transaction; see GroupLock.
type Store interface {
	// InsertRawMessage inserts m, returning inserted=false if the
	// (group_id, message_id) pair already exists (a no-op, not an error).
	InsertRawMessage(ctx context.Context, m RawMessage) (inserted bool, err error)
	GetRawMessage(ctx context.Context, groupID, messageID string) (RawMessage, bool, error)

	GetBuffer(ctx context.Context, groupID string) (string, error)
	SetBuffer(ctx context.Context, groupID, text string) error

	InsertCase(ctx context.Context, c Case) error
	GetCase(ctx context.Context, caseID string) (Case, bool, error)
	// MergeCase folds the incoming report into targetID: evidence is
	// unioned (earliest first), patch text fields replace the target's when
	// strictly longer, patch.ClosedEmoji is recorded when non-empty, and the
	// earlier created_at is preserved.
	MergeCase(ctx context.Context, targetID, sourceID string, extraEvidence []string, patch MergePatch) error
	UpdateCaseToSolved(ctx context.Context, caseID, solution string) error
	MarkCaseInIndex(ctx context.Context, caseID string) error
	ArchiveCase(ctx context.Context, caseID string) error
	DeleteCase(ctx context.Context, caseID string) error

	// FindSimilarCase returns the nearest case in groupID whose
	// dedup_embedding cosine-similarity to embedding is >= threshold, or
	// ("", false, nil) if none qualifies. Ties prefer more evidence, then
	// earlier created_at.
	FindSimilarCase(ctx context.Context, groupID string, embedding []float32, threshold float64) (caseID string, ok bool, err error)

	GetOpenCasesForGroup(ctx context.Context, groupID string) ([]Case, error)
	GetRecentSolvedCases(ctx context.Context, groupID string, sinceTS int64) ([]Case, error)

	// ConfirmCasesByEvidenceTS promotes every case in groupID whose evidence
	// includes a message with ts=targetTS to solved, recording closedEmoji.
	ConfirmCasesByEvidenceTS(ctx context.Context, groupID string, targetTS int64, emoji string) (affected []Case, err error)
	ExpireOldOpenCases(ctx context.Context, maxAge time.Duration) (count int, err error)

	UpsertReaction(ctx context.Context, r Reaction) error
	DeleteReaction(ctx context.Context, groupID string, targetTS int64, targetAuthor, senderHash, emoji string) error

	// GroupLock runs fn holding a per-group advisory lock for the duration
	// of a single transaction. All buffer/case mutations for a
	// BUFFER_UPDATE job happen inside one GroupLock call.
	GroupLock(ctx context.Context, groupID string, fn func(ctx context.Context) error) error

	Enqueue(ctx context.Context, jobType JobType, payload []byte) (Job, error)
	// PendingJobCount reports the current queue depth, used by the Ingestor's
	// backpressure check.
	PendingJobCount(ctx context.Context) (int, error)
	Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (Job, bool, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, maxAttempts int, backoff time.Duration, terminal bool) error
	Cancel(ctx context.Context, jobID string) error
	GCJobs(ctx context.Context, retention time.Duration) (int, error)

	GetAdminSession(ctx context.Context, adminID string) (AdminSession, bool, error)
	PutAdminSession(ctx context.Context, s AdminSession) error
	DeleteAdminSession(ctx context.Context, adminID string) error

	// SetGroupDocs / GetGroupDocs persist the reference-doc URLs an admin set
	// via the privileged /setdocs command.
	SetGroupDocs(ctx context.Context, groupID string, urls []string) error
	GetGroupDocs(ctx context.Context, groupID string) ([]string, error)

	LinkAdminGroup(ctx context.Context, adminID, groupID string) error
	UnlinkAdminGroup(ctx context.Context, adminID, groupID string) error
	ActiveAdminsForGroup(ctx context.Context, groupID string) ([]string, error)

	CreateHistoryToken(ctx context.Context, t HistoryToken) error
	ConsumeHistoryToken(ctx context.Context, token string) (HistoryToken, error)
	GCExpiredTokens(ctx context.Context) (int, error)

	// WipeAdmin removes all data owned by or referencing adminID: sessions,
	// group links, pending tokens, and HISTORY_LINK jobs (the /wipe command
	// and contact-removed cleanup).
	WipeAdmin(ctx context.Context, adminID string) error

	Close()
}
