// Package store implements the transactional primary store: raw messages,
// per-group buffers, cases and their evidence, reactions, the durable job
// queue, and admin onboarding state. Postgres is the concrete backend; an
// in-memory implementation satisfying the same interface backs unit tests.
package store

import "time"

// CaseStatus is the lifecycle state of a Case.
type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseSolved   CaseStatus = "solved"
	CaseArchived CaseStatus = "archived"
)

// JobType distinguishes the three job kinds the queue carries.
type JobType string

const (
	JobBufferUpdate JobType = "BUFFER_UPDATE"
	JobMaybeRespond JobType = "MAYBE_RESPOND"
	JobHistoryLink  JobType = "HISTORY_LINK"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// AdminState is the lifecycle state of an AdminSession.
type AdminState string

const (
	AdminAwaitingGroupName AdminState = "awaiting_group_name"
	AdminAwaitingQRScan    AdminState = "awaiting_qr_scan"
)

// Language is an admin's preferred reply language.
type Language string

const (
	LangUK Language = "uk"
	LangEN Language = "en"
)

// RawMessage is an ingested chat message, immutable once inserted.
type RawMessage struct {
	GroupID       string
	MessageID     string
	TS            int64
	SenderHash    string
	SenderName    string
	ContentText   string
	ImagePaths    []string
	ReplyToID     string
	ReactionCount int
}

// Case is an extracted support case.
type Case struct {
	CaseID          string
	GroupID         string
	Status          CaseStatus
	ProblemTitle    string
	ProblemSummary  string
	SolutionSummary string
	Tags            []string
	EvidenceIDs     []string
	DedupEmbedding  []float32
	InIndex         bool
	ClosedEmoji     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MergePatch carries an incoming report's fields into a merge target.
// Text fields win only when strictly longer than the target's current
// value; ClosedEmoji is recorded when non-empty.
type MergePatch struct {
	ProblemTitle    string
	ProblemSummary  string
	SolutionSummary string
	ClosedEmoji     string
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	GroupID      string
	TargetTS     int64
	TargetAuthor string
	SenderHash   string
	Emoji        string
	IsPositive   bool
}

// Job is a unit of work on the durable queue.
type Job struct {
	JobID         string
	Type          JobType
	Payload       []byte
	Status        JobStatus
	Attempts      int
	NextVisibleAt time.Time
	CreatedAt     time.Time
}

// AdminSession is the state of a direct-message onboarding flow.
// PendingJobID tracks the HISTORY_LINK job a new group search must cancel
// if the admin changes their mind before scanning the QR code.
type AdminSession struct {
	AdminID          string
	State            AdminState
	PendingGroupID   string
	PendingGroupName string
	PendingToken     string
	PendingJobID     string
	Lang             Language
	UpdatedAt        time.Time
}

// HistoryToken authorizes a single history-bootstrap handoff.
type HistoryToken struct {
	Token     string
	AdminID   string
	GroupID   string
	ExpiresAt time.Time
	Consumed  bool
}
