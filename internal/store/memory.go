package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseforge/internal/caseerr"
)

// Memory is an in-process Store used by tests. It implements the same
// invariants as Postgres (idempotent inserts, per-group serialization via a
// real mutex rather than an advisory lock, merge/evidence-union semantics)
// without a database.
type Memory struct {
	mu sync.Mutex

	rawMessages map[string]RawMessage // group_id|message_id
	buffers     map[string]string     // group_id
	cases       map[string]*Case      // case_id
	reactions   map[string]Reaction   // group_id|ts|author|sender|emoji
	jobs        map[string]*Job
	admins      map[string]AdminSession
	links       map[string]bool // admin_id|group_id
	tokens      map[string]HistoryToken
	groupDocs   map[string][]string

	groupLocks map[string]*sync.Mutex
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		rawMessages: map[string]RawMessage{},
		buffers:     map[string]string{},
		cases:       map[string]*Case{},
		reactions:   map[string]Reaction{},
		jobs:        map[string]*Job{},
		admins:      map[string]AdminSession{},
		links:       map[string]bool{},
		tokens:      map[string]HistoryToken{},
		groupDocs:   map[string][]string{},
		groupLocks:  map[string]*sync.Mutex{},
	}
}

func (m *Memory) Close() {}

func rawKey(groupID, messageID string) string { return groupID + "|" + messageID }
func reactionKey(groupID string, ts int64, author, sender, emoji string) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s", groupID, ts, author, sender, emoji)
}
func linkKey(adminID, groupID string) string { return adminID + "|" + groupID }

func (m *Memory) InsertRawMessage(ctx context.Context, msg RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rawKey(msg.GroupID, msg.MessageID)
	if _, ok := m.rawMessages[k]; ok {
		return false, nil
	}
	m.rawMessages[k] = msg
	return true, nil
}

func (m *Memory) GetRawMessage(ctx context.Context, groupID, messageID string) (RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.rawMessages[rawKey(groupID, messageID)]
	return msg, ok, nil
}

func (m *Memory) GetBuffer(ctx context.Context, groupID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffers[groupID], nil
}

func (m *Memory) SetBuffer(ctx context.Context, groupID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[groupID] = text
	return nil
}

func (m *Memory) InsertCase(ctx context.Context, c Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.CaseID == "" {
		c.CaseID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	cp := c
	cp.EvidenceIDs = append([]string(nil), c.EvidenceIDs...)
	m.cases[c.CaseID] = &cp
	return nil
}

func (m *Memory) GetCase(ctx context.Context, caseID string) (Case, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return Case{}, false, nil
	}
	return cloneCase(c), true, nil
}

func cloneCase(c *Case) Case {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	cp.EvidenceIDs = append([]string(nil), c.EvidenceIDs...)
	cp.DedupEmbedding = append([]float32(nil), c.DedupEmbedding...)
	return cp
}

func (m *Memory) MergeCase(ctx context.Context, targetID, sourceID string, extraEvidence []string, patch MergePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.cases[targetID]
	if !ok {
		return caseerr.Wrap(caseerr.ErrTerminal, "merge_case", fmt.Errorf("target %s not found", targetID))
	}
	t.EvidenceIDs = unionPreserveOrder(t.EvidenceIDs, extraEvidence)
	if len(patch.ProblemTitle) > len(t.ProblemTitle) {
		t.ProblemTitle = patch.ProblemTitle
	}
	if len(patch.ProblemSummary) > len(t.ProblemSummary) {
		t.ProblemSummary = patch.ProblemSummary
	}
	if len(patch.SolutionSummary) > len(t.SolutionSummary) {
		t.SolutionSummary = patch.SolutionSummary
	}
	if patch.ClosedEmoji != "" {
		t.ClosedEmoji = patch.ClosedEmoji
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateCaseToSolved(ctx context.Context, caseID, solution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return caseerr.Wrap(caseerr.ErrTerminal, "update_case_to_solved", fmt.Errorf("case %s not found", caseID))
	}
	c.Status = CaseSolved
	c.SolutionSummary = solution
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkCaseInIndex(ctx context.Context, caseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return caseerr.Wrap(caseerr.ErrTerminal, "mark_case_in_index", fmt.Errorf("case %s not found", caseID))
	}
	c.InIndex = true
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ArchiveCase(ctx context.Context, caseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return nil
	}
	c.Status = CaseArchived
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteCase(ctx context.Context, caseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cases, caseID)
	return nil
}

func (m *Memory) FindSimilarCase(ctx context.Context, groupID string, embedding []float32, threshold float64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bestID string
	var bestSim float64
	var bestEvidence int
	var bestCreated time.Time
	found := false
	for _, c := range m.cases {
		if c.GroupID != groupID || len(c.DedupEmbedding) == 0 {
			continue
		}
		sim := cosineSimilarity(embedding, c.DedupEmbedding)
		if sim < threshold {
			continue
		}
		better := !found ||
			sim > bestSim ||
			(sim == bestSim && len(c.EvidenceIDs) > bestEvidence) ||
			(sim == bestSim && len(c.EvidenceIDs) == bestEvidence && c.CreatedAt.Before(bestCreated))
		if better {
			found = true
			bestID, bestSim, bestEvidence, bestCreated = c.CaseID, sim, len(c.EvidenceIDs), c.CreatedAt
		}
	}
	return bestID, found, nil
}

func (m *Memory) GetOpenCasesForGroup(ctx context.Context, groupID string) ([]Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Case
	for _, c := range m.cases {
		if c.GroupID == groupID && c.Status == CaseOpen {
			out = append(out, cloneCase(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) GetRecentSolvedCases(ctx context.Context, groupID string, sinceTS int64) ([]Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	since := time.UnixMilli(sinceTS).UTC()
	var out []Case
	for _, c := range m.cases {
		if c.GroupID == groupID && c.Status == CaseSolved && !c.UpdatedAt.Before(since) {
			out = append(out, cloneCase(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) ConfirmCasesByEvidenceTS(ctx context.Context, groupID string, targetTS int64, emoji string) ([]Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []Case
	for _, c := range m.cases {
		if c.GroupID != groupID {
			continue
		}
		for _, mid := range c.EvidenceIDs {
			if raw, ok := m.rawMessages[rawKey(groupID, mid)]; ok && raw.TS == targetTS {
				c.Status = CaseSolved
				c.ClosedEmoji = emoji
				c.UpdatedAt = time.Now().UTC()
				affected = append(affected, cloneCase(c))
				break
			}
		}
	}
	return affected, nil
}

func (m *Memory) ExpireOldOpenCases(ctx context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	n := 0
	for id, c := range m.cases {
		if c.Status == CaseOpen && c.UpdatedAt.Before(cutoff) {
			delete(m.cases, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertReaction(ctx context.Context, r Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions[reactionKey(r.GroupID, r.TargetTS, r.TargetAuthor, r.SenderHash, r.Emoji)] = r
	return nil
}

func (m *Memory) DeleteReaction(ctx context.Context, groupID string, targetTS int64, targetAuthor, senderHash, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reactions, reactionKey(groupID, targetTS, targetAuthor, senderHash, emoji))
	return nil
}

func (m *Memory) GroupLock(ctx context.Context, groupID string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	lock, ok := m.groupLocks[groupID]
	if !ok {
		lock = &sync.Mutex{}
		m.groupLocks[groupID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func (m *Memory) Enqueue(ctx context.Context, jobType JobType, payload []byte) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := &Job{JobID: uuid.NewString(), Type: jobType, Payload: payload, Status: JobPending, CreatedAt: time.Now().UTC(), NextVisibleAt: time.Now().UTC()}
	m.jobs[j.JobID] = j
	return *j, nil
}

func (m *Memory) PendingJobCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == JobPending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var best *Job
	for _, j := range m.jobs {
		if (j.Status == JobPending || j.Status == JobInProgress) && !j.NextVisibleAt.After(now) {
			if best == nil || j.CreatedAt.Before(best.CreatedAt) {
				best = j
			}
		}
	}
	if best == nil {
		return Job{}, false, nil
	}
	best.Status = JobInProgress
	best.Attempts++
	best.NextVisibleAt = now.Add(leaseDuration)
	return *best, true, nil
}

func (m *Memory) Complete(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.Status = JobDone
	}
	return nil
}

func (m *Memory) Fail(ctx context.Context, jobID string, maxAttempts int, backoff time.Duration, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	if terminal || j.Attempts >= maxAttempts {
		j.Status = JobFailed
		return nil
	}
	j.Status = JobPending
	j.NextVisibleAt = time.Now().UTC().Add(backoff)
	return nil
}

func (m *Memory) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok && j.Status == JobPending {
		j.Status = JobCancelled
	}
	return nil
}

func (m *Memory) GCJobs(ctx context.Context, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-retention)
	n := 0
	for id, j := range m.jobs {
		if (j.Status == JobDone || j.Status == JobFailed || j.Status == JobCancelled) && j.CreatedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetAdminSession(ctx context.Context, adminID string) (AdminSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admins[adminID]
	return a, ok, nil
}

func (m *Memory) PutAdminSession(ctx context.Context, a AdminSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	m.admins[a.AdminID] = a
	return nil
}

func (m *Memory) DeleteAdminSession(ctx context.Context, adminID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.admins, adminID)
	return nil
}

func (m *Memory) SetGroupDocs(ctx context.Context, groupID string, urls []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupDocs[groupID] = append([]string(nil), urls...)
	return nil
}

func (m *Memory) GetGroupDocs(ctx context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.groupDocs[groupID]...), nil
}

func (m *Memory) LinkAdminGroup(ctx context.Context, adminID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[linkKey(adminID, groupID)] = true
	return nil
}

func (m *Memory) UnlinkAdminGroup(ctx context.Context, adminID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, linkKey(adminID, groupID))
	return nil
}

func (m *Memory) ActiveAdminsForGroup(ctx context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.links {
		adminID, gID := splitLinkKey(k)
		if gID != groupID {
			continue
		}
		if _, ok := m.admins[adminID]; ok {
			out = append(out, adminID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func splitLinkKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

func (m *Memory) CreateHistoryToken(ctx context.Context, t HistoryToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Token] = t
	return nil
}

func (m *Memory) ConsumeHistoryToken(ctx context.Context, token string) (HistoryToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.Consumed || time.Now().UTC().After(t.ExpiresAt) {
		return HistoryToken{}, caseerr.Wrap(caseerr.ErrValidation, "consume_history_token", fmt.Errorf("token invalid, consumed, or expired"))
	}
	t.Consumed = true
	m.tokens[token] = t
	return t, nil
}

func (m *Memory) GCExpiredTokens(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for k, t := range m.tokens {
		if now.After(t.ExpiresAt) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) WipeAdmin(ctx context.Context, adminID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.admins, adminID)
	for k := range m.links {
		id, _ := splitLinkKey(k)
		if id == adminID {
			delete(m.links, k)
		}
	}
	for k, t := range m.tokens {
		if t.AdminID == adminID {
			delete(m.tokens, k)
		}
	}
	for id, j := range m.jobs {
		if j.Type != JobHistoryLink {
			continue
		}
		var p struct {
			AdminID string `json:"admin_id"`
		}
		if err := json.Unmarshal(j.Payload, &p); err == nil && p.AdminID == adminID {
			delete(m.jobs, id)
		}
	}
	return nil
}

