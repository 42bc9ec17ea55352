package index

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index used by tests and by agentd runs with
// no Qdrant configured.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]Entry)}
}

func (m *MemoryIndex) UpsertCase(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	cp.Embedding = append([]float32(nil), e.Embedding...)
	cp.EvidenceIDs = append([]string(nil), e.EvidenceIDs...)
	cp.EvidenceImgs = append([]string(nil), e.EvidenceImgs...)
	m.entries[e.CaseID] = cp
	return nil
}

func (m *MemoryIndex) DeleteCase(_ context.Context, caseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, caseID)
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, groupID string, queryEmbedding []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 {
		k = 10
	}
	qnorm := norm(queryEmbedding)
	hits := make([]Hit, 0, len(m.entries))
	for id, e := range m.entries {
		if groupID != "" && e.GroupID != groupID {
			continue
		}
		hits = append(hits, Hit{
			CaseID:     id,
			Similarity: cosine(queryEmbedding, e.Embedding, qnorm),
			Metadata:   Metadata{GroupID: e.GroupID, Status: e.Status, EvidenceIDs: e.EvidenceIDs, EvidenceImgs: e.EvidenceImgs},
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) ListIDs(_ context.Context, groupID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, e := range m.entries {
		if groupID == "" || e.GroupID == groupID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func norm(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = norm(a)
	}
	bnorm := norm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (anorm * bnorm)
}
