// Package index implements the content-addressed semantic index over solved
// cases. It is keyed by case_id, carries the case document text alongside its
// embedding, and supports group-filtered similarity queries.
package index

import (
	"context"
	"encoding/json"
)

// Entry is the document stored at a case_id.
type Entry struct {
	CaseID       string
	Document     string
	Embedding    []float32
	GroupID      string
	Status       string
	EvidenceIDs  []string
	EvidenceImgs []string
}

// Hit is a single query result, ordered by descending similarity.
type Hit struct {
	CaseID     string
	Similarity float64
	Metadata   Metadata
}

// Metadata is the payload carried alongside an indexed case, round-tripped
// through the backend's native payload encoding.
type Metadata struct {
	GroupID      string   `json:"group_id"`
	Status       string   `json:"status"`
	EvidenceIDs  []string `json:"evidence_ids"`
	EvidenceImgs []string `json:"evidence_image_paths"`
}

func (m Metadata) encode() map[string]string {
	evidence, _ := json.Marshal(m.EvidenceIDs)
	images, _ := json.Marshal(m.EvidenceImgs)
	return map[string]string{
		"group_id":             m.GroupID,
		"status":               m.Status,
		"evidence_ids":         string(evidence),
		"evidence_image_paths": string(images),
	}
}

func decodeMetadata(md map[string]string) Metadata {
	var m Metadata
	m.GroupID = md["group_id"]
	m.Status = md["status"]
	_ = json.Unmarshal([]byte(md["evidence_ids"]), &m.EvidenceIDs)
	_ = json.Unmarshal([]byte(md["evidence_image_paths"]), &m.EvidenceImgs)
	return m
}

// Index is the Go interface for the semantic case index. Only cases with
// status=solved and a non-empty solution are ever upserted by callers; the
// index itself enforces no such policy, it only stores.
type Index interface {
	UpsertCase(ctx context.Context, e Entry) error
	Query(ctx context.Context, groupID string, queryEmbedding []float32, k int) ([]Hit, error)
	DeleteCase(ctx context.Context, caseID string) error
	ListIDs(ctx context.Context, groupID string) ([]string, error)
}
