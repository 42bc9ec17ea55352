// Package llmgateway implements the seven typed LLM calls caseforge needs:
// image OCR, gate classification, span extraction, case structuring,
// dynamic resolution checks, embedding, and answer synthesis. The five
// structured calls return either a validated Go value or a typed
// ParseError — free text from the model is never trusted without a
// parse-and-validate pass. Embed and SynthesizeAnswer return the
// provider's error as is.
package llmgateway

import (
	"context"
	"fmt"
)

// ParseError marks an LLM response that failed schema validation after the
// retry-once policy was exhausted. It is never a panic and
// never reaches the end user; callers treat it as "no spans" / "discard" /
// "not resolved" per the operation.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("llmgateway: %s: parse failed: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ImageFacts is the result of image_to_text.
type ImageFacts struct {
	Observations  []string `json:"observations"`
	ExtractedText string   `json:"extracted_text"`
}

// GateTag is the classification gate_classify assigns to a live message.
type GateTag string

const (
	TagNewQuestion       GateTag = "new_question"
	TagOngoingDiscussion GateTag = "ongoing_discussion"
	TagStatement         GateTag = "statement"
	TagNoise             GateTag = "noise"
)

// GateDecision is the result of gate_classify. Consider is true only for
// new_question or ongoing_discussion, enforced by ValidateGateDecision.
type GateDecision struct {
	Consider bool    `json:"consider"`
	Tag      GateTag `json:"tag"`
}

// Span is a candidate case's contiguous block range in the numbered buffer.
type Span struct {
	StartIdx int `json:"start_idx"`
	EndIdx   int `json:"end_idx"`
}

// CaseStructure is the result of structure_case.
type CaseStructure struct {
	Keep            bool     `json:"keep"`
	Status          string   `json:"status"` // "open" | "solved"
	ProblemTitle    string   `json:"problem_title"`
	ProblemSummary  string   `json:"problem_summary"`
	SolutionSummary string   `json:"solution_summary"`
	Tags            []string `json:"tags"`
}

// ResolutionCheck is the result of check_resolved.
type ResolutionCheck struct {
	Resolved        bool   `json:"resolved"`
	SolutionSummary string `json:"solution_summary"`
}

// TagAdmin is the sentinel synthesize_answer emits when retrieved context
// doesn't answer the question; callers substitute real mention tokens.
const TagAdmin = "[[TAG_ADMIN]]"

// ImageInput is one attachment passed to image_to_text or gate_classify.
type ImageInput struct {
	Bytes []byte
	MIME  string
}

// Gateway is the typed LLM surface the rest of caseforge depends on. The
// five structured methods either return a validated value or a
// *ParseError; Embed returns a vector and SynthesizeAnswer returns the
// reply text, each with the provider's error on failure.
type Gateway interface {
	ImageToText(ctx context.Context, image ImageInput, contextText string) (ImageFacts, error)
	GateClassify(ctx context.Context, message, recentContext string, images []ImageInput) (GateDecision, error)
	ExtractCaseSpans(ctx context.Context, numberedBuffer string, numBlocks int) ([]Span, error)
	StructureCase(ctx context.Context, caseBlockText string) (CaseStructure, error)
	CheckResolved(ctx context.Context, caseTitle, caseProblem, bufferText string) (ResolutionCheck, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	SynthesizeAnswer(ctx context.Context, question, retrievedContext, language string) (string, error)
}
