package llmgateway

import "context"

// Fake is an in-memory Gateway used by package tests across caseforge
// (extractor, answer, reaction): no network calls, fully scriptable
// responses, safe for table-driven tests.
type Fake struct {
	ImageFactsFn func(ctx context.Context, image ImageInput, contextText string) (ImageFacts, error)
	GateFn       func(ctx context.Context, message, recentContext string, images []ImageInput) (GateDecision, error)
	SpansFn      func(ctx context.Context, numberedBuffer string, numBlocks int) ([]Span, error)
	StructureFn  func(ctx context.Context, caseBlockText string) (CaseStructure, error)
	ResolutionFn func(ctx context.Context, caseTitle, caseProblem, bufferText string) (ResolutionCheck, error)
	EmbedFn      func(ctx context.Context, text string) ([]float32, error)
	SynthesizeFn func(ctx context.Context, question, retrievedContext, language string) (string, error)
}

func (f *Fake) ImageToText(ctx context.Context, image ImageInput, contextText string) (ImageFacts, error) {
	if f.ImageFactsFn != nil {
		return f.ImageFactsFn(ctx, image, contextText)
	}
	return ImageFacts{}, nil
}

func (f *Fake) GateClassify(ctx context.Context, message, recentContext string, images []ImageInput) (GateDecision, error) {
	if f.GateFn != nil {
		return f.GateFn(ctx, message, recentContext, images)
	}
	return GateDecision{Consider: false, Tag: TagNoise}, nil
}

func (f *Fake) ExtractCaseSpans(ctx context.Context, numberedBuffer string, numBlocks int) ([]Span, error) {
	if f.SpansFn != nil {
		return f.SpansFn(ctx, numberedBuffer, numBlocks)
	}
	return nil, nil
}

func (f *Fake) StructureCase(ctx context.Context, caseBlockText string) (CaseStructure, error) {
	if f.StructureFn != nil {
		return f.StructureFn(ctx, caseBlockText)
	}
	return CaseStructure{Keep: false}, nil
}

func (f *Fake) CheckResolved(ctx context.Context, caseTitle, caseProblem, bufferText string) (ResolutionCheck, error) {
	if f.ResolutionFn != nil {
		return f.ResolutionFn(ctx, caseTitle, caseProblem, bufferText)
	}
	return ResolutionCheck{Resolved: false}, nil
}

func (f *Fake) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, text)
	}
	return make([]float32, 8), nil
}

func (f *Fake) SynthesizeAnswer(ctx context.Context, question, retrievedContext, language string) (string, error) {
	if f.SynthesizeFn != nil {
		return f.SynthesizeFn(ctx, question, retrievedContext, language)
	}
	return TagAdmin, nil
}

var _ Gateway = (*Fake)(nil)
