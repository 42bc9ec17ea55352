package llmgateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"caseforge/internal/config"
	"caseforge/internal/logging"
)

// AnthropicGateway implements Gateway's text-and-vision calls against
// Anthropic's Messages API. Every call forces a single named tool so the
// model's reply is structured JSON, never free text; callers of Gateway
// never see the underlying completion.
type AnthropicGateway struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
	embedder  Embedder
	timeout   time.Duration
}

// Embedder performs the embed() call; split out so the
// embedding provider (OpenAI, per the domain stack) can differ from the
// completion provider (Anthropic).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewAnthropicGateway builds a Gateway backed by Anthropic for structured
// completions and embedder for embed().
func NewAnthropicGateway(cfg config.AnthropicConfig, embedder Embedder, timeout time.Duration) *AnthropicGateway {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &AnthropicGateway{
		sdk:       anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 1024,
		embedder:  embedder,
		timeout:   timeout,
	}
}

// toolSpec describes one forced-tool-call shape: a name, an input JSON
// schema, and a target to unmarshal the tool_use input into.
type toolSpec struct {
	name   string
	schema map[string]any
}

// callTool sends a single user message with system instructions, forces the
// model to call the named tool, and unmarshals its input into out. On parse
// failure it retries exactly once before returning *ParseError.
func (g *AnthropicGateway) callTool(ctx context.Context, op, system, user string, spec toolSpec, imgs []ImageInput, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := g.invoke(ctx, system, user, spec, imgs)
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal(raw, out); err != nil {
			lastErr = err
			log := logging.FromContext(ctx)
			log.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("llmgateway_parse_retry")
			continue
		}
		return nil
	}
	return &ParseError{Op: op, Err: lastErr}
}

func (g *AnthropicGateway) invoke(ctx context.Context, system, user string, spec toolSpec, imgs []ImageInput) ([]byte, error) {
	tool := anthropic.ToolParam{
		Name:        spec.name,
		Description: anthropic.String("Emit the structured result. Always call this tool; never reply with plain text."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: spec.schema["properties"],
		},
	}

	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(user)}
	for _, img := range imgs {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MIME, base64.StdEncoding.EncodeToString(img.Bytes)))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Tools:     []anthropic.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: spec.name},
		},
	}

	resp, err := g.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	for _, block := range resp.Content {
		if tu := block.AsAny(); tu != nil {
			if use, ok := tu.(anthropic.ToolUseBlock); ok && use.Name == spec.name {
				return use.Input, nil
			}
		}
	}
	return nil, fmt.Errorf("no tool_use block named %q in response", spec.name)
}

func (g *AnthropicGateway) ImageToText(ctx context.Context, image ImageInput, contextText string) (ImageFacts, error) {
	var out ImageFacts
	spec := toolSpec{name: "emit_image_facts", schema: map[string]any{
		"properties": map[string]any{
			"observations":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"extracted_text": map[string]any{"type": "string"},
		},
	}}
	system := "You extract factual observations and any legible text from a support-chat screenshot. Reply only via the emit_image_facts tool."
	user := "Context for this image:\n" + contextText
	err := g.callTool(ctx, "image_to_text", system, user, spec, []ImageInput{image}, &out)
	return out, err
}

func (g *AnthropicGateway) GateClassify(ctx context.Context, message, recentContext string, images []ImageInput) (GateDecision, error) {
	var out GateDecision
	spec := toolSpec{name: "emit_gate_decision", schema: map[string]any{
		"properties": map[string]any{
			"consider": map[string]any{"type": "boolean"},
			"tag":      map[string]any{"type": "string", "enum": []string{"new_question", "ongoing_discussion", "statement", "noise"}},
		},
	}}
	system := "You classify whether a support-chat message deserves a reply. consider=true only for new_question or ongoing_discussion. Reply only via the emit_gate_decision tool."
	user := fmt.Sprintf("Recent context:\n%s\n\nMessage:\n%s", recentContext, message)
	if err := g.callTool(ctx, "gate_classify", system, user, spec, images, &out); err != nil {
		return GateDecision{}, err
	}
	return ValidateGateDecision(out), nil
}

func (g *AnthropicGateway) ExtractCaseSpans(ctx context.Context, numberedBuffer string, numBlocks int) ([]Span, error) {
	var raw struct {
		Spans []Span `json:"spans"`
	}
	spec := toolSpec{name: "emit_case_spans", schema: map[string]any{
		"properties": map[string]any{
			"spans": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"properties": map[string]any{"start_idx": map[string]any{"type": "integer"}, "end_idx": map[string]any{"type": "integer"}},
				},
			},
		},
	}}
	system := fmt.Sprintf("You find contiguous message-block ranges that each describe one self-contained support case in a numbered chat buffer of %d blocks (0-indexed). Ranges must be sorted and non-overlapping. Reply only via the emit_case_spans tool.", numBlocks)
	if err := g.callTool(ctx, "extract_case_spans", system, numberedBuffer, spec, nil, &raw); err != nil {
		return nil, err
	}
	spans, ok := ValidateSpans(raw.Spans, numBlocks)
	if !ok {
		log := logging.FromContext(ctx)
		log.Warn().Int("num_blocks", numBlocks).Int("raw_spans", len(raw.Spans)).Msg("extract_case_spans_rejected")
		return nil, nil
	}
	return spans, nil
}

func (g *AnthropicGateway) StructureCase(ctx context.Context, caseBlockText string) (CaseStructure, error) {
	var out CaseStructure
	spec := toolSpec{name: "emit_case_structure", schema: map[string]any{
		"properties": map[string]any{
			"keep":             map[string]any{"type": "boolean"},
			"status":           map[string]any{"type": "string", "enum": []string{"open", "solved"}},
			"problem_title":    map[string]any{"type": "string"},
			"problem_summary":  map[string]any{"type": "string"},
			"solution_summary": map[string]any{"type": "string"},
			"tags":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}}
	system := "You structure a span of chat messages into a support case. keep=false discards spans that aren't a real support case. status=solved requires a non-empty solution_summary. Reply only via the emit_case_structure tool."
	if err := g.callTool(ctx, "structure_case", system, caseBlockText, spec, nil, &out); err != nil {
		return CaseStructure{}, err
	}
	return ValidateCaseStructure(out), nil
}

func (g *AnthropicGateway) CheckResolved(ctx context.Context, caseTitle, caseProblem, bufferText string) (ResolutionCheck, error) {
	var out ResolutionCheck
	spec := toolSpec{name: "emit_resolution_check", schema: map[string]any{
		"properties": map[string]any{
			"resolved":         map[string]any{"type": "boolean"},
			"solution_summary": map[string]any{"type": "string"},
		},
	}}
	system := "You check whether an open support case has since been resolved in the chat buffer. resolved=true requires a non-empty solution_summary. Reply only via the emit_resolution_check tool."
	user := fmt.Sprintf("Case title: %s\nProblem: %s\n\nCurrent buffer:\n%s", caseTitle, caseProblem, bufferText)
	if err := g.callTool(ctx, "check_resolved", system, user, spec, nil, &out); err != nil {
		return ResolutionCheck{}, err
	}
	return ValidateResolutionCheck(out), nil
}

func (g *AnthropicGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	return g.embedder.Embed(ctx, text)
}

func (g *AnthropicGateway) SynthesizeAnswer(ctx context.Context, question, retrievedContext, language string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	system := fmt.Sprintf(
		"You answer support questions from retrieved case context in %s. "+
			"If the context says there are no relevant cases, or the retrieved "+
			"cases genuinely do not answer the question, reply with exactly %q "+
			"and nothing else. Otherwise answer in 1-2 sentences and include the "+
			"case link given in the context.", language, TagAdmin)
	user := fmt.Sprintf("Question: %s\n\nRetrieved context:\n%s", question, retrievedContext)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	}
	resp, err := g.sdk.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic synthesize_answer: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
