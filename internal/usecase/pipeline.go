package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"lakehouse-rag/internal/domain"
)

// Variant selects the prompt and output contract of a Pipeline.
type Variant string

const (
	VariantConcise    Variant = "concise"
	VariantFinancial  Variant = "financial"
	VariantStructured Variant = "json"
)

// ParseVariant maps a configuration value to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantConcise, VariantFinancial, VariantStructured:
		return v, nil
	case "":
		return VariantFinancial, nil
	default:
		return "", fmt.Errorf("usecase: unknown prompt variant %q", s)
	}
}

func (v Variant) defaultK() int {
	if v == VariantConcise {
		return 3
	}
	return 10
}

func (v Variant) template() *PromptTemplate {
	switch v {
	case VariantConcise:
		return ConcisePrompt
	case VariantStructured:
		return StructuredPrompt
	default:
		return FinancialAnalystPrompt
	}
}

// Retriever returns up to k documents relevant to query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]domain.Document, error)
}

// Generator turns a formatted prompt into the model's text completion.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Answerer answers one natural-language question.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

type PipelineConfig struct {
	Variant Variant
	// K overrides the variant's default number of retrieved documents.
	K int
	// Template overrides the variant's prompt; it must use {query} and {context}.
	Template *PromptTemplate
	// Labels are extra parameters reported by Params, e.g. endpoint names.
	Labels map[string]string
}

// Pipeline is retrieve -> format context -> fill prompt -> generate.
type Pipeline struct {
	retriever Retriever
	generator Generator
	template  *PromptTemplate
	variant   Variant
	k         int
	labels    map[string]string
}

func NewPipeline(r Retriever, g Generator, cfg PipelineConfig) (*Pipeline, error) {
	if r == nil {
		return nil, errors.New("usecase: retriever must not be nil")
	}
	if g == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	variant, err := ParseVariant(string(cfg.Variant))
	if err != nil {
		return nil, err
	}
	tmpl := cfg.Template
	if tmpl == nil {
		tmpl = variant.template()
	}
	for _, v := range tmpl.Variables() {
		if v != "query" && v != "context" {
			return nil, fmt.Errorf("usecase: prompt template uses unsupported variable %q", v)
		}
	}
	k := cfg.K
	if k <= 0 {
		k = variant.defaultK()
	}
	return &Pipeline{
		retriever: r,
		generator: g,
		template:  tmpl,
		variant:   variant,
		k:         k,
		labels:    cfg.Labels,
	}, nil
}

// Invoke runs the pipeline on an input mapping holding "messages" or "query".
func (p *Pipeline) Invoke(ctx context.Context, input map[string]any) (string, error) {
	query := strings.TrimSpace(ExtractQuery(input))
	if query == "" {
		return "", newError(ErrorInvalidInput, "empty_query", nil)
	}

	docs, err := p.retriever.Retrieve(ctx, query, p.k)
	if err != nil {
		return "", UpstreamError("retrieval", err)
	}

	prompt, err := p.template.Format(map[string]string{
		"query":   query,
		"context": FormatContext(docs),
	})
	if err != nil {
		return "", newError(ErrorInternal, "prompt_format_error", err)
	}

	raw, err := p.generator.Generate(ctx, prompt)
	if err != nil {
		return "", UpstreamError("generation", err)
	}

	if p.variant != VariantStructured {
		return raw, nil
	}
	answer, err := ParseStructuredAnswer(raw)
	if err != nil {
		return "", newError(ErrorUpstream, "malformed_structured_answer", err)
	}
	buf, err := json.Marshal(answer)
	if err != nil {
		return "", newError(ErrorInternal, "structured_answer_encode_error", err)
	}
	return string(buf), nil
}

// Answer invokes the pipeline with {"messages": question}.
func (p *Pipeline) Answer(ctx context.Context, question string) (string, error) {
	return p.Invoke(ctx, map[string]any{"messages": question})
}

// Params describes the pipeline for experiment tracking.
func (p *Pipeline) Params() map[string]string {
	out := make(map[string]string, len(p.labels)+3)
	for k, v := range p.labels {
		out[k] = v
	}
	out["prompt_variant"] = string(p.variant)
	out["k"] = strconv.Itoa(p.k)
	out["prompt_variables"] = strings.Join(p.template.Variables(), ",")
	return out
}

// Descriptor is the pipeline definition stored with a registered model.
func (p *Pipeline) Descriptor() PipelineDescriptor {
	labels := make(map[string]string, len(p.labels))
	for k, v := range p.labels {
		labels[k] = v
	}
	return PipelineDescriptor{
		Variant:  string(p.variant),
		K:        p.k,
		Template: p.template.Text(),
		Labels:   labels,
	}
}

func (p *Pipeline) Variant() Variant {
	return p.variant
}
