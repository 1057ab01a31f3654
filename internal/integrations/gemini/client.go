package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultEmbeddingModel = "models/text-embedding-004"
	DefaultChatModel      = "gemini-2.5-flash"
	EmbeddingDim          = 768
)

// models is the slice of the genai client this package calls.
type models interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client embeds text and generates answers with the Gemini API.
type Client struct {
	models     models
	chatModel  string
	embedModel string
	jsonOutput bool
}

type Option func(*Client)

func WithChatModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.chatModel = strings.TrimSpace(model)
		}
	}
}

// WithJSONOutput asks the model for an application/json response.
func WithJSONOutput() Option {
	return func(c *Client) {
		c.jsonOutput = true
	}
}

func NewClient(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: missing GOOGLE_API_KEY or GEMINI_API_KEY")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newClient(gc.Models, opts...), nil
}

func newClient(m models, opts ...Option) *Client {
	c := &Client{models: m, chatModel: DefaultChatModel, embedModel: DefaultEmbeddingModel}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Model() string {
	return c.chatModel
}

// Embed returns a EmbeddingDim-sized vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	clean := normalizeWhitespace(text)
	if clean == "" {
		return nil, errors.New("gemini: empty text for embedding")
	}

	resp, err := c.models.EmbedContent(ctx, c.embedModel, genai.Text(clean), &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(int32(EmbeddingDim)),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, errors.New("gemini: no embeddings returned")
	}

	values := resp.Embeddings[0].Values
	if len(values) != EmbeddingDim {
		return nil, fmt.Errorf("gemini: unexpected embedding size %d (expected %d)", len(values), EmbeddingDim)
	}
	out := make([]float32, EmbeddingDim)
	for i, v := range values {
		out[i] = float32(v)
	}
	return out, nil
}

// Generate sends prompt as a single user turn.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("gemini: prompt must not be empty")
	}

	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(float32(0))}
	if c.jsonOutput {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.models.GenerateContent(ctx, c.chatModel, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	if resp == nil {
		return "", errors.New("gemini: empty response")
	}
	txt := strings.TrimSpace(resp.Text())
	if txt == "" {
		return "", errors.New("gemini: model returned empty text")
	}
	return txt, nil
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
