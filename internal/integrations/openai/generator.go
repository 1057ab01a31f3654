package openai

import (
	"context"

	"lakehouse-rag/internal/domain"
)

// Generator sends a fully formatted prompt as a single user message, the way a
// prompt | chat model | string parser chain does.
type Generator struct {
	client *Client
	model  string
	opts   []ChatOption
}

func NewGenerator(client *Client, model string, opts ...ChatOption) *Generator {
	return &Generator{client: client, model: model, opts: opts}
}

func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.client.Chat(ctx, g.model, []domain.ChatMessage{{Role: domain.RoleUser, Content: prompt}}, g.opts...)
}

// Model reports the endpoint or model name requests are sent to.
func (g *Generator) Model() string {
	return g.model
}
