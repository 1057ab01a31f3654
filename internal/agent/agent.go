package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"lakehouse-rag/internal/domain"
	"lakehouse-rag/internal/integrations/openai"
	"lakehouse-rag/internal/usecase"
)

const (
	DefaultModel         = "gpt-4.1-mini"
	DefaultTopK          = 5
	DefaultMaxIterations = 15
)

// LLM is the chat-completions surface the agent needs.
type LLM interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, opts ...openai.ChatOption) (string, error)
	Complete(ctx context.Context, model string, messages []domain.ChatMessage, opts ...openai.ChatOption) (domain.ChatMessage, error)
}

// Database is the read-only warehouse view exposed through the tools.
type Database interface {
	Dialect() string
	ListTables(ctx context.Context) ([]string, error)
	TableInfo(ctx context.Context, tables []string) (string, error)
	Query(ctx context.Context, query string) (string, error)
}

type Config struct {
	Model         string
	TopK          int
	MaxIterations int
	// Persona is prepended to the toolkit instructions. Empty uses SystemPromptPT.
	Persona string
}

// SQLAgent answers natural-language questions by letting the model call SQL
// tools until it produces a final text answer.
type SQLAgent struct {
	llm    LLM
	db     Database
	cfg    Config
	system string
}

func New(llm LLM, db Database, cfg Config) (*SQLAgent, error) {
	if llm == nil {
		return nil, errors.New("agent: llm must not be nil")
	}
	if db == nil {
		return nil, errors.New("agent: database must not be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if strings.TrimSpace(cfg.Persona) == "" {
		cfg.Persona = SystemPromptPT
	}
	return &SQLAgent{
		llm:    llm,
		db:     db,
		cfg:    cfg,
		system: systemPrompt(cfg.Persona, db.Dialect(), cfg.TopK),
	}, nil
}

// Ask runs the tool loop for question and returns the model's final answer.
func (a *SQLAgent) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", usecase.NewError(usecase.ErrorInvalidInput, "empty_question", nil)
	}

	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: a.system},
		{Role: domain.RoleUser, Content: question},
		{Role: domain.RoleAssistant, Content: planningHint},
	}

	for i := 0; i < a.cfg.MaxIterations; i++ {
		reply, err := a.llm.Complete(ctx, a.cfg.Model, messages, openai.WithTemperature(0), openai.WithTools(toolDefs))
		if err != nil {
			return "", usecase.UpstreamError("agent_llm", err)
		}
		if len(reply.ToolCalls) == 0 {
			answer := strings.TrimSpace(reply.Content)
			if answer == "" {
				return "", usecase.NewError(usecase.ErrorUpstream, "agent_empty_answer", nil)
			}
			return answer, nil
		}

		reply.Role = domain.RoleAssistant
		messages = append(messages, reply)
		for _, call := range reply.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", usecase.NewError(usecase.ErrorInternal, "agent_cancelled", err)
			}
			observation := a.runTool(ctx, call)
			slog.Debug("sql agent tool call",
				"iteration", i+1,
				"tool", call.Function.Name,
				"args", call.Function.Arguments,
				"observation_len", len(observation))
			messages = append(messages, domain.ChatMessage{
				Role:       domain.RoleTool,
				Content:    observation,
				ToolCallID: call.ID,
			})
		}
	}

	return "", usecase.NewError(usecase.ErrorInternal, "agent_iteration_limit",
		fmt.Errorf("agent: no final answer after %d iterations", a.cfg.MaxIterations))
}

// Answer lets the agent stand in for the RAG pipeline behind the front-ends.
func (a *SQLAgent) Answer(ctx context.Context, question string) (string, error) {
	return a.Ask(ctx, question)
}

// Params describes the agent configuration for run tracking.
func (a *SQLAgent) Params() map[string]string {
	return map[string]string{
		"agent":          "sql",
		"model":          a.cfg.Model,
		"top_k":          fmt.Sprint(a.cfg.TopK),
		"max_iterations": fmt.Sprint(a.cfg.MaxIterations),
		"dialect":        a.db.Dialect(),
	}
}
