package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lakehouse-rag/internal/domain"
)

const (
	RAGGreeting = "Olá! Eu sou o analista financeiro. Pergunte sobre vendas, produtos ou clientes."
	SQLGreeting = "Olá! Qual análise você gostaria de fazer no banco de dados financeiro? Tente algo como: 'Quais foram as vendas totais em 2025?'"

	RAGErrorHint = "Verifique se o índice de Vector Search e o endpoint do LLM estão configurados corretamente."
	SQLErrorHint = "Verifique se a tabela 'financas_vendas' e as conexões do Databricks estão configuradas corretamente."
)

// Answerer is either the RAG pipeline or the SQL agent.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// Session is one conversation. It is not safe for concurrent use.
type Session struct {
	answerer  Answerer
	errorHint string
	history   []domain.ChatMessage
}

type Option func(*Session)

func WithErrorHint(hint string) Option {
	return func(s *Session) {
		s.errorHint = hint
	}
}

// NewSession starts a history holding only the assistant greeting.
func NewSession(answerer Answerer, greeting string, opts ...Option) (*Session, error) {
	if answerer == nil {
		return nil, errors.New("chat: answerer must not be nil")
	}
	s := &Session{answerer: answerer}
	if greeting != "" {
		s.history = append(s.history, domain.ChatMessage{Role: domain.RoleAssistant, Content: greeting})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send records the user turn and the assistant reply. When answering fails
// the returned text is the formatted error block, the history keeps
// "Erro: <err>" and the error is returned alongside. Blank input is ignored.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	s.history = append(s.history, domain.ChatMessage{Role: domain.RoleUser, Content: text})

	answer, err := s.answerer.Answer(ctx, text)
	if err != nil {
		s.history = append(s.history, domain.ChatMessage{Role: domain.RoleAssistant, Content: "Erro: " + err.Error()})
		return FormatError(err, s.errorHint), err
	}
	s.history = append(s.history, domain.ChatMessage{Role: domain.RoleAssistant, Content: answer})
	return answer, nil
}

// History returns a copy of the conversation so far.
func (s *Session) History() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

func FormatError(err error, hint string) string {
	block := fmt.Sprintf("**Ocorreu um erro ao consultar o agente:**\n\n```text\n%v\n```", err)
	if hint != "" {
		block += "\n\n*" + hint + "*"
	}
	return block
}
