package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lakehouse-rag/internal/domain"
)

func TestExtractQuery(t *testing.T) {
	cases := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{name: "messages", input: map[string]any{"messages": "What is product 2?"}, want: "What is product 2?"},
		{name: "messages wins over query", input: map[string]any{"messages": "m", "query": "q"}, want: "m"},
		{name: "empty messages falls back", input: map[string]any{"messages": "", "query": "q"}, want: "q"},
		{name: "query only", input: map[string]any{"query": "q"}, want: "q"},
		{name: "neither", input: map[string]any{"other": "x"}, want: ""},
		{name: "nil input", input: nil, want: ""},
		{name: "non-string query", input: map[string]any{"query": 42}, want: ""},
		{
			name: "chat list picks last user message",
			input: map[string]any{"messages": []any{
				map[string]any{"role": "user", "content": "first"},
				map[string]any{"role": "assistant", "content": "answer"},
				map[string]any{"role": "user", "content": "second"},
				map[string]any{"role": "assistant", "content": "answer 2"},
			}},
			want: "second",
		},
		{
			name: "typed chat list",
			input: map[string]any{"messages": []domain.ChatMessage{
				{Role: domain.RoleUser, Content: "typed"},
			}},
			want: "typed",
		},
		{
			name:  "chat list without user falls back",
			input: map[string]any{"messages": []any{map[string]any{"role": "system", "content": "s"}}, "query": "q"},
			want:  "q",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ExtractQuery(tc.input))
		})
	}
}

type textDoc string

func (d textDoc) PageContent() string { return string(d) }

func TestFormatContext(t *testing.T) {
	require.Equal(t, "", FormatContext(nil))
	require.Equal(t, "", FormatContext([]domain.Document{}))
	require.Equal(t, "A", FormatContext([]domain.Document{textDoc("A")}))
	require.Equal(t, "A\n\n---\n\nB", FormatContext([]domain.Document{textDoc("A"), textDoc("B")}))
	require.Equal(t, "A\n\n---\n\nB", FormatContext([]domain.Document{
		domain.Record{Text: "A"},
		nil,
		domain.Record{Text: "B", Metadata: map[string]any{"id": 2}},
	}))
}
