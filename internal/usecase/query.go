package usecase

import (
	"strings"

	"lakehouse-rag/internal/domain"
)

// ContextSeparator separates retrieved documents inside the prompt context block.
const ContextSeparator = "\n\n---\n\n"

// ExtractQuery returns the "messages" field of a pipeline input when it is
// present and non-empty, otherwise the "query" field, otherwise "".
// A chat-style "messages" list yields the content of its last user message.
func ExtractQuery(input map[string]any) string {
	if q := fieldText(input["messages"]); q != "" {
		return q
	}
	return fieldText(input["query"])
}

func fieldText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []domain.ChatMessage:
		for i := len(t) - 1; i >= 0; i-- {
			if t[i].Role == domain.RoleUser {
				return t[i].Content
			}
		}
	case []any:
		for i := len(t) - 1; i >= 0; i-- {
			m, ok := t[i].(map[string]any)
			if !ok {
				continue
			}
			if role, _ := m["role"].(string); role == domain.RoleUser {
				content, _ := m["content"].(string)
				return content
			}
		}
	}
	return ""
}

// FormatContext joins the page content of docs with ContextSeparator.
func FormatContext(docs []domain.Document) string {
	if len(docs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if d == nil {
			continue
		}
		parts = append(parts, d.PageContent())
	}
	return strings.Join(parts, ContextSeparator)
}
