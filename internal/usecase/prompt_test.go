package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPromptTemplate_Format(t *testing.T) {
	out, err := ConcisePrompt.Format(map[string]string{
		"query":   "What is the description of product id 2?",
		"context": "A\n\n---\n\nB",
	})
	require.NoError(t, err)
	require.Equal(t,
		"Responda de forma concisa.\n\nPergunta: What is the description of product id 2?\n\nContexto:\nA\n\n---\n\nB\n\nResposta:",
		out,
	)
}

func TestPromptTemplate_FinancialAnalyst(t *testing.T) {
	require.Equal(t, []string{"query", "context"}, FinancialAnalystPrompt.Variables())

	out, err := FinancialAnalystPrompt.Format(map[string]string{"query": "Q?", "context": "CTX"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "\nVocê é um analista financeiro"))
	require.Contains(t, out, "Pergunta do usuário:\nQ?\n\nContexto:\nCTX\n\nResposta:\n")
}

func TestPromptTemplate_EscapedBraces(t *testing.T) {
	tmpl, err := NewPromptTemplate(`{{"a": "{x}"}} {x}`)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, tmpl.Variables())

	out, err := tmpl.Format(map[string]string{"x": "1"})
	require.NoError(t, err)
	require.Equal(t, `{"a": "1"} 1`, out)

	out, err = StructuredPrompt.Format(map[string]string{"query": "q", "context": "c"})
	require.NoError(t, err)
	require.Contains(t, out, `{"consulta_usuario": "<pergunta original>", "itens": [{"id": "<id do registro>", "descricao": "<descrição>"}], "observacoes": "<limitações ou comentários>"}`)
}

func TestPromptTemplate_Errors(t *testing.T) {
	for _, text := range []string{"{unclosed", "single } brace", "{}", "{a b}"} {
		_, err := NewPromptTemplate(text)
		require.Error(t, err, "text=%q", text)
	}

	tmpl, err := NewPromptTemplate("{query} {context}")
	require.NoError(t, err)
	_, err = tmpl.Format(map[string]string{"query": "q"})
	require.ErrorContains(t, err, `missing variable "context"`)
}

func TestMustPromptTemplate_Panics(t *testing.T) {
	require.Panics(t, func() { MustPromptTemplate("{") })
}

func TestParseStructuredAnswer(t *testing.T) {
	out, err := ParseStructuredAnswer(`{"consulta_usuario":"q","itens":[{"id":"2","descricao":"Mouse"}],"observacoes":""}`)
	require.NoError(t, err)
	require.Equal(t, StructuredAnswer{
		ConsultaUsuario: "q",
		Itens:           []StructuredItem{{ID: "2", Descricao: "Mouse"}},
	}, out)
}

func TestParseStructuredAnswer_CodeFenceAndEmptyItems(t *testing.T) {
	out, err := ParseStructuredAnswer("```json\n{\"consulta_usuario\":\"q\",\"itens\":null,\"observacoes\":\"nada\"}\n```")
	require.NoError(t, err)
	require.Equal(t, []StructuredItem{}, out.Itens)
	require.Equal(t, "nada", out.Observacoes)
}

func TestParseStructuredAnswer_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":       "not-json",
		"unknown fields": `{"consulta_usuario":"q","itens":[],"observacoes":"","extra":1}`,
		"two values":     `{"consulta_usuario":"q"} {"consulta_usuario":"q"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseStructuredAnswer(raw)
			require.Error(t, err)
		})
	}
}
