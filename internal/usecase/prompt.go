package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PromptTemplate fills {name} placeholders. Literal braces are written {{ and }}.
type PromptTemplate struct {
	text      string
	segments  []segment
	variables []string
}

type segment struct {
	literal  string
	variable string
}

func NewPromptTemplate(text string) (*PromptTemplate, error) {
	t := &PromptTemplate{text: text}
	seen := map[string]bool{}
	var lit strings.Builder

	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("usecase: prompt template: unclosed '{' at offset %d", i)
			}
			name := strings.TrimSpace(text[i+1 : i+1+end])
			if name == "" || strings.ContainsAny(name, "{ \n") {
				return nil, fmt.Errorf("usecase: prompt template: invalid placeholder at offset %d", i)
			}
			if lit.Len() > 0 {
				t.segments = append(t.segments, segment{literal: lit.String()})
				lit.Reset()
			}
			t.segments = append(t.segments, segment{variable: name})
			if !seen[name] {
				seen[name] = true
				t.variables = append(t.variables, name)
			}
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("usecase: prompt template: single '}' at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		t.segments = append(t.segments, segment{literal: lit.String()})
	}
	return t, nil
}

// MustPromptTemplate is NewPromptTemplate for package-level templates.
func MustPromptTemplate(text string) *PromptTemplate {
	t, err := NewPromptTemplate(text)
	if err != nil {
		panic(err)
	}
	return t
}

// Variables lists the placeholder names in order of first appearance.
func (t *PromptTemplate) Variables() []string {
	return append([]string(nil), t.variables...)
}

// Text returns the raw template.
func (t *PromptTemplate) Text() string {
	return t.text
}

func (t *PromptTemplate) Format(vars map[string]string) (string, error) {
	var b strings.Builder
	for _, s := range t.segments {
		if s.variable == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := vars[s.variable]
		if !ok {
			return "", fmt.Errorf("usecase: prompt template: missing variable %q", s.variable)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

var ConcisePrompt = MustPromptTemplate(
	"Responda de forma concisa.\n\nPergunta: {query}\n\nContexto:\n{context}\n\nResposta:",
)

var FinancialAnalystPrompt = MustPromptTemplate(`
Você é um analista financeiro que responde perguntas sobre vendas, produtos e clientes
com base nos dados de uma empresa.

Você recebe como CONTEXTO uma lista de registros de vendas. Cada registro descreve:
- data da venda
- cliente (nome, segmento, cidade, estado)
- produto (nome, categoria)
- quantidade
- valor unitário
- valor total (receita_venda)
- canal de venda

INSTRUÇÕES:
- Use SOMENTE as informações do contexto para responder.
- Quando a pergunta envolver "produtos que mais venderam",
  "categorias que mais venderam", "clientes que mais compraram",
  "valor gasto total por cliente" ou similares:
    - Observe os registros do contexto e explique os padrões
      (por exemplo: produtos/cliente/categorias que se repetem, maior valor total, etc.).
- Se o contexto for limitado e não permitir resposta exata,
  deixe isso claro e diga que a resposta é baseada apenas no que foi retornado.
- Sempre responda em PORTUGUÊS, de forma clara, organizada e objetiva.
- Se não houver informação suficiente no contexto, diga isso explicitamente.

Pergunta do usuário:
{query}

Contexto:
{context}

Resposta:
`)

var StructuredPrompt = MustPromptTemplate(`
Você é um assistente de catálogo de produtos. Use SOMENTE os registros do contexto.

Responda APENAS com um objeto JSON no formato:
{{"consulta_usuario": "<pergunta original>", "itens": [{{"id": "<id do registro>", "descricao": "<descrição>"}}], "observacoes": "<limitações ou comentários>"}}

- Inclua em "itens" apenas registros relevantes para a pergunta.
- Se nada for relevante, devolva "itens": [] e explique em "observacoes".

Pergunta do usuário:
{query}

Contexto:
{context}
`)

// StructuredAnswer is the JSON object produced by the structured variant.
type StructuredAnswer struct {
	ConsultaUsuario string           `json:"consulta_usuario"`
	Itens           []StructuredItem `json:"itens"`
	Observacoes     string           `json:"observacoes"`
}

type StructuredItem struct {
	ID        string `json:"id"`
	Descricao string `json:"descricao"`
}

const StructuredAnswerSchemaName = "resposta_estruturada"

// StructuredAnswerSchema constrains chat endpoints that support strict JSON output.
var StructuredAnswerSchema = json.RawMessage(`{
	"type":"object",
	"additionalProperties":false,
	"properties":{
		"consulta_usuario":{"type":"string"},
		"itens":{
			"type":"array",
			"items":{
				"type":"object",
				"additionalProperties":false,
				"properties":{"id":{"type":"string"},"descricao":{"type":"string"}},
				"required":["id","descricao"]
			}
		},
		"observacoes":{"type":"string"}
	},
	"required":["consulta_usuario","itens","observacoes"]
}`)

// ParseStructuredAnswer strictly decodes a structured answer, tolerating a
// surrounding markdown code fence.
func ParseStructuredAnswer(raw string) (StructuredAnswer, error) {
	var out StructuredAnswer
	dec := json.NewDecoder(bytes.NewBufferString(stripCodeFence(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return StructuredAnswer{}, fmt.Errorf("usecase: decode structured answer: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return StructuredAnswer{}, errors.New("usecase: decode structured answer: multiple JSON values")
		}
		return StructuredAnswer{}, fmt.Errorf("usecase: decode structured answer trailing data: %w", err)
	}
	if out.Itens == nil {
		out.Itens = []StructuredItem{}
	}
	return out, nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
