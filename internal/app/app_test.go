package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"lakehouse-rag/internal/config"
	"lakehouse-rag/internal/domain"
	"lakehouse-rag/internal/integrations/credentials"
	"lakehouse-rag/internal/integrations/mlflow"
	"lakehouse-rag/internal/integrations/openai"
	"lakehouse-rag/internal/integrations/vectorsearch"
	"lakehouse-rag/internal/usecase"
)

func testSettings() config.Settings {
	return config.Settings{
		DatabricksHost:    "adb-123.azuredatabricks.net",
		DatabricksToken:   "dapi-test",
		OpenAIAPIKey:      "sk-test",
		OpenAIBaseURL:     "https://api.openai.com/v1",
		MLflowTrackingURI: "databricks",
		ExperimentID:      "42",
		VSEndpoint:        "my-vector-search",
		IndexName:         "ai-agent-workshop.data.produtos_index",
		VSColumns:         "id,descricao",
		VSQueryType:       "HYBRID",
		LLMEndpoint:       "databricks-meta-llama-3-3-70b-instruct",
		PromptVariant:     "financial",
		RetrieverBackend:  config.RetrieverVectorSearch,
		AnswerBackend:     config.AnswerServing,
		TrackingBackend:   config.TrackingMLflow,
	}
}

type answerFunc func(context.Context, string) (string, error)

func (f answerFunc) Answer(ctx context.Context, q string) (string, error) { return f(ctx, q) }

type nopTracker struct{}

func (nopTracker) StartRun(context.Context, string) (string, error) { return "r", nil }

func (nopTracker) LogParams(context.Context, string, map[string]string) error { return nil }

func (nopTracker) EndRun(context.Context, string, domain.RunStatus) error { return nil }

func TestNewLogger(t *testing.T) {
	require.True(t, NewLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	require.False(t, NewLogger("warn").Enabled(context.Background(), slog.LevelInfo))
	require.True(t, NewLogger("bogus").Enabled(context.Background(), slog.LevelInfo))
}

func TestResolveTokens_FromEnvironment(t *testing.T) {
	tokens, err := ResolveTokens(context.Background(), testSettings())
	require.NoError(t, err)

	tok, err := tokens.Databricks.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "dapi-test", tok)
	tok, err = tokens.OpenAI.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-test", tok)
}

func TestNewPipeline_VectorSearchAndServing(t *testing.T) {
	s := testSettings()
	tokens := Tokens{Databricks: credentials.Static("dapi-test"), OpenAI: credentials.Static("sk-test")}

	p, closeFn, err := NewPipeline(context.Background(), s, tokens)
	require.NoError(t, err)
	defer closeFn()
	require.Equal(t, usecase.VariantFinancial, p.Variant())
	params := p.Params()
	require.Equal(t, "10", params["k"])
	require.Equal(t, "ai-agent-workshop.data.produtos_index", params["vs_index"])
}

func TestNewRetriever_Backends(t *testing.T) {
	s := testSettings()
	tokens := Tokens{Databricks: credentials.Static("dapi-test")}

	r, closeFn, err := NewRetriever(context.Background(), s, tokens)
	require.NoError(t, err)
	closeFn()
	require.IsType(t, &vectorsearch.Client{}, r)

	s.RetrieverBackend = "elastic"
	_, closeFn, err = NewRetriever(context.Background(), s, tokens)
	require.ErrorContains(t, err, "unsupported retriever backend")
	require.NotNil(t, closeFn)

	s.RetrieverBackend = config.RetrieverPgVector
	s.GeminiAPIKey = ""
	_, _, err = NewRetriever(context.Background(), s, tokens)
	require.ErrorContains(t, err, "GEMINI_API_KEY")
}

func TestNewGenerator_Backends(t *testing.T) {
	s := testSettings()
	tokens := Tokens{Databricks: credentials.Static("dapi-test"), OpenAI: credentials.Static("sk-test")}
	ctx := context.Background()

	g, err := NewGenerator(ctx, s, tokens, usecase.VariantStructured)
	require.NoError(t, err)
	require.Equal(t, s.LLMEndpoint, g.(*openai.Generator).Model())

	s.AnswerBackend = config.AnswerOpenAI
	_, err = NewGenerator(ctx, s, tokens, usecase.VariantConcise)
	require.NoError(t, err)

	s.AnswerBackend = config.AnswerServing
	s.DatabricksHost = ""
	_, err = NewGenerator(ctx, s, tokens, usecase.VariantConcise)
	require.ErrorContains(t, err, "DATABRICKS_HOST")

	s.AnswerBackend = "bedrock"
	_, err = NewGenerator(ctx, s, tokens, usecase.VariantConcise)
	require.ErrorContains(t, err, "unsupported answer backend")
}

func TestNewGenerator_ServingSendsUsageContext(t *testing.T) {
	var body struct {
		Model        string            `json:"model"`
		UsageContext map[string]string `json:"usage_context"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/serving-endpoints/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	s := testSettings()
	s.DatabricksHost = srv.URL
	s.UsageProject = "project1"
	tokens := Tokens{Databricks: credentials.Static("dapi-test")}

	g, err := NewGenerator(context.Background(), s, tokens, usecase.VariantConcise)
	require.NoError(t, err)
	out, err := g.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, s.LLMEndpoint, body.Model)
	require.Equal(t, map[string]string{"project": "project1"}, body.UsageContext)
}

func TestNewTracking(t *testing.T) {
	s := testSettings()
	tokens := Tokens{Databricks: credentials.Static("dapi-test")}
	ctx := context.Background()

	tracker, registry, err := NewTracking(ctx, s, tokens)
	require.NoError(t, err)
	require.IsType(t, &mlflow.Client{}, tracker)
	require.NotNil(t, registry)

	s.TrackingBackend = config.TrackingNone
	tracker, registry, err = NewTracking(ctx, s, tokens)
	require.NoError(t, err)
	require.Nil(t, tracker)
	require.Nil(t, registry)

	s.TrackingBackend = config.TrackingMLflow
	s.ExperimentID = ""
	_, _, err = NewTracking(ctx, s, tokens)
	require.ErrorContains(t, err, "experiment id")

	s.TrackingBackend = "wandb"
	_, _, err = NewTracking(ctx, s, tokens)
	require.ErrorContains(t, err, "unsupported tracking backend")
}

func TestTracked(t *testing.T) {
	base := answerFunc(func(context.Context, string) (string, error) { return "ok", nil })

	same, err := Tracked(base, nil, usecase.ChatRunName)
	require.NoError(t, err)
	out, err := same.Answer(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	wrapped, err := Tracked(base, nopTracker{}, usecase.ChatRunName)
	require.NoError(t, err)
	require.IsType(t, &usecase.TrackedAnswerer{}, wrapped)
}

func TestNewSQLAgent_BadDriver(t *testing.T) {
	s := testSettings()
	s.WarehouseDriver = "oracle"
	_, _, err := NewSQLAgent(context.Background(), s, Tokens{Databricks: credentials.Static("t"), OpenAI: credentials.Static("k")})
	require.ErrorContains(t, err, "unsupported warehouse driver")
}
