// Package app builds the pipeline, tracking and SQL agent from Settings. It is
// shared by the binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"lakehouse-rag/internal/agent"
	"lakehouse-rag/internal/config"
	"lakehouse-rag/internal/integrations/credentials"
	"lakehouse-rag/internal/integrations/gemini"
	"lakehouse-rag/internal/integrations/mlflow"
	"lakehouse-rag/internal/integrations/openai"
	"lakehouse-rag/internal/integrations/paramstore"
	"lakehouse-rag/internal/integrations/vectorsearch"
	"lakehouse-rag/internal/repository"
	"lakehouse-rag/internal/usecase"
	"lakehouse-rag/internal/warehouse"
)

const (
	databricksTokenParam = "databricks-token"
	openAIKeyParam       = "openai-api-key"
)

// NewLogger returns a text logger at level ("debug", "info", "warn", "error").
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// Tokens holds the bearer credentials of the hosted services.
type Tokens struct {
	Databricks credentials.TokenSource
	OpenAI     credentials.TokenSource
}

// ResolveTokens reads tokens from SSM Parameter Store when PARAM_PREFIX is
// set, otherwise from the environment.
func ResolveTokens(ctx context.Context, s config.Settings) (Tokens, error) {
	if s.ParamPrefix == "" {
		return Tokens{
			Databricks: credentials.Static(s.DatabricksToken),
			OpenAI:     credentials.Static(s.OpenAIAPIKey),
		}, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return Tokens{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	store, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		return Tokens{}, fmt.Errorf("app: create SSM client: %w", err)
	}
	dbx, err := credentials.FromParamStore(store, paramstore.Name(s.ParamPrefix, databricksTokenParam))
	if err != nil {
		return Tokens{}, err
	}
	oai, err := credentials.FromParamStore(store, paramstore.Name(s.ParamPrefix, openAIKeyParam))
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{Databricks: dbx, OpenAI: oai}, nil
}

// NewRetriever builds the configured retriever. The returned close function
// is never nil.
func NewRetriever(ctx context.Context, s config.Settings, tokens Tokens) (usecase.Retriever, func(), error) {
	noop := func() {}
	switch s.RetrieverBackend {
	case config.RetrieverVectorSearch:
		c, err := vectorsearch.NewClient(vectorsearch.Config{
			WorkspaceURL: s.WorkspaceURL(),
			Endpoint:     s.VSEndpoint,
			IndexName:    s.IndexName,
			Columns:      s.VectorColumns(),
			TextColumn:   s.VSTextColumn,
			QueryType:    s.VSQueryType,
		}, tokens.Databricks)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	case config.RetrieverPgVector:
		store, closeFn, err := NewPgVectorStore(ctx, s)
		if err != nil {
			return nil, noop, err
		}
		return store, closeFn, nil
	default:
		return nil, noop, fmt.Errorf("app: unsupported retriever backend %q", s.RetrieverBackend)
	}
}

// NewPgVectorStore connects to DATABASE_URL, embeds with Gemini and makes
// sure the schema exists.
func NewPgVectorStore(ctx context.Context, s config.Settings) (*repository.PgVectorStore, func(), error) {
	embedder, err := gemini.NewClient(ctx, s.GeminiAPIKey)
	if err != nil {
		return nil, nil, err
	}
	pool, err := repository.NewPool(ctx, s.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store, err := repository.NewPgVectorStore(pool, embedder, gemini.EmbeddingDim, repository.WithQueryType(s.VSQueryType))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// NewGenerator builds the answer generator for variant.
func NewGenerator(ctx context.Context, s config.Settings, tokens Tokens, variant usecase.Variant) (usecase.Generator, error) {
	structured := variant == usecase.VariantStructured
	var opts []openai.ChatOption
	if structured {
		opts = append(opts, openai.WithJSONSchema(usecase.StructuredAnswerSchemaName, usecase.StructuredAnswerSchema))
	}

	switch s.AnswerBackend {
	case config.AnswerServing:
		if s.ServingBaseURL() == "" {
			return nil, errors.New("app: DATABRICKS_HOST is required for the serving answer backend")
		}
		copts := []openai.Option{openai.WithBaseURL(s.ServingBaseURL())}
		if s.UsageProject != "" {
			copts = append(copts, openai.WithUsageContext(map[string]string{"project": s.UsageProject}))
		}
		c, err := openai.NewClient(tokens.Databricks, copts...)
		if err != nil {
			return nil, err
		}
		return openai.NewGenerator(c, s.LLMEndpoint, opts...), nil
	case config.AnswerOpenAI:
		c, err := openai.NewClient(tokens.OpenAI, openai.WithBaseURL(s.OpenAIBaseURL))
		if err != nil {
			return nil, err
		}
		return openai.NewGenerator(c, s.LLMEndpoint, opts...), nil
	case config.AnswerGemini:
		var gopts []gemini.Option
		if structured {
			gopts = append(gopts, gemini.WithJSONOutput())
		}
		c, err := gemini.NewClient(ctx, s.GeminiAPIKey, gopts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("app: unsupported answer backend %q", s.AnswerBackend)
	}
}

// NewPipeline wires retriever, generator and prompt variant.
func NewPipeline(ctx context.Context, s config.Settings, tokens Tokens) (*usecase.Pipeline, func(), error) {
	variant, err := usecase.ParseVariant(s.PromptVariant)
	if err != nil {
		return nil, func() {}, err
	}
	retriever, closeFn, err := NewRetriever(ctx, s, tokens)
	if err != nil {
		return nil, closeFn, err
	}
	generator, err := NewGenerator(ctx, s, tokens, variant)
	if err != nil {
		closeFn()
		return nil, func() {}, err
	}
	p, err := usecase.NewPipeline(retriever, generator, usecase.PipelineConfig{
		Variant: variant,
		K:       s.VSK,
		Labels:  PipelineLabels(s),
	})
	if err != nil {
		closeFn()
		return nil, func() {}, err
	}
	return p, closeFn, nil
}

// PipelineLabels are the settings reported with every registered pipeline.
func PipelineLabels(s config.Settings) map[string]string {
	return map[string]string{
		"retriever_backend": s.RetrieverBackend,
		"answer_backend":    s.AnswerBackend,
		"llm_endpoint":      s.LLMEndpoint,
		"vs_endpoint":       s.VSEndpoint,
		"vs_index":          s.IndexName,
		"vs_query_type":     s.VSQueryType,
	}
}

// NewTracking returns the run tracker and, for MLflow, the model registry.
// TRACKING_BACKEND=none yields nil for both.
func NewTracking(ctx context.Context, s config.Settings, tokens Tokens) (usecase.Tracker, usecase.ModelRegistry, error) {
	switch s.TrackingBackend {
	case config.TrackingNone:
		return nil, nil, nil
	case config.TrackingMLflow:
		base, err := mlflow.TrackingURL(s.MLflowTrackingURI, s.WorkspaceURL())
		if err != nil {
			return nil, nil, err
		}
		var tok credentials.TokenSource
		if strings.HasPrefix(base, s.WorkspaceURL()) && s.WorkspaceURL() != "" {
			tok = tokens.Databricks
		}
		c, err := mlflow.NewClient(base, s.ExperimentID, tok)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case config.TrackingDynamoDB:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("app: load AWS config: %w", err)
		}
		store, err := repository.NewRunStore(awsdynamodb.NewFromConfig(cfg), s.RunsTable, s.ExperimentID)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("app: unsupported tracking backend %q", s.TrackingBackend)
	}
}

// Tracked wraps answerer in a per-question run when tracking is enabled.
func Tracked(answerer usecase.Answerer, tracker usecase.Tracker, runName string) (usecase.Answerer, error) {
	if tracker == nil {
		return answerer, nil
	}
	tracked, err := usecase.NewTrackedAnswerer(answerer, tracker, runName)
	if err != nil {
		return nil, err
	}
	return tracked, nil
}

// NewSQLAgent opens the warehouse and builds the agent on the OpenAI client.
// The caller closes the returned warehouse.
func NewSQLAgent(ctx context.Context, s config.Settings, tokens Tokens) (*agent.SQLAgent, *warehouse.Warehouse, error) {
	if s.WarehouseDriver == config.WarehouseDatabricks {
		tok, err := tokens.Databricks.Token(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("app: resolve databricks token: %w", err)
		}
		s.DatabricksToken = tok
	}
	dsn, err := s.WarehouseDSN()
	if err != nil {
		return nil, nil, err
	}
	wh, err := warehouse.Open(ctx, s.WarehouseDriver, dsn, s.IncludedTables())
	if err != nil {
		return nil, nil, err
	}

	llm, err := openai.NewClient(tokens.OpenAI, openai.WithBaseURL(s.OpenAIBaseURL))
	if err != nil {
		_ = wh.Close()
		return nil, nil, err
	}
	a, err := agent.New(llm, wh, agent.Config{
		Model:         s.SQLAgentModel,
		TopK:          s.SQLAgentTopK,
		MaxIterations: s.SQLAgentMaxIter,
	})
	if err != nil {
		_ = wh.Close()
		return nil, nil, err
	}
	return a, wh, nil
}
