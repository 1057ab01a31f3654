package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"lakehouse-rag/internal/domain"
)

// keywordEmbedder maps texts onto three axes by keyword so rankings are predictable.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	t := strings.ToLower(text)
	vec := []float32{0.01, 0.01, 0.01}
	if strings.Contains(t, "mouse") {
		vec[0] = 1
	}
	if strings.Contains(t, "teclado") {
		vec[1] = 1
	}
	if strings.Contains(t, "monitor") {
		vec[2] = 1
	}
	return vec, nil
}

func startPgVector(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("rag"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestNewPgVectorStore_Validates(t *testing.T) {
	_, err := NewPgVectorStore(nil, keywordEmbedder{}, 3)
	require.ErrorContains(t, err, "db must not be nil")

	_, err = NewPgVectorStore(nil, nil, 3)
	require.Error(t, err)
}

func TestPgVectorStore_Retrieve(t *testing.T) {
	dsn := startPgVector(t)
	ctx := context.Background()

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = NewPgVectorStore(pool, nil, 3)
	require.ErrorContains(t, err, "embedder")
	_, err = NewPgVectorStore(pool, keywordEmbedder{}, 3, WithQueryType("FULL_TEXT"))
	require.ErrorContains(t, err, "unsupported query type")

	store, err := NewPgVectorStore(pool, keywordEmbedder{}, 3, WithTable("produtos"))
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "schema creation is idempotent")

	require.NoError(t, store.Index(ctx,
		domain.Record{ID: "1", Text: "Mouse sem fio", Metadata: map[string]any{"preco": 79.9}},
		domain.Record{ID: "2", Text: "Teclado mecânico"},
		domain.Record{ID: "3", Text: "Monitor 27 polegadas"},
	))
	require.NoError(t, store.Index(ctx, domain.Record{ID: "1", Text: "Mouse gamer sem fio", Metadata: map[string]any{"preco": 99.9}}))

	err = store.Upsert(ctx, domain.Record{ID: "4", Text: "x"}, []float32{1})
	require.ErrorContains(t, err, "want 3")

	t.Run("hybrid", func(t *testing.T) {
		docs, err := store.Retrieve(ctx, "mouse", 2)
		require.NoError(t, err)
		require.Len(t, docs, 2)

		top := docs[0].(domain.Record)
		require.Equal(t, "1", top.ID)
		require.Equal(t, "Mouse gamer sem fio", top.PageContent())
		require.InDelta(t, 99.9, top.Metadata["preco"], 0.001)
		require.Greater(t, top.Score, docs[1].(domain.Record).Score)
	})

	t.Run("ann", func(t *testing.T) {
		ann, err := NewPgVectorStore(pool, keywordEmbedder{}, 3, WithTable("produtos"), WithQueryType("ann"))
		require.NoError(t, err)

		docs, err := ann.Retrieve(ctx, "teclado", 1)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.Equal(t, "2", docs[0].(domain.Record).ID)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := store.Retrieve(ctx, "  ", 2)
		require.ErrorContains(t, err, "query must not be empty")

		_, err = store.Retrieve(ctx, "mouse", 0)
		require.ErrorContains(t, err, "k must be positive")
	})
}
