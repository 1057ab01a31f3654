package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"lakehouse-rag/internal/domain"
)

const (
	// rrfK dampens the weight of top ranks in reciprocal rank fusion.
	rrfK = 60

	QueryTypeHybrid = "HYBRID"
	QueryTypeANN    = "ANN"
)

// Embedder turns text into a vector of the store's dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type pgxAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgVectorStore is a self-hosted record index on Postgres with pgvector.
type PgVectorStore struct {
	db        pgxAPI
	embedder  Embedder
	table     string
	dims      int
	queryType string
}

type PgVectorOption func(*PgVectorStore)

func WithTable(name string) PgVectorOption {
	return func(s *PgVectorStore) {
		if strings.TrimSpace(name) != "" {
			s.table = pgx.Identifier{strings.TrimSpace(name)}.Sanitize()
		}
	}
}

// WithQueryType selects HYBRID (vector plus full-text) or ANN (vector only).
func WithQueryType(queryType string) PgVectorOption {
	return func(s *PgVectorStore) {
		s.queryType = strings.ToUpper(strings.TrimSpace(queryType))
	}
}

// NewPool opens a pgx pool for databaseURL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: connect database: %w", err)
	}
	return pool, nil
}

func NewPgVectorStore(db pgxAPI, embedder Embedder, dims int, opts ...PgVectorOption) (*PgVectorStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("repository: embedder must not be nil")
	}
	if dims <= 0 {
		return nil, errors.New("repository: embedding dimension must be positive")
	}
	s := &PgVectorStore{
		db:        db,
		embedder:  embedder,
		table:     pgx.Identifier{"rag_records"}.Sanitize(),
		dims:      dims,
		queryType: QueryTypeHybrid,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queryType == "" {
		s.queryType = QueryTypeHybrid
	}
	if s.queryType != QueryTypeHybrid && s.queryType != QueryTypeANN {
		return nil, fmt.Errorf("repository: unsupported query type %q", s.queryType)
	}
	return s, nil
}

// EnsureSchema creates the extension, table and indexes when missing.
func (s *PgVectorStore) EnsureSchema(ctx context.Context) error {
	indexPrefix := strings.Trim(s.table, `"`)
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL,
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED
		)`, s.table, s.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (tsv)`,
			pgx.Identifier{indexPrefix + "_tsv_idx"}.Sanitize(), s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			pgx.Identifier{indexPrefix + "_embedding_idx"}.Sanitize(), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("repository: ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert stores record with a precomputed embedding.
func (s *PgVectorStore) Upsert(ctx context.Context, record domain.Record, embedding []float32) error {
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("repository: Upsert: record id is required")
	}
	if len(embedding) != s.dims {
		return fmt.Errorf("repository: Upsert: embedding has %d dims, want %d", len(embedding), s.dims)
	}
	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding
	`, s.table), record.ID, record.Text, metadata, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("repository: Upsert %s: %w", record.ID, err)
	}
	return nil
}

// Index embeds each record's text and upserts it.
func (s *PgVectorStore) Index(ctx context.Context, records ...domain.Record) error {
	for _, r := range records {
		vec, err := s.embedder.Embed(ctx, r.Text)
		if err != nil {
			return fmt.Errorf("repository: Index %s: %w", r.ID, err)
		}
		if err := s.Upsert(ctx, r, vec); err != nil {
			return err
		}
	}
	return nil
}

// Retrieve returns the k records most relevant to query, best first.
func (s *PgVectorStore) Retrieve(ctx context.Context, query string, k int) ([]domain.Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("repository: Retrieve: query must not be empty")
	}
	if k <= 0 {
		return nil, fmt.Errorf("repository: Retrieve: k must be positive, got %d", k)
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("repository: Retrieve embed: %w", err)
	}

	var rows pgx.Rows
	if s.queryType == QueryTypeANN {
		rows, err = s.db.Query(ctx, fmt.Sprintf(`
			SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
			FROM %s
			ORDER BY embedding <=> $1
			LIMIT $2
		`, s.table), pgvector.NewVector(vec), k)
	} else {
		rows, err = s.db.Query(ctx, s.hybridSQL(), pgvector.NewVector(vec), candidates(k), query, rrfK, k)
	}
	if err != nil {
		return nil, fmt.Errorf("repository: Retrieve query: %w", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var r domain.Record
		if err := rows.Scan(&r.ID, &r.Text, &r.Metadata, &r.Score); err != nil {
			return nil, fmt.Errorf("repository: Retrieve scan: %w", err)
		}
		docs = append(docs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: Retrieve rows: %w", err)
	}
	return docs, nil
}

// hybridSQL fuses the vector and full-text rankings with reciprocal rank fusion.
func (s *PgVectorStore) hybridSQL() string {
	return fmt.Sprintf(`
		WITH semantic AS (
			SELECT id, RANK() OVER (ORDER BY embedding <=> $1) AS rank
			FROM %[1]s
			ORDER BY embedding <=> $1
			LIMIT $2
		),
		keyword AS (
			SELECT id, RANK() OVER (ORDER BY ts_rank_cd(tsv, q) DESC) AS rank
			FROM %[1]s, plainto_tsquery('simple', $3) q
			WHERE tsv @@ q
			ORDER BY ts_rank_cd(tsv, q) DESC
			LIMIT $2
		)
		SELECT r.id, r.content, r.metadata,
			(COALESCE(1.0 / ($4 + s.rank), 0.0) + COALESCE(1.0 / ($4 + k.rank), 0.0))::float8 AS score
		FROM semantic s
		FULL OUTER JOIN keyword k ON s.id = k.id
		JOIN %[1]s r ON r.id = COALESCE(s.id, k.id)
		ORDER BY score DESC, r.id
		LIMIT $5
	`, s.table)
}

// candidates is how many rows each half of the hybrid query contributes.
func candidates(k int) int {
	if k < 20 {
		return 20
	}
	return k * 2
}
