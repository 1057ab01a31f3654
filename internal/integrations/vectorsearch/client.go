package vectorsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lakehouse-rag/internal/domain"
	"lakehouse-rag/internal/integrations/credentials"
)

const (
	QueryTypeHybrid = "HYBRID"
	QueryTypeANN    = "ANN"

	scoreColumn = "score"
)

// queryRequest is the body of POST /api/2.0/vector-search/indexes/{name}/query.
type queryRequest struct {
	Columns    []string `json:"columns"`
	QueryText  string   `json:"query_text"`
	NumResults int      `json:"num_results"`
	QueryType  string   `json:"query_type,omitempty"`
}

type queryResponse struct {
	Manifest struct {
		ColumnCount int `json:"column_count"`
		Columns     []struct {
			Name string `json:"name"`
		} `json:"columns"`
	} `json:"manifest"`
	Result struct {
		RowCount  int     `json:"row_count"`
		DataArray [][]any `json:"data_array"`
	} `json:"result"`
}

// IndexInfo is the subset of GET /api/2.0/vector-search/indexes/{name} used here.
type IndexInfo struct {
	Name               string `json:"name"`
	EndpointName       string `json:"endpoint_name"`
	PrimaryKey         string `json:"primary_key"`
	IndexType          string `json:"index_type"`
	DeltaSyncIndexSpec *struct {
		EmbeddingSourceColumns []struct {
			Name string `json:"name"`
		} `json:"embedding_source_columns"`
	} `json:"delta_sync_index_spec,omitempty"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("vectorsearch: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Config names the index and how it is queried.
type Config struct {
	WorkspaceURL string
	Endpoint     string
	IndexName    string
	Columns      []string
	TextColumn   string
	QueryType    string
}

// Client queries one Databricks Vector Search index.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     credentials.TokenSource

	mu         sync.Mutex
	described  bool
	textColumn string
	primaryKey string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(cfg Config, tokens credentials.TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("vectorsearch: token source must not be nil")
	}
	cfg.WorkspaceURL = strings.TrimRight(strings.TrimSpace(cfg.WorkspaceURL), "/")
	if cfg.WorkspaceURL == "" {
		return nil, errors.New("vectorsearch: workspace URL must not be empty")
	}
	if strings.TrimSpace(cfg.IndexName) == "" {
		return nil, errors.New("vectorsearch: index name must not be empty")
	}
	switch cfg.QueryType = strings.ToUpper(strings.TrimSpace(cfg.QueryType)); cfg.QueryType {
	case "":
		cfg.QueryType = QueryTypeHybrid
	case QueryTypeHybrid, QueryTypeANN:
	default:
		return nil, fmt.Errorf("vectorsearch: unsupported query type %q", cfg.QueryType)
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		textColumn: strings.TrimSpace(cfg.TextColumn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) indexURL() string {
	return c.cfg.WorkspaceURL + "/api/2.0/vector-search/indexes/" + url.PathEscape(c.cfg.IndexName)
}

// Describe fetches the index definition, checks that it is served by the
// configured endpoint and resolves the text column when none was configured.
func (c *Client) Describe(ctx context.Context) (IndexInfo, error) {
	var info IndexInfo
	if err := c.do(ctx, http.MethodGet, c.indexURL(), nil, &info); err != nil {
		return IndexInfo{}, fmt.Errorf("vectorsearch: describe index: %w", err)
	}
	if c.cfg.Endpoint != "" && info.EndpointName != "" && info.EndpointName != c.cfg.Endpoint {
		return IndexInfo{}, fmt.Errorf("vectorsearch: index %q is served by endpoint %q, not %q", c.cfg.IndexName, info.EndpointName, c.cfg.Endpoint)
	}
	return info, nil
}

// ensureDescribed runs Describe until it first succeeds.
func (c *Client) ensureDescribed(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.described {
		return nil
	}
	info, err := c.Describe(ctx)
	if err != nil {
		return err
	}
	c.primaryKey = info.PrimaryKey
	if c.textColumn == "" && info.DeltaSyncIndexSpec != nil && len(info.DeltaSyncIndexSpec.EmbeddingSourceColumns) > 0 {
		c.textColumn = info.DeltaSyncIndexSpec.EmbeddingSourceColumns[0].Name
	}
	c.described = true
	return nil
}

// Retrieve returns up to k records ranked by the service for query.
func (c *Client) Retrieve(ctx context.Context, query string, k int) ([]domain.Document, error) {
	if k <= 0 {
		return nil, errors.New("vectorsearch: k must be positive")
	}
	if err := c.ensureDescribed(ctx); err != nil {
		return nil, err
	}

	in := queryRequest{
		Columns:    c.requestColumns(),
		QueryText:  query,
		NumResults: k,
		QueryType:  c.cfg.QueryType,
	}
	var out queryResponse
	if err := c.do(ctx, http.MethodPost, c.indexURL()+"/query", in, &out); err != nil {
		return nil, fmt.Errorf("vectorsearch: query index: %w", err)
	}
	return c.toDocuments(out), nil
}

// requestColumns is the configured column list plus the text and key columns.
func (c *Client) requestColumns() []string {
	cols := append([]string(nil), c.cfg.Columns...)
	for _, extra := range []string{c.primaryKey, c.textColumn} {
		if extra != "" && !containsString(cols, extra) {
			cols = append(cols, extra)
		}
	}
	return cols
}

func (c *Client) toDocuments(out queryResponse) []domain.Document {
	names := make([]string, len(out.Manifest.Columns))
	for i, col := range out.Manifest.Columns {
		names[i] = col.Name
	}

	docs := make([]domain.Document, 0, len(out.Result.DataArray))
	for _, row := range out.Result.DataArray {
		rec := domain.Record{Metadata: make(map[string]any, len(row))}
		var lines []string
		for i, v := range row {
			if i >= len(names) {
				break
			}
			switch name := names[i]; {
			case name == scoreColumn:
				if f, ok := v.(float64); ok {
					rec.Score = f
				}
			case name == c.textColumn:
				rec.Text = stringify(v)
			default:
				if name == c.primaryKey {
					rec.ID = stringify(v)
				}
				rec.Metadata[name] = v
				lines = append(lines, name+": "+stringify(v))
			}
		}
		// without a text column the row is listed in manifest order
		if c.textColumn == "" {
			rec.Text = strings.Join(lines, "\n")
		}
		docs = append(docs, rec)
	}
	return docs
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
