package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"lakehouse-rag/internal/domain"
	"lakehouse-rag/internal/integrations/credentials"
)

// maxParamValue is the tracking server's limit on a param value.
const maxParamValue = 6000

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	ErrorCode  string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("mlflow: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type param = tag

type createRunRequest struct {
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name,omitempty"`
	StartTime    int64  `json:"start_time"`
	Tags         []tag  `json:"tags,omitempty"`
}

type createRunResponse struct {
	Run struct {
		Info struct {
			RunID       string `json:"run_id"`
			ArtifactURI string `json:"artifact_uri"`
		} `json:"info"`
	} `json:"run"`
}

type logBatchRequest struct {
	RunID  string  `json:"run_id"`
	Params []param `json:"params"`
}

type updateRunRequest struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	EndTime int64  `json:"end_time"`
}

type credentialsForWriteResponse struct {
	CredentialInfos []struct {
		SignedURI string `json:"signed_uri"`
		Type      string `json:"type"`
		Headers   []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"credential_infos"`
}

type createModelVersionRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	RunID  string `json:"run_id"`
}

type createModelVersionResponse struct {
	ModelVersion struct {
		Version string `json:"version"`
	} `json:"model_version"`
}

// Client talks to the MLflow tracking REST API of a Databricks workspace or a
// standalone tracking server.
type Client struct {
	baseURL      string
	experimentID string
	httpClient   *http.Client
	tokens       credentials.TokenSource
	now          func() time.Time
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// TrackingURL resolves a tracking URI: "databricks" means the workspace itself.
func TrackingURL(trackingURI, workspaceURL string) (string, error) {
	uri := strings.TrimSpace(trackingURI)
	if uri == "" || uri == "databricks" || strings.HasPrefix(uri, "databricks://") {
		if workspaceURL == "" {
			return "", errors.New("mlflow: tracking URI is databricks but the workspace host is not set")
		}
		return strings.TrimRight(workspaceURL, "/"), nil
	}
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return "", fmt.Errorf("mlflow: unsupported tracking URI %q", uri)
	}
	return strings.TrimRight(uri, "/"), nil
}

// NewClient creates a Client logging into experimentID. tokens may be nil for
// an unauthenticated tracking server.
func NewClient(baseURL, experimentID string, tokens credentials.TokenSource, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("mlflow: base URL must not be empty")
	}
	if strings.TrimSpace(experimentID) == "" {
		return nil, errors.New("mlflow: experiment id must not be empty")
	}
	c := &Client{
		baseURL:      baseURL,
		experimentID: strings.TrimSpace(experimentID),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		tokens:       tokens,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetExperiment checks that the configured experiment exists.
func (c *Client) SetExperiment(ctx context.Context) error {
	q := url.Values{"experiment_id": {c.experimentID}}
	if err := c.call(ctx, http.MethodGet, "experiments/get?"+q.Encode(), nil, nil); err != nil {
		return fmt.Errorf("mlflow: get experiment %s: %w", c.experimentID, err)
	}
	return nil
}

func (c *Client) StartRun(ctx context.Context, runName string) (string, error) {
	in := createRunRequest{
		ExperimentID: c.experimentID,
		RunName:      runName,
		StartTime:    c.now().UnixMilli(),
	}
	if runName != "" {
		in.Tags = []tag{{Key: "mlflow.runName", Value: runName}}
	}
	var out createRunResponse
	if err := c.call(ctx, http.MethodPost, "runs/create", in, &out); err != nil {
		return "", fmt.Errorf("mlflow: create run: %w", err)
	}
	if out.Run.Info.RunID == "" {
		return "", errors.New("mlflow: create run: response has no run id")
	}
	return out.Run.Info.RunID, nil
}

func (c *Client) LogParams(ctx context.Context, runID string, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	in := logBatchRequest{RunID: runID, Params: make([]param, 0, len(keys))}
	for _, k := range keys {
		in.Params = append(in.Params, param{Key: k, Value: truncate(params[k], maxParamValue)})
	}
	if err := c.call(ctx, http.MethodPost, "runs/log-batch", in, nil); err != nil {
		return fmt.Errorf("mlflow: log params for run %s: %w", runID, err)
	}
	return nil
}

func (c *Client) EndRun(ctx context.Context, runID string, status domain.RunStatus) error {
	in := updateRunRequest{RunID: runID, Status: string(status), EndTime: c.now().UnixMilli()}
	if err := c.call(ctx, http.MethodPost, "runs/update", in, nil); err != nil {
		return fmt.Errorf("mlflow: end run %s: %w", runID, err)
	}
	return nil
}

// LogArtifact uploads content to path under the run's artifact root. Roots
// served by the tracking server (mlflow-artifacts:) are written through the
// artifact proxy; Databricks-managed roots (dbfs:) through signed URLs.
func (c *Client) LogArtifact(ctx context.Context, runID, path string, content []byte) error {
	path = strings.Trim(path, "/")
	if path == "" {
		return errors.New("mlflow: artifact path must not be empty")
	}
	var run createRunResponse
	q := url.Values{"run_id": {runID}}
	if err := c.call(ctx, http.MethodGet, "runs/get?"+q.Encode(), nil, &run); err != nil {
		return fmt.Errorf("mlflow: get run %s: %w", runID, err)
	}
	root := run.Run.Info.ArtifactURI

	switch {
	case strings.HasPrefix(root, "mlflow-artifacts:"):
		u, err := url.Parse(root)
		if err != nil {
			return fmt.Errorf("mlflow: parse artifact root %q: %w", root, err)
		}
		endpoint := c.baseURL + "/api/2.0/mlflow-artifacts/artifacts/" + strings.Trim(u.Path, "/") + "/" + path
		if err := c.put(ctx, endpoint, content, nil, true); err != nil {
			return fmt.Errorf("mlflow: upload artifact %s: %w", path, err)
		}
		return nil
	case strings.HasPrefix(root, "dbfs:/"):
		var creds credentialsForWriteResponse
		q := url.Values{"run_id": {runID}, "path": {path}}
		if err := c.call(ctx, http.MethodGet, "artifacts/credentials-for-write?"+q.Encode(), nil, &creds); err != nil {
			return fmt.Errorf("mlflow: credentials for artifact %s: %w", path, err)
		}
		if len(creds.CredentialInfos) == 0 || creds.CredentialInfos[0].SignedURI == "" {
			return fmt.Errorf("mlflow: credentials for artifact %s: no signed URI", path)
		}
		info := creds.CredentialInfos[0]
		headers := make(map[string]string, len(info.Headers)+1)
		for _, h := range info.Headers {
			headers[h.Name] = h.Value
		}
		if info.Type == "AZURE_SAS_URI" {
			headers["x-ms-blob-type"] = "BlockBlob"
		}
		if err := c.put(ctx, info.SignedURI, content, headers, false); err != nil {
			return fmt.Errorf("mlflow: upload artifact %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("mlflow: log artifact %s: unsupported artifact root %q", path, root)
	}
}

// RegisterModel creates the registered model when missing and adds a version
// pointing at runs:/<runID>/<artifactPath>.
func (c *Client) RegisterModel(ctx context.Context, name, runID, artifactPath string) (string, error) {
	err := c.call(ctx, http.MethodPost, "registered-models/create", map[string]string{"name": name}, nil)
	var statusErr *HTTPStatusError
	if err != nil && !(errors.As(err, &statusErr) && statusErr.ErrorCode == "RESOURCE_ALREADY_EXISTS") {
		return "", fmt.Errorf("mlflow: create registered model %q: %w", name, err)
	}

	in := createModelVersionRequest{
		Name:   name,
		Source: fmt.Sprintf("runs:/%s/%s", runID, artifactPath),
		RunID:  runID,
	}
	var out createModelVersionResponse
	if err := c.call(ctx, http.MethodPost, "model-versions/create", in, &out); err != nil {
		return "", fmt.Errorf("mlflow: create model version of %q: %w", name, err)
	}
	return out.ModelVersion.Version, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	endpoint := c.baseURL + "/api/2.0/mlflow/" + path

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("resolve token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		var apiErr apiError
		_ = json.Unmarshal(buf, &apiErr)
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, ErrorCode: apiErr.ErrorCode, Body: string(buf)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// put uploads raw bytes. Signed URLs carry their own authorization, so the
// bearer token is only sent when auth is set.
func (c *Client) put(ctx context.Context, endpoint string, content []byte, headers map[string]string, auth bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if auth && c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("resolve token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		// signed URLs keep their credentials in the query
		u, _, _ := strings.Cut(endpoint, "?")
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

