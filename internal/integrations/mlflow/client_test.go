package mlflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lakehouse-rag/internal/domain"
	"lakehouse-rag/internal/integrations/credentials"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
	raw    string
	auth   string
	header http.Header
}

type fakeTracking struct {
	mu        sync.Mutex
	calls     []recorded
	responses map[string]func(w http.ResponseWriter)
}

func (f *fakeTracking) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/signed/") {
			require.Equal(t, "Bearer dapi-test", r.Header.Get("Authorization"))
		}
		var body map[string]any
		var raw []byte
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		case http.MethodPut:
			raw, _ = io.ReadAll(r.Body)
		}
		path := strings.TrimPrefix(r.URL.Path, "/api/2.0/mlflow/")
		f.mu.Lock()
		f.calls = append(f.calls, recorded{
			method: r.Method,
			path:   path,
			body:   body,
			raw:    string(raw),
			auth:   r.Header.Get("Authorization"),
			header: r.Header.Clone(),
		})
		f.mu.Unlock()

		if respond, ok := f.responses[path]; ok {
			respond(w)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
}

func (f *fakeTracking) last(path string) recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].path == path {
			return f.calls[i]
		}
	}
	return recorded{}
}

func newTestClient(t *testing.T, fake *fakeTracking) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", "1234", credentials.Static("dapi-test"),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	require.NoError(t, err)
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func TestTrackingURL(t *testing.T) {
	got, err := TrackingURL("databricks", "https://adb-1.azuredatabricks.net/")
	require.NoError(t, err)
	require.Equal(t, "https://adb-1.azuredatabricks.net", got)

	got, err = TrackingURL("http://localhost:5000/", "")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:5000", got)

	_, err = TrackingURL("databricks", "")
	require.ErrorContains(t, err, "workspace host")

	_, err = TrackingURL("file:///tmp/mlruns", "")
	require.ErrorContains(t, err, "unsupported tracking URI")
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("", "1", nil)
	require.ErrorContains(t, err, "base URL")

	_, err = NewClient("http://x", " ", nil)
	require.ErrorContains(t, err, "experiment id")
}

func TestClient_RunLifecycle(t *testing.T) {
	fake := &fakeTracking{responses: map[string]func(http.ResponseWriter){
		"runs/create": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"run":{"info":{"run_id":"abc123"}}}`))
		},
	}}
	c := newTestClient(t, fake)
	ctx := context.Background()

	require.NoError(t, c.SetExperiment(ctx))
	runID, err := c.StartRun(ctx, "chat_workshop")
	require.NoError(t, err)
	require.Equal(t, "abc123", runID)

	create := fake.last("runs/create")
	require.Equal(t, "1234", create.body["experiment_id"])
	require.Equal(t, "chat_workshop", create.body["run_name"])
	require.EqualValues(t, 1700000000000, create.body["start_time"])

	long := strings.Repeat("x", maxParamValue+50)
	require.NoError(t, c.LogParams(ctx, runID, map[string]string{"user_query": "Oi", "prompt": long}))
	batch := fake.last("runs/log-batch")
	require.Equal(t, "abc123", batch.body["run_id"])
	params := batch.body["params"].([]any)
	require.Len(t, params, 2)
	first := params[0].(map[string]any)
	require.Equal(t, "prompt", first["key"])
	require.Len(t, first["value"].(string), maxParamValue)

	require.NoError(t, c.EndRun(ctx, runID, domain.RunFinished))
	update := fake.last("runs/update")
	require.Equal(t, "FINISHED", update.body["status"])
}

func TestClient_LogParamsEmptyIsNoop(t *testing.T) {
	fake := &fakeTracking{}
	c := newTestClient(t, fake)

	require.NoError(t, c.LogParams(context.Background(), "r", nil))
	require.Empty(t, fake.calls)
}

func TestClient_StartRunErrors(t *testing.T) {
	fake := &fakeTracking{responses: map[string]func(http.ResponseWriter){
		"runs/create": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"no experiment"}`))
		},
	}}
	c := newTestClient(t, fake)

	_, err := c.StartRun(context.Background(), "x")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.HTTPStatusCode())
	require.Equal(t, "RESOURCE_DOES_NOT_EXIST", statusErr.ErrorCode)
}

func TestClient_StartRunMissingID(t *testing.T) {
	c := newTestClient(t, &fakeTracking{})

	_, err := c.StartRun(context.Background(), "x")
	require.ErrorContains(t, err, "no run id")
}

func TestClient_RegisterModel(t *testing.T) {
	fake := &fakeTracking{responses: map[string]func(http.ResponseWriter){
		"registered-models/create": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error_code":"RESOURCE_ALREADY_EXISTS"}`))
		},
		"model-versions/create": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"model_version":{"version":"4"}}`))
		},
	}}
	c := newTestClient(t, fake)

	version, err := c.RegisterModel(context.Background(), "rag-demo", "abc123", "rag_chain")
	require.NoError(t, err)
	require.Equal(t, "4", version)

	mv := fake.last("model-versions/create")
	require.Equal(t, "runs:/abc123/rag_chain", mv.body["source"])
	require.Equal(t, "rag-demo", mv.body["name"])
}

func TestClient_RegisterModelFailure(t *testing.T) {
	fake := &fakeTracking{responses: map[string]func(http.ResponseWriter){
		"registered-models/create": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error_code":"PERMISSION_DENIED"}`))
		},
	}}
	c := newTestClient(t, fake)

	_, err := c.RegisterModel(context.Background(), "rag-demo", "abc123", "rag_chain")
	require.ErrorContains(t, err, "create registered model")
	require.Empty(t, fake.last("model-versions/create").path)
}

func TestClient_LogArtifactThroughProxy(t *testing.T) {
	fake := &fakeTracking{responses: map[string]func(http.ResponseWriter){
		"runs/get": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"run":{"info":{"run_id":"abc123","artifact_uri":"mlflow-artifacts:/1234/abc123/artifacts"}}}`))
		},
	}}
	c := newTestClient(t, fake)

	require.NoError(t, c.LogArtifact(context.Background(), "abc123", "rag_chain/MLmodel", []byte("artifact_path: rag_chain\n")))

	put := fake.last("/api/2.0/mlflow-artifacts/artifacts/1234/abc123/artifacts/rag_chain/MLmodel")
	require.Equal(t, http.MethodPut, put.method)
	require.Equal(t, "artifact_path: rag_chain\n", put.raw)
	require.Equal(t, "Bearer dapi-test", put.auth)
}

func TestClient_LogArtifactThroughSignedURL(t *testing.T) {
	var base string
	fake := &fakeTracking{responses: map[string]func(http.ResponseWriter){
		"runs/get": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"run":{"info":{"run_id":"abc123","artifact_uri":"dbfs:/databricks/mlflow-tracking/1234/abc123/artifacts"}}}`))
		},
		"artifacts/credentials-for-write": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"credential_infos":[{"signed_uri":"` + base + `/signed/rag_chain/pipeline.json?sig=s3cr3t","type":"AZURE_SAS_URI","headers":[{"name":"x-ms-version","value":"2020-04-08"}]}]}`))
		},
	}}
	c := newTestClient(t, fake)
	base = c.baseURL

	require.NoError(t, c.LogArtifact(context.Background(), "abc123", "/rag_chain/pipeline.json", []byte(`{"k":10}`)))

	creds := fake.last("artifacts/credentials-for-write")
	require.Equal(t, http.MethodGet, creds.method)

	put := fake.last("/signed/rag_chain/pipeline.json")
	require.Equal(t, http.MethodPut, put.method)
	require.Equal(t, `{"k":10}`, put.raw)
	require.Empty(t, put.auth)
	require.Equal(t, "BlockBlob", put.header.Get("x-ms-blob-type"))
	require.Equal(t, "2020-04-08", put.header.Get("x-ms-version"))
}

func TestClient_LogArtifactUnsupportedRoot(t *testing.T) {
	fake := &fakeTracking{responses: map[string]func(http.ResponseWriter){
		"runs/get": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"run":{"info":{"run_id":"abc123","artifact_uri":"file:///tmp/mlruns/1/abc123/artifacts"}}}`))
		},
	}}
	c := newTestClient(t, fake)

	err := c.LogArtifact(context.Background(), "abc123", "rag_chain/MLmodel", []byte("x"))
	require.ErrorContains(t, err, "unsupported artifact root")
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	require.Equal(t, "ab", truncate("abç", 3))
	require.Equal(t, "abç", truncate("abç", 4))
	require.Equal(t, "abc", truncate("abc", 5))
}
