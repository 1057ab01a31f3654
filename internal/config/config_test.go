package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("VS_ENDPOINT", "")
	t.Setenv("LLM_EP", "")
	t.Setenv("VS_K", "")
	t.Setenv("MLFLOW_TRACKING_URI", "")
	t.Setenv("VS_COLUMNS", "")
	t.Setenv("SQL_AGENT_TOP_K", "")

	s := Load()
	require.Equal(t, "my-vector-search", s.VSEndpoint)
	require.Equal(t, "databricks-meta-llama-3-3-70b-instruct", s.LLMEndpoint)
	require.Equal(t, "databricks", s.MLflowTrackingURI)
	require.Equal(t, 0, s.VSK)
	require.Equal(t, 5, s.SQLAgentTopK)
	require.Equal(t, defaultVectorColumns, s.VectorColumns())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("VS_INDEX", "cat.schema.idx")
	t.Setenv("VS_COLUMNS", " id , description ,,")
	t.Setenv("VS_K", "3")
	t.Setenv("VS_QUERY_TYPE", "ann")
	t.Setenv("SQL_AGENT_TOP_K", "not-a-number")

	s := Load()
	require.Equal(t, "cat.schema.idx", s.IndexName)
	require.Equal(t, []string{"id", "description"}, s.VectorColumns())
	require.Equal(t, 3, s.VSK)
	require.Equal(t, "ANN", s.VSQueryType)
	require.Equal(t, 5, s.SQLAgentTopK)
}

func TestLoad_GeminiKeyFallback(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	require.Equal(t, "g-key", Load().GeminiAPIKey)
}

func TestLoad_ServeSQLAgent(t *testing.T) {
	t.Setenv("SERVE_SQL_AGENT", "")
	require.False(t, Load().ServeSQLAgent)

	t.Setenv("SERVE_SQL_AGENT", "true")
	require.True(t, Load().ServeSQLAgent)

	t.Setenv("SERVE_SQL_AGENT", "sim")
	require.False(t, Load().ServeSQLAgent)
}

func TestWorkspaceURL(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{"adb-123.azuredatabricks.net", "https://adb-123.azuredatabricks.net"},
		{"https://adb-123.azuredatabricks.net/", "https://adb-123.azuredatabricks.net"},
		{"http://localhost:5000", "http://localhost:5000"},
		{"", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Settings{DatabricksHost: tc.host}.WorkspaceURL(), "host=%q", tc.host)
	}
	require.Equal(t, "https://h/serving-endpoints", Settings{DatabricksHost: "h"}.ServingBaseURL())
	require.Empty(t, Settings{}.ServingBaseURL())
}

func TestWarehouseDSN_Databricks(t *testing.T) {
	s := Settings{
		WarehouseDriver: WarehouseDatabricks,
		DatabricksToken: "dapi123",
		ServerHostname:  "adb-1.cloud.databricks.com",
		HTTPPath:        "/sql/1.0/warehouses/abc",
		Catalog:         "ai-agent-workshop",
		Schema:          "data",
	}
	dsn, err := s.WarehouseDSN()
	require.NoError(t, err)
	require.Equal(t, "token:dapi123@adb-1.cloud.databricks.com:443/sql/1.0/warehouses/abc?catalog=ai-agent-workshop&schema=data", dsn)
}

func TestWarehouseDSN_FallsBackToWorkspaceHost(t *testing.T) {
	s := Settings{
		WarehouseDriver: WarehouseDatabricks,
		DatabricksToken: "dapi123",
		DatabricksHost:  "https://adb-1.cloud.databricks.com",
		HTTPPath:        "sql/1.0/warehouses/abc",
		Catalog:         "c",
		Schema:          "s",
	}
	dsn, err := s.WarehouseDSN()
	require.NoError(t, err)
	require.Equal(t, "token:dapi123@adb-1.cloud.databricks.com:443/sql/1.0/warehouses/abc?catalog=c&schema=s", dsn)
}

func TestWarehouseDSN_Errors(t *testing.T) {
	_, err := Settings{WarehouseDriver: WarehouseDatabricks, DatabricksToken: "t"}.WarehouseDSN()
	require.ErrorContains(t, err, "DATABRICKS_SERVER_HOSTNAME")

	_, err = Settings{WarehouseDriver: WarehouseDatabricks, ServerHostname: "h"}.WarehouseDSN()
	require.ErrorContains(t, err, "DATABRICKS_TOKEN")

	_, err = Settings{WarehouseDriver: "oracle"}.WarehouseDSN()
	require.ErrorContains(t, err, "unsupported")

	dsn, err := Settings{WarehouseDriver: WarehousePostgres, DatabaseURL: "postgres://x"}.WarehouseDSN()
	require.NoError(t, err)
	require.Equal(t, "postgres://x", dsn)
}

func TestLoad_UsageProject(t *testing.T) {
	t.Setenv("USAGE_CONTEXT_PROJECT", "project1")
	require.Equal(t, "project1", Load().UsageProject)
}
