package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lakehouse-rag/internal/domain"
	"lakehouse-rag/internal/integrations/openai"
)

const (
	toolListTables   = "sql_db_list_tables"
	toolSchema       = "sql_db_schema"
	toolQuery        = "sql_db_query"
	toolQueryChecker = "sql_db_query_checker"
)

func functionTool(name, description, parameters string) openai.Tool {
	return openai.Tool{
		Type: "function",
		Function: openai.FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(parameters),
		},
	}
}

var toolDefs = []openai.Tool{
	functionTool(toolQuery,
		"Input to this tool is a detailed and correct SQL query, output is a result from the database. "+
			"If the query is not correct, an error message will be returned. If an error is returned, rewrite the query, check it, and try again. "+
			"If you encounter an issue with an unknown column, use "+toolSchema+" to query the correct table fields.",
		`{"type":"object","properties":{"query":{"type":"string","description":"A detailed and correct SQL query."}},"required":["query"]}`),
	functionTool(toolSchema,
		"Input to this tool is a comma-separated list of tables, output is the schema and sample rows for those tables. "+
			"Be sure that the tables actually exist by calling "+toolListTables+" first! Example input: table1, table2, table3",
		`{"type":"object","properties":{"table_names":{"type":"string","description":"A comma-separated list of the table names for which to return the schema."}},"required":["table_names"]}`),
	functionTool(toolListTables,
		"Input is an empty string, output is a comma-separated list of tables in the database.",
		`{"type":"object","properties":{"tool_input":{"type":"string","description":"An empty string."}}}`),
	functionTool(toolQueryChecker,
		"Use this tool to double check if your query is correct before executing it. Always use this tool before executing a query with "+toolQuery+"!",
		`{"type":"object","properties":{"query":{"type":"string","description":"A detailed and SQL query to be checked."}},"required":["query"]}`),
}

type toolArgs struct {
	Query      string `json:"query"`
	TableNames string `json:"table_names"`
}

// runTool executes one tool call. Failures become the observation text so the
// model can correct itself.
func (a *SQLAgent) runTool(ctx context.Context, call domain.ToolCall) string {
	var args toolArgs
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", call.Function.Name, err)
		}
	}

	out, err := a.dispatch(ctx, call.Function.Name, args)
	if err != nil {
		return "Error: " + err.Error()
	}
	return out
}

func (a *SQLAgent) dispatch(ctx context.Context, name string, args toolArgs) (string, error) {
	switch name {
	case toolListTables:
		tables, err := a.db.ListTables(ctx)
		if err != nil {
			return "", err
		}
		return strings.Join(tables, ", "), nil
	case toolSchema:
		tables := splitTables(args.TableNames)
		if len(tables) == 0 {
			return "", fmt.Errorf("%s needs at least one table name", toolSchema)
		}
		return a.db.TableInfo(ctx, tables)
	case toolQuery:
		return a.db.Query(ctx, args.Query)
	case toolQueryChecker:
		if strings.TrimSpace(args.Query) == "" {
			return "", fmt.Errorf("%s needs a query", toolQueryChecker)
		}
		prompt := fmt.Sprintf(queryCheckerPrompt, args.Query, dialectName(a.db.Dialect()))
		return a.llm.Chat(ctx, a.cfg.Model, []domain.ChatMessage{{Role: domain.RoleUser, Content: prompt}}, openai.WithTemperature(0))
	default:
		return "", fmt.Errorf("%s is not a valid tool, try one of [%s, %s, %s, %s]",
			name, toolQuery, toolSchema, toolListTables, toolQueryChecker)
	}
}

func splitTables(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if t := strings.Trim(strings.TrimSpace(part), "`\""); t != "" {
			out = append(out, t)
		}
	}
	return out
}
