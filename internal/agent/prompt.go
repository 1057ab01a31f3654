package agent

import (
	"fmt"
	"strings"
)

// SystemPromptPT is the analyst persona the agent answers with.
const SystemPromptPT = `Você é um analista de dados que responde em português, gerando apenas SQL compatível com Databricks SQL
quando precisar consultar dados.
Traga a resposta sempre no formato de texto, não em tabelas.`

const toolkitInstructions = `You are an agent designed to interact with a SQL database.
Given an input question, create a syntactically correct %[1]s query to run, then look at the results of the query and return the answer.
Unless the user asks for a specific number of examples, always limit your query to at most %[2]d results.
You can order the results by a relevant column to return the most interesting examples in the database.
Never query for all the columns of a table, only ask for the columns relevant to the question.
Only use the tools below, and only use the information they return to build your final answer.
You MUST double check your query with sql_db_query_checker before running it. If a query fails, rewrite it and try again.

DO NOT make any DML statements (INSERT, UPDATE, DELETE, DROP etc.) to the database.

If the question does not seem related to the database, just answer that you don't know.`

// planningHint is sent as the first assistant turn to steer the model toward
// inspecting the schema before writing SQL.
const planningHint = "I should look at the tables in the database to see what I can query. Then I should query the schema of the most relevant tables."

const queryCheckerPrompt = `%[1]s
Double check the %[2]s query above for common mistakes, including:
- Using NOT IN with NULL values
- Using UNION when UNION ALL should have been used
- Using BETWEEN for exclusive ranges
- Data type mismatch in predicates
- Properly quoting identifiers
- Using the correct number of arguments for functions
- Casting to the correct data type
- Using the proper columns for joins

If there are any of the above mistakes, rewrite the query. If there are no mistakes, just reproduce the original query.

Output the final SQL query only.

SQL Query: `

func systemPrompt(persona, dialect string, topK int) string {
	instructions := fmt.Sprintf(toolkitInstructions, dialectName(dialect), topK)
	persona = strings.TrimSpace(persona)
	if persona == "" {
		return instructions
	}
	return persona + "\n\n" + instructions
}

func dialectName(dialect string) string {
	switch dialect {
	case "databricks":
		return "Databricks SQL"
	case "postgres":
		return "PostgreSQL"
	default:
		return dialect
	}
}
