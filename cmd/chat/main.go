package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"lakehouse-rag/internal/app"
	"lakehouse-rag/internal/chat"
	"lakehouse-rag/internal/config"
	"lakehouse-rag/internal/usecase"
)

func main() {
	mode := flag.String("mode", "rag", "chat mode: rag (vector search + LLM) or sql (SQL agent)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	settings := config.Load()
	slog.SetDefault(app.NewLogger(settings.LogLevel))

	tokens, err := app.ResolveTokens(ctx, settings)
	if err != nil {
		slog.Error("failed to resolve credentials", "err", err)
		os.Exit(1)
	}

	term := chat.NewTerminal(os.Stdout)
	var (
		session     *chat.Session
		placeholder string
	)

	switch *mode {
	case "rag":
		pipeline, closePipeline, err := app.NewPipeline(ctx, settings, tokens)
		if err != nil {
			slog.Error("failed to create pipeline", "err", err)
			os.Exit(1)
		}
		defer closePipeline()

		tracker, _, err := app.NewTracking(ctx, settings, tokens)
		if err != nil {
			slog.Error("failed to create tracker", "err", err)
			os.Exit(1)
		}
		answerer, err := app.Tracked(pipeline, tracker, usecase.ChatRunName)
		if err != nil {
			slog.Error("failed to create tracked answerer", "err", err)
			os.Exit(1)
		}
		session, err = chat.NewSession(answerer, chat.RAGGreeting, chat.WithErrorHint(chat.RAGErrorHint))
		if err != nil {
			slog.Error("failed to create session", "err", err)
			os.Exit(1)
		}

		term.Header("Databricks Financial RAG Bot", "Configurações do Agente", []chat.Setting{
			{Label: "Endpoint do LLM", Value: settings.LLMEndpoint},
			{Label: "Endpoint do Vector Search", Value: settings.VSEndpoint},
			{Label: "Índice", Value: settings.IndexName},
			{Label: "Prompt", Value: string(pipeline.Variant())},
		})
		placeholder = "Insira sua pergunta de análise financeira..."

	case "sql":
		sqlAgent, wh, err := app.NewSQLAgent(ctx, settings, tokens)
		if err != nil {
			slog.Error("failed to create SQL agent", "err", err)
			os.Exit(1)
		}
		defer wh.Close()

		session, err = chat.NewSession(sqlAgent, chat.SQLGreeting, chat.WithErrorHint(chat.SQLErrorHint))
		if err != nil {
			slog.Error("failed to create session", "err", err)
			os.Exit(1)
		}

		term.Header("Agente de Análise SQL Databricks", "Conexão do Agente", []chat.Setting{
			{Label: "LLM", Value: settings.SQLAgentModel},
			{Label: "Banco de Dados", Value: fmt.Sprintf("%s.%s", settings.Catalog, settings.Schema)},
			{Label: "Tabelas", Value: strings.Join(settings.IncludedTables(), ", ")},
		})
		placeholder = "Insira sua pergunta de SQL analítico..."

	default:
		slog.Error("unknown chat mode", "mode", *mode)
		os.Exit(2)
	}

	if err := term.Run(ctx, os.Stdin, session, placeholder); err != nil && ctx.Err() == nil {
		slog.Error("chat stopped", "err", err)
		os.Exit(1)
	}
}
