package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"lakehouse-rag/internal/app"
	"lakehouse-rag/internal/config"
)

func main() {
	question := flag.String("q", "Quais foram as vendas totais em 2025?", "question to ask the SQL agent")
	flag.Parse()

	ctx := context.Background()
	settings := config.Load()
	slog.SetDefault(app.NewLogger(settings.LogLevel))

	tokens, err := app.ResolveTokens(ctx, settings)
	if err != nil {
		slog.Error("failed to resolve credentials", "err", err)
		os.Exit(1)
	}

	sqlAgent, wh, err := app.NewSQLAgent(ctx, settings, tokens)
	if err != nil {
		slog.Error("failed to create SQL agent", "err", err)
		os.Exit(1)
	}
	defer wh.Close()

	answer, err := sqlAgent.Ask(ctx, *question)
	if err != nil {
		slog.Error("agent failed", "err", err)
		os.Exit(1)
	}
	fmt.Println(answer)
}
