package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"lakehouse-rag/handler"
	"lakehouse-rag/internal/app"
	"lakehouse-rag/internal/config"
	"lakehouse-rag/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	settings := config.Load()
	slog.SetDefault(app.NewLogger(settings.LogLevel))

	// ---- Clients ----
	tokens, err := app.ResolveTokens(ctx, settings)
	if err != nil {
		slog.Error("failed to resolve credentials", "err", err)
		os.Exit(1)
	}

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

	// ---- Handler ----
	answerer, err := app.Tracked(pipeline, tracker, usecase.ChatRunName)
	if err != nil {
		slog.Error("failed to create tracked answerer", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(answerer)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
