package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lakehouse-rag/internal/app"
	"lakehouse-rag/internal/config"
	"lakehouse-rag/internal/httpapi"
	"lakehouse-rag/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := config.Load()
	slog.SetDefault(app.NewLogger(settings.LogLevel))

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
	answerer, err := app.Tracked(pipeline, tracker, usecase.ChatRunName)
	if err != nil {
		slog.Error("failed to create tracked answerer", "err", err)
		os.Exit(1)
	}

	var opts []httpapi.Option
	if settings.ServeSQLAgent {
		sqlAgent, wh, err := app.NewSQLAgent(ctx, settings, tokens)
		if err != nil {
			slog.Error("failed to create SQL agent", "err", err)
			os.Exit(1)
		}
		defer wh.Close()
		opts = append(opts, httpapi.WithSQLAgent(sqlAgent))
	}

	h, err := httpapi.NewHandler(pipeline, answerer, opts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API listening", "addr", srv.Addr, "variant", pipeline.Variant())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}
