package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"lakehouse-rag/internal/app"
	"lakehouse-rag/internal/config"
	"lakehouse-rag/internal/domain"
	"lakehouse-rag/internal/integrations/mlflow"
	"lakehouse-rag/internal/repository"
	"lakehouse-rag/internal/usecase"
)

// indexRecord is one line of the -index JSONL file.
type indexRecord struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

func main() {
	question := flag.String("q", "What is the description of product id 2?", "question for the smoke-test invocation")
	register := flag.Bool("register", true, "log the pipeline under a run and register it as MODEL_NAME")
	indexPath := flag.String("index", "", "JSONL file of {id,text,metadata} records to load into the pgvector store first")
	listRuns := flag.Int("runs", 0, "print the N most recent runs (dynamodb tracking) and exit")
	flag.Parse()

	ctx := context.Background()
	settings := config.Load()
	slog.SetDefault(app.NewLogger(settings.LogLevel))

	tokens, err := app.ResolveTokens(ctx, settings)
	if err != nil {
		slog.Error("failed to resolve credentials", "err", err)
		os.Exit(1)
	}

	tracker, registry, err := app.NewTracking(ctx, settings, tokens)
	if err != nil {
		slog.Error("failed to create tracker", "err", err)
		os.Exit(1)
	}

	if *listRuns > 0 {
		if err := printRuns(ctx, tracker, *listRuns); err != nil {
			slog.Error("failed to list runs", "err", err)
			os.Exit(1)
		}
		return
	}

	if *indexPath != "" {
		if err := indexFile(ctx, settings, *indexPath); err != nil {
			slog.Error("failed to index records", "path", *indexPath, "err", err)
			os.Exit(1)
		}
	}

	pipeline, closePipeline, err := app.NewPipeline(ctx, settings, tokens)
	if err != nil {
		slog.Error("failed to create pipeline", "err", err)
		os.Exit(1)
	}
	defer closePipeline()

	answer, err := pipeline.Invoke(ctx, map[string]any{"messages": *question})
	if err != nil {
		slog.Error("invocation failed", "err", err)
		os.Exit(1)
	}
	fmt.Println(answer)

	if !*register || tracker == nil {
		return
	}
	if c, ok := tracker.(*mlflow.Client); ok {
		if err := c.SetExperiment(ctx); err != nil {
			slog.Error("failed to set experiment", "experiment_id", settings.ExperimentID, "err", err)
			os.Exit(1)
		}
	}
	reg, err := usecase.RegisterPipeline(ctx, tracker, registry, pipeline, settings.ModelName)
	if err != nil {
		slog.Error("failed to register pipeline", "err", err)
		os.Exit(1)
	}
	if reg.ModelURI == "" {
		fmt.Println("Run logged:", reg.RunID)
		return
	}
	fmt.Println("Model logged at:", reg.ModelURI)
	slog.Info("registered model version", "model", settings.ModelName, "version", reg.Version)
}

func indexFile(ctx context.Context, settings config.Settings, path string) error {
	if settings.RetrieverBackend != config.RetrieverPgVector {
		return fmt.Errorf("-index needs RETRIEVER_BACKEND=%s", config.RetrieverPgVector)
	}
	store, closeStore, err := app.NewPgVectorStore(ctx, settings)
	if err != nil {
		return err
	}
	defer closeStore()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := loadRecords(f, func(rec domain.Record) error {
		return store.Index(ctx, rec)
	})
	if err != nil {
		return err
	}
	slog.Info("indexed records", "count", n)
	return nil
}

// loadRecords decodes one record per non-blank JSONL line and hands it to fn.
// Errors name the 1-based line of the input.
func loadRecords(r io.Reader, fn func(domain.Record) error) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n, line := 0, 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var rec indexRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(domain.Record{ID: rec.ID, Text: rec.Text, Metadata: rec.Metadata}); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, nil
}

func printRuns(ctx context.Context, tracker usecase.Tracker, n int) error {
	store, ok := tracker.(*repository.RunStore)
	if !ok {
		return fmt.Errorf("listing runs needs TRACKING_BACKEND=%s", config.TrackingDynamoDB)
	}
	runs, err := store.ListRuns(ctx, n)
	if err != nil {
		return err
	}
	for _, r := range runs {
		end := "-"
		if !r.EndTime.IsZero() {
			end = r.EndTime.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Status, r.StartTime.Format(time.RFC3339), end, r.Params["user_query"])
	}
	return nil
}
