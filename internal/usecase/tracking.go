package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"lakehouse-rag/internal/domain"
)

const (
	ChatRunName      = "chat_workshop"
	RegisterRunName  = "rag-demo"
	PipelineArtifact = "rag_chain"
)

// Tracker records runs and their parameters in an experiment-tracking backend.
type Tracker interface {
	StartRun(ctx context.Context, runName string) (string, error)
	LogParams(ctx context.Context, runID string, params map[string]string) error
	EndRun(ctx context.Context, runID string, status domain.RunStatus) error
}

// ModelRegistry stores artifacts under a run and registers them as a model version.
type ModelRegistry interface {
	LogArtifact(ctx context.Context, runID, path string, content []byte) error
	RegisterModel(ctx context.Context, name, runID, artifactPath string) (string, error)
}

// TrackedAnswerer wraps every answer in its own run, logging the question and
// the run id once the answer is produced.
type TrackedAnswerer struct {
	next    Answerer
	tracker Tracker
	runName string
}

func NewTrackedAnswerer(next Answerer, tracker Tracker, runName string) (*TrackedAnswerer, error) {
	if next == nil {
		return nil, errors.New("usecase: answerer must not be nil")
	}
	if tracker == nil {
		return nil, errors.New("usecase: tracker must not be nil")
	}
	if runName == "" {
		runName = ChatRunName
	}
	return &TrackedAnswerer{next: next, tracker: tracker, runName: runName}, nil
}

func (t *TrackedAnswerer) Answer(ctx context.Context, question string) (string, error) {
	runID, err := t.tracker.StartRun(ctx, t.runName)
	if err != nil {
		return "", UpstreamError("tracking", err)
	}

	answer, err := t.next.Answer(ctx, question)
	if err != nil {
		_ = t.tracker.EndRun(ctx, runID, domain.RunFailed)
		return "", err
	}

	if err := t.tracker.LogParams(ctx, runID, map[string]string{
		"user_query": question,
		"run_id":     runID,
	}); err != nil {
		_ = t.tracker.EndRun(ctx, runID, domain.RunFailed)
		return "", UpstreamError("tracking", err)
	}
	if err := t.tracker.EndRun(ctx, runID, domain.RunFinished); err != nil {
		return "", UpstreamError("tracking", err)
	}
	return answer, nil
}

// Describer reports the parameters that identify a pipeline.
type Describer interface {
	Params() map[string]string
	Descriptor() PipelineDescriptor
}

// PipelineDescriptor is written as pipeline.json next to the MLmodel file.
type PipelineDescriptor struct {
	Variant  string            `json:"variant"`
	K        int               `json:"k"`
	Template string            `json:"template"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Registration is the outcome of RegisterPipeline. ModelURI and Version are
// empty when no registry is configured.
type Registration struct {
	RunID    string
	ModelURI string
	Version  string
}

const (
	mlModelFile      = "MLmodel"
	pipelineFile     = "pipeline.json"
	pipelineFlavor   = "lakehouse_rag"
	mlModelTimestamp = "2006-01-02 15:04:05.000000"
)

type mlModel struct {
	ArtifactPath   string                       `yaml:"artifact_path"`
	Flavors        map[string]map[string]string `yaml:"flavors"`
	RunID          string                       `yaml:"run_id"`
	UTCTimeCreated string                       `yaml:"utc_time_created"`
}

// pipelineArtifacts renders the files stored under PipelineArtifact, in
// upload order.
func pipelineArtifacts(runID string, d PipelineDescriptor, now time.Time) ([]string, map[string][]byte, error) {
	desc, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	model, err := yaml.Marshal(mlModel{
		ArtifactPath: PipelineArtifact,
		Flavors: map[string]map[string]string{
			pipelineFlavor: {"pipeline": pipelineFile, "variant": d.Variant},
		},
		RunID:          runID,
		UTCTimeCreated: now.UTC().Format(mlModelTimestamp),
	})
	if err != nil {
		return nil, nil, err
	}
	files := map[string][]byte{pipelineFile: desc, mlModelFile: model}
	return []string{pipelineFile, mlModelFile}, files, nil
}

// RegisterPipeline logs the pipeline parameters under a new run. With a
// registry it also uploads the pipeline artifact (pipeline.json, MLmodel) and
// registers it as modelName from runs:/<id>/rag_chain.
func RegisterPipeline(ctx context.Context, tracker Tracker, registry ModelRegistry, p Describer, modelName string) (Registration, error) {
	if tracker == nil || p == nil {
		return Registration{}, errors.New("usecase: tracker and pipeline must not be nil")
	}

	runID, err := tracker.StartRun(ctx, RegisterRunName)
	if err != nil {
		return Registration{}, UpstreamError("tracking", err)
	}
	reg := Registration{RunID: runID}
	fail := func(stage string, err error) (Registration, error) {
		_ = tracker.EndRun(ctx, runID, domain.RunFailed)
		return Registration{}, UpstreamError(stage, err)
	}

	if err := tracker.LogParams(ctx, runID, p.Params()); err != nil {
		return fail("tracking", err)
	}

	if registry != nil && modelName != "" {
		order, files, err := pipelineArtifacts(runID, p.Descriptor(), time.Now())
		if err != nil {
			_ = tracker.EndRun(ctx, runID, domain.RunFailed)
			return Registration{}, newError(ErrorInternal, "artifact_encode_error", err)
		}
		for _, name := range order {
			if err := registry.LogArtifact(ctx, runID, PipelineArtifact+"/"+name, files[name]); err != nil {
				return fail("artifact", err)
			}
		}
		version, err := registry.RegisterModel(ctx, modelName, runID, PipelineArtifact)
		if err != nil {
			return fail("registry", err)
		}
		reg.ModelURI = fmt.Sprintf("runs:/%s/%s", runID, PipelineArtifact)
		reg.Version = version
	}

	if err := tracker.EndRun(ctx, runID, domain.RunFinished); err != nil {
		return Registration{}, UpstreamError("tracking", err)
	}
	return reg, nil
}
