package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"lakehouse-rag/handler"
	"lakehouse-rag/internal/usecase"
)

const maxBodyBytes = 1 << 20

// Invoker is the pipeline entry point taking the raw input map.
type Invoker interface {
	Invoke(ctx context.Context, input map[string]any) (string, error)
}

// Answerer answers a single question.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

type Handler struct {
	invoker Invoker
	rag     Answerer
	sql     Answerer
	timeout time.Duration
}

type Option func(*Handler)

// WithSQLAgent enables POST /sql/ask.
func WithSQLAgent(a Answerer) Option {
	return func(h *Handler) {
		h.sql = a
	}
}

func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHandler serves invoker on /invocations and rag on /ask. rag is usually
// the tracked wrapper around the same pipeline.
func NewHandler(invoker Invoker, rag Answerer, opts ...Option) (*Handler, error) {
	if invoker == nil {
		return nil, errors.New("httpapi: invoker must not be nil")
	}
	if rag == nil {
		return nil, errors.New("httpapi: answerer must not be nil")
	}
	h := &Handler{invoker: invoker, rag: rag, timeout: 120 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type askResponse struct {
	Answer string `json:"answer"`
}

type sqlAskRequest struct {
	Question string `json:"question"`
}

type predictionsResponse struct {
	Predictions []any `json:"predictions"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Invocations accepts the model-serving request shapes: dataframe_records,
// inputs (object or list) or a bare input object.
func (h *Handler) Invocations(w http.ResponseWriter, r *http.Request) {
	records, err := decodeRecords(r.Body)
	if err != nil {
		writeError(w, usecase.NewError(usecase.ErrorInvalidInput, "invalid_body", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	out := predictionsResponse{Predictions: make([]any, 0, len(records))}
	for _, rec := range records {
		answer, err := h.invoker.Invoke(ctx, rec)
		if err != nil {
			writeError(w, err)
			return
		}
		out.Predictions = append(out.Predictions, prediction(answer))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&input); err != nil {
		writeError(w, usecase.NewError(usecase.ErrorInvalidInput, "invalid_body", err))
		return
	}
	h.answer(w, r, h.rag, usecase.ExtractQuery(input))
}

func (h *Handler) SQLAsk(w http.ResponseWriter, r *http.Request) {
	var req sqlAskRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, usecase.NewError(usecase.ErrorInvalidInput, "invalid_body", err))
		return
	}
	h.answer(w, r, h.sql, req.Question)
}

func (h *Handler) answer(w http.ResponseWriter, r *http.Request, a Answerer, question string) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	answer, err := a.Answer(ctx, question)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: answer})
}

func decodeRecords(body io.Reader) ([]map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}

	for _, key := range []string{"dataframe_records", "inputs"} {
		payload, ok := envelope[key]
		if !ok {
			continue
		}
		var list []map[string]any
		if err := json.Unmarshal(payload, &list); err == nil {
			if len(list) == 0 {
				return nil, fmt.Errorf("%s must not be empty", key)
			}
			return list, nil
		}
		var single map[string]any
		if err := json.Unmarshal(payload, &single); err != nil {
			return nil, fmt.Errorf("%s must be an object or a list of objects", key)
		}
		return []map[string]any{single}, nil
	}

	var bare map[string]any
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, err
	}
	return []map[string]any{bare}, nil
}

// prediction returns structured answers as JSON objects and everything else
// as the plain string.
func prediction(answer string) any {
	var obj map[string]any
	if json.Unmarshal([]byte(answer), &obj) == nil {
		return obj
	}
	return answer
}

func writeError(w http.ResponseWriter, err error) {
	status, body := handler.ErrorBody(err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
