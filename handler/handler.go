package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"lakehouse-rag/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Answerer is the RAG pipeline (optionally tracked) or the SQL agent.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

type Handler struct {
	answerer Answerer
}

type askResponse struct {
	Answer string `json:"answer"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func NewHandler(answerer Answerer) (*Handler, error) {
	if answerer == nil {
		return nil, errors.New("handler: answerer must not be nil")
	}
	return &Handler{answerer: answerer}, nil
}

// Handle serves an API Gateway proxy request whose body carries "messages"
// or "query".
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(req.Body), &input); err != nil {
		resp := errorJSON(correlationID, http.StatusBadRequest, ErrorResponse{
			Error:   string(usecase.ErrorInvalidInput),
			Reason:  "invalid_body",
			Message: "request body must be a JSON object",
		})
		logOutcome(correlationID, resp.StatusCode, start, err)
		return resp, nil
	}

	answer, err := h.answerer.Answer(ctx, usecase.ExtractQuery(input))
	if err != nil {
		status, body := ErrorBody(err)
		resp := errorJSON(correlationID, status, body)
		logOutcome(correlationID, status, start, err)
		return resp, nil
	}

	resp := jsonResponse(correlationID, http.StatusOK, askResponse{Answer: answer})
	logOutcome(correlationID, http.StatusOK, start, nil)
	return resp, nil
}

// ErrorBody maps a usecase error code to its HTTP status and response body.
func ErrorBody(err error) (int, ErrorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, ErrorResponse{
			Error:   string(usecase.ErrorInternal),
			Message: "unexpected error",
		}
	}

	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		status = http.StatusBadGateway
	}
	return status, ErrorResponse{
		Error:   string(ucErr.Code),
		Reason:  ucErr.Reason,
		Message: http.StatusText(status),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func errorJSON(correlationID string, status int, body ErrorResponse) events.APIGatewayProxyResponse {
	return jsonResponse(correlationID, status, body)
}

func jsonResponse(correlationID string, status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR","message":"encode response"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func logOutcome(correlationID string, status int, start time.Time, err error) {
	attrs := []any{
		"correlation_id", correlationID,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		slog.Warn("request failed", append(attrs, "err", err)...)
		return
	}
	slog.Info("request handled", attrs...)
}
