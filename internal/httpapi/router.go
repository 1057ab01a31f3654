package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const correlationHeader = "X-Correlation-Id"

func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()
	r.Use(correlationMiddleware)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/invocations", h.Invocations).Methods(http.MethodPost)
	r.HandleFunc("/ask", h.Ask).Methods(http.MethodPost)
	if h.sql != nil {
		r.HandleFunc("/sql/ask", h.SQLAsk).Methods(http.MethodPost)
	}

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// correlationMiddleware echoes or assigns X-Correlation-Id and logs the outcome.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.Info("request handled",
			"correlation_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
