package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/felo/mailclaim/internal/config"
	"github.com/felo/mailclaim/internal/db"
	"github.com/felo/mailclaim/internal/events"
	"github.com/felo/mailclaim/internal/extractor"
	"github.com/felo/mailclaim/internal/logger"
	"github.com/felo/mailclaim/internal/metrics"
	"github.com/felo/mailclaim/internal/proof"
	json "github.com/goccy/go-json"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Deps are the collaborators shared by all handlers. Extractor, Publisher
// and Metrics may be nil.
type Deps struct {
	DB        *db.DB
	Config    *config.Config
	Prover    proof.Prover
	Extractor extractor.Extractor
	Publisher events.Publisher
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
}

// Handlers holds all HTTP handlers and their dependencies
type Handlers struct {
	db        *db.DB
	cfg       *config.Config
	prover    proof.Prover
	extractor extractor.Extractor
	publisher events.Publisher
	logger    *logger.Logger
	metrics   *metrics.Metrics

	batch *batchProgress
}

// New creates a new Handlers instance
func New(d Deps) *Handlers {
	h := &Handlers{
		db:        d.DB,
		cfg:       d.Config,
		prover:    d.Prover,
		extractor: d.Extractor,
		publisher: d.Publisher,
		logger:    d.Logger,
		metrics:   d.Metrics,
		batch:     newBatchProgress(),
	}
	if h.publisher == nil {
		h.publisher = events.NopPublisher{}
	}
	if h.logger == nil {
		h.logger = logger.NewNopLogger()
	}
	return h
}

// errorResponse is the body of every non-2xx JSON response
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeJSON encodes v with the given status
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an errorResponse
func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON decodes the request body into v and reports the status to use
// when it fails
func decodeJSON(r *http.Request, v interface{}) (int, error) {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, err
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}

// parseLimit parses limit and offset query parameters
func parseLimit(r *http.Request) (limit, offset int) {
	limit = defaultLimit
	if parsed, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && parsed > 0 {
		limit = parsed
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if parsed, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && parsed > 0 {
		offset = parsed
	}
	return limit, offset
}

// Healthz reports liveness and database reachability
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}
