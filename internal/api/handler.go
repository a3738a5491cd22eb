package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/autoindex"
	"github.com/planweave/semindex/internal/embed"
	"github.com/planweave/semindex/internal/index"
	"github.com/planweave/semindex/internal/pool"
	"github.com/planweave/semindex/internal/search"
)

const fallbackLimit = 10

// Handler handles HTTP requests for the search API.
type Handler struct {
	service      *search.Service
	indexer      *autoindex.Indexer
	defaultLimit int
	logger       *zap.Logger
}

// NewHandler creates a new Handler. defaultLimit is the top-k used when
// a request carries no limit parameter.
func NewHandler(service *search.Service, indexer *autoindex.Indexer, defaultLimit int, logger *zap.Logger) *Handler {
	if defaultLimit <= 0 {
		defaultLimit = fallbackLimit
	}
	return &Handler{service: service, indexer: indexer, defaultLimit: defaultLimit, logger: logger}
}

// Search handles GET /api/search?q=...&collection=...&limit=...&filter.key=value.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collection := q.Get("collection")
	if collection == "" {
		writeError(w, http.StatusBadRequest, "collection is required")
		return
	}
	limit := h.defaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	filters := map[string]string{}
	for name, values := range q {
		if key, ok := strings.CutPrefix(name, "filter."); ok && len(values) > 0 {
			filters[key] = values[0]
		}
	}

	hits, err := h.service.Search(r.Context(), q.Get("q"), collection, limit, filters)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// Related handles GET /api/related/{id}?limit=....
func (h *Handler) Related(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "id")
	limit := h.defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	hits, err := h.service.Related(r.Context(), recordID, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

type reindexRequest struct {
	Collections []string `json:"collections"`
	BatchSize   int      `json:"batch_size"`
	DryRun      bool     `json:"dry_run"`
}

// Reindex handles POST /api/reindex.
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	var req reindexRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	report, err := h.indexer.ReindexAll(r.Context(), req.Collections, req.BatchSize, req.DryRun)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Health()
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": report})
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, index.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, index.ErrIndexUnavailable),
		errors.Is(err, embed.ErrEmbeddingUnavailable),
		errors.Is(err, pool.ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
