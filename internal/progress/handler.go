package progress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"
)

const (
	maxJSONBodyBytes   = 1 << 20
	defaultListLimit   = 10
	maxListLimit       = 100
	userIDPathValueKey = "userId"
)

type Store interface {
	Get(ctx context.Context, userID string) (Progress, error)
	Put(ctx context.Context, userID string, input UpdateInput) (Progress, error)
	RecordActivity(ctx context.Context, userID string, xp int64, now time.Time) (Progress, error)
	Delete(ctx context.Context, userID string) error
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	SaveEmbedding(ctx context.Context, userID string, embedding []float32) error
	Similar(ctx context.Context, userID string, limit int) ([]SimilarUser, error)
}

type Handler struct {
	store        Store
	validate     *validator.Validate
	now          func() time.Time
	exposeErrors bool
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, validate: validator.New(), now: time.Now}
}

// WithErrorDetail adds the upstream error text to 500 responses.
func (h *Handler) WithErrorDetail(expose bool) *Handler {
	h.exposeErrors = expose
	return h
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue(userIDPathValueKey)

	p, err := h.store.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusOK, Empty(userID))
			return
		}
		h.writeUpstreamError(w, "failed to load progress", err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var input UpdateInput
	if !h.decode(w, r, &input) {
		return
	}

	p, err := h.store.Put(r.Context(), r.PathValue(userIDPathValueKey), input)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.writeUpstreamError(w, "failed to update progress", err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var input ActivityInput
	if !h.decode(w, r, &input) {
		return
	}

	p, err := h.store.RecordActivity(r.Context(), r.PathValue(userIDPathValueKey), input.XP, h.now())
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.writeUpstreamError(w, "failed to record activity", err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) DeleteProgress(w http.ResponseWriter, r *http.Request) {
	err := h.store.Delete(r.Context(), r.PathValue(userIDPathValueKey))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "progress not found")
			return
		}
		h.writeUpstreamError(w, "failed to delete progress", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := h.store.Leaderboard(r.Context(), limit)
	if err != nil {
		h.writeUpstreamError(w, "failed to load leaderboard", err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) SaveEmbedding(w http.ResponseWriter, r *http.Request) {
	var input EmbeddingInput
	if !h.decode(w, r, &input) {
		return
	}

	if err := h.store.SaveEmbedding(r.Context(), r.PathValue(userIDPathValueKey), input.Embedding); err != nil {
		if errors.Is(err, ErrUnknownUser) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.writeUpstreamError(w, "failed to save embedding", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SimilarUsers(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	matches, err := h.store.Similar(r.Context(), r.PathValue(userIDPathValueKey), limit)
	if err != nil {
		if errors.Is(err, ErrNoEmbedding) {
			writeError(w, http.StatusNotFound, "no embedding stored for user")
			return
		}
		h.writeUpstreamError(w, "failed to find similar users", err)
		return
	}

	writeJSON(w, http.StatusOK, matches)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, message string, err error) {
	sentry.CaptureException(err)
	body := map[string]string{"message": message}
	if h.exposeErrors {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, body)
}
