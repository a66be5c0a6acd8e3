package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
)

type Store interface {
	List(ctx context.Context) ([]Account, error)
	Get(ctx context.Context, id string) (Account, error)
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	store        Store
	exposeErrors bool
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) WithErrorDetail(expose bool) *Handler {
	h.exposeErrors = expose
	return h
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		h.writeUpstreamError(w, "failed to list users", err)
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	account, err := h.store.Get(r.Context(), r.PathValue("userId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.writeUpstreamError(w, "failed to load user", err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("userId")); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.writeUpstreamError(w, "failed to delete user", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
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
