package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progress-serverless/internal/auth"
)

type memoryStore struct {
	accounts []Account
	failErr  error
}

func (s *memoryStore) List(context.Context) ([]Account, error) {
	if s.failErr != nil {
		return nil, s.failErr
	}
	return append([]Account(nil), s.accounts...), nil
}

func (s *memoryStore) Get(_ context.Context, id string) (Account, error) {
	for _, a := range s.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return Account{}, ErrNotFound
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	for i, a := range s.accounts {
		if a.ID == id {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func newUsersMux(t *testing.T, store Store) (*http.ServeMux, func(id string, admin bool) string) {
	t.Helper()
	return newUsersMuxWithHandler(t, NewHandler(store))
}

func newUsersMuxWithHandler(t *testing.T, handler *Handler) (*http.ServeMux, func(id string, admin bool) string) {
	t.Helper()
	tokens, err := auth.NewTokenService([]byte("users-test-secret"), nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("GET /users", auth.Middleware(tokens, auth.RequireAdmin(http.HandlerFunc(handler.ListUsers))))
	mux.Handle("GET /users/{userId}", auth.Middleware(tokens, auth.RequireOwnerOrAdmin("userId", http.HandlerFunc(handler.GetUser))))
	mux.Handle("DELETE /users/{userId}", auth.Middleware(tokens, auth.RequireAdmin(http.HandlerFunc(handler.DeleteUser))))

	issue := func(id string, admin bool) string {
		token, err := tokens.IssueAccessToken(auth.Identity{ID: id, Email: id + "@x.com", IsAdmin: admin})
		require.NoError(t, err)
		return token
	}
	return mux, issue
}

func call(mux *http.ServeMux, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func seededStore() *memoryStore {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &memoryStore{accounts: []Account{
		{ID: "u1", Email: "a@x.com", CreatedAt: created},
		{ID: "u2", Email: "b@x.com", IsAdmin: true, CreatedAt: created},
	}}
}

func TestListUsersRequiresAdmin(t *testing.T) {
	mux, issue := newUsersMux(t, seededStore())

	assert.Equal(t, http.StatusUnauthorized, call(mux, http.MethodGet, "/users", "").Code)
	assert.Equal(t, http.StatusForbidden, call(mux, http.MethodGet, "/users", issue("u1", false)).Code)

	rec := call(mux, http.MethodGet, "/users", issue("u2", true))
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts []Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	assert.Len(t, accounts, 2)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestGetUserOwnerOrAdmin(t *testing.T) {
	mux, issue := newUsersMux(t, seededStore())

	own := call(mux, http.MethodGet, "/users/u1", issue("u1", false))
	require.Equal(t, http.StatusOK, own.Code)
	assert.JSONEq(t, `{"id":"u1","email":"a@x.com","isAdmin":false,"createdAt":"2026-01-02T03:04:05Z"}`, own.Body.String())

	assert.Equal(t, http.StatusForbidden, call(mux, http.MethodGet, "/users/u2", issue("u1", false)).Code)
	assert.Equal(t, http.StatusNotFound, call(mux, http.MethodGet, "/users/ghost", issue("u2", true)).Code)
}

func TestDeleteUser(t *testing.T) {
	store := seededStore()
	mux, issue := newUsersMux(t, store)

	assert.Equal(t, http.StatusForbidden, call(mux, http.MethodDelete, "/users/u1", issue("u1", false)).Code)
	assert.Equal(t, http.StatusNoContent, call(mux, http.MethodDelete, "/users/u1", issue("u2", true)).Code)
	assert.Equal(t, http.StatusNotFound, call(mux, http.MethodDelete, "/users/u1", issue("u2", true)).Code)
	assert.Len(t, store.accounts, 1)
}

func TestListUsersStoreFailure(t *testing.T) {
	store := seededStore()
	store.failErr = errors.New("connection reset")
	mux, issue := newUsersMux(t, store)

	rec := call(mux, http.MethodGet, "/users", issue("u2", true))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"failed to list users"}`, rec.Body.String())
}

func TestListUsersStoreFailureDetail(t *testing.T) {
	store := seededStore()
	store.failErr = errors.New("connection reset")
	mux, issue := newUsersMuxWithHandler(t, NewHandler(store).WithErrorDetail(true))

	rec := call(mux, http.MethodGet, "/users", issue("u2", true))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"failed to list users","error":"connection reset"}`, rec.Body.String())
}
