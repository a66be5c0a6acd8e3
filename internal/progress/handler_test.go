package progress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progress-serverless/internal/auth"
)

var errDatabaseDown = errors.New("database down")

type fakeStore struct {
	mu         sync.Mutex
	rows       map[string]Progress
	embeddings map[string][]float32
	users      map[string]bool
	failErr    error
}

func newFakeStore(users ...string) *fakeStore {
	s := &fakeStore{
		rows:       map[string]Progress{},
		embeddings: map[string][]float32{},
		users:      map[string]bool{},
	}
	for _, id := range users {
		s.users[id] = true
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, userID string) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return Progress{}, s.failErr
	}
	p, ok := s.rows[userID]
	if !ok {
		return Progress{}, ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) Put(_ context.Context, userID string, input UpdateInput) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.users[userID] {
		return Progress{}, ErrUnknownUser
	}
	p := s.rows[userID]
	p.UserID = userID
	p.XP = input.XP
	p.Level = LevelFor(input.XP)
	p.CurrentStreak = input.CurrentStreak
	p.LongestStreak = input.LongestStreak
	s.rows[userID] = p
	return p, nil
}

func (s *fakeStore) RecordActivity(_ context.Context, userID string, xp int64, now time.Time) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.users[userID] {
		return Progress{}, ErrUnknownUser
	}
	current, ok := s.rows[userID]
	if !ok {
		current = Empty(userID)
	}
	next := RecordActivity(current, xp, now)
	s.rows[userID] = next
	return next, nil
}

func (s *fakeStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[userID]; !ok {
		return ErrNotFound
	}
	delete(s.rows, userID)
	return nil
}

func (s *fakeStore) Leaderboard(_ context.Context, limit int) ([]LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]Progress, 0, len(s.rows))
	for _, p := range s.rows {
		rows = append(rows, p)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].XP != rows[j].XP {
			return rows[i].XP > rows[j].XP
		}
		return rows[i].UserID < rows[j].UserID
	})

	entries := make([]LeaderboardEntry, 0, limit)
	for i, p := range rows {
		if i == limit {
			break
		}
		rank := i + 1
		if i > 0 && rows[i-1].XP == p.XP {
			rank = entries[i-1].Rank
		}
		entries = append(entries, LeaderboardEntry{Rank: rank, UserID: p.UserID, Level: p.Level, XP: p.XP, CurrentStreak: p.CurrentStreak})
	}
	return entries, nil
}

func (s *fakeStore) SaveEmbedding(_ context.Context, userID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.users[userID] {
		return ErrUnknownUser
	}
	s.embeddings[userID] = embedding
	return nil
}

func (s *fakeStore) Similar(_ context.Context, userID string, limit int) ([]SimilarUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.embeddings[userID]; !ok {
		return nil, ErrNoEmbedding
	}
	matches := make([]SimilarUser, 0, limit)
	for id := range s.embeddings {
		if id != userID && len(matches) < limit {
			matches = append(matches, SimilarUser{UserID: id, Similarity: 1})
		}
	}
	return matches, nil
}

type progressServer struct {
	mux     *http.ServeMux
	store   *fakeStore
	handler *Handler
	tokens  *auth.TokenService
}

func newProgressServer(t *testing.T, users ...string) *progressServer {
	t.Helper()
	tokens, err := auth.NewTokenService([]byte("progress-test-secret"), nil)
	require.NoError(t, err)

	store := newFakeStore(users...)
	handler := NewHandler(store)
	handler.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	ownerOrAdmin := func(fn http.HandlerFunc) http.Handler {
		return auth.Middleware(tokens, auth.RequireOwnerOrAdmin("userId", fn))
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return auth.Middleware(tokens, auth.RequireAdmin(fn))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /progress/{userId}", ownerOrAdmin(handler.GetProgress))
	mux.Handle("PUT /progress/{userId}", admin(handler.UpdateProgress))
	mux.Handle("POST /progress/{userId}/activity", ownerOrAdmin(handler.RecordActivity))
	mux.Handle("DELETE /progress/{userId}", admin(handler.DeleteProgress))
	mux.Handle("GET /leaderboard", auth.Middleware(tokens, http.HandlerFunc(handler.Leaderboard)))
	mux.Handle("PUT /users/{userId}/embedding", ownerOrAdmin(handler.SaveEmbedding))
	mux.Handle("GET /users/{userId}/similar", ownerOrAdmin(handler.SimilarUsers))

	return &progressServer{mux: mux, store: store, handler: handler, tokens: tokens}
}

func (s *progressServer) token(t *testing.T, id string, admin bool) string {
	t.Helper()
	token, err := s.tokens.IssueAccessToken(auth.Identity{ID: id, Email: id + "@x.com", IsAdmin: admin})
	require.NoError(t, err)
	return token
}

func (s *progressServer) do(method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestGetProgressDefaultsWhenMissing(t *testing.T) {
	srv := newProgressServer(t, "u1")

	rec := srv.do(http.MethodGet, "/progress/u1", "", srv.token(t, "u1", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var p Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, 1, p.Level)
	assert.Zero(t, p.XP)
	assert.Nil(t, p.LastActiveOn)
}

func TestProgressOwnershipRules(t *testing.T) {
	srv := newProgressServer(t, "u1", "u2")

	assert.Equal(t, http.StatusUnauthorized, srv.do(http.MethodGet, "/progress/u1", "", "").Code)
	assert.Equal(t, http.StatusForbidden, srv.do(http.MethodGet, "/progress/u1", "", srv.token(t, "u2", false)).Code)
	assert.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/progress/u1", "", srv.token(t, "admin", true)).Code)

	update := `{"xp":10,"currentStreak":1,"longestStreak":1}`
	assert.Equal(t, http.StatusForbidden, srv.do(http.MethodPut, "/progress/u1", update, srv.token(t, "u1", false)).Code)
	assert.Equal(t, http.StatusForbidden, srv.do(http.MethodDelete, "/progress/u1", "", srv.token(t, "u1", false)).Code)
}

func TestRecordActivityAccumulates(t *testing.T) {
	srv := newProgressServer(t, "u1")
	token := srv.token(t, "u1", false)

	first := srv.do(http.MethodPost, "/progress/u1/activity", `{"xp":600}`, token)
	require.Equal(t, http.StatusOK, first.Code)
	second := srv.do(http.MethodPost, "/progress/u1/activity", `{"xp":600}`, token)
	require.Equal(t, http.StatusOK, second.Code)

	var p Progress
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &p))
	assert.Equal(t, int64(1200), p.XP)
	assert.Equal(t, 2, p.Level)
	assert.Equal(t, 1, p.CurrentStreak)

	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/progress/u1/activity", `{"xp":-1}`, token).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/progress/u1/activity", `{"xp":1,"bonus":5}`, token).Code)
}

func TestAdminUpdateAndDelete(t *testing.T) {
	srv := newProgressServer(t, "u1")
	admin := srv.token(t, "admin", true)

	rec := srv.do(http.MethodPut, "/progress/u1", `{"xp":2500,"currentStreak":2,"longestStreak":5}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var p Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 3, p.Level)

	invalid := srv.do(http.MethodPut, "/progress/u1", `{"xp":1,"currentStreak":4,"longestStreak":2}`, admin)
	assert.Equal(t, http.StatusBadRequest, invalid.Code)

	unknown := srv.do(http.MethodPut, "/progress/ghost", `{"xp":1,"currentStreak":0,"longestStreak":0}`, admin)
	assert.Equal(t, http.StatusNotFound, unknown.Code)

	assert.Equal(t, http.StatusNoContent, srv.do(http.MethodDelete, "/progress/u1", "", admin).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodDelete, "/progress/u1", "", admin).Code)
}

func TestLeaderboard(t *testing.T) {
	srv := newProgressServer(t, "u1", "u2", "u3")
	admin := srv.token(t, "admin", true)
	for id, xp := range map[string]string{"u1": "100", "u2": "900", "u3": "900"} {
		body := `{"xp":` + xp + `,"currentStreak":0,"longestStreak":0}`
		require.Equal(t, http.StatusOK, srv.do(http.MethodPut, "/progress/"+id, body, admin).Code)
	}

	assert.Equal(t, http.StatusUnauthorized, srv.do(http.MethodGet, "/leaderboard", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/leaderboard?limit=zero", "", admin).Code)

	rec := srv.do(http.MethodGet, "/leaderboard?limit=2", "", srv.token(t, "u1", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []LeaderboardEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "u2", entries[0].UserID)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, 1, entries[1].Rank)
}

func TestSimilarUsers(t *testing.T) {
	srv := newProgressServer(t, "u1", "u2")

	missing := srv.do(http.MethodGet, "/users/u1/similar", "", srv.token(t, "u1", false))
	assert.Equal(t, http.StatusNotFound, missing.Code)

	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPut, "/users/u1/embedding", `{"embedding":[]}`, srv.token(t, "u1", false)).Code)
	assert.Equal(t, http.StatusNoContent, srv.do(http.MethodPut, "/users/u1/embedding", `{"embedding":[0.1,0.2]}`, srv.token(t, "u1", false)).Code)
	assert.Equal(t, http.StatusNoContent, srv.do(http.MethodPut, "/users/u2/embedding", `{"embedding":[0.1,0.3]}`, srv.token(t, "u2", false)).Code)

	rec := srv.do(http.MethodGet, "/users/u1/similar?limit=5", "", srv.token(t, "u1", false))
	require.Equal(t, http.StatusOK, rec.Code)
	var matches []SimilarUser
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "u2", matches[0].UserID)
}

func TestStoreFailureIs500(t *testing.T) {
	srv := newProgressServer(t, "u1")
	srv.store.failErr = errDatabaseDown

	rec := srv.do(http.MethodGet, "/progress/u1", "", srv.token(t, "u1", false))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"failed to load progress"}`, rec.Body.String())
}

func TestStoreFailureDetailOutsideProduction(t *testing.T) {
	srv := newProgressServer(t, "u1")
	srv.store.failErr = errDatabaseDown
	srv.handler.WithErrorDetail(true)

	rec := srv.do(http.MethodGet, "/progress/u1", "", srv.token(t, "u1", false))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"failed to load progress","error":"database down"}`, rec.Body.String())
}
