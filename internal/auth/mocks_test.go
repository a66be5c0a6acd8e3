package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	testAccessSecret  = []byte("test-access-secret")
	testRefreshSecret = []byte("test-refresh-secret")
	testNow           = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

type memoryUserStore struct {
	mu      sync.Mutex
	byID    map[string]User
	nextID  int
	failErr error
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{byID: make(map[string]User)}
}

func (s *memoryUserStore) GetByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return User{}, s.failErr
	}
	for _, user := range s.byID {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *memoryUserStore) GetByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return User{}, s.failErr
	}
	user, ok := s.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *memoryUserStore) Create(_ context.Context, input NewUser) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.byID {
		if user.Email == input.Email {
			return User{}, ErrEmailTaken
		}
	}
	s.nextID++
	user := User{
		ID:           fmt.Sprintf("u%d", s.nextID),
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
		IsAdmin:      input.IsAdmin,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	s.byID[user.ID] = user
	return user, nil
}

func (s *memoryUserStore) EnsureAdmin(_ context.Context, email, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, user := range s.byID {
		if user.Email == email {
			user.IsAdmin = true
			user.PasswordHash = passwordHash
			s.byID[id] = user
			return nil
		}
	}
	s.nextID++
	id := fmt.Sprintf("u%d", s.nextID)
	s.byID[id] = User{ID: id, Email: email, PasswordHash: passwordHash, IsAdmin: true}
	return nil
}

func (s *memoryUserStore) setAdmin(id string, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.byID[id]
	user.IsAdmin = admin
	s.byID[id] = user
}

func (s *memoryUserStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

var errStoreDown = errors.New("connection refused")

func newTestTokenService(t *testing.T, now func() time.Time) *TokenService {
	t.Helper()
	tokens, err := NewTokenService(testAccessSecret, testRefreshSecret)
	require.NoError(t, err)
	return tokens.WithClock(now)
}

func newTestHasher(t *testing.T) *BcryptHasher {
	t.Helper()
	hasher, err := NewBcryptHasher(bcrypt.MinCost)
	require.NoError(t, err)
	return hasher
}
