package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrEmailTaken          = errors.New("email already registered")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrAdminRequired       = errors.New("admin privileges required")
	ErrPasswordTooLong     = errors.New("password too long")
)

// MaxPasswordBytes is the bcrypt input limit.
const MaxPasswordBytes = 72

type UserStore interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	Create(ctx context.Context, input NewUser) (User, error)
}

type AdminStore interface {
	EnsureAdmin(ctx context.Context, email, passwordHash string) error
}

type RegisterInput struct {
	Email    string
	Password string
	IsAdmin  bool
	// Caller is the authenticated identity making the request, if any.
	Caller *Identity
}

type Service struct {
	users  UserStore
	hasher PasswordHasher
	tokens *TokenService
}

func NewService(users UserStore, hasher PasswordHasher, tokens *TokenService) *Service {
	return &Service{users: users, hasher: hasher, tokens: tokens}
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, error) {
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return Session{}, ErrInvalidCredentials
	}
	if input.IsAdmin && (input.Caller == nil || !input.Caller.IsAdmin) {
		return Session{}, ErrAdminRequired
	}
	if len(input.Password) > MaxPasswordBytes {
		return Session{}, ErrPasswordTooLong
	}

	_, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return Session{}, ErrEmailTaken
	case !errors.Is(err, ErrUserNotFound):
		return Session{}, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return Session{}, err
	}

	user, err := s.users.Create(ctx, NewUser{Email: email, PasswordHash: hash, IsAdmin: input.IsAdmin})
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(user.Identity())
}

// Login fails with ErrInvalidCredentials both for unknown emails and wrong
// passwords, after the same amount of hashing work.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return Session{}, err
	}

	if !s.hasher.Verify(user.PasswordHash, password) || user.ID == "" {
		return Session{}, ErrInvalidCredentials
	}

	return s.issueSession(user.Identity())
}

// Refresh mints a new access token from a refresh token. The identity is
// reloaded so that role changes and deletions apply. The refresh token itself
// is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return Session{}, ErrInvalidRefreshToken
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, err
	}

	access, err := s.tokens.IssueAccessToken(user.Identity())
	if err != nil {
		return Session{}, err
	}

	return Session{Identity: user.Identity(), AccessToken: access}, nil
}

func (s *Service) BootstrapAdmin(ctx context.Context, store AdminStore, email, password string) error {
	email = normalizeEmail(email)
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("admin email and password are required together")
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("admin password: %w", ErrPasswordTooLong)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	return store.EnsureAdmin(ctx, email, hash)
}

func (s *Service) issueSession(identity Identity) (Session, error) {
	access, err := s.tokens.IssueAccessToken(identity)
	if err != nil {
		return Session{}, err
	}
	refresh, err := s.tokens.IssueRefreshToken(identity.ID)
	if err != nil {
		return Session{}, err
	}

	return Session{Identity: identity, AccessToken: access, RefreshToken: refresh}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
