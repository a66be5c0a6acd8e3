package auth

import "time"

type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) Identity() Identity {
	return Identity{ID: u.ID, Email: u.Email, IsAdmin: u.IsAdmin}
}

// Identity is the set of claims an access token asserts about its holder.
type Identity struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"isAdmin"`
}

type NewUser struct {
	Email        string
	PasswordHash string
	IsAdmin      bool
}

// Session is what register, login and refresh hand back to the transport layer.
// RefreshToken is empty when no new refresh token was issued.
type Session struct {
	Identity     Identity
	AccessToken  string
	RefreshToken string
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}
