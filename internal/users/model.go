package users

import "time"

// Account is the public view of a user row; the password hash never leaves
// the auth package.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
}
