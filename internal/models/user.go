package models

import (
	"net/mail"
	"strings"
	"time"
)

// User is the identity-store record used for display-name lookup.
type User struct {
	ID          UserID    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks a user record.
func (u *User) Validate() error {
	v := &ValidationErrors{}
	if strings.TrimSpace(string(u.ID)) == "" {
		v.AddMessage("id", "user id is required")
	} else if strings.Contains(string(u.ID), "/") {
		v.AddMessage("id", "user id must not contain '/'")
	}
	if strings.TrimSpace(u.DisplayName) == "" && strings.TrimSpace(u.Email) == "" {
		v.AddMessage("display_name", "display name or email is required")
	}
	if u.Email != "" {
		if _, err := mail.ParseAddress(u.Email); err != nil {
			v.AddMessage("email", "invalid email address")
		}
	}
	return v.Err()
}

// ResolvedName returns the display name, falling back to the email's local
// part and finally to the user id.
func (u *User) ResolvedName() string {
	if name := strings.TrimSpace(u.DisplayName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(u.Email, "@"); ok && local != "" {
		return local
	}
	return string(u.ID)
}
