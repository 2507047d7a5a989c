// Package users stores the local record of every Buwana account that has
// logged in.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultRole is given to accounts the provider assigns no role.
	DefaultRole = "user"

	statusActive = "active"

	fallbackFirstName = "Earthling"
)

// ErrNotFound is returned when no record exists for a Buwana id.
var ErrNotFound = errors.New("user not found")

// Identity is a stored user record.
type Identity struct {
	BuwanaID       int64
	Email          string
	FirstName      string
	LastName       string
	FullName       string
	Role           string
	AccountStatus  string
	EarthlingEmoji string
	LoginCount     int64
	CreatedAt      time.Time
	LastLogin      time.Time
}

// DisplayName is the full name when known, else the first name.
func (i Identity) DisplayName() string {
	if i.FullName != "" {
		return i.FullName
	}
	return i.FirstName
}

// Update carries the profile fields seen at one login. Empty strings mean
// the provider did not send the field; they never overwrite stored values.
type Update struct {
	BuwanaID       int64
	Email          string
	FirstName      string
	LastName       string
	FullName       string
	Role           string
	EarthlingEmoji string
}

// Store reads and upserts identities.
type Store interface {
	Get(ctx context.Context, buwanaID int64) (Identity, error)
	Upsert(ctx context.Context, u Update, now time.Time) (Identity, error)
}

// PlaceholderEmail is stored for new accounts whose provider sent no email.
func PlaceholderEmail(buwanaID int64) string {
	return fmt.Sprintf("user-%d@placeholder.local", buwanaID)
}

func newIdentity(u Update, now time.Time) Identity {
	id := Identity{
		BuwanaID:       u.BuwanaID,
		Email:          u.Email,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		FullName:       u.FullName,
		Role:           u.Role,
		AccountStatus:  statusActive,
		EarthlingEmoji: u.EarthlingEmoji,
		LoginCount:     1,
		CreatedAt:      now,
		LastLogin:      now,
	}
	if id.FirstName == "" {
		id.FirstName = firstNameFromEmail(u.Email)
	}
	if id.Email == "" {
		id.Email = PlaceholderEmail(u.BuwanaID)
	}
	if id.FullName == "" {
		id.FullName = strings.TrimSpace(id.FirstName + " " + id.LastName)
	}
	if id.Role == "" {
		id.Role = DefaultRole
	}
	return id
}

// merge applies u on top of existing. last_login only moves forward.
func merge(existing Identity, u Update, now time.Time) Identity {
	out := existing
	if u.Email != "" {
		out.Email = u.Email
	}
	if u.FirstName != "" {
		out.FirstName = u.FirstName
	}
	if u.LastName != "" {
		out.LastName = u.LastName
	}
	if u.FullName != "" {
		out.FullName = u.FullName
	}
	if u.Role != "" {
		out.Role = u.Role
	}
	if out.Role == "" {
		out.Role = DefaultRole
	}
	if u.EarthlingEmoji != "" {
		out.EarthlingEmoji = u.EarthlingEmoji
	}
	if now.After(out.LastLogin) {
		out.LastLogin = now
	}
	out.LoginCount++
	return out
}

func firstNameFromEmail(email string) string {
	local, _, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return fallbackFirstName
	}
	return local
}
