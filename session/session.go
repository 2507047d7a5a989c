// Package session models a visitor's login state and its persistence.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"hopeturtles/auth"
)

// Phase names the state a session is in.
type Phase string

const (
	PhaseAnonymous     Phase = "anonymous"
	PhasePendingLogin  Phase = "pending_login"
	PhaseAuthenticated Phase = "authenticated"
)

// State is one of Anonymous, PendingLogin or Authenticated.
type State interface {
	Phase() Phase
	isState()
}

// Anonymous is a session with no login in progress.
type Anonymous struct{}

// PendingLogin holds the attempt started by /auth/login.
type PendingLogin struct {
	Attempt auth.LoginAttempt `json:"attempt"`
}

// Authenticated is a session whose login completed.
type Authenticated struct {
	User   User           `json:"user"`
	Tokens auth.TokenSet  `json:"tokens"`
	Claims map[string]any `json:"claims"`
}

func (Anonymous) Phase() Phase     { return PhaseAnonymous }
func (PendingLogin) Phase() Phase  { return PhasePendingLogin }
func (Authenticated) Phase() Phase { return PhaseAuthenticated }

func (Anonymous) isState()     {}
func (PendingLogin) isState()  {}
func (Authenticated) isState() {}

// User is the snapshot of the local user record kept in the session.
type User struct {
	ID             int64      `json:"id"`
	BuwanaID       int64      `json:"buwanaId"`
	Email          string     `json:"email"`
	Name           string     `json:"name,omitempty"`
	FirstName      string     `json:"firstName,omitempty"`
	Role           string     `json:"role"`
	LastLogin      *time.Time `json:"lastLogin,omitempty"`
	EarthlingEmoji string     `json:"earthlingEmoji,omitempty"`
}

// Session is a stored session. A nil State is treated as Anonymous.
type Session struct {
	ID        string
	State     State
	ExpiresAt time.Time
}

// New returns an anonymous session with a fresh id.
func New() (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, State: Anonymous{}}, nil
}

// NewID returns a random 256-bit session id.
func NewID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Phase returns the phase of the session state.
func (s *Session) Phase() Phase {
	if s == nil || s.State == nil {
		return PhaseAnonymous
	}
	return s.State.Phase()
}

// Pending returns the pending login, if any.
func (s *Session) Pending() (PendingLogin, bool) {
	if s == nil {
		return PendingLogin{}, false
	}
	p, ok := s.State.(PendingLogin)
	return p, ok
}

// Authenticated returns the authenticated state, if any.
func (s *Session) Authenticated() (Authenticated, bool) {
	if s == nil {
		return Authenticated{}, false
	}
	a, ok := s.State.(Authenticated)
	return a, ok
}

type envelope struct {
	ID            string         `json:"id"`
	Phase         Phase          `json:"phase"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	Pending       *PendingLogin  `json:"pending,omitempty"`
	Authenticated *Authenticated `json:"authenticated,omitempty"`
}

// MarshalJSON encodes the session with its phase tag.
func (s Session) MarshalJSON() ([]byte, error) {
	env := envelope{ID: s.ID, Phase: s.Phase(), ExpiresAt: s.ExpiresAt}
	switch st := s.State.(type) {
	case PendingLogin:
		env.Pending = &st
	case Authenticated:
		env.Authenticated = &st
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes a session written by MarshalJSON.
func (s *Session) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.ID = env.ID
	s.ExpiresAt = env.ExpiresAt

	switch env.Phase {
	case PhaseAnonymous, "":
		s.State = Anonymous{}
	case PhasePendingLogin:
		if env.Pending == nil {
			return fmt.Errorf("session %s: pending phase without attempt", env.ID)
		}
		s.State = *env.Pending
	case PhaseAuthenticated:
		if env.Authenticated == nil {
			return fmt.Errorf("session %s: authenticated phase without identity", env.ID)
		}
		s.State = *env.Authenticated
	default:
		return fmt.Errorf("session %s: unknown phase %q", env.ID, env.Phase)
	}
	return nil
}
