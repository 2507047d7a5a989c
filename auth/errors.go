package auth

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrConfiguration is returned when provider endpoints or the client id are missing.
	ErrConfiguration = errors.New("auth: provider configuration incomplete")

	// ErrStateMismatch is returned when the callback state is absent or differs from the session.
	ErrStateMismatch = errors.New("auth: invalid or mismatched state parameter")

	// ErrExchangeFailed matches every *ExchangeError.
	ErrExchangeFailed = errors.New("auth: token exchange failed")

	// ErrMalformedTokenResponse is returned when the token endpoint answers without an id_token.
	ErrMalformedTokenResponse = errors.New("auth: token response missing id_token")

	// ErrMalformedToken is returned when the id token header cannot be decoded or lacks a kid.
	ErrMalformedToken = errors.New("auth: malformed id token")

	// ErrTokenValidation wraps every signature, audience, expiry, issuer or nonce failure.
	ErrTokenValidation = errors.New("auth: id token validation failed")

	// ErrInvalidSubject is returned when no numeric id can be derived from the sub claim.
	ErrInvalidSubject = errors.New("auth: subject has no numeric form")
)

// ExchangeError describes a failed call to the token endpoint.
// StatusCode is zero when the request never produced a response.
type ExchangeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ExchangeError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("token exchange failed with status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	default:
		return "token exchange failed"
	}
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExchangeFailed) match any ExchangeError.
func (e *ExchangeError) Is(target error) bool { return target == ErrExchangeFailed }

const maxBodyExcerpt = 512

// excerpt trims body for logging without splitting a UTF-8 sequence.
func excerpt(body []byte) string {
	if len(body) <= maxBodyExcerpt {
		return string(body)
	}
	cut := maxBodyExcerpt
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "..."
}
