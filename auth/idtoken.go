package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningAlgorithm is the only id token algorithm accepted.
const SigningAlgorithm = "RS256"

const clockLeeway = 30 * time.Second

// Validator verifies id tokens issued to one client.
type Validator struct {
	keys     KeySource
	clientID string
	issuer   string
	leeway   time.Duration
}

// NewValidator returns a validator that resolves keys from keys and requires
// aud == clientID. The issuer is checked only when non-empty.
func NewValidator(keys KeySource, clientID, issuer string) *Validator {
	return &Validator{
		keys:     keys,
		clientID: clientID,
		issuer:   issuer,
		leeway:   clockLeeway,
	}
}

// Validate checks signature, audience, expiry, issuer and nonce, and returns
// the verified claims.
func (v *Validator) Validate(ctx context.Context, raw, nonce string) (jwt.MapClaims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: header has no kid", ErrMalformedToken)
	}

	key, err := v.keys.Key(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve signing key: %w", ErrTokenValidation, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{SigningAlgorithm}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	_, err = jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenValidation, err)
	}

	got, _ := claims["nonce"].(string)
	if nonce == "" || subtle.ConstantTimeCompare([]byte(got), []byte(nonce)) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrTokenValidation)
	}

	return claims, nil
}
