package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/time/rate"
)

// Defaults for the signing key cache.
const (
	DefaultJWKSMaxEntries        = 5
	DefaultJWKSMaxAge            = 10 * time.Minute
	DefaultJWKSRequestsPerMinute = 10

	registerTimeout = 5 * time.Second
)

// ErrKeyNotFound is returned when the key set has no usable key for a kid.
var ErrKeyNotFound = errors.New("signing key not found")

// KeySource resolves the public key that signed a token.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// KeyClientOptions tunes a KeyClient. Zero values take the defaults above.
type KeyClientOptions struct {
	HTTPClient        *http.Client
	MaxEntries        int
	MaxAge            time.Duration
	RequestsPerMinute int
	Logger            *slog.Logger
}

type cachedKey struct {
	key       *rsa.PublicKey
	fetchedAt time.Time
}

// KeyClient resolves signing keys from a provider's JWKS endpoint. Resolved
// keys are kept per kid with a bounded count and age; fetching the key set
// again on a miss is rate limited, so a burst of unknown kids cannot hammer
// the provider.
type KeyClient struct {
	url     string
	cache   *jwk.Cache
	limiter *rate.Limiter
	logger  *slog.Logger

	maxEntries int
	maxAge     time.Duration
	now        func() time.Time

	regMu      sync.Mutex
	registered bool

	mu      sync.RWMutex
	entries map[string]cachedKey
}

// NewKeyClient builds a client for jwksURL. The key set is not fetched until
// the first lookup. ctx bounds the lifetime of the background cache.
func NewKeyClient(ctx context.Context, jwksURL string, opts KeyClientOptions) (*KeyClient, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: jwks url required", ErrConfiguration)
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultJWKSMaxEntries
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultJWKSMaxAge
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = DefaultJWKSRequestsPerMinute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(opts.HTTPClient)))
	if err != nil {
		return nil, fmt.Errorf("create jwks cache: %w", err)
	}

	perMinute := rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	return &KeyClient{
		url:        jwksURL,
		cache:      cache,
		limiter:    rate.NewLimiter(perMinute, opts.RequestsPerMinute),
		logger:     opts.Logger,
		maxEntries: opts.MaxEntries,
		maxAge:     opts.MaxAge,
		now:        time.Now,
		entries:    make(map[string]cachedKey),
	}, nil
}

// URL returns the JWKS endpoint this client reads.
func (c *KeyClient) URL() string { return c.url }

// Key returns the RSA public key published under kid.
func (c *KeyClient) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: empty kid", ErrKeyNotFound)
	}
	if key, ok := c.cached(kid); ok {
		return key, nil
	}

	if err := c.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	set, err := c.cache.Lookup(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("lookup jwks: %w", err)
	}

	key, found := set.LookupKeyID(kid)
	if !found || c.stale(kid) {
		if c.limiter.Allow() {
			c.logger.Debug("jwks.refresh", "url", c.url, "kid", kid)
			refreshed, err := c.cache.Refresh(ctx, c.url)
			if err != nil {
				return nil, fmt.Errorf("refresh jwks: %w", err)
			}
			key, found = refreshed.LookupKeyID(kid)
		} else {
			c.logger.Warn("jwks.refresh_throttled", "url", c.url, "kid", kid)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export jwk %q: %w", kid, err)
	}
	pub, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q is %T, not an RSA public key", ErrKeyNotFound, kid, raw)
	}

	c.store(kid, pub)
	return pub, nil
}

// ensureRegistered registers the JWKS URL on first use. A failed registration
// is retried on the next lookup.
func (c *KeyClient) ensureRegistered(ctx context.Context) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if c.registered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	if err := c.cache.Register(regCtx, c.url); err != nil {
		return fmt.Errorf("register jwks %s: %w", c.url, err)
	}
	c.registered = true
	return nil
}

func (c *KeyClient) cached(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[kid]
	if !ok || c.now().Sub(e.fetchedAt) > c.maxAge {
		return nil, false
	}
	return e.key, true
}

func (c *KeyClient) stale(kid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[kid]
	return ok && c.now().Sub(e.fetchedAt) > c.maxAge
}

func (c *KeyClient) store(kid string, key *rsa.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.fetchedAt) > c.maxAge {
			delete(c.entries, k)
		}
	}
	if _, exists := c.entries[kid]; !exists && len(c.entries) >= c.maxEntries {
		oldest := ""
		for k, e := range c.entries {
			if oldest == "" || e.fetchedAt.Before(c.entries[oldest].fetchedAt) {
				oldest = k
			}
		}
		delete(c.entries, oldest)
	}
	c.entries[kid] = cachedKey{key: key, fetchedAt: now}
}

// Len reports how many resolved keys are cached.
func (c *KeyClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
