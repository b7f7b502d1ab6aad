package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultRefreshInterval = time.Minute
	defaultTimeout         = 5 * time.Second
	maxBodyBytes           = 1 << 20
	// attemptsPerInterval bounds fetches, failed ones included, per refresh
	// interval.
	attemptsPerInterval = 10
)

// ErrKeyNotFound is returned when no signing key with the requested key id is
// published, or a refresh was suppressed by the rate limit.
var ErrKeyNotFound = errors.New("jwks: key not found")

// Cache resolves key ids to public keys from a remote JWK set. Keys are
// cached in memory for the life of the process; a lookup miss triggers a
// refresh of the whole set. Only successful refreshes count against the
// once-per-interval limit; failed fetches draw on a separate, larger budget
// so a transient outage does not lock out every token until the next
// interval.
type Cache struct {
	uri        string
	httpClient *http.Client
	// Both nil when refreshes are unlimited.
	refreshes *rate.Limiter
	attempts  *rate.Limiter
	group     singleflight.Group

	mu   sync.RWMutex
	keys map[string]any
}

type Option func(*Cache)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Cache) {
		c.httpClient = httpClient
	}
}

// WithRefreshInterval sets the minimum spacing between refreshes. Zero
// disables the limit.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.setInterval(d)
	}
}

func (c *Cache) setInterval(d time.Duration) {
	if d <= 0 {
		c.refreshes, c.attempts = nil, nil
		return
	}
	c.refreshes = rate.NewLimiter(rate.Every(d), 1)
	c.attempts = rate.NewLimiter(rate.Every(d/attemptsPerInterval), attemptsPerInterval)
}

// New creates a Cache for the JWK set published at uri. No request is made
// until the first lookup.
func New(uri string, opts ...Option) (*Cache, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errors.New("jwks: uri must not be empty")
	}
	c := &Cache{
		uri:        uri,
		httpClient: &http.Client{Timeout: defaultTimeout},
		keys:       map[string]any{},
	}
	c.setInterval(defaultRefreshInterval)
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return c, nil
}

// Key returns the public key published under kid.
func (c *Cache) Key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: empty key id", ErrKeyNotFound)
	}
	if key, ok := c.cached(kid); ok {
		return key, nil
	}

	// Concurrent misses for the same kid share one fetch.
	v, err, _ := c.group.Do(kid, func() (any, error) {
		if key, ok := c.cached(kid); ok {
			return key, nil
		}
		if !c.allowAttempt() {
			return nil, fmt.Errorf("%w: %q (refresh rate limited)", ErrKeyNotFound, kid)
		}
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
		if c.refreshes != nil {
			c.refreshes.Allow()
		}
		if key, ok := c.cached(kid); ok {
			return key, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// allowAttempt reports whether a fetch may start now. It charges the attempt
// budget but not the refresh limit, which is only spent on success.
func (c *Cache) allowAttempt() bool {
	if c.refreshes == nil {
		return true
	}
	if c.refreshes.Tokens() < 1 {
		return false
	}
	return c.attempts.Allow()
}

// Evict drops kid from the cache so the next lookup refetches the set.
func (c *Cache) Evict(kid string) {
	c.mu.Lock()
	delete(c.keys, kid)
	c.mu.Unlock()
}

func (c *Cache) cached(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok
}

func (c *Cache) refresh(ctx context.Context) error {
	set, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]any, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || !k.Valid() || !k.IsPublic() {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		fresh[k.KeyID] = k.Key
	}

	c.mu.Lock()
	for kid, key := range fresh {
		c.keys[kid] = key
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch %s: %w", c.uri, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: fetch %s: unexpected status %d", c.uri, res.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(res.Body, maxBodyBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks: decode key set: %w", err)
	}
	return &set, nil
}
