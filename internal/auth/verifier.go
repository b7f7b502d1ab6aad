package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// ErrUnauthorized is the single failure outcome callers see. Signature,
// issuer, audience, expiry and key lookup failures all wrap it.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrMalformedToken reports a token whose header cannot be decoded or carries
// no key id. It wraps ErrUnauthorized.
var ErrMalformedToken = fmt.Errorf("%w: malformed token", ErrUnauthorized)

// KeySource resolves a key id to public key material.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// Config controls token validation.
type Config struct {
	Issuer      string
	Audience    string
	AllowedAlgs []string
	Leeway      time.Duration
}

// Verifier validates bearer tokens against a KeySource.
type Verifier struct {
	keys   KeySource
	cfg    Config
	parser *jwt.Parser
}

func NewVerifier(keys KeySource, cfg Config) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("auth: key source must not be nil")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer must not be empty")
	}
	if cfg.Audience == "" {
		return nil, errors.New("auth: audience must not be empty")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = defaultLeeway
	}
	return &Verifier{
		keys: keys,
		cfg:  cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.AllowedAlgs),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.Leeway),
		),
	}, nil
}

// Verify checks the token and returns its subject. Every failure wraps
// ErrUnauthorized; the wrapped detail is for logs only.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	kid, err := keyID(token)
	if err != nil {
		return "", err
	}

	var claims jwt.RegisteredClaims
	_, err = v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// keyID reads the kid header without trusting any claim.
func keyID(token string) (string, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return "", fmt.Errorf("%w: missing kid header", ErrMalformedToken)
	}
	return kid, nil
}
