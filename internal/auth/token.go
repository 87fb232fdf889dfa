// Package auth validates the bearer tokens the Bot Framework attaches to
// inbound activities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BotFrameworkIssuer is the issuer of tokens minted by the Bot Framework
// channel service.
const BotFrameworkIssuer = "https://api.botframework.com"

// Token errors
var (
	ErrMissingToken       = errors.New("auth: missing bearer token")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrExpiredToken       = errors.New("auth: token expired")
	ErrServiceURLMismatch = errors.New("auth: token service url does not match activity")
)

// Claims are the registered claims plus the Bot Framework service url claim.
type Claims struct {
	ServiceURL string `json:"serviceurl,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks the Authorization header of an inbound activity.
type Verifier interface {
	Verify(ctx context.Context, authHeader, serviceURL string) (*Claims, error)
}

// JWTVerifier validates RS256 tokens issued to this bot's app id.
type JWTVerifier struct {
	appID   string
	keys    KeySource
	issuers []string
	leeway  time.Duration
	now     func() time.Time
}

type VerifierOption func(*JWTVerifier)

// WithIssuers replaces the accepted issuers.
func WithIssuers(issuers ...string) VerifierOption {
	return func(v *JWTVerifier) {
		if len(issuers) > 0 {
			v.issuers = issuers
		}
	}
}

func WithLeeway(d time.Duration) VerifierOption {
	return func(v *JWTVerifier) { v.leeway = d }
}

// NewJWTVerifier creates a verifier for tokens whose audience is appID.
func NewJWTVerifier(appID string, keys KeySource, opts ...VerifierOption) (*JWTVerifier, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return nil, errors.New("auth: app id must not be empty")
	}
	if keys == nil {
		return nil, errors.New("auth: key source must not be nil")
	}
	v := &JWTVerifier{
		appID:   appID,
		keys:    keys,
		issuers: []string{BotFrameworkIssuer},
		leeway:  5 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses "Bearer <jwt>", checks signature, audience, issuer and expiry,
// and, when serviceURL is given, that the token was minted for that service.
func (v *JWTVerifier) Verify(ctx context.Context, authHeader, serviceURL string) (*Claims, error) {
	raw, ok := bearerToken(authHeader)
	if !ok {
		return nil, ErrMissingToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.appID),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if !v.issuerAllowed(claims.Issuer) {
		return nil, fmt.Errorf("%w: issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if serviceURL != "" && claims.ServiceURL != "" && !sameServiceURL(claims.ServiceURL, serviceURL) {
		return nil, ErrServiceURLMismatch
	}
	return claims, nil
}

func (v *JWTVerifier) issuerAllowed(iss string) bool {
	for _, allowed := range v.issuers {
		if iss == allowed {
			return true
		}
	}
	return false
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

func sameServiceURL(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(b, "/"))
}
