package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// BotFrameworkMetadataURL is the OpenID configuration of the Bot Framework
// token issuer.
const BotFrameworkMetadataURL = "https://login.botframework.com/v1/.well-known/openidconfiguration"

const (
	defaultKeyTTL         = 24 * time.Hour
	minRefreshInterval    = 30 * time.Second
	maxMetadataBodyBytes  = 1 << 20
	defaultMetadataClient = 10 * time.Second
)

// ErrUnknownKey is returned when no signing key matches the token's kid.
var ErrUnknownKey = errors.New("auth: unknown signing key")

// KeySource resolves RSA verification keys by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// JWKS fetches signing keys through an OpenID metadata document and caches
// them. An unknown kid forces a refresh, at most once per minRefreshInterval.
type JWKS struct {
	metadataURL string
	httpClient  *http.Client
	ttl         time.Duration
	now         func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

type JWKSOption func(*JWKS)

func WithKeyHTTPClient(hc *http.Client) JWKSOption {
	return func(j *JWKS) {
		if hc != nil {
			j.httpClient = hc
		}
	}
}

func WithKeyTTL(ttl time.Duration) JWKSOption {
	return func(j *JWKS) {
		if ttl > 0 {
			j.ttl = ttl
		}
	}
}

func NewJWKS(metadataURL string, opts ...JWKSOption) *JWKS {
	j := &JWKS{
		metadataURL: metadataURL,
		httpClient:  &http.Client{Timeout: defaultMetadataClient},
		ttl:         defaultKeyTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *JWKS) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	stale := j.keys == nil || now.Sub(j.fetchedAt) > j.ttl
	if !stale {
		if k, ok := j.keys[kid]; ok {
			return k, nil
		}
		if now.Sub(j.fetchedAt) < minRefreshInterval {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
	}

	keys, err := j.fetch(ctx)
	if err != nil {
		if k, ok := j.keys[kid]; ok {
			// Cached keys stay usable while the metadata endpoint is down.
			return k, nil
		}
		return nil, err
	}
	j.keys = keys
	j.fetchedAt = now

	k, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	return k, nil
}

type openIDMetadata struct {
	JWKSURI string `json:"jwks_uri"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

func (j *JWKS) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	var meta openIDMetadata
	if err := j.getJSON(ctx, j.metadataURL, &meta); err != nil {
		return nil, fmt.Errorf("auth: fetch openid metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return nil, errors.New("auth: openid metadata has no jwks_uri")
	}

	var set jsonWebKeySet
	if err := j.getJSON(ctx, meta.JWKSURI, &set); err != nil {
		return nil, fmt.Errorf("auth: fetch jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("auth: key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("auth: jwks contains no usable RSA keys")
	}
	return keys, nil
}

func (j *JWKS) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBodyBytes)).Decode(out)
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("malformed key parameters")
	}
	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}
