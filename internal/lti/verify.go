package lti

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/classpilot/lti-engine/internal/store"
)

// Verifier validates platform-signed id_tokens against the platform's
// published JWKS. Key sets are cached per platform with a TTL; a kid miss
// on a cached set forces one refetch before failing.
//
// Every verification failure surfaces as ErrInvalidToken. The concrete
// cause is logged but never written to responses, so callers cannot be
// used as a signature oracle.
type Verifier struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	CacheTTL   time.Duration // default 1 hour
	Leeway     time.Duration // clock skew allowance, default 1 minute

	mu    sync.Mutex
	cache map[string]*jwksEntry // platform id -> cached key set
}

type jwksEntry struct {
	keys      map[string]*rsa.PublicKey // kid -> key
	fetchedAt time.Time
}

// NewVerifier builds a Verifier with sane defaults.
func NewVerifier(client *http.Client, logger *zap.Logger, ttl time.Duration) *Verifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Verifier{
		HTTPClient: client,
		Logger:     logger,
		CacheTTL:   ttl,
		Leeway:     time.Minute,
		cache:      map[string]*jwksEntry{},
	}
}

// Verify checks the id_token's signature, algorithm, issuer, audience and
// time claims against the platform record and returns the raw claim map.
func (v *Verifier) Verify(ctx context.Context, p store.Platform, rawToken string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, v.keyfuncFor(ctx, p),
		jwt.WithValidMethods([]string{DefaultAlg}),
		jwt.WithIssuer(p.Issuer),
		jwt.WithAudience(p.ClientID),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.Leeway),
	)
	if err != nil {
		v.Logger.Warn("launch token rejected",
			zap.String("platform_id", p.ID),
			zap.String("issuer", p.Issuer),
			zap.Error(err))
		return nil, ErrInvalidToken
	}
	return map[string]any(claims), nil
}

func (v *Verifier) keyfuncFor(ctx context.Context, p store.Platform) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return v.keyForKID(ctx, p, kid)
	}
}

func (v *Verifier) keyForKID(ctx context.Context, p store.Platform, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	entry := v.cache[p.ID]
	fresh := entry != nil && time.Since(entry.fetchedAt) < v.CacheTTL
	if fresh {
		if key, ok := entry.keys[kid]; ok {
			v.mu.Unlock()
			return key, nil
		}
	}
	v.mu.Unlock()

	// Stale cache, or an unseen kid after rotation on the platform side.
	keys, err := v.fetchJWKS(ctx, p.JWKSEndpoint)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.cache[p.ID] = &jwksEntry{keys: keys, fetchedAt: time.Now()}
	v.mu.Unlock()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("kid %q not in platform jwks", kid)
	}
	return key, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context, url string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks contains no usable RSA keys")
	}
	return keys, nil
}
