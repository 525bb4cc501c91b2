package lti_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/classpilot/lti-engine/internal/lti"
	"github.com/classpilot/lti-engine/internal/store"
)

// rotatingJWKS serves whatever key set it currently holds and counts hits.
type rotatingJWKS struct {
	mu   sync.Mutex
	keys []store.SigningKey
	hits int
}

func (j *rotatingJWKS) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hits++
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(lti.BuildJWKS(j.keys))
}

func (j *rotatingJWKS) swap(keys ...store.SigningKey) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.keys = keys
}

func (j *rotatingJWKS) hitCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.hits
}

func signWith(t *testing.T, key store.SigningKey, claims jwt.MapClaims) string {
	t.Helper()
	priv, err := lti.ParsePrivateKey(key.PrivatePEM)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KID
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func baseClaims(p store.Platform) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": p.Issuer,
		"aud": p.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"sub": "u-1",
	}
}

func TestVerifierRefetchesOnUnseenKid(t *testing.T) {
	key1, _ := lti.GenerateKeyPair()
	key2, _ := lti.GenerateKeyPair()
	jwks := &rotatingJWKS{}
	jwks.swap(key1)
	srv := httptest.NewServer(jwks)
	defer srv.Close()

	p := testPlatform()
	p.JWKSEndpoint = srv.URL
	v := lti.NewVerifier(srv.Client(), zap.NewNop(), time.Hour)

	if _, err := v.Verify(context.Background(), p, signWith(t, key1, baseClaims(p))); err != nil {
		t.Fatalf("verify with cached key: %v", err)
	}
	if jwks.hitCount() != 1 {
		t.Fatalf("jwks hits = %d, want 1", jwks.hitCount())
	}

	// A second token under the same kid is served from cache.
	if _, err := v.Verify(context.Background(), p, signWith(t, key1, baseClaims(p))); err != nil {
		t.Fatalf("verify from cache: %v", err)
	}
	if jwks.hitCount() != 1 {
		t.Fatalf("jwks hits = %d, want 1 (cache miss)", jwks.hitCount())
	}

	// Platform rotates. The unseen kid must force one refetch.
	jwks.swap(key2)
	if _, err := v.Verify(context.Background(), p, signWith(t, key2, baseClaims(p))); err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
	if jwks.hitCount() != 2 {
		t.Fatalf("jwks hits = %d, want 2", jwks.hitCount())
	}
}

func TestVerifierCollapsesFailures(t *testing.T) {
	key, _ := lti.GenerateKeyPair()
	jwks := &rotatingJWKS{}
	jwks.swap(key)
	srv := httptest.NewServer(jwks)
	defer srv.Close()

	p := testPlatform()
	p.JWKSEndpoint = srv.URL
	v := lti.NewVerifier(srv.Client(), zap.NewNop(), time.Hour)

	expired := baseClaims(p)
	expired["iat"] = time.Now().Add(-2 * time.Hour).Unix()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongIss := baseClaims(p)
	wrongIss["iss"] = "https://imposter.test"

	wrongAud := baseClaims(p)
	wrongAud["aud"] = "other-client"

	noExp := baseClaims(p)
	delete(noExp, "exp")

	for name, claims := range map[string]jwt.MapClaims{
		"expired":      expired,
		"wrong issuer": wrongIss,
		"wrong aud":    wrongAud,
		"missing exp":  noExp,
	} {
		_, err := v.Verify(context.Background(), p, signWith(t, key, claims))
		if !errors.Is(err, lti.ErrInvalidToken) {
			t.Fatalf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}

	// HS256 with the raw secret must be rejected by algorithm pinning.
	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims(p))
	hs.Header["kid"] = key.KID
	signed, err := hs.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}
	if _, err := v.Verify(context.Background(), p, signed); !errors.Is(err, lti.ErrInvalidToken) {
		t.Fatalf("hs256 accepted: %v", err)
	}
}
