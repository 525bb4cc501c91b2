package lti_test

import (
	"testing"

	"github.com/classpilot/lti-engine/internal/lti"
	"github.com/classpilot/lti-engine/internal/store"
)

func TestGenerateKeyPairRoundTrip(t *testing.T) {
	key, err := lti.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if key.KID == "" || key.Alg != "RS256" || !key.Active {
		t.Fatalf("unexpected key metadata: %+v", key)
	}
	// 16 random bytes hex-encoded: 128 bits of kid entropy.
	if len(key.KID) != 32 {
		t.Fatalf("kid %q has %d hex chars, want 32", key.KID, len(key.KID))
	}

	priv, err := lti.ParsePrivateKey(key.PrivatePEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	pub, err := lti.ParsePublicKey(key.PublicPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 || priv.PublicKey.E != pub.E {
		t.Fatal("public PEM does not match private key")
	}
}

func TestGenerateKeyPairUniqueKIDs(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		key, err := lti.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		if seen[key.KID] {
			t.Fatalf("duplicate kid %q", key.KID)
		}
		seen[key.KID] = true
	}
}

func TestBuildJWKSSkipsBrokenKeys(t *testing.T) {
	good, err := lti.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	bad := good
	bad.KID = "broken"
	bad.PublicPEM = "not pem at all"

	set := lti.BuildJWKS([]store.SigningKey{good, bad})
	if len(set.Keys) != 1 {
		t.Fatalf("want 1 key in JWKS, got %d", len(set.Keys))
	}
	jwk := set.Keys[0]
	if jwk["kid"] != good.KID || jwk["kty"] != "RSA" || jwk["use"] != "sig" {
		t.Fatalf("unexpected JWK: %v", jwk)
	}
	if _, ok := jwk["n"].(string); !ok {
		t.Fatal("JWK missing modulus")
	}
}
