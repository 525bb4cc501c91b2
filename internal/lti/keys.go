package lti

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/classpilot/lti-engine/internal/store"
)

// DefaultAlg is the only signing algorithm issued or accepted for launch
// tokens and NRPS client assertions.
const DefaultAlg = "RS256"

const rsaKeyBits = 2048

// GenerateKeyPair creates a fresh RSA signing key pair with a random kid.
// Both halves are PEM encoded for storage; PlatformID and timestamps are
// filled in by the key store.
func GenerateKeyPair() (store.SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return store.SigningKey{}, fmt.Errorf("generate rsa key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return store.SigningKey{}, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return store.SigningKey{}, fmt.Errorf("marshal public key: %w", err)
	}

	return store.SigningKey{
		KID:        randHex(16),
		Alg:        DefaultAlg,
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		Active:     true,
	}, nil
}

// ParsePrivateKey decodes a PEM PKCS#8 (or PKCS#1) RSA private key.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// ParsePublicKey decodes a PEM PKIX RSA public key.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// BuildJWKS converts stored signing keys into a public JWKS. Keys whose
// public PEM does not parse are skipped; only public parameters are ever
// emitted.
func BuildJWKS(keys []store.SigningKey) JWKS {
	set := JWKS{Keys: []map[string]any{}}
	for _, k := range keys {
		pub, err := ParsePublicKey(k.PublicPEM)
		if err != nil {
			continue
		}
		set.Keys = append(set.Keys, RSAPublicJWK(pub, k.KID, k.Alg))
	}
	return set
}

// RSAPublicJWK builds an RSA JWK map for the given public key.
func RSAPublicJWK(pub *rsa.PublicKey, kid, alg string) map[string]any {
	return map[string]any{
		"kty":     "RSA",
		"kid":     kid,
		"alg":     alg,
		"use":     "sig",
		"key_ops": []string{"verify"},
		"n":       bigIntToB64(pub.N),
		"e":       intToB64(pub.E),
	}
}

// rsaKeyFromJWK reconstructs an RSA public key from JWK "n"/"e" members.
func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	if exp == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

func bigIntToB64(i *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(i.Bytes())
}

func intToB64(i int) string {
	b := big.NewInt(int64(i)).Bytes()
	if len(b) == 0 {
		b = []byte{0}
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
