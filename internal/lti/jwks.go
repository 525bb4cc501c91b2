package lti

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/classpilot/lti-engine/internal/store"
)

// JWKSHandler serves the tool's public key set for platform-side
// verification of NRPS client assertions. Mounted at both /lti/jwks and
// /.well-known/jwks.json.
type JWKSHandler struct {
	Keys        store.KeyStore
	Logger      *zap.Logger
	CacheMaxAge time.Duration // default 1 hour
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Keys.ActivePublicKeys(r.Context(), "")
	if err != nil {
		h.Logger.Error("jwks: list keys", zap.Error(err))
		WriteError(w, Internal("internal error", err))
		return
	}

	payload, err := json.Marshal(BuildJWKS(keys))
	if err != nil {
		WriteError(w, Internal("internal error", err))
		return
	}

	sum := sha256.Sum256(payload)
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`

	maxAge := h.CacheMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
	w.Header().Set("ETag", etag)

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
