package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/classpilot/lti-engine/internal/lti"
	"github.com/classpilot/lti-engine/internal/store"
)

// familyEndpoints pre-fills the well-known OIDC endpoints for LMS families
// whose paths are fixed relative to the issuer. Explicit values in the
// request always win.
func familyEndpoints(p *store.Platform) {
	base := strings.TrimSuffix(p.Issuer, "/")
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	switch p.Family {
	case "canvas":
		fill(&p.AuthEndpoint, base+"/api/lti/authorize_redirect")
		fill(&p.TokenEndpoint, base+"/login/oauth2/token")
		fill(&p.JWKSEndpoint, base+"/api/lti/security/jwks")
	case "moodle":
		fill(&p.AuthEndpoint, base+"/mod/lti/auth.php")
		fill(&p.TokenEndpoint, base+"/mod/lti/token.php")
		fill(&p.JWKSEndpoint, base+"/mod/lti/certs.php")
	}
}

// CreatePlatformHandler serves POST /lti/platforms. A fresh signing key is
// rotated in immediately so the new platform's NRPS client works without a
// second call.
func CreatePlatformHandler(platforms store.PlatformStore, keys store.KeyStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p store.Platform
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			lti.WriteError(w, lti.BadRequest("malformed body", err))
			return
		}
		if p.Issuer == "" || p.ClientID == "" || p.Name == "" {
			lti.WriteError(w, lti.BadRequest("name, issuer and client_id are required", nil))
			return
		}
		if p.Family == "" {
			p.Family = "generic"
		}
		familyEndpoints(&p)
		if p.AuthEndpoint == "" || p.TokenEndpoint == "" || p.JWKSEndpoint == "" {
			lti.WriteError(w, lti.BadRequest("auth, token and jwks endpoints are required", nil))
			return
		}
		p.Active = true

		if err := platforms.CreatePlatform(r.Context(), &p); err != nil {
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}

		key, err := lti.GenerateKeyPair()
		if err == nil {
			key.PlatformID = p.ID
			err = keys.RotateSigningKey(r.Context(), key)
		}
		if err != nil {
			logger.Error("initial key rotation failed", zap.String("platform_id", p.ID), zap.Error(err))
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(p)
	}
}

// ListPlatformsHandler serves GET /lti/platforms.
func ListPlatformsHandler(platforms store.PlatformStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := platforms.ListPlatforms(r.Context())
		if err != nil {
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"platforms": out})
	}
}

// GetPlatformHandler serves GET /lti/platforms/{id}.
func GetPlatformHandler(platforms store.PlatformStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := platforms.GetPlatform(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				lti.WriteError(w, lti.NotFound("platform not found", err))
				return
			}
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p)
	}
}

// UpdatePlatformHandler serves PUT /lti/platforms/{id}. The issuer and
// client_id are mutable; sessions in flight keep working because they pin
// the platform row by id.
func UpdatePlatformHandler(platforms store.PlatformStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		existing, err := platforms.GetPlatform(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				lti.WriteError(w, lti.NotFound("platform not found", err))
				return
			}
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}

		var p store.Platform
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			lti.WriteError(w, lti.BadRequest("malformed body", err))
			return
		}
		p.ID = id
		p.Active = existing.Active
		p.CreatedAt = existing.CreatedAt
		if p.Family == "" {
			p.Family = existing.Family
		}
		familyEndpoints(&p)

		if err := platforms.UpdatePlatform(r.Context(), &p); err != nil {
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p)
	}
}

// DeactivatePlatformHandler serves DELETE /lti/platforms/{id}. Platforms
// are soft-deactivated, never removed, so provisioned rows stay attributable.
func DeactivatePlatformHandler(platforms store.PlatformStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := platforms.DeactivatePlatform(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				lti.WriteError(w, lti.NotFound("platform not found", err))
				return
			}
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}
}

// RotateKeyHandler serves POST /lti/platforms/{id}/keys. The swap is
// atomic; the previous key disappears from the JWKS immediately.
func RotateKeyHandler(platforms store.PlatformStore, keys store.KeyStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := platforms.GetPlatform(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				lti.WriteError(w, lti.NotFound("platform not found", err))
				return
			}
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}

		key, err := lti.GenerateKeyPair()
		if err == nil {
			key.PlatformID = p.ID
			err = keys.RotateSigningKey(r.Context(), key)
		}
		if err != nil {
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}

		logger.Info("signing key rotated", zap.String("platform_id", p.ID), zap.String("kid", key.KID))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":       true,
			"key_id":        key.KID,
			"platform_name": p.Name,
		})
	}
}
