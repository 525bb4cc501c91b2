package lti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/classpilot/lti-engine/internal/bridge"
	"github.com/classpilot/lti-engine/internal/store"
)

// LaunchService processes the platform's form_post callback: it burns the
// handshake session, verifies the id_token, provisions user/context/
// enrollment rows and hands the browser an exchange code for the
// application session.
type LaunchService struct {
	Platforms store.PlatformStore
	Sessions  store.LaunchSessionStore
	Provision store.ProvisionStore
	Codes     store.CodeStore
	Verifier  *Verifier
	Bridge    bridge.SessionBridge
	Logger    *zap.Logger

	AppRedirectURL  string
	ExchangeCodeTTL time.Duration
	Now             func() time.Time
}

// LaunchResult is what a completed launch produced. It is stored behind the
// exchange code and returned verbatim by the session endpoint.
type LaunchResult struct {
	Tokens      bridge.SessionTokens `json:"tokens"`
	UserID      string               `json:"user_id"`
	Role        string               `json:"role"`
	ContextID   string               `json:"context_id,omitempty"`
	TargetLink  string               `json:"target_link_uri,omitempty"`
	NewUser     bool                 `json:"new_user"`
	NewContext  bool                 `json:"new_context,omitempty"`
	PlatformID  string               `json:"platform_id"`
	MessageType string               `json:"message_type"`
}

// Handler serves POST /lti/launch.
func (s *LaunchService) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			WriteError(w, BadRequest("malformed form body", err))
			return
		}
		state := r.PostForm.Get("state")
		idToken := r.PostForm.Get("id_token")
		if state == "" || idToken == "" {
			WriteError(w, BadRequest("missing state or id_token", nil))
			return
		}

		res, err := s.Process(r.Context(), state, idToken)
		if err != nil {
			WriteError(w, err)
			return
		}

		code := randHex(16)
		payload, err := json.Marshal(res)
		if err != nil {
			WriteError(w, Internal("internal error", err))
			return
		}
		if err := s.Codes.PutExchangeCode(r.Context(), code, payload, s.codeTTL()); err != nil {
			WriteError(w, Internal("internal error", err))
			return
		}

		dest := s.AppRedirectURL
		sep := "?"
		if u, err := url.Parse(dest); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		http.Redirect(w, r, dest+sep+"code="+code, http.StatusFound)
	}
}

// ExchangeHandler serves POST /lti/session, redeeming a launch exchange
// code for the session payload. Codes are single use; unknown, expired and
// replayed codes are indistinguishable to the caller.
func (s *LaunchService) ExchangeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
			WriteError(w, BadRequest("missing code", err))
			return
		}
		payload, err := s.Codes.RedeemExchangeCode(r.Context(), req.Code)
		if err != nil {
			WriteError(w, BadRequest("invalid or expired code", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}
}

// Process runs the launch state machine for one (state, id_token) pair.
func (s *LaunchService) Process(ctx context.Context, state, idToken string) (LaunchResult, error) {
	var zero LaunchResult

	sess, err := s.Sessions.ConsumeLaunchSession(ctx, state)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return zero, BadRequest("unknown state", err)
	case errors.Is(err, store.ErrSessionConsumed):
		s.Logger.Warn("launch session replayed", zap.String("state", state))
		return zero, BadRequest("launch session already used or expired", err)
	case err != nil:
		return zero, Internal("internal error", err)
	}

	platform, err := s.Platforms.GetPlatform(ctx, sess.PlatformID)
	if err != nil || !platform.Active {
		return zero, NotFound("platform not registered", err)
	}

	claimsMap, err := s.Verifier.Verify(ctx, platform, idToken)
	if err != nil {
		return zero, Unauthorized("invalid token", err)
	}

	// The signature checked out; shape problems in the payload are the
	// platform sending a bad request, not an authentication failure.
	claims, err := DecodeLaunchClaims(claimsMap)
	if err != nil {
		return zero, BadRequest("malformed launch claims", err)
	}

	if claims.Nonce == "" || claims.Nonce != sess.Nonce() {
		s.Logger.Warn("nonce mismatch", zap.String("state", state), zap.String("platform_id", platform.ID))
		return zero, BadRequest("nonce mismatch", nil)
	}
	if claims.MessageType != "" && claims.MessageType != MessageTypeResourceLink {
		return zero, BadRequest("unsupported message type", nil)
	}
	if platform.DeploymentID != "" && claims.DeploymentID != platform.DeploymentID {
		return zero, BadRequest("deployment_id not registered for platform", nil)
	}

	res, err := s.provision(ctx, platform, claims)
	if err != nil {
		return zero, err
	}

	// Persist the decoded claims on the consumed session for audit. A
	// launch that provisioned rows but cannot be recorded is not surfaced
	// as a success.
	if err := s.Sessions.UpdateLaunchData(ctx, state, launchAudit(claims)); err != nil {
		return zero, Internal("internal error", err)
	}

	return res, nil
}

func (s *LaunchService) provision(ctx context.Context, platform store.Platform, claims LaunchClaims) (LaunchResult, error) {
	var zero LaunchResult
	now := s.now()
	role := MapRole(claims.Roles)

	_, err := s.Provision.GetUserMapping(ctx, platform.ID, claims.Subject)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		return zero, Internal("internal error", err)
	}
	if isNew && !platform.AutoProvision {
		return zero, Forbidden("auto-provisioning disabled for platform", nil)
	}

	email := claims.Email
	if email == "" {
		email = SynthesizeEmail(claims.Subject, platform.Family)
	}

	mapping := store.UserMapping{
		PlatformID:     platform.ID,
		ExternalUserID: claims.Subject,
		Email:          email,
		GivenName:      claims.GivenName,
		FamilyName:     claims.FamilyName,
		FullName:       claims.FullName,
		Roles:          claims.Roles,
		RawClaims:      claims.Raw,
	}
	userCreated, err := s.Provision.UpsertUserMapping(ctx, &mapping)
	if err != nil {
		return zero, Internal("internal error", err)
	}

	if mapping.LocalUserID == "" {
		user, err := s.Bridge.FindOrCreateUserByEmail(ctx, email, bridge.ProfileHints{
			GivenName:  claims.GivenName,
			FamilyName: claims.FamilyName,
			FullName:   claims.FullName,
			Role:       role,
		})
		if err != nil {
			return zero, Internal("internal error", err)
		}
		mapping.LocalUserID = user.UserID
		if _, err := s.Provision.UpsertUserMapping(ctx, &mapping); err != nil {
			return zero, Internal("internal error", err)
		}
	}

	res := LaunchResult{
		UserID:      mapping.LocalUserID,
		Role:        role,
		TargetLink:  claims.TargetLink,
		NewUser:     userCreated,
		PlatformID:  platform.ID,
		MessageType: claims.MessageType,
	}

	if claims.Context != nil {
		cctx := store.Context{
			PlatformID:        platform.ID,
			ExternalContextID: claims.Context.ID,
			Label:             claims.Context.Label,
			Title:             claims.Context.Title,
			RawClaims:         contextServiceClaims(claims),
		}
		ctxCreated, err := s.Provision.UpsertContext(ctx, &cctx)
		if err != nil {
			return zero, Internal("internal error", err)
		}
		enr := store.Enrollment{
			ContextID:      cctx.ID,
			UserMappingID:  mapping.ID,
			Role:           role,
			Status:         "active",
			LastActivityAt: now,
		}
		if _, err := s.Provision.UpsertEnrollment(ctx, &enr); err != nil {
			return zero, Internal("internal error", err)
		}
		res.ContextID = cctx.ID
		res.NewContext = ctxCreated
	}

	tokens, err := s.Bridge.MintSession(ctx, bridge.UserHandle{
		UserID: mapping.LocalUserID,
		Email:  email,
		Role:   role,
	})
	if err != nil {
		return zero, Internal("internal error", err)
	}
	res.Tokens = tokens
	return res, nil
}

// SynthesizeEmail builds the deterministic address used when the platform
// withholds the real email claim.
func SynthesizeEmail(externalUserID, family string) string {
	if family == "" {
		family = "generic"
	}
	return fmt.Sprintf("%s@lti.%s.edu", externalUserID, family)
}

// launchAudit is the record written back onto the consumed launch session:
// the full token payload plus the extracted NRPS/AGS descriptors. Transient
// token mechanics (exp, iat, nbf) carry no audit value and are dropped.
func launchAudit(claims LaunchClaims) map[string]any {
	audit := make(map[string]any, len(claims.Raw)+1)
	for k, v := range claims.Raw {
		switch k {
		case "exp", "iat", "nbf":
			continue
		}
		audit[k] = v
	}
	if services := contextServiceClaims(claims); len(services) > 0 {
		audit["services"] = services
	}
	return audit
}

// contextServiceClaims keeps the NRPS and AGS service descriptors with the
// context row so roster sync can run without a fresh launch.
func contextServiceClaims(claims LaunchClaims) map[string]any {
	out := map[string]any{}
	if claims.NRPS != nil {
		out["nrps"] = map[string]any{
			"context_memberships_url": claims.NRPS.MembershipsURL,
			"service_versions":        claims.NRPS.ServiceVersions,
		}
	}
	if claims.AGS != nil {
		out["ags"] = map[string]any{
			"lineitems": claims.AGS.LineItemsURL,
			"scope":     claims.AGS.Scopes,
		}
	}
	return out
}

func (s *LaunchService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *LaunchService) codeTTL() time.Duration {
	if s.ExchangeCodeTTL > 0 {
		return s.ExchangeCodeTTL
	}
	return 60 * time.Second
}
