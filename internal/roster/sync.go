package roster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/classpilot/lti-engine/internal/bridge"
	"github.com/classpilot/lti-engine/internal/lti"
	"github.com/classpilot/lti-engine/internal/store"
)

// Engine runs one NRPS roster sync per call. Preconditions and the roster
// fetch are all-or-nothing; once reconciliation starts, individual member
// failures are counted and skipped so one bad record cannot abort the run.
type Engine struct {
	Platforms  store.PlatformStore
	Keys       store.KeyStore
	Provision  store.ProvisionStore
	Logs       store.SyncLogStore
	Bridge     bridge.SessionBridge
	HTTPClient *http.Client
	Logger     *zap.Logger
	Now        func() time.Time
}

// Sync pulls the full membership list for the context and reconciles it.
func (e *Engine) Sync(ctx context.Context, contextID, platformID string) (store.SyncCounts, error) {
	var zero store.SyncCounts

	cctx, err := e.Provision.GetContext(ctx, contextID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return zero, lti.NotFound("context not found", err)
		}
		return zero, lti.Internal("internal error", err)
	}
	if platformID == "" {
		platformID = cctx.PlatformID
	}
	if platformID != cctx.PlatformID {
		return zero, lti.BadRequest("context does not belong to platform", nil)
	}

	platform, err := e.Platforms.GetPlatform(ctx, platformID)
	if err != nil || !platform.Active {
		return zero, lti.NotFound("platform not registered", err)
	}

	key, err := e.Keys.ActiveSigningKey(ctx, platformID)
	if err != nil {
		return zero, lti.BadRequest("no active signing key for platform", err)
	}

	membershipsURL := nrpsURL(cctx, platform)
	if membershipsURL == "" {
		return zero, lti.BadRequest("no NRPS endpoint known for context", nil)
	}

	log := store.SyncLog{PlatformID: platformID, SyncType: "nrps", Status: "started"}
	if err := e.Logs.CreateSyncLog(ctx, &log); err != nil {
		return zero, lti.Internal("internal error", err)
	}

	members, err := e.fetchRoster(ctx, platform, key, membershipsURL)
	if err != nil {
		e.fail(ctx, log.ID, cctx.ID, err)
		return zero, lti.Internal("roster fetch failed", err)
	}

	counts := e.reconcile(ctx, platform, cctx, members)

	now := e.now()
	if err := e.Logs.FinalizeSyncLog(ctx, log.ID, "completed", counts, "", now); err != nil {
		return zero, lti.Internal("internal error", err)
	}
	if err := e.Provision.SetContextSyncStatus(ctx, cctx.ID, "completed", now); err != nil {
		return zero, lti.Internal("internal error", err)
	}

	e.Logger.Info("roster sync completed",
		zap.String("context_id", cctx.ID),
		zap.String("platform_id", platformID),
		zap.Int("total", counts.Processed),
		zap.Int("created", counts.Created),
		zap.Int("updated", counts.Updated),
		zap.Int("failed", counts.Failed))
	return counts, nil
}

func (e *Engine) fetchRoster(ctx context.Context, platform store.Platform, key store.SigningKey, membershipsURL string) ([]Membership, error) {
	tok, err := e.accessToken(ctx, platform, key)
	if err != nil {
		return nil, err
	}
	return e.fetchMemberships(ctx, membershipsURL, tok.AccessToken)
}

// reconcile applies the roster sequentially. Members are processed in the
// order the platform returned them.
func (e *Engine) reconcile(ctx context.Context, platform store.Platform, cctx store.Context, members []Membership) store.SyncCounts {
	var counts store.SyncCounts
	now := e.now()

	for _, m := range members {
		counts.Processed++
		created, err := e.reconcileMember(ctx, platform, cctx, m, now)
		if err != nil {
			counts.Failed++
			e.Logger.Warn("member reconcile failed",
				zap.String("context_id", cctx.ID),
				zap.String("external_user_id", m.UserID),
				zap.Error(err))
			continue
		}
		if created {
			counts.Created++
		} else {
			counts.Updated++
		}
	}
	return counts
}

// reconcileMember upserts one member's user mapping and enrollment. The
// created flag reflects the enrollment row, not the user.
func (e *Engine) reconcileMember(ctx context.Context, platform store.Platform, cctx store.Context, m Membership, now time.Time) (bool, error) {
	if m.UserID == "" {
		return false, fmt.Errorf("member has no user_id")
	}

	// Unknown members are only provisioned when the platform opts in,
	// same gate as the launch flow.
	if _, err := e.Provision.GetUserMapping(ctx, platform.ID, m.UserID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("look up user mapping: %w", err)
		}
		if !platform.AutoProvision {
			return false, fmt.Errorf("unknown member %q and auto-provision is disabled", m.UserID)
		}
	}

	email := m.Email
	if email == "" {
		email = lti.SynthesizeEmail(m.UserID, platform.Family)
	}

	mapping := store.UserMapping{
		PlatformID:     platform.ID,
		ExternalUserID: m.UserID,
		Email:          email,
		GivenName:      m.GivenName,
		FamilyName:     m.FamilyName,
		FullName:       m.Name,
		Roles:          m.Roles,
	}
	if _, err := e.Provision.UpsertUserMapping(ctx, &mapping); err != nil {
		return false, fmt.Errorf("upsert user mapping: %w", err)
	}

	role := lti.MapRole(m.Roles)
	if mapping.LocalUserID == "" {
		user, err := e.Bridge.FindOrCreateUserByEmail(ctx, email, bridge.ProfileHints{
			GivenName:  m.GivenName,
			FamilyName: m.FamilyName,
			FullName:   m.Name,
			Role:       role,
		})
		if err != nil {
			return false, fmt.Errorf("resolve local user: %w", err)
		}
		mapping.LocalUserID = user.UserID
		if _, err := e.Provision.UpsertUserMapping(ctx, &mapping); err != nil {
			return false, fmt.Errorf("store local user id: %w", err)
		}
	}

	enr := store.Enrollment{
		ContextID:      cctx.ID,
		UserMappingID:  mapping.ID,
		Role:           role,
		Status:         memberStatus(m.Status),
		LastActivityAt: now,
	}
	created, err := e.Provision.UpsertEnrollment(ctx, &enr)
	if err != nil {
		return false, fmt.Errorf("upsert enrollment: %w", err)
	}
	return created, nil
}

// fail finalizes the sync log and marks the context errored. Both writes
// are best effort at this point; the original error is what surfaces.
func (e *Engine) fail(ctx context.Context, logID, contextID string, cause error) {
	now := e.now()
	if err := e.Logs.FinalizeSyncLog(ctx, logID, "failed", store.SyncCounts{}, cause.Error(), now); err != nil {
		e.Logger.Error("finalize sync log", zap.String("sync_log_id", logID), zap.Error(err))
	}
	if err := e.Provision.SetContextSyncStatus(ctx, contextID, "error", now); err != nil {
		e.Logger.Error("mark context errored", zap.String("context_id", contextID), zap.Error(err))
	}
}

// nrpsURL resolves the membership endpoint: the NRPS claim captured at
// launch wins, the platform's static endpoint is the fallback.
func nrpsURL(cctx store.Context, platform store.Platform) string {
	if nrps, ok := cctx.RawClaims["nrps"].(map[string]any); ok {
		if u, ok := nrps["context_memberships_url"].(string); ok && u != "" {
			return u
		}
	}
	return platform.NRPSEndpoint
}

// memberStatus maps the NRPS status vocabulary onto the local enrollment
// status. Absent status means active per NRPS v2.
func memberStatus(s string) string {
	if s == "" || strings.EqualFold(s, "Active") {
		return "active"
	}
	return "inactive"
}

func (e *Engine) httpClient() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
