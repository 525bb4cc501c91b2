// Package store persists the LTI launch engine's durable state: registered
// platforms, tool signing keys, transient launch sessions and the
// user/context/enrollment records provisioned from launches and roster syncs.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrSessionConsumed is returned when a launch session has already been
	// used or has expired; callers must treat it as a replay.
	ErrSessionConsumed = errors.New("store: launch session consumed or expired")
)

// Platform is a registered LMS tenant. (issuer, active) is unique.
type Platform struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Family        string    `json:"family"` // canvas|moodle|blackboard|generic; only pre-fills endpoints
	Issuer        string    `json:"issuer"` // must equal the id_token iss claim exactly
	ClientID      string    `json:"client_id"`
	AuthEndpoint  string    `json:"auth_endpoint"`
	TokenEndpoint string    `json:"token_endpoint"`
	JWKSEndpoint  string    `json:"jwks_endpoint"`
	DeploymentID  string    `json:"deployment_id,omitempty"` // empty disables deployment binding
	NRPSEndpoint  string    `json:"nrps_endpoint,omitempty"` // static fallback for roster sync
	AutoProvision bool      `json:"auto_provision"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SigningKey is one of the tool's own RSA key pairs, owned by a platform.
// At most one key per platform is active at any time.
type SigningKey struct {
	KID        string
	PlatformID string
	PublicPEM  string // SPKI
	PrivatePEM string // PKCS8; never serialized outward
	Alg        string // RS256
	Active     bool
	CreatedAt  time.Time
}

// LaunchSession is the transient handshake record keyed by the OIDC state.
type LaunchSession struct {
	ID          string // = state
	PlatformID  string
	MessageType string
	Data        map[string]any // nonce, echoed hints, then decoded claims
	CreatedAt   time.Time
	UsedAt      *time.Time
}

// Nonce returns the nonce stored in the launch data blob.
func (s LaunchSession) Nonce() string {
	v, _ := s.Data["nonce"].(string)
	return v
}

// UserMapping links one (platform, external user) pair to one local user.
type UserMapping struct {
	ID             string
	PlatformID     string
	ExternalUserID string
	LocalUserID    string
	Email          string
	GivenName      string
	FamilyName     string
	FullName       string
	Roles          []string // raw LMS role URIs, order preserved
	RawClaims      map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Context is a course/section known to one platform.
type Context struct {
	ID                string
	PlatformID        string
	ExternalContextID string
	Label             string
	Title             string
	RawClaims         map[string]any
	SyncStatus        string // pending|completed|error
	LastSyncedAt      *time.Time
	CourseID          string // optional local course link
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Enrollment is the membership of one UserMapping in one Context.
type Enrollment struct {
	ID             string
	ContextID      string
	UserMappingID  string
	Role           string // instructor|student
	Status         string // active|inactive
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SyncCounts aggregates one roster sync run.
type SyncCounts struct {
	Processed int `json:"total"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
}

// SyncLog is the append-only audit record for one sync run. It is written
// once at start and finalized exactly once at completion.
type SyncLog struct {
	ID         string     `json:"id"`
	PlatformID string     `json:"platform_id"`
	SyncType   string     `json:"sync_type"`
	Status     string     `json:"status"` // started|completed|failed
	Counts     SyncCounts `json:"stats"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// DurationMS is derived from StartedAt/FinishedAt when the run has
	// finalized; zero while the run is still in flight.
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Finalized stamps the end of the run and the derived duration.
func (l *SyncLog) Finalized(at time.Time) {
	l.FinishedAt = &at
	l.DurationMS = at.Sub(l.StartedAt).Milliseconds()
}

// PlatformStore manages registered platforms. Platforms are never hard
// deleted; Deactivate flips the active flag so launch sessions keep a
// resolvable owner.
type PlatformStore interface {
	CreatePlatform(ctx context.Context, p *Platform) error
	UpdatePlatform(ctx context.Context, p *Platform) error
	DeactivatePlatform(ctx context.Context, id string) error
	GetPlatform(ctx context.Context, id string) (Platform, error)
	// GetPlatformByIssuer resolves an active platform by exact issuer match.
	GetPlatformByIssuer(ctx context.Context, issuer string) (Platform, error)
	ListPlatforms(ctx context.Context) ([]Platform, error)
	// ListIssuers returns all registered issuers, for operability logging.
	ListIssuers(ctx context.Context) ([]string, error)
}

// KeyStore manages the tool's signing keys.
type KeyStore interface {
	// RotateSigningKey atomically deactivates all active keys of the platform
	// and inserts the new one, in a single transaction.
	RotateSigningKey(ctx context.Context, key SigningKey) error
	ActiveSigningKey(ctx context.Context, platformID string) (SigningKey, error)
	// ActivePublicKeys lists active keys; empty platformID means all platforms.
	ActivePublicKeys(ctx context.Context, platformID string) ([]SigningKey, error)
}

// LaunchSessionStore manages the transient handshake state. Implementations
// exist over SQL and Redis; both enforce single use and a TTL.
type LaunchSessionStore interface {
	PutLaunchSession(ctx context.Context, s LaunchSession, ttl time.Duration) error
	// ConsumeLaunchSession marks the session used and returns it. A second
	// consume of the same id, or a consume past the TTL, returns
	// ErrSessionConsumed (ErrNotFound when the id was never issued).
	ConsumeLaunchSession(ctx context.Context, id string) (LaunchSession, error)
	// UpdateLaunchData persists accumulated claims for audit after launch.
	UpdateLaunchData(ctx context.Context, id string, data map[string]any) error
}

// ProvisionStore upserts users, contexts and enrollments. Upserts are keyed
// by the stable external identifiers and report whether a row was created.
type ProvisionStore interface {
	GetUserMapping(ctx context.Context, platformID, externalUserID string) (UserMapping, error)
	UpsertUserMapping(ctx context.Context, m *UserMapping) (created bool, err error)
	GetContextByExternalID(ctx context.Context, platformID, externalContextID string) (Context, error)
	GetContext(ctx context.Context, id string) (Context, error)
	UpsertContext(ctx context.Context, c *Context) (created bool, err error)
	UpsertEnrollment(ctx context.Context, e *Enrollment) (created bool, err error)
	SetContextSyncStatus(ctx context.Context, contextID, status string, at time.Time) error
}

// SyncLogStore records roster sync runs.
type SyncLogStore interface {
	CreateSyncLog(ctx context.Context, l *SyncLog) error
	FinalizeSyncLog(ctx context.Context, id, status string, counts SyncCounts, errMsg string, at time.Time) error
	ListSyncLogs(ctx context.Context, platformID string, limit int) ([]SyncLog, error)
}

// Store is the full persistence surface consumed by the engine.
type Store interface {
	PlatformStore
	KeyStore
	LaunchSessionStore
	ProvisionStore
	SyncLogStore
}
