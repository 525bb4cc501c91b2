package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLStore implements Store over database/sql (sqlite or postgres).
type SQLStore struct {
	db         *sql.DB
	now        func() time.Time
	sessionTTL time.Duration
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		db:         db,
		now:        func() time.Time { return time.Now().UTC() },
		sessionTTL: 10 * time.Minute,
	}
}

// WithSessionTTL overrides the launch-session validity window enforced at
// consume time.
func (s *SQLStore) WithSessionTTL(ttl time.Duration) *SQLStore {
	if ttl > 0 {
		s.sessionTTL = ttl
	}
	return s
}

/* ------------------------------ platforms --------------------------------- */

func (s *SQLStore) CreatePlatform(ctx context.Context, p *Platform) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.Active = true
	_, err := s.db.ExecContext(ctx, `INSERT INTO lti_platforms
		(id,name,family,issuer,client_id,auth_endpoint,token_endpoint,jwks_endpoint,deployment_id,nrps_endpoint,auto_provision,active,created_at,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.ID, p.Name, p.Family, p.Issuer, p.ClientID, p.AuthEndpoint, p.TokenEndpoint, p.JWKSEndpoint,
		p.DeploymentID, p.NRPSEndpoint, p.AutoProvision, p.Active, now.Unix(), now.Unix())
	return err
}

func (s *SQLStore) UpdatePlatform(ctx context.Context, p *Platform) error {
	now := s.now()
	p.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `UPDATE lti_platforms SET
		name=$1, family=$2, issuer=$3, client_id=$4, auth_endpoint=$5, token_endpoint=$6,
		jwks_endpoint=$7, deployment_id=$8, nrps_endpoint=$9, auto_provision=$10, active=$11, updated_at=$12
		WHERE id=$13`,
		p.Name, p.Family, p.Issuer, p.ClientID, p.AuthEndpoint, p.TokenEndpoint,
		p.JWKSEndpoint, p.DeploymentID, p.NRPSEndpoint, p.AutoProvision, p.Active, now.Unix(), p.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) DeactivatePlatform(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lti_platforms SET active=$1, updated_at=$2 WHERE id=$3`,
		false, s.now().Unix(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const platformCols = `id,name,family,issuer,client_id,auth_endpoint,token_endpoint,jwks_endpoint,deployment_id,nrps_endpoint,auto_provision,active,created_at,updated_at`

func (s *SQLStore) GetPlatform(ctx context.Context, id string) (Platform, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+platformCols+` FROM lti_platforms WHERE id=$1`, id)
	return scanPlatform(row)
}

func (s *SQLStore) GetPlatformByIssuer(ctx context.Context, issuer string) (Platform, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+platformCols+` FROM lti_platforms WHERE issuer=$1 AND active=$2`, issuer, true)
	return scanPlatform(row)
}

func (s *SQLStore) ListPlatforms(ctx context.Context) ([]Platform, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+platformCols+` FROM lti_platforms ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListIssuers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT issuer FROM lti_platforms ORDER BY issuer`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var iss string
		if err := rows.Scan(&iss); err != nil {
			return nil, err
		}
		out = append(out, iss)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanPlatform(row rowScanner) (Platform, error) {
	var p Platform
	var created, updated int64
	err := row.Scan(&p.ID, &p.Name, &p.Family, &p.Issuer, &p.ClientID, &p.AuthEndpoint, &p.TokenEndpoint,
		&p.JWKSEndpoint, &p.DeploymentID, &p.NRPSEndpoint, &p.AutoProvision, &p.Active, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Platform{}, ErrNotFound
		}
		return Platform{}, err
	}
	p.CreatedAt, p.UpdatedAt = time.Unix(created, 0).UTC(), time.Unix(updated, 0).UTC()
	return p, nil
}

/* ----------------------------- signing keys ------------------------------- */

func (s *SQLStore) RotateSigningKey(ctx context.Context, key SigningKey) error {
	key.Active = true
	key.CreatedAt = s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE lti_signing_keys SET active=$1 WHERE platform_id=$2 AND active=$3`,
		false, key.PlatformID, true); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO lti_signing_keys
		(kid,platform_id,public_pem,private_pem,alg,active,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		key.KID, key.PlatformID, key.PublicPEM, key.PrivatePEM, key.Alg, key.Active, key.CreatedAt.Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

const keyCols = `kid,platform_id,public_pem,private_pem,alg,active,created_at`

func (s *SQLStore) ActiveSigningKey(ctx context.Context, platformID string) (SigningKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM lti_signing_keys WHERE platform_id=$1 AND active=$2`, platformID, true)
	return scanSigningKey(row)
}

func (s *SQLStore) ActivePublicKeys(ctx context.Context, platformID string) ([]SigningKey, error) {
	q := `SELECT ` + keyCols + ` FROM lti_signing_keys WHERE active=$1 ORDER BY created_at DESC`
	args := []any{true}
	if platformID != "" {
		q = `SELECT ` + keyCols + ` FROM lti_signing_keys WHERE active=$1 AND platform_id=$2 ORDER BY created_at DESC`
		args = append(args, platformID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanSigningKey(row rowScanner) (SigningKey, error) {
	var k SigningKey
	var created int64
	err := row.Scan(&k.KID, &k.PlatformID, &k.PublicPEM, &k.PrivatePEM, &k.Alg, &k.Active, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SigningKey{}, ErrNotFound
		}
		return SigningKey{}, err
	}
	k.CreatedAt = time.Unix(created, 0).UTC()
	return k, nil
}

/* ---------------------------- launch sessions ----------------------------- */

// sessionTTL is enforced at consume time; the ttl argument to
// PutLaunchSession is stored implicitly as created_at + engine TTL. Expired
// rows are purged opportunistically on insert.
func (s *SQLStore) PutLaunchSession(ctx context.Context, ls LaunchSession, ttl time.Duration) error {
	now := s.now()
	cutoff := now.Add(-ttl).Unix()
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM lti_launch_sessions WHERE created_at < $1`, cutoff)

	blob, err := json.Marshal(ls.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO lti_launch_sessions
		(id,platform_id,message_type,data_json,created_at) VALUES ($1,$2,$3,$4,$5)`,
		ls.ID, ls.PlatformID, ls.MessageType, string(blob), now.Unix())
	return err
}

func (s *SQLStore) ConsumeLaunchSession(ctx context.Context, id string) (LaunchSession, error) {
	now := s.now()
	// Single-use: flip used_at under the uniqueness of the primary key. A
	// concurrent consumer loses the UPDATE and gets ErrSessionConsumed, and
	// so does any consume attempted past the validity window.
	cutoff := now.Add(-s.sessionTTL).Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE lti_launch_sessions SET used_at=$1 WHERE id=$2 AND used_at IS NULL AND created_at >= $3`,
		now.Unix(), id, cutoff)
	if err != nil {
		return LaunchSession{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LaunchSession{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id,platform_id,message_type,data_json,created_at,used_at FROM lti_launch_sessions WHERE id=$1`, id)
	ls, err := scanLaunchSession(row)
	if err != nil {
		return LaunchSession{}, err
	}
	if n == 0 {
		return LaunchSession{}, ErrSessionConsumed
	}
	return ls, nil
}

func (s *SQLStore) UpdateLaunchData(ctx context.Context, id string, data map[string]any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE lti_launch_sessions SET data_json=$1 WHERE id=$2`, string(blob), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanLaunchSession(row rowScanner) (LaunchSession, error) {
	var ls LaunchSession
	var blob string
	var created int64
	var used sql.NullInt64
	err := row.Scan(&ls.ID, &ls.PlatformID, &ls.MessageType, &blob, &created, &used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LaunchSession{}, ErrNotFound
		}
		return LaunchSession{}, err
	}
	if err := json.Unmarshal([]byte(blob), &ls.Data); err != nil {
		return LaunchSession{}, fmt.Errorf("launch session data: %w", err)
	}
	ls.CreatedAt = time.Unix(created, 0).UTC()
	if used.Valid {
		t := time.Unix(used.Int64, 0).UTC()
		ls.UsedAt = &t
	}
	return ls, nil
}

/* ----------------------------- provisioning ------------------------------- */

const userMapCols = `id,platform_id,external_user_id,local_user_id,email,given_name,family_name,full_name,roles_json,raw_claims_json,created_at,updated_at`

func (s *SQLStore) GetUserMapping(ctx context.Context, platformID, externalUserID string) (UserMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userMapCols+` FROM lti_user_map WHERE platform_id=$1 AND external_user_id=$2`,
		platformID, externalUserID)
	return scanUserMapping(row)
}

// UpsertUserMapping inserts or refreshes a mapping keyed by
// (platform_id, external_user_id). The unique constraint, not a
// check-then-write, decides races between concurrent launches.
func (s *SQLStore) UpsertUserMapping(ctx context.Context, m *UserMapping) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now()
	roles, err := json.Marshal(orEmptySlice(m.Roles))
	if err != nil {
		return false, err
	}
	claims, err := json.Marshal(orEmptyMap(m.RawClaims))
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO lti_user_map
		(`+userMapCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (platform_id, external_user_id) DO NOTHING`,
		m.ID, m.PlatformID, m.ExternalUserID, m.LocalUserID, m.Email, m.GivenName, m.FamilyName,
		m.FullName, string(roles), string(claims), now.Unix(), now.Unix())
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		m.CreatedAt, m.UpdatedAt = now, now
		return true, nil
	}
	// An empty local_user_id never clears an established link.
	_, err = s.db.ExecContext(ctx, `UPDATE lti_user_map SET
		local_user_id=COALESCE(NULLIF($1,''), local_user_id),
		email=$2, given_name=$3, family_name=$4, full_name=$5, roles_json=$6, raw_claims_json=$7, updated_at=$8
		WHERE platform_id=$9 AND external_user_id=$10`,
		m.LocalUserID, m.Email, m.GivenName, m.FamilyName, m.FullName, string(roles), string(claims), now.Unix(),
		m.PlatformID, m.ExternalUserID)
	if err != nil {
		return false, err
	}
	existing, err := s.GetUserMapping(ctx, m.PlatformID, m.ExternalUserID)
	if err != nil {
		return false, err
	}
	*m = existing
	return false, nil
}

func scanUserMapping(row rowScanner) (UserMapping, error) {
	var m UserMapping
	var roles, claims string
	var created, updated int64
	err := row.Scan(&m.ID, &m.PlatformID, &m.ExternalUserID, &m.LocalUserID, &m.Email,
		&m.GivenName, &m.FamilyName, &m.FullName, &roles, &claims, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserMapping{}, ErrNotFound
		}
		return UserMapping{}, err
	}
	if err := json.Unmarshal([]byte(roles), &m.Roles); err != nil {
		m.Roles = nil
	}
	if err := json.Unmarshal([]byte(claims), &m.RawClaims); err != nil {
		m.RawClaims = map[string]any{}
	}
	m.CreatedAt, m.UpdatedAt = time.Unix(created, 0).UTC(), time.Unix(updated, 0).UTC()
	return m, nil
}

const contextCols = `id,platform_id,external_context_id,label,title,raw_claims_json,sync_status,last_synced_at,course_id,created_at,updated_at`

func (s *SQLStore) GetContextByExternalID(ctx context.Context, platformID, externalContextID string) (Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contextCols+` FROM lti_contexts WHERE platform_id=$1 AND external_context_id=$2`,
		platformID, externalContextID)
	return scanContext(row)
}

func (s *SQLStore) GetContext(ctx context.Context, id string) (Context, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contextCols+` FROM lti_contexts WHERE id=$1`, id)
	return scanContext(row)
}

func (s *SQLStore) UpsertContext(ctx context.Context, c *Context) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = "pending"
	}
	now := s.now()
	claims, err := json.Marshal(orEmptyMap(c.RawClaims))
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO lti_contexts
		(id,platform_id,external_context_id,label,title,raw_claims_json,sync_status,course_id,created_at,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (platform_id, external_context_id) DO NOTHING`,
		c.ID, c.PlatformID, c.ExternalContextID, c.Label, c.Title, string(claims), c.SyncStatus,
		c.CourseID, now.Unix(), now.Unix())
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		c.CreatedAt, c.UpdatedAt = now, now
		return true, nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE lti_contexts SET
		label=$1, title=$2, raw_claims_json=$3, updated_at=$4
		WHERE platform_id=$5 AND external_context_id=$6`,
		c.Label, c.Title, string(claims), now.Unix(), c.PlatformID, c.ExternalContextID)
	if err != nil {
		return false, err
	}
	existing, err := s.GetContextByExternalID(ctx, c.PlatformID, c.ExternalContextID)
	if err != nil {
		return false, err
	}
	*c = existing
	return false, nil
}

func scanContext(row rowScanner) (Context, error) {
	var c Context
	var claims string
	var created, updated int64
	var synced sql.NullInt64
	err := row.Scan(&c.ID, &c.PlatformID, &c.ExternalContextID, &c.Label, &c.Title, &claims,
		&c.SyncStatus, &synced, &c.CourseID, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Context{}, ErrNotFound
		}
		return Context{}, err
	}
	if err := json.Unmarshal([]byte(claims), &c.RawClaims); err != nil {
		c.RawClaims = map[string]any{}
	}
	if synced.Valid {
		t := time.Unix(synced.Int64, 0).UTC()
		c.LastSyncedAt = &t
	}
	c.CreatedAt, c.UpdatedAt = time.Unix(created, 0).UTC(), time.Unix(updated, 0).UTC()
	return c, nil
}

func (s *SQLStore) UpsertEnrollment(ctx context.Context, e *Enrollment) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = "active"
	}
	now := s.now()
	if e.LastActivityAt.IsZero() {
		e.LastActivityAt = now
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO lti_enrollments
		(id,context_id,user_mapping_id,role,status,last_activity_at,created_at,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (context_id, user_mapping_id) DO NOTHING`,
		e.ID, e.ContextID, e.UserMappingID, e.Role, e.Status, e.LastActivityAt.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		e.CreatedAt, e.UpdatedAt = now, now
		return true, nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE lti_enrollments SET
		role=$1, status=$2, last_activity_at=$3, updated_at=$4
		WHERE context_id=$5 AND user_mapping_id=$6`,
		e.Role, e.Status, e.LastActivityAt.Unix(), now.Unix(), e.ContextID, e.UserMappingID)
	return false, err
}

func (s *SQLStore) SetContextSyncStatus(ctx context.Context, contextID, status string, at time.Time) error {
	var res sql.Result
	var err error
	if status == "completed" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE lti_contexts SET sync_status=$1, last_synced_at=$2, updated_at=$3 WHERE id=$4`,
			status, at.Unix(), at.Unix(), contextID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE lti_contexts SET sync_status=$1, updated_at=$2 WHERE id=$3`,
			status, at.Unix(), contextID)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

/* ------------------------------- sync logs -------------------------------- */

func (s *SQLStore) CreateSyncLog(ctx context.Context, l *SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = s.now()
	}
	l.Status = "started"
	_, err := s.db.ExecContext(ctx, `INSERT INTO lti_sync_logs
		(id,platform_id,sync_type,status,started_at) VALUES ($1,$2,$3,$4,$5)`,
		l.ID, l.PlatformID, l.SyncType, l.Status, l.StartedAt.Unix())
	return err
}

func (s *SQLStore) FinalizeSyncLog(ctx context.Context, id, status string, counts SyncCounts, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE lti_sync_logs SET
		status=$1, processed=$2, created_n=$3, updated_n=$4, failed_n=$5, error=$6, finished_at=$7
		WHERE id=$8 AND status='started'`,
		status, counts.Processed, counts.Created, counts.Updated, counts.Failed, errMsg, at.Unix(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) ListSyncLogs(ctx context.Context, platformID string, limit int) ([]SyncLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT id,platform_id,sync_type,status,processed,created_n,updated_n,failed_n,error,started_at,finished_at
		FROM lti_sync_logs ORDER BY started_at DESC LIMIT $1`
	args := []any{limit}
	if platformID != "" {
		q = `SELECT id,platform_id,sync_type,status,processed,created_n,updated_n,failed_n,error,started_at,finished_at
			FROM lti_sync_logs WHERE platform_id=$1 ORDER BY started_at DESC LIMIT $2`
		args = []any{platformID, limit}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncLog
	for rows.Next() {
		var l SyncLog
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&l.ID, &l.PlatformID, &l.SyncType, &l.Status, &l.Counts.Processed,
			&l.Counts.Created, &l.Counts.Updated, &l.Counts.Failed, &l.Error, &started, &finished); err != nil {
			return nil, err
		}
		l.StartedAt = time.Unix(started, 0).UTC()
		if finished.Valid {
			l.Finalized(time.Unix(finished.Int64, 0).UTC())
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

/* -------------------------------- helpers --------------------------------- */

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmptySlice(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
