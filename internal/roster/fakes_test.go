package roster_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classpilot/lti-engine/internal/store"
)

// fakeStore backs the sync engine with maps. Only the operations the
// engine touches have real behavior; the rest exist to satisfy the store
// interfaces.
type fakeStore struct {
	mu          sync.Mutex
	platforms   map[string]store.Platform
	keys        map[string]store.SigningKey // platformID -> active key
	users       map[string]store.UserMapping
	contexts    map[string]store.Context // by context id
	enrollments map[string]store.Enrollment
	logs        []store.SyncLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		platforms:   map[string]store.Platform{},
		keys:        map[string]store.SigningKey{},
		users:       map[string]store.UserMapping{},
		contexts:    map[string]store.Context{},
		enrollments: map[string]store.Enrollment{},
	}
}

func key2(a, b string) string { return a + "|" + b }

// ---- PlatformStore ----

func (f *fakeStore) CreatePlatform(_ context.Context, p *store.Platform) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	f.platforms[p.ID] = *p
	return nil
}

func (f *fakeStore) UpdatePlatform(_ context.Context, p *store.Platform) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.platforms[p.ID] = *p
	return nil
}

func (f *fakeStore) DeactivatePlatform(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.platforms[id]
	p.Active = false
	f.platforms[id] = p
	return nil
}

func (f *fakeStore) GetPlatform(_ context.Context, id string) (store.Platform, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.platforms[id]
	if !ok {
		return store.Platform{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GetPlatformByIssuer(_ context.Context, issuer string) (store.Platform, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.platforms {
		if p.Issuer == issuer && p.Active {
			return p, nil
		}
	}
	return store.Platform{}, store.ErrNotFound
}

func (f *fakeStore) ListPlatforms(_ context.Context) ([]store.Platform, error) { return nil, nil }
func (f *fakeStore) ListIssuers(_ context.Context) ([]string, error)           { return nil, nil }

// ---- KeyStore ----

func (f *fakeStore) RotateSigningKey(_ context.Context, key store.SigningKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key.PlatformID] = key
	return nil
}

func (f *fakeStore) ActiveSigningKey(_ context.Context, platformID string) (store.SigningKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[platformID]
	if !ok {
		return store.SigningKey{}, store.ErrNotFound
	}
	return k, nil
}

func (f *fakeStore) ActivePublicKeys(_ context.Context, _ string) ([]store.SigningKey, error) {
	return nil, nil
}

// ---- ProvisionStore ----

func (f *fakeStore) GetUserMapping(_ context.Context, platformID, externalUserID string) (store.UserMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.users[key2(platformID, externalUserID)]
	if !ok {
		return store.UserMapping{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) UpsertUserMapping(_ context.Context, m *store.UserMapping) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key2(m.PlatformID, m.ExternalUserID)
	if existing, ok := f.users[k]; ok {
		m.ID = existing.ID
		if m.LocalUserID == "" {
			m.LocalUserID = existing.LocalUserID
		}
		f.users[k] = *m
		return false, nil
	}
	m.ID = uuid.NewString()
	f.users[k] = *m
	return true, nil
}

func (f *fakeStore) GetContextByExternalID(_ context.Context, platformID, externalContextID string) (store.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contexts {
		if c.PlatformID == platformID && c.ExternalContextID == externalContextID {
			return c, nil
		}
	}
	return store.Context{}, store.ErrNotFound
}

func (f *fakeStore) GetContext(_ context.Context, id string) (store.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[id]
	if !ok {
		return store.Context{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) UpsertContext(_ context.Context, c *store.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, existed := f.contexts[c.ID]
	f.contexts[c.ID] = *c
	return !existed, nil
}

func (f *fakeStore) UpsertEnrollment(_ context.Context, e *store.Enrollment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key2(e.ContextID, e.UserMappingID)
	if existing, ok := f.enrollments[k]; ok {
		e.ID = existing.ID
		f.enrollments[k] = *e
		return false, nil
	}
	e.ID = uuid.NewString()
	f.enrollments[k] = *e
	return true, nil
}

func (f *fakeStore) SetContextSyncStatus(_ context.Context, contextID, status string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[contextID]
	if !ok {
		return store.ErrNotFound
	}
	c.SyncStatus = status
	c.LastSyncedAt = &at
	f.contexts[contextID] = c
	return nil
}

// ---- SyncLogStore ----

func (f *fakeStore) CreateSyncLog(_ context.Context, l *store.SyncLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.StartedAt = time.Now()
	f.logs = append(f.logs, *l)
	return nil
}

func (f *fakeStore) FinalizeSyncLog(_ context.Context, id, status string, counts store.SyncCounts, errMsg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.logs {
		if f.logs[i].ID == id && f.logs[i].Status == "started" {
			f.logs[i].Status = status
			f.logs[i].Counts = counts
			f.logs[i].Error = errMsg
			f.logs[i].Finalized(at)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) ListSyncLogs(_ context.Context, platformID string, limit int) ([]store.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.SyncLog{}
	for i := len(f.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if platformID == "" || f.logs[i].PlatformID == platformID {
			out = append(out, f.logs[i])
		}
	}
	return out, nil
}
