package lti_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classpilot/lti-engine/internal/store"
)

// fakeStore is an in-memory implementation of the store interfaces the
// login and launch services consume.
type fakeStore struct {
	mu          sync.Mutex
	platforms   map[string]store.Platform
	sessions    map[string]store.LaunchSession
	used        map[string]bool
	users       map[string]store.UserMapping // platformID|externalUserID
	contexts    map[string]store.Context     // platformID|externalContextID
	enrollments map[string]store.Enrollment  // contextID|userMappingID

	failUpdateLaunchData bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		platforms:   map[string]store.Platform{},
		sessions:    map[string]store.LaunchSession{},
		used:        map[string]bool{},
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
	if _, ok := f.platforms[p.ID]; !ok {
		return store.ErrNotFound
	}
	f.platforms[p.ID] = *p
	return nil
}

func (f *fakeStore) DeactivatePlatform(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.platforms[id]
	if !ok {
		return store.ErrNotFound
	}
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

func (f *fakeStore) ListPlatforms(_ context.Context) ([]store.Platform, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Platform, 0, len(f.platforms))
	for _, p := range f.platforms {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) ListIssuers(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.platforms))
	for _, p := range f.platforms {
		out = append(out, p.Issuer)
	}
	return out, nil
}

// ---- LaunchSessionStore ----

func (f *fakeStore) PutLaunchSession(_ context.Context, s store.LaunchSession, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.CreatedAt = time.Now()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeStore) ConsumeLaunchSession(_ context.Context, id string) (store.LaunchSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used[id] {
		return store.LaunchSession{}, store.ErrSessionConsumed
	}
	s, ok := f.sessions[id]
	if !ok {
		return store.LaunchSession{}, store.ErrNotFound
	}
	f.used[id] = true
	return s, nil
}

func (f *fakeStore) UpdateLaunchData(_ context.Context, id string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateLaunchData {
		return fmt.Errorf("storage offline")
	}
	s, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Data = data
	f.sessions[id] = s
	return nil
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
	c, ok := f.contexts[key2(platformID, externalContextID)]
	if !ok {
		return store.Context{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetContext(_ context.Context, id string) (store.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contexts {
		if c.ID == id {
			return c, nil
		}
	}
	return store.Context{}, store.ErrNotFound
}

func (f *fakeStore) UpsertContext(_ context.Context, c *store.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key2(c.PlatformID, c.ExternalContextID)
	if existing, ok := f.contexts[k]; ok {
		c.ID = existing.ID
		f.contexts[k] = *c
		return false, nil
	}
	c.ID = uuid.NewString()
	f.contexts[k] = *c
	return true, nil
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
	for k, c := range f.contexts {
		if c.ID == contextID {
			c.SyncStatus = status
			c.LastSyncedAt = &at
			f.contexts[k] = c
			return nil
		}
	}
	return store.ErrNotFound
}
