package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpilot/lti-engine/internal/store"
)

func setupRedisStore(t *testing.T) (*store.RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.NewRedisSessionStore(rdb), mr
}

func TestRedisLaunchSessionSingleUse(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	sess := store.LaunchSession{
		ID:         "state-abc",
		PlatformID: "plat-1",
		Data:       map[string]any{"nonce": "n-1", "login_hint": "u-9"},
	}
	require.NoError(t, s.PutLaunchSession(ctx, sess, 10*time.Minute))

	got, err := s.ConsumeLaunchSession(ctx, "state-abc")
	require.NoError(t, err)
	assert.Equal(t, "plat-1", got.PlatformID)
	assert.Equal(t, "n-1", got.Nonce())
	require.NotNil(t, got.UsedAt)

	// Replay is distinguishable from a state that was never issued.
	_, err = s.ConsumeLaunchSession(ctx, "state-abc")
	assert.ErrorIs(t, err, store.ErrSessionConsumed)

	_, err = s.ConsumeLaunchSession(ctx, "state-neverissued")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisLaunchSessionExpiry(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	sess := store.LaunchSession{ID: "state-ttl", PlatformID: "plat-1", Data: map[string]any{"nonce": "n"}}
	require.NoError(t, s.PutLaunchSession(ctx, sess, time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := s.ConsumeLaunchSession(ctx, "state-ttl")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisUpdateLaunchDataAfterConsume(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	sess := store.LaunchSession{ID: "state-1", PlatformID: "plat-1", Data: map[string]any{"nonce": "n"}}
	require.NoError(t, s.PutLaunchSession(ctx, sess, time.Minute))
	_, err := s.ConsumeLaunchSession(ctx, "state-1")
	require.NoError(t, err)

	require.NoError(t, s.UpdateLaunchData(ctx, "state-1", map[string]any{"sub": "u-1", "nonce": "n"}))

	// Unconsumed or unknown sessions cannot be annotated.
	assert.ErrorIs(t, s.UpdateLaunchData(ctx, "state-unknown", nil), store.ErrNotFound)
}

func TestRedisExchangeCodeRedeemOnce(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutExchangeCode(ctx, "code-1", []byte(`{"user_id":"u-1"}`), time.Minute))

	payload, err := s.RedeemExchangeCode(ctx, "code-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u-1"}`, string(payload))

	_, err = s.RedeemExchangeCode(ctx, "code-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Expired codes behave like unknown ones.
	require.NoError(t, s.PutExchangeCode(ctx, "code-2", []byte(`{}`), time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err = s.RedeemExchangeCode(ctx, "code-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
