package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps launch sessions and session exchange codes in
// Redis, with native TTL expiry instead of the SQL store's purge-on-insert.
// Durable records (platforms, keys, provisioning, sync logs) stay in SQL;
// only the handshake state lives here.
type RedisSessionStore struct {
	rdb *redis.Client
}

func NewRedisSessionStore(rdb *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}

const (
	launchKeyPrefix = "lti:launch:"
	usedKeyPrefix   = "lti:launch:used:"
	codeKeyPrefix   = "lti:code:"

	// consumed sessions are kept briefly so UpdateLaunchData can persist the
	// decoded claims for audit before the record ages out
	usedSessionTTL = time.Hour
)

type redisSession struct {
	PlatformID  string         `json:"platform_id"`
	MessageType string         `json:"message_type"`
	Data        map[string]any `json:"data"`
	CreatedAt   int64          `json:"created_at"`
	UsedAt      int64          `json:"used_at,omitempty"`
}

func (s *RedisSessionStore) PutLaunchSession(ctx context.Context, ls LaunchSession, ttl time.Duration) error {
	blob, err := json.Marshal(redisSession{
		PlatformID:  ls.PlatformID,
		MessageType: ls.MessageType,
		Data:        ls.Data,
		CreatedAt:   time.Now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, launchKeyPrefix+ls.ID, blob, ttl).Err()
}

func (s *RedisSessionStore) ConsumeLaunchSession(ctx context.Context, id string) (LaunchSession, error) {
	// GETDEL makes consumption atomic: a second consumer sees a miss.
	blob, err := s.rdb.GetDel(ctx, launchKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		// Either never issued, expired, or already consumed. The used-key
		// marker distinguishes a replay from an unknown state value.
		if n, _ := s.rdb.Exists(ctx, usedKeyPrefix+id).Result(); n > 0 {
			return LaunchSession{}, ErrSessionConsumed
		}
		return LaunchSession{}, ErrNotFound
	}
	if err != nil {
		return LaunchSession{}, err
	}
	var rs redisSession
	if err := json.Unmarshal(blob, &rs); err != nil {
		return LaunchSession{}, err
	}
	now := time.Now().UTC()
	rs.UsedAt = now.Unix()
	used, err := json.Marshal(rs)
	if err != nil {
		return LaunchSession{}, err
	}
	if err := s.rdb.Set(ctx, usedKeyPrefix+id, used, usedSessionTTL).Err(); err != nil {
		return LaunchSession{}, err
	}
	return LaunchSession{
		ID:          id,
		PlatformID:  rs.PlatformID,
		MessageType: rs.MessageType,
		Data:        rs.Data,
		CreatedAt:   time.Unix(rs.CreatedAt, 0).UTC(),
		UsedAt:      &now,
	}, nil
}

func (s *RedisSessionStore) UpdateLaunchData(ctx context.Context, id string, data map[string]any) error {
	blob, err := s.rdb.Get(ctx, usedKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var rs redisSession
	if err := json.Unmarshal(blob, &rs); err != nil {
		return err
	}
	rs.Data = data
	out, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, usedKeyPrefix+id, out, usedSessionTTL).Err()
}

/* --------------------------- exchange codes ------------------------------- */

func (s *RedisSessionStore) PutExchangeCode(ctx context.Context, code string, payload []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, codeKeyPrefix+code, payload, ttl).Err()
}

func (s *RedisSessionStore) RedeemExchangeCode(ctx context.Context, code string) ([]byte, error) {
	blob, err := s.rdb.GetDel(ctx, codeKeyPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}
