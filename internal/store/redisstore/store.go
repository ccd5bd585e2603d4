package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	captchaPrefix  = "captcha:"
	revokedPrefix  = "jwt:revoked:"
	lastSeenPrefix = "presence:last_seen:"
	idemPrefix     = "idem:msg:"

	lastSeenTTL = 30 * 24 * time.Hour
)

// Store holds short-lived auth, presence and idempotency state. A nil *Store
// is valid for every method except the captcha ones and behaves as an empty
// store.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}

func captchaKey(email string) string { return captchaPrefix + email }

func revokedKey(jti string) string { return revokedPrefix + jti }

func lastSeenKey(userID uint64) string {
	return lastSeenPrefix + strconv.FormatUint(userID, 10)
}

func idemKey(userID uint64, key string) string {
	return idemPrefix + strconv.FormatUint(userID, 10) + ":" + key
}

// Captcha

func (s *Store) SetCaptcha(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.rdb.Set(ctx, captchaKey(email), code, ttl).Err()
}

// GetCaptcha returns redis.Nil when no code is pending for email.
func (s *Store) GetCaptcha(ctx context.Context, email string) (string, error) {
	return s.rdb.Get(ctx, captchaKey(email)).Result()
}

func (s *Store) DeleteCaptcha(ctx context.Context, email string) error {
	return s.rdb.Del(ctx, captchaKey(email)).Err()
}

// Token revocation

// RevokeToken blacklists jti until its token would have expired anyway.
func (s *Store) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if s == nil || jti == "" || ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, revokedKey(jti), "1", ttl).Err()
}

func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if s == nil || jti == "" {
		return false, nil
	}
	n, err := s.rdb.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Presence

func (s *Store) SetLastSeen(ctx context.Context, userID uint64, at time.Time) error {
	if s == nil {
		return nil
	}
	return s.rdb.Set(ctx, lastSeenKey(userID), at.UTC().Unix(), lastSeenTTL).Err()
}

// LastSeen reports when userID last left the online set; ok is false when
// nothing is recorded.
func (s *Store) LastSeen(ctx context.Context, userID uint64) (at time.Time, ok bool, err error) {
	if s == nil {
		return time.Time{}, false, nil
	}
	sec, err := s.rdb.Get(ctx, lastSeenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(sec, 0).UTC(), true, nil
}

// Idempotent sends

const idemPending = "pending"

// parseIdemValue reads a stored idempotency value; id 0 means the first
// request holding the key has not finished.
func parseIdemValue(v string) (uint64, error) {
	if v == idemPending {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

// ReserveIdempotencyKey claims key for one request. It reports false when
// another request already holds or completed it. A nil store reserves
// every key.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, userID uint64, key string, ttl time.Duration) (bool, error) {
	if s == nil || key == "" {
		return true, nil
	}
	return s.rdb.SetNX(ctx, idemKey(userID, key), idemPending, ttl).Result()
}

// IdempotentResult returns the message id stored for a client-supplied
// Idempotency-Key. found with id 0 means the key is reserved but the send
// is still in flight.
func (s *Store) IdempotentResult(ctx context.Context, userID uint64, key string) (id uint64, found bool, err error) {
	if s == nil || key == "" {
		return 0, false, nil
	}
	v, err := s.rdb.Get(ctx, idemKey(userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err = parseIdemValue(v)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// CompleteIdempotencyKey records messageID for a reserved key.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, userID uint64, key string, messageID uint64, ttl time.Duration) error {
	if s == nil || key == "" {
		return nil
	}
	return s.rdb.Set(ctx, idemKey(userID, key), strconv.FormatUint(messageID, 10), ttl).Err()
}

// ReleaseIdempotencyKey drops a reservation whose send failed so the client
// can retry with the same key.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, userID uint64, key string) error {
	if s == nil || key == "" {
		return nil
	}
	return s.rdb.Del(ctx, idemKey(userID, key)).Err()
}
