package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokerRedisTimeout = 3 * time.Second

// TokenRevoker tracks revoked token IDs (jti) until expiry.
type TokenRevoker interface {
	Revoke(jti string, ttl time.Duration) error
	IsRevoked(jti string) (bool, error)
}

// UserTokenRevoker additionally invalidates every token issued to a user at or
// before a cutoff. Cutoffs only move forward.
type UserTokenRevoker interface {
	TokenRevoker
	RevokeUser(userID string, cutoff time.Time) error
	RevokedAfter(userID string) (time.Time, error)
}

// MemoryTokenRevoker keeps revocations in-memory (single instance only).
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
	}
}

func (r *MemoryTokenRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[jti] = time.Now().Add(ttl)
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[jti]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.tokens, jti)
		return false, nil
	}
	return true, nil
}

func (r *MemoryTokenRevoker) RevokeUser(userID string, cutoff time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff = cutoff.UTC()
	if prev, ok := r.cutoffs[userID]; ok && !cutoff.After(prev) {
		return nil
	}
	r.cutoffs[userID] = cutoff
	return nil
}

func (r *MemoryTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[userID], nil
}

// RedisTokenRevoker stores revocations in Redis. Token entries carry a TTL;
// user cutoffs are kept for userCutoffTTL, which should exceed the session TTL.
type RedisTokenRevoker struct {
	client        *redis.Client
	userCutoffTTL time.Duration
}

func NewRedisTokenRevoker(addr, password string) *RedisTokenRevoker {
	return &RedisTokenRevoker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		userCutoffTTL: 30 * 24 * time.Hour,
	}
}

func (r *RedisTokenRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), revokerRedisTimeout)
	defer cancel()
	return r.client.Set(ctx, revocationKey(jti), "1", ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), revokerRedisTimeout)
	defer cancel()
	res, err := r.client.Exists(ctx, revocationKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// raiseCutoffScript keeps the larger of the stored and the proposed cutoff.
var raiseCutoffScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if (not current) or tonumber(ARGV[1]) > tonumber(current) then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
end
return 1
`)

func (r *RedisTokenRevoker) RevokeUser(userID string, cutoff time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), revokerRedisTimeout)
	defer cancel()
	return raiseCutoffScript.Run(ctx, r.client,
		[]string{userCutoffKey(userID)},
		cutoff.UTC().UnixNano(),
		r.userCutoffTTL.Milliseconds(),
	).Err()
}

func (r *RedisTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), revokerRedisTimeout)
	defer cancel()
	raw, err := r.client.Get(ctx, userCutoffKey(userID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

// Close releases the Redis client.
func (r *RedisTokenRevoker) Close() error {
	return r.client.Close()
}

func revocationKey(jti string) string {
	return "fileshare:revoked:" + jti
}

func userCutoffKey(userID string) string {
	return "fileshare:revoked-user:" + userID
}
