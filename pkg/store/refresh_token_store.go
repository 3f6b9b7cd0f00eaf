package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken indicates token not found or expired.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay indicates a rotated token was presented again.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshTokenStore persists refresh tokens with rotation and replay detection.
// Every login starts a family; rotating hands out the next token of the family
// and presenting an already rotated token revokes the whole family.
type RefreshTokenStore interface {
	NewToken(ctx context.Context, userID string) (string, error)
	RotateToken(ctx context.Context, token string) (userID string, newToken string, err error)
	DeleteToken(ctx context.Context, token string) error
	RevokeUserRefreshTokens(ctx context.Context, userID string) error
}

type refreshFamily struct {
	userID      string
	currentHash string
	expiry      time.Time
}

// MemoryRefreshTokenStore keeps refresh token families in memory.
type MemoryRefreshTokenStore struct {
	ttl time.Duration

	mu           sync.Mutex
	families     map[string]refreshFamily       // familyID -> family
	tokenFamily  map[string]string              // tokenHash -> familyID
	userFamilies map[string]map[string]struct{} // userID -> family IDs
}

func NewMemoryRefreshTokenStore(ttl time.Duration) *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		ttl:          ttl,
		families:     make(map[string]refreshFamily),
		tokenFamily:  make(map[string]string),
		userFamilies: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryRefreshTokenStore) NewToken(_ context.Context, userID string) (string, error) {
	token, tokenHash, err := generateRefreshToken()
	if err != nil {
		return "", err
	}
	familyID, err := generateFamilyID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[familyID] = refreshFamily{userID: userID, currentHash: tokenHash, expiry: time.Now().Add(s.ttl)}
	s.tokenFamily[tokenHash] = familyID
	if s.userFamilies[userID] == nil {
		s.userFamilies[userID] = make(map[string]struct{})
	}
	s.userFamilies[userID][familyID] = struct{}{}
	return token, nil
}

func (s *MemoryRefreshTokenStore) RotateToken(_ context.Context, token string) (string, string, error) {
	tokenHash := refreshTokenHash(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	familyID, ok := s.tokenFamily[tokenHash]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	family, ok := s.families[familyID]
	if !ok || time.Now().After(family.expiry) {
		s.revokeFamilyLocked(familyID)
		return "", "", ErrInvalidRefreshToken
	}
	if family.currentHash != tokenHash {
		s.revokeFamilyLocked(familyID)
		return "", "", ErrRefreshTokenReplay
	}

	next, nextHash, err := generateRefreshToken()
	if err != nil {
		return "", "", err
	}
	family.currentHash = nextHash
	family.expiry = time.Now().Add(s.ttl)
	s.families[familyID] = family
	s.tokenFamily[nextHash] = familyID
	return family.userID, next, nil
}

// DeleteToken revokes the family containing token. Unknown tokens are ignored.
func (s *MemoryRefreshTokenStore) DeleteToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if familyID, ok := s.tokenFamily[refreshTokenHash(token)]; ok {
		s.revokeFamilyLocked(familyID)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeUserRefreshTokens(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for familyID := range s.userFamilies[userID] {
		s.revokeFamilyLocked(familyID)
	}
	return nil
}

// revokeFamilyLocked drops the family. Token hashes that still point at it
// resolve to nothing and are swept here as well.
func (s *MemoryRefreshTokenStore) revokeFamilyLocked(familyID string) {
	userID := s.families[familyID].userID
	for h, fid := range s.tokenFamily {
		if fid == familyID {
			delete(s.tokenFamily, h)
		}
	}
	delete(s.families, familyID)
	if fams, ok := s.userFamilies[userID]; ok {
		delete(fams, familyID)
		if len(fams) == 0 {
			delete(s.userFamilies, userID)
		}
	}
}

// RedisRefreshTokenStore stores refresh token families in Redis.
//
// Keys: token:<hash> -> familyID, family:<id> -> {userId,currentHash},
// user:<id> -> set of family IDs. Stale token keys of a revoked family resolve
// to a missing family and are treated as invalid.
type RedisRefreshTokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRefreshTokenStore(addr, password string, ttl time.Duration) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ttl: ttl,
	}
}

func (s *RedisRefreshTokenStore) NewToken(ctx context.Context, userID string) (string, error) {
	token, tokenHash, err := generateRefreshToken()
	if err != nil {
		return "", err
	}
	familyID, err := generateFamilyID()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, refreshKey("token", tokenHash), familyID, s.ttl)
	pipe.HSet(ctx, refreshKey("family", familyID), map[string]any{
		"userId":      userID,
		"currentHash": tokenHash,
	})
	pipe.PExpire(ctx, refreshKey("family", familyID), s.ttl)
	pipe.SAdd(ctx, refreshKey("user", userID), familyID)
	pipe.PExpire(ctx, refreshKey("user", userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return token, nil
}

// rotateScript performs lookup, replay check and rotation in one step.
var rotateScript = redis.NewScript(`
local family = redis.call("GET", KEYS[1])
if not family then
	return {"invalid"}
end
local fkey = ARGV[4] .. "family:" .. family
local current = redis.call("HGET", fkey, "currentHash")
local user = redis.call("HGET", fkey, "userId")
if (not current) or (not user) then
	return {"invalid"}
end
if current ~= ARGV[1] then
	redis.call("DEL", fkey)
	redis.call("SREM", ARGV[4] .. "user:" .. user, family)
	return {"replay"}
end
redis.call("HSET", fkey, "currentHash", ARGV[2])
redis.call("PEXPIRE", fkey, ARGV[3])
redis.call("SET", ARGV[4] .. "token:" .. ARGV[2], family, "PX", ARGV[3])
redis.call("PEXPIRE", ARGV[4] .. "user:" .. user, ARGV[3])
return {"ok", user}
`)

func (s *RedisRefreshTokenStore) RotateToken(ctx context.Context, token string) (string, string, error) {
	tokenHash := refreshTokenHash(token)
	next, nextHash, err := generateRefreshToken()
	if err != nil {
		return "", "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := rotateScript.Run(ctx, s.client,
		[]string{refreshKey("token", tokenHash)},
		tokenHash, nextHash, s.ttl.Milliseconds(), refreshKeyPrefix,
	).StringSlice()
	if err != nil {
		return "", "", err
	}
	switch {
	case len(res) == 2 && res[0] == "ok":
		return res[1], next, nil
	case len(res) > 0 && res[0] == "replay":
		return "", "", ErrRefreshTokenReplay
	default:
		return "", "", ErrInvalidRefreshToken
	}
}

func (s *RedisRefreshTokenStore) DeleteToken(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	familyID, err := s.client.Get(ctx, refreshKey("token", refreshTokenHash(token))).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	userID, err := s.client.HGet(ctx, refreshKey("family", familyID), "userId").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, refreshKey("family", familyID))
	if userID != "" {
		pipe.SRem(ctx, refreshKey("user", userID), familyID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRefreshTokenStore) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	familyIDs, err := s.client.SMembers(ctx, refreshKey("user", userID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, familyID := range familyIDs {
		pipe.Del(ctx, refreshKey("family", familyID))
	}
	pipe.Del(ctx, refreshKey("user", userID))
	_, err = pipe.Exec(ctx)
	return err
}

// Close releases the Redis client.
func (s *RedisRefreshTokenStore) Close() error {
	return s.client.Close()
}

const refreshKeyPrefix = "fileshare:refresh:"

func refreshKey(kind, id string) string {
	return fmt.Sprintf("%s%s:%s", refreshKeyPrefix, kind, id)
}

func generateRefreshToken() (token string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, refreshTokenHash(token), nil
}

func generateFamilyID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func refreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
