package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fileshare/internal/app"
	"fileshare/internal/util"
)

var (
	errMFAChallengeRequired = errors.New("mfa challenge is required")
	errMFAChallengeInvalid  = errors.New("mfa challenge is invalid")
	errMFAChallengeExpired  = errors.New("mfa challenge expired")
	errMFACodeRequired      = errors.New("mfa code is required")
)

// mfaStore parks the user id of a half-finished login between the password
// step and the TOTP step.
type mfaStore struct {
	client            *redis.Client
	keyPrefix         string
	challengeTTL      time.Duration
	challengePersist  time.Duration
	maxVerifyAttempts int
	now               func() time.Time
}

type mfaChallenge struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Attempts   int       `json:"attempts"`
	MaxAttempt int       `json:"maxAttempt"`
}

func newMFAStore(client *redis.Client) (*mfaStore, error) {
	if client == nil {
		return nil, errors.New("mfa redis client is required")
	}
	challengeTTL := 5 * time.Minute
	return &mfaStore{
		client:            client,
		keyPrefix:         "fileshare:mfa",
		challengeTTL:      challengeTTL,
		challengePersist:  challengeTTL + time.Minute,
		maxVerifyAttempts: 5,
		now:               time.Now,
	}, nil
}

// CreateChallenge returns the challenge id and its lifetime in seconds.
func (s *mfaStore) CreateChallenge(ctx context.Context, userID string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	challenge := mfaChallenge{
		ID:         util.NewID(),
		UserID:     userID,
		ExpiresAt:  s.now().UTC().Add(s.challengeTTL),
		MaxAttempt: s.maxVerifyAttempts,
	}
	raw, err := json.Marshal(challenge)
	if err != nil {
		return "", 0, fmt.Errorf("marshal mfa challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.challengeKey(challenge.ID), raw, s.challengePersist).Err(); err != nil {
		return "", 0, err
	}
	return challenge.ID, int(s.challengeTTL.Seconds()), nil
}

// VerifyChallenge hands the challenge's user id to check. A check failing with
// app.ErrInvalidMFACode burns one attempt; the challenge is consumed on success
// or once attempts run out.
func (s *mfaStore) VerifyChallenge(ctx context.Context, challengeID, code string, check func(userID, code string) error) error {
	challengeID = strings.TrimSpace(challengeID)
	if challengeID == "" {
		return errMFAChallengeRequired
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errMFACodeRequired
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	key := s.challengeKey(challengeID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return errMFAChallengeInvalid
	}
	if err != nil {
		return err
	}
	var challenge mfaChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return fmt.Errorf("unmarshal mfa challenge: %w", err)
	}
	if challenge.ID != challengeID || challenge.UserID == "" {
		return errMFAChallengeInvalid
	}
	if s.now().UTC().After(challenge.ExpiresAt) {
		_ = s.client.Del(ctx, key).Err()
		return errMFAChallengeExpired
	}
	if challenge.Attempts >= challenge.MaxAttempt {
		_ = s.client.Del(ctx, key).Err()
		return errMFAChallengeInvalid
	}

	if err := check(challenge.UserID, code); err != nil {
		if !errors.Is(err, app.ErrInvalidMFACode) {
			return err
		}
		challenge.Attempts++
		if challenge.Attempts >= challenge.MaxAttempt {
			_ = s.client.Del(ctx, key).Err()
			return err
		}
		if next, marshalErr := json.Marshal(challenge); marshalErr == nil {
			if ttl, ttlErr := s.client.TTL(ctx, key).Result(); ttlErr == nil && ttl > 0 {
				_ = s.client.Set(ctx, key, next, ttl).Err()
			}
		}
		return err
	}
	return s.client.Del(ctx, key).Err()
}

func (s *mfaStore) challengeKey(challengeID string) string {
	return fmt.Sprintf("%s:challenge:%s", s.keyPrefix, challengeID)
}
