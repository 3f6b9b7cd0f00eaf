package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestJWTSessionStoreRoundTripAndJWKS(t *testing.T) {
	s := newTestJWTStore(t, JWTConfig{KeyID: "kid-active"}, nil)

	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok || userID != "user-1" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q err=%v", ok, userID, err)
	}

	keys := s.JWKS()
	if len(keys) != 1 || keys[0].Kid != "kid-active" || keys[0].Alg != "RS256" {
		t.Fatalf("unexpected jwks: %+v", keys)
	}
	if keys[0].N == "" || keys[0].E == "" {
		t.Fatalf("expected RSA modulus/exponent in jwks")
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	key := newRSAKey(t)
	signing, _ := NewJWTSessionStore(key, JWTConfig{TTL: time.Minute, Audience: "aud-a"}, nil)
	verify, _ := NewJWTSessionStore(key, JWTConfig{TTL: time.Minute, Audience: "aud-b"}, nil)

	token, err := signing.NewSession("user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}
}

func TestJWTSessionStoreRevocation(t *testing.T) {
	revoker := NewMemoryTokenRevoker()
	s := newTestJWTStore(t, JWTConfig{}, revoker)

	byJTI, _ := s.NewSession("user-a")
	if err := s.DeleteSession(byJTI); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(byJTI); !errors.Is(err, ErrTokenRevoked) || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}

	byUser, _ := s.NewSession("user-b")
	if err := s.RevokeUserSessions("user-b", time.Now().UTC()); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(byUser); !errors.Is(err, ErrTokenRevoked) || ok {
		t.Fatalf("expected user-revoked token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreFromFilesVerifiesPreviousKey(t *testing.T) {
	oldPrivate, oldPublic := writeRSAKeyPairFiles(t, "old")
	newPrivate, newPublic := writeRSAKeyPairFiles(t, "new")

	oldStore, err := NewJWTSessionStoreFromFiles(JWTConfig{
		PrivateKeyPath: oldPrivate, PublicKeyPath: oldPublic, KeyID: "kid-old", TTL: time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("old store: %v", err)
	}
	oldToken, _ := oldStore.NewSession("user-2")

	rotated, err := NewJWTSessionStoreFromFiles(JWTConfig{
		PrivateKeyPath: newPrivate, PublicKeyPath: newPublic, KeyID: "kid-new", TTL: time.Minute,
		VerifyKeyFiles: map[string]string{"kid-old": oldPublic},
	}, nil)
	if err != nil {
		t.Fatalf("rotated store: %v", err)
	}
	if userID, ok, err := rotated.GetUserIDByToken(oldToken); err != nil || !ok || userID != "user-2" {
		t.Fatalf("expected old token to verify, ok=%v userID=%q err=%v", ok, userID, err)
	}
	if len(rotated.JWKS()) != 2 {
		t.Fatalf("expected both keys in jwks")
	}

	unrelated, _ := NewJWTSessionStoreFromFiles(JWTConfig{PrivateKeyPath: newPrivate, KeyID: "kid-new", TTL: time.Minute}, nil)
	if _, _, err := unrelated.GetUserIDByToken(oldToken); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
}

func TestJWTSessionStoreRejectsMalformedClaims(t *testing.T) {
	key := newRSAKey(t)
	s, _ := NewJWTSessionStore(key, JWTConfig{TTL: time.Minute, Leeway: time.Second}, nil)
	now := time.Now().UTC()
	base := jwt.RegisteredClaims{
		Subject:   "user-x",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        "jti-x",
	}

	cases := map[string]struct {
		claims func() jwt.RegisteredClaims
		kid    string
	}{
		"future iat": {claims: func() jwt.RegisteredClaims {
			c := base
			c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute))
			return c
		}, kid: defaultJWTKeyID},
		"missing kid": {claims: func() jwt.RegisteredClaims { return base }},
		"missing jti": {claims: func() jwt.RegisteredClaims {
			c := base
			c.ID = ""
			return c
		}, kid: defaultJWTKeyID},
		"missing exp": {claims: func() jwt.RegisteredClaims {
			c := base
			c.ExpiresAt = nil
			return c
		}, kid: defaultJWTKeyID},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, tc.claims())
			if tc.kid != "" {
				token.Header["kid"] = tc.kid
			}
			signed, err := token.SignedString(key)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, _, err := s.GetUserIDByToken(signed); !errors.Is(err, ErrTokenInvalid) {
				t.Fatalf("expected ErrTokenInvalid, got %v", err)
			}
		})
	}
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func newTestJWTStore(t *testing.T, cfg JWTConfig, revoker TokenRevoker) *JWTSessionStore {
	t.Helper()
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	s, err := NewJWTSessionStore(newRSAKey(t), cfg, revoker)
	if err != nil {
		t.Fatalf("new jwt store: %v", err)
	}
	return s
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key := newRSAKey(t)
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}
