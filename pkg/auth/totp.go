package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrInvalidTOTP is returned when a code does not match the secret.
var ErrInvalidTOTP = errors.New("invalid verification code")

// TOTPKey is a freshly generated enrollment secret.
type TOTPKey struct {
	Secret string
	URI    string
}

// GenerateTOTP creates a 30s/6-digit SHA1 secret labelled with accountName.
func GenerateTOTP(issuer, accountName string) (TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return TOTPKey{}, err
	}
	return TOTPKey{Secret: key.Secret(), URI: key.URL()}, nil
}

// ValidateTOTP checks code against secret allowing one step of clock skew either way.
func ValidateTOTP(secret, code string, now time.Time) error {
	code = strings.TrimSpace(code)
	if secret == "" || code == "" {
		return ErrInvalidTOTP
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return ErrInvalidTOTP
	}
	return nil
}
