package auth

import (
	"errors"
	"testing"
)

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("S3cret!")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" || hash == "S3cret!" {
		t.Fatalf("expected opaque hash, got %q", hash)
	}
	if !CheckPassword("S3cret!", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("Str0ng#Pass"); err != nil {
		t.Fatalf("expected valid password, got: %v", err)
	}
	cases := map[string]error{
		"A1!a":                  ErrPasswordLength,
		"Way#Too#Long#Pass123!": ErrPasswordLength,
		"lower123!":             ErrPasswordUppercase,
		"NoDigits!!":            ErrPasswordDigit,
		"NoSpecials123":         ErrPasswordSpecial,
	}
	for password, want := range cases {
		if err := ValidatePassword(password); !errors.Is(err, want) {
			t.Fatalf("ValidatePassword(%q) = %v, want %v", password, err, want)
		}
	}
}
