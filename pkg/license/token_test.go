package license

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := CreateToken("secret", "machine-1", 5, time.Hour)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	claims, err := ParseToken("secret", token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if claims.Machine != "machine-1" {
		t.Errorf("machine = %q, want machine-1", claims.Machine)
	}
	if claims.MaxAccounts != 5 {
		t.Errorf("max_accounts = %d, want 5", claims.MaxAccounts)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, err := CreateToken("secret", "machine-1", 0, time.Hour)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}
	if _, err := ParseToken("other", token); err == nil {
		t.Fatal("expected signature error with wrong secret")
	}
}

func TestTokenExpired(t *testing.T) {
	token, err := CreateToken("secret", "machine-1", 0, -time.Minute)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}
	_, err = ParseToken("secret", token)
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestCheckAccounts(t *testing.T) {
	unlimited := &Claims{}
	if err := unlimited.CheckAccounts(100); err != nil {
		t.Errorf("zero limit must not restrict: %v", err)
	}

	limited := &Claims{MaxAccounts: 2}
	if err := limited.CheckAccounts(2); err != nil {
		t.Errorf("at limit must pass: %v", err)
	}
	if err := limited.CheckAccounts(3); !errors.Is(err, ErrAccountLimit) {
		t.Errorf("expected ErrAccountLimit, got %v", err)
	}
}
