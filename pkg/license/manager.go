package license

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMachineMismatch = errors.New("license machine mismatch")
	ErrExpired         = errors.New("license expired")
	ErrAccountLimit    = errors.New("license account limit exceeded")
)

// Manager validates tokens against the current machine id.
type Manager struct {
	Secret string
}

func NewManager(secret string) *Manager {
	return &Manager{Secret: secret}
}

// Validate checks the token's signature, machine binding, and expiry.
// Claims are returned so callers can enforce the account limit and log expiry.
func (m *Manager) Validate(token string) (*Claims, error) {
	mid, err := MachineID()
	if err != nil {
		return nil, fmt.Errorf("machine id: %w", err)
	}
	claims, err := ParseToken(m.Secret, token)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.Machine != mid {
		return nil, ErrMachineMismatch
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpired
	}
	return claims, nil
}

// CheckAccounts enforces the licensed account count. A zero limit means
// the token does not restrict accounts.
func (c *Claims) CheckAccounts(enabled int) error {
	if c.MaxAccounts > 0 && enabled > c.MaxAccounts {
		return fmt.Errorf("%w: %d enabled, %d licensed", ErrAccountLimit, enabled, c.MaxAccounts)
	}
	return nil
}
