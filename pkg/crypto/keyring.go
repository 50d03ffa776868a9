package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("keyring not initialized")
)

// Keyring holds the credential encryption keys, one per version, so SSIDs
// written under an older key stay readable after rotation.
//
// Keys come from environment variables:
//   - CREDENTIAL_KEY (version 1, required)
//   - CREDENTIAL_KEY_V2 .. CREDENTIAL_KEY_V10 (optional rotations)
//
// Values may be base64 or hex encoded; either must decode to 32 bytes.
type Keyring struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyring loads keys from the environment.
func NewKeyring() (*Keyring, error) {
	kr := &Keyring{encryptors: make(map[int]*Encryptor)}

	if err := kr.loadKey(1, "CREDENTIAL_KEY"); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	kr.currentVer = 1

	for v := 2; v <= 10; v++ {
		envName := fmt.Sprintf("CREDENTIAL_KEY_V%d", v)
		if err := kr.loadKey(v, envName); err == nil {
			kr.currentVer = v // newest available version wins
		}
	}

	return kr, nil
}

func (kr *Keyring) loadKey(version int, envName string) error {
	encoded := os.Getenv(envName)
	if encoded == "" {
		return ErrKeyNotFound
	}

	key, err := decodeKey(encoded)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", envName, err)
	}

	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("create encryptor v%d: %w", version, err)
	}

	kr.encryptors[version] = enc
	return nil
}

func decodeKey(encoded string) ([]byte, error) {
	if len(encoded) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// EncryptCredential encrypts an SSID with the current key version.
func (kr *Keyring) EncryptCredential(plaintext string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	enc, ok := kr.encryptors[kr.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// DecryptCredential returns the plaintext SSID for a stored value.
// Unprefixed values predate encryption and pass through unchanged.
func (kr *Keyring) DecryptCredential(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}

	kr.mu.RLock()
	defer kr.mu.RUnlock()

	version := ParseVersion(stored)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := kr.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(stored)
}

// Refresh re-encrypts a stored value with the current key version when it
// is plaintext or was written under an older key. The second return value
// reports whether the stored form changed.
func (kr *Keyring) Refresh(stored string) (string, bool, error) {
	if IsEncrypted(stored) && ParseVersion(stored) == kr.CurrentVersion() {
		return stored, false, nil
	}
	plaintext, err := kr.DecryptCredential(stored)
	if err != nil {
		return "", false, err
	}
	out, err := kr.EncryptCredential(plaintext)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// CurrentVersion returns the key version used for new writes.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.currentVer
}

// GenerateKey generates a random 32-byte key, base64 encoded for storage.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
