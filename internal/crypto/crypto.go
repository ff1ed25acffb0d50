// Package crypto encrypts remote credentials at rest.
// Uses AES-256-GCM with a PBKDF2-SHA256 derived key and a per-message salt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the key-derivation work factor.
	PBKDF2Iterations = 100_000
	// KeySize is the AES-256 key length.
	KeySize  = 32
	saltSize = 16
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

// Encrypt encrypts plaintext with a key derived from secret. The result is
// base64(salt | nonce | sealed).
func Encrypt(plaintext, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrInvalidKey
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext string, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(data) < saltSize {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(secret, data[:saltSize])
	if err != nil {
		return nil, err
	}

	rest := data[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(secret, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(secret, salt, PBKDF2Iterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey derives a consistent secret from a machine-specific identifier.
func DeriveKey(machineID string) []byte {
	hash := sha256.Sum256([]byte("millsync:" + machineID))
	return hash[:]
}

// GetMachineKey returns a key derived from a machine identifier.
// Falls back to a default key if no machine ID is provided.
func GetMachineKey(machineID string) []byte {
	if machineID == "" {
		machineID = "millsync-default-key"
	}
	return DeriveKey(machineID)
}

// EncryptAPIKey encrypts a credential for storage.
func EncryptAPIKey(apiKey, machineID string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("credential cannot be empty")
	}
	return Encrypt([]byte(apiKey), GetMachineKey(machineID))
}

// DecryptAPIKey decrypts a stored credential.
func DecryptAPIKey(encryptedKey, machineID string) (string, error) {
	if encryptedKey == "" {
		return "", nil
	}
	plaintext, err := Decrypt(encryptedKey, GetMachineKey(machineID))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
