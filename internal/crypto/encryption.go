// Package crypto protects stored NWC connection URIs with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard nonce size
)

// KeyFromHex decodes a 32-byte key from its hex representation.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("encryption key is not valid hex")
	}
	if len(key) != KeySize {
		return nil, errors.New("encryption key must be 32 bytes long")
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns base64-encoded: nonce + ciphertext
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errors.New("encryption key must be 32 bytes long")
	}

	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	aesGcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aesGcm.Seal(nil, nonce, []byte(plaintext), nil)
	result := append(nonce, ciphertext...)

	return base64.StdEncoding.EncodeToString(result), nil
}

// Decrypt decrypts AES-256-GCM encrypted data
func Decrypt(ciphertext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errors.New("encryption key must be 32 bytes long")
	}

	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	if len(decoded) < NonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce := decoded[:NonceSize]
	cipherData := decoded[NonceSize:]

	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	aesGcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return "", err
	}

	plaintext, err := aesGcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return "", errors.New("decryption failed: invalid key or corrupted data")
	}

	return string(plaintext), nil
}

// GenerateKey generates a random 32-byte encryption key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	_, err := io.ReadFull(rand.Reader, key)
	if err != nil {
		return nil, err
	}
	return key, nil
}
