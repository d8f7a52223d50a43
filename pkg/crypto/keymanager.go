// Package crypto decrypts exchange API credentials stored at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys.
	KeySize = 32
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12

	prefix = "ENC[v1]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// KeyManager performs AES-256-GCM encryption and decryption of credentials.
type KeyManager struct {
	key []byte
}

// NewKeyManager builds a KeyManager from a base64-encoded 32-byte key.
func NewKeyManager(encodedKey string) (*KeyManager, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &KeyManager{key: key}, nil
}

// Encrypt seals plaintext as ENC[v1]:base64(nonce+ciphertext).
func (k *KeyManager) Encrypt(plaintext string) (string, error) {
	gcm, err := k.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (k *KeyManager) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, prefix) {
		return "", ErrInvalidCiphertext
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	gcm, err := k.aead()
	if err != nil {
		return "", err
	}

	plain, err := gcm.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

func (k *KeyManager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
