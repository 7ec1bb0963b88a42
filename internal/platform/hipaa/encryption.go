// Package hipaa protects patient identifiers at rest: AES-256-GCM for
// columns that are read back, HMAC blind indexes for columns that are only
// matched on.
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// FieldEncryptor encrypts single column values.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// PHIEncryptor is the AES-256-GCM FieldEncryptor. Ciphertext is base64 of
// nonce || sealed data.
type PHIEncryptor struct {
	aead cipher.AEAD
}

func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}
	return &PHIEncryptor{aead: aead}, nil
}

func (e *PHIEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *PHIEncryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	n := e.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("phi decrypt: ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptionService wraps a FieldEncryptor with a disabled mode for
// development, where values pass through unchanged.
type EncryptionService struct {
	encryptor FieldEncryptor
}

// NewEncryptionService builds the service from a 64-char hex key. An empty key
// disables encryption with a warning; a malformed key is an error so the
// server refuses to start.
func NewEncryptionService(key string, logger zerolog.Logger) (*EncryptionService, error) {
	if key == "" {
		logger.Warn().Msg("PHI encryption disabled: HIPAA_ENCRYPTION_KEY is not set")
		return &EncryptionService{}, nil
	}

	keyBytes, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	enc, err := NewPHIEncryptor(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("create PHI encryptor: %w", err)
	}

	logger.Info().Msg("PHI field-level encryption enabled")
	return &EncryptionService{encryptor: enc}, nil
}

func decodeKey(key string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	return keyBytes, nil
}

func (s *EncryptionService) IsEnabled() bool {
	return s != nil && s.encryptor != nil
}

func (s *EncryptionService) EncryptField(value string) (string, error) {
	if !s.IsEnabled() {
		return value, nil
	}
	return s.encryptor.Encrypt(value)
}

func (s *EncryptionService) DecryptField(value string) (string, error) {
	if !s.IsEnabled() {
		return value, nil
	}
	return s.encryptor.Decrypt(value)
}

// EncryptOptional encrypts a nullable column, leaving nil and "" untouched.
func (s *EncryptionService) EncryptOptional(value *string) (*string, error) {
	if value == nil || *value == "" {
		return value, nil
	}
	out, err := s.EncryptField(*value)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecryptOptional is the inverse of EncryptOptional.
func (s *EncryptionService) DecryptOptional(value *string) (*string, error) {
	if value == nil || *value == "" {
		return value, nil
	}
	out, err := s.DecryptField(*value)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
