// Package security provides the sealed-credentials format used to protect
// the Google service-account JSON at rest. Files are sealed with AES-256-GCM
// under a key derived from an operator passphrase via scrypt.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/scrypt"
)

// SealConfig defines key derivation and cipher parameters following OWASP
// ASVS requirements.
type SealConfig struct {
	ScryptN   int // CPU/memory cost parameter (32768 minimum)
	ScryptR   int // block size parameter (8 recommended)
	ScryptP   int // parallelization parameter (1 recommended)
	KeyLen    int // key length in bytes (32 for AES-256)
	NonceSize int // 96-bit nonce size for GCM
	TagSize   int // 128-bit authentication tag
}

// DefaultSealConfig returns OWASP ASVS compliant parameters.
func DefaultSealConfig() *SealConfig {
	return &SealConfig{
		ScryptN:   32768,
		ScryptR:   8,
		ScryptP:   1,
		KeyLen:    32,
		NonceSize: 12,
		TagSize:   16,
	}
}

// ValidateSealConfig validates seal configuration parameters.
func ValidateSealConfig(cfg *SealConfig) error {
	if cfg == nil {
		return errors.New("seal config cannot be nil")
	}
	if cfg.ScryptN < 32768 {
		return errors.New("ScryptN must be at least 32768")
	}
	if cfg.ScryptR < 8 {
		return errors.New("ScryptR must be at least 8")
	}
	if cfg.ScryptP < 1 {
		return errors.New("ScryptP must be at least 1")
	}
	if cfg.KeyLen != 32 {
		return errors.New("KeyLen must be 32 for AES-256")
	}
	if cfg.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	if cfg.TagSize != 16 {
		return errors.New("TagSize must be 16 for AES-GCM")
	}
	return nil
}

// SealedPayload is the on-disk envelope of a sealed credentials file.
type SealedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	AuthTag    []byte `json:"auth_tag"`
	Integrity  []byte `json:"integrity"`
}

// SecureCredentials holds opened credential bytes and supports wiping them
// from memory once consumed.
type SecureCredentials struct {
	data    []byte
	cleared bool
}

// Data returns the opened credential bytes, or nil after Clear.
func (sc *SecureCredentials) Data() []byte {
	if sc.cleared {
		return nil
	}
	return sc.data
}

// Clear overwrites the credential bytes. The holder is unusable afterwards.
func (sc *SecureCredentials) Clear() {
	if sc.cleared {
		return
	}
	for i := range sc.data {
		sc.data[i] = 0x00
	}
	rand.Read(sc.data)
	for i := range sc.data {
		sc.data[i] = 0x00
	}
	sc.cleared = true
	sc.data = nil
}

// Seal encrypts plaintext under a passphrase-derived key.
func Seal(plaintext, passphrase []byte, cfg *SealConfig) (*SealedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if cfg == nil {
		cfg = DefaultSealConfig()
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key(passphrase, salt, cfg.ScryptN, cfg.ScryptR, cfg.ScryptP, cfg.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, cfg.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	authTag := sealed[len(sealed)-cfg.TagSize:]
	ciphertext := sealed[:len(sealed)-cfg.TagSize]

	return &SealedPayload{
		Version:    1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		AuthTag:    authTag,
		Integrity:  integrityHash(ciphertext, salt, nonce),
	}, nil
}

// Open decrypts a sealed payload. The integrity hash is checked before the
// expensive key derivation so a corrupted file fails fast.
func Open(payload *SealedPayload, passphrase []byte, cfg *SealConfig) (*SecureCredentials, error) {
	if payload == nil {
		return nil, errors.New("payload cannot be nil")
	}
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if cfg == nil {
		cfg = DefaultSealConfig()
	}

	if payload.Version != 1 {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}

	expected := integrityHash(payload.Ciphertext, payload.Salt, payload.Nonce)
	if subtle.ConstantTimeCompare(payload.Integrity, expected) != 1 {
		return nil, errors.New("integrity verification failed")
	}

	key, err := scrypt.Key(passphrase, payload.Salt, cfg.ScryptN, cfg.ScryptR, cfg.ScryptP, cfg.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := append(append([]byte{}, payload.Ciphertext...), payload.AuthTag...)
	plaintext, err := gcm.Open(nil, payload.Nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return &SecureCredentials{data: plaintext}, nil
}

// WriteSealedFile writes the JSON envelope with owner-only permissions.
func WriteSealedFile(path string, payload *SealedPayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sealed payload: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write sealed file: %w", err)
	}
	return nil
}

// ReadSealedFile reads and parses a sealed envelope from disk.
func ReadSealedFile(path string) (*SealedPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sealed file: %w", err)
	}
	var payload SealedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse sealed file: %w", err)
	}
	return &payload, nil
}

// LoadCredentialsFile reads a service-account JSON file that may be sealed.
// A plain JSON file is returned as-is; a sealed envelope is opened with the
// given passphrase.
func LoadCredentialsFile(path, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var payload SealedPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Version == 0 || len(payload.Ciphertext) == 0 {
		// Not a sealed envelope, treat as plain credentials.
		return raw, nil
	}

	if passphrase == "" {
		return nil, errors.New("credentials file is sealed but no passphrase was provided")
	}

	creds, err := Open(&payload, []byte(passphrase), nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(creds.Data()))
	copy(out, creds.Data())
	creds.Clear()
	return out, nil
}

func integrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("KEYGATE-SEAL-V1")) // domain separator
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
