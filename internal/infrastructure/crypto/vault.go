package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"
)

// encryptedPrefix tags ciphertext stored in the DB so reads can distinguish
// encrypted values from legacy plaintext rows.
const encryptedPrefix = "enc:"

// Vault envelope-encrypts provider credentials with AES-256-GCM.
// The key is derived from the configured master secret via SHA-256, so any
// secret length works. When no secret is configured, Encrypt and Decrypt are
// identity functions — the gateway degrades to plaintext storage.
type Vault struct {
	key    []byte // 32 bytes, nil when no secret is configured
	logger *zap.Logger
}

// NewVault derives the AES key from masterSecret. An empty secret yields a
// passthrough vault; the degradation is logged once here.
func NewVault(masterSecret string, logger *zap.Logger) *Vault {
	if masterSecret == "" {
		logger.Warn("No encryption secret configured — credentials will be stored in plaintext")
		return &Vault{logger: logger}
	}
	sum := sha256.Sum256([]byte(masterSecret))
	return &Vault{key: sum[:], logger: logger}
}

// Enabled reports whether the vault actually encrypts.
func (v *Vault) Enabled() bool {
	return v.key != nil
}

// Encrypt returns "enc:" + base64(nonce || ciphertext || tag), or the
// plaintext unchanged when no key is configured.
func (v *Vault) Encrypt(plaintext string) string {
	if v.key == nil {
		return plaintext
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		v.logger.Error("Vault cipher init failed — storing plaintext", zap.Error(err))
		return plaintext
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		v.logger.Error("Vault GCM init failed — storing plaintext", zap.Error(err))
		return plaintext
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		v.logger.Error("Vault nonce generation failed — storing plaintext", zap.Error(err))
		return plaintext
	}

	// Seal appends ciphertext||tag to the nonce, giving nonce||ct||tag.
	combined := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(combined)
}

// Decrypt reverses Encrypt. Strings without the "enc:" prefix are legacy
// plaintext and are returned unchanged. Without a key every input is returned
// unchanged. With a key, malformed ciphertext is an error.
func (v *Vault) Decrypt(stored string) (string, error) {
	if len(stored) < len(encryptedPrefix) || stored[:len(encryptedPrefix)] != encryptedPrefix {
		return stored, nil
	}
	if v.key == nil {
		return stored, nil
	}

	combined, err := base64.StdEncoding.DecodeString(stored[len(encryptedPrefix):])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("GCM init: %w", err)
	}

	if len(combined) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(combined))
	}

	nonce, ciphertext := combined[:gcm.NonceSize()], combined[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
