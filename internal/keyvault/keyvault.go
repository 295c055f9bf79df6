// Package keyvault encrypts UFVKs and webhook secrets at rest. This is a
// storage-layer concern distinct from the note-decryption AEAD the
// scanner uses: merchant key material needs protecting against a
// database leak, not against an on-chain adversary, so plain AES-256-GCM
// from the standard library is the right tool, not ChaCha20-Poly1305.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

const nonceLen = 12

var (
	ErrKeyLength  = errors.New("keyvault: encryption key must be 32 bytes (64 hex chars)")
	ErrCorrupt    = errors.New("keyvault: encrypted data too short or not hex")
	ErrDecryption = errors.New("keyvault: decryption failed (wrong key or corrupted data)")
)

type Vault struct {
	key []byte // empty means no-op passthrough
}

// New builds a Vault from a hex-encoded 32-byte key. An empty keyHex is
// accepted and produces a passthrough vault, matching the migration path
// where UFVK_ENCRYPTION_KEY is not yet configured.
func New(keyHex string) (*Vault, error) {
	if keyHex == "" {
		return &Vault{}, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, ErrKeyLength
	}
	return &Vault{key: key}, nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	if len(v.key) == 0 {
		return plaintext, nil
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := append(nonce, ciphertext...)
	return hex.EncodeToString(combined), nil
}

func (v *Vault) Decrypt(encryptedHex string) (string, error) {
	if len(v.key) == 0 {
		return encryptedHex, nil
	}

	combined, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return "", ErrCorrupt
	}
	if len(combined) < nonceLen+1 {
		return "", ErrCorrupt
	}

	nonce, ciphertext := combined[:nonceLen], combined[nonceLen:]

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// DecryptOrPlaintext returns data unchanged if no key is configured, or
// if it is recognizably a plaintext UFVK (the "uview"/"utest" human
// readable prefixes) predating a key being set — the migration case
// where encryption was turned on after some merchants already existed.
func (v *Vault) DecryptOrPlaintext(data string) (string, error) {
	if len(v.key) == 0 {
		return data, nil
	}
	if strings.HasPrefix(data, "uview") || strings.HasPrefix(data, "utest") {
		return data, nil
	}
	return v.Decrypt(data)
}

// DecryptWebhookSecret handles the analogous migration case for webhook
// secrets, recognized by their "whsec_" plaintext prefix.
func (v *Vault) DecryptWebhookSecret(data string) (string, error) {
	if len(v.key) == 0 || strings.HasPrefix(data, "whsec_") {
		return data, nil
	}
	return v.Decrypt(data)
}
