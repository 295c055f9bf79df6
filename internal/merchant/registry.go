// Package merchant owns merchant onboarding, UFVK rotation, and API key
// authentication — the boundary between a merchant's credentials at
// rest and the live ViewingKeyCache the scanner trial-decrypts against.
package merchant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cipherpay/backend/internal/keyvault"
	"github.com/cipherpay/backend/internal/store"
	"github.com/cipherpay/backend/internal/viewingkey"
)

var (
	ErrInvalidAPIKey = errors.New("merchant: invalid api key")
	ErrDisabled      = errors.New("merchant: account disabled")
)

const apiKeyPrefix = "cpk"

// Store is the subset of store.MerchantStore the registry needs.
type Store interface {
	Create(ctx context.Context, m *store.Merchant) error
	GetByID(ctx context.Context, id uuid.UUID) (*store.Merchant, error)
	ListActive(ctx context.Context) ([]store.Merchant, error)
	UpdateUFVK(ctx context.Context, id uuid.UUID, ciphertext, paymentAddress string) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// Billing is the subset of billing.Service the registry needs to open
// a merchant's first fee-settlement cycle at registration time.
type Billing interface {
	EnsureOpenCycle(ctx context.Context, merchantID uuid.UUID) error
}

// Registry mediates every write to merchant credentials so the
// ViewingKeyCache install/evict calls stay in lockstep with the store.
type Registry struct {
	store   Store
	vault   *keyvault.Vault
	keys    *viewingkey.Cache
	billing Billing
}

// New builds a Registry. billing may be nil for call sites that never
// register a merchant (e.g. the scanner process, which only bootstraps
// existing merchants into the cache).
func New(store Store, vault *keyvault.Vault, keys *viewingkey.Cache, billing Billing) *Registry {
	return &Registry{store: store, vault: vault, keys: keys, billing: billing}
}

// Bootstrap installs every merchant's viewing key (deactivated ones
// included) into the cache
// at process startup, called once before the scanner begins polling.
func (r *Registry) Bootstrap(ctx context.Context) error {
	merchants, err := r.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, m := range merchants {
		ufvk, err := r.vault.DecryptOrPlaintext(m.UFVKCiphertext)
		if err != nil {
			return fmt.Errorf("merchant %s: decrypt ufvk: %w", m.ID, err)
		}
		if err := r.keys.Install(m.ID, m.PaymentAddress, ufvk); err != nil {
			return fmt.Errorf("merchant %s: install viewing key: %w", m.ID, err)
		}
	}
	return nil
}

// Register onboards a new merchant: encrypts the UFVK at rest, installs
// it into the live cache, hashes a freshly generated API key, and
// returns the plaintext key exactly once — it is never recoverable
// after this call returns.
func (r *Registry) Register(ctx context.Context, name, network, ufvk, paymentAddress, webhookURL string) (*store.Merchant, string, error) {
	// Parsed and discarded: validates the UFVK before any row is
	// written, so a malformed key never reaches the store.
	if _, err := viewingkey.ValidateUFVK(network, ufvk); err != nil {
		return nil, "", fmt.Errorf("invalid ufvk: %w", err)
	}

	ciphertext, err := r.vault.Encrypt(ufvk)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt ufvk: %w", err)
	}

	apiKey, keyHash, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}

	webhookSecret, err := generateWebhookSecret()
	if err != nil {
		return nil, "", err
	}
	secretCiphertext, err := r.vault.Encrypt(webhookSecret)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt webhook secret: %w", err)
	}

	m := &store.Merchant{
		Name:           name,
		Network:        network,
		UFVKCiphertext: ciphertext,
		PaymentAddress: paymentAddress,
		APIKeyHash:     keyHash,
		WebhookSecret:  secretCiphertext,
	}
	if webhookURL != "" {
		m.WebhookURL = &webhookURL
	}

	if err := r.store.Create(ctx, m); err != nil {
		return nil, "", err
	}

	if err := r.keys.Install(m.ID, m.PaymentAddress, ufvk); err != nil {
		return nil, "", fmt.Errorf("install viewing key: %w", err)
	}

	if r.billing != nil {
		if err := r.billing.EnsureOpenCycle(ctx, m.ID); err != nil {
			return nil, "", fmt.Errorf("open billing cycle: %w", err)
		}
	}

	return m, apiKeyWithID(m.ID, apiKey), nil
}

// Rotate swaps a merchant's UFVK and payment address, per the resolved
// open question on key rotation: the cache entry is evicted and
// reinstalled, but seen_txs and historical invoices are left untouched
// — rotation protects future payments, it does not retroactively
// invalidate or re-scan what already cleared under the old key.
//
// The new key is validated, then persisted, and only installed into
// the live cache last: a failed UpdateUFVK must never leave the cache
// accepting a key the store does not (yet) agree the merchant owns.
func (r *Registry) Rotate(ctx context.Context, merchantID uuid.UUID, newUFVK, newPaymentAddress string) error {
	m, err := r.store.GetByID(ctx, merchantID)
	if err != nil {
		return err
	}
	if _, err := viewingkey.ValidateUFVK(m.Network, newUFVK); err != nil {
		return fmt.Errorf("validate new viewing key: %w", err)
	}

	ciphertext, err := r.vault.Encrypt(newUFVK)
	if err != nil {
		return err
	}

	if err := r.store.UpdateUFVK(ctx, merchantID, ciphertext, newPaymentAddress); err != nil {
		return err
	}

	if err := r.keys.Install(merchantID, newPaymentAddress, newUFVK); err != nil {
		return fmt.Errorf("install rotated viewing key: %w", err)
	}

	return nil
}

func (r *Registry) Deactivate(ctx context.Context, merchantID uuid.UUID) error {
	return r.store.Deactivate(ctx, merchantID)
}

// Authenticate resolves a bearer API key to its owning merchant. Keys
// are self-describing ("cpk_<merchant-id>_<secret>") so lookup never
// requires scanning the table for a bcrypt match — only the merchant
// named by the key's prefix is ever compared against.
func (r *Registry) Authenticate(ctx context.Context, apiKey string) (*store.Merchant, error) {
	merchantID, secret, err := splitAPIKey(apiKey)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	m, err := r.store.GetByID(ctx, merchantID)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if bcrypt.CompareHashAndPassword([]byte(m.APIKeyHash), []byte(secret)) != nil {
		return nil, ErrInvalidAPIKey
	}
	if m.DisabledAt != nil {
		return nil, ErrDisabled
	}
	return m, nil
}

func generateAPIKey() (key, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	key = hex.EncodeToString(raw)

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return key, string(hashed), nil
}

func generateWebhookSecret() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(raw), nil
}

func apiKeyWithID(id uuid.UUID, secret string) string {
	return fmt.Sprintf("%s_%s_%s", apiKeyPrefix, strings.ReplaceAll(id.String(), "-", ""), secret)
}

func splitAPIKey(apiKey string) (uuid.UUID, string, error) {
	parts := strings.SplitN(apiKey, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyPrefix {
		return uuid.Nil, "", ErrInvalidAPIKey
	}

	idHex := parts[1]
	if len(idHex) != 32 {
		return uuid.Nil, "", ErrInvalidAPIKey
	}
	dashed := fmt.Sprintf("%s-%s-%s-%s-%s", idHex[0:8], idHex[8:12], idHex[12:16], idHex[16:20], idHex[20:32])
	id, err := uuid.Parse(dashed)
	if err != nil {
		return uuid.Nil, "", ErrInvalidAPIKey
	}
	return id, parts[2], nil
}
