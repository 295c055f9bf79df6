package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MerchantStore struct {
	pool *pgxpool.Pool
}

func NewMerchantStore(pool *pgxpool.Pool) *MerchantStore {
	return &MerchantStore{pool: pool}
}

func (s *MerchantStore) Create(ctx context.Context, m *Merchant) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO merchants (name, network, ufvk_ciphertext, payment_address, api_key_hash, webhook_url, webhook_secret, fee_bps_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, m.Name, m.Network, m.UFVKCiphertext, m.PaymentAddress, m.APIKeyHash, m.WebhookURL, m.WebhookSecret, m.FeeBPSOverride,
	).Scan(&m.ID, &m.CreatedAt)
}

func (s *MerchantStore) GetByID(ctx context.Context, id uuid.UUID) (*Merchant, error) {
	var m Merchant
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, network, ufvk_ciphertext, payment_address, api_key_hash, webhook_url,
		       webhook_secret, fee_bps_override, disabled_at, created_at
		FROM merchants WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Network, &m.UFVKCiphertext, &m.PaymentAddress, &m.APIKeyHash, &m.WebhookURL,
		&m.WebhookSecret, &m.FeeBPSOverride, &m.DisabledAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListActive returns every merchant, deactivated ones included, for
// installing UFVKs into the ViewingKeyCache at startup; deactivation
// only stops webhook delivery, not payment detection, so a reactivated
// merchant doesn't miss payments made while disabled.
func (s *MerchantStore) ListActive(ctx context.Context) ([]Merchant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, network, ufvk_ciphertext, payment_address, api_key_hash, webhook_url,
		       webhook_secret, fee_bps_override, disabled_at, created_at
		FROM merchants
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Merchant
	for rows.Next() {
		var m Merchant
		if err := rows.Scan(&m.ID, &m.Name, &m.Network, &m.UFVKCiphertext, &m.PaymentAddress, &m.APIKeyHash,
			&m.WebhookURL, &m.WebhookSecret, &m.FeeBPSOverride, &m.DisabledAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MerchantStore) UpdateUFVK(ctx context.Context, id uuid.UUID, ciphertext, paymentAddress string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE merchants SET ufvk_ciphertext = $1, payment_address = $2 WHERE id = $3
	`, ciphertext, paymentAddress, id)
	return err
}

// Deactivate clears the webhook URL rather than deleting the row;
// deletion is not supported per the data model's ownership contract.
func (s *MerchantStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE merchants SET webhook_url = NULL, disabled_at = now() WHERE id = $1
	`, id)
	return err
}
