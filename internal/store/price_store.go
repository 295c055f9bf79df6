package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PriceStore persists the RateOracle's periodic fetches so a cold start
// or an upstream outage can fall back to the last known rate instead of
// the hardcoded default.
type PriceStore struct {
	pool *pgxpool.Pool
}

func NewPriceStore(pool *pgxpool.Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

func (s *PriceStore) Insert(ctx context.Context, snap *PriceSnapshot) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO price_snapshots (zec_eur, zec_usd, fetched_at)
		VALUES ($1, $2, now())
		RETURNING id, fetched_at
	`, snap.ZECEUR, snap.ZECUSD).Scan(&snap.ID, &snap.FetchedAt)
}

func (s *PriceStore) Latest(ctx context.Context) (*PriceSnapshot, error) {
	var snap PriceSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT id, zec_eur, zec_usd, fetched_at FROM price_snapshots
		ORDER BY fetched_at DESC LIMIT 1
	`).Scan(&snap.ID, &snap.ZECEUR, &snap.ZECUSD, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
