// Package rateoracle resolves the ZEC/EUR and ZEC/USD rates invoices are
// priced against: a short Redis-cached read of an upstream quote API,
// falling back to the last persisted snapshot and then to a hardcoded
// default if both are unavailable, per spec.md §4.3.
package rateoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/store"
)

const (
	cacheKey        = "cipherpay:rate:zec"
	fallbackZECEUR  = 220.0
	fallbackZECUSD  = 240.0
)

// Rates is the quote returned to callers.
type Rates struct {
	ZECEUR float64 `json:"zec_eur"`
	ZECUSD float64 `json:"zec_usd"`
	Stale  bool    `json:"stale"` // true when serving the hardcoded fallback
}

type SnapshotStore interface {
	Insert(ctx context.Context, snap *store.PriceSnapshot) error
	Latest(ctx context.Context) (*store.PriceSnapshot, error)
}

type Oracle struct {
	apiURL     string
	cacheTTL   time.Duration
	rdb        *redis.Client
	snapshots  SnapshotStore
	http       *http.Client
	log        *zap.Logger
}

func New(apiURL string, cacheTTLSecs int, rdb *redis.Client, snapshots SnapshotStore, log *zap.Logger) *Oracle {
	return &Oracle{
		apiURL:    apiURL,
		cacheTTL:  time.Duration(cacheTTLSecs) * time.Second,
		rdb:       rdb,
		snapshots: snapshots,
		http:      &http.Client{Timeout: 5 * time.Second},
		log:       log,
	}
}

// CurrentRates returns the best currently-available quote. The Redis
// cache is checked first; a miss triggers an upstream fetch which, on
// success, refreshes both the cache and the durable snapshot so a
// future restart has something to fall back to. Any failure along the
// way falls through to the next tier rather than propagating an error,
// since invoice creation should never hard-fail on a pricing outage.
func (o *Oracle) CurrentRates(ctx context.Context) Rates {
	if cached, ok := o.readCache(ctx); ok {
		return cached
	}

	if fetched, ok := o.fetchUpstream(ctx); ok {
		o.writeCache(ctx, fetched)
		_ = o.snapshots.Insert(ctx, &store.PriceSnapshot{ZECEUR: fetched.ZECEUR, ZECUSD: fetched.ZECUSD})
		return fetched
	}

	if snap, err := o.snapshots.Latest(ctx); err == nil && snap != nil {
		o.log.Warn("rate oracle falling back to last persisted snapshot")
		return Rates{ZECEUR: snap.ZECEUR, ZECUSD: snap.ZECUSD}
	}

	o.log.Warn("rate oracle falling back to hardcoded default rate")
	return Rates{ZECEUR: fallbackZECEUR, ZECUSD: fallbackZECUSD, Stale: true}
}

func (o *Oracle) readCache(ctx context.Context) (Rates, bool) {
	raw, err := o.rdb.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return Rates{}, false
	}
	var r Rates
	if err := json.Unmarshal(raw, &r); err != nil {
		return Rates{}, false
	}
	return r, true
}

func (o *Oracle) writeCache(ctx context.Context, r Rates) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := o.rdb.Set(ctx, cacheKey, raw, o.cacheTTL).Err(); err != nil {
		o.log.Warn("rate cache write failed", zap.Error(err))
	}
}

func (o *Oracle) fetchUpstream(ctx context.Context) (Rates, bool) {
	url := fmt.Sprintf("%s/simple/price?ids=zcash&vs_currencies=eur,usd", o.apiURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Rates{}, false
	}

	resp, err := o.http.Do(req)
	if err != nil {
		o.log.Warn("rate oracle upstream fetch failed", zap.Error(err))
		return Rates{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.log.Warn("rate oracle upstream returned non-200", zap.Int("status", resp.StatusCode))
		return Rates{}, false
	}

	var body struct {
		Zcash struct {
			EUR float64 `json:"eur"`
			USD float64 `json:"usd"`
		} `json:"zcash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		o.log.Warn("rate oracle upstream decode failed", zap.Error(err))
		return Rates{}, false
	}
	if body.Zcash.EUR <= 0 || body.Zcash.USD <= 0 {
		return Rates{}, false
	}

	return Rates{ZECEUR: body.Zcash.EUR, ZECUSD: body.Zcash.USD}, true
}
