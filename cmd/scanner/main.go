// Command scanner hosts the mempool/block polling loop and the invoice
// expiry/purge workers in one process, isolated from the REST API and
// the webhook dispatcher so neither a slow merchant endpoint nor API
// traffic can ever delay payment detection.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/billing"
	"github.com/cipherpay/backend/internal/chainsource"
	"github.com/cipherpay/backend/internal/config"
	"github.com/cipherpay/backend/internal/db"
	"github.com/cipherpay/backend/internal/events"
	"github.com/cipherpay/backend/internal/keyvault"
	"github.com/cipherpay/backend/internal/lifecycle"
	"github.com/cipherpay/backend/internal/merchant"
	"github.com/cipherpay/backend/internal/scanner"
	"github.com/cipherpay/backend/internal/store"
	"github.com/cipherpay/backend/internal/viewingkey"
)

// scannerLockKey is an arbitrary fixed advisory-lock key: only one
// scanner process may hold it at a time, so a second instance started
// during a deploy blocks here instead of double-processing blocks.
// Grounded on the original implementation having no lease mechanism at
// all (an open question resolved using the existing Postgres pool
// rather than pulling in a new dependency for distributed locking).
const scannerLockKey = 482017

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	lockConn, err := pool.Acquire(ctx)
	if err != nil {
		log.Fatal("failed to acquire connection for scanner lease", zap.Error(err))
	}
	defer lockConn.Release()

	log.Info("waiting for scanner lease")
	if _, err := lockConn.Exec(ctx, "SELECT pg_advisory_lock($1)", scannerLockKey); err != nil {
		log.Fatal("failed to acquire scanner advisory lock", zap.Error(err))
	}
	log.Info("scanner lease acquired")
	defer lockConn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", scannerLockKey)

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	vault, err := keyvault.New(cfg.UFVKEncryptionKey)
	if err != nil {
		log.Fatal("invalid UFVK_ENCRYPTION_KEY", zap.Error(err))
	}

	publisher := events.NewRedisPublisher(rdb, log)

	invStore := store.NewInvoiceStore(pool, log, publisher)
	merchStore := store.NewMerchantStore(pool)
	scannerStore := store.NewScannerStore(pool, log)
	billingStore := store.NewBillingStore(pool)

	keys := viewingkey.New(cfg.Network)
	// The scanner process only ever bootstraps existing merchants into
	// the cache; it never registers one, so the registry needs no
	// billing hook here.
	registry := merchant.New(merchStore, vault, keys, nil)
	if err := registry.Bootstrap(ctx); err != nil {
		log.Fatal("failed to bootstrap viewing key cache", zap.Error(err))
	}
	log.Info("viewing keys installed", zap.Int("merchants", keys.Len()))

	biller := billing.New(billingStore, keys, log, cfg.FeeAddress, cfg.FeeUFVK, cfg.BillingCycleDaysNew, cfg.BillingCycleDaysStandard)
	if err := biller.Bootstrap(); err != nil {
		log.Fatal("failed to install platform fee key", zap.Error(err))
	}
	if biller.Enabled() {
		log.Info("platform fee collection enabled", zap.String("fee_address", cfg.FeeAddress))
	}

	chain := chainsource.New(cfg.ChainSourceBaseURL, cfg.Network, log)
	if err := chain.VerifyNetwork(ctx); err != nil {
		log.Fatal("chain source network mismatch", zap.Error(err))
	}

	sc := scanner.New(chain, keys, invStore, scannerStore, biller, log, cfg.MempoolPollInterval, cfg.BlockPollInterval)
	lc := lifecycle.New(invStore, log)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sc.Run(ctx) }()
	go func() { defer wg.Done(); lc.Run(ctx) }()
	go func() { defer wg.Done(); biller.Run(ctx) }()
	go prune(ctx, scannerStore, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down scanner, waiting for in-flight block to finish")
	cancel()
	wg.Wait()
}

// prune periodically clears seen_txs entries well past the mempool TTL,
// so the dedup table does not grow unbounded over the life of the
// process.
func prune(ctx context.Context, scannerStore *store.ScannerStore, log *zap.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-48 * time.Hour)
			n, err := scannerStore.PruneSeenTxs(ctx, cutoff)
			if err != nil {
				log.Warn("seen-tx prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("pruned seen-tx entries", zap.Int64("rows", n))
			}
		}
	}
}
