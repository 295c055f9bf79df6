// Command dispatcher hosts the WebhookDispatcher alone, isolated from
// the scanner so a slow or hostile merchant endpoint can never delay
// payment detection.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/config"
	"github.com/cipherpay/backend/internal/db"
	"github.com/cipherpay/backend/internal/keyvault"
	"github.com/cipherpay/backend/internal/store"
	"github.com/cipherpay/backend/internal/webhook"
)

const dispatchPollInterval = 10 * time.Second

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

	vault, err := keyvault.New(cfg.UFVKEncryptionKey)
	if err != nil {
		log.Fatal("invalid UFVK_ENCRYPTION_KEY", zap.Error(err))
	}

	webhookStore := store.NewWebhookStore(pool)

	d := webhook.New(webhookStore, webhookStore, vault, cfg.WebhookMaxAttempts, dispatchPollInterval, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); d.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down dispatcher")
	cancel()
	wg.Wait()
}
