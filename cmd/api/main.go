// Command api hosts the thin merchant-facing REST surface and the
// admin/dashboard websocket push — no scanning or webhook delivery
// happens in this process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/billing"
	"github.com/cipherpay/backend/internal/config"
	"github.com/cipherpay/backend/internal/db"
	"github.com/cipherpay/backend/internal/events"
	"github.com/cipherpay/backend/internal/httpapi"
	"github.com/cipherpay/backend/internal/httpapi/handlers"
	"github.com/cipherpay/backend/internal/invoice"
	"github.com/cipherpay/backend/internal/keyvault"
	"github.com/cipherpay/backend/internal/merchant"
	"github.com/cipherpay/backend/internal/rateoracle"
	"github.com/cipherpay/backend/internal/store"
	"github.com/cipherpay/backend/internal/viewingkey"
)

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
	subscriber := events.NewRedisSubscriber(rdb, log)

	invStore := store.NewInvoiceStore(pool, log, publisher)
	merchStore := store.NewMerchantStore(pool)
	priceStore := store.NewPriceStore(pool)
	billingStore := store.NewBillingStore(pool)

	keys := viewingkey.New(cfg.Network)
	biller := billing.New(billingStore, keys, log, cfg.FeeAddress, cfg.FeeUFVK, cfg.BillingCycleDaysNew, cfg.BillingCycleDaysStandard)
	if err := biller.Bootstrap(); err != nil {
		log.Fatal("failed to install platform fee key", zap.Error(err))
	}

	registry := merchant.New(merchStore, vault, keys, biller)
	if err := registry.Bootstrap(ctx); err != nil {
		log.Fatal("failed to bootstrap viewing key cache", zap.Error(err))
	}

	rates := rateoracle.New(cfg.CoingeckoAPIURL, cfg.PriceCacheSecs, rdb, priceStore, log)
	invoices := invoice.New(invStore, rates, cfg.InvoiceExpiryMinutes, cfg.DataPurgeDays)

	merchantHandler := handlers.NewMerchantHandler(registry, log)
	invoiceHandler := handlers.NewInvoiceHandler(invoices, log)
	rateHandler := handlers.NewRateHandler(rates)
	adminHandler := handlers.NewAdminHandler(cfg, biller, log)
	wsHub := handlers.NewWSHub(subscriber, log)
	wsHub.Start(ctx)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	httpapi.SetupRouter(app, cfg, log, rdb, registry, merchantHandler, invoiceHandler, rateHandler, adminHandler, wsHub)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down api")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
