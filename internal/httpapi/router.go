// Package httpapi wires the merchant-facing REST surface and the
// admin/dashboard websocket push described in SPEC_FULL.md §6.6-6.7.
package httpapi

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/config"
	"github.com/cipherpay/backend/internal/httpapi/handlers"
	"github.com/cipherpay/backend/internal/merchant"
	"github.com/cipherpay/backend/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	registry *merchant.Registry,
	merchantHandler *handlers.MerchantHandler,
	invoiceHandler *handlers.InvoiceHandler,
	rateHandler *handlers.RateHandler,
	adminHandler *handlers.AdminHandler,
	wsHub *handlers.WSHub,
) {
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(cfg.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-API-Key",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	api.Get("/rates", rateHandler.Current)

	// Merchant onboarding is unauthenticated (it mints the credential);
	// every other merchant route requires the key it returns.
	api.Post("/merchants", merchantHandler.Create)

	protected := api.Group("", middleware.APIKeyMiddleware(registry, log))

	protected.Get("/merchants/:id", merchantHandler.GetByID)
	protected.Post("/merchants/:id/rotate-key", merchantHandler.RotateKey)

	protected.Post("/invoices", invoiceHandler.Create)
	protected.Get("/invoices/:id", invoiceHandler.GetByID)
	protected.Get("/invoices/by-memo/:code", invoiceHandler.GetByMemoCode)
	protected.Post("/invoices/:id/cancel", invoiceHandler.Cancel)
	protected.Post("/invoices/:id/ship", invoiceHandler.Ship)
	protected.Post("/invoices/:id/refund", invoiceHandler.Refund)

	// Admin dashboard session auth: a short-lived JWT rather than the
	// merchant API key above, since this is a browser session, not a
	// backend integration.
	api.Post("/admin/login", adminHandler.Login)
	admin := api.Group("/admin", middleware.AdminJWTMiddleware(cfg, log))
	admin.Get("/billing-cycles", adminHandler.ListBillingCycles)

	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	out := origins[0]
	for _, o := range origins[1:] {
		out += "," + o
	}
	return out
}
