package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/auth"
	"github.com/cipherpay/backend/internal/config"
	"github.com/cipherpay/backend/internal/merchant"
	"github.com/cipherpay/backend/internal/store"
)

const (
	CtxMerchant = "merchant"
	CtxAdminID  = "admin_id"
)

// APIKeyMiddleware authenticates merchant-facing requests against the
// X-API-Key header per §6.6 — a long-lived bearer credential, never a
// JWT, since a merchant integration is a backend service rather than a
// browser session that benefits from short-lived tokens.
func APIKeyMiddleware(registry *merchant.Registry, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := c.Get("X-API-Key")
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing X-API-Key header"})
		}

		m, err := registry.Authenticate(c.Context(), apiKey)
		if err != nil {
			if errors.Is(err, merchant.ErrDisabled) {
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "merchant account disabled"})
			}
			log.Debug("api key auth failed", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid api key"})
		}

		c.Locals(CtxMerchant, m)
		return c.Next()
	}
}

// MerchantFromContext returns the authenticated merchant set by
// APIKeyMiddleware, or nil if called outside that middleware's chain.
func MerchantFromContext(c *fiber.Ctx) *store.Merchant {
	m, _ := c.Locals(CtxMerchant).(*store.Merchant)
	return m
}

// AdminJWTMiddleware authenticates the admin dashboard's short-lived
// session token, distinct from the merchant API-key flow above.
func AdminJWTMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing or malformed authorization header"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("admin jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxAdminID, claims.AdminID)
		return c.Next()
	}
}

func AdminID(c *fiber.Ctx) string {
	id, _ := c.Locals(CtxAdminID).(string)
	return id
}
