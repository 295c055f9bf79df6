package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cipherpay/backend/internal/auth"
	"github.com/cipherpay/backend/internal/config"
	"github.com/cipherpay/backend/internal/httpapi/dto"
	"github.com/cipherpay/backend/internal/store"
)

// BillingReader is the subset of billing.Service the admin dashboard
// needs for its billing overview.
type BillingReader interface {
	ListOpenCycles(ctx context.Context) ([]store.BillingCycle, error)
}

// AdminHandler serves the admin-only routes behind AdminJWTMiddleware:
// a single shared operator credential (there is no per-admin account
// table), and read access to the platform's billing cycles.
type AdminHandler struct {
	cfg     *config.Config
	billing BillingReader
	log     *zap.Logger
}

func NewAdminHandler(cfg *config.Config, billing BillingReader, log *zap.Logger) *AdminHandler {
	return &AdminHandler{cfg: cfg, billing: billing, log: log}
}

// Login checks the submitted password against the configured bcrypt
// hash and, on success, issues a short-lived admin session token —
// the same GenerateJWT call the middleware it protects verifies with
// ParseJWT.
func (h *AdminHandler) Login(c *fiber.Ctx) error {
	if h.cfg.AdminPasswordHash == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: "admin login is not configured"})
	}

	var req dto.AdminLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	if bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminPasswordHash), []byte(req.Password)) != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid password"})
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, "admin", h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("admin jwt generation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to issue token"})
	}

	return c.JSON(dto.AdminLoginResponse{Token: token})
}

// ListBillingCycles returns every merchant's currently open
// fee-settlement cycle.
func (h *AdminHandler) ListBillingCycles(c *fiber.Ctx) error {
	cycles, err := h.billing.ListOpenCycles(c.Context())
	if err != nil {
		h.log.Error("list open billing cycles failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to list billing cycles"})
	}

	out := make([]dto.BillingCycleResponse, 0, len(cycles))
	for _, bc := range cycles {
		out = append(out, dto.BillingCycleResponse{
			ID:             bc.ID.String(),
			MerchantID:     bc.MerchantID.String(),
			CycleCode:      bc.CycleCode,
			CycleKind:      bc.CycleKind,
			PeriodStart:    bc.PeriodStart,
			PeriodEnd:      bc.PeriodEnd,
			FeeZatsAccrued: bc.FeeZatsAccrued,
			SettledAt:      bc.SettledAt,
		})
	}
	return c.JSON(out)
}
