package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/httpapi/dto"
	"github.com/cipherpay/backend/internal/merchant"
	"github.com/cipherpay/backend/internal/middleware"
	"github.com/cipherpay/backend/internal/store"
)

type MerchantHandler struct {
	registry *merchant.Registry
	log      *zap.Logger
}

func NewMerchantHandler(registry *merchant.Registry, log *zap.Logger) *MerchantHandler {
	return &MerchantHandler{registry: registry, log: log}
}

func (h *MerchantHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateMerchantRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.Name == "" || req.UFVK == "" || req.PaymentAddr == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "name, ufvk, and payment_address are required"})
	}
	if req.Network == "" {
		req.Network = "mainnet"
	}

	m, apiKey, err := h.registry.Register(c.Context(), req.Name, req.Network, req.UFVK, req.PaymentAddr, req.WebhookURL)
	if err != nil {
		h.log.Warn("merchant registration failed", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	resp := merchantToDTO(m)
	resp.APIKey = apiKey
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *MerchantHandler) GetByID(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid merchant id"})
	}

	m := middleware.MerchantFromContext(c)
	if m == nil || m.ID != id {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "forbidden"})
	}

	return c.JSON(merchantToDTO(m))
}

func (h *MerchantHandler) RotateKey(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid merchant id"})
	}

	m := middleware.MerchantFromContext(c)
	if m == nil || m.ID != id {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "forbidden"})
	}

	var req dto.RotateKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	if err := h.registry.Rotate(c.Context(), id, req.UFVK, req.PaymentAddr); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "merchant not found"})
		}
		h.log.Warn("key rotation failed", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(fiber.Map{"status": "rotated"})
}

func merchantToDTO(m *store.Merchant) dto.MerchantResponse {
	return dto.MerchantResponse{
		ID:             m.ID.String(),
		Name:           m.Name,
		Network:        m.Network,
		PaymentAddress: m.PaymentAddress,
		WebhookURL:     m.WebhookURL,
		CreatedAt:      m.CreatedAt,
	}
}
