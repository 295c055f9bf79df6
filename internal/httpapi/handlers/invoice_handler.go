package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cipherpay/backend/internal/httpapi/dto"
	"github.com/cipherpay/backend/internal/invoice"
	"github.com/cipherpay/backend/internal/middleware"
	"github.com/cipherpay/backend/internal/store"
)

type InvoiceHandler struct {
	service *invoice.Service
	log     *zap.Logger
}

func NewInvoiceHandler(service *invoice.Service, log *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{service: service, log: log}
}

func (h *InvoiceHandler) Create(c *fiber.Ctx) error {
	m := middleware.MerchantFromContext(c)
	if m == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unauthenticated"})
	}

	var req dto.CreateInvoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.PriceEUR <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "price_eur must be positive"})
	}

	inv, err := h.service.Create(c.Context(), invoice.CreateParams{
		MerchantID:      m.ID,
		PriceEUR:        req.PriceEUR,
		Currency:        req.Currency,
		Description:     req.Description,
		Metadata:        req.Metadata,
		ShippingAlias:   req.ShippingAlias,
		ShippingAddress: req.ShippingAddress,
		ShippingRegion:  req.ShippingRegion,
	})
	if err != nil {
		h.log.Warn("invoice creation failed", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(invoiceToDTO(inv))
}

func (h *InvoiceHandler) GetByID(c *fiber.Ctx) error {
	m := middleware.MerchantFromContext(c)
	if m == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unauthenticated"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	inv, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return notFoundOrError(c, err)
	}
	if inv.MerchantID != m.ID {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "forbidden"})
	}

	return c.JSON(invoiceToDTO(inv))
}

func (h *InvoiceHandler) GetByMemoCode(c *fiber.Ctx) error {
	m := middleware.MerchantFromContext(c)
	if m == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unauthenticated"})
	}

	code := c.Params("code")

	inv, err := h.service.GetByMemoCode(c.Context(), code)
	if err != nil {
		return notFoundOrError(c, err)
	}
	if inv.MerchantID != m.ID {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "forbidden"})
	}

	return c.JSON(invoiceToDTO(inv))
}

// Cancel, Ship, and Refund are merchant-initiated admin actions on an
// invoice already owned by the authenticated merchant; each maps to a
// single conditional transition in the store and is a no-op (reported
// as a conflict) if the invoice is not in the required starting state.
func (h *InvoiceHandler) Cancel(c *fiber.Ctx) error {
	return h.transition(c, h.service.Cancel)
}

func (h *InvoiceHandler) Ship(c *fiber.Ctx) error {
	return h.transition(c, h.service.Ship)
}

func (h *InvoiceHandler) Refund(c *fiber.Ctx) error {
	return h.transition(c, h.service.Refund)
}

func (h *InvoiceHandler) transition(c *fiber.Ctx, do func(ctx context.Context, id uuid.UUID) error) error {
	m := middleware.MerchantFromContext(c)
	if m == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unauthenticated"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice id"})
	}

	inv, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return notFoundOrError(c, err)
	}
	if inv.MerchantID != m.ID {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "forbidden"})
	}

	if err := do(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrUnexpectedStatus) {
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "invoice is not in a state that allows this transition"})
		}
		h.log.Error("invoice transition failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	inv, err = h.service.GetByID(c.Context(), id)
	if err != nil {
		return notFoundOrError(c, err)
	}
	return c.JSON(invoiceToDTO(inv))
}

func notFoundOrError(c *fiber.Ctx, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "invoice not found"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
}

func invoiceToDTO(inv *store.Invoice) dto.InvoiceResponse {
	return dto.InvoiceResponse{
		ID:           inv.ID.String(),
		MemoCode:     inv.MemoCode,
		PriceEUR:     inv.PriceEUR,
		PriceZEC:     inv.PriceZEC,
		Currency:     inv.Currency,
		Status:       inv.Status,
		Description:  inv.Description,
		Metadata:     inv.Metadata,
		DetectedTxid: inv.DetectedTxid,
		ExpiresAt:    inv.ExpiresAt,
		CreatedAt:    inv.CreatedAt,
	}
}
