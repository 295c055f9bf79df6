package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cipherpay/backend/internal/httpapi/dto"
	"github.com/cipherpay/backend/internal/rateoracle"
)

type RateHandler struct {
	oracle *rateoracle.Oracle
}

func NewRateHandler(oracle *rateoracle.Oracle) *RateHandler {
	return &RateHandler{oracle: oracle}
}

func (h *RateHandler) Current(c *fiber.Ctx) error {
	r := h.oracle.CurrentRates(c.Context())
	return c.JSON(dto.RatesResponse{ZECEUR: r.ZECEUR, ZECUSD: r.ZECUSD, Stale: r.Stale})
}
