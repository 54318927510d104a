package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/contract-insights/backend/internal/contracts"
	"github.com/contract-insights/backend/internal/middleware/auth"
)

type InsightsHandler struct {
	service *contracts.Service
}

func NewInsightsHandler(service *contracts.Service) *InsightsHandler {
	return &InsightsHandler{service: service}
}

// ListInsights returns the newest insights across all of the user's contracts.
func (h *InsightsHandler) ListInsights(c *fiber.Ctx) error {
	found, err := h.service.ListUserInsights(c.UserContext(), auth.UserID(c), queryLimit(c, 50))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"insights": found})
}

func (h *InsightsHandler) GetStats(c *fiber.Ctx) error {
	st, err := h.service.Stats(c.UserContext(), auth.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(st)
}
