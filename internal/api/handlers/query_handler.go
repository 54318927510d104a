package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/contract-insights/backend/internal/contracts"
	"github.com/contract-insights/backend/internal/middleware/auth"
	"github.com/contract-insights/backend/internal/middleware/validation"
)

type QueryHandler struct {
	service *contracts.Service
}

func NewQueryHandler(service *contracts.Service) *QueryHandler {
	return &QueryHandler{
		service: service,
	}
}

// HandleQuery answers {"question": ...}. A question without supporting
// evidence is a 200 with state "no_evidence", not an error.
func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	question, _ := c.Locals(validation.SanitizedQuestionKey).(string)
	if question == "" {
		var req struct {
			Question string `json:"question"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body.")
		}
		question = req.Question
	}

	res, err := h.service.Query(c.UserContext(), auth.UserID(c), question)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	history, err := h.service.QueryHistory(c.UserContext(), auth.UserID(c), queryLimit(c, 50))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"history": history})
}
