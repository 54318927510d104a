package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/pkg/logger"
)

// respondError writes err as {"error", "kind"[, "stage"]}. Wrapped dependency
// errors never reach the client.
func respondError(c *fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(errorBody(err))
}

func errorBody(err error) fiber.Map {
	body := fiber.Map{
		"error": apperr.UserMessage(err),
		"kind":  apperr.KindOf(err),
	}
	if stage := apperr.StageOf(err); stage != "" {
		body["stage"] = stage
	}
	return body
}

func badRequest(c *fiber.Ctx, msg string) error {
	return respondError(c, apperr.Validation("%s", msg))
}

func queryLimit(c *fiber.Ctx, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 500)
}
