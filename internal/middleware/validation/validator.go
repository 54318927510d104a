package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// SanitizedQuestionKey holds the cleaned question in request locals.
const SanitizedQuestionKey = "sanitized_question"

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxQuestionLength int
	// MaxUploadBytes bounds a whole upload request body.
	MaxUploadBytes      int64
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionLength == 0 {
		cfg.MaxQuestionLength = 2000
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON, fiber.MIMEMultipartForm}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !allowed(contentType, cfg.AllowedContentTypes) {
				return reject(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
			}
		}

		path := c.Path()

		if c.Method() == fiber.MethodPost && strings.HasSuffix(path, "/query") {
			var req struct {
				Question string `json:"question"`
			}
			if err := c.BodyParser(&req); err != nil {
				return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
			}

			question := sanitizeString(req.Question)
			if question == "" {
				return reject(c, fiber.StatusBadRequest, "Question is required")
			}
			if utf8.RuneCountInString(question) > cfg.MaxQuestionLength {
				return reject(c, fiber.StatusBadRequest, "Question exceeds maximum length")
			}
			if containsXSS(question) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("path", path),
				)
				return reject(c, fiber.StatusBadRequest, "Invalid question content")
			}

			c.Locals(SanitizedQuestionKey, question)
		}

		if c.Method() == fiber.MethodPost && strings.HasSuffix(path, "/documents") {
			if n := int64(c.Request().Header.ContentLength()); n > cfg.MaxUploadBytes {
				return reject(c, fiber.StatusRequestEntityTooLarge, "Upload exceeds maximum size")
			}
		}

		return c.Next()
	}
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
		"kind":  "validation",
	})
}

func allowed(contentType string, types []string) bool {
	for _, t := range types {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
