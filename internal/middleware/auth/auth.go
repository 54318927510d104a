// Package auth resolves the calling user. Sessions are owned by an external
// provider; this service only reads the identity it vouches for.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	ModeHeader = "header"
	ModeJWT    = "jwt"

	DefaultHeader = "X-User-ID"

	// LocalsKey holds the user ID in request and websocket locals.
	LocalsKey = "user_id"
)

type Config struct {
	Mode      string
	Header    string
	JWTSecret string
	// JWTIssuer, when set, must match the token's iss claim.
	JWTIssuer string
	Logger    *zap.Logger
}

// Middleware stores the authenticated user ID in the request locals and
// rejects requests without one.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Header == "" {
		cfg.Header = DefaultHeader
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		var (
			userID string
			err    error
		)
		switch cfg.Mode {
		case ModeJWT:
			userID, err = fromBearer(c.Get(fiber.HeaderAuthorization), cfg)
			if err == nil && userID == "" {
				// Browsers cannot set headers on websocket upgrades.
				userID, err = fromToken(c.Query("access_token"), cfg)
			}
		default:
			userID = strings.TrimSpace(c.Get(cfg.Header))
		}

		if err != nil || userID == "" {
			cfg.Logger.Debug("Unauthenticated request",
				zap.String("path", c.Path()),
				zap.String("ip", c.IP()),
				zap.Error(err),
			)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Sign in to continue.",
				"kind":  "unauthorized",
			})
		}

		c.Locals(LocalsKey, userID)
		return c.Next()
	}
}

// UserID returns the user set by Middleware, or "".
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalsKey).(string)
	return id
}

func fromBearer(header string, cfg Config) (string, error) {
	if header == "" {
		return "", nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("authorization header is not a bearer token")
	}
	return fromToken(token, cfg)
}

func fromToken(token string, cfg Config) (string, error) {
	if token == "" {
		return "", nil
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}
