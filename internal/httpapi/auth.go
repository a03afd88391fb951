package httpapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
)

// ScopeWrite is required on endpoints that generate or mutate data.
const ScopeWrite = "forecasts:write"

type localsKey string

const (
	userKey   localsKey = "user_id"
	scopesKey localsKey = "scopes"
)

// Claims is the JWT payload accepted by the API.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the claims grant scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// authenticate validates an HMAC-signed bearer token. /health and /metrics
// are always open.
func authenticate(secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" || c.Path() == "/metrics" {
			return c.Next()
		}

		scheme, token, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		if !ok || scheme != "Bearer" || token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Missing or malformed JWT")
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fiber.ErrUnauthorized
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid or expired JWT")
		}

		c.Locals(userKey, claims.Subject)
		c.Locals(scopesKey, claims)
		return c.Next()
	}
}

// requireScope rejects requests whose token lacks scope. It passes
// everything through when auth is disabled.
func (s *Server) requireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(s.deps.JWTSecret) == 0 {
			return c.Next()
		}
		claims, ok := c.Locals(scopesKey).(*Claims)
		if !ok || !claims.HasScope(scope) {
			return fiber.NewError(fiber.StatusForbidden, "Missing scope "+scope)
		}
		return c.Next()
	}
}
