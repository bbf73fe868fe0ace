package middleware

import (
	"slices"
	"strings"

	"bugbank/models"
	"bugbank/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const callerKey = "caller"

// UserContextMiddleware resolves the caller from the identity headers set by
// the gateway. A missing or malformed X-User-ID is rejected with 401.
// X-User-Roles is a comma list. Every known role is granted; the first one
// is the primary role. No known role means solver.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rawID := strings.TrimSpace(c.Get("X-User-ID"))
		if rawID == "" {
			log.Warnf("❌ [USER_CTX] X-User-ID missing on %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID",
			})
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			log.Warnf("❌ [USER_CTX] invalid X-User-ID %q on %s", rawID, c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid X-User-ID",
			})
		}

		primary, roles := parseRoles(c.Get("X-User-Roles"))
		caller := services.Caller{ID: id.String(), Role: primary, Roles: roles}
		c.Locals(callerKey, caller)

		log.WithFields(log.Fields{"user_id": caller.ID, "roles": caller.Roles, "path": c.Path()}).
			Debug("👤 [USER_CTX] caller resolved")
		return c.Next()
	}
}

func parseRoles(header string) (models.UserRole, []models.UserRole) {
	var roles []models.UserRole
	for _, r := range strings.Split(header, ",") {
		if role, ok := models.ParseRole(strings.ToLower(strings.TrimSpace(r))); ok && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return models.RoleSolver, []models.UserRole{models.RoleSolver}
	}
	return roles[0], roles
}

// CallerFrom returns the caller stored by UserContextMiddleware.
func CallerFrom(c *fiber.Ctx) (services.Caller, bool) {
	caller, ok := c.Locals(callerKey).(services.Caller)
	return caller, ok
}

// RequireAdmin rejects non-admin callers with 403.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller, ok := CallerFrom(c)
		if !ok || !caller.IsAdmin() {
			log.Warnf("🚫 [USER_CTX] admin route %s denied for %s", c.Path(), caller.ID)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Admin only"})
		}
		return c.Next()
	}
}
