package handlers

import (
	"strings"

	"bugbank/middleware"
	"bugbank/models"
	"bugbank/services"
	"bugbank/store"

	"github.com/gofiber/fiber/v2"
)

func SetupAdminRoutes(app fiber.Router, svc *services.BugService) {
	admin := app.Group("/admin")
	guard := []fiber.Handler{middleware.UserContextMiddleware(), middleware.RequireAdmin()}

	admin.Get("/users", append(guard, func(c *fiber.Ctx) error {
		page, limit := pageParams(c)
		users, total, err := svc.AdminListUsers(c.UserContext(), caller(c), page, limit)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(newPage(users, total, page, limit))
	})...)

	admin.Get("/bugs", append(guard, func(c *fiber.Ctx) error {
		page, limit := pageParams(c)
		filter := store.BugFilter{
			Severity: models.Severity(c.Query("severity")),
			Page:     page,
			Limit:    limit,
		}
		if raw := c.Query("status"); raw != "" {
			for _, st := range strings.Split(raw, ",") {
				filter.Statuses = append(filter.Statuses, models.BugStatus(strings.TrimSpace(st)))
			}
		}
		bugs, total, err := svc.AdminListBugs(c.UserContext(), caller(c), filter)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(newPage(bugs, total, page, limit))
	})...)

	admin.Get("/audits", append(guard, func(c *fiber.Ctx) error {
		page, limit := pageParams(c)
		entries, total, err := svc.AdminListAudits(c.UserContext(), caller(c), page, limit)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(newPage(entries, total, page, limit))
	})...)

	admin.Post("/bugs/:id/close", append(guard, func(c *fiber.Ctx) error {
		res, err := svc.AdminClose(c.UserContext(), caller(c), c.Params("id"))
		return statusReply(c, res, err)
	})...)

	admin.Post("/bugs/:id/reopen", append(guard, func(c *fiber.Ctx) error {
		res, err := svc.AdminReopen(c.UserContext(), caller(c), c.Params("id"))
		return statusReply(c, res, err)
	})...)
}
