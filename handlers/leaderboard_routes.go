package handlers

import (
	"bugbank/services"

	"github.com/gofiber/fiber/v2"
)

func SetupLeaderboardRoutes(app fiber.Router, svc *services.LeaderboardService) {
	app.Get("/leaderboard", func(c *fiber.Ctx) error {
		entries, err := svc.Top(c.UserContext(), c.QueryInt("limit", services.LeaderboardDefault))
		if err != nil {
			return respondError(c, err)
		}
		if entries == nil {
			entries = []services.LeaderboardEntry{}
		}
		return c.JSON(entries)
	})
}
