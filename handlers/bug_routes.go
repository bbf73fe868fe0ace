package handlers

import (
	"strconv"

	"bugbank/middleware"
	"bugbank/models"
	"bugbank/services"

	"github.com/gofiber/fiber/v2"
)

type createBugRequest struct {
	Title       string `json:"title" validate:"required,min=3,max=200"`
	Description string `json:"description" validate:"required,min=10"`
	Severity    string `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	RewardXP    int64  `json:"reward_xp" validate:"min=0"`
}

type submitFixRequest struct {
	Snippet string `json:"snippet" validate:"max=20000"`
	PRLink  string `json:"pr_link" validate:"omitempty,max=2048"`
}

type reviewRequest struct {
	SubmissionID string `json:"submission_id" validate:"required"`
	Comment      string `json:"comment" validate:"max=2000"`
}

func SetupBugRoutes(app fiber.Router, svc *services.BugService) {
	bugs := app.Group("/bugs")
	auth := middleware.UserContextMiddleware()

	// "my" views go first so /bugs/:id does not swallow them
	bugs.Get("/my/reported", auth, func(c *fiber.Ctx) error {
		out, err := svc.MyReported(c.UserContext(), caller(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(out)
	})
	bugs.Get("/my/solved", auth, func(c *fiber.Ctx) error {
		out, err := svc.MySolved(c.UserContext(), caller(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(out)
	})
	bugs.Get("/my/pending-rewards", auth, func(c *fiber.Ctx) error {
		out, err := svc.MyPendingRewards(c.UserContext(), caller(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(out)
	})

	// public reads
	// every active bug unless ?page or ?limit asks for a slice;
	// X-Total-Count always carries the full count
	bugs.Get("/", func(c *fiber.Ctx) error {
		page, limit := 0, 0
		if c.Query("page") != "" || c.Query("limit") != "" {
			page, limit = pageParams(c)
		}
		out, total, err := svc.ListActive(c.UserContext(), page, limit)
		if err != nil {
			return respondError(c, err)
		}
		c.Set("X-Total-Count", strconv.FormatInt(total, 10))
		return c.JSON(out)
	})
	bugs.Get("/:id", func(c *fiber.Ctx) error {
		bug, err := svc.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(bug)
	})

	bugs.Post("/", auth, func(c *fiber.Ctx) error {
		var req createBugRequest
		if err := bindJSON(c, &req); err != nil {
			return respondError(c, err)
		}
		bug, err := svc.Create(c.UserContext(), caller(c), services.CreateBugInput{
			Title:       req.Title,
			Description: req.Description,
			Severity:    models.Severity(req.Severity),
			RewardXP:    req.RewardXP,
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(bug)
	})

	bugs.Post("/:id/claim", auth, func(c *fiber.Ctx) error {
		res, err := svc.Claim(c.UserContext(), c.Params("id"), caller(c))
		return statusReply(c, res, err)
	})

	bugs.Post("/:id/submit-fix", auth, func(c *fiber.Ctx) error {
		var req submitFixRequest
		if err := bindJSON(c, &req); err != nil {
			return respondError(c, err)
		}
		res, err := svc.SubmitFix(c.UserContext(), c.Params("id"), caller(c), req.Snippet, req.PRLink)
		return statusReply(c, res, err)
	})

	bugs.Post("/:id/verify", auth, func(c *fiber.Ctx) error {
		var req reviewRequest
		if err := bindJSON(c, &req); err != nil {
			return respondError(c, err)
		}
		res, err := svc.Verify(c.UserContext(), c.Params("id"), caller(c), req.SubmissionID)
		return statusReply(c, res, err)
	})

	bugs.Post("/:id/reject", auth, func(c *fiber.Ctx) error {
		var req reviewRequest
		if err := bindJSON(c, &req); err != nil {
			return respondError(c, err)
		}
		res, err := svc.Reject(c.UserContext(), c.Params("id"), caller(c), req.SubmissionID, req.Comment)
		return statusReply(c, res, err)
	})

	bugs.Post("/:id/claim-reward", auth, func(c *fiber.Ctx) error {
		res, err := svc.ClaimReward(c.UserContext(), c.Params("id"), caller(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "reward": res.Reward, "status": res.Status})
	})
}

func statusReply(c *fiber.Ctx, res services.StatusResult, err error) error {
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "status": res.Status})
}
