package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bugbank/middleware"
	"bugbank/services"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

// DefaultStreamPoll is how often the XP stream checks the ledger.
const DefaultStreamPoll = 2 * time.Second

func SetupProfileRoutes(app fiber.Router, svc *services.ProfileService, poll time.Duration) {
	if poll <= 0 {
		poll = DefaultStreamPoll
	}
	me := app.Group("/me")
	auth := middleware.UserContextMiddleware()

	me.Get("/", auth, func(c *fiber.Ctx) error {
		profile, err := svc.Me(c.UserContext(), caller(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(profile)
	})

	me.Get("/xp", auth, func(c *fiber.Ctx) error {
		page, limit := pageParams(c)
		rows, total, err := svc.XPHistory(c.UserContext(), caller(c), page, limit)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(newPage(rows, total, page, limit))
	})

	// Server-sent events: one "xp" event per ledger row credited after the
	// stream opened.
	me.Get("/xp/stream", auth, func(c *fiber.Ctx) error {
		userID := caller(c).ID
		since, err := svc.LatestCredit(c.UserContext(), userID)
		if err != nil {
			return respondError(c, err)
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		done := c.Context().Done()
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				select {
				case <-done:
					cancel()
				case <-ctx.Done():
				}
			}()
			pumpCredits(ctx, w, svc, userID, since, poll)
		})
		return nil
	})
}

// pumpCredits writes ledger rows newer than since until ctx ends or the
// client goes away.
func pumpCredits(ctx context.Context, w *bufio.Writer, svc *services.ProfileService, userID string, since time.Time, every time.Duration) {
	// keepalive comment so proxies flush headers
	_, _ = w.WriteString(":\n\n")
	if err := w.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			rows, err := svc.CreditsAfter(pollCtx, userID, since)
			cancel()
			if err != nil {
				log.WithField("user_id", userID).Warnf("[SSE] ⚠️ ledger poll failed: %v", err)
				rows = nil
			}
			if len(rows) == 0 {
				// idle ticks still write, so a gone client is noticed
				_, _ = w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					log.WithField("user_id", userID).Debug("[SSE] client disconnected")
					return
				}
				continue
			}
			since = rows[len(rows)-1].CreatedAt

			for _, r := range rows {
				payload, _ := json.Marshal(r)
				fmt.Fprintf(w, "event: xp\ndata: %s\n\n", payload)
			}
			if err := w.Flush(); err != nil {
				log.WithField("user_id", userID).Debug("[SSE] client disconnected")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
