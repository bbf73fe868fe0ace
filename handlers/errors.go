package handlers

import (
	"errors"
	"strconv"

	"bugbank/middleware"
	"bugbank/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	log "github.com/sirupsen/logrus"
)

var validate = validator.New()

// respondError maps classified service errors to their status codes.
// Anything unclassified is a 500 with a generic body.
func respondError(c *fiber.Ctx, err error) error {
	var svcErr *services.Error
	if errors.As(err, &svcErr) {
		status := fiber.StatusInternalServerError
		switch svcErr.Kind {
		case services.KindNotFound:
			status = fiber.StatusNotFound
		case services.KindForbidden:
			status = fiber.StatusForbidden
		case services.KindConflict:
			status = fiber.StatusConflict
		case services.KindInvalid:
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{"error": svcErr.Reason})
	}

	log.WithFields(log.Fields{
		"request_id": requestID(c),
		"path":       c.Path(),
	}).Errorf("[HTTP] ❌ unhandled error: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
}

// bindJSON parses the body into dst and runs struct validation. An empty body
// is treated as "{}" so optional-only payloads can be omitted. Failures come
// back as KindInvalid errors for respondError.
func bindJSON(c *fiber.Ctx, dst any) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(dst); err != nil {
			return &services.Error{Kind: services.KindInvalid, Reason: "Invalid request body"}
		}
	}
	if err := validate.Struct(dst); err != nil {
		return &services.Error{Kind: services.KindInvalid, Reason: validationMessage(err)}
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fe.Field() + " failed on " + fe.Tag()
	}
	return "Invalid request"
}

func caller(c *fiber.Ctx) services.Caller {
	cl, _ := middleware.CallerFrom(c)
	return cl
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok {
		return id
	}
	return ""
}

func pageParams(c *fiber.Ctx) (int, int) {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", strconv.Itoa(services.DefaultPageSize)))
	return services.NormalizePage(page, limit)
}

type pageResponse[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Pages int64 `json:"pages"`
}

func newPage[T any](items []T, total int64, page, limit int) pageResponse[T] {
	if items == nil {
		items = []T{}
	}
	pages := (total + int64(limit) - 1) / int64(limit)
	return pageResponse[T]{Items: items, Total: total, Page: page, Pages: pages}
}
