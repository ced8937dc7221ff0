package ping

import (
	"backend-transittrack/internal/shared/httperr"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, ch *Channel, authMiddleware fiber.Handler) {
	r.Get("/", authMiddleware, func(c *fiber.Ctx) error {
		return c.JSON(ch.State())
	})

	r.Post("/:id/acknowledge", authMiddleware, func(c *fiber.Ctx) error {
		if err := ch.Acknowledge(c.UserContext(), c.Params("id")); err != nil {
			return httperr.From(err)
		}
		return c.JSON(ch.State())
	})

	r.Post("/:id/complete", authMiddleware, func(c *fiber.Ctx) error {
		if err := ch.Complete(c.UserContext(), c.Params("id")); err != nil {
			return httperr.From(err)
		}
		return c.JSON(ch.State())
	})
}
