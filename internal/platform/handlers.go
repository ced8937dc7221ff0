package platform

import (
	"backend-transittrack/internal/domain"

	"github.com/gofiber/fiber/v2"
)

type locationsRequest struct {
	Samples []domain.LocationSample `json:"samples"`
}

type locationsResponse struct {
	Dispatched int `json:"dispatched"`
}

// RegisterRoutes exposes the device bridge so a handset (or a simulator)
// can post fixes and permission changes.
func RegisterRoutes(r fiber.Router, d *Device, authMiddleware fiber.Handler) {
	r.Post("/locations", authMiddleware, func(c *fiber.Ctx) error {
		var req locationsRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if len(req.Samples) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "samples required")
		}
		n := d.Deliver(c.UserContext(), req.Samples)
		return c.Status(fiber.StatusAccepted).JSON(locationsResponse{Dispatched: n})
	})

	r.Get("/permissions", authMiddleware, func(c *fiber.Ctx) error {
		return c.JSON(d.Permissions())
	})

	r.Put("/permissions", authMiddleware, func(c *fiber.Ctx) error {
		var req map[string]PermissionStatus
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		for kind, status := range req {
			switch status {
			case PermissionGranted, PermissionDenied, PermissionUndetermined:
			default:
				return fiber.NewError(fiber.StatusBadRequest, "invalid status for "+kind)
			}
			if err := d.SetPermission(kind, status); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		return c.JSON(d.Permissions())
	})
}
