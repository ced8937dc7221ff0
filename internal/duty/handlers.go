package duty

import (
	"backend-transittrack/internal/auth"
	"backend-transittrack/internal/shared/httperr"

	"github.com/gofiber/fiber/v2"
)

type startTripRequest struct {
	VehicleID string `json:"vehicle_id"`
}

type foregroundRequest struct {
	Visible *bool `json:"visible"`
}

func RegisterRoutes(r fiber.Router, m *Machine, authMiddleware fiber.Handler) {
	r.Get("/", authMiddleware, func(c *fiber.Ctx) error {
		return c.JSON(m.Snapshot())
	})

	r.Post("/trip", authMiddleware, func(c *fiber.Ctx) error {
		var req startTripRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		session, err := m.StartTrip(c.UserContext(), auth.DriverID(c), req.VehicleID)
		if err != nil {
			return httperr.From(err)
		}
		return c.Status(fiber.StatusCreated).JSON(session)
	})

	r.Delete("/trip", authMiddleware, func(c *fiber.Ctx) error {
		m.GoOffDuty(c.UserContext())
		return c.Status(fiber.StatusAccepted).JSON(m.Snapshot())
	})

	r.Post("/logout", authMiddleware, func(c *fiber.Ctx) error {
		m.Logout(c.UserContext())
		return c.Status(fiber.StatusAccepted).JSON(m.Snapshot())
	})

	r.Post("/foreground", authMiddleware, func(c *fiber.Ctx) error {
		var req foregroundRequest
		if err := c.BodyParser(&req); err != nil || req.Visible == nil {
			return fiber.NewError(fiber.StatusBadRequest, "visible required")
		}
		m.SetForeground(c.UserContext(), *req.Visible)
		return c.JSON(m.Snapshot())
	})
}
