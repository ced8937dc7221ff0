// Package httperr maps domain errors onto fiber errors.
package httperr

import (
	"errors"

	"backend-transittrack/internal/domain"

	"github.com/gofiber/fiber/v2"
)

func Status(err error) int {
	switch {
	case errors.Is(err, domain.ErrTripInProgress), errors.Is(err, domain.ErrPingTransition):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrNoVehicleAssigned), errors.Is(err, domain.ErrConfiguration):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrLoggedOut):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrInvalidSample):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrTransientDelivery), errors.Is(err, domain.ErrStaleSession),
		errors.Is(err, domain.ErrTrackingUnrecoverable):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// From wraps err as a *fiber.Error with the mapped status.
func From(err error) error {
	return fiber.NewError(Status(err), err.Error())
}
