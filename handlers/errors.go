package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/refillhub/refill-sync/syncerr"
)

var errSignedOut = fiber.NewError(fiber.StatusUnauthorized, "not signed in")

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, syncerr.ErrGuest):
		return fiber.StatusForbidden
	case syncerr.IsValidation(err):
		return fiber.StatusBadRequest
	case syncerr.IsConflict(err), errors.Is(err, syncerr.ErrStopped):
		return fiber.StatusConflict
	case errors.Is(err, syncerr.ErrNotFound):
		return fiber.StatusNotFound
	case syncerr.IsTransport(err), syncerr.IsSubscriptionFault(err):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
