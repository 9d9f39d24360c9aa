package handler

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/wikirag/internal/port"
)

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, port.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, port.ErrNoContext):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, port.ErrGeneration):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func writeError(c fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}
