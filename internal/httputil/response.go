// Package httputil holds small, shared HTTP helpers: the success/error envelope and request logging
// middleware used by every handler in internal/api.
package httputil

import (
	"github.com/gofiber/fiber/v3"

	"github.com/joshlacal/mls-delivery-service/internal/apierror"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details returned in every error response envelope.
type ErrorBody struct {
	Code       apierror.Code `json:"error"`
	Message    string        `json:"message"`
	RetryAfter int           `json:"retryAfter,omitempty"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	ErrorBody
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code apierror.Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{ErrorBody{Code: code, Message: message}})
}

// FailErr sends a JSON error response built from an *apierror.Error.
func FailErr(c fiber.Ctx, err *apierror.Error) error {
	return c.Status(err.Status).JSON(ErrorResponse{ErrorBody{
		Code:       err.Code,
		Message:    err.Message,
		RetryAfter: err.RetryAfter,
	}})
}
