// Package apperr holds the error taxonomy shared by the order, payment and
// delegation components, plus helpers to classify an error for callers.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientResource = errors.New("insufficient resource")
	ErrAllocation           = errors.New("allocation failed")
	ErrReservation          = errors.New("reservation failed")
	ErrChainCall            = errors.New("chain call failed")
	ErrNotFound             = errors.New("not found")
	ErrPaymentMismatch      = errors.New("payment amount mismatch")
	ErrInvalidPayment       = errors.New("invalid payment")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrUnauthorized         = errors.New("unauthorized")
)

func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrValidation):
		return "validation"

	case errors.Is(err, ErrInsufficientResource):
		return "insufficient_resource"

	case errors.Is(err, ErrAllocation):
		return "allocation"

	case errors.Is(err, ErrReservation):
		return "reservation"

	case errors.Is(err, ErrChainCall):
		return "chain_call"

	case errors.Is(err, ErrNotFound):
		return "not_found"

	case errors.Is(err, ErrPaymentMismatch):
		return "payment_mismatch"

	case errors.Is(err, ErrInvalidPayment):
		return "invalid_payment"

	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"

	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidPayment),
		errors.Is(err, ErrPaymentMismatch):
		return http.StatusBadRequest

	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict

	case errors.Is(err, ErrInsufficientResource),
		errors.Is(err, ErrAllocation),
		errors.Is(err, ErrReservation):
		return http.StatusServiceUnavailable

	case errors.Is(err, ErrChainCall):
		return http.StatusBadGateway

	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}
