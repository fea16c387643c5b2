package chain

import (
	"errors"
	"fmt"

	"EnergyRental/internal/apperr"
)

type ErrorKind string

const (
	// KindTransport covers network failures and non-2xx responses; another
	// endpoint may succeed.
	KindTransport ErrorKind = "transport"
	// KindRejected means a node answered and refused the request.
	KindRejected        ErrorKind = "rejected"
	KindNotFound        ErrorKind = "not_found"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindSigning         ErrorKind = "signing"
)

// CallError is the failure side of every chain operation.
type CallError struct {
	Op     string
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("chain %s: %s", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() []error {
	if e.Err != nil {
		return []error{apperr.ErrChainCall, e.Err}
	}
	return []error{apperr.ErrChainCall}
}

func callErr(op string, kind ErrorKind, detail string, err error) *CallError {
	return &CallError{Op: op, Kind: kind, Detail: detail, Err: err}
}

// Retryable reports whether trying another endpoint could help.
func Retryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind == KindTransport
	}
	return err != nil
}
