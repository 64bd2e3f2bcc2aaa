package ledger

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidRecipient  = errors.New("invalid recipient")
	ErrInvalidAmount     = errors.New("invalid amount (must be > 0)")
	ErrInvalidDeadline   = errors.New("invalid deadline (must be in the future)")
	ErrIncorrectValue    = errors.New("incorrect value")
	ErrInsufficientValue = errors.New("insufficient value")
	ErrExcessValue       = errors.New("excess value")
	ErrRequestNotFound   = errors.New("request not found")
	ErrAlreadyExecuted   = errors.New("request already executed")
	ErrExpired           = errors.New("request expired")
	ErrTransferFailed    = errors.New("transfer failed")
)

// IncorrectValueError reports an attached value that differs from the request amount.
// It matches ErrIncorrectValue and exactly one of ErrInsufficientValue or ErrExcessValue.
type IncorrectValueError struct {
	Expected *big.Int
	Actual   *big.Int
}

// NewIncorrectValue copies both amounts.
func NewIncorrectValue(expected, actual *big.Int) *IncorrectValueError {
	return &IncorrectValueError{
		Expected: new(big.Int).Set(expected),
		Actual:   new(big.Int).Set(actual),
	}
}

func (e *IncorrectValueError) Error() string {
	return fmt.Sprintf("incorrect value: %s (expected %s, got %s)", e.Direction(), e.Expected, e.Actual)
}

// Direction is "insufficient" or "excess".
func (e *IncorrectValueError) Direction() string {
	if e.Actual.Cmp(e.Expected) < 0 {
		return "insufficient"
	}
	return "excess"
}

func (e *IncorrectValueError) Unwrap() []error {
	if e.Actual.Cmp(e.Expected) < 0 {
		return []error{ErrIncorrectValue, ErrInsufficientValue}
	}
	return []error{ErrIncorrectValue, ErrExcessValue}
}

// ErrorClass groups rejections for callers deciding whether to retry.
type ErrorClass string

const (
	ClassAuthorization ErrorClass = "authorization"
	ClassValidation    ErrorClass = "validation"
	ClassStateConflict ErrorClass = "state_conflict"
	ClassTemporal      ErrorClass = "temporal"
	ClassTransfer      ErrorClass = "transfer"
	ClassUnknown       ErrorClass = "unknown"
)

// Class maps an error returned by a Service to its taxonomy class.
func Class(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ClassAuthorization
	case errors.Is(err, ErrInvalidRecipient), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidDeadline), errors.Is(err, ErrIncorrectValue):
		return ClassValidation
	case errors.Is(err, ErrAlreadyExecuted), errors.Is(err, ErrRequestNotFound):
		return ClassStateConflict
	case errors.Is(err, ErrExpired):
		return ClassTemporal
	case errors.Is(err, ErrTransferFailed):
		return ClassTransfer
	default:
		return ClassUnknown
	}
}

// Reason returns a stable machine-readable code for err, or "" if it is not a ledger rejection.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrInvalidRecipient):
		return "INVALID_RECIPIENT"
	case errors.Is(err, ErrInvalidAmount):
		return "INVALID_AMOUNT"
	case errors.Is(err, ErrInvalidDeadline):
		return "INVALID_DEADLINE"
	case errors.Is(err, ErrInsufficientValue):
		return "INSUFFICIENT_VALUE"
	case errors.Is(err, ErrExcessValue):
		return "EXCESS_VALUE"
	case errors.Is(err, ErrIncorrectValue):
		return "INCORRECT_VALUE"
	case errors.Is(err, ErrRequestNotFound):
		return "REQUEST_NOT_FOUND"
	case errors.Is(err, ErrAlreadyExecuted):
		return "ALREADY_EXECUTED"
	case errors.Is(err, ErrExpired):
		return "EXPIRED"
	case errors.Is(err, ErrTransferFailed):
		return "TRANSFER_FAILED"
	default:
		return ""
	}
}

// ErrorForReason is the inverse of Reason for reasons that map to a sentinel.
func ErrorForReason(reason string) (error, bool) {
	switch reason {
	case "UNAUTHORIZED":
		return ErrUnauthorized, true
	case "INVALID_RECIPIENT":
		return ErrInvalidRecipient, true
	case "INVALID_AMOUNT":
		return ErrInvalidAmount, true
	case "INVALID_DEADLINE":
		return ErrInvalidDeadline, true
	case "INCORRECT_VALUE", "INSUFFICIENT_VALUE", "EXCESS_VALUE":
		return ErrIncorrectValue, true
	case "REQUEST_NOT_FOUND":
		return ErrRequestNotFound, true
	case "ALREADY_EXECUTED":
		return ErrAlreadyExecuted, true
	case "EXPIRED":
		return ErrExpired, true
	case "TRANSFER_FAILED":
		return ErrTransferFailed, true
	default:
		return nil, false
	}
}
