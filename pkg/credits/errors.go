package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrReservationExpired       = errors.New("reservation expired")
	ErrReservationFinalized     = errors.New("reservation already finalized")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrConcurrentConflict       = errors.New("concurrent modification conflict")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidAccountID         = errors.New("invalid account id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidReservationTTL    = errors.New("invalid reservation ttl")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidBalance           = errors.New("invalid balance")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// InsufficientCreditsError reports how many credits the caller is short by,
// so the API layer can suggest a purchase amount. It unwraps to
// ErrInsufficientCredits for errors.Is checks.
type InsufficientCreditsError struct {
	Shortfall Credits
}

// Error returns the formatted error message.
func (insufficientError *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: short by %d", insufficientError.Shortfall)
}

// Unwrap returns the ErrInsufficientCredits sentinel.
func (insufficientError *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
