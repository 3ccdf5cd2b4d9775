package escrow

import (
	"errors"
	"fmt"
)

// Error kinds. Every error the Service returns for a caller mistake wraps
// exactly one of these, so callers test with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrAuthorization     = errors.New("not authorized for this transaction")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrState             = errors.New("invalid state for this operation")
	ErrNotFound          = errors.New("transaction not found")
)

// Error describes a failed escrow operation.
type Error struct {
	Kind          error
	Op            string
	TransactionID string
	Msg           string
	Err           error // underlying cause, if any
}

func (e *Error) Error() string {
	s := "escrow " + e.Op
	if e.TransactionID != "" {
		s += " " + e.TransactionID
	}
	s += ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, id, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, TransactionID: id, Msg: fmt.Sprintf(format, args...)}
}

func validationErr(op, id, format string, args ...any) error {
	return newError(ErrValidation, op, id, format, args...)
}

func authErr(op, id, role string) error {
	return newError(ErrAuthorization, op, id, "caller is not the %s", role)
}

func stateErr(op string, tx *Transaction, format string, args ...any) error {
	e := newError(ErrState, op, tx.ID, format, args...)
	e.Msg += fmt.Sprintf(" (state %s)", tx.State)
	return e
}

func notFoundErr(op, id string) error {
	return newError(ErrNotFound, op, id, "no such transaction")
}

// KindOf returns the error kind wrapped by err, or nil for infrastructure
// failures that are not the caller's fault.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrAuthorization, ErrInsufficientFunds, ErrState, ErrNotFound} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
