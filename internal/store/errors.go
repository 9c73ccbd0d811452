package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrValidation              = errors.New("validation error")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrStockConflict           = errors.New("stock conflict")
	ErrEmptyCart               = errors.New("empty cart")
	ErrNothingToClose          = errors.New("nothing to close")
	ErrDuplicateKey            = errors.New("duplicate key")
	ErrDuplicateReconciliation = errors.New("duplicate reconciliation")
	ErrMissingClosure          = errors.New("missing route closure")
	ErrMissingDeposit          = errors.New("missing bank deposit")
	ErrStateTransition         = errors.New("invalid state transition")
	ErrStorage                 = errors.New("storage error")
	ErrForbidden               = errors.New("forbidden")
)

// Error decorates one of the sentinel kinds above with the entity it concerns
// and the values that caused the rejection.
type Error struct {
	Kind      error
	Entity    string
	Key       string
	Attempted any
	Current   any
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Entity != "" || e.Key != "" {
		fmt.Fprintf(&b, ": %s %s", e.Entity, e.Key)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Attempted != nil {
		fmt.Fprintf(&b, " (attempted=%v", e.Attempted)
		if e.Current != nil {
			fmt.Fprintf(&b, ", current=%v", e.Current)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(entity string, key string, reason string) *Error {
	return &Error{Kind: ErrValidation, Entity: entity, Key: key, Reason: reason}
}

func InsufficientStock(productID string, requested int, onHand int) *Error {
	return &Error{Kind: ErrInsufficientStock, Entity: "product", Key: productID, Attempted: requested, Current: onHand}
}

func StockConflict(productID string, requested int, onHand int) *Error {
	return &Error{Kind: ErrStockConflict, Entity: "product", Key: productID, Attempted: requested, Current: onHand}
}

func NotFound(entity string, key string) *Error {
	return &Error{Kind: ErrNotFound, Entity: entity, Key: key}
}

func StateTransition(entity string, key string, from string, to string) *Error {
	return &Error{Kind: ErrStateTransition, Entity: entity, Key: key, Attempted: to, Current: from}
}

func Forbidden(reason string) *Error {
	return &Error{Kind: ErrForbidden, Reason: reason}
}

// Storage wraps a persistence boundary failure for key.
func Storage(key string, err error) *Error {
	return &Error{Kind: ErrStorage, Entity: "kv", Key: key, Err: err}
}

// AsError extracts the decorated error, if any.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
