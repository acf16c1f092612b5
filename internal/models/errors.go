package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by ledger operations. Match with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBudgetExceeded      = errors.New("event budget exceeded")
	ErrPromotionConflict   = errors.New("promotion conflict")
	ErrStateConflict       = errors.New("state conflict")
)

// LedgerError carries the kind of failure plus the field or id it concerns.
type LedgerError struct {
	Kind    error
	Field   string
	ID      int64
	Message string
}

func (e *LedgerError) Error() string {
	switch {
	case e.Field != "" && e.ID != 0:
		return fmt.Sprintf("%v: %s %d: %s", e.Kind, e.Field, e.ID, e.Message)
	case e.Field != "":
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Message)
	default:
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
}

func (e *LedgerError) Unwrap() error { return e.Kind }

// Invalid reports a malformed or out-of-range field.
func Invalid(field, format string, args ...interface{}) *LedgerError {
	return &LedgerError{Kind: ErrValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown entity.
func NotFound(field string, id int64) *LedgerError {
	return &LedgerError{Kind: ErrNotFound, Field: field, ID: id, Message: "does not exist"}
}

// Forbidden reports a failed role or ownership check.
func Forbidden(format string, args ...interface{}) *LedgerError {
	return &LedgerError{Kind: ErrForbidden, Message: fmt.Sprintf(format, args...)}
}

// InsufficientBalance reports that a user cannot cover a debit.
func InsufficientBalance(userID, have, need int64) *LedgerError {
	return &LedgerError{
		Kind:    ErrInsufficientBalance,
		Field:   "user",
		ID:      userID,
		Message: fmt.Sprintf("balance %d is less than %d", have, need),
	}
}

// BudgetExceeded reports that an event pool cannot cover an award.
func BudgetExceeded(eventID, remain, need int64) *LedgerError {
	return &LedgerError{
		Kind:    ErrBudgetExceeded,
		Field:   "event",
		ID:      eventID,
		Message: fmt.Sprintf("%d points remain, %d required", remain, need),
	}
}

// PromotionConflict names the promotion that cannot be applied.
func PromotionConflict(promotionID int64, format string, args ...interface{}) *LedgerError {
	return &LedgerError{
		Kind:    ErrPromotionConflict,
		Field:   "promotion",
		ID:      promotionID,
		Message: fmt.Sprintf(format, args...),
	}
}

// StateConflict reports a transition that is not allowed from the current state.
func StateConflict(field string, id int64, format string, args ...interface{}) *LedgerError {
	return &LedgerError{Kind: ErrStateConflict, Field: field, ID: id, Message: fmt.Sprintf(format, args...)}
}
