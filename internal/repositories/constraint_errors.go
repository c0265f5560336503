package repositories

import (
	"errors"
	"fmt"
)

// ConstraintCode enumerates the guarded-write rejections a repository can report.
type ConstraintCode string

const (
	// ConstraintNotFound indicates the guarded document does not exist.
	ConstraintNotFound ConstraintCode = "not_found"
	// ConstraintCapacityExceeded indicates bookCount + qty would exceed the ticket limit.
	ConstraintCapacityExceeded ConstraintCode = "capacity_exceeded"
	// ConstraintUsageExhausted indicates usageCount + qty would exceed the coupon limit.
	ConstraintUsageExhausted ConstraintCode = "usage_exhausted"
	// ConstraintStatusMismatch indicates the order status precondition did not hold.
	ConstraintStatusMismatch ConstraintCode = "status_mismatch"
)

// ConstraintError reports a conditional write that the store refused.
type ConstraintError struct {
	Op      string
	Code    ConstraintCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConstraintError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *ConstraintError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewConstraintError constructs a typed constraint error.
func NewConstraintError(code ConstraintCode, message string, err error) *ConstraintError {
	if message == "" {
		message = string(code)
	}
	return &ConstraintError{Code: code, Message: message, Err: err}
}

// ConstraintCodeOf extracts the constraint code from err, if any.
func ConstraintCodeOf(err error) (ConstraintCode, bool) {
	var cerr *ConstraintError
	if errors.As(err, &cerr) && cerr != nil {
		return cerr.Code, true
	}
	return "", false
}
