package ordering

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel conditions. Every error returned by the engine for one of these
// conditions matches the sentinel with errors.Is.
var (
	ErrResourceNotFound    = errors.New("object to be sorted not found")
	ErrPositionOutOfBounds = errors.New("position out of bounds")
	ErrOrderNotFound       = errors.New("custom order not found")
	ErrOrderNotPersisted   = errors.New("custom order not saved")
)

// ErrorClass separates caller mistakes from storage trouble.
type ErrorClass string

const (
	// ErrorClassPermanent marks caller input errors. Retrying does not help.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassTransient marks storage anomalies that are safe to retry.
	ErrorClassTransient ErrorClass = "transient"
)

// Error codes.
const (
	ErrCodeResourceNotFound = "RESOURCE_NOT_FOUND"
	ErrCodeOutOfBounds      = "POSITION_OUT_OF_BOUNDS"
	ErrCodeOrderNotFound    = "ORDER_NOT_FOUND"
	ErrCodeNotPersisted     = "ORDER_NOT_PERSISTED"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeStore            = "STORE_ERROR"
)

// OrderingError is a classified error with partition context.
type OrderingError struct {
	Class     ErrorClass
	Code      string
	Op        string
	Partition Partition
	Err       error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *OrderingError) Error() string {
	if e.Partition.OwnerID != "" || e.Partition.Collection != "" {
		return fmt.Sprintf("[%s] %s (partition=%s): %v", e.Class, e.Op, e.Partition, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Class, e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OrderingError) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail field to the error context.
func (e *OrderingError) WithDetail(key string, value interface{}) *OrderingError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(class ErrorClass, code, op string, p Partition, err error) *OrderingError {
	return &OrderingError{Class: class, Code: code, Op: op, Partition: p, Err: err}
}

// PositionOutOfBoundsError carries the attempted position and the largest
// valid one.
type PositionOutOfBoundsError struct {
	Position int
	Max      int
}

func (e *PositionOutOfBoundsError) Error() string {
	return fmt.Sprintf("%s - position %d is outside [0, %d]", ErrPositionOutOfBounds, e.Position, e.Max)
}

// Is matches ErrPositionOutOfBounds.
func (e *PositionOutOfBoundsError) Is(target error) bool {
	return target == ErrPositionOutOfBounds
}

// Code returns the error code of err, or "" for unclassified errors.
func Code(err error) string {
	var oe *OrderingError
	if errors.As(err, &oe) {
		return oe.Code
	}
	switch {
	case errors.Is(err, ErrResourceNotFound):
		return ErrCodeResourceNotFound
	case errors.Is(err, ErrPositionOutOfBounds):
		return ErrCodeOutOfBounds
	case errors.Is(err, ErrOrderNotFound):
		return ErrCodeOrderNotFound
	case errors.Is(err, ErrOrderNotPersisted):
		return ErrCodeNotPersisted
	}
	return ""
}

// IsRetryable reports whether err is a transient storage condition.
func IsRetryable(err error) bool {
	var oe *OrderingError
	if errors.As(err, &oe) {
		return oe.Class == ErrorClassTransient
	}
	return false
}

// HTTPStatus maps an engine error to the status a transport layer should
// answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrResourceNotFound), errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPositionOutOfBounds):
		return http.StatusBadRequest
	case Code(err) == ErrCodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
