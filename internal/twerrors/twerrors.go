package twerrors

import (
	"errors"
)

var (
	ErrDeviceIsNil        = errors.New("device id is not set")
	ErrNotFound           = errors.New("object not found")
	ErrVersionConflict    = errors.New("the object has been modified; please apply your changes to the latest version and try again")
	ErrValidation         = errors.New("invalid input")
	ErrParse              = errors.New("malformed payload")
	ErrSafetyBlock        = errors.New("change refused by a safety rule")
	ErrInfrastructureDown = errors.New("infrastructure is unhealthy, command emission suspended")
	ErrCorruptState       = errors.New("stored value does not agree with the device type")
	ErrDuplicateMessage   = errors.New("message already processed")
	ErrChannelFull        = errors.New("event channel is full, dropping event")
)

// ErrorCode is the machine-readable code carried in RFC 7807 responses and
// real-time failure messages.
type ErrorCode string

const (
	CodeValidationError    ErrorCode = "VALIDATION_ERROR"
	CodeParseError         ErrorCode = "PARSE_ERROR"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeSafetyBlock        ErrorCode = "SAFETY_BLOCK"
	CodeInfrastructureDown ErrorCode = "INFRASTRUCTURE_DOWN"
	CodeCorruptState       ErrorCode = "CORRUPT_STATE"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// CodeForError maps any error to its transport error code. Unrecognized
// errors are internal by definition.
func CodeForError(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDeviceIsNil):
		return CodeValidationError
	case errors.Is(err, ErrParse):
		return CodeParseError
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrVersionConflict):
		return CodeConflict
	case errors.Is(err, ErrSafetyBlock):
		return CodeSafetyBlock
	case errors.Is(err, ErrInfrastructureDown):
		return CodeInfrastructureDown
	case errors.Is(err, ErrCorruptState):
		return CodeCorruptState
	default:
		return CodeInternalError
	}
}

// IsRetryable reports whether the operation may be retried as-is. Only
// optimistic-lock conflicts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
