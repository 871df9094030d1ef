package network

import "fmt"

// ErrorType represents the category of network error.
type ErrorType int

const (
	ErrorTypeConnection ErrorType = iota
	ErrorTypeDelivery
	ErrorTypeClosed
)

// Error represents an error that occurred during a transport operation.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

// NewError creates a new network error with the specified type and message.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithCause creates a new network error with an underlying cause.
func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{Type: errorType, Message: message, Cause: cause}
}

// Error returns the string representation of the network error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("network error (%s): %s: %v", e.typeString(), e.Message, e.Cause)
	}
	return fmt.Sprintf("network error (%s): %s", e.typeString(), e.Message)
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) typeString() string {
	switch e.Type {
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeDelivery:
		return "delivery"
	case ErrorTypeClosed:
		return "closed"
	default:
		return "unknown"
	}
}
