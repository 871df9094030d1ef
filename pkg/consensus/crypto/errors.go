package crypto

import "fmt"

// ErrorType represents the category of cryptographic error.
type ErrorType int

const (
	ErrorTypeSignature ErrorType = iota
	ErrorTypeVerification
	ErrorTypeInvalidKey
)

// Error represents an error that occurred during a cryptographic operation.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

// NewError creates a new crypto error with the specified type and message.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithCause creates a new crypto error with an underlying cause.
func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{Type: errorType, Message: message, Cause: cause}
}

// Error returns the string representation of the crypto error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("crypto error (%s): %s: %v", e.typeString(), e.Message, e.Cause)
	}
	return fmt.Sprintf("crypto error (%s): %s", e.typeString(), e.Message)
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) typeString() string {
	switch e.Type {
	case ErrorTypeSignature:
		return "signature"
	case ErrorTypeVerification:
		return "verification"
	case ErrorTypeInvalidKey:
		return "invalid_key"
	default:
		return "unknown"
	}
}

// IsErrorType checks if an error is a crypto Error of a specific type.
func IsErrorType(err error, errorType ErrorType) bool {
	if cryptoErr, ok := err.(*Error); ok {
		return cryptoErr.Type == errorType
	}
	return false
}
