package app

import "errors"

var (
	// ErrValidation marks malformed input. Match with errors.Is.
	ErrValidation = errors.New("validation error")

	// ErrInvalidCredentials is shown to end users and must not reveal whether
	// the email exists.
	ErrInvalidCredentials = errors.New("Incorrect email or password")

	// ErrUploadTooLarge is returned when an upload exceeds the configured maximum.
	ErrUploadTooLarge = errors.New("upload too large")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
