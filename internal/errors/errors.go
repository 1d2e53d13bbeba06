package errors

import "fmt"

// Error codes carried across service boundaries. Handlers map these onto
// HTTP statuses; everything else travels as INTERNAL_ERROR.
const (
	CodeConfigInvalid   = "CONFIG_INVALID"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeDataInvalid     = "DATA_INVALID"
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeFitFailed       = "FIT_FAILED"
	CodeInternalError   = "INTERNAL_ERROR"
)

// AppError is an error with a stable code and a human message. The cause
// chain stays intact for errors.Is checks against domain sentinels.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// New creates an AppError from a code and message
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap layers a message over err, preserving an existing code; plain errors
// wrap as INTERNAL_ERROR.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	code := CodeInternalError
	if appErr, ok := err.(*AppError); ok {
		code = appErr.Code
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// WithCode stamps a code onto err without changing its message
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return &AppError{Code: code, Message: appErr.Message, Cause: appErr.Cause}
	}
	return &AppError{Code: code, Message: err.Error(), Cause: err}
}

// GetCode extracts the code from an AppError, or "UNKNOWN"
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN"
}

func ConfigInvalid(message string) *AppError { return New(CodeConfigInvalid, message) }

func InvalidInput(message string) *AppError { return New(CodeInvalidInput, message) }

func DataInvalid(message string) *AppError { return New(CodeDataInvalid, message) }

func ValidationError(message string) *AppError { return New(CodeValidationError, message) }

func InternalError(message string) *AppError { return New(CodeInternalError, message) }

// FitFailed marks estimation trouble, keeping the engine's error as cause
func FitFailed(message string, cause error) *AppError {
	return &AppError{Code: CodeFitFailed, Message: message, Cause: cause}
}
