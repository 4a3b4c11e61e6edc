package limiter

import "errors"

// ErrorCode is the typed code attached to every engine error and every
// denial body.
type ErrorCode string

const (
	// User-facing denials (429)
	CodeBlocked           ErrorCode = "BLOCKED"
	CodeWindowExceeded    ErrorCode = "WINDOW_LIMIT_EXCEEDED"
	CodeBurstExceeded     ErrorCode = "BURST_LIMIT_EXCEEDED"
	CodeDailyExceeded     ErrorCode = "DAILY_LIMIT_EXCEEDED"
	CodeConcurrentLimit   ErrorCode = "CONCURRENT_LIMIT_EXCEEDED"

	// Caller input errors (400)
	CodeInvalidTier     ErrorCode = "INVALID_TIER"
	CodeInvalidKey      ErrorCode = "INVALID_KEY"
	CodeValidationError ErrorCode = "VALIDATION_ERROR"

	// Infrastructure errors (500)
	CodeDatabaseError   ErrorCode = "DATABASE_ERROR"
	CodeCacheError      ErrorCode = "CACHE_ERROR"
	CodeTierChangeError ErrorCode = "TIER_CHANGE_ERROR"
)

// AdmissionError carries a typed code alongside the underlying error.
type AdmissionError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// Wrap creates a typed error around err.
func Wrap(code ErrorCode, message string, err error) error {
	return &AdmissionError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from an error chain, empty if untyped.
func CodeOf(err error) ErrorCode {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
