package phases

import (
	"errors"
	"fmt"
)

// Error codes recorded on documents that fail ingestion.
const (
	CodeUnsupportedSourceType = "UNSUPPORTED_SOURCE_TYPE"
	CodeContentMissing        = "CONTENT_MISSING"
	CodeURLFetchFailed        = "URL_FETCH_FAILED"
	CodeSourceUnavailable     = "SOURCE_UNAVAILABLE"
	CodeExtractionFailed      = "EXTRACTION_FAILED"
)

// CapabilityError is detected before work begins and is never retried.
type CapabilityError struct {
	Code    string
	Message string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TransientError marks a network or timeout class failure that may succeed
// on a later attempt.
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrorCode extracts the stable code carried by err, if any.
func ErrorCode(err error) string {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeExtractionFailed
}
