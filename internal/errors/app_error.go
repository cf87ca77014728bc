// Package errors provides structured application errors for the proxy.
// The taxonomy mirrors the failure classes the pipeline distinguishes:
// malformed input, external dependency failure, scorer parse failure, and
// upstream transport failure. None of these may abort a proxied request.
package errors

import (
	"encoding/json"
	"fmt"
)

// Error codes used across the preprocessing pipeline.
const (
	CodeMalformedBody   = "malformed_body"
	CodeScorerFailure   = "scorer_failure"
	CodeScorerParse     = "scorer_parse"
	CodeMemoryFetch     = "memory_fetch_failure"
	CodeUpstreamFailure = "upstream_failure"
	CodeBodyTooLarge    = "body_too_large"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}
