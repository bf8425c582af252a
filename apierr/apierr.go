// Package apierr defines the gateway's closed error-code taxonomy and its
// dual JSON/SSE serialization.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Code is one of the closed set of machine-readable error codes.
type Code string

const (
	SessionNotFound  Code = "SESSION_NOT_FOUND"
	ProfileNotFound  Code = "PROFILE_NOT_FOUND"
	DocumentNotFound Code = "DOCUMENT_NOT_FOUND"
	MessageNotFound  Code = "MESSAGE_NOT_FOUND"
	UsageLogNotFound Code = "USAGE_LOG_NOT_FOUND"
	MissingAPIKey    Code = "MISSING_API_KEY"
	MissingFilename  Code = "MISSING_FILENAME"
	FileSaveFailed   Code = "FILE_SAVE_FAILED"
	FileDeleteFailed Code = "FILE_DELETE_FAILED"
	OpenRouterError  Code = "OPENROUTER_ERROR"
	StreamError      Code = "STREAM_ERROR"
	RateLimited      Code = "RATE_LIMITED"
	BadRequest       Code = "BAD_REQUEST"
)

var httpStatus = map[Code]int{
	SessionNotFound:  http.StatusNotFound,
	ProfileNotFound:  http.StatusNotFound,
	DocumentNotFound: http.StatusNotFound,
	MessageNotFound:  http.StatusNotFound,
	UsageLogNotFound: http.StatusNotFound,
	MissingAPIKey:    http.StatusBadRequest,
	MissingFilename:  http.StatusBadRequest,
	FileSaveFailed:   http.StatusInternalServerError,
	FileDeleteFailed: http.StatusInternalServerError,
	OpenRouterError:  http.StatusBadGateway,
	StreamError:      http.StatusInternalServerError,
	RateLimited:      http.StatusTooManyRequests,
	BadRequest:       http.StatusBadRequest,
}

// Status returns the HTTP status code for a taxonomy code.
func Status(c Code) int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a typed gateway error carrying a taxonomy code and optional
// resource context. It satisfies the error interface so it can flow
// through ordinary Go error handling (errors.As) up to the HTTP surface.
type Error struct {
	Code         Code
	Message      string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	cause        error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func NotFound(code Code, resourceType, resourceID string) *Error {
	return &Error{
		Code:         code,
		Message:      resourceType + " not found",
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches an underlying cause without changing the taxonomy code.
func (e *Error) Wrap(cause error) *Error {
	e2 := *e
	e2.cause = cause
	return &e2
}

// Envelope is the wire shape shared by the JSON and SSE error paths.
type Envelope struct {
	ErrorCode    Code           `json:"error_code"`
	Status       int            `json:"status,omitempty"`
	Message      string         `json:"message"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
}

// ToEnvelope builds the wire envelope for an Error, stamping the request id
// and HTTP status the caller resolved for it.
func (e *Error) ToEnvelope(requestID string) Envelope {
	return Envelope{
		ErrorCode:    e.Code,
		Message:      e.Message,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		Status:       Status(e.Code),
		RequestID:    requestID,
	}
}

// WriteJSON writes the error as a JSON envelope with the appropriate status.
func (e *Error) WriteJSON(w http.ResponseWriter, requestID string) {
	env := e.ToEnvelope(requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Status)
	_ = json.NewEncoder(w).Encode(env)
}

// As extracts a *Error from err (following wrapped causes via errors.As),
// for use at the HTTP surface boundary that must branch on the taxonomy.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
