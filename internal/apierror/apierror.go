// Package apierror defines the gateway's error taxonomy and the structured
// JSON error body returned to clients.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error types, mirrored into the "type" field of the JSON body.
const (
	TypeAuthentication = "authentication_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeUpstream       = "upstream_error"
	TypeNotSupported   = "not_supported_error"
)

// Error is a client-visible gateway error. It carries the HTTP status to
// respond with, a machine-checkable code and a human-readable message.
type Error struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// Param points at the offending request field, e.g. a tool_call id.
	Param string `json:"param,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// MissingAPIKey is returned when no credential was presented at all.
func MissingAPIKey() *Error {
	return &Error{
		Status:  http.StatusUnauthorized,
		Type:    TypeAuthentication,
		Code:    "missing_api_key",
		Message: "Missing API Key",
	}
}

// Untrusted is returned when a single presented credential fails the
// allow-list check. Never retried.
func Untrusted() *Error {
	return &Error{
		Status:  http.StatusUnauthorized,
		Type:    TypeAuthentication,
		Code:    "untrusted_api_key",
		Message: "API Key not in trusted whitelist. Access denied.",
	}
}

// CredentialExhausted is returned when the live subset is empty or every
// dispatch attempt failed without an upstream status to surface.
func CredentialExhausted(msg string) *Error {
	if msg == "" {
		msg = "All credentials have been tried and failed"
	}
	return &Error{
		Status:  http.StatusBadGateway,
		Type:    TypeUpstream,
		Code:    "credential_exhausted",
		Message: msg,
	}
}

// Transcode is a 400-class error for a malformed inbound request.
func Transcode(msg string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Type:    TypeInvalidRequest,
		Code:    "invalid_request_error",
		Message: msg,
	}
}

// Transcodef is Transcode with formatting.
func Transcodef(format string, args ...any) *Error {
	return Transcode(fmt.Sprintf(format, args...))
}

// WithParam attaches the offending field to the error.
func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

type errorBody struct {
	Error *Error `json:"error"`
}

// Write renders err as the structured JSON error body. Non-*Error values are
// wrapped as a generic 500 so callers always get the same shape.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = &Error{
			Status:  http.StatusInternalServerError,
			Type:    TypeUpstream,
			Code:    "internal_error",
			Message: err.Error(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: apiErr})
}
