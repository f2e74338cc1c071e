package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"cloudctl/internal/features/rbac"
)

// Envelope codes

const (
	CodeOK              = "OK"
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeUnknownFunction = "UNKNOWN_FUNCTION"
	CodeUnknownAction   = "UNKNOWN_ACTION"
	CodeQueueFull       = "QUEUE_FULL"
	CodeInternal        = "INTERNAL_ERROR"
)

var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnknownFunction = errors.New("unknown function")
	ErrUnknownAction   = errors.New("unknown action")
)

// Request is one call to a function. Function is only read in stdio mode;
// over HTTP it comes from the path.
type Request struct {
	Function string          `json:"function,omitempty"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"requestId"`
}

// OK reports whether the call succeeded
func (r *Response) OK() bool {
	return r.Code == CodeOK
}

// classify maps an error to an envelope code
func classify(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrUnknownFunction):
		return CodeUnknownFunction
	case errors.Is(err, ErrUnknownAction):
		return CodeUnknownAction
	case errors.Is(err, rbac.ErrInvalid):
		return CodeInvalidInput
	case errors.Is(err, rbac.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, rbac.ErrConflict):
		return CodeConflict
	case errors.Is(err, rbac.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, rbac.ErrQueueFull):
		return CodeQueueFull
	}
	return CodeInternal
}

// StatusFor returns the HTTP status matching an envelope code
func StatusFor(code string) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeBadRequest, CodeUnknownAction, CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeUnknownFunction:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeQueueFull:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
