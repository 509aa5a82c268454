package control

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/guseggert/mcpbridge/process"
	"github.com/guseggert/mcpbridge/rpc"
)

// statusFor maps bridge errors to HTTP status codes.
func statusFor(err error) int {
	var remoteErr *rpc.RemoteError
	switch {
	case errors.Is(err, rpc.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, rpc.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rpc.ErrProcessTerminated):
		return http.StatusBadGateway
	case errors.Is(err, rpc.ErrCancelled):
		return http.StatusRequestTimeout
	case errors.As(err, &remoteErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, process.ErrConflictingOperation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// APIError is a non-200 response from the control server.
// It matches the bridge sentinel errors its status code stands for, so
// errors.Is(err, rpc.ErrTimeout) works on both sides of the HTTP hop.
type APIError struct {
	StatusCode int
	Message    string
	Code       int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusServiceUnavailable:
		return rpc.ErrNotRunning
	case http.StatusGatewayTimeout:
		return rpc.ErrTimeout
	case http.StatusBadGateway:
		return rpc.ErrProcessTerminated
	case http.StatusRequestTimeout:
		return rpc.ErrCancelled
	case http.StatusConflict:
		return process.ErrConflictingOperation
	case http.StatusUnprocessableEntity:
		if e.Code != 0 {
			return &rpc.RemoteError{Code: e.Code, Message: e.Message}
		}
	}
	return nil
}
