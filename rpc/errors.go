package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by Send when no child is attached.
	ErrNotRunning = errors.New("process not running")
	// ErrTimeout completes a call whose deadline passed without a reply.
	ErrTimeout = errors.New("request timeout")
	// ErrProcessTerminated completes every outstanding call when the child goes away.
	ErrProcessTerminated = errors.New("process terminated")
	// ErrCancelled completes a call abandoned by its caller.
	ErrCancelled = errors.New("request cancelled")
)

// RemoteError is an explicit error payload returned by the child.
type RemoteError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

func newRemoteError(obj *ErrorObject) *RemoteError {
	return &RemoteError{Code: obj.Code, Message: obj.Message, Data: obj.Data}
}
