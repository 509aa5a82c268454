package control

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryOnDialError(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	dialErr := &url.Error{Op: "Post", URL: "http://127.0.0.1:1/call", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	readErr := &url.Error{Op: "Post", URL: "http://127.0.0.1:1/call", Err: &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}}

	cases := []struct {
		name     string
		ctx      context.Context
		resp     *http.Response
		err      error
		expRetry bool
		expErr   error
	}{
		{name: "response", ctx: context.Background(), resp: &http.Response{StatusCode: http.StatusServiceUnavailable}},
		{name: "connection refused", ctx: context.Background(), err: dialErr, expRetry: true},
		{name: "reset after send", ctx: context.Background(), err: readErr},
		{name: "unexpected EOF", ctx: context.Background(), err: &url.Error{Op: "Post", URL: "http://x/call", Err: io.ErrUnexpectedEOF}},
		{name: "context done", ctx: cancelled, err: dialErr, expErr: context.Canceled},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			retry, err := retryOnDialError(c.ctx, c.resp, c.err)
			assert.Equal(t, c.expRetry, retry)
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCallNotReplayedAfterDroppedConnection(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.ReadAll(r.Body)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, WithClientLogger(log))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Call(ctx, "echo", map[string]int{"x": 1}, time.Second)
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Equal(t, int32(1), hits.Load())
}
