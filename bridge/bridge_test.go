package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/mcpbridge/internal/tools"
	"github.com/guseggert/mcpbridge/process"
	"github.com/guseggert/mcpbridge/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	childEnv     = "MCPBRIDGE_TEST_CHILD"
	childModeEnv = "MCPBRIDGE_TEST_CHILD_MODE"
)

// TestMain lets the test binary double as the child process.
func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		os.Exit(runChild(os.Getenv(childModeEnv)))
	}
	os.Exit(m.Run())
}

func runChild(mode string) int {
	fmt.Fprintln(os.Stdout, "booting test child")
	fmt.Fprintln(os.Stderr, "hello from stderr")
	if mode == "exit" {
		return 2
	}

	registry := tools.NewRegistry()
	s := &tools.Server{Handler: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		switch method {
		case "echo":
			return params, nil
		case "boom":
			return nil, &rpc.RemoteError{Code: 1, Message: "bad"}
		case "hang":
			return nil, tools.ErrNoReply
		case "crash":
			os.Exit(3)
		case "slow":
			var p struct {
				MS int `json:"ms"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			time.Sleep(time.Duration(p.MS) * time.Millisecond)
			return params, nil
		}
		return registry.Handle(ctx, method, params)
	}}
	if err := s.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %s\n", err)
		return 1
	}
	return 0
}

func testCommand(mode string) process.Command {
	return process.Command{
		Path: os.Args[0],
		Env:  []string{childEnv + "=1", childModeEnv + "=" + mode},
	}
}

func newLogger(t *testing.T) *zap.Logger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l
}

func newTestBridge(t *testing.T, mode string, opts ...Option) *Bridge {
	t.Helper()
	opts = append([]Option{
		WithLogger(newLogger(t)),
		WithGraceInterval(100 * time.Millisecond),
		WithStopTimeout(2 * time.Second),
	}, opts...)
	b := New(testCommand(mode), opts...)
	t.Cleanup(func() {
		_, _ = b.StopProcess(context.Background())
	})
	return b
}

func startBridge(t *testing.T, b *Bridge) {
	t.Helper()
	alreadyRunning, err := b.StartProcess(context.Background())
	require.NoError(t, err)
	require.False(t, alreadyRunning)
	require.Equal(t, process.StateRunning, b.State())
}

func TestCallRoundTrip(t *testing.T) {
	b := newTestBridge(t, "")
	startBridge(t, b)
	ctx := context.Background()

	res, err := b.Call(ctx, "echo", map[string]any{"x": 1}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(res))

	res, err = b.Call(ctx, "echo", nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res))

	_, err = b.Call(ctx, "boom", nil, 0)
	var remoteErr *rpc.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, 1, remoteErr.Code)
	assert.Equal(t, "bad", remoteErr.Message)

	assert.Equal(t, 0, b.Outstanding())
}

func TestCallNotRunning(t *testing.T) {
	b := newTestBridge(t, "")
	assert.Equal(t, process.StateStopped, b.State())
	assert.Equal(t, 0, b.PID())

	_, err := b.Call(context.Background(), "echo", nil, 0)
	require.ErrorIs(t, err, rpc.ErrNotRunning)
}

func TestStartTwiceSpawnsOnce(t *testing.T) {
	b := newTestBridge(t, "")
	startBridge(t, b)
	pid := b.PID()
	require.NotZero(t, pid)

	alreadyRunning, err := b.StartProcess(context.Background())
	require.NoError(t, err)
	assert.True(t, alreadyRunning)
	assert.Equal(t, pid, b.PID())
}

func TestStopFailsOutstandingCalls(t *testing.T) {
	b := newTestBridge(t, "")
	startBridge(t, b)

	var calls []*rpc.Call
	for i := 0; i < 3; i++ {
		c, err := b.Send("hang", nil, 10*time.Second)
		require.NoError(t, err)
		calls = append(calls, c)
	}
	require.Eventually(t, func() bool { return b.Outstanding() == 3 }, time.Second, 10*time.Millisecond)

	wasRunning, err := b.StopProcess(context.Background())
	require.NoError(t, err)
	assert.True(t, wasRunning)
	assert.Equal(t, process.StateStopped, b.State())

	for _, c := range calls {
		_, err := c.Wait(context.Background())
		require.ErrorIs(t, err, rpc.ErrProcessTerminated)
	}
	assert.Equal(t, 0, b.Outstanding())

	wasRunning, err = b.StopProcess(context.Background())
	require.NoError(t, err)
	assert.False(t, wasRunning)
}

func TestCrashFailsOutstandingCalls(t *testing.T) {
	b := newTestBridge(t, "")
	startBridge(t, b)

	hung, err := b.Send("hang", nil, 10*time.Second)
	require.NoError(t, err)

	_, err = b.Call(context.Background(), "crash", nil, 10*time.Second)
	require.ErrorIs(t, err, rpc.ErrProcessTerminated)

	_, err = hung.Wait(context.Background())
	require.ErrorIs(t, err, rpc.ErrProcessTerminated)

	require.Eventually(t, func() bool { return b.State() == process.StateStopped }, 2*time.Second, 10*time.Millisecond)

	_, err = b.Call(context.Background(), "echo", nil, 0)
	require.ErrorIs(t, err, rpc.ErrNotRunning)

	// a crashed child can be started again
	startBridge(t, b)
	res, err := b.Call(context.Background(), "echo", map[string]string{"again": "yes"}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"again":"yes"}`, string(res))
}

func TestKilledChildFailsOutstandingCalls(t *testing.T) {
	b := newTestBridge(t, "")
	startBridge(t, b)

	hung, err := b.Send("hang", nil, 10*time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Outstanding() == 1 }, time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, syscall.Kill(b.PID(), syscall.SIGKILL))

	_, err = hung.Wait(context.Background())
	require.ErrorIs(t, err, rpc.ErrProcessTerminated)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, b.Outstanding())

	require.Eventually(t, func() bool { return b.State() == process.StateStopped }, 2*time.Second, 10*time.Millisecond)
	_, err = b.Call(context.Background(), "echo", nil, 0)
	require.ErrorIs(t, err, rpc.ErrNotRunning)
}

func TestOutOfOrderReplies(t *testing.T) {
	b := newTestBridge(t, "")
	startBridge(t, b)

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 5; i++ {
		i := i
		group.Go(func() error {
			// earlier calls sleep longer, so replies arrive in reverse order
			params := map[string]int{"ms": (5 - i) * 40, "n": i}
			res, err := b.Call(ctx, "slow", params, 5*time.Second)
			if err != nil {
				return err
			}
			var got map[string]int
			if err := json.Unmarshal(res, &got); err != nil {
				return err
			}
			if got["n"] != i {
				return fmt.Errorf("call %d got reply for %d", i, got["n"])
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestCallTimeout(t *testing.T) {
	b := newTestBridge(t, "", WithCallTimeout(100*time.Millisecond))
	startBridge(t, b)

	timeout := 100 * time.Millisecond
	start := time.Now()
	_, err := b.Call(context.Background(), "hang", nil, 0)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, rpc.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
	assert.Equal(t, 0, b.Outstanding())

	// the child is still usable after a timeout
	res, err := b.Call(context.Background(), "echo", map[string]bool{"ok": true}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
}

func TestCallContextCancelled(t *testing.T) {
	b := newTestBridge(t, "")
	startBridge(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Call(ctx, "hang", nil, 10*time.Second)
	require.ErrorIs(t, err, rpc.ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, b.Outstanding())
}

func TestExitDuringStartup(t *testing.T) {
	b := newTestBridge(t, "exit", WithGraceInterval(3*time.Second))
	_, err := b.StartProcess(context.Background())
	require.ErrorIs(t, err, process.ErrSpawnFailed)
	require.ErrorIs(t, err, process.ErrExitedDuringStartup)
	assert.Equal(t, process.StateStopped, b.State())
}

func TestSpawnFailure(t *testing.T) {
	b := New(process.Command{Path: "/nonexistent/mcpbridge-child"}, WithLogger(newLogger(t)))
	_, err := b.StartProcess(context.Background())
	require.ErrorIs(t, err, process.ErrSpawnFailed)
	assert.Equal(t, process.StateStopped, b.State())
}

func TestSubscribeStderr(t *testing.T) {
	b := newTestBridge(t, "")
	ch, unsubscribe := b.SubscribeStderr()
	defer unsubscribe()

	startBridge(t, b)

	var got strings.Builder
	timeout := time.After(2 * time.Second)
	for !strings.Contains(got.String(), "hello from stderr") {
		select {
		case chunk := <-ch:
			got.Write(chunk)
		case <-timeout:
			t.Fatalf("timed out waiting for stderr, got %q", got.String())
		}
	}
}

func TestTools(t *testing.T) {
	b := newTestBridge(t, "")
	startBridge(t, b)
	ctx := context.Background()

	list, err := b.ListTools(ctx, 0)
	require.NoError(t, err)
	var names []string
	for _, d := range list.Tools {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"calculate", "get_time", "get_weather"}, names)

	res, err := b.CallTool(ctx, "calculate", tools.CalculateArgs{Expression: "2 + 2 * 3"}, 0)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "2 + 2 * 3 = 8", res.Text())

	res, err = b.CallTool(ctx, "get_weather", map[string]string{}, 0)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: Location is required", res.Text())
}
