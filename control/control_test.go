package control

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guseggert/rpcbridge/command"
	"github.com/guseggert/rpcbridge/executor"
	"github.com/guseggert/rpcbridge/session"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l
}

func newSessionServer(t *testing.T) *session.Server {
	exec := executor.NewSerial(&executor.ShellEnv{}, executor.WithExecutorLogger(log))
	exec.Start()
	t.Cleanup(exec.Stop)

	s := session.NewServer(exec, session.WithHost("127.0.0.1"), session.WithPort(0), session.WithServerLogger(log))
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func newTestAgent(t *testing.T, s *session.Server) (*Agent, *Client) {
	a := NewAgent(s, WithLogger(log))
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	return a, NewClient(ts.URL, WithClientLogger(log))
}

func TestHeartbeat(t *testing.T) {
	a, client := newTestAgent(t, newSessionServer(t))
	assert.True(t, a.LastHeartbeat().IsZero())

	require.NoError(t, client.WaitForServer(context.Background()))
	assert.False(t, a.LastHeartbeat().IsZero())
	assert.WithinDuration(t, time.Now(), a.LastHeartbeat(), 10*time.Second)
}

func TestStatus(t *testing.T) {
	s := newSessionServer(t)
	_, client := newTestAgent(t, s)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, "127.0.0.1", status.Host)
	assert.Equal(t, s.Status().Port, status.Port)
	assert.Equal(t, 0, status.Clients)

	s.Stop()
	status, err = client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.Status{}, status)
}

func TestTunnelledSession(t *testing.T) {
	s := newSessionServer(t)
	_, client := newTestAgent(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := client.DialSession(ctx)
	require.NoError(t, err)

	sc := session.NewClient("tunnel", 0, session.WithClientLogger(log))
	require.NoError(t, sc.Attach(conn))
	defer sc.Disconnect()

	res, err := sc.Call(ctx, command.NewShellExec("echo hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Clients)

	cb := command.NewCallback(nil)
	ack, err := sc.Call(ctx, command.NewShellExec("echo later"), cb)
	require.NoError(t, err)
	assert.NotEmpty(t, ack)
	require.NoError(t, cb.Wait(ctx))
	assert.True(t, cb.Invoked())

	sc.Disconnect()
	require.Eventually(t, func() bool { return s.Status().Clients == 0 }, 10*time.Second, 10*time.Millisecond)
}

func TestDialSessionWhenServerStopped(t *testing.T) {
	s := newSessionServer(t)
	a := NewAgent(s, WithLogger(log))
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	client := NewClient(ts.URL, WithClientLogger(log), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))

	s.Stop()
	_, err := client.DialSession(context.Background())
	assert.Error(t, err)
}

func TestAgentStartStop(t *testing.T) {
	s := newSessionServer(t)
	a := NewAgent(s, WithLogger(log), WithListenAddr("127.0.0.1:0"))

	assert.ErrorIs(t, a.Stop(), ErrNotStarted)
	assert.Empty(t, a.Addr())

	require.NoError(t, a.Start())
	assert.Error(t, a.Start())

	client := NewClient("http://" + a.Addr())
	require.NoError(t, client.WaitForServer(context.Background()))

	require.NoError(t, a.Stop())
	assert.Empty(t, a.Addr())
}
