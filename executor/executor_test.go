package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/rpcbridge/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// funcCommand runs an arbitrary function. It is never sent over the wire, so it isn't registered.
type funcCommand struct {
	command.Base
	f func(ctx context.Context, env command.Env) command.Outcome
}

func newFuncCommand(f func(ctx context.Context, env command.Env) command.Outcome) *funcCommand {
	return &funcCommand{Base: command.NewBase(), f: f}
}

func (c *funcCommand) Kind() string { return "executor_test_func" }
func (c *funcCommand) Execute(ctx context.Context, env command.Env) command.Outcome {
	return c.f(ctx, env)
}

func newTestSerial(t *testing.T, opts ...SerialOption) *Serial {
	opts = append([]SerialOption{WithExecutorLogger(zap.NewExample())}, opts...)
	s := NewSerial(&ShellEnv{}, opts...)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func wait(t *testing.T, ch <-chan command.Outcome) command.Outcome {
	select {
	case out := <-ch:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return command.Outcome{}
	}
}

func TestSerialNeverRunsConcurrently(t *testing.T) {
	s := newTestSerial(t)

	var running, maxRunning int32
	var order []int
	var orderMut sync.Mutex

	var results []<-chan command.Outcome
	var submitMut sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := newFuncCommand(func(ctx context.Context, env command.Env) command.Outcome {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				orderMut.Lock()
				order = append(order, i)
				orderMut.Unlock()
				atomic.AddInt32(&running, -1)
				return command.Ok(i)
			})
			ch, err := s.Submit(context.Background(), cmd)
			if !assert.NoError(t, err) {
				return
			}
			submitMut.Lock()
			results = append(results, ch)
			submitMut.Unlock()
		}()
	}
	wg.Wait()

	for _, ch := range results {
		out := wait(t, ch)
		assert.NoError(t, out.Err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	assert.Len(t, order, 50)
}

func TestSerialOutcomes(t *testing.T) {
	s := newTestSerial(t)

	cases := []struct {
		name       string
		f          func(ctx context.Context, env command.Env) command.Outcome
		expValue   any
		expErrText string
	}{
		{
			name:     "value",
			f:        func(context.Context, command.Env) command.Outcome { return command.Ok("hello") },
			expValue: "hello",
		},
		{
			name:       "error",
			f:          func(context.Context, command.Env) command.Outcome { return command.Err(errors.New("boom")) },
			expErrText: "boom",
		},
		{
			name:       "panic",
			f:          func(context.Context, command.Env) command.Outcome { panic("kaboom") },
			expErrText: "command panicked: kaboom",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ch, err := s.Submit(context.Background(), newFuncCommand(c.f))
			require.NoError(t, err)
			out := wait(t, ch)
			if c.expErrText != "" {
				require.Error(t, out.Err)
				assert.Equal(t, c.expErrText, out.Err.Error())
				assert.Equal(t, "Error: "+c.expErrText, out.Payload())
				return
			}
			require.NoError(t, out.Err)
			assert.Equal(t, c.expValue, out.Value)
		})
	}
}

func TestSerialKeepsRunningAfterPanic(t *testing.T) {
	s := newTestSerial(t)

	ch, err := s.Submit(context.Background(), newFuncCommand(func(context.Context, command.Env) command.Outcome { panic("first") }))
	require.NoError(t, err)
	assert.Error(t, wait(t, ch).Err)

	ch, err = s.Submit(context.Background(), newFuncCommand(func(context.Context, command.Env) command.Outcome { return command.Ok(2) }))
	require.NoError(t, err)
	assert.Equal(t, 2, wait(t, ch).Value)
}

func TestSerialStop(t *testing.T) {
	s := NewSerial(&ShellEnv{}, WithQueueSize(4))
	s.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	blocking, err := s.Submit(context.Background(), newFuncCommand(func(ctx context.Context, env command.Env) command.Outcome {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return command.Ok("released")
	}))
	require.NoError(t, err)
	<-started

	queued, err := s.Submit(context.Background(), newFuncCommand(func(context.Context, command.Env) command.Outcome {
		return command.Ok("should not run")
	}))
	require.NoError(t, err)

	s.Stop()
	s.Stop()

	assert.Equal(t, "released", wait(t, blocking).Value)
	assert.ErrorIs(t, wait(t, queued).Err, ErrStopped)

	_, err = s.Submit(context.Background(), newFuncCommand(func(context.Context, command.Env) command.Outcome { return command.Ok(nil) }))
	assert.ErrorIs(t, err, ErrStopped)
	close(release)
}

func TestSerialStopWithoutStart(t *testing.T) {
	s := NewSerial(&ShellEnv{})
	s.Stop()
	_, err := s.Submit(context.Background(), newFuncCommand(func(context.Context, command.Env) command.Outcome { return command.Ok(nil) }))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSubmitHonorsContextWhenQueueIsFull(t *testing.T) {
	s := newTestSerial(t, WithQueueSize(1))

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	_, err := s.Submit(context.Background(), newFuncCommand(func(context.Context, command.Env) command.Outcome {
		close(started)
		<-release
		return command.Ok(nil)
	}))
	require.NoError(t, err)
	<-started

	// fills the queue
	_, err = s.Submit(context.Background(), newFuncCommand(func(context.Context, command.Env) command.Outcome { return command.Ok(nil) }))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Submit(ctx, newFuncCommand(func(context.Context, command.Env) command.Outcome { return command.Ok(nil) }))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
