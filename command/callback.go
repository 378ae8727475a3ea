package command

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Callback receives the payload of an asynchronously delivered Result.
//
// The completion signal is set exactly once: after the handler ran (whether it succeeded, failed or panicked),
// or when delivery became impossible because the connection was lost.
type Callback struct {
	handler func(payload any) error

	finishOnce sync.Once
	done       chan struct{}
	invoked    atomic.Bool
	err        error
}

// NewCallback returns a Callback that runs handler when the Result arrives.
func NewCallback(handler func(payload any) error) *Callback {
	return &Callback{
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Invoke runs the handler with payload. A panicking handler is reported as an error.
// Invoke does not set the completion signal, Finish does.
func (c *Callback) Invoke(payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	c.invoked.Store(true)
	if c.handler == nil {
		return nil
	}
	return c.handler(payload)
}

// Finish sets the completion signal, recording err as the delivery error. Only the first call has any effect.
func (c *Callback) Finish(err error) {
	c.finishOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed once the callback has finished.
func (c *Callback) Done() <-chan struct{} { return c.done }

// Wait blocks until the callback has finished or ctx is done.
// It returns the delivery error, if any, which includes errors returned by the handler.
func (c *Callback) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the delivery error. It is only meaningful after Done is closed.
func (c *Callback) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Invoked reports whether the handler ran. It is only meaningful after Done is closed.
func (c *Callback) Invoked() bool {
	select {
	case <-c.done:
		return c.invoked.Load()
	default:
		return false
	}
}
