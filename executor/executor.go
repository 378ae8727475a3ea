// Package executor provides the single point of execution that Commands are funneled through.
//
// A host environment typically can't run two commands at once, and can't be re-entered from a command it is running.
// Serial enforces that: Commands submitted from any number of goroutines are queued and run one at a time on a single goroutine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/rpcbridge/command"
	"go.uber.org/zap"
)

// ErrStopped is returned for work submitted to, or still queued on, a stopped executor.
var ErrStopped = errors.New("executor stopped")

// Executor runs Commands on behalf of the session server.
type Executor interface {
	// Submit queues cmd for execution and returns a channel that receives exactly one Outcome.
	// Submit blocks only while the queue is full.
	Submit(ctx context.Context, cmd command.Command) (<-chan command.Outcome, error)
}

type job struct {
	cmd    command.Command
	result chan command.Outcome
}

// Serial is an Executor backed by a single-consumer work queue.
type Serial struct {
	log *zap.SugaredLogger
	env command.Env

	queueSize int
	queue     chan job

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

type SerialOption func(s *Serial)

func WithQueueSize(n int) SerialOption {
	return func(s *Serial) {
		s.queueSize = n
	}
}

func WithExecutorLogger(l *zap.Logger) SerialOption {
	return func(s *Serial) {
		s.log = l.Named("executor").Sugar()
	}
}

// NewSerial constructs an executor that runs Commands against env. Call Start before submitting work.
func NewSerial(env command.Env, opts ...SerialOption) *Serial {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Serial{
		log:       zap.NewNop().Sugar(),
		env:       env,
		queueSize: 1024,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.queue = make(chan job, s.queueSize)
	return s
}

// Start launches the goroutine that drains the queue. Calling it more than once has no effect.
func (s *Serial) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *Serial) Submit(ctx context.Context, cmd command.Command) (<-chan command.Outcome, error) {
	j := job{cmd: cmd, result: make(chan command.Outcome, 1)}
	select {
	case <-s.ctx.Done():
		return nil, ErrStopped
	default:
	}
	select {
	case s.queue <- j:
		return j.result, nil
	case <-s.ctx.Done():
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		// a stop takes priority over queued work
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		default:
		}
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case j := <-s.queue:
			j.result <- s.execute(j.cmd)
		}
	}
}

// drain fails whatever is left in the queue so that nobody waits on it forever.
func (s *Serial) drain() {
	for {
		select {
		case j := <-s.queue:
			j.result <- command.Err(ErrStopped)
		default:
			return
		}
	}
}

func (s *Serial) execute(cmd command.Command) (out command.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("command %s panicked: %v", cmd.Tag(), r)
			out = command.Err(fmt.Errorf("command panicked: %v", r))
		}
	}()
	s.log.Debugw("executing command", "Tag", cmd.Tag(), "Kind", cmd.Kind())
	out = cmd.Execute(s.ctx, s.env)
	s.log.Debugw("command finished", "Tag", cmd.Tag(), "Error", out.Err)
	return out
}

// Stop cancels the executor's context, fails queued work with ErrStopped and waits for the running Command to return.
// It is safe to call more than once.
func (s *Serial) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.startOnce.Do(func() { close(s.done) })
	})
	<-s.done
	s.drain()
}
