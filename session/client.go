package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/rpcbridge/command"
	"github.com/guseggert/rpcbridge/envelope"
	"github.com/guseggert/rpcbridge/version"
	"go.uber.org/zap"
)

// Client owns one connection to a Server.
type Client struct {
	log *zap.SugaredLogger

	host        string
	port        int
	callTimeout time.Duration
	dialTimeout time.Duration

	mut       sync.Mutex
	conn      *frameConn
	connected bool
	closed    chan struct{}
	results   *resultQueue
	pending   map[command.Tag]*command.Callback
}

type ClientOption func(c *Client)

// WithCallTimeout sets how long Call waits for a reply.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = d
	}
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = l.Named("session_client").Sugar()
	}
}

// NewClient constructs a client for the server at host:port. It doesn't connect, call Connect for that.
func NewClient(host string, port int, opts ...ClientOption) *Client {
	c := &Client{
		log:         zap.NewNop().Sugar(),
		host:        host,
		port:        port,
		callTimeout: DefaultTimeout,
		dialTimeout: 5 * time.Second,
		pending:     map[command.Tag]*command.Callback{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connect dials the server and starts receiving in the background.
// Connecting an already connected client does nothing.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr())
	if err != nil {
		c.log.Errorf("failed to connect to %s: %s", c.Addr(), err)
		return fmt.Errorf("connecting to %s: %w", c.Addr(), err)
	}
	if err := c.Attach(conn); err != nil {
		conn.Close()
		return err
	}
	c.log.Infof("connected to server at %s", c.Addr())
	return nil
}

// Attach starts a session over an established connection, such as a tunnel.
func (c *Client) Attach(conn net.Conn) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.connected {
		return ErrAlreadyConnected
	}
	fc := newFrameConn(conn)
	c.conn = fc
	c.connected = true
	c.closed = make(chan struct{})
	c.results = newResultQueue()

	go c.receive(fc)
	return nil
}

func (c *Client) Connected() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.connected
}

// PendingCallbacks returns the number of Callbacks still waiting for their Result.
func (c *Client) PendingCallbacks() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

// Call sends cmd and waits for the server's reply, returning its payload.
//
// If cb is non-nil, it is registered for cmd's tag and Call returns as soon as the server acknowledges the Command;
// the acknowledgment payload is the tag's string form. cb is invoked later with the real payload.
//
// Call waits at most the client's call timeout, or until ctx's deadline if that is earlier; either way it returns an error wrapping ErrRequestTimedOut.
// A Client supports one outstanding Call at a time.
func (c *Client) Call(ctx context.Context, cmd command.Command, cb *command.Callback) (any, error) {
	c.mut.Lock()
	if !c.connected {
		c.mut.Unlock()
		return nil, ErrNotConnected
	}
	if cmd == nil {
		c.mut.Unlock()
		return nil, ErrInvalidCommand
	}
	fc, closed, results := c.conn, c.closed, c.results
	tag := cmd.Tag()
	mode := command.NoCallback
	if cb != nil {
		if _, ok := c.pending[tag]; ok {
			c.mut.Unlock()
			return nil, fmt.Errorf("%w %s", ErrDuplicateTag, tag)
		}
		c.log.Debugf("registering callback for %s", tag)
		c.pending[tag] = cb
		mode = command.HasCallback
	}
	c.mut.Unlock()

	b, err := envelope.EncodeCommand(cmd, mode)
	if err != nil {
		c.abandonCallback(tag, cb, err)
		return nil, err
	}
	c.log.Debugw("sending command", "Tag", tag, "Kind", cmd.Kind(), "Mode", mode)
	if err := fc.writeFrame(b); err != nil {
		err = fmt.Errorf("sending command: %w", err)
		c.abandonCallback(tag, cb, err)
		return nil, err
	}

	res, err := c.await(ctx, fc, results, closed)
	if err != nil {
		if errors.Is(err, ErrRequestTimedOut) {
			c.log.Errorf("request %s timed out", tag)
		}
		return nil, err
	}
	return res.Payload, nil
}

func (c *Client) await(ctx context.Context, fc *frameConn, results *resultQueue, closed <-chan struct{}) (command.Result, error) {
	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	for {
		if res, ok := results.tryPop(); ok {
			return res, nil
		}
		select {
		case <-results.ready:
		case <-closed:
			if res, ok := results.tryPop(); ok {
				return res, nil
			}
			cause := fc.closeErr
			if !errors.Is(cause, ErrConnectionBroken) {
				cause = fmt.Errorf("%w: %w", ErrConnectionBroken, cause)
			}
			return command.Result{}, fmt.Errorf("connection closed while waiting for result: %w", cause)
		case <-timer.C:
			return command.Result{}, ErrRequestTimedOut
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return command.Result{}, fmt.Errorf("%w: %w", ErrRequestTimedOut, ctx.Err())
			}
			return command.Result{}, ctx.Err()
		}
	}
}

// abandonCallback unregisters a Callback whose Command never made it to the server, and releases its waiters.
func (c *Client) abandonCallback(tag command.Tag, cb *command.Callback, err error) {
	if cb == nil {
		return
	}
	c.mut.Lock()
	if c.pending[tag] == cb {
		delete(c.pending, tag)
	}
	c.mut.Unlock()
	cb.Finish(err)
}

// receive routes incoming Results until the connection fails, or carries a Result this build can't decode.
func (c *Client) receive(fc *frameConn) {
	for {
		b, err := fc.readFrame()
		if err != nil {
			if isExpectedCloseError(err) {
				c.log.Info("connection closed by server")
			} else {
				c.log.Errorf("error receiving data: %s", err)
			}
			c.teardown(fc, err)
			return
		}

		res, mode, err := envelope.DecodeResult(b)
		if err != nil {
			c.log.Errorf("undecodable result, disconnecting: %s", err)
			c.teardown(fc, fmt.Errorf("decoding result (client version: %s): %w", version.Identifier(), err))
			return
		}
		c.log.Debugw("received result", "Tag", res.Tag, "Mode", mode)
		c.route(res, mode)
	}
}

func (c *Client) route(res command.Result, mode command.DeliveryMode) {
	c.mut.Lock()
	results := c.results
	cb, isCallback := c.pending[res.Tag]
	if mode == command.HasCallback && isCallback {
		// taken out before invoking, so a concurrent teardown can't finish it while it runs
		delete(c.pending, res.Tag)
	}
	c.mut.Unlock()

	switch {
	case mode == command.VersionMismatch:
		res.Payload = fmt.Sprintf("%v\nclient version: %s", res.Payload, version.Identifier())
		results.push(res)
	case mode == command.HasCallback && isCallback:
		err := cb.Invoke(res.Payload)
		if err != nil {
			c.log.Errorf("callback for %s failed: %s", res.Tag, err)
		}
		cb.Finish(err)
	default:
		results.push(res)
	}
}

// Disconnect closes the connection. Callbacks still waiting for their Result are finished with ErrNotConnected.
// Disconnecting a disconnected client does nothing.
func (c *Client) Disconnect() {
	c.mut.Lock()
	fc := c.conn
	c.mut.Unlock()
	if fc == nil {
		return
	}
	c.log.Info("disconnecting")
	c.teardown(fc, ErrNotConnected)
}

// teardown releases fc, if it is still the client's connection.
func (c *Client) teardown(fc *frameConn, cause error) {
	c.mut.Lock()
	if c.conn != fc {
		c.mut.Unlock()
		return
	}
	if !errors.Is(cause, ErrNotConnected) && !errors.Is(cause, ErrConnectionBroken) {
		cause = fmt.Errorf("%w: %w", ErrConnectionBroken, cause)
	}
	fc.closeErr = cause
	c.conn = nil
	c.connected = false
	close(c.closed)
	pending := c.pending
	c.pending = map[command.Tag]*command.Callback{}
	c.mut.Unlock()

	if err := fc.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Errorf("error closing connection: %s", err)
	}

	for tag, cb := range pending {
		c.log.Debugf("abandoning callback for %s: %s", tag, cause)
		cb.Finish(cause)
	}
	c.log.Info("disconnected")
}
