package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/rpcbridge/command"
	"github.com/guseggert/rpcbridge/envelope"
)

// DefaultTimeout bounds both a client's wait for a reply and a server's wait for the Executor.
const DefaultTimeout = 300 * time.Second

// DefaultPort is the port servers listen on and clients connect to unless told otherwise.
const DefaultPort = 20819

var (
	// ErrConnectionBroken is returned when the peer goes away.
	ErrConnectionBroken = envelope.ErrConnectionBroken
	// ErrNotConnected is returned by calls on a client without a live connection.
	ErrNotConnected = errors.New("not connected to server")
	// ErrRequestTimedOut is returned when no reply arrives within the call timeout. The server-side work is not cancelled.
	ErrRequestTimedOut = errors.New("request timed out")
	// ErrExecutorTimeout is reported to the client when the Executor doesn't produce a result within the dispatch timeout.
	ErrExecutorTimeout = errors.New("executor timed out")
	// ErrInvalidCommand is returned for nil Commands.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrDuplicateTag is returned when a Callback is already registered for the Command's tag.
	ErrDuplicateTag = errors.New("callback already registered for tag")
	// ErrAlreadyRunning is returned when starting a server that is already running.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrNotRunning is returned when handing a connection to a server that isn't running.
	ErrNotRunning = errors.New("server not running")
	// ErrAlreadyConnected is returned when attaching a connection to a client that already has one.
	ErrAlreadyConnected = errors.New("already connected")
)

// frameConn is a connection shared between one reader and any number of writers.
type frameConn struct {
	net.Conn

	writeMut sync.Mutex
	// closeErr is why the connection was torn down. It is set before the client's closed channel is closed.
	closeErr error
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{Conn: conn}
}

func (c *frameConn) readFrame() ([]byte, error) {
	return envelope.ReadFrame(c.Conn)
}

func (c *frameConn) writeFrame(b []byte) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	return envelope.WriteFrame(c.Conn, b)
}

func (c *frameConn) writeResult(res command.Result, mode command.DeliveryMode) error {
	b, err := envelope.EncodeResult(res, mode)
	if err != nil {
		// the payload can't be represented on the wire, so report that instead
		b, err = envelope.EncodeResult(command.Result{Tag: res.Tag, Payload: command.ErrorPayload(err)}, mode)
		if err != nil {
			return err
		}
	}
	return c.writeFrame(b)
}

// isExpectedCloseError reports whether err is a normal connection termination, which isn't worth logging as an error.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// resultQueue is an unbounded FIFO of Results with a blocking pop.
type resultQueue struct {
	mut   sync.Mutex
	items []command.Result
	ready chan struct{}
}

func newResultQueue() *resultQueue {
	return &resultQueue{ready: make(chan struct{}, 1)}
}

func (q *resultQueue) push(res command.Result) {
	q.mut.Lock()
	q.items = append(q.items, res)
	q.mut.Unlock()
	q.signal()
}

func (q *resultQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *resultQueue) tryPop() (command.Result, bool) {
	q.mut.Lock()
	defer q.mut.Unlock()
	if len(q.items) == 0 {
		return command.Result{}, false
	}
	res := q.items[0]
	q.items[0] = command.Result{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return res, true
}

func (q *resultQueue) len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return len(q.items)
}
