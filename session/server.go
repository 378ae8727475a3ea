package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/rpcbridge/command"
	"github.com/guseggert/rpcbridge/envelope"
	"github.com/guseggert/rpcbridge/executor"
	"github.com/guseggert/rpcbridge/internal/netx"
	"github.com/guseggert/rpcbridge/version"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// acceptStopTimeout bounds how long Stop waits for the accept loop to exit.
	acceptStopTimeout = 2 * time.Second

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server accepts session connections and runs the Commands it receives on an Executor.
type Server struct {
	log  *zap.SugaredLogger
	exec executor.Executor

	host            string
	port            int
	dispatchTimeout time.Duration
	maxDispatch     int64

	mut        sync.Mutex
	running    bool
	listener   net.Listener
	conns      map[string]*serverConn
	acceptDone chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	dispatch   *semaphore.Weighted
}

// Status is a snapshot of a Server's state.
type Status struct {
	Running bool   `json:"running"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Clients int    `json:"clients"`
	// Peers are the addresses of the connected clients, sorted.
	Peers []string `json:"peers,omitempty"`
}

type serverConn struct {
	*frameConn
	addr string
}

type ServerOption func(s *Server)

func WithHost(host string) ServerOption {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the port to listen on. If it is unavailable, Start falls back to an ephemeral port.
func WithPort(port int) ServerOption {
	return func(s *Server) {
		s.port = port
	}
}

// WithDispatchTimeout sets how long a dispatch waits for the Executor before replying with ErrExecutorTimeout.
func WithDispatchTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.dispatchTimeout = d
	}
}

// WithMaxDispatch bounds the number of Commands waiting on the Executor at once. Zero means no bound.
func WithMaxDispatch(n int64) ServerOption {
	return func(s *Server) {
		s.maxDispatch = n
	}
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = l.Named("session_server").Sugar()
	}
}

// NewServer constructs a server that runs Commands on exec.
func NewServer(exec executor.Executor, opts ...ServerOption) *Server {
	s := &Server{
		log:             zap.NewNop().Sugar(),
		exec:            exec,
		host:            "localhost",
		port:            DefaultPort,
		dispatchTimeout: DefaultTimeout,
		conns:           map[string]*serverConn{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start binds the listener and starts accepting connections in the background.
func (s *Server) Start() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	l, fellBack, err := netx.ListenTCP(s.host, s.port)
	if err != nil {
		s.log.Errorf("failed to start server: %s", err)
		return fmt.Errorf("starting server: %w", err)
	}
	if fellBack {
		s.log.Infof("port %d unavailable, bound to ephemeral port %d", s.port, netx.Port(l))
	}
	s.port = netx.Port(l)
	s.listener = l
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.maxDispatch > 0 {
		s.dispatch = semaphore.NewWeighted(s.maxDispatch)
	} else {
		s.dispatch = nil
	}
	s.acceptDone = make(chan struct{})

	go s.accept(s.ctx, l, s.acceptDone)

	s.log.Infof("server started on %s", l.Addr())
	return nil
}

// Addr returns the address the server is listening on, or "" if it isn't.
func (s *Server) Addr() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Running() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.running
}

func (s *Server) Status() Status {
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.running {
		return Status{}
	}
	peers := make([]string, 0, len(s.conns))
	for addr := range s.conns {
		peers = append(peers, addr)
	}
	sort.Strings(peers)
	return Status{
		Running: true,
		Host:    s.host,
		Port:    s.port,
		Clients: len(s.conns),
		Peers:   peers,
	}
}

// accept registers and serves connections until l is closed. Failed accepts, such as running out of file descriptors,
// are retried with a backoff.
func (s *Server) accept(ctx context.Context, l net.Listener, done chan struct{}) {
	defer close(done)
	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.Running() {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.log.Errorf("error accepting connection: %s; retrying in %s", err, delay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}
		delay = 0

		sc, err := s.register(conn, conn.RemoteAddr().String())
		if err != nil {
			conn.Close()
			return
		}
		go s.serve(sc)
	}
}

// ServeConn serves a session over a connection accepted elsewhere, such as a tunnel.
// It blocks until the connection ends or the server stops.
func (s *Server) ServeConn(conn net.Conn, peer string) error {
	sc, err := s.register(conn, peer)
	if err != nil {
		conn.Close()
		return err
	}
	s.serve(sc)
	return nil
}

func (s *Server) register(conn net.Conn, peer string) (*serverConn, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	addr := peer
	for i := 2; ; i++ {
		if _, taken := s.conns[addr]; !taken {
			break
		}
		addr = peer + "#" + strconv.Itoa(i)
	}
	sc := &serverConn{frameConn: newFrameConn(conn), addr: addr}
	s.conns[addr] = sc
	s.log.Debugf("accepted connection from %s, total clients: %d", addr, len(s.conns))
	return sc, nil
}

func (s *Server) deregister(sc *serverConn) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.conns[sc.addr] == sc {
		delete(s.conns, sc.addr)
		s.log.Debugf("removed client %s, total clients: %d", sc.addr, len(s.conns))
	}
}

// serve reads Commands off sc until it fails, dispatching each one without waiting for it.
func (s *Server) serve(sc *serverConn) {
	defer func() {
		if err := sc.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Errorf("error closing connection from %s: %s", sc.addr, err)
		}
		s.deregister(sc)
		s.log.Infof("closed connection from %s", sc.addr)
	}()

	for {
		b, err := sc.readFrame()
		if err != nil {
			if isExpectedCloseError(err) {
				s.log.Debugf("connection from %s ended: %s", sc.addr, err)
			} else {
				s.log.Errorf("error reading from %s: %s", sc.addr, err)
			}
			return
		}

		cmd, mode, err := envelope.DecodeCommand(b)
		if err != nil {
			s.log.Errorf("undecodable frame from %s: %s", sc.addr, err)
			if err := s.replyVersionMismatch(sc, err); err != nil {
				s.log.Errorf("error replying to %s: %s", sc.addr, err)
				return
			}
			continue
		}

		s.log.Infow("received command", "Peer", sc.addr, "Tag", cmd.Tag(), "Kind", cmd.Kind(), "Mode", mode)
		go s.dispatchCommand(sc, cmd, mode)
	}
}

func (s *Server) replyVersionMismatch(sc *serverConn, decodeErr error) error {
	msg := fmt.Sprintf("%s\nmaybe protocol version mismatch\nserver version: %s",
		command.ErrorPayload(decodeErr), version.Identifier())
	return sc.writeResult(command.Result{Tag: command.ZeroTag, Payload: msg}, command.VersionMismatch)
}

func (s *Server) dispatchCommand(sc *serverConn, cmd command.Command, mode command.DeliveryMode) {
	s.mut.Lock()
	serverCtx, sem := s.ctx, s.dispatch
	s.mut.Unlock()

	tag := cmd.Tag()
	replyMode := command.NoCallback
	if mode == command.HasCallback {
		replyMode = command.HasCallback
		// the caller's Call returns on this, the real Result goes to its Callback later
		if err := sc.writeResult(command.Result{Tag: tag, Payload: tag.String()}, command.NoCallback); err != nil {
			s.log.Errorf("error acknowledging %s to %s: %s", tag, sc.addr, err)
			return
		}
	}

	if sem != nil {
		if err := sem.Acquire(serverCtx, 1); err != nil {
			return
		}
		defer sem.Release(1)
	}

	out, err := s.execute(serverCtx, cmd)
	if err != nil {
		if serverCtx.Err() != nil {
			// stopping, the connection is going away anyway
			return
		}
		s.log.Errorf("command %s from %s: %s", tag, sc.addr, err)
		out = command.Err(err)
	}

	if err := sc.writeResult(command.Result{Tag: tag, Payload: out.Payload()}, replyMode); err != nil {
		s.log.Errorf("error sending result of %s to %s: %s", tag, sc.addr, err)
		return
	}
	s.log.Debugw("command completed", "Peer", sc.addr, "Tag", tag, "Mode", replyMode)
}

// execute submits cmd and waits for its outcome, up to the dispatch timeout.
func (s *Server) execute(ctx context.Context, cmd command.Command) (command.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	ch, err := s.exec.Submit(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return command.Outcome{}, fmt.Errorf("%w after %s", ErrExecutorTimeout, s.dispatchTimeout)
		}
		return command.Outcome{}, fmt.Errorf("submitting to executor: %w", err)
	}
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return command.Outcome{}, fmt.Errorf("%w after %s", ErrExecutorTimeout, s.dispatchTimeout)
		}
		return command.Outcome{}, ctx.Err()
	}
}

// Stop closes every connection and the listener. It never fails: teardown errors are logged.
// Stopping a stopped server does nothing.
func (s *Server) Stop() {
	s.mut.Lock()
	conns := s.conns
	s.conns = map[string]*serverConn{}
	l := s.listener
	s.listener = nil
	wasRunning := s.running
	s.running = false
	acceptDone := s.acceptDone
	s.acceptDone = nil
	cancel := s.cancel
	s.mut.Unlock()

	for addr, c := range conns {
		if err := c.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Errorf("error closing connection from %s: %s", addr, err)
			continue
		}
		s.log.Infof("closed client connection from %s", addr)
	}

	if l != nil {
		if err := l.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Errorf("error closing listener: %s", err)
		}
	}
	if cancel != nil {
		cancel()
	}

	if acceptDone != nil {
		select {
		case <-acceptDone:
		case <-time.After(acceptStopTimeout):
			s.log.Warn("accept loop did not terminate within timeout")
		}
	}

	if wasRunning {
		s.log.Info("server stopped")
	}
}
