// Package control exposes a running session Server over HTTP: a heartbeat, a status endpoint,
// and sessions tunnelled through WebSocket connections for peers that can't reach the session port directly.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/rpcbridge/session"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// maxMessageSize bounds a single WebSocket message carrying session frames.
const maxMessageSize = 64 << 20

var ErrNotStarted = errors.New("control agent not started")

// Agent serves the control surface of a session Server.
type Agent struct {
	log    *zap.SugaredLogger
	server *session.Server

	listenAddr string

	mut        sync.Mutex
	httpServer *http.Server
	listener   net.Listener

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.log = l.Named("control").Sugar()
	}
}

// NewAgent constructs a control agent for server.
func NewAgent(server *session.Server, opts ...Option) *Agent {
	a := &Agent{
		log:        zap.NewNop().Sugar(),
		server:     server,
		listenAddr: "127.0.0.1:8080",
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handler returns the router serving the control endpoints.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/status", a.status)
	router.GET("/session", a.serveSession)
	return router
}

// Start listens on the agent's address and serves in the background.
func (a *Agent) Start() error {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.httpServer != nil {
		return fmt.Errorf("control agent already listening on %s", a.listener.Addr())
	}

	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	server := &http.Server{Handler: a.Handler()}
	a.httpServer = server
	a.listener = l

	go func() {
		err := server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorf("control server failed: %s", err)
		}
	}()
	a.log.Infof("control surface listening on %s", l.Addr())
	return nil
}

// Addr returns the address the agent is listening on, or "" if it isn't.
func (a *Agent) Addr() string {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop closes the HTTP server. Tunnelled sessions are hijacked connections owned by the session Server,
// and end when it stops.
func (a *Agent) Stop() error {
	a.mut.Lock()
	server := a.httpServer
	a.httpServer = nil
	a.listener = nil
	a.mut.Unlock()
	if server == nil {
		return ErrNotStarted
	}
	return server.Close()
}

// LastHeartbeat returns when the last heartbeat was received, or the zero time if none was.
func (a *Agent) LastHeartbeat() time.Time {
	a.heartbeatMut.Lock()
	defer a.heartbeatMut.Unlock()
	return a.lastHeartbeat
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	resp := HeartbeatResponse{}
	if !lastHeartbeat.IsZero() {
		resp.LastHeartbeat = lastHeartbeat.UTC().Format(time.RFC3339)
	}
	a.writeJSON(w, resp)
}

func (a *Agent) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, a.server.Status())
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// serveSession bridges a WebSocket connection into the session Server, returning once the session ends.
func (a *Agent) serveSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !a.server.Running() {
		http.Error(w, session.ErrNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.log.Debugf("session WebSocket accept error: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(maxMessageSize)
	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)

	a.log.Debugw("tunnelling session", "Peer", r.RemoteAddr)
	if err := a.server.ServeConn(conn, r.RemoteAddr); err != nil {
		a.log.Debugf("session from %s refused: %s", r.RemoteAddr, err)
	}
}
