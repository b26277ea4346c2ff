// Package server implements the accept loop and connection lifecycle:
// admission control, read-loop dispatch (RPC requests to internal/rpc,
// everything else to OnReceive and the connection's pull queue), and the
// Init -> Starting -> Running -> Stopping -> Stopped state machine.
//
// Grounded on the teacher's internal/websocket.Server (http.Server +
// Upgrader, handleWebSocket/handleClient accept-and-read-loop shape,
// running bool under a mutex) and on the original webshocket.server
// (_handler accept loop, start/serve_forever/close, accept() pull mode).
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	portal "github.com/nilsbertram/portal"
	"github.com/nilsbertram/portal/internal/channel"
	"github.com/nilsbertram/portal/internal/protocol"
	"github.com/nilsbertram/portal/internal/rpc"
	"github.com/nilsbertram/portal/internal/wsconn"
	"github.com/nilsbertram/portal/predicate"
)

// RunState is the server's lifecycle stage.
type RunState int32

const (
	Init RunState = iota
	Starting
	Running
	Stopping
	Stopped
)

// CheckOriginFn validates the origin of an incoming upgrade request.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called synchronously right after a connection is
// admitted and constructed, before its read loop starts. Returning an
// error refuses the connection: it is closed with policy-violation and
// never reaches OnReceive.
type OnConnectFn = func(conn *wsconn.Connection) error

// OnDisconnectFn is called once a connection's read loop exits, with
// voluntary true when the peer closed the socket rather than the server.
type OnDisconnectFn = func(conn *wsconn.Connection, voluntary bool)

// OnReceiveFn is called for every decoded, non-RPC inbound packet, in
// addition to the packet being pushed onto the connection's pull queue.
type OnReceiveFn = func(conn *wsconn.Connection, p *protocol.Packet)

// Config configures a Server at construction time.
type Config struct {
	Addr            string
	CheckOrigin     CheckOriginFn
	TLSConfig       *tls.Config
	MaxConnections  int
	PacketQueueSize int
	PingInterval    time.Duration
	Codec           protocol.Codec

	// InboundRateLimit throttles raw inbound frames per connection ahead
	// of decode, generalizing the teacher's per-client rate.Limiter into
	// an admission guard independent of the RPC-level limiter in
	// internal/rpc.
	InboundRateLimit rate.Limit
	InboundBurst     int

	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn
	OnReceive    OnReceiveFn
}

// Server owns the live connection set, the channel registry, the RPC
// dispatcher, and the HTTP listener backing the WebSocket upgrade
// endpoint.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	http     *http.Server

	Channels *channel.Registry
	RPC      *rpc.Dispatcher

	mu          sync.RWMutex
	state       RunState
	connections map[string]*wsconn.Connection

	acceptCh chan *wsconn.Connection
	pullMode bool

	stopOnce sync.Once
}

// New constructs a Server. Omitting every OnConnect/OnReceive callback
// switches the server into pull mode: accepted connections are queued
// on Accept instead of being handed to callbacks.
func New(cfg Config) *Server {
	if cfg.PacketQueueSize <= 0 {
		cfg.PacketQueueSize = 128
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		Channels:    channel.New(),
		RPC:         rpc.New(),
		connections: make(map[string]*wsconn.Connection),
		pullMode:    cfg.OnConnect == nil && cfg.OnReceive == nil,
	}
	if s.pullMode {
		s.acceptCh = make(chan *wsconn.Connection, 16)
	}
	return s
}

// RegisterMethod registers an RPC method, see rpc.Dispatcher.Register.
func (s *Server) RegisterMethod(m rpc.Method) error {
	return s.RPC.Register(m)
}

// State reports the server's current lifecycle stage.
func (s *Server) State() RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start begins listening and returns once the HTTP server is accepting
// connections or has failed to start.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Init && s.state != Stopped {
		s.mu.Unlock()
		return portal.ErrServerAlreadyRunning
	}
	s.state = Starting
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.http = &http.Server{Addr: s.cfg.Addr, Handler: mux, TLSConfig: s.cfg.TLSConfig}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSConfig != nil {
			err = s.http.ListenAndServeTLS("", "")
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.mu.Lock()
		s.state = Running
		s.mu.Unlock()
		return nil
	}
}

// Run starts the server, blocks until ctx is cancelled, and always stops
// before returning — the context-manager-style lifecycle the original
// project offers via `async with`. A Stop call made elsewhere shuts the
// server down but does not by itself make Run return; only cancelling
// ctx does.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// Stop closes every live connection and shuts down the HTTP listener.
// Re-entrant: a second call is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = Stopping
		conns := make([]*wsconn.Connection, 0, len(s.connections))
		for _, c := range s.connections {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			_ = c.Close(portal.CloseNormal, "server shutting down")
		}

		if s.http != nil {
			err = s.http.Shutdown(ctx)
		}

		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
	})
	return err
}

// Accept blocks until a connection arrives or ctx is cancelled. Valid
// only for servers constructed without OnConnect/OnReceive callbacks.
func (s *Server) Accept(ctx context.Context) (*wsconn.Connection, error) {
	if !s.pullMode {
		return nil, portal.ErrNotPullMode
	}
	select {
	case c := <-s.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connections returns a snapshot of every currently live connection.
func (s *Server) Connections() map[*wsconn.Connection]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[*wsconn.Connection]struct{}, len(s.connections))
	for _, c := range s.connections {
		out[c] = struct{}{}
	}
	return out
}

// Publish fans data out to every connection subscribed to any of
// channels, honoring exclude and pred the same way internal/channel does.
func (s *Server) Publish(channels []string, data any, exclude map[*wsconn.Connection]struct{}, pred predicate.Predicate) {
	s.Channels.Publish(channels, data, exclude, pred)
}

// Broadcast fans data out to every live connection, honoring exclude and
// pred.
func (s *Server) Broadcast(data any, exclude map[*wsconn.Connection]struct{}, pred predicate.Predicate) {
	s.Channels.Broadcast(s.Connections(), data, exclude, pred)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Admission control happens after the handshake, per spec.md §4.7: the
	// refused socket still needs a real close frame carrying 1013, which
	// only a completed WebSocket connection can send.
	s.mu.RLock()
	count := len(s.connections)
	limit := s.cfg.MaxConnections
	s.mu.RUnlock()

	if limit > 0 && count >= limit {
		message := websocket.FormatCloseMessage(portal.CloseTryAgainLater, "try again later")
		_ = raw.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		_ = raw.Close()
		return
	}

	var inboundLimiter *rate.Limiter
	if s.cfg.InboundRateLimit > 0 {
		inboundLimiter = rate.NewLimiter(s.cfg.InboundRateLimit, s.cfg.InboundBurst)
	}

	conn := wsconn.New(raw, r.RemoteAddr, wsconn.Options{
		QueueSize:    s.cfg.PacketQueueSize,
		PingInterval: s.cfg.PingInterval,
		Codec:        s.cfg.Codec,
		Registrar:    s.Channels,
	})

	s.mu.Lock()
	s.connections[conn.ID()] = conn
	s.mu.Unlock()

	go s.serve(conn, inboundLimiter)
}

func (s *Server) serve(conn *wsconn.Connection, inboundLimiter *rate.Limiter) {
	voluntary := true
	defer func() {
		s.mu.Lock()
		delete(s.connections, conn.ID())
		s.mu.Unlock()

		s.Channels.UnsubscribeAll(conn)
		s.RPC.Drop(conn.ID())
		_ = conn.Close(portal.CloseNormal, "")

		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(conn, voluntary)
		}
	}()

	raw := conn.UnderlyingConn()
	raw.SetReadDeadline(time.Now().Add(60 * time.Second))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if s.cfg.OnConnect != nil {
		if err := s.callOnConnect(conn); err != nil {
			_ = conn.Close(portal.ClosePolicyViolation, err.Error())
			voluntary = false
			return
		}
	}
	conn.MarkOpen()

	if s.pullMode {
		select {
		case s.acceptCh <- conn:
		default:
			fmt.Printf("server: warn: accept queue full, dropping connection %s\n", conn.ID())
			voluntary = false
			return
		}
	}

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			voluntary = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			return
		}
		raw.SetReadDeadline(time.Now().Add(60 * time.Second))

		if inboundLimiter != nil && !inboundLimiter.Allow() {
			fmt.Printf("server: warn: inbound rate limit exceeded for connection %s\n", conn.ID())
			_ = conn.Close(portal.ClosePolicyViolation, "rate limit exceeded")
			voluntary = false
			return
		}

		p, err := s.cfg.Codec.Decode(data)
		if err != nil {
			fmt.Printf("server: warn: failed to decode packet from connection %s: %v\n", conn.ID(), err)
			continue
		}

		if p.RPC != nil && p.RPC.Request != nil {
			s.RPC.Dispatch(conn.Context(), conn, p.RPC.Request)
			continue
		}

		conn.Deliver(p)
		if s.cfg.OnReceive != nil {
			s.callOnReceive(conn, p)
		}
	}
}

// callOnConnect invokes cfg.OnConnect, recovering from any panic so a
// misbehaving callback aborts only this connection rather than every
// live connection on the server.
func (s *Server) callOnConnect(conn *wsconn.Connection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("server: warn: OnConnect panicked for connection %s: %v\n", conn.ID(), r)
			err = fmt.Errorf("OnConnect panicked: %v", r)
		}
	}()
	return s.cfg.OnConnect(conn)
}

// callOnReceive invokes cfg.OnReceive, recovering from any panic and
// closing only the offending connection so a bad callback can't take
// down the rest of the server.
func (s *Server) callOnReceive(conn *wsconn.Connection, p *protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("server: warn: OnReceive panicked for connection %s: %v\n", conn.ID(), r)
			_ = conn.Close(portal.ClosePolicyViolation, "internal error")
		}
	}()
	s.cfg.OnReceive(conn, p)
}
