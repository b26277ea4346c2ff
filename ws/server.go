// Package ws is the public-facing facade over internal/server,
// internal/rpc, internal/channel, and internal/wsconn — mirroring the
// teacher's ws/server.go, which does the same flattening over its own
// internal/websocket package.
package ws

import (
	"context"
	"net/http"

	"github.com/nilsbertram/portal/internal/protocol"
	"github.com/nilsbertram/portal/internal/rpc"
	"github.com/nilsbertram/portal/internal/server"
	"github.com/nilsbertram/portal/internal/wsconn"
	"github.com/nilsbertram/portal/predicate"
)

// Connection is a connected peer: session attributes, channel
// subscriptions, and send/receive queues.
type Connection = wsconn.Connection

// Packet is one unit of application-level message, carrying either
// free-form data or an RPC request/response.
type Packet = protocol.Packet

// Method binds an RPC alias to a handler, an optional access predicate,
// and an optional rate limit.
type Method = rpc.Method

// RateLimit configures a Method's per-(connection, method) token bucket.
type RateLimit = rpc.RateLimitConfig

// HandlerFunc implements one RPC method.
type HandlerFunc = rpc.HandlerFunc

// CheckOriginFn validates the origin of an incoming upgrade request.
type CheckOriginFn = server.CheckOriginFn

// OnConnectFn is called right after a connection is admitted.
type OnConnectFn = server.OnConnectFn

// OnDisconnectFn is called once a connection's read loop exits.
type OnDisconnectFn = server.OnDisconnectFn

// OnReceiveFn is called for every decoded, non-RPC inbound packet.
type OnReceiveFn = server.OnReceiveFn

// Config configures a Server at construction time.
type Config = server.Config

// Predicate is a boolean rule evaluated against a connection's session
// attributes.
type Predicate = predicate.Predicate

// Is, Has, IsEqual, Any, All, and Not are re-exported from predicate so
// callers writing access-control rules or publish/broadcast filters
// don't need a second import.
var (
	Is      = predicate.Is
	Has     = predicate.Has
	IsEqual = predicate.IsEqual
	Any     = predicate.Any
	All     = predicate.All
	Not     = predicate.Not
)

// Server is a running (or not-yet-started) WebSocket endpoint offering
// RPC dispatch, pub/sub channels, and per-connection session state.
type Server struct {
	*server.Server
}

// New constructs a Server from cfg. Call Start or Run to begin accepting
// connections.
//
// Example:
//
//	srv := ws.New(&ws.Config{Addr: ":8080", CheckOrigin: ws.AllOrigins()})
//	srv.RegisterRPC(ws.Method{
//	    Alias: "add",
//	    Handler: func(ctx context.Context, conn *ws.Connection, args []any, kwargs map[string]any) (any, error) {
//	        return args[0].(float64) + args[1].(float64), nil
//	    },
//	})
//	srv.Start(ctx)
func New(cfg *Config) *Server {
	return &Server{Server: server.New(*cfg)}
}

// RegisterRPC registers m on the server's method table. A duplicate
// alias is a hard error.
func (s *Server) RegisterRPC(m Method) error {
	return s.RegisterMethod(m)
}

// AllOrigins returns a CheckOriginFn that allows every origin. Intended
// for local development only — production servers should validate the
// Origin header.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool { return true }
}

// ExcludeSelf is a convenience builder for the exclude sets Publish and
// Broadcast take, covering the common "send to everyone but me" case.
func ExcludeSelf(conn *Connection) map[*Connection]struct{} {
	return map[*Connection]struct{}{conn: {}}
}

// Run starts the server, blocks until ctx is cancelled, and stops before
// returning — a single blocking call for callers who don't need
// separate Start/Stop control.
func (s *Server) Run(ctx context.Context) error {
	return s.Server.Run(ctx)
}
