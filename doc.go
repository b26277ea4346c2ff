// Package portal provides a WebSocket application framework built around
// three intertwined capabilities: a bidirectional RPC dispatch system with
// access-control predicates and token-bucket rate limiting, a pub/sub
// channel and broadcast fabric with predicate-filtered delivery, and
// per-connection session state that survives across messages for the
// lifetime of a socket.
//
// # Architecture
//
// Every message exchanged with a connected peer is a Packet: a tagged
// envelope carrying either free-form data or an RPC request/response. The
// wire format is JSON by default (internal/protocol.JSONCodec); a
// version-tagged binary codec is available as an opt-in fast path.
//
// # Quick Start
//
//	import "github.com/nilsbertram/portal/ws"
//
//	srv := ws.New(&ws.Config{Addr: ":8080", CheckOrigin: ws.AllOrigins()})
//
//	srv.RegisterRPC(ws.Method{
//	    Alias: "add",
//	    Handler: func(ctx context.Context, conn *ws.Connection, args []any, kwargs map[string]any) (any, error) {
//	        return args[0].(float64) + args[1].(float64), nil
//	    },
//	})
//
//	srv.Start(ctx)
//
// # Channels
//
// Connections subscribe to named channels; Publish and Broadcast fan a
// message out to subscribers, optionally filtered by a predicate over each
// recipient's session attributes and excluding a given set of connections.
//
// # Rate limiting
//
// Each RPC method may declare a token-bucket rate limit, keyed per
// (connection, method). Exhaustion yields a RATE_LIMITED response and,
// optionally, closes the connection with policy-violation (1008).
//
// # Concurrency model
//
// A single goroutine owns each connection's read loop and decodes inbound
// frames in wire order. RPC handlers run in their own goroutines so a slow
// call never blocks that read loop; responses may therefore complete out
// of request order across concurrent calls from the same client — this is
// intentional, not a bug.
package portal
