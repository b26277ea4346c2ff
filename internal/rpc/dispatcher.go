// Package rpc implements the method registry and dispatch pipeline: alias
// lookup, access-control predicates, per-method rate limiting, and
// response delivery — spec.md §4.6's "bidirectional RPC" half of the
// framework.
//
// Grounded on the original webshocket.server._handle_rpc_request /
// _check_restricted_access / _check_rate_limit / _execute_rpc_method
// pipeline, expressed here with the teacher's habit of spawning one
// goroutine per unit of work rather than blocking the read loop
// (internal/websocket/websocket_server.go's command handling).
package rpc

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	portal "github.com/nilsbertram/portal"
	"github.com/nilsbertram/portal/internal/protocol"
	"github.com/nilsbertram/portal/internal/ratelimit"
	"github.com/nilsbertram/portal/internal/wsconn"
	"github.com/nilsbertram/portal/predicate"
)

// HandlerFunc implements one RPC method. Its return value becomes
// RPCResponse.Response verbatim, including Go zero values — a handler
// returning nil, 0, "", or false is a successful falsy response, not a
// missing one.
type HandlerFunc func(ctx context.Context, conn *wsconn.Connection, args []any, kwargs map[string]any) (any, error)

// RateLimitConfig configures the per-(connection, method) token bucket
// guarding one method, mirroring ratelimit.Config without importing that
// package's name into the public Method shape.
type RateLimitConfig struct {
	Limit              int
	Period             string
	DisconnectOnExceed bool
}

// Method binds an RPC alias to a handler, an optional access predicate,
// and an optional rate limit.
type Method struct {
	Alias     string
	Handler   HandlerFunc
	Requires  predicate.Predicate
	RateLimit *RateLimitConfig
}

// Dispatcher owns the method table and the rate limiter backing every
// registered method's RateLimit.
type Dispatcher struct {
	methods map[string]Method
	limiter *ratelimit.Limiter
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		methods: make(map[string]Method),
		limiter: ratelimit.New(),
	}
}

// Register adds m to the method table. A duplicate alias is a hard
// configuration error, never a silent overwrite.
func (d *Dispatcher) Register(m Method) error {
	if m.Alias == "" {
		return fmt.Errorf("rpc: method alias cannot be empty")
	}
	if _, exists := d.methods[m.Alias]; exists {
		return fmt.Errorf("rpc: %w: %q", portal.ErrDuplicateAlias, m.Alias)
	}
	d.methods[m.Alias] = m
	return nil
}

// Dispatch runs the full pipeline for one inbound RPC request: method
// lookup, access check, rate-limit check, handler invocation in its own
// goroutine, and exactly one response packet sent back per call id. It
// never blocks the caller past the three synchronous checks.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *wsconn.Connection, req *protocol.RPCRequest) {
	method, ok := d.methods[req.Method]
	if !ok {
		d.respondError(conn, req.CallID, portal.ErrMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		return
	}

	if method.Requires != nil && !method.Requires.Eval(conn) {
		d.respondError(conn, req.CallID, portal.ErrAccessDenied, fmt.Sprintf("access denied to method %q", req.Method))
		return
	}

	if method.RateLimit != nil {
		allowed, err := d.limiter.Allow(conn.ID(), req.Method, ratelimit.Config{
			Limit:              method.RateLimit.Limit,
			Period:             method.RateLimit.Period,
			DisconnectOnExceed: method.RateLimit.DisconnectOnExceed,
		})
		if err != nil {
			d.respondError(conn, req.CallID, portal.ErrInternal, err.Error())
			return
		}
		if !allowed {
			d.respondError(conn, req.CallID, portal.ErrRateLimited, fmt.Sprintf("rate limit exceeded for method %q", req.Method))
			if method.RateLimit.DisconnectOnExceed {
				_ = conn.Close(portal.ClosePolicyViolation, "rate limit exceeded")
			}
			return
		}
	}

	go d.invoke(ctx, conn, method, req)
}

// invoke runs method.Handler in its own goroutine. A panicking handler
// must never take the whole server down with it, mirroring the
// original's _handle_rpc_request, which wraps the dispatch+handler call
// in try/except and always sends back an RPC response rather than
// letting the exception propagate.
func (d *Dispatcher) invoke(ctx context.Context, conn *wsconn.Connection, method Method, req *protocol.RPCRequest) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("rpc: warn: method %q panicked for call %s on connection %s: %v\n", req.Method, req.CallID, conn.ID(), r)
			code, message := classifyPanic(r)
			d.respondError(conn, req.CallID, code, message)
		}
	}()

	result, err := method.Handler(ctx, conn, req.Args, req.Kwargs)
	if err != nil {
		d.respondError(conn, req.CallID, portal.ErrInternal, err.Error())
		return
	}
	d.respond(conn, &protocol.RPCResponse{CallID: req.CallID, Response: result})
}

// classifyPanic maps a recovered handler panic to an RPC error code,
// mirroring the original's TypeError (bad argument shape) versus
// generic-Exception (everything else) split: a bad type assertion or an
// out-of-range index while unpacking args/kwargs means the caller sent
// the wrong shape, not that the server is broken.
func classifyPanic(r any) (portal.RPCErrorCode, string) {
	if _, ok := r.(*runtime.TypeAssertionError); ok {
		return portal.ErrInvalidArgument, fmt.Sprintf("invalid argument: %v", r)
	}
	if rerr, ok := r.(runtime.Error); ok {
		msg := rerr.Error()
		if strings.Contains(msg, "index out of range") || strings.Contains(msg, "slice bounds out of range") {
			return portal.ErrInvalidArgument, fmt.Sprintf("invalid argument: %v", rerr)
		}
		return portal.ErrInternal, fmt.Sprintf("internal error: %v", rerr)
	}
	return portal.ErrInternal, fmt.Sprintf("internal error: %v", r)
}

func (d *Dispatcher) respond(conn *wsconn.Connection, resp *protocol.RPCResponse) {
	p := &protocol.Packet{
		Source: int(portal.SourceRPC),
		RPC:    &protocol.RPCEnvelope{Response: resp},
	}
	if err := conn.SendPacket(p); err != nil {
		fmt.Printf("rpc: warn: failed to deliver response for call %s to connection %s: %v\n", resp.CallID, conn.ID(), err)
	}
}

func (d *Dispatcher) respondError(conn *wsconn.Connection, callID string, code portal.RPCErrorCode, message string) {
	d.respond(conn, &protocol.RPCResponse{CallID: callID, Error: string(code), ErrorMessage: message})
}

// Drop releases every rate-limit bucket belonging to connID. Call this
// when a connection closes so its buckets don't leak.
func (d *Dispatcher) Drop(connID string) {
	d.limiter.Drop(connID)
}
