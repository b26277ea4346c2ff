// Package client implements the client-side half of the connection
// runtime: dial with retry/backoff, a send/recv queue pair, and an
// outbound RPC call table that correlates requests with responses by
// call id.
//
// Grounded on the teacher's internal/websocket.Client (uuid-tagged id,
// buffered sendCh drained by a writePump, periodic ping, mutex-guarded
// closed flag) and on the original webshocket.client (connect/retry with
// exponential backoff, send_rpc's pending-future table, recv with
// timeout, context-manager lifecycle).
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	portal "github.com/nilsbertram/portal"
	"github.com/nilsbertram/portal/internal/protocol"
)

// State is the client connection's lifecycle stage.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OnReceiveFn is called for every decoded inbound packet that is not an
// RPC response; responses go to their pending call, or are dropped with a
// warning when no call matches. When set, packets are not also
// pushed onto the pull-style Recv queue — mirroring the teacher's
// either/or choice between a receive callback and manual polling.
type OnReceiveFn = func(p *protocol.Packet)

// Config configures a Client at construction time.
type Config struct {
	URI             string
	OnReceive       OnReceiveFn
	TLSConfig       *tls.Config
	PacketQueueSize int
	Codec           protocol.Codec
}

// ConnectOptions governs Connect's retry behaviour.
type ConnectOptions struct {
	// Retry, when true, retries a failed dial with exponential backoff
	// instead of returning the error immediately.
	Retry bool
	// MaxRetryAttempts bounds the number of additional attempts after the
	// first. Ignored when Retry is false.
	MaxRetryAttempts int
	// RetryInterval is the base delay; attempt k waits
	// RetryInterval * 2^k, capped at RetryInterval * 2^6, plus jitter.
	RetryInterval time.Duration
}

const maxBackoffShift = 6

// RPCCallOptions governs SendRPC's waiting behaviour.
type RPCCallOptions struct {
	// Timeout bounds how long SendRPC waits for a matching response. Zero
	// means 30 seconds, matching the original implementation's default.
	Timeout time.Duration
	// RaiseOnRateLimit turns a RATE_LIMITED response into a *RateLimitError
	// instead of returning the response packet for inspection.
	RaiseOnRateLimit bool
}

// RateLimitError is returned by SendRPC when the call was rejected by the
// server's rate limiter and RaiseOnRateLimit was set.
type RateLimitError struct {
	Method string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("client: rpc call to %q rate limited", e.Method)
}

// Client is a connection to a single WebSocket server, offering send,
// pull-style recv, and correlated RPC calls.
type Client struct {
	cfg Config

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	sendCh chan []byte
	recvCh chan *protocol.Packet

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Packet

	closeOnce sync.Once
}

// New constructs a Client. Call Connect before Send/SendRPC/Recv.
func New(cfg Config) *Client {
	if cfg.PacketQueueSize <= 0 {
		cfg.PacketQueueSize = 128
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	return &Client{
		cfg:     cfg,
		pending: make(map[string]chan *protocol.Packet),
	}
}

// State reports the client's current lifecycle stage.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials the configured URI. On failure, when opts.Retry is set,
// it retries with exponential backoff (opts.RetryInterval * 2^k, capped,
// plus jitter) up to opts.MaxRetryAttempts additional attempts.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) error {
	if !opts.Retry {
		return c.connectOnce(ctx)
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			shift := attempt - 1
			if shift > maxBackoffShift {
				shift = maxBackoffShift
			}
			delay := opts.RetryInterval << shift
			delay += time.Duration(rand.Int63n(int64(time.Second) + 1))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = c.connectOnce(ctx); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("client: all connection attempts to %s failed: %w", c.cfg.URI, lastErr)
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{TLSClientConfig: c.cfg.TLSConfig}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URI, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("client: dial %s: %w", c.cfg.URI, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.ctx = runCtx
	c.cancel = cancel
	c.sendCh = make(chan []byte, c.cfg.PacketQueueSize)
	c.recvCh = make(chan *protocol.Packet, c.cfg.PacketQueueSize)
	c.state = StateConnected
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()

	return nil
}

// Send wraps a raw string or []byte payload in a client-sourced packet
// and transmits it. Passing a *protocol.Packet sends it as-is.
func (c *Client) Send(payload any) error {
	if p, ok := payload.(*protocol.Packet); ok {
		return c.SendPacket(p)
	}
	return c.SendPacket(&protocol.Packet{Data: payload, Source: int(portal.SourceClient)})
}

// SendPacket encodes and enqueues p for transmission.
func (c *Client) SendPacket(p *protocol.Packet) error {
	c.mu.RLock()
	if c.state != StateConnected {
		c.mu.RUnlock()
		return portal.ErrConnectionClosed
	}
	sendCh := c.sendCh
	ctx := c.ctx
	c.mu.RUnlock()

	encoded, err := c.cfg.Codec.Encode(p)
	if err != nil {
		return fmt.Errorf("client: encode: %w", err)
	}

	select {
	case sendCh <- encoded:
		return nil
	case <-ctx.Done():
		return portal.ErrConnectionClosed
	}
}

// SendRPC allocates a fresh call id, registers a one-shot completion sink
// in the pending-call table, transmits the request, and waits for the
// matching response or opts.Timeout, whichever comes first.
func (c *Client) SendRPC(ctx context.Context, method string, args []any, kwargs map[string]any, opts RPCCallOptions) (*protocol.Packet, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	callID := uuid.New().String()
	sink := make(chan *protocol.Packet, 1)

	c.pendingMu.Lock()
	c.pending[callID] = sink
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, callID)
		c.pendingMu.Unlock()
	}()

	req := &protocol.Packet{
		Source: int(portal.SourceRPC),
		RPC: &protocol.RPCEnvelope{Request: &protocol.RPCRequest{
			CallID: callID,
			Method: method,
			Args:   args,
			Kwargs: kwargs,
		}},
	}
	if err := c.SendPacket(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-sink:
		if opts.RaiseOnRateLimit && resp.RPC != nil && resp.RPC.Response != nil &&
			resp.RPC.Response.Error == string(portal.ErrRateLimited) {
			return resp, &RateLimitError{Method: method}
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("client: rpc call %q (%s) timed out after %s", method, callID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.doneCh():
		return nil, portal.ErrConnectionClosed
	}
}

func (c *Client) doneCh() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ctx == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.ctx.Done()
}

// Recv blocks until the next inbound non-RPC-response packet is
// available, ctx is cancelled, or the connection closes. Recv only ever
// yields packets when Config.OnReceive is unset — on the client the two
// delivery modes are mutually exclusive, whereas the server feeds both
// its OnReceive callback and the connection's pull queue.
func (c *Client) Recv(ctx context.Context) (*protocol.Packet, error) {
	c.mu.RLock()
	recvCh := c.recvCh
	c.mu.RUnlock()
	doneCh := c.doneCh()

	select {
	case p, ok := <-recvCh:
		if !ok {
			return nil, portal.ErrConnectionClosed
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-doneCh:
		return nil, portal.ErrConnectionClosed
	}
}

// Close closes the connection gracefully and is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state == StateDisconnected {
			c.state = StateClosed
			c.mu.Unlock()
			return
		}
		c.state = StateClosed
		conn := c.conn
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			message := websocket.FormatCloseMessage(portal.CloseNormal, "")
			_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
			err = conn.Close()
		}
	})
	return err
}

func (c *Client) writePump() {
	c.mu.RLock()
	conn, sendCh, ctx := c.conn, c.sendCh, c.ctx
	c.mu.RUnlock()

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sendCh:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) readPump() {
	c.mu.RLock()
	conn, recvCh := c.conn, c.recvCh
	c.mu.RUnlock()

	defer func() {
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		_ = c.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		p, err := c.cfg.Codec.Decode(data)
		if err != nil {
			fmt.Printf("client: warn: failed to decode packet: %v\n", err)
			continue
		}

		if p.RPC != nil && p.RPC.Response != nil {
			c.pendingMu.Lock()
			sink, ok := c.pending[p.RPC.Response.CallID]
			c.pendingMu.Unlock()
			if ok {
				sink <- p
				continue
			}
			fmt.Printf("client: warn: dropped unmatched rpc response for call %s\n", p.RPC.Response.CallID)
			continue
		}

		if c.cfg.OnReceive != nil {
			c.cfg.OnReceive(p)
			continue
		}

		select {
		case recvCh <- p:
		default:
			select {
			case <-recvCh:
			default:
			}
			select {
			case recvCh <- p:
			default:
			}
		}
	}
}
