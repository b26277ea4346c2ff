// Package wsconn implements the per-connection runtime: one live socket,
// its session attribute bag, its channel subscriptions, and its bounded
// send/receive queues.
//
// Grounded on the teacher's internal/websocket.Client (uuid-tagged id,
// context-scoped lifecycle, buffered send channel drained by a dedicated
// write pump, periodic ping) and on the original webshocket.ClientConnection
// (dynamic session_state bag, subscribe/unsubscribe shortcuts, chunked
// send for large payloads).
package wsconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nilsbertram/portal/internal/protocol"
)

// State is a connection's lifecycle stage, per spec.md §3.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendPolicy governs what Send does when the outbound buffer is full.
type SendPolicy int

const (
	// BlockOnFull blocks the producer until space frees up or the
	// connection closes. This is the spec.md §4.4 default.
	BlockOnFull SendPolicy = iota
	// DropOldestOnFull evicts the oldest queued packet to make room for
	// the newest one, trading delivery guarantees for latency.
	DropOldestOnFull
)

// chunkThreshold is the payload size above which Send splits a message
// into multiple WebSocket fragments, grounded on the original
// implementation's 64KiB chunk_size in ClientConnection.send.
const chunkThreshold = 64 * 1024

// ChannelRegistrar is the subset of channel.Registry a Connection needs
// to delegate its subscribe/unsubscribe shortcuts to, without wsconn
// importing the channel package (which itself imports wsconn for the
// Connection type).
type ChannelRegistrar interface {
	Subscribe(c *Connection, channels ...string)
	Unsubscribe(c *Connection, channels ...string)
}

// Options configures a new Connection.
type Options struct {
	QueueSize    int
	SendPolicy   SendPolicy
	PingInterval time.Duration
	Codec        protocol.Codec
	Registrar    ChannelRegistrar
}

// Connection owns one live WebSocket socket plus everything that survives
// across messages for its lifetime: session attributes, channel
// subscriptions, and send/receive buffering.
type Connection struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	codec      protocol.Codec
	registrar  ChannelRegistrar

	ctx    context.Context
	cancel context.CancelFunc

	stateMu sync.RWMutex
	state   State

	attrsMu sync.RWMutex
	attrs   map[string]any

	channelsMu sync.Mutex
	channels   map[string]struct{}

	sendPolicy SendPolicy
	sendCh     chan []byte
	recvCh     chan *protocol.Packet

	pingInterval time.Duration
	closeOnce    sync.Once
}

// New constructs a Connection around an already-upgraded WebSocket
// connection. Intended for internal use by the server runtime; callers
// outside this module should never need it directly.
func New(conn *websocket.Conn, remoteAddr string, opts Options) *Connection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 54 * time.Second
	}
	if opts.Codec == nil {
		opts.Codec = protocol.JSONCodec{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:           uuid.New().String(),
		remoteAddr:   remoteAddr,
		conn:         conn,
		codec:        opts.Codec,
		registrar:    opts.Registrar,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateConnecting,
		attrs:        make(map[string]any),
		channels:     make(map[string]struct{}),
		sendPolicy:   opts.SendPolicy,
		sendCh:       make(chan []byte, opts.QueueSize),
		recvCh:       make(chan *protocol.Packet, opts.QueueSize),
		pingInterval: opts.PingInterval,
	}

	go c.writePump()
	return c
}

// ID returns the connection's UUID, assigned at construction.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer's network address.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Context is cancelled the moment the connection transitions to Closing.
func (c *Connection) Context() context.Context { return c.ctx }

// State reports the connection's current lifecycle stage.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// MarkOpen transitions Connecting -> Open after the server's on-connect
// callback returns without error, per spec.md §3's lifecycle.
func (c *Connection) MarkOpen() {
	c.stateMu.Lock()
	if c.state == StateConnecting {
		c.state = StateOpen
	}
	c.stateMu.Unlock()
}

// ---- session attribute bag ----------------------------------------------

// Attr implements predicate.AttrReader: reads a session attribute,
// reporting whether it was ever set.
func (c *Connection) Attr(name string) (any, bool) {
	c.attrsMu.RLock()
	defer c.attrsMu.RUnlock()
	v, ok := c.attrs[name]
	return v, ok
}

// SetAttr sets a session attribute, visible to user code and to predicate
// evaluation from this point on.
func (c *Connection) SetAttr(name string, value any) {
	c.attrsMu.Lock()
	c.attrs[name] = value
	c.attrsMu.Unlock()
}

// DeleteAttr removes a session attribute, if present.
func (c *Connection) DeleteAttr(name string) {
	c.attrsMu.Lock()
	delete(c.attrs, name)
	c.attrsMu.Unlock()
}

// ---- channel subscriptions -----------------------------------------------

// Subscribe joins one or more channels, delegating to the server's
// channel registry so both indices (registry -> connections,
// connection -> channels) stay consistent.
func (c *Connection) Subscribe(channels ...string) {
	if c.registrar != nil {
		c.registrar.Subscribe(c, channels...)
	}
}

// Unsubscribe leaves one or more channels. No error on an unknown
// channel.
func (c *Connection) Unsubscribe(channels ...string) {
	if c.registrar != nil {
		c.registrar.Unsubscribe(c, channels...)
	}
}

// SubscribedChannels returns a snapshot of the connection's current
// channel memberships.
func (c *Connection) SubscribedChannels() []string {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	return out
}

// TrackChannel and UntrackChannel mirror the authoritative registry
// membership onto this connection's local view. Called only by
// channel.Registry to keep both indices in lockstep — not part of the
// connection's own public API surface in spirit, exported only because
// channel.Registry lives in a different package.
func (c *Connection) TrackChannel(name string) {
	c.channelsMu.Lock()
	c.channels[name] = struct{}{}
	c.channelsMu.Unlock()
}

func (c *Connection) UntrackChannel(name string) {
	c.channelsMu.Lock()
	delete(c.channels, name)
	c.channelsMu.Unlock()
}

// ---- sending ---------------------------------------------------------

// Send wraps a raw string or []byte payload in a default-source packet
// and enqueues it. Passing a *protocol.Packet sends it as-is.
func (c *Connection) Send(payload any) error {
	if p, ok := payload.(*protocol.Packet); ok {
		return c.SendPacket(p)
	}
	return c.SendPacket(&protocol.Packet{Data: payload, Source: 2})
}

// SendPacket encodes and enqueues p. After Close returns, every call
// fails with a "connection is closed" error.
func (c *Connection) SendPacket(p *protocol.Packet) error {
	if c.State() >= StateClosing {
		return fmt.Errorf("wsconn: connection %s is closed", c.id)
	}

	encoded, err := c.codec.Encode(p)
	if err != nil {
		return fmt.Errorf("wsconn: encode: %w", err)
	}

	if len(encoded) > chunkThreshold {
		return c.sendChunked(encoded)
	}

	return c.enqueue(encoded)
}

func (c *Connection) enqueue(frame []byte) error {
	switch c.sendPolicy {
	case DropOldestOnFull:
		select {
		case c.sendCh <- frame:
			return nil
		default:
			select {
			case <-c.sendCh:
			default:
			}
			select {
			case c.sendCh <- frame:
				return nil
			case <-c.ctx.Done():
				return fmt.Errorf("wsconn: connection %s closed while sending", c.id)
			}
		}
	default: // BlockOnFull
		select {
		case c.sendCh <- frame:
			return nil
		case <-c.ctx.Done():
			return fmt.Errorf("wsconn: connection %s closed while sending", c.id)
		}
	}
}

// sendChunked enqueues an oversized payload unchanged; the write pump's
// writeFrame splits it into WebSocket continuation fragments when it
// sends it.
func (c *Connection) sendChunked(frame []byte) error {
	return c.enqueue(frame)
}

// ---- receiving (pull style) ----------------------------------------------

// Recv blocks until the next inbound packet is available, ctx is
// cancelled, or the connection closes.
func (c *Connection) Recv(ctx context.Context) (*protocol.Packet, error) {
	select {
	case p, ok := <-c.recvCh:
		if !ok {
			return nil, fmt.Errorf("wsconn: connection %s is closed", c.id)
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("wsconn: connection %s is closed", c.id)
	}
}

// deliver pushes an inbound packet onto the pull-style queue. Called by
// the server's read loop for every decoded, non-RPC packet. If the queue
// is full the oldest queued packet is evicted to make room rather than
// blocking the read loop — pull-style consumers that fall behind lose the
// oldest backlog, not the connection.
func (c *Connection) deliver(p *protocol.Packet) {
	select {
	case c.recvCh <- p:
	default:
		select {
		case <-c.recvCh:
		default:
		}
		select {
		case c.recvCh <- p:
		default:
		}
	}
}

// Deliver is the exported form of deliver, used by internal/server across
// the package boundary.
func (c *Connection) Deliver(p *protocol.Packet) { c.deliver(p) }

// ---- closing ---------------------------------------------------------

// Close initiates Closing and is idempotent; safe to call from any
// goroutine. Queued-but-unsent packets may be dropped.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.cancel()

		message := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

		// sendCh is intentionally left open: ctx cancellation (above) is
		// the shutdown signal for both enqueue and writePump, avoiding
		// any send-on-closed-channel race between this goroutine and a
		// concurrent SendPacket.
		err = c.conn.Close()
		c.setState(StateClosed)
	})
	return err
}

// UnderlyingConn exposes the raw *websocket.Conn for the server's read
// loop (deadline/pong wiring) and is not meant for general use.
func (c *Connection) UnderlyingConn() *websocket.Conn { return c.conn }

// writePump drains sendCh onto the socket and emits periodic pings, the
// same shape as the teacher's Client.writePump.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.writeFrame(frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// writeFrame writes frame as a single binary message, or splits it into
// WebSocket continuation fragments above chunkThreshold.
func (c *Connection) writeFrame(frame []byte) error {
	if len(frame) <= chunkThreshold {
		return c.conn.WriteMessage(websocket.BinaryMessage, frame)
	}

	w, err := c.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}

	for offset := 0; offset < len(frame); offset += chunkThreshold {
		end := offset + chunkThreshold
		if end > len(frame) {
			end = len(frame)
		}
		if _, err := w.Write(frame[offset:end]); err != nil {
			_ = w.Close()
			return err
		}
	}

	return w.Close()
}
