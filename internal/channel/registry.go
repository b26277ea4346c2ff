// Package channel implements the pub/sub fabric: a registry mapping
// channel names to their subscribed connections, with predicate-filtered
// publish and broadcast.
//
// Grounded on the teacher's internal/websocket.Server, which keeps a flat
// clients map and a BroadcastCommand that walks it; generalized here into
// a channel-indexed registry per the original webshocket.WebSocketHandler
// (clients set, channels defaultdict(set), publish/broadcast/subscribe).
package channel

import (
	"fmt"
	"sync"

	"github.com/nilsbertram/portal/internal/protocol"
	"github.com/nilsbertram/portal/internal/wsconn"
	"github.com/nilsbertram/portal/predicate"
)

// Registry owns the channel -> connections index and implements
// wsconn.ChannelRegistrar so connections can subscribe/unsubscribe
// themselves without importing this package.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]map[*wsconn.Connection]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byChannel: make(map[string]map[*wsconn.Connection]struct{})}
}

// Subscribe joins c to each named channel, mirroring the membership onto
// c's own local view via TrackChannel so both indices stay consistent.
func (r *Registry) Subscribe(c *wsconn.Connection, channels ...string) {
	r.mu.Lock()
	for _, name := range channels {
		set, ok := r.byChannel[name]
		if !ok {
			set = make(map[*wsconn.Connection]struct{})
			r.byChannel[name] = set
		}
		set[c] = struct{}{}
	}
	r.mu.Unlock()

	for _, name := range channels {
		c.TrackChannel(name)
	}
}

// Unsubscribe removes c from each named channel. A channel that becomes
// empty as a result is deleted outright — the registry never accumulates
// dangling empty sets.
func (r *Registry) Unsubscribe(c *wsconn.Connection, channels ...string) {
	r.mu.Lock()
	for _, name := range channels {
		set, ok := r.byChannel[name]
		if !ok {
			continue
		}
		delete(set, c)
		if len(set) == 0 {
			delete(r.byChannel, name)
		}
	}
	r.mu.Unlock()

	for _, name := range channels {
		c.UntrackChannel(name)
	}
}

// UnsubscribeAll removes c from every channel it currently belongs to.
// Called by the server's read loop on disconnect.
func (r *Registry) UnsubscribeAll(c *wsconn.Connection) {
	r.Unsubscribe(c, c.SubscribedChannels()...)
}

// Publish delivers data to every connection subscribed to any of the
// given channels, except those in exclude, and only to connections for
// which pred evaluates true (a nil pred matches everyone). Each delivered
// packet is tagged with Source=CHANNEL and Channel set to the name of the
// subscribed channel that brought the connection into the recipient set.
// A connection subscribed to more than one of the named channels still
// receives the message exactly once, tagged with whichever of those
// channels is encountered first.
func (r *Registry) Publish(channels []string, data any, exclude map[*wsconn.Connection]struct{}, pred predicate.Predicate) {
	delivered := make(map[*wsconn.Connection]struct{})
	for _, name := range channels {
		for _, c := range r.Subscribers(name) {
			if _, already := delivered[c]; already {
				continue
			}
			if _, skip := exclude[c]; skip {
				continue
			}
			if pred != nil && !pred.Eval(c) {
				continue
			}
			delivered[c] = struct{}{}
			r.send(c, data, int(sourceChannel), name)
		}
	}
}

// Broadcast delivers data to every connection in clients, except those in
// exclude, filtered by pred the same way Publish is. Unlike Publish this
// is not channel-scoped — it is the building block behind a server-wide
// broadcast over every live connection. Delivered packets are tagged with
// Source=BROADCAST and carry no channel name.
func (r *Registry) Broadcast(clients map[*wsconn.Connection]struct{}, data any, exclude map[*wsconn.Connection]struct{}, pred predicate.Predicate) {
	for c := range clients {
		if _, skip := exclude[c]; skip {
			continue
		}
		if pred != nil && !pred.Eval(c) {
			continue
		}
		r.send(c, data, int(sourceBroadcast), "")
	}
}

// sourceChannel and sourceBroadcast mirror the wire enum in spec.md §6
// (CHANNEL=3, BROADCAST=4) as local constants rather than the root
// package's PacketSource values.
const (
	sourceChannel   = 3
	sourceBroadcast = 4
)

func (r *Registry) send(c *wsconn.Connection, data any, source int, channel string) {
	if err := c.SendPacket(&protocol.Packet{Data: data, Source: source, Channel: channel}); err != nil {
		fmt.Printf("channel: warn: dropped message to connection %s: %v\n", c.ID(), err)
	}
}

// ChannelCount reports how many channels currently have at least one
// subscriber, for tests and diagnostics.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

// Subscribers returns a snapshot of the connections subscribed to name.
func (r *Registry) Subscribers(name string) []*wsconn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byChannel[name]
	out := make([]*wsconn.Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
