// Package ratelimit implements per-(connection, method) token buckets for
// RPC calls, built on golang.org/x/time/rate the same way the teacher's
// internal/websocket.Client builds its per-connection inbound throttle —
// generalized here to one bucket per key instead of one bucket per
// connection.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config mirrors spec.md §3's RPC method rate_limit record.
type Config struct {
	Limit              int
	Period             string // human duration: "10s", "1m", "2h", "1d"
	DisconnectOnExceed bool
}

// ParsePeriod accepts human duration strings with s/m/h/d units, grounded
// on the original implementation's utils.parse_duration (which supports
// the same four units — "d" isn't a native time.ParseDuration unit, so
// this is hand-rolled rather than delegating to the stdlib parser).
func ParsePeriod(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("ratelimit: duration cannot be empty")
	}

	unit := s[len(s)-1]
	var multiplier time.Duration
	switch unit {
	case 's':
		multiplier = time.Second
	case 'm':
		multiplier = time.Minute
	case 'h':
		multiplier = time.Hour
	case 'd':
		multiplier = 24 * time.Hour
	default:
		return 0, fmt.Errorf("ratelimit: invalid duration unit %q, expected one of s, m, h, d (e.g. %q, %q, %q)", unit, "10s", "5m", "1h")
	}

	value, err := strconv.ParseFloat(strings.TrimSuffix(s, string(unit)), 64)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: invalid duration %q: %w", s, err)
	}

	return time.Duration(value * float64(multiplier)), nil
}

// Limiter owns one token bucket per (connectionID, method) pair, created
// lazily and discarded on Drop. It is monotonic-clock based via
// rate.Limiter, so system-time jumps never refill or starve a bucket.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates an empty Limiter.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter)}
}

func key(connID, method string) string { return connID + "\x00" + method }

// Allow consumes one token from the (connID, method) bucket configured by
// cfg, creating the bucket on first use. It reports whether the call is
// admitted.
func (l *Limiter) Allow(connID, method string, cfg Config) (bool, error) {
	period, err := ParsePeriod(cfg.Period)
	if err != nil {
		return false, err
	}

	k := key(connID, method)

	l.mu.Lock()
	b, ok := l.buckets[k]
	if !ok {
		limit := rate.Limit(float64(cfg.Limit) / period.Seconds())
		b = rate.NewLimiter(limit, cfg.Limit)
		l.buckets[k] = b
	}
	l.mu.Unlock()

	return b.Allow(), nil
}

// Drop discards every bucket belonging to connID. Call this when a
// connection closes so its buckets don't leak.
func (l *Limiter) Drop(connID string) {
	prefix := connID + "\x00"

	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if strings.HasPrefix(k, prefix) {
			delete(l.buckets, k)
		}
	}
}

// BucketCount reports how many live buckets the limiter currently holds,
// for tests and diagnostics.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
