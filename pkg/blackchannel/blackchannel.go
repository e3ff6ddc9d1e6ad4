// Package blackchannel wraps the caller-supplied send/recv callbacks that
// stand in for the unreliable transport between an FSoE master and slave
// (spec §4.4). The core never assumes reliability, ordering or uniqueness
// from it; all safety guarantees come from the CRC and sequence checks in
// pkg/master and pkg/slave.
package blackchannel

import (
	log "github.com/sirupsen/logrus"
)

// SendFunc is best-effort and non-blocking; its return value is ignored by
// the state machines (mirroring the spec's C-level void return), but is
// still surfaced here so a misbehaving callback can be logged.
type SendFunc func(appRef any, buf []byte) error

// RecvFunc is non-blocking. bytesFilled == len(buf) means a new (or
// re-delivered) frame is present; 0 means nothing arrived this tick.
type RecvFunc func(appRef any, buf []byte) (bytesFilled int)

// Stats counts frame-level activity observed by the adapter, for
// integration testing and operational logging — the kind of read-only
// counter the teacher's BusManager.Error() exposes for CAN bus state.
type Stats struct {
	Sent      uint64
	Received  uint64
	Truncated uint64 // recv returned a non-zero length other than the expected frame size
}

// Channel adapts a pair of integrator callbacks to the fixed-size frame
// traffic the state machines drive. It holds no goroutines of its own;
// Send/Recv are called synchronously from within one sync tick.
type Channel struct {
	logger *log.Entry
	appRef any
	send   SendFunc
	recv   RecvFunc
	stats  Stats
}

// New builds a Channel. appRef is opaque context handed back to both
// callbacks unchanged, matching the spec's app_ref parameter.
func New(appRef any, send SendFunc, recv RecvFunc) *Channel {
	return &Channel{
		logger: log.WithField("component", "blackchannel"),
		appRef: appRef,
		send:   send,
		recv:   recv,
	}
}

// Send transmits buf. Errors are logged, never propagated: the spec
// requires send to be best-effort and its result ignored by the state
// machine, matching how the teacher's BusManager.Send only warns on error.
func (c *Channel) Send(buf []byte) {
	c.stats.Sent++
	if err := c.send(c.appRef, buf); err != nil {
		c.logger.WithError(err).Warn("send failed")
	}
}

// Recv attempts to fill buf with one frame. buf may be larger than a
// single frame (e.g. a frame.Frame's Raw buffer, which reserves a trailing
// sentinel byte past wantLen to catch an overrunning callback); Recv
// succeeds only when bytesFilled exactly equals wantLen. Any other result
// (0, or any other length) is treated as "nothing usable this tick".
func (c *Channel) Recv(buf []byte, wantLen int) bool {
	n := c.recv(c.appRef, buf)
	if n == 0 {
		return false
	}
	if n != wantLen {
		c.stats.Truncated++
		c.logger.WithField("got", n).WithField("want", wantLen).Debug("short recv, discarding")
		return false
	}
	c.stats.Received++
	return true
}

// Stats returns a snapshot of frame-level counters.
func (c *Channel) Stats() Stats {
	return c.stats
}
