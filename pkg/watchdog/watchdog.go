// Package watchdog implements the FSoE receive-path timeout (spec §4.3).
// It holds no goroutine or timer of its own: the integrator's monotonic
// clock is sampled only when arm/remaining/expired is called, matching the
// single-threaded cooperative model the rest of the core follows.
package watchdog

const unboundedRemainingMs = ^uint32(0)

// Clock returns a monotonic timestamp in microseconds. Supplied by the
// integrator; must never go backwards.
type Clock func() uint64

// Watchdog is the {start_time_us, timeout_ms, running} record from spec §3.
type Watchdog struct {
	clock     Clock
	startUs   uint64
	timeoutMs uint32
	running   bool
}

// New constructs a disarmed watchdog sourcing time from clock.
func New(clock Clock) *Watchdog {
	return &Watchdog{clock: clock}
}

// Arm starts (or restarts) the watchdog with the given timeout.
func (w *Watchdog) Arm(timeoutMs uint32) {
	w.startUs = w.clock()
	w.timeoutMs = timeoutMs
	w.running = true
}

// Disarm stops the watchdog; RemainingMs reports unbounded while disarmed.
func (w *Watchdog) Disarm() {
	w.running = false
}

// Running reports whether the watchdog is currently armed.
func (w *Watchdog) Running() bool {
	return w.running
}

// RemainingMs returns the milliseconds left before expiry, 0 if already
// expired, or the maximum uint32 value when not running.
func (w *Watchdog) RemainingMs() uint32 {
	if !w.running {
		return unboundedRemainingMs
	}
	elapsedUs := w.clock() - w.startUs
	elapsedMs := uint32(elapsedUs / 1000)
	if elapsedMs >= w.timeoutMs {
		return 0
	}
	return w.timeoutMs - elapsedMs
}

// Expired reports whether the watchdog is running and has reached zero.
func (w *Watchdog) Expired() bool {
	return w.running && w.RemainingMs() == 0
}
