package room

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// autoCloseSeconds is the length of the local urgency countdown armed by
// a qualifying snapshot or any new bid.
const autoCloseSeconds = 10

// autoCloseTimer is the local-only countdown state machine:
// Idle -> Running(10) on Arm, Running(n) -> Running(n-1) per tick,
// Running(1) -> Idle on expiry, anything -> Idle on Stop.
//
// The ticker is an explicitly owned field, always stopped before a new
// one is started, so re-arming resets the countdown phase and never
// leaves two intervals running. Its expiry is UI urgency only and must
// not touch auction status.
type autoCloseTimer struct {
	clock     clockwork.Clock
	ticker    clockwork.Ticker
	remaining int
}

func newAutoCloseTimer(clock clockwork.Clock) *autoCloseTimer {
	return &autoCloseTimer{clock: clock}
}

// Arm starts (or restarts) the countdown at the full duration.
func (t *autoCloseTimer) Arm() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
	t.ticker = t.clock.NewTicker(time.Second)
	t.remaining = autoCloseSeconds
}

// Stop returns the timer to Idle and releases the ticker.
func (t *autoCloseTimer) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
	t.remaining = 0
}

// Tick advances the countdown by one second. Hitting zero stops the
// ticker but signals nothing: authoritative closure only ever arrives as
// a SOLD or EXPIRED event.
func (t *autoCloseTimer) Tick() {
	if t.remaining <= 0 {
		return
	}
	t.remaining--
	if t.remaining == 0 {
		t.Stop()
	}
}

// Running reports whether a countdown is in progress.
func (t *autoCloseTimer) Running() bool {
	return t.remaining > 0
}

// Remaining returns the seconds left, 0 when idle.
func (t *autoCloseTimer) Remaining() int {
	return t.remaining
}

// C returns the tick channel, or nil when idle so a select case on it
// never fires.
func (t *autoCloseTimer) C() <-chan time.Time {
	if t.ticker == nil {
		return nil
	}
	return t.ticker.Chan()
}
