package client

import "time"

// Gate is the one-way live/final switch for a poll view. It compares the
// poll's expiry timestamp to wall-clock time; once Final, always Final.
type Gate struct {
	deadline time.Time
	armed    bool
	final    bool
	now      func() time.Time
}

func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// Observe records the expiry timestamp from a snapshot and re-evaluates.
// Re-evaluation on every snapshot matters: a poll may already be expired at
// initial load.
func (g *Gate) Observe(expiredAt time.Time) bool {
	g.deadline = expiredAt
	g.armed = true
	return g.Check()
}

// Check re-evaluates against the current time and reports finality.
func (g *Gate) Check() bool {
	if g.final {
		return true
	}
	if g.armed && !g.now().Before(g.deadline) {
		g.final = true
	}
	return g.final
}

func (g *Gate) Final() bool { return g.final }

// Remaining reports the time left until expiry; ok is false when no
// deadline has been observed or the gate is already final.
func (g *Gate) Remaining() (time.Duration, bool) {
	if !g.armed || g.final {
		return 0, false
	}
	d := g.deadline.Sub(g.now())
	if d < 0 {
		d = 0
	}
	return d, true
}
