package mqtt

import (
	"sync"
	"time"
)

// DailyCalls counts invocations since local midnight. Safe for
// concurrent use.
type DailyCalls struct {
	mu       sync.Mutex
	calls    int64
	failures int64
	day      string // YYYY-MM-DD of the current window
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCalls creates a counter that rolls over at midnight in loc
// (time.Local when nil).
func NewDailyCalls(loc *time.Location) *DailyCalls {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCalls{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

func (d *DailyCalls) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// Observe records one completed invocation.
func (d *DailyCalls) Observe(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.calls++
	if !ok {
		d.failures++
	}
}

// Snapshot returns today's totals.
func (d *DailyCalls) Snapshot() (calls, failures int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.calls, d.failures
}

// rollover must be called with d.mu held.
func (d *DailyCalls) rollover() {
	if today := d.today(); today != d.day {
		d.calls, d.failures = 0, 0
		d.day = today
	}
}
