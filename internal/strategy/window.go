package strategy

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arjunm-dev/optionflow/internal/model"
)

// Window is a bounded rolling tick history for one instrument. It is owned by
// that instrument's evaluation loop and never shared.
//
// Duplicate delivery after a feed reconnect is handled here: a tick whose
// timestamp is not strictly after the last accepted one is ignored, so
// replayed ticks never double-count in the features.
type Window struct {
	ticks  []model.Tick
	max    int
	maxAge time.Duration
	lastTS time.Time
}

// NewWindow creates a window bounded by count and age.
func NewWindow(max int, maxAge time.Duration) *Window {
	if max <= 0 {
		max = 64
	}
	return &Window{
		ticks:  make([]model.Tick, 0, max),
		max:    max,
		maxAge: maxAge,
	}
}

// Push appends a tick. Returns false when the tick is a duplicate or
// out-of-order and was ignored.
func (w *Window) Push(t model.Tick) bool {
	if !w.lastTS.IsZero() && !t.Timestamp.After(w.lastTS) {
		return false
	}
	w.lastTS = t.Timestamp

	w.ticks = append(w.ticks, t)
	if len(w.ticks) > w.max {
		w.ticks = w.ticks[1:]
	}
	if w.maxAge > 0 {
		cutoff := t.Timestamp.Add(-w.maxAge)
		i := 0
		for i < len(w.ticks)-1 && w.ticks[i].Timestamp.Before(cutoff) {
			i++
		}
		w.ticks = w.ticks[i:]
	}
	return true
}

// Len returns the number of ticks held.
func (w *Window) Len() int { return len(w.ticks) }

// Last returns the most recent tick.
func (w *Window) Last() model.Tick {
	if len(w.ticks) == 0 {
		return model.Tick{}
	}
	return w.ticks[len(w.ticks)-1]
}

// Momentum returns last LTP minus the LTP k ticks earlier, and whether the
// window holds enough history (k+1 ticks) to compute it.
func (w *Window) Momentum(k int) (decimal.Decimal, bool) {
	if k <= 0 || len(w.ticks) < k+1 {
		return decimal.Zero, false
	}
	last := w.ticks[len(w.ticks)-1].LTP
	base := w.ticks[len(w.ticks)-1-k].LTP
	return last.Sub(base), true
}

// Volatility returns the standard deviation of tick-to-tick returns.
func (w *Window) Volatility() float64 {
	if len(w.ticks) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(w.ticks)-1)
	for i := 1; i < len(w.ticks); i++ {
		prev, _ := w.ticks[i-1].LTP.Float64()
		cur, _ := w.ticks[i].LTP.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (cur-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}
