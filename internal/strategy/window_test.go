package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arjunm-dev/optionflow/internal/model"
)

func tickAt(ltp float64, ts time.Time) model.Tick {
	return model.Tick{Token: "1001", LTP: decimal.NewFromFloat(ltp), Timestamp: ts}
}

func TestWindowRejectsDuplicateTimestamps(t *testing.T) {
	w := NewWindow(8, 0)
	base := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)

	if !w.Push(tickAt(100, base)) {
		t.Fatalf("first tick must be accepted")
	}
	if w.Push(tickAt(101, base)) {
		t.Fatalf("tick with identical timestamp must be dropped")
	}
	if w.Push(tickAt(101, base.Add(-time.Second))) {
		t.Fatalf("older tick must be dropped")
	}
	if w.Len() != 1 {
		t.Fatalf("window len = %d, want 1", w.Len())
	}

	// A replayed stretch after a reconnect must not double-count.
	w.Push(tickAt(102, base.Add(time.Second)))
	w.Push(tickAt(102, base.Add(time.Second)))
	if w.Len() != 2 {
		t.Fatalf("window len = %d after replay, want 2", w.Len())
	}
}

func TestWindowBoundedByCount(t *testing.T) {
	w := NewWindow(3, 0)
	base := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		w.Push(tickAt(float64(100+i), base.Add(time.Duration(i)*time.Second)))
	}
	if w.Len() != 3 {
		t.Fatalf("window len = %d, want 3", w.Len())
	}
	if got := w.Last().LTP.IntPart(); got != 109 {
		t.Fatalf("last ltp = %d, want 109", got)
	}
}

func TestWindowMomentum(t *testing.T) {
	w := NewWindow(8, 0)
	base := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)
	for i, ltp := range []float64{100, 102, 105, 108} {
		w.Push(tickAt(ltp, base.Add(time.Duration(i)*time.Second)))
	}

	m, ok := w.Momentum(3)
	if !ok {
		t.Fatalf("momentum over 3 ticks should be computable with 4 ticks")
	}
	if !m.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("momentum = %s, want 8", m)
	}

	if _, ok := w.Momentum(4); ok {
		t.Fatalf("momentum over 4 ticks needs 5 ticks")
	}
}
