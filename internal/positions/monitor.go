package positions

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/arjunm-dev/optionflow/internal/metrics"
	"github.com/arjunm-dev/optionflow/internal/model"
)

// Archiver persists closed positions. Satisfied by the storage layer; nil-safe
// behaviour is the monitor's responsibility.
type Archiver interface {
	ArchivePosition(pos model.Position) error
}

// Monitor tracks open exposure. It is the single owner of Position state:
// the safety gate and exit evaluator read through it, the per-instrument
// loops mutate through it.
//
// Invariant: at most one non-CLOSED position per instrument. A position is
// only recorded after the execution collaborator acknowledged the ENTER, so
// a rejected decision never leaves a phantom OPEN position behind.
type Monitor struct {
	mu       sync.RWMutex
	open     map[string]*model.Position // token -> open position
	archiver Archiver
}

// NewMonitor creates an empty monitor.
func NewMonitor(archiver Archiver) *Monitor {
	return &Monitor{
		open:     make(map[string]*model.Position),
		archiver: archiver,
	}
}

// Open records a position for an acknowledged ENTER decision.
func (m *Monitor) Open(d model.Decision) (*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token := d.Instrument.Token
	if _, exists := m.open[token]; exists {
		return nil, fmt.Errorf("position already open for %s", d.Instrument.Symbol)
	}

	pos := &model.Position{
		Instrument: d.Instrument,
		Side:       d.Side,
		EntryPrice: d.Price,
		Quantity:   d.Quantity,
		OpenedAt:   d.Timestamp,
		Status:     model.PositionOpen,
		HighPrice:  d.Price,
	}
	m.open[token] = pos
	metrics.OpenPositions.Set(float64(len(m.open)))

	log.Info().
		Str("symbol", d.Instrument.Symbol).
		Str("side", string(d.Side)).
		Str("entry", d.Price.StringFixed(2)).
		Int("qty", d.Quantity).
		Msg("✅ Position opened")
	return pos, nil
}

// Close marks the position closed, archives it, and frees the instrument for
// new entries.
func (m *Monitor) Close(token string, exitPrice decimal.Decimal, reason string, at time.Time) (*model.Position, error) {
	m.mu.Lock()
	pos, ok := m.open[token]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no open position for token %s", token)
	}
	delete(m.open, token)
	pos.Status = model.PositionClosed
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.ClosedAt = at
	metrics.OpenPositions.Set(float64(len(m.open)))
	m.mu.Unlock()

	pnl := exitPrice.Sub(pos.EntryPrice)
	if pos.Side == model.SideSell {
		pnl = pnl.Neg()
	}
	log.Info().
		Str("symbol", pos.Instrument.Symbol).
		Str("exit", exitPrice.StringFixed(2)).
		Str("pnl_per_unit", pnl.StringFixed(2)).
		Str("reason", reason).
		Msg("📊 Position closed")

	if m.archiver != nil {
		if err := m.archiver.ArchivePosition(*pos); err != nil {
			log.Error().Err(err).Msg("archive position failed")
		}
	}
	return pos, nil
}

// Get returns the open position for a token, if any.
func (m *Monitor) Get(token string) (*model.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.open[token]
	return pos, ok
}

// HasOpen reports whether the instrument already carries exposure.
func (m *Monitor) HasOpen(token string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.open[token]
	return ok
}

// CountOpen returns the number of open positions.
func (m *Monitor) CountOpen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open)
}

// Exposure returns the total open notional across all positions.
func (m *Monitor) Exposure() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range m.open {
		total = total.Add(pos.Notional())
	}
	return total
}

// Snapshot returns copies of all open positions for display surfaces.
func (m *Monitor) Snapshot() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.open))
	for _, pos := range m.open {
		out = append(out, *pos)
	}
	return out
}
