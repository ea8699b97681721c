package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/arjunm-dev/optionflow/internal/metrics"
	"github.com/arjunm-dev/optionflow/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SAFETY GATE - Candidate approval
// ═══════════════════════════════════════════════════════════════════════════════
//
// Engine asks → Gate approves/rejects → Decision service arbitrates
//
// Rules run in a fixed order so a rejection reason is reproducible:
//   1. spread_floor        bid/ask spread too wide
//   2. min_volume          not enough traded volume on the tick
//   3. max_positions       too many concurrent open positions
//   4. max_exposure        notional exposure cap reached
//   5. cooldown            too soon after the last signal for this instrument
//   6. volatility_ceiling  instrument too volatile to enter
//
// The first failing rule names the rejection. A rejection is a normal,
// logged outcome, not a pipeline failure.
//
// ═══════════════════════════════════════════════════════════════════════════════

// GateConfig tunes the rules.
type GateConfig struct {
	MaxSpreadPct      decimal.Decimal
	MinVolume         int64
	MaxPositions      int
	MaxExposure       decimal.Decimal
	Cooldown          time.Duration
	VolatilityCeiling float64
}

// CheckInput carries everything a check needs; the gate holds no market state
// of its own beyond cooldown bookkeeping.
type CheckInput struct {
	Candidate     *model.SignalCandidate
	Tick          model.Tick // latest tick for the candidate's instrument
	Volatility    float64    // from the instrument's rolling window
	OpenPositions int
	Exposure      decimal.Decimal // current total open notional
}

// Result of a gate check.
type Result struct {
	Accepted bool
	Reason   string // failing rule name when rejected
}

// Gate validates candidates against risk constraints.
type Gate struct {
	cfg GateConfig

	mu         sync.Mutex
	lastSignal map[string]time.Time // token -> last accepted signal time
}

// NewGate creates the safety gate.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		cfg:        cfg,
		lastSignal: make(map[string]time.Time),
	}
}

// Check runs the rules in order and returns the first failure, if any.
// The candidate's GeneratedAt is the evaluation clock, keeping cooldown
// checks deterministic under replay.
func (g *Gate) Check(in CheckInput) Result {
	reject := func(rule string) Result {
		metrics.GateRejections.WithLabelValues(rule).Inc()
		log.Debug().
			Str("symbol", in.Candidate.Instrument.Symbol).
			Str("side", string(in.Candidate.Side)).
			Str("rule", rule).
			Msg("🚫 Candidate rejected")
		return Result{Accepted: false, Reason: rule}
	}

	// 1. Spread floor
	if !g.cfg.MaxSpreadPct.IsZero() {
		if spread := in.Tick.SpreadPct(); spread.GreaterThan(g.cfg.MaxSpreadPct) {
			return reject("spread_floor")
		}
	}

	// 2. Liquidity
	if g.cfg.MinVolume > 0 && in.Tick.Volume < g.cfg.MinVolume {
		return reject("min_volume")
	}

	// 3. Concurrent positions
	if g.cfg.MaxPositions > 0 && in.OpenPositions >= g.cfg.MaxPositions {
		return reject("max_positions")
	}

	// 4. Exposure cap
	if !g.cfg.MaxExposure.IsZero() && in.Exposure.GreaterThanOrEqual(g.cfg.MaxExposure) {
		return reject("max_exposure")
	}

	// 5. Cooldown
	if g.cfg.Cooldown > 0 {
		g.mu.Lock()
		last, seen := g.lastSignal[in.Candidate.Instrument.Token]
		g.mu.Unlock()
		if seen && in.Candidate.GeneratedAt.Sub(last) < g.cfg.Cooldown {
			return reject("cooldown")
		}
	}

	// 6. Volatility ceiling
	if g.cfg.VolatilityCeiling > 0 && in.Volatility > g.cfg.VolatilityCeiling {
		return reject("volatility_ceiling")
	}

	return Result{Accepted: true}
}

// RecordSignal arms the cooldown for an instrument. Called by the engine once
// a decision for the candidate actually fires.
func (g *Gate) RecordSignal(token string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSignal[token] = at
}

// Stats returns a snapshot for debugging surfaces.
func (g *Gate) Stats() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]any{
		"cooldowns_armed": len(g.lastSignal),
		"max_exposure":    g.cfg.MaxExposure.String(),
		"max_positions":   fmt.Sprintf("%d", g.cfg.MaxPositions),
	}
}
