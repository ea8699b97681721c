package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/arjunm-dev/optionflow/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL ENGINES - Plug-in pattern
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each engine turns an instrument's tick window into an entry candidate or
// abstains. Evaluation is pure over the window contents: the same tick
// sequence always yields the same candidates.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Engine is the interface both signal engines implement.
type Engine interface {
	// Name returns the engine identifier
	Name() string

	// Evaluate inspects the rolling window and returns a candidate or nil
	Evaluate(inst model.InstrumentRef, w *Window) *model.SignalCandidate
}

// Params tunes one engine. Buyer and seller carry independent copies.
type Params struct {
	MomentumThreshold decimal.Decimal // absolute LTP move that triggers
	MomentumTicks     int             // lookback, in ticks
	MaxVolatility     float64         // abstain above this return stdev
}

// strength maps momentum into [0,1]: 0.5 at the firing threshold, saturating
// at twice the threshold. Keeps buyer/seller arbitration meaningful.
func strength(momentum, threshold decimal.Decimal) decimal.Decimal {
	if threshold.IsZero() {
		return decimal.NewFromInt(1)
	}
	s := momentum.Abs().Div(threshold.Abs().Mul(decimal.NewFromInt(2)))
	one := decimal.NewFromInt(1)
	if s.GreaterThan(one) {
		return one
	}
	return s
}

func candidate(inst model.InstrumentRef, side model.Side, str decimal.Decimal, reason string, at time.Time) *model.SignalCandidate {
	return &model.SignalCandidate{
		Instrument:  inst,
		Side:        side,
		Strength:    str,
		Reason:      reason,
		GeneratedAt: at,
	}
}
