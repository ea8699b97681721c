package risk

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/arjunm-dev/optionflow/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT EVALUATOR - Monitors open positions for exit conditions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Runs on every tick for instruments with an OPEN position, independently of
// entry logic: closing existing risk must not depend on new sessions or new
// candidates. Rules fire in priority order and only the first satisfied rule
// is reported for a cycle:
//   1. target          profit target reached
//   2. stop            stop loss breached
//   3. trailing_stop   gave back too much from the high-water mark
//   4. max_hold        held past the maximum duration
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExitConfig tunes the exit rules. Percentages are relative to entry price.
type ExitConfig struct {
	TargetPct           decimal.Decimal
	StopPct             decimal.Decimal
	TrailingEnabled     bool
	TrailingArmPct      decimal.Decimal // profit needed before the trail arms
	TrailingDistancePct decimal.Decimal // give-back from the high that exits
	MaxHold             time.Duration
}

// ExitEvaluator applies the rules to one position at a time.
type ExitEvaluator struct {
	cfg ExitConfig
}

// NewExitEvaluator creates the evaluator.
func NewExitEvaluator(cfg ExitConfig) *ExitEvaluator {
	return &ExitEvaluator{cfg: cfg}
}

// Evaluate returns an EXIT decision when any rule is satisfied by the latest
// tick, or nil. It also advances the position's high-water mark, which the
// per-instrument loop owns.
func (e *ExitEvaluator) Evaluate(pos *model.Position, tick model.Tick) *model.Decision {
	if pos == nil || pos.Status != model.PositionOpen || tick.LTP.IsZero() {
		return nil
	}

	// Favorable move direction depends on the side: a BUY position profits as
	// LTP rises, a SELL position as it falls.
	favorable := tick.LTP.Sub(pos.EntryPrice)
	if pos.Side == model.SideSell {
		favorable = favorable.Neg()
	}

	// High-water mark: highest LTP seen for a BUY, lowest for a SELL.
	if pos.HighPrice.IsZero() {
		pos.HighPrice = pos.EntryPrice
	}
	if pos.Side == model.SideBuy && tick.LTP.GreaterThan(pos.HighPrice) {
		pos.HighPrice = tick.LTP
	} else if pos.Side == model.SideSell && tick.LTP.LessThan(pos.HighPrice) {
		pos.HighPrice = tick.LTP
	}

	exit := func(rule string) *model.Decision {
		log.Info().
			Str("symbol", pos.Instrument.Symbol).
			Str("rule", rule).
			Str("entry", pos.EntryPrice.StringFixed(2)).
			Str("ltp", tick.LTP.StringFixed(2)).
			Msg("📤 Exit triggered")
		return &model.Decision{
			Instrument:   pos.Instrument,
			Action:       model.ActionExit,
			Side:         closingSide(pos.Side),
			Price:        tick.LTP,
			Quantity:     pos.Quantity,
			RulesApplied: []string{rule},
			Timestamp:    tick.Timestamp,
		}
	}

	// 1. Target
	if !e.cfg.TargetPct.IsZero() {
		target := pos.EntryPrice.Mul(e.cfg.TargetPct)
		if favorable.GreaterThanOrEqual(target) {
			return exit("target")
		}
	}

	// 2. Stop
	if !e.cfg.StopPct.IsZero() {
		stop := pos.EntryPrice.Mul(e.cfg.StopPct).Neg()
		if favorable.LessThanOrEqual(stop) {
			return exit("stop")
		}
	}

	// 3. Trailing stop
	if e.cfg.TrailingEnabled && !e.cfg.TrailingDistancePct.IsZero() {
		bestFavorable := favorableOf(pos, pos.HighPrice)
		arm := pos.EntryPrice.Mul(e.cfg.TrailingArmPct)
		if bestFavorable.GreaterThanOrEqual(arm) && !arm.IsZero() {
			giveBack := bestFavorable.Sub(favorable)
			if giveBack.GreaterThanOrEqual(pos.EntryPrice.Mul(e.cfg.TrailingDistancePct)) {
				return exit("trailing_stop")
			}
		}
	}

	// 4. Max holding duration
	if e.cfg.MaxHold > 0 && tick.Timestamp.Sub(pos.OpenedAt) >= e.cfg.MaxHold {
		return exit("max_hold")
	}

	return nil
}

// favorableOf converts a recorded price level back into favorable excursion
// for the position's side.
func favorableOf(pos *model.Position, level decimal.Decimal) decimal.Decimal {
	if level.IsZero() {
		return decimal.Zero
	}
	f := level.Sub(pos.EntryPrice)
	if pos.Side == model.SideSell {
		f = f.Neg()
	}
	return f
}

// closingSide returns the order side that flattens a position.
func closingSide(s model.Side) model.Side {
	if s == model.SideBuy {
		return model.SideSell
	}
	return model.SideBuy
}
