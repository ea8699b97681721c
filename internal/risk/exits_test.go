package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/arjunm-dev/optionflow/internal/model"
)

func openPosition(side model.Side, entry float64) *model.Position {
	return &model.Position{
		Instrument: inst,
		Side:       side,
		EntryPrice: decimal.NewFromFloat(entry),
		Quantity:   1,
		OpenedAt:   time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
		Status:     model.PositionOpen,
		HighPrice:  decimal.NewFromFloat(entry),
	}
}

func exitConfig() ExitConfig {
	return ExitConfig{
		TargetPct:           decimal.NewFromFloat(0.10),
		StopPct:             decimal.NewFromFloat(0.05),
		TrailingEnabled:     true,
		TrailingArmPct:      decimal.NewFromFloat(0.05),
		TrailingDistancePct: decimal.NewFromFloat(0.03),
		MaxHold:             time.Hour,
	}
}

func ltpTick(ltp float64, offset time.Duration) model.Tick {
	return model.Tick{
		Token:     inst.Token,
		LTP:       decimal.NewFromFloat(ltp),
		Timestamp: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC).Add(offset),
	}
}

func TestExitTargetFires(t *testing.T) {
	e := NewExitEvaluator(exitConfig())
	pos := openPosition(model.SideBuy, 100)

	require.Nil(t, e.Evaluate(pos, ltpTick(105, time.Minute)), "no exit before any rule is met")

	d := e.Evaluate(pos, ltpTick(110, 2*time.Minute))
	require.NotNil(t, d)
	require.Equal(t, model.ActionExit, d.Action)
	require.Equal(t, []string{"target"}, d.RulesApplied)
	require.Equal(t, model.SideSell, d.Side, "closing a BUY position sells")
}

func TestExitStopFires(t *testing.T) {
	e := NewExitEvaluator(exitConfig())
	pos := openPosition(model.SideBuy, 100)

	d := e.Evaluate(pos, ltpTick(95, time.Minute))
	require.NotNil(t, d)
	require.Equal(t, []string{"stop"}, d.RulesApplied)
}

func TestExitRulesForShortSide(t *testing.T) {
	e := NewExitEvaluator(exitConfig())
	pos := openPosition(model.SideSell, 100)

	// Price falling is favorable for a short; target at -10%.
	d := e.Evaluate(pos, ltpTick(90, time.Minute))
	require.NotNil(t, d)
	require.Equal(t, []string{"target"}, d.RulesApplied)
	require.Equal(t, model.SideBuy, d.Side)

	pos = openPosition(model.SideSell, 100)
	d = e.Evaluate(pos, ltpTick(105, time.Minute))
	require.NotNil(t, d)
	require.Equal(t, []string{"stop"}, d.RulesApplied)
}

func TestExitTrailingStopFires(t *testing.T) {
	e := NewExitEvaluator(exitConfig())
	pos := openPosition(model.SideBuy, 100)

	// Run up arms the trail, partial give-back below the distance holds.
	require.Nil(t, e.Evaluate(pos, ltpTick(107, time.Minute)))
	require.Nil(t, e.Evaluate(pos, ltpTick(106, 2*time.Minute)))

	// Give back 4 from the high of 107 with a 3% distance: exit.
	d := e.Evaluate(pos, ltpTick(103, 3*time.Minute))
	require.NotNil(t, d)
	require.Equal(t, []string{"trailing_stop"}, d.RulesApplied)
}

func TestExitMaxHoldFires(t *testing.T) {
	e := NewExitEvaluator(exitConfig())
	pos := openPosition(model.SideBuy, 100)

	require.Nil(t, e.Evaluate(pos, ltpTick(101, 59*time.Minute)))
	d := e.Evaluate(pos, ltpTick(101, 61*time.Minute))
	require.NotNil(t, d)
	require.Equal(t, []string{"max_hold"}, d.RulesApplied)
}

// Only the first satisfied rule is reported even when several hold.
func TestExitPriorityOrder(t *testing.T) {
	cfg := exitConfig()
	cfg.MaxHold = time.Minute
	e := NewExitEvaluator(cfg)
	pos := openPosition(model.SideBuy, 100)

	// Past max hold AND past target: target wins.
	d := e.Evaluate(pos, ltpTick(115, 2*time.Hour))
	require.NotNil(t, d)
	require.Equal(t, []string{"target"}, d.RulesApplied)
}

func TestExitIgnoresClosedPositions(t *testing.T) {
	e := NewExitEvaluator(exitConfig())
	pos := openPosition(model.SideBuy, 100)
	pos.Status = model.PositionClosed
	require.Nil(t, e.Evaluate(pos, ltpTick(150, time.Minute)))
}
