package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/arjunm-dev/optionflow/internal/decision"
	"github.com/arjunm-dev/optionflow/internal/execution"
	"github.com/arjunm-dev/optionflow/internal/model"
	"github.com/arjunm-dev/optionflow/internal/positions"
	"github.com/arjunm-dev/optionflow/internal/risk"
	"github.com/arjunm-dev/optionflow/internal/strategy"
)

var testInst = model.InstrumentRef{
	Symbol: "NIFTY24SEP24000CE", Exchange: "NFO", Token: "43521",
	TickSize: decimal.NewFromFloat(0.05), LotSize: 50,
}

// scriptedFeed replays a fixed tick sequence and satisfies TickSource.
type scriptedFeed struct {
	ch chan model.Tick
}

func newScriptedFeed() *scriptedFeed {
	return &scriptedFeed{ch: make(chan model.Tick, 64)}
}

func (f *scriptedFeed) Ticks() <-chan model.Tick { return f.ch }
func (f *scriptedFeed) Close()                   { close(f.ch) }

func (f *scriptedFeed) send(token string, ltp float64, ts time.Time) {
	f.ch <- model.Tick{
		Token:     token,
		LTP:       decimal.NewFromFloat(ltp),
		Bid:       decimal.NewFromFloat(ltp - 0.1),
		Ask:       decimal.NewFromFloat(ltp + 0.1),
		Volume:    5000,
		Timestamp: ts,
	}
}

type staticIndex map[string]model.InstrumentRef

func (idx staticIndex) ByToken(token string) (model.InstrumentRef, bool) {
	ref, ok := idx[token]
	return ref, ok
}

type pipeline struct {
	engine  *Engine
	feed    *scriptedFeed
	broker  *execution.PaperBroker
	monitor *positions.Monitor
	svc     *decision.Service
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	params := strategy.Params{
		MomentumThreshold: decimal.NewFromInt(5),
		MomentumTicks:     3,
		MaxVolatility:     1.0,
	}
	gate := risk.NewGate(risk.GateConfig{
		MaxSpreadPct:      decimal.NewFromFloat(0.05),
		MinVolume:         10,
		MaxPositions:      5,
		MaxExposure:       decimal.NewFromInt(10000000),
		Cooldown:          30 * time.Second,
		VolatilityCeiling: 1.0,
	})
	exits := risk.NewExitEvaluator(risk.ExitConfig{
		TargetPct:           decimal.NewFromFloat(0.10),
		StopPct:             decimal.NewFromFloat(0.05),
		TrailingEnabled:     true,
		TrailingArmPct:      decimal.NewFromFloat(0.05),
		TrailingDistancePct: decimal.NewFromFloat(0.03),
		MaxHold:             2 * time.Hour,
	})

	feed := newScriptedFeed()
	broker := execution.NewPaperBroker()
	monitor := positions.NewMonitor(nil)
	svc := decision.NewService(nil, nil, 1)

	eng := New(
		Config{QueueSize: 64, WindowSize: 64},
		feed,
		staticIndex{testInst.Token: testInst},
		strategy.NewBuyer(params),
		strategy.NewSeller(params),
		gate,
		exits,
		svc,
		monitor,
		broker,
	)
	return &pipeline{engine: eng, feed: feed, broker: broker, monitor: monitor, svc: svc}
}

func waitForFills(t *testing.T, broker *execution.PaperBroker, n int) []model.Decision {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fills := broker.Fills(); len(fills) >= n {
			return fills
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d fills, got %d", n, len(broker.Fills()))
	return nil
}

// The canonical run: four rising ticks cross the momentum threshold on the
// fourth, producing exactly one BUY entry at that tick's price.
func TestMomentumRunProducesSingleEntry(t *testing.T) {
	p := newPipeline(t)
	p.engine.Start(context.Background())

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i, ltp := range []float64{100, 102, 105, 108} {
		p.feed.send(testInst.Token, ltp, base.Add(time.Duration(i)*time.Second))
	}

	fills := waitForFills(t, p.broker, 1)
	p.engine.Stop()

	require.Len(t, fills, 1)
	require.Equal(t, model.ActionEnter, fills[0].Action)
	require.Equal(t, model.SideBuy, fills[0].Side)
	require.True(t, fills[0].Price.Equal(decimal.NewFromInt(108)))
	require.True(t, p.monitor.HasOpen(testInst.Token))
}

// Replayed ticks after a reconnect carry timestamps already seen; they must
// not re-fire the entry.
func TestReplayedTicksDoNotDoubleFire(t *testing.T) {
	p := newPipeline(t)
	p.engine.Start(context.Background())

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	seq := []float64{100, 102, 105, 108}
	for i, ltp := range seq {
		p.feed.send(testInst.Token, ltp, base.Add(time.Duration(i)*time.Second))
	}
	// Same frames again, as after a resubscribe.
	for i, ltp := range seq {
		p.feed.send(testInst.Token, ltp, base.Add(time.Duration(i)*time.Second))
	}

	fills := waitForFills(t, p.broker, 1)
	p.engine.Stop()

	require.Len(t, p.broker.Fills(), len(fills))
	require.Equal(t, 1, p.monitor.CountOpen())
}

// Once a position is open, a further favorable move past the target produces
// an EXIT with the closing side, and frees the instrument.
func TestTargetExitClosesPosition(t *testing.T) {
	p := newPipeline(t)
	p.engine.Start(context.Background())

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i, ltp := range []float64{100, 102, 105, 108} {
		p.feed.send(testInst.Token, ltp, base.Add(time.Duration(i)*time.Second))
	}
	waitForFills(t, p.broker, 1)

	// Entry at 108; +10% target sits at 118.8.
	p.feed.send(testInst.Token, 119, base.Add(10*time.Second))

	fills := waitForFills(t, p.broker, 2)
	p.engine.Stop()

	exit := fills[1]
	require.Equal(t, model.ActionExit, exit.Action)
	require.Equal(t, model.SideSell, exit.Side)
	require.Equal(t, []string{"target"}, exit.RulesApplied)
	require.False(t, p.monitor.HasOpen(testInst.Token))
}

// An executor rejection on entry must leave no position behind.
func TestRejectedEntryLeavesNoPosition(t *testing.T) {
	p := newPipeline(t)
	p.broker.RejectNext("insufficient margin")
	p.engine.Start(context.Background())

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i, ltp := range []float64{100, 102, 105, 108} {
		p.feed.send(testInst.Token, ltp, base.Add(time.Duration(i)*time.Second))
	}

	// Give the worker time to process, then stop; drain is synchronous.
	time.Sleep(100 * time.Millisecond)
	p.engine.Stop()

	require.Empty(t, p.broker.Fills())
	require.Equal(t, 0, p.monitor.CountOpen())
}

// Ticks for tokens the resolver does not know are discarded before any lane
// is created.
func TestUnknownTokenIsIgnored(t *testing.T) {
	p := newPipeline(t)
	p.engine.Start(context.Background())

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i, ltp := range []float64{100, 102, 105, 108} {
		p.feed.send("9999", ltp, base.Add(time.Duration(i)*time.Second))
	}

	time.Sleep(100 * time.Millisecond)
	p.engine.Stop()
	require.Empty(t, p.broker.Fills())
}
