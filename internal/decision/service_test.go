package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/arjunm-dev/optionflow/internal/model"
)

var inst = model.InstrumentRef{Symbol: "NIFTY24SEP24000CE", Exchange: "NFO", Token: "1001", LotSize: 50}

func cand(side model.Side, strength float64, at time.Time) *model.SignalCandidate {
	return &model.SignalCandidate{
		Instrument:  inst,
		Side:        side,
		Strength:    decimal.NewFromFloat(strength),
		Reason:      "test",
		GeneratedAt: at,
	}
}

func TestDecideEmitsSingleEnter(t *testing.T) {
	s := NewService(nil, nil, 1)
	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	ds := s.Decide([]*model.SignalCandidate{cand(model.SideBuy, 0.8, at)}, decimal.NewFromInt(108))
	require.Len(t, ds, 1)
	require.Equal(t, model.ActionEnter, ds[0].Action)
	require.Equal(t, model.SideBuy, ds[0].Side)
	require.True(t, ds[0].Price.Equal(decimal.NewFromInt(108)))
	require.Contains(t, ds[0].RulesApplied, "gate_accepted")
}

// Both sides passing the gate in one cycle must never produce two ENTER
// decisions; the stronger side wins and the discard is recorded.
func TestDecideArbitratesOpposingSides(t *testing.T) {
	s := NewService(nil, nil, 1)
	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	ds := s.Decide([]*model.SignalCandidate{
		cand(model.SideBuy, 0.6, at),
		cand(model.SideSell, 0.9, at),
	}, decimal.NewFromInt(100))

	require.Len(t, ds, 1)
	require.Equal(t, model.SideSell, ds[0].Side)
	require.Contains(t, ds[0].RulesApplied, "discarded_weaker_side:BUY")
}

func TestDecidePrefersEarlierOnEqualStrength(t *testing.T) {
	s := NewService(nil, nil, 1)
	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	ds := s.Decide([]*model.SignalCandidate{
		cand(model.SideBuy, 0.7, at),
		cand(model.SideSell, 0.7, at),
	}, decimal.NewFromInt(100))

	require.Len(t, ds, 1)
	require.Equal(t, model.SideBuy, ds[0].Side)
}

// Re-submitting the same candidate set (crash before persistence, replayed
// ticks) must not double-fire.
func TestDecideIsIdempotentUnderReplay(t *testing.T) {
	s := NewService(nil, nil, 1)
	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	set := []*model.SignalCandidate{cand(model.SideBuy, 0.8, at)}

	first := s.Decide(set, decimal.NewFromInt(108))
	replay := s.Decide(set, decimal.NewFromInt(108))
	require.Len(t, first, 1)
	require.Empty(t, replay)

	// A later cycle for the same instrument fires normally.
	next := s.Decide([]*model.SignalCandidate{cand(model.SideBuy, 0.8, at.Add(time.Second))}, decimal.NewFromInt(110))
	require.Len(t, next, 1)
}

// While the session is invalid no ENTER is emitted, but EXIT decisions keep
// flowing: closing existing risk must not depend on a new login.
func TestInvalidSessionSuppressesEnterNotExit(t *testing.T) {
	valid := false
	s := NewService(nil, func() bool { return valid }, 1)
	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	ds := s.Decide([]*model.SignalCandidate{cand(model.SideBuy, 0.8, at)}, decimal.NewFromInt(108))
	require.Empty(t, ds)

	exit := model.Decision{
		Instrument:   inst,
		Action:       model.ActionExit,
		Side:         model.SideSell,
		Price:        decimal.NewFromInt(95),
		RulesApplied: []string{"stop"},
		Timestamp:    at,
	}
	require.True(t, s.RecordExit(exit))

	valid = true
	ds = s.Decide([]*model.SignalCandidate{cand(model.SideBuy, 0.8, at.Add(time.Second))}, decimal.NewFromInt(108))
	require.Len(t, ds, 1)
}

func TestAuditTrailIsAppendOnlyAndOrdered(t *testing.T) {
	s := NewService(nil, nil, 1)
	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		s.Decide([]*model.SignalCandidate{cand(model.SideBuy, 0.8, at.Add(time.Duration(i)*time.Minute))}, decimal.NewFromInt(100))
	}

	trail := s.Audit()
	require.Len(t, trail, 3)
	for i := 1; i < len(trail); i++ {
		require.True(t, trail[i].Timestamp.After(trail[i-1].Timestamp))
	}

	latest, ok := s.Latest(inst.Token)
	require.True(t, ok)
	require.Equal(t, trail[2].Timestamp, latest.Timestamp)
}
