package strategy

import (
	"fmt"

	"github.com/arjunm-dev/optionflow/internal/model"
)

// Seller mirrors Buyer: it fires a SELL candidate on sustained downward
// momentum. Thresholds are tuned independently of the buyer's.
type Seller struct {
	params Params
}

// NewSeller creates a seller engine.
func NewSeller(params Params) *Seller {
	if params.MomentumTicks <= 0 {
		params.MomentumTicks = 3
	}
	return &Seller{params: params}
}

// Name returns the engine identifier
func (s *Seller) Name() string { return "momentum-seller" }

// Evaluate returns a SELL candidate when LTP fell by at least the threshold
// over the lookback, or nil.
func (s *Seller) Evaluate(inst model.InstrumentRef, w *Window) *model.SignalCandidate {
	momentum, ok := w.Momentum(s.params.MomentumTicks)
	if !ok {
		return nil
	}
	if momentum.Neg().LessThan(s.params.MomentumThreshold) {
		return nil
	}
	if s.params.MaxVolatility > 0 && w.Volatility() > s.params.MaxVolatility {
		return nil
	}

	last := w.Last()
	reason := fmt.Sprintf("ltp %s over %d ticks", momentum.String(), s.params.MomentumTicks)
	return candidate(inst, model.SideSell, strength(momentum, s.params.MomentumThreshold), reason, last.Timestamp)
}
