package strategy

import (
	"fmt"

	"github.com/arjunm-dev/optionflow/internal/model"
)

// Buyer fires a BUY candidate on sustained upward momentum with contained
// volatility.
type Buyer struct {
	params Params
}

// NewBuyer creates a buyer engine with its own thresholds.
func NewBuyer(params Params) *Buyer {
	if params.MomentumTicks <= 0 {
		params.MomentumTicks = 3
	}
	return &Buyer{params: params}
}

// Name returns the engine identifier
func (b *Buyer) Name() string { return "momentum-buyer" }

// Evaluate returns a BUY candidate when LTP rose by at least the threshold
// over the lookback, or nil.
func (b *Buyer) Evaluate(inst model.InstrumentRef, w *Window) *model.SignalCandidate {
	momentum, ok := w.Momentum(b.params.MomentumTicks)
	if !ok {
		return nil
	}
	if momentum.LessThan(b.params.MomentumThreshold) {
		return nil
	}
	if b.params.MaxVolatility > 0 && w.Volatility() > b.params.MaxVolatility {
		return nil
	}

	last := w.Last()
	reason := fmt.Sprintf("ltp +%s over %d ticks", momentum.String(), b.params.MomentumTicks)
	return candidate(inst, model.SideBuy, strength(momentum, b.params.MomentumThreshold), reason, last.Timestamp)
}
