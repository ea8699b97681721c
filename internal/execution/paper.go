package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/arjunm-dev/optionflow/internal/model"
)

// PaperBroker is the execution collaborator for dry runs: it acknowledges
// every decision at the decision price with no slippage. A live adapter would
// implement the same engine.Executor contract against the broker's order API.
type PaperBroker struct {
	mu        sync.Mutex
	fills     []model.Decision
	failNext  bool
	failWith  string
}

// NewPaperBroker creates a paper executor.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{}
}

// Execute acknowledges the decision. A non-nil error is an execution
// rejection (e.g. insufficient margin) and must leave no position behind.
func (p *PaperBroker) Execute(ctx context.Context, d model.Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext {
		p.failNext = false
		reason := p.failWith
		if reason == "" {
			reason = "insufficient margin"
		}
		return fmt.Errorf("paper reject: %s", reason)
	}

	p.fills = append(p.fills, d)
	log.Info().
		Str("symbol", d.Instrument.Symbol).
		Str("action", string(d.Action)).
		Str("side", string(d.Side)).
		Str("price", d.Price.StringFixed(2)).
		Msg("📝 Paper fill")
	return nil
}

// Fills returns all acknowledged decisions.
func (p *PaperBroker) Fills() []model.Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Decision, len(p.fills))
	copy(out, p.fills)
	return out
}

// RejectNext makes the next Execute call fail. Test and drill hook.
func (p *PaperBroker) RejectNext(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = true
	p.failWith = reason
}
