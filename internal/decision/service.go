package decision

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/arjunm-dev/optionflow/internal/metrics"
	"github.com/arjunm-dev/optionflow/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION SERVICE - Arbitration and the audit trail
// ═══════════════════════════════════════════════════════════════════════════════
//
// One evaluation cycle may carry both a buyer and a seller candidate for the
// same instrument. The service never emits contradictory ENTER decisions: the
// higher-strength candidate wins and the discard is recorded on the winner.
// Emission is idempotent under replay: a (instrument, cycle) pair fires once.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Recorder persists emitted decisions. Satisfied by the storage layer.
type Recorder interface {
	SaveDecision(d model.Decision) error
}

// SessionCheck reports whether the broker session is currently valid. While
// it is not, the service stops emitting ENTER decisions; EXIT decisions are
// never suppressed, closing existing risk must not depend on a session.
type SessionCheck func() bool

// Service arbitrates candidates into decisions.
type Service struct {
	mu       sync.Mutex
	emitted  map[string]struct{} // Decision.Key() -> seen
	audit    []model.Decision
	maxAudit int

	recorder     Recorder
	sessionValid SessionCheck
	quantity     int
}

// NewService creates the decision service. recorder may be nil (no
// persistence); sessionValid may be nil (always valid).
func NewService(recorder Recorder, sessionValid SessionCheck, quantity int) *Service {
	if quantity <= 0 {
		quantity = 1
	}
	return &Service{
		emitted:      make(map[string]struct{}),
		maxAudit:     1024,
		recorder:     recorder,
		sessionValid: sessionValid,
		quantity:     quantity,
	}
}

// Decide arbitrates one cycle's gate-accepted candidates for a single
// instrument and returns the decisions to emit, in candidate order. price is
// the instrument's LTP at the cycle tick.
func (s *Service) Decide(candidates []*model.SignalCandidate, price decimal.Decimal) []model.Decision {
	if len(candidates) == 0 {
		return nil
	}

	winner := candidates[0]
	var discarded *model.SignalCandidate
	for _, c := range candidates[1:] {
		// Strict inequality: on equal strength the earlier candidate stands.
		if c.Strength.GreaterThan(winner.Strength) {
			discarded = winner
			winner = c
		} else {
			discarded = c
		}
	}

	if s.sessionValid != nil && !s.sessionValid() {
		log.Warn().
			Str("symbol", winner.Instrument.Symbol).
			Msg("session invalid, suppressing ENTER")
		return nil
	}

	rules := []string{"gate_accepted"}
	if discarded != nil {
		rules = append(rules, "discarded_weaker_side:"+string(discarded.Side))
	}

	d := model.Decision{
		Instrument:   winner.Instrument,
		Action:       model.ActionEnter,
		Side:         winner.Side,
		Price:        price,
		Quantity:     s.quantity,
		RulesApplied: rules,
		Timestamp:    winner.GeneratedAt,
	}

	if !s.append(d) {
		// Replay of an already-emitted cycle; never double-fire.
		return nil
	}
	return []model.Decision{d}
}

// RecordExit runs an exit decision through the same dedup and audit path.
// Returns false when the decision was a replay.
func (s *Service) RecordExit(d model.Decision) bool {
	return s.append(d)
}

// append deduplicates, audits, and persists a decision. Returns false on a
// duplicate (instrument, cycle) key.
func (s *Service) append(d model.Decision) bool {
	key := d.Key()

	s.mu.Lock()
	if _, dup := s.emitted[key]; dup {
		s.mu.Unlock()
		log.Debug().Str("key", key).Msg("duplicate decision suppressed")
		return false
	}
	s.emitted[key] = struct{}{}
	s.audit = append(s.audit, d)
	if len(s.audit) > s.maxAudit {
		s.audit = s.audit[len(s.audit)-s.maxAudit:]
	}
	s.mu.Unlock()

	metrics.DecisionsEmitted.WithLabelValues(string(d.Action)).Inc()
	log.Info().
		Str("symbol", d.Instrument.Symbol).
		Str("action", string(d.Action)).
		Str("side", string(d.Side)).
		Str("price", d.Price.StringFixed(2)).
		Strs("rules", d.RulesApplied).
		Msg("🎯 Decision emitted")

	if s.recorder != nil {
		if err := s.recorder.SaveDecision(d); err != nil {
			log.Error().Err(err).Msg("persist decision failed")
		}
	}
	return true
}

// Audit returns a copy of the recent decision trail, oldest first.
func (s *Service) Audit() []model.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Decision, len(s.audit))
	copy(out, s.audit)
	return out
}

// Latest returns the most recent decision for an instrument token.
func (s *Service) Latest(token string) (model.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].Instrument.Token == token {
			return s.audit[i], true
		}
	}
	return model.Decision{}, false
}
