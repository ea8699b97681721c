package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arjunm-dev/optionflow/internal/decision"
	"github.com/arjunm-dev/optionflow/internal/model"
	"github.com/arjunm-dev/optionflow/internal/positions"
	"github.com/arjunm-dev/optionflow/internal/risk"
	"github.com/arjunm-dev/optionflow/internal/strategy"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Feed → per-instrument lane → Signal Engines → Safety Gate → Decision →
//   Execution → Position Monitor → Exit Evaluator
//
// One dispatcher goroutine routes ticks into bounded per-instrument queues;
// one worker per instrument consumes its queue in arrival order. Rolling
// windows and position mutation happen only inside that worker, so ticks for
// the same instrument are never evaluated concurrently while different
// instruments proceed in parallel.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TickSource is the feed subscriber's contract.
type TickSource interface {
	Ticks() <-chan model.Tick
	Close()
}

// InstrumentIndex maps feed tokens back to resolved instruments.
type InstrumentIndex interface {
	ByToken(token string) (model.InstrumentRef, bool)
}

// Executor is the external execution collaborator. A returned error is a
// rejection (e.g. insufficient margin) and must leave no position behind.
type Executor interface {
	Execute(ctx context.Context, d model.Decision) error
}

// Notifier pushes emitted decisions to an external surface (Telegram).
type Notifier interface {
	NotifyDecision(d model.Decision)
}

// Config tunes the engine.
type Config struct {
	QueueSize    int
	WindowSize   int
	WindowMaxAge time.Duration
}

// Engine wires the pipeline together.
type Engine struct {
	cfg       Config
	feed      TickSource
	index     InstrumentIndex
	buyer     strategy.Engine
	seller    strategy.Engine
	gate      *risk.Gate
	exits     *risk.ExitEvaluator
	decisions *decision.Service
	monitor   *positions.Monitor
	executor  Executor

	mu       sync.Mutex
	notifier Notifier
	lanes    map[string]chan model.Tick
	running  bool

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates the engine.
func New(
	cfg Config,
	feed TickSource,
	index InstrumentIndex,
	buyer, seller strategy.Engine,
	gate *risk.Gate,
	exits *risk.ExitEvaluator,
	decisions *decision.Service,
	monitor *positions.Monitor,
	executor Executor,
) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 64
	}
	return &Engine{
		cfg:       cfg,
		feed:      feed,
		index:     index,
		buyer:     buyer,
		seller:    seller,
		gate:      gate,
		exits:     exits,
		decisions: decisions,
		monitor:   monitor,
		executor:  executor,
		lanes:     make(map[string]chan model.Tick),
		done:      make(chan struct{}),
	}
}

// SetNotifier sets the decision notifier. Optional.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// Start begins dispatching ticks. Returns immediately.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.dispatch(ctx)
	log.Info().Msg("⚡ Engine started")
}

// Stop closes the feed, drains the per-instrument queues, and waits for all
// workers to finish their in-flight evaluation.
func (e *Engine) Stop() {
	e.feed.Close()
	<-e.done
	e.wg.Wait()
	log.Info().Msg("Engine stopped")
}

// dispatch routes each tick into its instrument's lane, creating the lane and
// its worker on first sight. Per-token ordering is preserved because a token
// always maps to the same lane and the dispatcher is single-threaded.
func (e *Engine) dispatch(ctx context.Context) {
	defer close(e.done)
	for tick := range e.feed.Ticks() {
		inst, ok := e.index.ByToken(tick.Token)
		if !ok {
			continue
		}

		lane, exists := e.lanes[tick.Token]
		if !exists {
			lane = make(chan model.Tick, e.cfg.QueueSize)
			e.lanes[tick.Token] = lane
			e.wg.Add(1)
			go e.worker(ctx, inst, lane)
		}

		select {
		case lane <- tick:
		default:
			// Lane full: this instrument's worker is behind. Block rather
			// than reorder; backpressure stops at the feed buffer.
			select {
			case lane <- tick:
			case <-ctx.Done():
				e.closeLanes()
				return
			}
		}
	}
	e.closeLanes()
}

func (e *Engine) closeLanes() {
	for _, lane := range e.lanes {
		close(lane)
	}
}

// worker is the single-threaded evaluation loop for one instrument.
func (e *Engine) worker(ctx context.Context, inst model.InstrumentRef, lane <-chan model.Tick) {
	defer e.wg.Done()
	window := strategy.NewWindow(e.cfg.WindowSize, e.cfg.WindowMaxAge)

	for tick := range lane {
		e.processTick(ctx, inst, window, tick)
	}
}

// processTick runs one evaluation cycle: exit path first, then entry path.
func (e *Engine) processTick(ctx context.Context, inst model.InstrumentRef, window *strategy.Window, tick model.Tick) {
	if !window.Push(tick) {
		// Duplicate delivery after a reconnect; already counted.
		return
	}

	// Exit path runs on every tick with an open position, independent of
	// entry logic and of session validity.
	if pos, open := e.monitor.Get(tick.Token); open {
		if d := e.exits.Evaluate(pos, tick); d != nil {
			e.fireExit(ctx, d)
		}
		// One open position per instrument: no entry evaluation while open.
		return
	}

	// Entry path.
	var candidates []*model.SignalCandidate
	for _, eng := range []strategy.Engine{e.buyer, e.seller} {
		c := eng.Evaluate(inst, window)
		if c == nil {
			continue
		}
		res := e.gate.Check(risk.CheckInput{
			Candidate:     c,
			Tick:          tick,
			Volatility:    window.Volatility(),
			OpenPositions: e.monitor.CountOpen(),
			Exposure:      e.monitor.Exposure(),
		})
		if res.Accepted {
			candidates = append(candidates, c)
		}
	}

	for _, d := range e.decisions.Decide(candidates, tick.LTP) {
		e.fireEnter(ctx, d)
	}
}

func (e *Engine) fireEnter(ctx context.Context, d model.Decision) {
	if err := e.executor.Execute(ctx, d); err != nil {
		// Execution rejected: feed back to the monitor by never recording
		// the position, so no phantom OPEN exists.
		log.Warn().Err(err).
			Str("symbol", d.Instrument.Symbol).
			Msg("entry rejected by executor")
		return
	}
	if _, err := e.monitor.Open(d); err != nil {
		log.Error().Err(err).Msg("position open failed")
		return
	}
	e.gate.RecordSignal(d.Instrument.Token, d.Timestamp)
	e.notify(d)
}

func (e *Engine) fireExit(ctx context.Context, d *model.Decision) {
	if !e.decisions.RecordExit(*d) {
		return // replayed cycle
	}
	if err := e.executor.Execute(ctx, *d); err != nil {
		// Exit rejection keeps the position open; the next tick re-evaluates.
		log.Error().Err(err).
			Str("symbol", d.Instrument.Symbol).
			Msg("exit rejected by executor")
		return
	}
	rule := ""
	if len(d.RulesApplied) > 0 {
		rule = d.RulesApplied[0]
	}
	if _, err := e.monitor.Close(d.Instrument.Token, d.Price, rule, d.Timestamp); err != nil {
		log.Error().Err(err).Msg("position close failed")
		return
	}
	e.notify(*d)
}

func (e *Engine) notify(d model.Decision) {
	e.mu.Lock()
	n := e.notifier
	e.mu.Unlock()
	if n != nil {
		n.NotifyDecision(d)
	}
}
