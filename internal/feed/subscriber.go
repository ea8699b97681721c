package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/arjunm-dev/optionflow/internal/metrics"
	"github.com/arjunm-dev/optionflow/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET FEED SUBSCRIBER
// ═══════════════════════════════════════════════════════════════════════════════
//
// State machine: DISCONNECTED → CONNECTING → SUBSCRIBED ⇄ DEGRADED → DISCONNECTED
//
// The broker does not preserve subscriptions across a drop, so every reconnect
// re-subscribes the full current token set. Ticks are delivered at-least-once;
// consumers dedupe by timestamp. A single read loop publishes to one buffered
// channel, which preserves per-token arrival order end to end.
//
// ═══════════════════════════════════════════════════════════════════════════════

// State of the subscriber connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Degraded
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Subscribed:
		return "SUBSCRIBED"
	case Degraded:
		return "DEGRADED"
	default:
		return "DISCONNECTED"
	}
}

// TokenFunc supplies a fresh feed token for each (re)connect attempt, so a
// session renewal is picked up automatically.
type TokenFunc func(ctx context.Context) (string, error)

// Config tunes the subscriber.
type Config struct {
	URL          string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	TickBuffer   int
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// Subscriber maintains the streaming connection and republishes ticks.
type Subscriber struct {
	cfg       Config
	feedToken TokenFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	tokens  map[string]struct{}
	started bool

	out    chan model.Tick
	stopCh chan struct{}
	done   chan struct{}
}

type controlMessage struct {
	Action string   `json:"action"` // subscribe | unsubscribe
	Tokens []string `json:"tokens"`
}

type tickFrame struct {
	Token  string  `json:"token"`
	LTP    float64 `json:"ltp"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume int64   `json:"volume"`
	OI     int64   `json:"oi"`
	TS     int64   `json:"ts"` // unix millis
}

// NewSubscriber creates a subscriber. Connect starts it.
func NewSubscriber(cfg Config, feedToken TokenFunc) *Subscriber {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = 1000
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	return &Subscriber{
		cfg:       cfg,
		feedToken: feedToken,
		tokens:    make(map[string]struct{}),
		out:       make(chan model.Tick, cfg.TickBuffer),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Ticks returns the multiplexed tick stream. In-order within a token.
func (s *Subscriber) Ticks() <-chan model.Tick { return s.out }

// State returns the current connection state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the stream, subscribes the given tokens, and starts the
// reconnect loop. Returns once the first connection attempt has resolved.
func (s *Subscriber) Connect(ctx context.Context, tokens []string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("subscriber already started")
	}
	s.started = true
	for _, t := range tokens {
		s.tokens[t] = struct{}{}
	}
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		// First dial failed: enter the reconnect loop degraded rather than
		// giving up, ticks just don't flow yet.
		log.Warn().Err(err).Msg("initial feed connect failed, will retry")
		s.setState(Degraded)
	}

	go s.run(ctx)
	return nil
}

// AddTokens subscribes additional tokens on the live connection.
func (s *Subscriber) AddTokens(tokens ...string) error {
	s.mu.Lock()
	for _, t := range tokens {
		s.tokens[t] = struct{}{}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil // picked up on reconnect
	}
	return s.writeControl(controlMessage{Action: "subscribe", Tokens: tokens})
}

// RemoveTokens unsubscribes tokens; their in-flight ticks are dropped.
func (s *Subscriber) RemoveTokens(tokens ...string) error {
	s.mu.Lock()
	for _, t := range tokens {
		delete(s.tokens, t)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.writeControl(controlMessage{Action: "unsubscribe", Tokens: tokens})
}

// Close unsubscribes, closes the connection, and stops the reconnect loop.
func (s *Subscriber) Close() {
	close(s.stopCh)

	s.mu.Lock()
	started := s.started
	all := s.tokenSetLocked()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		// Best effort: the broker supports unsubscribe, use it before closing.
		s.writeControl(controlMessage{Action: "unsubscribe", Tokens: all})
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}
	if started {
		<-s.done
	}
	close(s.out)
	s.setState(Disconnected)
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Subscriber) tokenSetLocked() []string {
	all := make([]string, 0, len(s.tokens))
	for t := range s.tokens {
		all = append(all, t)
	}
	return all
}

func (s *Subscriber) writeControl(msg controlMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	return s.conn.WriteJSON(msg)
}

// dial connects and subscribes the full current token set.
func (s *Subscriber) dial(ctx context.Context) error {
	s.setState(Connecting)

	token, err := s.feedToken(ctx)
	if err != nil {
		return fmt.Errorf("feed token: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL+"?token="+token, nil)
	if err != nil {
		return fmt.Errorf("feed dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	s.mu.Lock()
	s.conn = conn
	all := s.tokenSetLocked()
	s.mu.Unlock()

	if len(all) > 0 {
		if err := s.writeControl(controlMessage{Action: "subscribe", Tokens: all}); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	s.setState(Subscribed)
	log.Info().Int("tokens", len(all)).Msg("📡 Feed subscribed")
	return nil
}

// run owns reconnection. It never blocks the evaluation pipeline; while
// degraded, ticks simply stop arriving.
func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)

	backoff := s.cfg.ReconnectMin
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			backoff = s.cfg.ReconnectMin
			s.readLoop(ctx, conn)
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.setState(Degraded)
		metrics.FeedReconnects.Inc()
		log.Warn().Dur("backoff", backoff).Msg("feed degraded, reconnecting")

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff *= 2; backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}

		if err := s.dial(ctx); err != nil {
			log.Warn().Err(err).Msg("feed reconnect failed")
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
		}
	}
}

// readLoop pumps frames until the connection dies. Runs pings on the side.
func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingStop:
				return
			case <-ticker.C:
				s.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			case <-ctx.Done():
			default:
				log.Warn().Err(err).Msg("feed read error")
			}
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleFrame(data)
	}
}

func (s *Subscriber) handleFrame(data []byte) {
	var frame tickFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Token == "" {
		return
	}

	s.mu.Lock()
	_, subscribed := s.tokens[frame.Token]
	s.mu.Unlock()
	if !subscribed {
		metrics.TicksDropped.Inc()
		return
	}

	tick := model.Tick{
		Token:     frame.Token,
		LTP:       decimal.NewFromFloat(frame.LTP),
		Bid:       decimal.NewFromFloat(frame.Bid),
		Ask:       decimal.NewFromFloat(frame.Ask),
		Volume:    frame.Volume,
		OI:        frame.OI,
		Timestamp: time.UnixMilli(frame.TS).UTC(),
	}

	metrics.TicksReceived.Inc()
	select {
	case s.out <- tick:
	default:
		// Consumer is behind; dropping the oldest semantics would reorder,
		// so drop the new tick and count it.
		metrics.TicksDropped.Inc()
	}
}
