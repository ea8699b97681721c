package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side of a signal or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Action taken by the decision service.
type Action string

const (
	ActionEnter Action = "ENTER"
	ActionExit  Action = "EXIT"
	ActionHold  Action = "HOLD"
)

// SessionStatus tracks whether the broker session is usable.
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionExpired SessionStatus = "EXPIRED"
	SessionInvalid SessionStatus = "INVALID"
)

// PositionStatus is OPEN until an exit fill is confirmed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Session holds the broker auth state. Only the session manager mutates it;
// everyone else reads tokens through the manager's accessors.
type Session struct {
	ClientCode   string
	APIKey       string
	AccessToken  string
	RefreshToken string
	FeedToken    string
	ExpiresAt    time.Time
	Status       SessionStatus
}

// InstrumentRef is a resolved tradeable contract. Immutable once resolved.
type InstrumentRef struct {
	Symbol   string
	Exchange string
	Token    string // broker-assigned numeric token, kept as string on the wire
	TickSize decimal.Decimal
	LotSize  int
}

// Tick is a single normalized market-data update. Never mutated after emission.
type Tick struct {
	Token     string
	LTP       decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume    int64
	OI        int64
	Timestamp time.Time
}

// SpreadPct returns (ask-bid)/ltp, or zero when the tick has no usable book.
func (t Tick) SpreadPct() decimal.Decimal {
	if t.LTP.IsZero() || t.Ask.IsZero() || t.Bid.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(t.LTP)
}

// Quote is a REST quote snapshot, mapped from the broker payload at the
// gateway boundary.
type Quote struct {
	Token  string
	LTP    decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Volume int64
	OI     int64
}

// ContractQuote is one row of an option chain.
type ContractQuote struct {
	Symbol string
	Token  string
	Strike decimal.Decimal
	Expiry string
	Kind   string // CE or PE
	LTP    decimal.Decimal
	OI     int64
}

// SignalCandidate is an ephemeral entry proposal from a signal engine. It
// lives for exactly one evaluation cycle.
type SignalCandidate struct {
	Instrument  InstrumentRef
	Side        Side
	Strength    decimal.Decimal // 0..1
	Reason      string
	GeneratedAt time.Time
}

// Decision is the immutable arbitration outcome handed to the executor.
type Decision struct {
	Instrument   InstrumentRef
	Action       Action
	Side         Side
	Price        decimal.Decimal
	Quantity     int
	RulesApplied []string
	Timestamp    time.Time // cycle timestamp, totally orders decisions per instrument
}

// Key identifies a decision for replay deduplication: instrument + cycle.
func (d Decision) Key() string {
	return d.Instrument.Token + "@" + d.Timestamp.UTC().Format(time.RFC3339Nano)
}

// Position is an open exposure tracked by the position monitor.
type Position struct {
	Instrument InstrumentRef
	Side       Side
	EntryPrice decimal.Decimal
	Quantity   int
	OpenedAt   time.Time
	Status     PositionStatus
	HighPrice  decimal.Decimal // best price seen since entry, for trailing stops
	ExitPrice  decimal.Decimal
	ExitReason string
	ClosedAt   time.Time
}

// Notional returns entry price x quantity x lot size.
func (p Position) Notional() decimal.Decimal {
	lot := p.Instrument.LotSize
	if lot <= 0 {
		lot = 1
	}
	return p.EntryPrice.Mul(decimal.NewFromInt(int64(p.Quantity * lot)))
}
