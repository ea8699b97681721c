package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/arjunm-dev/optionflow/internal/metrics"
	"github.com/arjunm-dev/optionflow/internal/model"
	"github.com/arjunm-dev/optionflow/internal/session"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RATE-LIMITED GATEWAY - The only path to the broker's REST API
// ═══════════════════════════════════════════════════════════════════════════════
//
// One rate budget per endpoint class so a hot quote loop cannot starve the
// option-chain poller. Calls block until budget is available or the caller's
// context deadline elapses. Raw broker payloads are mapped into model types
// here and never leak upward.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Class identifies an endpoint budget.
type Class string

const (
	ClassAuth   Class = "auth"
	ClassQuote  Class = "quote"
	ClassChain  Class = "chain"
	ClassMaster Class = "master"
)

// Budget configures one class limiter.
type Budget struct {
	RPS   float64
	Burst int
}

// Config tunes the gateway.
type Config struct {
	BaseURL     string
	Budgets     map[Class]Budget
	MaxRetries  int
	BackoffBase time.Duration
	HTTPTimeout time.Duration
}

// Client is the rate-limited broker gateway.
type Client struct {
	cfg      Config
	http     *http.Client
	sessions *session.Manager

	mu       sync.Mutex
	limiters map[Class]*rate.Limiter
}

// NewClient creates the gateway and registers the per-session budget reset on
// the session manager's login hook.
func NewClient(cfg Config, sessions *session.Manager) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		sessions: sessions,
		limiters: make(map[Class]*rate.Limiter),
	}
	c.resetLimiters()
	sessions.OnLogin(c.resetLimiters)
	return c
}

// resetLimiters rebuilds all class limiters, refilling every budget. Runs on
// construction and after each successful login.
func (c *Client) resetLimiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for class, b := range c.cfg.Budgets {
		rps := b.RPS
		if rps <= 0 {
			rps = 1
		}
		burst := b.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiters[class] = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func (c *Client) limiter(class Class) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[class]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(1), 1)
		c.limiters[class] = lim
	}
	return lim
}

// do executes one call: budget wait, auth header, bounded retries for
// transport failures, single re-login retry on 401.
func (c *Client) do(ctx context.Context, class Class, method, path string, query url.Values, out any) error {
	lim := c.limiter(class)
	if !lim.Allow() {
		metrics.RateLimitWaits.WithLabelValues(string(class)).Inc()
		if err := lim.Wait(ctx); err != nil {
			return &model.RateLimitError{Class: string(class)}
		}
	}

	reloggedIn := false
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return &model.TransportError{Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		token, err := c.sessions.AccessToken(ctx)
		if err != nil {
			return err
		}

		status, err := c.roundTrip(ctx, method, path, query, token, out)
		switch {
		case err == nil && status == http.StatusOK:
			return nil

		case status == http.StatusUnauthorized:
			// Token went stale under us. Invalidate and retry exactly once
			// with a fresh session.
			if reloggedIn {
				return &model.AuthError{Reason: "broker rejected renewed session"}
			}
			log.Warn().Str("path", path).Msg("401 from broker, renewing session")
			c.sessions.Invalidate()
			reloggedIn = true
			attempt-- // the re-login retry does not consume a transport retry
			continue

		case status >= 500 || status == 0:
			lastErr = err
			if lastErr == nil {
				lastErr = fmt.Errorf("status %d", status)
			}
			continue

		case status == http.StatusTooManyRequests:
			return &model.RateLimitError{Class: string(class)}

		default:
			return &model.TransportError{Status: status, Err: err}
		}
	}
	return &model.TransportError{Err: fmt.Errorf("retries exhausted: %w", lastErr)}
}

// roundTrip performs a single HTTP exchange. status 0 means network failure.
func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, token string, out any) (int, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(nil))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// Broker wire shapes, mapped into model types below and nowhere else.

type quotePayload struct {
	Token  string  `json:"token"`
	LTP    float64 `json:"ltp"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume int64   `json:"volume"`
	OI     int64   `json:"oi"`
}

type ltpPayload struct {
	Token string  `json:"token"`
	LTP   float64 `json:"ltp"`
}

type chainPayload struct {
	Symbol string  `json:"symbol"`
	Token  string  `json:"token"`
	Strike float64 `json:"strike"`
	Expiry string  `json:"expiry"`
	Kind   string  `json:"kind"`
	LTP    float64 `json:"ltp"`
	OI     int64   `json:"oi"`
}

type scripPayload struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Token    string  `json:"token"`
	TickSize float64 `json:"tickSize"`
	LotSize  int     `json:"lotSize"`
}

// Quote fetches a full quote snapshot for an instrument token.
func (c *Client) Quote(ctx context.Context, token string) (model.Quote, error) {
	var p quotePayload
	q := url.Values{"token": {token}}
	if err := c.do(ctx, ClassQuote, http.MethodGet, "/quote", q, &p); err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		Token:  p.Token,
		LTP:    decimalFrom(p.LTP),
		Bid:    decimalFrom(p.Bid),
		Ask:    decimalFrom(p.Ask),
		Volume: p.Volume,
		OI:     p.OI,
	}, nil
}

// LTP fetches just the last traded price.
func (c *Client) LTP(ctx context.Context, token string) (model.Quote, error) {
	var p ltpPayload
	q := url.Values{"token": {token}}
	if err := c.do(ctx, ClassQuote, http.MethodGet, "/ltp", q, &p); err != nil {
		return model.Quote{}, err
	}
	return model.Quote{Token: p.Token, LTP: decimalFrom(p.LTP)}, nil
}

// OptionChain fetches the contract set for an underlying and expiry.
func (c *Client) OptionChain(ctx context.Context, underlying, expiry string) ([]model.ContractQuote, error) {
	var rows []chainPayload
	q := url.Values{"underlying": {underlying}, "expiry": {expiry}}
	if err := c.do(ctx, ClassChain, http.MethodGet, "/optionchain", q, &rows); err != nil {
		return nil, err
	}
	out := make([]model.ContractQuote, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.ContractQuote{
			Symbol: r.Symbol,
			Token:  r.Token,
			Strike: decimalFrom(r.Strike),
			Expiry: r.Expiry,
			Kind:   r.Kind,
			LTP:    decimalFrom(r.LTP),
			OI:     r.OI,
		})
	}
	return out, nil
}

// ScripMaster downloads the full instrument table for the token resolver.
func (c *Client) ScripMaster(ctx context.Context) ([]model.InstrumentRef, error) {
	var rows []scripPayload
	if err := c.do(ctx, ClassMaster, http.MethodGet, "/scripmaster", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]model.InstrumentRef, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.InstrumentRef{
			Symbol:   r.Symbol,
			Exchange: r.Exchange,
			Token:    r.Token,
			TickSize: decimalFrom(r.TickSize),
			LotSize:  r.LotSize,
		})
	}
	return out, nil
}

func decimalFrom(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// IsRetryable reports whether an error from the gateway is worth retrying
// later at the call site.
func IsRetryable(err error) bool {
	var rl *model.RateLimitError
	var tr *model.TransportError
	return errors.As(err, &rl) || errors.As(err, &tr)
}
