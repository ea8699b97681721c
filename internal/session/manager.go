package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arjunm-dev/optionflow/internal/metrics"
	"github.com/arjunm-dev/optionflow/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION MANAGER - Owns auth tokens and their renewal
// ═══════════════════════════════════════════════════════════════════════════════
//
// Single writer: only this manager mutates the Session. Callers read tokens
// through AccessToken/FeedToken so a renewal is observed immediately.
// Concurrent callers during a refresh block on the mutex held by the caller
// performing the login, so at most one login request is ever in flight.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Credentials identify the broker account.
type Credentials struct {
	ClientCode string
	APIKey     string
	TOTP       string
}

// Config tunes the manager.
type Config struct {
	BaseURL     string
	TokenSkew   time.Duration // renew this long before expiry
	MaxRetries  int
	BackoffBase time.Duration
	HTTPTimeout time.Duration
}

// Manager is the single owner of the broker session.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	creds   Credentials
	client  *http.Client
	sess    model.Session
	now     func() time.Time
	onLogin []func()

	loginCalls int // total login requests issued, for introspection
}

// NewManager creates a session manager. No login is performed until the first
// token request or an explicit Login call.
func NewManager(cfg Config, creds Credentials) *Manager {
	if cfg.TokenSkew <= 0 {
		cfg.TokenSkew = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		creds:  creds,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		now:    time.Now,
	}
}

// OnLogin registers a hook invoked after every successful login. The gateway
// uses this to reset its per-session rate counters.
func (m *Manager) OnLogin(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLogin = append(m.onLogin, fn)
}

// Login forces a fresh login regardless of current token state.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx)
}

// AccessToken returns a valid REST token, re-logging in synchronously if the
// cached one is expired or about to expire.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.validLocked() {
		return m.sess.AccessToken, nil
	}
	if err := m.loginLocked(ctx); err != nil {
		return "", err
	}
	return m.sess.AccessToken, nil
}

// FeedToken returns a valid streaming-feed token, renewing the session first
// when needed.
func (m *Manager) FeedToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.validLocked() {
		return m.sess.FeedToken, nil
	}
	if err := m.loginLocked(ctx); err != nil {
		return "", err
	}
	return m.sess.FeedToken, nil
}

// Invalidate marks the session unusable. The next token request re-logs in.
// Called by the gateway on a 401 from any endpoint.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.Status == model.SessionActive {
		log.Warn().Str("client", m.creds.ClientCode).Msg("session invalidated")
	}
	m.sess.Status = model.SessionInvalid
	m.sess.AccessToken = ""
	m.sess.FeedToken = ""
}

// Valid reports whether the session is currently usable without a re-login.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validLocked()
}

// LoginCalls returns how many login requests have been issued.
func (m *Manager) LoginCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginCalls
}

func (m *Manager) validLocked() bool {
	return m.sess.Status == model.SessionActive &&
		m.sess.AccessToken != "" &&
		m.now().Before(m.sess.ExpiresAt.Add(-m.cfg.TokenSkew))
}

type loginRequest struct {
	ClientCode string `json:"clientCode"`
	APIKey     string `json:"apiKey"`
	TOTP       string `json:"totp"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
}

// loginLocked performs the login with bounded retries. Caller holds the mutex,
// which is what serializes concurrent refreshes.
func (m *Manager) loginLocked(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.BackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return &model.AuthError{Reason: "login cancelled", Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		resp, err := m.doLogin(ctx)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("login failed")
			continue
		}

		m.sess = model.Session{
			ClientCode:   m.creds.ClientCode,
			APIKey:       m.creds.APIKey,
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			FeedToken:    resp.FeedToken,
			ExpiresAt:    m.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
			Status:       model.SessionActive,
		}
		log.Info().
			Str("client", m.creds.ClientCode).
			Time("expires_at", m.sess.ExpiresAt).
			Msg("🔑 Session established")

		for _, fn := range m.onLogin {
			fn()
		}
		return nil
	}
	return &model.AuthError{Reason: "login retries exhausted", Err: lastErr}
}

func (m *Manager) doLogin(ctx context.Context) (*loginResponse, error) {
	m.loginCalls++
	metrics.LoginAttempts.Inc()

	body, _ := json.Marshal(loginRequest{
		ClientCode: m.creds.ClientCode,
		APIKey:     m.creds.APIKey,
		TOTP:       m.creds.TOTP,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &model.AuthError{Reason: fmt.Sprintf("broker rejected credentials (%d)", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login status %d", resp.StatusCode)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("login decode: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("login returned empty access token")
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 8 * 3600 // broker default: session lasts the trading day
	}
	return &out, nil
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
