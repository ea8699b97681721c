package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arjunm-dev/optionflow/internal/model"
)

func loginServer(t *testing.T, hits *atomic.Int64, fail func(n int64) int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		n := hits.Add(1)
		if fail != nil {
			if code := fail(n); code != 0 {
				w.WriteHeader(code)
				return
			}
		}
		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.ClientCode)
		json.NewEncoder(w).Encode(loginResponse{
			AccessToken: "access-token",
			FeedToken:   "feed-token",
			ExpiresIn:   3600,
		})
	}))
}

func testCreds() Credentials {
	return Credentials{ClientCode: "A123", APIKey: "key", TOTP: "000000"}
}

func TestAccessTokenLogsInOnce(t *testing.T) {
	var hits atomic.Int64
	srv := loginServer(t, &hits, nil)
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL}, testCreds())

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-token", tok)

	// Cached while valid: no second request.
	_, err = m.AccessToken(context.Background())
	require.NoError(t, err)
	feed, err := m.FeedToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "feed-token", feed)

	require.Equal(t, int64(1), hits.Load())
	require.True(t, m.Valid())
}

// Many goroutines hitting an expired session must produce exactly one login
// request, with everyone else blocking until it completes.
func TestConcurrentRefreshSingleFlight(t *testing.T) {
	var hits atomic.Int64
	srv := loginServer(t, &hits, nil)
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL}, testCreds())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.AccessToken(context.Background())
			require.NoError(t, err)
			require.Equal(t, "access-token", tok)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), hits.Load())
	require.Equal(t, 1, m.LoginCalls())
}

func TestInvalidateForcesRelogin(t *testing.T) {
	var hits atomic.Int64
	srv := loginServer(t, &hits, nil)
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL}, testCreds())
	_, err := m.AccessToken(context.Background())
	require.NoError(t, err)

	m.Invalidate()
	require.False(t, m.Valid())

	_, err = m.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())
}

func TestExpiryTriggersProactiveRenewal(t *testing.T) {
	var hits atomic.Int64
	srv := loginServer(t, &hits, nil)
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, TokenSkew: time.Minute}, testCreds())

	now := time.Date(2026, 8, 28, 9, 15, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	_, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())

	// Inside the skew window before the 1h expiry the token counts as stale.
	now = now.Add(time.Hour - 30*time.Second)
	_, err = m.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())
}

func TestLoginRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int64
	srv := loginServer(t, &hits, func(n int64) int {
		if n <= 2 {
			return http.StatusBadGateway
		}
		return 0
	})
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond}, testCreds())
	require.NoError(t, m.Login(context.Background()))
	require.Equal(t, int64(3), hits.Load())
}

func TestLoginRetriesExhausted(t *testing.T) {
	var hits atomic.Int64
	srv := loginServer(t, &hits, func(int64) int { return http.StatusBadGateway })
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond}, testCreds())

	err := m.Login(context.Background())
	var authErr *model.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, int64(2), hits.Load())
	require.False(t, m.Valid())
}

func TestLoginHooksFireAfterEachLogin(t *testing.T) {
	var hits atomic.Int64
	srv := loginServer(t, &hits, nil)
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL}, testCreds())
	fired := 0
	m.OnLogin(func() { fired++ })

	require.NoError(t, m.Login(context.Background()))
	require.NoError(t, m.Login(context.Background()))
	require.Equal(t, 2, fired)
}
