package instruments

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arjunm-dev/optionflow/internal/model"
)

// LoaderFunc fetches the full instrument table from the master-data
// collaborator (the broker's scrip master endpoint, or a file in tests).
type LoaderFunc func(ctx context.Context) ([]model.InstrumentRef, error)

// Resolver maps human-readable symbols to broker instrument tokens. The cache
// is built once at startup and swapped atomically on Refresh; option
// contracts roll, so callers refresh daily.
type Resolver struct {
	loader LoaderFunc

	mu        sync.RWMutex
	bySymbol  map[string]model.InstrumentRef
	byToken   map[string]model.InstrumentRef
	refreshed time.Time
}

// NewResolver creates an empty resolver. Call Refresh before resolving.
func NewResolver(loader LoaderFunc) *Resolver {
	return &Resolver{
		loader:   loader,
		bySymbol: make(map[string]model.InstrumentRef),
		byToken:  make(map[string]model.InstrumentRef),
	}
}

// Refresh rebuilds the cache from the master collaborator.
func (r *Resolver) Refresh(ctx context.Context) error {
	refs, err := r.loader(ctx)
	if err != nil {
		return fmt.Errorf("load scrip master: %w", err)
	}

	bySymbol := make(map[string]model.InstrumentRef, len(refs))
	byToken := make(map[string]model.InstrumentRef, len(refs))
	for _, ref := range refs {
		bySymbol[normalize(ref.Symbol)] = ref
		bySymbol[normalize(ref.Exchange+":"+ref.Symbol)] = ref
		byToken[ref.Token] = ref
	}

	r.mu.Lock()
	r.bySymbol = bySymbol
	r.byToken = byToken
	r.refreshed = time.Now()
	r.mu.Unlock()

	log.Info().Int("instruments", len(refs)).Msg("scrip master refreshed")
	return nil
}

// Resolve looks up a symbol, case and whitespace insensitive, with or without
// an exchange prefix ("NSE:NIFTY 50" and "nifty50" both resolve). Unresolved
// symbols return NotFoundError so a bad instrument can never be subscribed
// silently.
func (r *Resolver) Resolve(symbol string) (model.InstrumentRef, error) {
	r.mu.RLock()
	ref, ok := r.bySymbol[normalize(symbol)]
	r.mu.RUnlock()
	if !ok {
		return model.InstrumentRef{}, &model.NotFoundError{Symbol: symbol}
	}
	return ref, nil
}

// ByToken looks up the instrument for a feed token. Used for tick dispatch.
func (r *Resolver) ByToken(token string) (model.InstrumentRef, bool) {
	r.mu.RLock()
	ref, ok := r.byToken[token]
	r.mu.RUnlock()
	return ref, ok
}

// RefreshedAt reports when the cache was last rebuilt.
func (r *Resolver) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshed
}

func normalize(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}
