// Package gateway orchestrates a registry lookup: local validation, cache
// probe, throttle gate, provider call, cache fill. It owns the ordering
// invariants — validation never consumes a rate-limit token, cache hits
// never touch the gate, and the permit is released exactly once per
// acquisition on every path.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/cnpjgate/cnpjgate/internal/cache"
	"github.com/cnpjgate/cnpjgate/internal/cnpj"
	"github.com/cnpjgate/cnpjgate/internal/throttle"
)

// Fetcher performs one provider lookup for a normalized identifier.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*cnpj.Record, error)
}

// Gateway is the lookup orchestrator. Concurrent Lookup calls for the same
// identifier may each reach the provider (there is no in-flight dedup); the
// gate still serializes them, and the loser of the race simply refreshes
// the cache entry the winner wrote.
type Gateway struct {
	store   cache.Store
	gate    *throttle.Gate
	fetcher Fetcher
	logger  *slog.Logger

	// Metric hooks, all optional. Cache hit/miss counts live on the store.
	OnLookup            func()
	OnInvalid           func()
	OnProviderCall      func()
	OnProviderError     func()
	ObserveLookup       func(time.Duration)
	ObserveThrottleWait func(time.Duration)
}

// New creates a gateway. All collaborators are required except the logger.
func New(store cache.Store, gate *throttle.Gate, fetcher Fetcher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:   store,
		gate:    gate,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Lookup resolves raw user input to a registry record. cached reports
// whether the result came from the cache. Errors are either a
// *cnpj.InvalidError (local, free), a context error from waiting at the
// gate, or a *provider.Error from the upstream call.
func (g *Gateway) Lookup(ctx context.Context, raw string) (rec *cnpj.Record, cached bool, err error) {
	if g.OnLookup != nil {
		g.OnLookup()
	}
	start := time.Now()
	if g.ObserveLookup != nil {
		defer func() { g.ObserveLookup(time.Since(start)) }()
	}

	id := cnpj.Normalize(raw)
	if err := cnpj.Validate(id); err != nil {
		if g.OnInvalid != nil {
			g.OnInvalid()
		}
		g.logger.Debug("lookup: rejected locally", "cnpj", cnpj.Mask(id), "error", err)
		return nil, false, err
	}

	if rec, ok := g.store.Get(ctx, id); ok {
		g.logger.Debug("lookup: cache hit", "cnpj", cnpj.Mask(id))
		return rec, true, nil
	}

	waitStart := time.Now()
	if err := g.gate.Acquire(ctx); err != nil {
		g.logger.Debug("lookup: abandoned while queued", "cnpj", cnpj.Mask(id), "error", err)
		return nil, false, err
	}
	if g.ObserveThrottleWait != nil {
		g.ObserveThrottleWait(time.Since(waitStart))
	}
	// Release pays the spacing delay on success and failure alike.
	defer g.gate.Release()

	if g.OnProviderCall != nil {
		g.OnProviderCall()
	}
	rec, err = g.fetcher.Fetch(ctx, id)
	if err != nil {
		if g.OnProviderError != nil {
			g.OnProviderError()
		}
		g.logger.Warn("lookup: provider failed", "cnpj", cnpj.Mask(id), "error", err)
		return nil, false, err
	}

	g.store.Set(ctx, id, rec)
	g.logger.Info("lookup: resolved", "cnpj", cnpj.Mask(id), "situacao", rec.SituacaoCadastral)
	return rec, false, nil
}
