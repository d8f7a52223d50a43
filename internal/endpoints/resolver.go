// Package endpoints resolves per-exchange REST and stream base URLs.
package endpoints

import (
	"context"
	"fmt"
	"sync"

	"martingale-core/pkg/db"
)

// Endpoints are the resolved base URLs for one exchange record.
type Endpoints struct {
	RestBase   string
	StreamBase string
	Testnet    bool
}

// ExchangeGetter is the slice of the repository the resolver needs.
type ExchangeGetter interface {
	GetExchange(ctx context.Context, id int64) (*db.Exchange, error)
}

// Resolver caches endpoint resolution per exchange id. Invalidate drops a
// cached entry, e.g. after a 404-class stream error.
type Resolver struct {
	repo ExchangeGetter

	mu    sync.RWMutex
	cache map[int64]Endpoints
}

// NewResolver builds a resolver over the exchange repository.
func NewResolver(repo ExchangeGetter) *Resolver {
	return &Resolver{repo: repo, cache: make(map[int64]Endpoints)}
}

// Resolve returns the endpoints for an exchange, from cache when possible.
func (r *Resolver) Resolve(ctx context.Context, exchangeID int64) (Endpoints, error) {
	r.mu.RLock()
	if ep, ok := r.cache[exchangeID]; ok {
		r.mu.RUnlock()
		return ep, nil
	}
	r.mu.RUnlock()

	ex, err := r.repo.GetExchange(ctx, exchangeID)
	if err != nil {
		return Endpoints{}, fmt.Errorf("resolve exchange %d: %w", exchangeID, err)
	}

	ep := fromRecord(ex)
	r.mu.Lock()
	r.cache[exchangeID] = ep
	r.mu.Unlock()
	return ep, nil
}

// Invalidate drops the cached resolution for an exchange. Safe to call for
// ids that were never cached.
func (r *Resolver) Invalidate(exchangeID int64) {
	r.mu.Lock()
	delete(r.cache, exchangeID)
	r.mu.Unlock()
}

func fromRecord(ex *db.Exchange) Endpoints {
	ep := Endpoints{RestBase: ex.RestURL, StreamBase: ex.StreamURL, Testnet: ex.Testnet}
	if ep.RestBase == "" {
		if ex.Testnet {
			ep.RestBase = "https://testnet.binance.vision"
		} else {
			ep.RestBase = "https://api.binance.com"
		}
	}
	if ep.StreamBase == "" {
		if ex.Testnet {
			ep.StreamBase = "wss://testnet.binance.vision"
		} else {
			ep.StreamBase = "wss://stream.binance.com:9443"
		}
	}
	return ep
}
