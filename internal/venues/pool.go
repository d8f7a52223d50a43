// Package venues caches one exchange gateway per exchange record, decrypting
// credentials on first use.
package venues

import (
	"context"
	"fmt"
	"sync"

	"martingale-core/internal/endpoints"
	"martingale-core/pkg/db"
	"martingale-core/pkg/exchange"
	"martingale-core/pkg/exchange/binance"
)

// Decryptor recovers plaintext API credentials.
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// ExchangeGetter is the slice of the repository the pool needs.
type ExchangeGetter interface {
	GetExchange(ctx context.Context, id int64) (*db.Exchange, error)
}

// Pool hands out exchange gateways keyed by exchange id.
type Pool struct {
	repo     ExchangeGetter
	keys     Decryptor
	resolver *endpoints.Resolver

	mu    sync.RWMutex
	cache map[int64]exchange.Gateway
}

// NewPool builds the gateway pool.
func NewPool(repo ExchangeGetter, keys Decryptor, resolver *endpoints.Resolver) *Pool {
	return &Pool{
		repo:     repo,
		keys:     keys,
		resolver: resolver,
		cache:    make(map[int64]exchange.Gateway),
	}
}

// Gateway returns a cached or freshly built gateway for the exchange record.
func (p *Pool) Gateway(ctx context.Context, exchangeID int64) (exchange.Gateway, error) {
	p.mu.RLock()
	if gw, ok := p.cache[exchangeID]; ok {
		p.mu.RUnlock()
		return gw, nil
	}
	p.mu.RUnlock()

	ex, err := p.repo.GetExchange(ctx, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("load exchange %d: %w", exchangeID, err)
	}

	ep, err := p.resolver.Resolve(ctx, exchangeID)
	if err != nil {
		return nil, err
	}

	var apiKey, apiSecret string
	if ex.APIKeyEnc != "" {
		if p.keys == nil {
			return nil, fmt.Errorf("exchange %d has encrypted credentials but no key manager is configured", exchangeID)
		}
		if apiKey, err = p.keys.Decrypt(ex.APIKeyEnc); err != nil {
			return nil, fmt.Errorf("decrypt api key for exchange %d: %w", exchangeID, err)
		}
		if apiSecret, err = p.keys.Decrypt(ex.APISecretEnc); err != nil {
			return nil, fmt.Errorf("decrypt api secret for exchange %d: %w", exchangeID, err)
		}
	}

	gw := binance.New(binance.Config{
		BaseURL:   ep.RestBase,
		APIKey:    apiKey,
		APISecret: apiSecret,
	})

	p.mu.Lock()
	p.cache[exchangeID] = gw
	p.mu.Unlock()
	return gw, nil
}

// Invalidate drops the cached gateway and endpoint resolution for an
// exchange, forcing a rebuild on next use.
func (p *Pool) Invalidate(exchangeID int64) {
	p.mu.Lock()
	delete(p.cache, exchangeID)
	p.mu.Unlock()
	p.resolver.Invalidate(exchangeID)
}
