// Package balance answers account balance queries from gateway clients.
package balance

import (
	"context"
	"strings"

	"martingale-core/pkg/exchange"
)

// GatewayProvider hands out the signed REST gateway for an exchange record.
type GatewayProvider interface {
	Gateway(ctx context.Context, exchangeID int64) (exchange.Gateway, error)
}

// Service wraps the gateway pool for balance lookups.
type Service struct {
	venues GatewayProvider
}

// New builds the balance service.
func New(venues GatewayProvider) *Service {
	return &Service{venues: venues}
}

// Get returns account balances for an exchange. asset "ALL" (or empty)
// returns every non-zero balance; a named asset returns exactly one entry,
// zeroed when the account does not hold it.
func (s *Service) Get(ctx context.Context, exchangeID int64, asset string) ([]exchange.Balance, error) {
	gw, err := s.venues.Gateway(ctx, exchangeID)
	if err != nil {
		return nil, err
	}

	balances, err := gw.GetBalances(ctx)
	if err != nil {
		return nil, err
	}

	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" || asset == "ALL" {
		return balances, nil
	}

	for _, b := range balances {
		if b.Asset == asset {
			return []exchange.Balance{b}, nil
		}
	}
	return []exchange.Balance{{Asset: asset}}, nil
}
