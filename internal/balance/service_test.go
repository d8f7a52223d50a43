package balance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"martingale-core/pkg/exchange"
)

type stubGateway struct {
	exchange.Gateway
	balances []exchange.Balance
}

func (s stubGateway) GetBalances(context.Context) ([]exchange.Balance, error) {
	return s.balances, nil
}

type stubVenues struct{ gw exchange.Gateway }

func (v stubVenues) Gateway(context.Context, int64) (exchange.Gateway, error) { return v.gw, nil }

func TestGet(t *testing.T) {
	svc := New(stubVenues{gw: stubGateway{balances: []exchange.Balance{
		{Asset: "USDT", Free: 1000, Locked: 50},
		{Asset: "BTC", Free: 0.5},
	}}})

	all, err := svc.Get(context.Background(), 1, "ALL")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := svc.Get(context.Background(), 1, "usdt")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "USDT", one[0].Asset)
	assert.Equal(t, 1000.0, one[0].Free)

	missing, err := svc.Get(context.Background(), 1, "DOGE")
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "DOGE", missing[0].Asset)
	assert.Zero(t, missing[0].Free)
}
