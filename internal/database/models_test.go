package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveEntryFallbacks(t *testing.T) {
	trade := &Trade{EntryPrice: 100}
	assert.Equal(t, 100.0, trade.EffectiveEntry(99, 98))

	trade.EntryPrice = 0
	assert.Equal(t, 99.0, trade.EffectiveEntry(99, 98))
	assert.Equal(t, 98.0, trade.EffectiveEntry(0, 98))
}

func TestUnleveragedPnLPct(t *testing.T) {
	long := &Trade{Direction: DirectionLong, EntryPrice: 100}
	assert.InDelta(t, 7.0, long.UnleveragedPnLPct(107), 1e-9)
	assert.InDelta(t, -2.5, long.UnleveragedPnLPct(97.5), 1e-9)

	short := &Trade{Direction: DirectionShort, EntryPrice: 100}
	assert.InDelta(t, 5.0, short.UnleveragedPnLPct(95), 1e-9)
	assert.InDelta(t, -3.0, short.UnleveragedPnLPct(103), 1e-9)
}

func TestMemoryStoreMonotoneStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	trade := &Trade{Symbol: "BTCUSDT", Direction: DirectionLong, EntryPrice: 100, Quantity: 1}
	require.NoError(t, store.CreateTrade(ctx, trade))
	require.NotZero(t, trade.ID)

	require.NoError(t, store.CloseTrade(ctx, trade.ID, 107, 7, 7, "Take Profit"))

	// Second close is a no-op
	require.NoError(t, store.CloseTrade(ctx, trade.ID, 99, -1, -1, "Stop Loss"))
	closed, err := store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, 107.0, *closed.ExitPrice)
	assert.Equal(t, "Take Profit", *closed.ExitReason)

	// A closed trade cannot be reopened
	closed.Status = StatusOpen
	assert.Error(t, store.UpdateTrade(ctx, closed))
}

func TestMemoryStoreOpenTradeQueries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		require.NoError(t, store.CreateTrade(ctx, &Trade{
			Symbol: symbol, Direction: DirectionLong, EntryPrice: 100, Quantity: 1,
		}))
	}
	require.NoError(t, store.CloseTrade(ctx, 3, 95, -5, -5, "Max Loss"))

	count, err := store.CountOpenTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	open, err := store.GetOpenTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	eth, err := store.GetOpenTradeBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, eth)
	assert.Equal(t, "ETHUSDT", eth.Symbol)

	sol, err := store.GetOpenTradeBySymbol(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.Nil(t, sol)

	recent, err := store.GetRecentClosedTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "SOLUSDT", recent[0].Symbol)

	since, err := store.GetTradesClosedSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, since, 1)
}
