package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKlineFromRow(t *testing.T) {
	row := []any{
		float64(1700000000000), "100.5", "102.0", "99.8", "101.2", "5000",
		float64(1700000059999), "505000", float64(1234),
	}
	k, err := klineFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), k.OpenTime)
	assert.Equal(t, 100.5, k.Open)
	assert.Equal(t, 102.0, k.High)
	assert.Equal(t, 99.8, k.Low)
	assert.Equal(t, 101.2, k.Close)
	assert.Equal(t, 5000.0, k.Volume)
	assert.Equal(t, 505000.0, k.QuoteAssetVolume)
	assert.Equal(t, 1234, k.NumberOfTrades)
}

func TestKlineFromRowRejectsShortRow(t *testing.T) {
	_, err := klineFromRow([]any{float64(1700000000000), "100"})
	assert.Error(t, err)
}

func TestKlineFromRowRejectsGarbage(t *testing.T) {
	row := []any{
		float64(1700000000000), "not-a-number", "102.0", "99.8", "101.2", "5000",
		float64(1700000059999), "505000", float64(0),
	}
	_, err := klineFromRow(row)
	assert.Error(t, err)
}

func TestDigestSymbol(t *testing.T) {
	raw := ExchangeSymbol{
		Symbol:            "BTCUSDT",
		Status:            "TRADING",
		PricePrecision:    2,
		QuantityPrecision: 3,
		Filters: []map[string]any{
			{"filterType": "PRICE_FILTER", "tickSize": "0.10"},
			{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001", "maxQty": "1000"},
			{"filterType": "MIN_NOTIONAL", "notional": "5"},
		},
	}
	info := digestSymbol(raw)
	assert.Equal(t, "BTCUSDT", info.Symbol)
	assert.Equal(t, 0.10, info.TickSize)
	assert.Equal(t, 0.001, info.StepSize)
	assert.Equal(t, 0.001, info.MinQty)
	assert.Equal(t, 1000.0, info.MaxQty)
	assert.Equal(t, 5.0, info.MinNotional)
}

func TestTrimFloat(t *testing.T) {
	assert.Equal(t, "0.001", trimFloat(0.001))
	assert.Equal(t, "45000", trimFloat(45000))
	assert.Equal(t, "1.5", trimFloat(1.50000))
}

func TestAPIErrorFatalCodes(t *testing.T) {
	assert.True(t, (&APIError{Code: CodeIPBanned}).IsFatal())
	assert.True(t, (&APIError{Code: CodePositionSideMismatch}).IsFatal())
	assert.False(t, (&APIError{Code: -1021}).IsFatal())
}

func TestParseAPIError(t *testing.T) {
	body := []byte(`{"code":-2019,"msg":"Margin is insufficient."}`)
	apiErr := parseAPIError(400, body)
	require.NotNil(t, apiErr)
	assert.Equal(t, -2019, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "Margin is insufficient")
}
