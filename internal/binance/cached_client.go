package binance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/cache"
	"futures-trading-bot/internal/logging"
)

// CachedClient wraps a FuturesClient with short-TTL read caching. Hot reads
// (balance, price, symbol rules) hit Redis first; everything else passes
// through. Writes invalidate the keys they make stale.
type CachedClient struct {
	FuturesClient
	cache *cache.Service
	log   zerolog.Logger
}

// NewCachedClient wraps a client with the read cache
func NewCachedClient(inner FuturesClient, cacheSvc *cache.Service) *CachedClient {
	return &CachedClient{
		FuturesClient: inner,
		cache:         cacheSvc,
		log:           logging.Component("binance-cache"),
	}
}

// GetAccountBalance serves the balance from cache when fresh (10 s TTL)
func (c *CachedClient) GetAccountBalance() (*AccountBalance, error) {
	ctx := context.Background()

	var cached AccountBalance
	if err := c.cache.Get(ctx, cache.KeyAccountBalance, &cached); err == nil {
		return &cached, nil
	}

	balance, err := c.FuturesClient.GetAccountBalance()
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, cache.KeyAccountBalance, balance, cache.TTLAccountBalance); err != nil {
		c.log.Debug().Err(err).Msg("failed to cache account balance")
	}
	return balance, nil
}

// GetCurrentPrice serves the last price from cache when fresh (2 s TTL).
// The miniTicker stream refreshes the same keys with a longer TTL, so under
// a live stream most reads never touch REST.
func (c *CachedClient) GetCurrentPrice(symbol string) (float64, error) {
	ctx := context.Background()
	key := fmt.Sprintf(cache.KeyPrice, symbol)

	var cached float64
	if err := c.cache.Get(ctx, key, &cached); err == nil && cached > 0 {
		return cached, nil
	}

	price, err := c.FuturesClient.GetCurrentPrice(symbol)
	if err != nil {
		return 0, err
	}
	if err := c.cache.Set(ctx, key, price, cache.TTLPrice); err != nil {
		c.log.Debug().Err(err).Str("symbol", symbol).Msg("failed to cache price")
	}
	return price, nil
}

// GetSymbolInfo serves digested trading rules from cache (1 h TTL);
// tick and step sizes change rarely.
func (c *CachedClient) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	ctx := context.Background()
	key := fmt.Sprintf(cache.KeySymbolInfo, symbol)

	var cached SymbolInfo
	if err := c.cache.Get(ctx, key, &cached); err == nil && cached.Symbol != "" {
		return &cached, nil
	}

	info, err := c.FuturesClient.GetSymbolInfo(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, info, cache.TTLSymbolInfo); err != nil {
		c.log.Debug().Err(err).Str("symbol", symbol).Msg("failed to cache symbol info")
	}
	return info, nil
}

// GetPositions serves positions with their margin modes from a very short
// cache (5 s TTL) so monitor sweeps and loops do not hammer positionRisk.
func (c *CachedClient) GetPositions() ([]Position, error) {
	ctx := context.Background()

	var cached []Position
	if err := c.cache.Get(ctx, cache.KeyMarginModes, &cached); err == nil && len(cached) > 0 {
		return cached, nil
	}

	positions, err := c.FuturesClient.GetPositions()
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, cache.KeyMarginModes, positions, cache.TTLMarginModes); err != nil {
		c.log.Debug().Err(err).Msg("failed to cache positions")
	}
	return positions, nil
}

// PlaceOrder passes through and invalidates balance and position caches
func (c *CachedClient) PlaceOrder(params OrderParams) (*Order, error) {
	order, err := c.FuturesClient.PlaceOrder(params)
	if err != nil {
		return nil, err
	}
	c.invalidateAccountState()
	return order, nil
}

// PlaceBatchOrders passes through and invalidates balance and position caches
func (c *CachedClient) PlaceBatchOrders(batch []OrderParams) ([]Order, error) {
	orders, err := c.FuturesClient.PlaceBatchOrders(batch)
	if err != nil {
		return orders, err
	}
	c.invalidateAccountState()
	return orders, nil
}

// CancelOrder passes through and invalidates balance cache
func (c *CachedClient) CancelOrder(symbol string, orderID int64) error {
	if err := c.FuturesClient.CancelOrder(symbol, orderID); err != nil {
		return err
	}
	c.invalidateAccountState()
	return nil
}

// CancelAllOpenOrders passes through and invalidates balance cache
func (c *CachedClient) CancelAllOpenOrders(symbol string) error {
	if err := c.FuturesClient.CancelAllOpenOrders(symbol); err != nil {
		return err
	}
	c.invalidateAccountState()
	return nil
}

// SetLeverage passes through and invalidates position cache
func (c *CachedClient) SetLeverage(symbol string, leverage int) (*LeverageResponse, error) {
	resp, err := c.FuturesClient.SetLeverage(symbol, leverage)
	if err != nil {
		return nil, err
	}
	c.cache.Delete(context.Background(), cache.KeyMarginModes)
	return resp, nil
}

// SetMarginType passes through and invalidates position cache
func (c *CachedClient) SetMarginType(symbol string, marginType MarginType) error {
	if err := c.FuturesClient.SetMarginType(symbol, marginType); err != nil {
		return err
	}
	c.cache.Delete(context.Background(), cache.KeyMarginModes)
	return nil
}

func (c *CachedClient) invalidateAccountState() {
	ctx := context.Background()
	c.cache.Delete(ctx, cache.KeyAccountBalance)
	c.cache.Delete(ctx, cache.KeyMarginModes)
}
