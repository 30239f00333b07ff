package binance

// FuturesClient defines the capability surface the trading core consumes.
// Implementations: Client (REST), CachedClient (TTL-cached decorator),
// MockClient (tests).
type FuturesClient interface {
	// ==================== ACCOUNT ====================

	// GetAccountBalance retrieves the digested futures balance
	GetAccountBalance() (*AccountBalance, error)

	// GetPositions retrieves all futures positions with nonzero handling left to callers
	GetPositions() ([]Position, error)

	// GetPositionBySymbol retrieves the position for a specific symbol
	GetPositionBySymbol(symbol string) (*Position, error)

	// ==================== LEVERAGE & MARGIN ====================

	SetLeverage(symbol string, leverage int) (*LeverageResponse, error)
	SetMarginType(symbol string, marginType MarginType) error
	SetPositionMode(dualSidePosition bool) error
	GetPositionMode() (*PositionModeResponse, error)

	// GetLeverageBrackets retrieves the notional→max-leverage table for a symbol
	GetLeverageBrackets(symbol string) ([]LeverageBracket, error)

	// ==================== TRADING ====================

	PlaceOrder(params OrderParams) (*Order, error)
	PlaceBatchOrders(batch []OrderParams) ([]Order, error)
	CancelOrder(symbol string, orderID int64) error
	CancelAllOpenOrders(symbol string) error
	GetOrder(symbol string, orderID int64) (*Order, error)
	GetOpenOrders(symbol string) ([]Order, error)

	// ==================== MARKET DATA ====================

	GetCurrentPrice(symbol string) (float64, error)
	GetKlines(symbol, interval string, limit int) ([]Kline, error)
	GetBookTicker(symbol string) (*BookTicker, error)
	GetOrderBookDepth(symbol string, limit int) (*OrderBookDepth, error)
	Get24hTicker(symbol string) (*Ticker24h, error)
	GetAll24hTickers() ([]Ticker24h, error)
	GetPremiumIndex(symbol string) (*PremiumIndex, error)
	GetOpenInterest(symbol string) (*OpenInterest, error)
	GetOpenInterestHistory(symbol, period string, limit int) ([]OpenInterestHist, error)
	GetTakerLongShortRatio(symbol, period string, limit int) ([]TakerLongShortRatio, error)

	// ==================== EXCHANGE INFO ====================

	GetExchangeInfo() (*ExchangeInfo, error)
	GetSymbolInfo(symbol string) (*SymbolInfo, error)

	// ==================== HISTORY ====================

	GetUserTrades(symbol string, limit int) ([]AccountTrade, error)
	GetIncomeHistory(incomeType string, startTime, endTime int64, limit int) ([]IncomeRecord, error)

	// ==================== USER DATA STREAM ====================

	GetListenKey() (string, error)
	KeepAliveListenKey(listenKey string) error
	CloseListenKey(listenKey string) error

	// ==================== STATE ====================

	// IsBanned reports whether the venue has the client IP banned and for how long
	IsBanned() (bool, int64)

	// IsTestnet reports whether the client targets the testnet
	IsTestnet() bool
}
