package binance

// ==================== ENUMS ====================

// MarginType represents the margin mode for futures trading
type MarginType string

const (
	MarginTypeCrossed  MarginType = "CROSSED"
	MarginTypeIsolated MarginType = "ISOLATED"
)

// PositionSide represents the position side for futures trading
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderType represents order types for futures
type OrderType string

const (
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeStopMarket    OrderType = "STOP_MARKET"
	OrderTypeTrailingStop  OrderType = "TRAILING_STOP_MARKET"
)

// TimeInForce represents order time-in-force options
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
	TimeInForceGTX TimeInForce = "GTX" // Post Only
)

// OrderStatus represents order status
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// WorkingType for stop orders
type WorkingType string

const (
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
)

// ==================== MARKET DATA ====================

// Kline represents a single candlestick
type Kline struct {
	OpenTime         int64   `json:"openTime"`
	Open             float64 `json:"open,string"`
	High             float64 `json:"high,string"`
	Low              float64 `json:"low,string"`
	Close            float64 `json:"close,string"`
	Volume           float64 `json:"volume,string"`
	CloseTime        int64   `json:"closeTime"`
	QuoteAssetVolume float64 `json:"quoteAssetVolume,string"`
	NumberOfTrades   int     `json:"numberOfTrades"`
}

// Ticker24h represents 24 hour price change statistics for a futures symbol
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	PriceChange        float64 `json:"priceChange,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	OpenTime           int64   `json:"openTime"`
	CloseTime          int64   `json:"closeTime"`
}

// BookTicker holds the current best bid/ask for a symbol
type BookTicker struct {
	Symbol   string  `json:"symbol"`
	BidPrice float64 `json:"bidPrice,string"`
	BidQty   float64 `json:"bidQty,string"`
	AskPrice float64 `json:"askPrice,string"`
	AskQty   float64 `json:"askQty,string"`
}

// OrderBookDepth represents order book data
type OrderBookDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"` // [price, qty]
	Asks         [][]string `json:"asks"`
}

// PremiumIndex represents mark price and funding data
type PremiumIndex struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice,string"`
	IndexPrice      float64 `json:"indexPrice,string"`
	LastFundingRate float64 `json:"lastFundingRate,string"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Time            int64   `json:"time"`
}

// OpenInterest represents the current open interest of a symbol
type OpenInterest struct {
	Symbol       string  `json:"symbol"`
	OpenInterest float64 `json:"openInterest,string"`
	Time         int64   `json:"time"`
}

// OpenInterestHist is one point of open interest history
type OpenInterestHist struct {
	Symbol               string  `json:"symbol"`
	SumOpenInterest      float64 `json:"sumOpenInterest,string"`
	SumOpenInterestValue float64 `json:"sumOpenInterestValue,string"`
	Timestamp            int64   `json:"timestamp"`
}

// TakerLongShortRatio is one point of taker buy/sell volume ratio history
type TakerLongShortRatio struct {
	BuySellRatio float64 `json:"buySellRatio,string"`
	BuyVol       float64 `json:"buyVol,string"`
	SellVol      float64 `json:"sellVol,string"`
	Timestamp    int64   `json:"timestamp"`
}

// ==================== EXCHANGE INFO ====================

// ExchangeInfo represents futures exchange information
type ExchangeInfo struct {
	Symbols []ExchangeSymbol `json:"symbols"`
}

// ExchangeSymbol is the raw per-symbol exchange info entry
type ExchangeSymbol struct {
	Symbol            string           `json:"symbol"`
	Status            string           `json:"status"`
	ContractType      string           `json:"contractType"`
	QuoteAsset        string           `json:"quoteAsset"`
	PricePrecision    int              `json:"pricePrecision"`
	QuantityPrecision int              `json:"quantityPrecision"`
	Filters           []map[string]any `json:"filters"`
}

// SymbolInfo is the digested trading-rule view the bot uses for sizing
// and rounding. Immutable within a session (1h cache).
type SymbolInfo struct {
	Symbol            string  `json:"symbol"`
	Status            string  `json:"status"`
	TickSize          float64 `json:"tick_size"`
	StepSize          float64 `json:"step_size"`
	MinQty            float64 `json:"min_qty"`
	MaxQty            float64 `json:"max_qty"`
	MinNotional       float64 `json:"min_notional"`
	PricePrecision    int     `json:"price_precision"`
	QuantityPrecision int     `json:"quantity_precision"`
}

// LeverageBracket is one entry of the exchange-side leverage bracket table
type LeverageBracket struct {
	Bracket          int     `json:"bracket"`
	InitialLeverage  int     `json:"initialLeverage"`
	NotionalCap      float64 `json:"notionalCap"`
	NotionalFloor    float64 `json:"notionalFloor"`
	MaintMarginRatio float64 `json:"maintMarginRatio"`
}

// SymbolLeverageBrackets holds the bracket table for one symbol
type SymbolLeverageBrackets struct {
	Symbol   string            `json:"symbol"`
	Brackets []LeverageBracket `json:"brackets"`
}

// ==================== ACCOUNT ====================

// AccountBalance is the digested futures balance view
type AccountBalance struct {
	TotalBalance     float64 `json:"total_balance"`
	AvailableBalance float64 `json:"available_balance"`
	TotalUnrealized  float64 `json:"total_unrealized"`
	TotalMargin      float64 `json:"total_margin"`
}

// Position represents a futures position from the positionRisk endpoint
type Position struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	IsolatedMargin   float64 `json:"isolatedMargin,string"`
	PositionSide     string  `json:"positionSide"`
	Notional         float64 `json:"notional,string"`
	UpdateTime       int64   `json:"updateTime"`
}

// ==================== ORDERS ====================

// OrderParams represents parameters for placing a futures order
type OrderParams struct {
	Symbol           string       `json:"symbol"`
	Side             string       `json:"side"` // BUY or SELL
	PositionSide     PositionSide `json:"positionSide,omitempty"`
	Type             OrderType    `json:"type"`
	Quantity         float64      `json:"quantity"`
	Price            float64      `json:"price,omitempty"`
	StopPrice        float64      `json:"stopPrice,omitempty"`
	TimeInForce      TimeInForce  `json:"timeInForce,omitempty"`
	ReduceOnly       bool         `json:"reduceOnly,omitempty"`
	ClosePosition    bool         `json:"closePosition,omitempty"`
	WorkingType      WorkingType  `json:"workingType,omitempty"`
	CallbackRate     float64      `json:"callbackRate,omitempty"` // TRAILING_STOP_MARKET, 0.1-5.0
	ActivationPrice  float64      `json:"activationPrice,omitempty"`
	NewClientOrderID string       `json:"newClientOrderId,omitempty"`
}

// Order represents a futures order as returned by the venue
type Order struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	CumQuote      float64 `json:"cumQuote,string"`
	TimeInForce   string  `json:"timeInForce"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	StopPrice     float64 `json:"stopPrice,string"`
	WorkingType   string  `json:"workingType"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

// AccountTrade is one fill from the user trade history
type AccountTrade struct {
	ID       int64   `json:"id"`
	OrderID  int64   `json:"orderId"`
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price,string"`
	Qty      float64 `json:"qty,string"`
	QuoteQty float64 `json:"quoteQty,string"`
	Maker    bool    `json:"maker"`
	Time     int64   `json:"time"`
}

// IncomeRecord is one entry of the income history (realized pnl, funding, fees)
type IncomeRecord struct {
	Symbol     string  `json:"symbol"`
	IncomeType string  `json:"incomeType"`
	Income     float64 `json:"income,string"`
	Time       int64   `json:"time"`
}

// LeverageResponse is the response to a leverage change
type LeverageResponse struct {
	Leverage         int     `json:"leverage"`
	MaxNotionalValue string  `json:"maxNotionalValue"`
	Symbol           string  `json:"symbol"`
}

// PositionModeResponse holds the account's dual-side setting
type PositionModeResponse struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

// ListenKeyResponse wraps a user-data-stream listen key
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}
