package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"futures-trading-bot/internal/logging"
)

const (
	// BaseURL is the production Binance USDT-M Futures API URL
	BaseURL = "https://fapi.binance.com"
	// TestnetURL is the testnet Binance Futures API URL
	TestnetURL = "https://testnet.binancefuture.com"
)

const (
	maxRetries       = 3
	initialRetryWait = time.Second
)

// Client implements FuturesClient against the REST API. Every call retries
// transient failures with exponential backoff (1, 2, 4 s); fatal codes
// surface immediately and an IP ban flips the ban flag.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	testnet    bool
	httpClient *http.Client
	validator  *Validator
	ban        banState
	log        zerolog.Logger
}

// NewClient creates a REST futures client
func NewClient(apiKey, secretKey string, testnet bool) *Client {
	baseURL := BaseURL
	if testnet {
		baseURL = TestnetURL
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		testnet:    testnet,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		validator:  NewValidator(),
		log:        logging.Component("binance"),
	}
}

// IsTestnet reports whether the client targets the testnet
func (c *Client) IsTestnet() bool { return c.testnet }

// IsBanned reports an active IP ban and its remaining seconds
func (c *Client) IsBanned() (bool, int64) {
	banned, remaining := c.ban.check()
	return banned, int64(remaining.Seconds())
}

// ==================== ACCOUNT ====================

// GetAccountBalance retrieves the digested futures balance
func (c *Client) GetAccountBalance() (*AccountBalance, error) {
	resp, err := c.signedGet("/fapi/v2/account", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var raw struct {
		TotalWalletBalance    float64 `json:"totalWalletBalance,string"`
		AvailableBalance      float64 `json:"availableBalance,string"`
		TotalUnrealizedProfit float64 `json:"totalUnrealizedProfit,string"`
		TotalInitialMargin    float64 `json:"totalInitialMargin,string"`
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}

	balance := &AccountBalance{
		TotalBalance:     raw.TotalWalletBalance,
		AvailableBalance: raw.AvailableBalance,
		TotalUnrealized:  raw.TotalUnrealizedProfit,
		TotalMargin:      raw.TotalInitialMargin,
	}
	if err := c.validator.ValidateBalance(balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// GetPositions retrieves all futures positions
func (c *Client) GetPositions() ([]Position, error) {
	resp, err := c.signedGet("/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	return positions, nil
}

// GetPositionBySymbol retrieves the position for a specific symbol
func (c *Client) GetPositionBySymbol(symbol string) (*Position, error) {
	resp, err := c.signedGet("/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}

	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position not found for symbol: %s", symbol)
	}

	// Hedge mode returns one entry per side; prefer the leg with size
	for i := range positions {
		if positions[i].PositionAmt != 0 {
			return &positions[i], nil
		}
	}
	return &positions[0], nil
}

// ==================== LEVERAGE & MARGIN ====================

// SetLeverage sets the leverage for a symbol
func (c *Client) SetLeverage(symbol string, leverage int) (*LeverageResponse, error) {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	resp, err := c.signedPost("/fapi/v1/leverage", params)
	if err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}

	var leverageResp LeverageResponse
	if err := json.Unmarshal(resp, &leverageResp); err != nil {
		return nil, fmt.Errorf("error parsing leverage response: %w", err)
	}
	return &leverageResp, nil
}

// SetMarginType sets the margin type for a symbol. The venue rejects a
// change to the mode already in effect; that rejection is not an error.
func (c *Client) SetMarginType(symbol string, marginType MarginType) error {
	params := map[string]string{
		"symbol":     symbol,
		"marginType": string(marginType),
	}
	_, err := c.signedPost("/fapi/v1/marginType", params)
	if err != nil {
		var apiErr *APIError
		if asAPIError(err, &apiErr) && apiErr.Code == -4046 { // "No need to change margin type"
			return nil
		}
		return fmt.Errorf("error setting margin type: %w", err)
	}
	return nil
}

// SetPositionMode sets one-way vs hedge mode account-wide
func (c *Client) SetPositionMode(dualSidePosition bool) error {
	params := map[string]string{"dualSidePosition": strconv.FormatBool(dualSidePosition)}
	_, err := c.signedPost("/fapi/v1/positionSide/dual", params)
	if err != nil {
		var apiErr *APIError
		if asAPIError(err, &apiErr) && apiErr.Code == -4059 { // "No need to change position side"
			return nil
		}
		return fmt.Errorf("error setting position mode: %w", err)
	}
	return nil
}

// GetPositionMode retrieves the current position mode
func (c *Client) GetPositionMode() (*PositionModeResponse, error) {
	resp, err := c.signedGet("/fapi/v1/positionSide/dual", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching position mode: %w", err)
	}
	var mode PositionModeResponse
	if err := json.Unmarshal(resp, &mode); err != nil {
		return nil, fmt.Errorf("error parsing position mode: %w", err)
	}
	return &mode, nil
}

// GetLeverageBrackets retrieves the leverage bracket table for a symbol,
// ascending by notional floor.
func (c *Client) GetLeverageBrackets(symbol string) ([]LeverageBracket, error) {
	resp, err := c.signedGet("/fapi/v1/leverageBracket", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching leverage brackets: %w", err)
	}

	var table []SymbolLeverageBrackets
	if err := json.Unmarshal(resp, &table); err != nil {
		return nil, fmt.Errorf("error parsing leverage brackets: %w", err)
	}
	for _, entry := range table {
		if entry.Symbol == symbol {
			brackets := entry.Brackets
			sort.Slice(brackets, func(i, j int) bool {
				return brackets[i].NotionalFloor < brackets[j].NotionalFloor
			})
			return brackets, nil
		}
	}
	return nil, fmt.Errorf("no leverage brackets for symbol: %s", symbol)
}

// ==================== TRADING ====================

// PlaceOrder places a new futures order
func (c *Client) PlaceOrder(params OrderParams) (*Order, error) {
	p := orderParamsMap(params)

	resp, err := c.signedPost("/fapi/v1/order", p)
	if err != nil {
		return nil, fmt.Errorf("error placing %s %s order for %s: %w", params.Side, params.Type, params.Symbol, err)
	}

	var order Order
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &order, nil
}

// PlaceBatchOrders submits up to 5 orders in a single request. The venue
// accepts or rejects each entry independently; any per-entry rejection
// fails the whole call.
func (c *Client) PlaceBatchOrders(batch []OrderParams) ([]Order, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(batch) > 5 {
		return nil, fmt.Errorf("batch too large: %d orders, max 5", len(batch))
	}

	rows := make([]map[string]string, len(batch))
	for i := range batch {
		rows[i] = orderParamsMap(batch[i])
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("error encoding batch orders: %w", err)
	}

	resp, err := c.signedPost("/fapi/v1/batchOrders", map[string]string{"batchOrders": string(payload)})
	if err != nil {
		return nil, fmt.Errorf("error placing batch orders for %s: %w", batch[0].Symbol, err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("error parsing batch response: %w", err)
	}

	orders := make([]Order, 0, len(raw))
	for i, entry := range raw {
		var apiErr APIError
		if json.Unmarshal(entry, &apiErr) == nil && apiErr.Code != 0 {
			return orders, fmt.Errorf("batch entry %d rejected: %w", i, &apiErr)
		}
		var order Order
		if err := json.Unmarshal(entry, &order); err != nil {
			return orders, fmt.Errorf("error parsing batch entry %d: %w", i, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func orderParamsMap(params OrderParams) map[string]string {
	p := map[string]string{
		"symbol":   params.Symbol,
		"side":     params.Side,
		"type":     string(params.Type),
		"quantity": trimFloat(params.Quantity),
	}
	if params.PositionSide != "" {
		p["positionSide"] = string(params.PositionSide)
	}
	if params.Price > 0 {
		p["price"] = trimFloat(params.Price)
	}
	if params.StopPrice > 0 {
		p["stopPrice"] = trimFloat(params.StopPrice)
	}
	if params.TimeInForce != "" {
		p["timeInForce"] = string(params.TimeInForce)
	}
	if params.ReduceOnly {
		p["reduceOnly"] = "true"
	}
	if params.ClosePosition {
		p["closePosition"] = "true"
		delete(p, "quantity")
	}
	if params.WorkingType != "" {
		p["workingType"] = string(params.WorkingType)
	}
	if params.CallbackRate > 0 {
		p["callbackRate"] = strconv.FormatFloat(params.CallbackRate, 'f', 1, 64)
	}
	if params.ActivationPrice > 0 {
		p["activationPrice"] = trimFloat(params.ActivationPrice)
	}
	if params.NewClientOrderID != "" {
		p["newClientOrderId"] = params.NewClientOrderID
	}
	return p
}

// CancelOrder cancels an existing futures order
func (c *Client) CancelOrder(symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	if _, err := c.signedDelete("/fapi/v1/order", params); err != nil {
		return fmt.Errorf("error cancelling order %d: %w", orderID, err)
	}
	return nil
}

// CancelAllOpenOrders cancels all open orders for a symbol
func (c *Client) CancelAllOpenOrders(symbol string) error {
	if _, err := c.signedDelete("/fapi/v1/allOpenOrders", map[string]string{"symbol": symbol}); err != nil {
		return fmt.Errorf("error cancelling open orders for %s: %w", symbol, err)
	}
	return nil
}

// GetOrder retrieves a specific order
func (c *Client) GetOrder(symbol string, orderID int64) (*Order, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	resp, err := c.signedGet("/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching order %d: %w", orderID, err)
	}
	var order Order
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	return &order, nil
}

// GetOpenOrders retrieves open orders; empty symbol returns all
func (c *Client) GetOpenOrders(symbol string) ([]Order, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	resp, err := c.signedGet("/fapi/v1/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	var orders []Order
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}
	return orders, nil
}

// ==================== MARKET DATA ====================

// GetCurrentPrice retrieves the last traded price for a symbol
func (c *Client) GetCurrentPrice(symbol string) (float64, error) {
	resp, err := c.publicGet("/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("error fetching price for %s: %w", symbol, err)
	}
	var ticker struct {
		Price float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &ticker); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	if err := c.validator.ValidatePrice(symbol, ticker.Price); err != nil {
		return 0, err
	}
	return ticker.Price, nil
}

// GetKlines retrieves candlestick data
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	resp, err := c.publicGet("/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines for %s %s: %w", symbol, interval, err)
	}

	// Klines arrive as positional arrays
	var raw [][]any
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		k, err := klineFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("malformed kline for %s: %w", symbol, err)
		}
		klines = append(klines, k)
	}
	if err := c.validator.ValidateKlines(symbol, klines); err != nil {
		return nil, err
	}
	return klines, nil
}

// GetBookTicker retrieves the best bid/ask for a symbol
func (c *Client) GetBookTicker(symbol string) (*BookTicker, error) {
	resp, err := c.publicGet("/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching book ticker for %s: %w", symbol, err)
	}
	var ticker BookTicker
	if err := json.Unmarshal(resp, &ticker); err != nil {
		return nil, fmt.Errorf("error parsing book ticker: %w", err)
	}
	if err := c.validator.ValidateBookTicker(&ticker); err != nil {
		return nil, err
	}
	return &ticker, nil
}

// GetOrderBookDepth retrieves the order book
func (c *Client) GetOrderBookDepth(symbol string, limit int) (*OrderBookDepth, error) {
	params := map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}
	resp, err := c.publicGet("/fapi/v1/depth", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching depth for %s: %w", symbol, err)
	}
	var depth OrderBookDepth
	if err := json.Unmarshal(resp, &depth); err != nil {
		return nil, fmt.Errorf("error parsing depth: %w", err)
	}
	return &depth, nil
}

// Get24hTicker retrieves 24h statistics for one symbol
func (c *Client) Get24hTicker(symbol string) (*Ticker24h, error) {
	resp, err := c.publicGet("/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching 24h ticker for %s: %w", symbol, err)
	}
	var ticker Ticker24h
	if err := json.Unmarshal(resp, &ticker); err != nil {
		return nil, fmt.Errorf("error parsing 24h ticker: %w", err)
	}
	return &ticker, nil
}

// GetAll24hTickers retrieves 24h statistics for all symbols
func (c *Client) GetAll24hTickers() ([]Ticker24h, error) {
	resp, err := c.publicGet("/fapi/v1/ticker/24hr", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching 24h tickers: %w", err)
	}
	var tickers []Ticker24h
	if err := json.Unmarshal(resp, &tickers); err != nil {
		return nil, fmt.Errorf("error parsing 24h tickers: %w", err)
	}
	return tickers, nil
}

// GetPremiumIndex retrieves mark price and funding data
func (c *Client) GetPremiumIndex(symbol string) (*PremiumIndex, error) {
	resp, err := c.publicGet("/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching premium index for %s: %w", symbol, err)
	}
	var idx PremiumIndex
	if err := json.Unmarshal(resp, &idx); err != nil {
		return nil, fmt.Errorf("error parsing premium index: %w", err)
	}
	return &idx, nil
}

// GetOpenInterest retrieves the current open interest
func (c *Client) GetOpenInterest(symbol string) (*OpenInterest, error) {
	resp, err := c.publicGet("/fapi/v1/openInterest", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching open interest for %s: %w", symbol, err)
	}
	var oi OpenInterest
	if err := json.Unmarshal(resp, &oi); err != nil {
		return nil, fmt.Errorf("error parsing open interest: %w", err)
	}
	return &oi, nil
}

// GetOpenInterestHistory retrieves open interest history
func (c *Client) GetOpenInterestHistory(symbol, period string, limit int) ([]OpenInterestHist, error) {
	params := map[string]string{
		"symbol": symbol,
		"period": period,
		"limit":  strconv.Itoa(limit),
	}
	resp, err := c.publicGet("/futures/data/openInterestHist", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching OI history for %s: %w", symbol, err)
	}
	var hist []OpenInterestHist
	if err := json.Unmarshal(resp, &hist); err != nil {
		return nil, fmt.Errorf("error parsing OI history: %w", err)
	}
	return hist, nil
}

// GetTakerLongShortRatio retrieves taker buy/sell volume ratio history
func (c *Client) GetTakerLongShortRatio(symbol, period string, limit int) ([]TakerLongShortRatio, error) {
	params := map[string]string{
		"symbol": symbol,
		"period": period,
		"limit":  strconv.Itoa(limit),
	}
	resp, err := c.publicGet("/futures/data/takerlongshortRatio", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching taker ratio for %s: %w", symbol, err)
	}
	var ratios []TakerLongShortRatio
	if err := json.Unmarshal(resp, &ratios); err != nil {
		return nil, fmt.Errorf("error parsing taker ratio: %w", err)
	}
	return ratios, nil
}

// ==================== EXCHANGE INFO ====================

// GetExchangeInfo retrieves futures exchange information
func (c *Client) GetExchangeInfo() (*ExchangeInfo, error) {
	resp, err := c.publicGet("/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}
	var info ExchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}
	return &info, nil
}

// GetSymbolInfo digests the exchange filters for one symbol into trading rules
func (c *Client) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	info, err := c.GetExchangeInfo()
	if err != nil {
		return nil, err
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			digested := digestSymbol(s)
			if err := c.validator.ValidateSymbolInfo(digested); err != nil {
				return nil, err
			}
			return digested, nil
		}
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// digestSymbol extracts trading rules from raw exchange filters
func digestSymbol(s ExchangeSymbol) *SymbolInfo {
	info := &SymbolInfo{
		Symbol:            s.Symbol,
		Status:            s.Status,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}
	for _, f := range s.Filters {
		switch f["filterType"] {
		case "PRICE_FILTER":
			info.TickSize = parseFilterFloat(f, "tickSize")
		case "LOT_SIZE":
			info.StepSize = parseFilterFloat(f, "stepSize")
			info.MinQty = parseFilterFloat(f, "minQty")
			info.MaxQty = parseFilterFloat(f, "maxQty")
		case "MIN_NOTIONAL":
			info.MinNotional = parseFilterFloat(f, "notional")
		}
	}
	return info
}

func parseFilterFloat(f map[string]any, key string) float64 {
	if s, ok := f[key].(string); ok {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return 0
}

// ==================== HISTORY ====================

// GetUserTrades retrieves recent fills for a symbol
func (c *Client) GetUserTrades(symbol string, limit int) ([]AccountTrade, error) {
	params := map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}
	resp, err := c.signedGet("/fapi/v1/userTrades", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching user trades for %s: %w", symbol, err)
	}
	var trades []AccountTrade
	if err := json.Unmarshal(resp, &trades); err != nil {
		return nil, fmt.Errorf("error parsing user trades: %w", err)
	}
	return trades, nil
}

// GetIncomeHistory retrieves income records (REALIZED_PNL, FUNDING_FEE, ...)
func (c *Client) GetIncomeHistory(incomeType string, startTime, endTime int64, limit int) ([]IncomeRecord, error) {
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if incomeType != "" {
		params["incomeType"] = incomeType
	}
	if startTime > 0 {
		params["startTime"] = strconv.FormatInt(startTime, 10)
	}
	if endTime > 0 {
		params["endTime"] = strconv.FormatInt(endTime, 10)
	}
	resp, err := c.signedGet("/fapi/v1/income", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching income history: %w", err)
	}
	var records []IncomeRecord
	if err := json.Unmarshal(resp, &records); err != nil {
		return nil, fmt.Errorf("error parsing income history: %w", err)
	}
	return records, nil
}

// ==================== USER DATA STREAM ====================

// GetListenKey creates a new user data stream listen key
func (c *Client) GetListenKey() (string, error) {
	resp, err := c.keyedPost("/fapi/v1/listenKey", nil)
	if err != nil {
		return "", fmt.Errorf("error creating listen key: %w", err)
	}
	var lk ListenKeyResponse
	if err := json.Unmarshal(resp, &lk); err != nil {
		return "", fmt.Errorf("error parsing listen key: %w", err)
	}
	return lk.ListenKey, nil
}

// KeepAliveListenKey extends the validity of a listen key
func (c *Client) KeepAliveListenKey(listenKey string) error {
	if _, err := c.keyedPut("/fapi/v1/listenKey", map[string]string{"listenKey": listenKey}); err != nil {
		return fmt.Errorf("error keeping listen key alive: %w", err)
	}
	return nil
}

// CloseListenKey closes a user data stream
func (c *Client) CloseListenKey(listenKey string) error {
	if _, err := c.keyedDelete("/fapi/v1/listenKey", map[string]string{"listenKey": listenKey}); err != nil {
		return fmt.Errorf("error closing listen key: %w", err)
	}
	return nil
}

// ==================== REQUEST PLUMBING ====================

func (c *Client) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodGet, endpoint, params, false, false)
}

func (c *Client) signedGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodGet, endpoint, params, true, true)
}

func (c *Client) signedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodPost, endpoint, params, true, true)
}

func (c *Client) signedDelete(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodDelete, endpoint, params, true, true)
}

// keyed* requests carry the API key header but no signature (listen key lifecycle)
func (c *Client) keyedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodPost, endpoint, params, true, false)
}

func (c *Client) keyedPut(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodPut, endpoint, params, true, false)
}

func (c *Client) keyedDelete(endpoint string, params map[string]string) ([]byte, error) {
	return c.do(http.MethodDelete, endpoint, params, true, false)
}

// do executes one request with the standard retry policy. Fatal venue codes
// abort the retry loop; a −1003 additionally arms the ban flag.
func (c *Client) do(method, endpoint string, params map[string]string, keyed, signed bool) ([]byte, error) {
	var body []byte

	operation := func() error {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		if signed {
			query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
			query.Set("recvWindow", "5000")
			query.Set("signature", c.sign(query.Encode()))
		}

		req, err := http.NewRequest(method, c.baseURL+endpoint+"?"+query.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if keyed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // transient network error, retry
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			body = payload
			return nil
		}

		apiErr := parseAPIError(resp.StatusCode, payload)
		if apiErr != nil {
			if apiErr.Code == CodeIPBanned {
				banFor := retryAfter(resp, 2*time.Minute)
				c.ban.set(time.Now().Add(banFor))
				c.log.Error().Dur("ban_for", banFor).Msg("IP banned by venue")
				return backoff.Permanent(apiErr)
			}
			if apiErr.IsFatal() {
				return backoff.Permanent(apiErr)
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				c.log.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).
					Int("code", apiErr.Code).Msg("retryable venue error")
				return apiErr
			}
			// 4xx with a code: caller error, do not retry
			return backoff.Permanent(apiErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("http %d from %s", resp.StatusCode, endpoint)
		}
		return backoff.Permanent(fmt.Errorf("http %d from %s: %s", resp.StatusCode, endpoint, payload))
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initialRetryWait),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	), maxRetries)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// asAPIError unwraps an *APIError from an error chain
func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}

// klineFromRow converts one positional kline array into a Kline
func klineFromRow(row []any) (Kline, error) {
	var k Kline
	if len(row) < 9 {
		return k, fmt.Errorf("kline row has %d fields, want at least 9", len(row))
	}

	openTime, ok := row[0].(float64)
	if !ok {
		return k, fmt.Errorf("kline open time is not numeric")
	}
	closeTime, _ := row[6].(float64)
	trades, _ := row[8].(float64)

	var err error
	if k.Open, err = rowFloat(row[1]); err != nil {
		return k, err
	}
	if k.High, err = rowFloat(row[2]); err != nil {
		return k, err
	}
	if k.Low, err = rowFloat(row[3]); err != nil {
		return k, err
	}
	if k.Close, err = rowFloat(row[4]); err != nil {
		return k, err
	}
	if k.Volume, err = rowFloat(row[5]); err != nil {
		return k, err
	}
	if k.QuoteAssetVolume, err = rowFloat(row[7]); err != nil {
		return k, err
	}

	k.OpenTime = int64(openTime)
	k.CloseTime = int64(closeTime)
	k.NumberOfTrades = int(trades)
	return k, nil
}

func rowFloat(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("kline field is not a string-encoded number")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("kline field %q is not numeric: %w", s, err)
	}
	return f, nil
}

// trimFloat renders a float without trailing zeros for query params
func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
