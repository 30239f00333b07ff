package binance

import (
	"fmt"
	"sync"
)

// MockClient is an in-memory FuturesClient for tests. Seed its maps, then
// inspect PlacedOrders / CancelledOrders after exercising the code under
// test. All methods are safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	Balance            AccountBalance
	Prices             map[string]float64
	Klines             map[string][]Kline
	BookTickers        map[string]BookTicker
	Depths             map[string]OrderBookDepth
	SymbolInfos        map[string]SymbolInfo
	PositionMap        map[string]Position
	Tickers24h         []Ticker24h
	Premiums           map[string]PremiumIndex
	Brackets           map[string][]LeverageBracket
	OpenOrdersBySymbol map[string][]Order
	Trades             map[string][]AccountTrade
	Income             []IncomeRecord

	PlacedOrders    []OrderParams
	CancelledOrders []int64
	CancelledAll    []string
	LeverageSet     map[string]int
	MarginTypeSet   map[string]MarginType

	// FailWith, when set for a method name, makes that method return the error
	FailWith map[string]error

	// FillOrders controls whether placed limit orders report FILLED (true)
	// or NEW (false)
	FillOrders bool

	// Banned simulates an active IP ban with BanSecondsLeft remaining
	Banned         bool
	BanSecondsLeft int64

	nextOrderID int64
	testnet     bool
}

// NewMockClient creates an empty mock with sane defaults
func NewMockClient() *MockClient {
	return &MockClient{
		Balance:            AccountBalance{TotalBalance: 10000, AvailableBalance: 10000},
		Prices:             make(map[string]float64),
		Klines:             make(map[string][]Kline),
		BookTickers:        make(map[string]BookTicker),
		Depths:             make(map[string]OrderBookDepth),
		SymbolInfos:        make(map[string]SymbolInfo),
		PositionMap:        make(map[string]Position),
		Premiums:           make(map[string]PremiumIndex),
		Brackets:           make(map[string][]LeverageBracket),
		OpenOrdersBySymbol: make(map[string][]Order),
		Trades:             make(map[string][]AccountTrade),
		LeverageSet:        make(map[string]int),
		MarginTypeSet:      make(map[string]MarginType),
		FailWith:           make(map[string]error),
		FillOrders:         true,
		nextOrderID:        1000,
	}
}

func (m *MockClient) fail(method string) error {
	if err, ok := m.FailWith[method]; ok {
		return err
	}
	return nil
}

func (m *MockClient) IsTestnet() bool { return m.testnet }

func (m *MockClient) IsBanned() (bool, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Banned, m.BanSecondsLeft
}

func (m *MockClient) GetAccountBalance() (*AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetAccountBalance"); err != nil {
		return nil, err
	}
	b := m.Balance
	return &b, nil
}

func (m *MockClient) GetPositions() ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPositions"); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(m.PositionMap))
	for _, p := range m.PositionMap {
		positions = append(positions, p)
	}
	return positions, nil
}

func (m *MockClient) GetPositionBySymbol(symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPositionBySymbol"); err != nil {
		return nil, err
	}
	if p, ok := m.PositionMap[symbol]; ok {
		return &p, nil
	}
	return nil, fmt.Errorf("position not found for symbol: %s", symbol)
}

func (m *MockClient) SetLeverage(symbol string, leverage int) (*LeverageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetLeverage"); err != nil {
		return nil, err
	}
	m.LeverageSet[symbol] = leverage
	return &LeverageResponse{Symbol: symbol, Leverage: leverage}, nil
}

func (m *MockClient) SetMarginType(symbol string, marginType MarginType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetMarginType"); err != nil {
		return err
	}
	m.MarginTypeSet[symbol] = marginType
	return nil
}

func (m *MockClient) SetPositionMode(dualSidePosition bool) error { return m.fail("SetPositionMode") }

func (m *MockClient) GetPositionMode() (*PositionModeResponse, error) {
	if err := m.fail("GetPositionMode"); err != nil {
		return nil, err
	}
	return &PositionModeResponse{DualSidePosition: false}, nil
}

func (m *MockClient) GetLeverageBrackets(symbol string) ([]LeverageBracket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetLeverageBrackets"); err != nil {
		return nil, err
	}
	if brackets, ok := m.Brackets[symbol]; ok {
		return brackets, nil
	}
	// Default single bracket allowing 20x on anything
	return []LeverageBracket{{Bracket: 1, InitialLeverage: 20, NotionalCap: 1e9}}, nil
}

func (m *MockClient) PlaceOrder(params OrderParams) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PlaceOrder"); err != nil {
		return nil, err
	}
	m.PlacedOrders = append(m.PlacedOrders, params)
	m.nextOrderID++

	status := OrderStatusNew
	executed := 0.0
	avg := 0.0
	if params.Type == OrderTypeMarket || m.FillOrders {
		status = OrderStatusFilled
		executed = params.Quantity
		avg = params.Price
		if avg == 0 {
			avg = m.Prices[params.Symbol]
		}
	}
	return &Order{
		Symbol:        params.Symbol,
		OrderID:       m.nextOrderID,
		ClientOrderID: params.NewClientOrderID,
		Side:          params.Side,
		Type:          string(params.Type),
		Status:        string(status),
		Price:         params.Price,
		AvgPrice:      avg,
		OrigQty:       params.Quantity,
		ExecutedQty:   executed,
	}, nil
}

func (m *MockClient) PlaceBatchOrders(batch []OrderParams) ([]Order, error) {
	m.mu.Lock()
	if err := m.fail("PlaceBatchOrders"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	orders := make([]Order, 0, len(batch))
	for _, params := range batch {
		order, err := m.PlaceOrder(params)
		if err != nil {
			return orders, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

func (m *MockClient) CancelOrder(symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CancelOrder"); err != nil {
		return err
	}
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	return nil
}

func (m *MockClient) CancelAllOpenOrders(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CancelAllOpenOrders"); err != nil {
		return err
	}
	m.CancelledAll = append(m.CancelledAll, symbol)
	delete(m.OpenOrdersBySymbol, symbol)
	return nil
}

func (m *MockClient) GetOrder(symbol string, orderID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOrder"); err != nil {
		return nil, err
	}
	for _, orders := range m.OpenOrdersBySymbol {
		for _, o := range orders {
			if o.OrderID == orderID {
				return &o, nil
			}
		}
	}
	status := OrderStatusNew
	if m.FillOrders {
		status = OrderStatusFilled
	}
	return &Order{Symbol: symbol, OrderID: orderID, Status: string(status)}, nil
}

func (m *MockClient) GetOpenOrders(symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOpenOrders"); err != nil {
		return nil, err
	}
	if symbol != "" {
		return m.OpenOrdersBySymbol[symbol], nil
	}
	var all []Order
	for _, orders := range m.OpenOrdersBySymbol {
		all = append(all, orders...)
	}
	return all, nil
}

func (m *MockClient) GetCurrentPrice(symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetCurrentPrice"); err != nil {
		return 0, err
	}
	if price, ok := m.Prices[symbol]; ok {
		return price, nil
	}
	return 0, fmt.Errorf("no price for symbol: %s", symbol)
}

func (m *MockClient) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetKlines"); err != nil {
		return nil, err
	}
	klines, ok := m.Klines[symbol]
	if !ok {
		klines = m.Klines[symbol+":"+interval]
	}
	if klines == nil {
		return nil, fmt.Errorf("no klines for symbol: %s", symbol)
	}
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return klines, nil
}

func (m *MockClient) GetBookTicker(symbol string) (*BookTicker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetBookTicker"); err != nil {
		return nil, err
	}
	if t, ok := m.BookTickers[symbol]; ok {
		return &t, nil
	}
	// Synthesize from the last price with a 2 bp spread
	price, ok := m.Prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no book ticker for symbol: %s", symbol)
	}
	return &BookTicker{
		Symbol:   symbol,
		BidPrice: price * 0.9999,
		AskPrice: price * 1.0001,
		BidQty:   100,
		AskQty:   100,
	}, nil
}

func (m *MockClient) GetOrderBookDepth(symbol string, limit int) (*OrderBookDepth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOrderBookDepth"); err != nil {
		return nil, err
	}
	if d, ok := m.Depths[symbol]; ok {
		return &d, nil
	}
	return nil, fmt.Errorf("no depth for symbol: %s", symbol)
}

func (m *MockClient) Get24hTicker(symbol string) (*Ticker24h, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Get24hTicker"); err != nil {
		return nil, err
	}
	for _, t := range m.Tickers24h {
		if t.Symbol == symbol {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("no 24h ticker for symbol: %s", symbol)
}

func (m *MockClient) GetAll24hTickers() ([]Ticker24h, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetAll24hTickers"); err != nil {
		return nil, err
	}
	return m.Tickers24h, nil
}

func (m *MockClient) GetPremiumIndex(symbol string) (*PremiumIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPremiumIndex"); err != nil {
		return nil, err
	}
	if p, ok := m.Premiums[symbol]; ok {
		return &p, nil
	}
	return &PremiumIndex{Symbol: symbol}, nil
}

func (m *MockClient) GetOpenInterest(symbol string) (*OpenInterest, error) {
	if err := m.fail("GetOpenInterest"); err != nil {
		return nil, err
	}
	return &OpenInterest{Symbol: symbol}, nil
}

func (m *MockClient) GetOpenInterestHistory(symbol, period string, limit int) ([]OpenInterestHist, error) {
	if err := m.fail("GetOpenInterestHistory"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *MockClient) GetTakerLongShortRatio(symbol, period string, limit int) ([]TakerLongShortRatio, error) {
	if err := m.fail("GetTakerLongShortRatio"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *MockClient) GetExchangeInfo() (*ExchangeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetExchangeInfo"); err != nil {
		return nil, err
	}
	info := &ExchangeInfo{}
	for symbol := range m.SymbolInfos {
		info.Symbols = append(info.Symbols, ExchangeSymbol{Symbol: symbol, Status: "TRADING"})
	}
	return info, nil
}

func (m *MockClient) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetSymbolInfo"); err != nil {
		return nil, err
	}
	if info, ok := m.SymbolInfos[symbol]; ok {
		return &info, nil
	}
	// Generic rules good enough for most tests
	return &SymbolInfo{
		Symbol:            symbol,
		Status:            "TRADING",
		TickSize:          0.01,
		StepSize:          0.001,
		MinQty:            0.001,
		MaxQty:            1e6,
		MinNotional:       5,
		PricePrecision:    2,
		QuantityPrecision: 3,
	}, nil
}

func (m *MockClient) GetUserTrades(symbol string, limit int) ([]AccountTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetUserTrades"); err != nil {
		return nil, err
	}
	return m.Trades[symbol], nil
}

func (m *MockClient) GetIncomeHistory(incomeType string, startTime, endTime int64, limit int) ([]IncomeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetIncomeHistory"); err != nil {
		return nil, err
	}
	return m.Income, nil
}

func (m *MockClient) GetListenKey() (string, error) {
	if err := m.fail("GetListenKey"); err != nil {
		return "", err
	}
	return "mock-listen-key", nil
}

func (m *MockClient) KeepAliveListenKey(listenKey string) error { return m.fail("KeepAliveListenKey") }

func (m *MockClient) CloseListenKey(listenKey string) error { return m.fail("CloseListenKey") }

// SetPosition seeds or replaces a position
func (m *MockClient) SetPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PositionMap[p.Symbol] = p
}

// ClearPosition removes a position
func (m *MockClient) ClearPosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.PositionMap, symbol)
}

// OrderCount reports how many orders were placed
func (m *MockClient) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PlacedOrders)
}
