package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"futures-trading-bot/internal/logging"
)

const (
	// WSBaseURL is the production futures websocket endpoint
	WSBaseURL = "wss://fstream.binance.com"
	// WSTestnetURL is the testnet futures websocket endpoint
	WSTestnetURL = "wss://stream.binancefuture.com"

	listenKeyKeepAlive  = 25 * time.Minute
	streamReconnectWait = 5 * time.Second
	streamReadTimeout   = 3 * time.Minute
)

// OrderUpdate is one ORDER_TRADE_UPDATE event, flattened
type OrderUpdate struct {
	Symbol        string
	ClientOrderID string
	Side          string
	OrderType     OrderType
	Status        OrderStatus
	OrderID       int64
	Price         float64
	AvgPrice      float64
	Quantity      float64
	FilledQty     float64
	RealizedPnL   float64
	Commission    float64
	IsReduceOnly  bool
	EventTime     int64
}

// AccountUpdate is one ACCOUNT_UPDATE event, flattened to balances and positions
type AccountUpdate struct {
	Reason    string
	EventTime int64
	Balances  []WalletBalance
	Positions []PositionUpdate
}

type WalletBalance struct {
	Asset         string
	WalletBalance float64
	CrossWallet   float64
}

type PositionUpdate struct {
	Symbol        string
	PositionSide  PositionSide
	PositionAmt   float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// UserDataStream maintains the websocket connection to the account event
// stream. It renews the listen key every 25 minutes and reconnects after
// 5 seconds on any failure. Callbacks run on the read goroutine; keep them
// fast or dispatch to the event bus.
type UserDataStream struct {
	client    FuturesClient
	wsBaseURL string

	OnOrderUpdate   func(OrderUpdate)
	OnAccountUpdate func(AccountUpdate)

	mu          sync.Mutex
	conn        *websocket.Conn
	listenKey   string
	lastEventAt time.Time
	running     bool
	cancel      context.CancelFunc
	log         zerolog.Logger
}

// NewUserDataStream creates a stream bound to a client
func NewUserDataStream(client FuturesClient) *UserDataStream {
	wsURL := WSBaseURL
	if client.IsTestnet() {
		wsURL = WSTestnetURL
	}
	return &UserDataStream{
		client:    client,
		wsBaseURL: wsURL,
		log:       logging.Component("user-stream"),
	}
}

// Start connects and runs the stream until the context is cancelled
func (s *UserDataStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("user data stream already running")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(streamCtx)
	go s.keepAliveLoop(streamCtx)
	return nil
}

// Stop tears down the stream and closes the listen key
func (s *UserDataStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	conn := s.conn
	listenKey := s.listenKey
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if listenKey != "" {
		if err := s.client.CloseListenKey(listenKey); err != nil {
			s.log.Warn().Err(err).Msg("failed to close listen key")
		}
	}
}

// LastEventAt reports when the stream last delivered an event. The
// supervisor treats a long silence as a dead stream.
func (s *UserDataStream) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAt
}

// IsConnected reports whether a websocket connection is live
func (s *UserDataStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *UserDataStream) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Dur("retry_in", streamReconnectWait).Msg("user data stream disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnectWait):
		}
	}
}

func (s *UserDataStream) connectAndRead(ctx context.Context) error {
	listenKey, err := s.client.GetListenKey()
	if err != nil {
		return fmt.Errorf("error obtaining listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsBaseURL+"/ws/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("error dialing user data stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.listenKey = listenKey
	s.lastEventAt = time.Now()
	s.mu.Unlock()

	s.log.Info().Msg("user data stream connected")

	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lastEventAt = time.Now()
		s.mu.Unlock()
		s.dispatch(payload)
	}
}

func (s *UserDataStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			listenKey := s.listenKey
			s.mu.Unlock()
			if listenKey == "" {
				continue
			}
			if err := s.client.KeepAliveListenKey(listenKey); err != nil {
				s.log.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

func (s *UserDataStream) dispatch(payload []byte) {
	var envelope struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.log.Debug().Err(err).Msg("unparseable stream event")
		return
	}

	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		s.handleOrderUpdate(payload, envelope.EventTime)
	case "ACCOUNT_UPDATE":
		s.handleAccountUpdate(payload, envelope.EventTime)
	case "listenKeyExpired":
		s.log.Warn().Msg("listen key expired, forcing reconnect")
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
}

func (s *UserDataStream) handleOrderUpdate(payload []byte, eventTime int64) {
	var raw struct {
		Order struct {
			Symbol        string  `json:"s"`
			ClientOrderID string  `json:"c"`
			Side          string  `json:"S"`
			OrderType     string  `json:"o"`
			Status        string  `json:"X"`
			OrderID       int64   `json:"i"`
			Price         float64 `json:"p,string"`
			AvgPrice      float64 `json:"ap,string"`
			Quantity      float64 `json:"q,string"`
			FilledQty     float64 `json:"z,string"`
			RealizedPnL   float64 `json:"rp,string"`
			Commission    float64 `json:"n,string"`
			ReduceOnly    bool    `json:"R"`
		} `json:"o"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		s.log.Debug().Err(err).Msg("unparseable order update")
		return
	}
	if s.OnOrderUpdate == nil {
		return
	}
	s.OnOrderUpdate(OrderUpdate{
		Symbol:        raw.Order.Symbol,
		ClientOrderID: raw.Order.ClientOrderID,
		Side:          raw.Order.Side,
		OrderType:     OrderType(raw.Order.OrderType),
		Status:        OrderStatus(raw.Order.Status),
		OrderID:       raw.Order.OrderID,
		Price:         raw.Order.Price,
		AvgPrice:      raw.Order.AvgPrice,
		Quantity:      raw.Order.Quantity,
		FilledQty:     raw.Order.FilledQty,
		RealizedPnL:   raw.Order.RealizedPnL,
		Commission:    raw.Order.Commission,
		IsReduceOnly:  raw.Order.ReduceOnly,
		EventTime:     eventTime,
	})
}

func (s *UserDataStream) handleAccountUpdate(payload []byte, eventTime int64) {
	var raw struct {
		Data struct {
			Reason   string `json:"m"`
			Balances []struct {
				Asset         string  `json:"a"`
				WalletBalance float64 `json:"wb,string"`
				CrossWallet   float64 `json:"cw,string"`
			} `json:"B"`
			Positions []struct {
				Symbol        string  `json:"s"`
				PositionSide  string  `json:"ps"`
				PositionAmt   float64 `json:"pa,string"`
				EntryPrice    float64 `json:"ep,string"`
				UnrealizedPnL float64 `json:"up,string"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		s.log.Debug().Err(err).Msg("unparseable account update")
		return
	}
	if s.OnAccountUpdate == nil {
		return
	}

	update := AccountUpdate{Reason: raw.Data.Reason, EventTime: eventTime}
	for _, b := range raw.Data.Balances {
		update.Balances = append(update.Balances, WalletBalance{
			Asset:         b.Asset,
			WalletBalance: b.WalletBalance,
			CrossWallet:   b.CrossWallet,
		})
	}
	for _, p := range raw.Data.Positions {
		update.Positions = append(update.Positions, PositionUpdate{
			Symbol:        p.Symbol,
			PositionSide:  PositionSide(p.PositionSide),
			PositionAmt:   p.PositionAmt,
			EntryPrice:    p.EntryPrice,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	s.OnAccountUpdate(update)
}
