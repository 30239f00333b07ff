package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"futures-trading-bot/internal/cache"
	"futures-trading-bot/internal/logging"
)

// MiniTickerStream subscribes to the !miniTicker@arr combined stream and
// writes every close price into the cache with a 10 s TTL. With the stream
// up, price reads across the bot are served from cache instead of REST.
type MiniTickerStream struct {
	cache     *cache.Service
	wsBaseURL string

	mu          sync.Mutex
	conn        *websocket.Conn
	lastEventAt time.Time
	running     bool
	cancel      context.CancelFunc
	log         zerolog.Logger
}

// NewMiniTickerStream creates a price stream writing into the given cache
func NewMiniTickerStream(cacheSvc *cache.Service, testnet bool) *MiniTickerStream {
	wsURL := WSBaseURL
	if testnet {
		wsURL = WSTestnetURL
	}
	return &MiniTickerStream{
		cache:     cacheSvc,
		wsBaseURL: wsURL,
		log:       logging.Component("miniticker"),
	}
}

// Start connects and runs until the context is cancelled
func (s *MiniTickerStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("miniTicker stream already running")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(streamCtx)
	return nil
}

// Stop tears down the stream
func (s *MiniTickerStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// LastEventAt reports when the last ticker batch arrived
func (s *MiniTickerStream) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAt
}

func (s *MiniTickerStream) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Dur("retry_in", streamReconnectWait).Msg("miniTicker stream disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnectWait):
		}
	}
}

func (s *MiniTickerStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsBaseURL+"/ws/!miniTicker@arr", nil)
	if err != nil {
		return fmt.Errorf("error dialing miniTicker stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.lastEventAt = time.Now()
	s.mu.Unlock()

	s.log.Info().Msg("miniTicker stream connected")

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

		var batch []struct {
			Symbol string  `json:"s"`
			Close  float64 `json:"c,string"`
		}
		if err := json.Unmarshal(payload, &batch); err != nil {
			s.log.Debug().Err(err).Msg("unparseable miniTicker batch")
			continue
		}

		s.mu.Lock()
		s.lastEventAt = time.Now()
		s.mu.Unlock()

		for _, t := range batch {
			if t.Close <= 0 {
				continue
			}
			key := fmt.Sprintf(cache.KeyPrice, t.Symbol)
			if err := s.cache.Set(ctx, key, t.Close, cache.TTLPriceWS); err != nil {
				// cache degradation is already logged by the cache service
				break
			}
		}
	}
}
