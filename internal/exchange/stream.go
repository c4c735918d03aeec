package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	mainnetWSURL = "wss://fstream.binance.com/ws"
	testnetWSURL = "wss://stream.binancefuture.com/ws"
)

// KlineStream keeps a live kline feed per subscribed (symbol, interval) to
// relieve REST pressure. REST stays the source of truth; the scheduler only
// consults the stream for display prices, so a dropped connection is never
// more than a cache miss.
type KlineStream struct {
	wsURL string
	conn  *websocket.Conn

	mu      sync.RWMutex
	latest  map[string]Kline           // symbol|interval → last closed kline
	prices  map[string]decimal.Decimal // symbol → last seen close
	streams map[string]bool            // "btcusdt@kline_1m"
	nextID  int

	connMu  sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewKlineStream builds a stream client. wsURL overrides the default
// endpoint when non-empty.
func NewKlineStream(testnet bool, wsURL string) *KlineStream {
	if wsURL == "" {
		wsURL = mainnetWSURL
		if testnet {
			wsURL = testnetWSURL
		}
	}
	return &KlineStream{
		wsURL:   wsURL,
		latest:  make(map[string]Kline),
		prices:  make(map[string]decimal.Decimal),
		streams: make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

// Start connects and begins streaming
func (s *KlineStream) Start() error {
	s.running = true
	go s.runWebSocket()
	log.Info().Str("url", s.wsURL).Msg("📈 Kline stream started")
	return nil
}

// Stop closes the connection
func (s *KlineStream) Stop() {
	s.running = false
	close(s.stopCh)
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
}

// Subscribe adds a (symbol, interval) feed. Safe before or after Start.
func (s *KlineStream) Subscribe(symbol, interval string) {
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)

	s.mu.Lock()
	if s.streams[stream] {
		s.mu.Unlock()
		return
	}
	s.streams[stream] = true
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		msg := map[string]interface{}{"method": "SUBSCRIBE", "params": []string{stream}, "id": id}
		if err := s.conn.WriteJSON(msg); err != nil {
			log.Warn().Err(err).Str("stream", stream).Msg("Subscribe failed, will retry on reconnect")
		}
	}
}

// LastPrice returns the last streamed close for symbol.
func (s *KlineStream) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[strings.ToUpper(symbol)]
	return p, ok
}

// LastClosed returns the most recent closed kline for (symbol, interval).
func (s *KlineStream) LastClosed(symbol, interval string) (Kline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.latest[strings.ToUpper(symbol)+"|"+interval]
	return k, ok
}

func (s *KlineStream) runWebSocket() {
	for s.running {
		if err := s.connect(); err != nil {
			log.Error().Err(err).Msg("Kline stream connection failed")
			time.Sleep(5 * time.Second)
			continue
		}

		s.readMessages()

		if s.running {
			log.Warn().Msg("Kline stream disconnected, reconnecting...")
			time.Sleep(1 * time.Second)
		}
	}
}

func (s *KlineStream) connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	// Re-subscribe everything on every (re)connect.
	s.mu.RLock()
	streams := make([]string, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	if len(streams) > 0 {
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.mu.Unlock()
		msg := map[string]interface{}{"method": "SUBSCRIBE", "params": streams, "id": id}
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe failed: %w", err)
		}
	}

	log.Info().Int("streams", len(streams)).Msg("🔌 Kline stream connected")
	return nil
}

func (s *KlineStream) readMessages() {
	for s.running {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.running {
				log.Error().Err(err).Msg("Kline stream read error")
			}
			return
		}

		s.handleMessage(message)
	}
}

type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func (s *KlineStream) handleMessage(data []byte) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.EventType != "kline" {
		return
	}

	closePrice, err := decimal.NewFromString(ev.Kline.Close)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.prices[ev.Symbol] = closePrice
	if ev.Kline.Closed {
		s.latest[ev.Symbol+"|"+ev.Kline.Interval] = Kline{
			OpenTime:  ev.Kline.OpenTime,
			Open:      toDecimal(ev.Kline.Open),
			High:      toDecimal(ev.Kline.High),
			Low:       toDecimal(ev.Kline.Low),
			Close:     closePrice,
			Volume:    toDecimal(ev.Kline.Volume),
			CloseTime: ev.Kline.CloseTime,
		}
	}
	s.mu.Unlock()
}
