package analyst

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/pitboss/internal/domain"
)

// WindowSize is how many prices per symbol the feed keeps in memory.
const WindowSize = 256

const flushInterval = 30 * time.Second

// tick is one price update from the market data socket.
type tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// Feed maintains a rolling price window per symbol. Prices arrive over a
// websocket when a URL is configured; otherwise the feed synthesizes a
// random walk so strategies always have data to work with.
type Feed struct {
	wsURL   string
	history *HistoryStore // nil disables persistence
	log     zerolog.Logger

	mu      sync.RWMutex
	windows map[string][]float64
	pending map[string][]PricePoint
	rnd     *rand.Rand
}

// NewFeed creates a feed. history may be nil.
func NewFeed(wsURL string, history *HistoryStore, log zerolog.Logger) *Feed {
	return &Feed{
		wsURL:   wsURL,
		history: history,
		log:     log.With().Str("component", "feed").Logger(),
		windows: make(map[string][]float64),
		pending: make(map[string][]PricePoint),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Record appends a price to the symbol's window, trimming to WindowSize.
func (f *Feed) Record(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(symbol, price)
}

// record requires f.mu held.
func (f *Feed) record(symbol string, price float64) {
	window := append(f.windows[symbol], price)
	if len(window) > WindowSize {
		window = window[len(window)-WindowSize:]
	}
	f.windows[symbol] = window

	if f.history != nil {
		f.pending[symbol] = append(f.pending[symbol], PricePoint{TS: domain.Now(), Price: price})
	}
}

// Snapshot returns a copy of the symbol's window. A symbol seen for the
// first time is warmed from history when available, otherwise seeded with
// a synthetic walk so the strategy never starves.
func (f *Feed) Snapshot(symbol string) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	window, ok := f.windows[symbol]
	if !ok {
		window = f.warm(symbol)
		f.windows[symbol] = window
	}

	out := make([]float64, len(window))
	copy(out, window)
	return out
}

// Symbols lists the symbols currently tracked, sorted for stable output.
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	symbols := make([]string, 0, len(f.windows))
	for symbol := range f.windows {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// warm requires f.mu held.
func (f *Feed) warm(symbol string) []float64 {
	if f.history != nil {
		prices, err := f.history.LoadRecent(symbol, WindowSize)
		if err != nil {
			f.log.Warn().Err(err).Str("symbol", symbol).Msg("History warmup failed")
		} else if len(prices) >= 2 {
			f.log.Info().Str("symbol", symbol).Int("points", len(prices)).Msg("Window warmed from history")
			return prices
		}
	}

	f.log.Info().Str("symbol", symbol).Msg("Seeding synthetic price window")
	return f.synthesize(WindowSize)
}

// synthesize produces a random walk starting at 100. Requires f.mu held.
func (f *Feed) synthesize(n int) []float64 {
	prices := make([]float64, n)
	price := 100.0
	for i := range prices {
		price += price * f.rnd.NormFloat64() * 0.004
		if price < 1 {
			price = 1
		}
		prices[i] = price
	}
	return prices
}

// Run keeps the feed alive until ctx is canceled. With a websocket URL it
// maintains the connection and streams ticks into the windows; without one
// it advances each tracked window with synthetic steps. Either way pending
// history points are flushed periodically.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	if f.wsURL != "" {
		go f.consumeSocket(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			f.flushHistory()
			return
		case <-ticker.C:
			if f.wsURL == "" {
				f.advanceSynthetic()
			}
		case <-flush.C:
			f.flushHistory()
		}
	}
}

// advanceSynthetic pushes one random step onto every tracked window.
func (f *Feed) advanceSynthetic() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for symbol, window := range f.windows {
		last := 100.0
		if len(window) > 0 {
			last = window[len(window)-1]
		}
		next := last + last*f.rnd.NormFloat64()*0.004
		if next < 1 {
			next = 1
		}
		f.record(symbol, next)
	}
}

// flushHistory hands accumulated points to the history store.
func (f *Feed) flushHistory() {
	if f.history == nil {
		return
	}

	f.mu.Lock()
	batches := f.pending
	f.pending = make(map[string][]PricePoint)
	f.mu.Unlock()

	for symbol, points := range batches {
		if err := f.history.SaveBatch(symbol, points); err != nil {
			f.log.Warn().Err(err).Str("symbol", symbol).Msg("History flush failed")
		}
	}
}

// consumeSocket dials the market data socket and reads ticks until ctx is
// canceled, reconnecting with exponential backoff.
func (f *Feed) consumeSocket(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = time.Second
	backoffCfg.MaxInterval = time.Minute

	for {
		if ctx.Err() != nil {
			return
		}

		err := f.readSocket(ctx)
		if ctx.Err() != nil {
			return
		}

		sleep := backoffCfg.NextBackOff()
		f.log.Warn().Err(err).Dur("retry_in", sleep).Msg("Market data socket closed, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// readSocket runs one connection: dial, subscribe, read until failure.
func (f *Feed) readSocket(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.SetReadLimit(1 << 20)

	if err := f.subscribe(ctx, conn); err != nil {
		return err
	}

	f.log.Info().Str("url", f.wsURL).Msg("Market data socket connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}

		var t tick
		if err := json.Unmarshal(data, &t); err != nil {
			f.log.Debug().Err(err).Msg("Skipping unparseable tick")
			continue
		}
		if t.Symbol == "" || t.Price <= 0 {
			continue
		}
		f.Record(t.Symbol, t.Price)
	}
}

// subscribe announces the tracked symbols. Symbols added after connect are
// picked up on the next reconnect.
func (f *Feed) subscribe(ctx context.Context, conn *websocket.Conn) error {
	symbols := f.Symbols()
	if len(symbols) == 0 {
		return nil
	}

	msg, err := json.Marshal(map[string]any{"op": "subscribe", "symbols": symbols})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, msg)
}
