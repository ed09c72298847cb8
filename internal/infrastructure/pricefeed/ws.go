package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"stablearb/internal/application/port"
)

// WsFeed consumes a combined miniTicker websocket stream and keeps the
// latest quote per pair. It runs on its own schedule; CurrentPrices is a
// non-blocking read of the shared snapshot, so the trading loop never
// waits on the socket.
type WsFeed struct {
	wsURL string
	pairs []string

	mu     sync.RWMutex
	latest map[string]port.Quote
}

// NewWsFeed watches the given pairs (e.g. "XRP/USDT") on the stream at
// wsURL.
func NewWsFeed(wsURL string, pairs []string) *WsFeed {
	return &WsFeed{
		wsURL:  strings.TrimSpace(wsURL),
		pairs:  pairs,
		latest: make(map[string]port.Quote),
	}
}

// CurrentPrices implements port.MarketData from the shared snapshot.
// Pairs with no tick yet are simply absent.
func (f *WsFeed) CurrentPrices(ctx context.Context) (map[string]port.Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]port.Quote, len(f.latest))
	for k, v := range f.latest {
		out[k] = v
	}
	return out, nil
}

// Start dials and consumes the stream until ctx is cancelled, reconnecting
// with exponential backoff.
func (f *WsFeed) Start(ctx context.Context) error {
	wsURL, err := f.buildCombinedURL()
	if err != nil {
		return err
	}
	go f.run(ctx, wsURL)
	return nil
}

// pairToStream maps "XRP/USDT" to the stream symbol "xrpusdt".
func pairToStream(pair string) string {
	return strings.ToLower(strings.ReplaceAll(pair, "/", ""))
}

// streamToPair resolves a raw ticker symbol back to one of the watched
// pairs.
func (f *WsFeed) streamToPair(symbol string) string {
	symbol = strings.ToUpper(symbol)
	for _, p := range f.pairs {
		if strings.ToUpper(strings.ReplaceAll(p, "/", "")) == symbol {
			return p
		}
	}
	return ""
}

func (f *WsFeed) buildCombinedURL() (string, error) {
	if f.wsURL == "" {
		return "", errors.New("feed ws_url empty")
	}
	if len(f.pairs) == 0 {
		return "", errors.New("no pairs to subscribe")
	}
	streams := make([]string, 0, len(f.pairs))
	for _, p := range f.pairs {
		streams = append(streams, fmt.Sprintf("%s@miniTicker", pairToStream(p)))
	}
	u, err := url.Parse(f.wsURL)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

type combinedMsg struct {
	Stream string    `json:"stream"`
	Data   tickerMsg `json:"data"`
}

type tickerMsg struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
	Volume string `json:"q"` // 24h quote volume
}

func (f *WsFeed) run(ctx context.Context, wsURL string) {
	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Warn().Str("url", wsURL).Msg("ws connecting")
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, wsURL, nil)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("ws dial failed")
			time.Sleep(backoff)
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = 500 * time.Millisecond
		log.Info().Msg("ws connected")

		err = readLoop(ctx, conn, f.apply)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("ws disconnected, reconnecting")
		time.Sleep(backoff)
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func (f *WsFeed) apply(b []byte) {
	var msg combinedMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Error().Err(err).Msg("ws json unmarshal failed")
		return
	}
	pair := f.streamToPair(msg.Data.Symbol)
	if pair == "" {
		return
	}
	price, _ := strconv.ParseFloat(strings.TrimSpace(msg.Data.Close), 64)
	if price <= 0 {
		return
	}
	volume, _ := strconv.ParseFloat(strings.TrimSpace(msg.Data.Volume), 64)

	f.mu.Lock()
	f.latest[pair] = port.Quote{
		Pair:      pair,
		Price:     price,
		Bid:       price,
		Ask:       price,
		Volume24h: volume,
		Ts:        time.Now().UnixMilli(),
	}
	f.mu.Unlock()
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err == nil {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			}
			if err != nil {
				errCh <- err
				return
			}
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ port.MarketData = (*WsFeed)(nil)
