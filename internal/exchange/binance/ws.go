package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openarb/tribot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 30 * time.Second

	// pingPeriod is how often pings go out. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// BookHandler receives one parsed partial book per depth update. Symbols are
// native ("BTCUSDT"), levels are best-first.
type BookHandler func(symbol string, bids, asks []domain.PriceLevel)

// Feed consumes combined partial-depth streams for a set of native symbols.
// It performs a single connection per Run call; reconnect policy belongs to
// the caller.
type Feed struct {
	baseURL     string
	depthLevels int
	log         *slog.Logger
}

func NewFeed(baseURL string, depthLevels int, logger *slog.Logger) *Feed {
	return &Feed{
		baseURL:     baseURL,
		depthLevels: depthLevels,
		log:         logger.With(slog.String("component", "binance_feed")),
	}
}

// Run connects, subscribes via the combined-stream URL and delivers parsed
// books to handler until ctx is cancelled or the connection drops. The
// returned error carries the disconnect reason.
func (f *Feed) Run(ctx context.Context, symbols []string, handler BookHandler) error {
	if len(symbols) == 0 {
		return fmt.Errorf("binance: stream: no symbols")
	}

	streamURL, err := f.streamURL(symbols)
	if err != nil {
		return fmt.Errorf("binance: stream url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("binance: stream connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// Binance pings from the server side as well; answer and extend.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	done := make(chan struct{})
	defer close(done)

	go f.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	f.log.Info("stream connected", slog.Int("symbols", len(symbols)))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("binance: stream read: %v: %w", err, domain.ErrWSDisconnect)
		}
		f.handleMessage(raw, handler)
	}
}

// streamURL builds the combined-stream URL:
// /stream?streams=btcusdt@depth5@100ms/ethusdt@depth5@100ms
func (f *Feed) streamURL(symbols []string) (string, error) {
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		streams = append(streams, depthStream(sym, f.depthLevels))
	}

	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

func (f *Feed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) handleMessage(raw []byte, handler BookHandler) {
	var envelope streamEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Stream == "" {
		// Subscription acks and unknown frames are dropped.
		return
	}
	if !strings.Contains(envelope.Stream, "@depth") {
		return
	}

	var update depthUpdate
	if err := json.Unmarshal(envelope.Data, &update); err != nil {
		f.log.Debug("bad depth payload", slog.String("stream", envelope.Stream), slog.Any("error", err))
		return
	}

	symbol := symbolFromStream(envelope.Stream)
	if symbol == "" {
		return
	}
	handler(symbol, parseLevels(update.Bids), parseLevels(update.Asks))
}

// depthStream names the partial book stream for one native symbol, e.g.
// "btcusdt@depth5@100ms".
func depthStream(symbol string, levels int) string {
	return strings.ToLower(symbol) + "@depth" + strconv.Itoa(levels) + "@100ms"
}

// symbolFromStream recovers the native symbol from a stream name:
// "btcusdt@depth5@100ms" -> "BTCUSDT".
func symbolFromStream(stream string) string {
	idx := strings.Index(stream, "@")
	if idx <= 0 {
		return ""
	}
	return strings.ToUpper(stream[:idx])
}
