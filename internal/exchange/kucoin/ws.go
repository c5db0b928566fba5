package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openarb/tribot/internal/domain"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second

	// maxTopicSymbols is KuCoin's cap on symbols per subscribe command.
	maxTopicSymbols = 100
)

// BookHandler receives one parsed partial book per depth update. Symbols are
// native ("BTC-USDT"), levels are best-first.
type BookHandler func(symbol string, bids, asks []domain.PriceLevel)

// Feed consumes the level2 depth topics. The endpoint and token are not
// static: every Run call performs the bullet-public handshake first, then
// connects to the instance server it was handed. Reconnect policy belongs
// to the caller.
type Feed struct {
	client      *Client
	depthLevels int
	log         *slog.Logger
}

func NewFeed(client *Client, depthLevels int, logger *slog.Logger) *Feed {
	return &Feed{
		client:      client,
		depthLevels: depthLevels,
		log:         logger.With(slog.String("component", "kucoin_feed")),
	}
}

// Run handshakes, connects, subscribes and delivers parsed books to handler
// until ctx is cancelled or the connection drops.
func (f *Feed) Run(ctx context.Context, symbols []string, handler BookHandler) error {
	if len(symbols) == 0 {
		return fmt.Errorf("kucoin: stream: no symbols")
	}

	bullet, err := f.client.BulletPublic(ctx)
	if err != nil {
		return err
	}
	server := bullet.InstanceServers[0]
	wsURL := server.Endpoint + "?token=" + bullet.Token + "&connectId=" + uuid.NewString()

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("kucoin: stream connect: %w", err)
	}

	pingInterval := time.Duration(server.PingInterval) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = 18 * time.Second
	}
	pingTimeout := time.Duration(server.PingTimeout) * time.Millisecond
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	// Pongs are application-level frames here, so any message refreshes the
	// read deadline.
	readWait := pingInterval + pingTimeout

	done := make(chan struct{})
	defer close(done)

	go f.pingLoop(conn, pingInterval, done)
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

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := f.awaitWelcome(conn); err != nil {
		return err
	}
	if err := f.subscribe(conn, symbols); err != nil {
		return err
	}

	f.log.Info("stream connected",
		slog.String("endpoint", server.Endpoint),
		slog.Int("symbols", len(symbols)),
	)

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kucoin: stream read: %v: %w", err, domain.ErrWSDisconnect)
		}
		if err := f.handleMessage(raw, handler); err != nil {
			return err
		}
	}
}

// awaitWelcome reads the first frame, which must be the welcome message.
func (f *Feed) awaitWelcome(conn *websocket.Conn) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("kucoin: stream welcome: %v: %w", err, domain.ErrWSDisconnect)
	}
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "welcome" {
		return fmt.Errorf("kucoin: stream: expected welcome, got %s", string(raw))
	}
	return nil
}

// subscribe sends one command per symbol chunk. Acks come back interleaved
// with data and are dropped in handleMessage.
func (f *Feed) subscribe(conn *websocket.Conn, symbols []string) error {
	topic := "/spotMarket/level2Depth5:"
	if f.depthLevels > 5 {
		topic = "/spotMarket/level2Depth50:"
	}

	for i := 0; i < len(symbols); i += maxTopicSymbols {
		end := min(i+maxTopicSymbols, len(symbols))
		cmd := wsSubscribeCmd{
			ID:       strconv.FormatInt(time.Now().UnixNano(), 10),
			Type:     "subscribe",
			Topic:    topic + strings.Join(symbols[i:end], ","),
			Response: true,
		}
		data, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("kucoin: marshal subscribe: %w", err)
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("kucoin: stream subscribe: %v: %w", err, domain.ErrWSDisconnect)
		}
	}
	return nil
}

// pingLoop sends the venue's JSON ping on its advertised interval.
func (f *Feed) pingLoop(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ping, _ := json.Marshal(wsMessage{
				ID:   strconv.FormatInt(time.Now().UnixNano(), 10),
				Type: "ping",
			})
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func (f *Feed) handleMessage(raw []byte, handler BookHandler) error {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case "message":
		symbol := symbolFromTopic(msg.Topic)
		if symbol == "" {
			return nil
		}
		var depth depthData
		if err := json.Unmarshal(msg.Data, &depth); err != nil {
			f.log.Debug("bad depth payload", slog.String("topic", msg.Topic), slog.Any("error", err))
			return nil
		}
		handler(symbol, parseLevels(depth.Bids), parseLevels(depth.Asks))
		return nil
	case "error":
		return fmt.Errorf("kucoin: stream error frame: %s", string(raw))
	default:
		// welcome, ack, pong
		return nil
	}
}

// symbolFromTopic recovers the native symbol:
// "/spotMarket/level2Depth5:BTC-USDT" -> "BTC-USDT".
func symbolFromTopic(topic string) string {
	idx := strings.LastIndexByte(topic, ':')
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}
