package kucoin

import (
	"encoding/json"
	"strconv"

	"github.com/openarb/tribot/internal/domain"
)

// envelope is KuCoin's uniform response wrapper. code "200000" means
// success; anything else carries msg.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type symbolInfo struct {
	Symbol        string `json:"symbol"` // "BTC-USDT"
	BaseCurrency  string `json:"baseCurrency"`
	QuoteCurrency string `json:"quoteCurrency"`
	EnableTrading bool   `json:"enableTrading"`
}

// allTickers is the /api/v1/market/allTickers data payload.
type allTickers struct {
	Time   int64        `json:"time"`
	Ticker []tickerItem `json:"ticker"`
}

type tickerItem struct {
	Symbol      string `json:"symbol"`
	Buy         string `json:"buy"`  // best bid
	Sell        string `json:"sell"` // best ask
	BestBidSize string `json:"bestBidSize"`
	BestAskSize string `json:"bestAskSize"`
	VolValue    string `json:"volValue"` // 24h quote volume
}

// orderBook is the level2_20 partial book payload.
type orderBook struct {
	Sequence string     `json:"sequence"`
	Time     int64      `json:"time"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

// placeOrderRequest is the POST /api/v1/orders body. Market buys carry
// funds (quote), market sells size (base).
type placeOrderRequest struct {
	ClientOid string `json:"clientOid"`
	Side      string `json:"side"`
	Symbol    string `json:"symbol"`
	Type      string `json:"type"`
	Funds     string `json:"funds,omitempty"`
	Size      string `json:"size,omitempty"`
}

type placeOrderResponse struct {
	OrderID string `json:"orderId"`
}

// orderDetail is the GET /api/v1/orders/{id} data payload.
type orderDetail struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	DealFunds   string `json:"dealFunds"` // quote moved
	DealSize    string `json:"dealSize"`  // base moved
	Fee         string `json:"fee"`
	FeeCurrency string `json:"feeCurrency"`
	IsActive    bool   `json:"isActive"`
	CreatedAt   int64  `json:"createdAt"`
}

type accountItem struct {
	Currency  string `json:"currency"`
	Type      string `json:"type"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Holds     string `json:"holds"`
}

// bulletResponse is the POST /api/v1/bullet-public data payload used for the
// WebSocket handshake.
type bulletResponse struct {
	Token           string           `json:"token"`
	InstanceServers []instanceServer `json:"instanceServers"`
}

type instanceServer struct {
	Endpoint     string `json:"endpoint"`
	Protocol     string `json:"protocol"`
	PingInterval int64  `json:"pingInterval"` // milliseconds
	PingTimeout  int64  `json:"pingTimeout"`
}

// wsMessage covers every frame the feed cares about: welcome, ack, pong and
// topic messages.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type wsSubscribeCmd struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

// depthData is the /spotMarket/level2Depth5 message payload.
type depthData struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp int64      `json:"timestamp"`
}

func parseF(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseLevels(raw [][]string) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, tuple := range raw {
		if len(tuple) < 2 {
			continue
		}
		price, size := parseF(tuple[0]), parseF(tuple[1])
		if price <= 0 || size <= 0 {
			continue
		}
		levels = append(levels, domain.PriceLevel{Price: price, Size: size})
	}
	return levels
}
