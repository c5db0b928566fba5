package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/openarb/tribot/internal/crypto"
	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
)

// codeOK is KuCoin's success code; codeInsufficientBalance comes back on
// market orders the account cannot fund.
const (
	codeOK                  = "200000"
	codeInsufficientBalance = "200004"
)

// Client is a thin REST client for the KuCoin spot API. Signed endpoints
// carry the v2 header set: key, base64 HMAC signature over
// timestamp+method+path+body, timestamp, and an HMAC-signed passphrase.
type Client struct {
	rest *exchange.RestClient
	auth crypto.HMACAuth
	log  *slog.Logger
}

func NewClient(rest *exchange.RestClient, auth crypto.HMACAuth, logger *slog.Logger) *Client {
	return &Client{
		rest: rest,
		auth: auth,
		log:  logger.With(slog.String("component", "kucoin_client")),
	}
}

// Symbols returns the markets currently open for trading.
func (c *Client) Symbols(ctx context.Context) ([]symbolInfo, error) {
	data, err := c.public(ctx, http.MethodGet, "/api/v1/symbols")
	if err != nil {
		return nil, fmt.Errorf("kucoin: symbols: %w", err)
	}

	var all []symbolInfo
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("kucoin: decode symbols: %w", err)
	}

	symbols := make([]symbolInfo, 0, len(all))
	for _, s := range all {
		if !s.EnableTrading {
			continue
		}
		symbols = append(symbols, s)
	}
	return symbols, nil
}

// AllTickers returns best bid/ask for every market in one call.
func (c *Client) AllTickers(ctx context.Context) (allTickers, error) {
	data, err := c.public(ctx, http.MethodGet, "/api/v1/market/allTickers")
	if err != nil {
		return allTickers{}, fmt.Errorf("kucoin: all tickers: %w", err)
	}

	var tickers allTickers
	if err := json.Unmarshal(data, &tickers); err != nil {
		return allTickers{}, fmt.Errorf("kucoin: decode tickers: %w", err)
	}
	return tickers, nil
}

// OrderBook returns the top-20 partial book for one native symbol.
func (c *Client) OrderBook(ctx context.Context, symbol string) (orderBook, error) {
	path := "/api/v1/market/orderbook/level2_20?symbol=" + url.QueryEscape(symbol)
	data, err := c.public(ctx, http.MethodGet, path)
	if err != nil {
		return orderBook{}, fmt.Errorf("kucoin: order book %s: %w", symbol, err)
	}

	var book orderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return orderBook{}, fmt.Errorf("kucoin: decode order book %s: %w", symbol, err)
	}
	return book, nil
}

// PlaceOrder submits an order and returns the venue order id. Fills are not
// part of the response; fetch them with OrderDetail.
func (c *Client) PlaceOrder(ctx context.Context, req placeOrderRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("kucoin: marshal order: %w", err)
	}

	data, err := c.signed(ctx, http.MethodPost, "/api/v1/orders", body)
	if err != nil {
		return "", fmt.Errorf("kucoin: place order %s %s: %w", req.Side, req.Symbol, err)
	}

	var resp placeOrderResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("kucoin: decode order response: %w", err)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("kucoin: place order %s: empty order id: %w", req.Symbol, domain.ErrOrderRejected)
	}
	return resp.OrderID, nil
}

// OrderDetail fetches one order with its cumulative fills.
func (c *Client) OrderDetail(ctx context.Context, orderID string) (orderDetail, error) {
	data, err := c.signed(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return orderDetail{}, fmt.Errorf("kucoin: order detail %s: %w", orderID, err)
	}

	var detail orderDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		return orderDetail{}, fmt.Errorf("kucoin: decode order detail: %w", err)
	}
	return detail, nil
}

// Accounts returns the trade-account balances.
func (c *Client) Accounts(ctx context.Context) ([]accountItem, error) {
	data, err := c.signed(ctx, http.MethodGet, "/api/v1/accounts?type=trade", nil)
	if err != nil {
		return nil, fmt.Errorf("kucoin: accounts: %w", err)
	}

	var accounts []accountItem
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("kucoin: decode accounts: %w", err)
	}
	return accounts, nil
}

// BulletPublic performs the public WebSocket handshake, returning the token
// and endpoint list for the feed connection.
func (c *Client) BulletPublic(ctx context.Context) (bulletResponse, error) {
	data, err := c.public(ctx, http.MethodPost, "/api/v1/bullet-public")
	if err != nil {
		return bulletResponse{}, fmt.Errorf("kucoin: bullet-public: %w", err)
	}

	var bullet bulletResponse
	if err := json.Unmarshal(data, &bullet); err != nil {
		return bulletResponse{}, fmt.Errorf("kucoin: decode bullet-public: %w", err)
	}
	if bullet.Token == "" || len(bullet.InstanceServers) == 0 {
		return bulletResponse{}, fmt.Errorf("kucoin: bullet-public: empty handshake")
	}
	return bullet, nil
}

// public performs an unsigned request. pathWithQuery includes any query
// string.
func (c *Client) public(ctx context.Context, method, pathWithQuery string) (json.RawMessage, error) {
	status, body, err := c.rest.Do(ctx, method, pathWithQuery, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return unwrap(status, body)
}

// signed performs a request with the v2 auth headers. The signature covers
// the path including its query string, so the query must not be split out.
func (c *Client) signed(ctx context.Context, method, pathWithQuery string, body []byte) (json.RawMessage, error) {
	headers := http.Header{}
	for k, v := range c.auth.KucoinHeaders(method, pathWithQuery, string(body)) {
		headers.Set(k, v)
	}
	if len(body) > 0 {
		headers.Set("Content-Type", "application/json")
	}

	status, respBody, err := c.rest.Do(ctx, method, pathWithQuery, nil, headers, body)
	if err != nil {
		return nil, err
	}
	return unwrap(status, respBody)
}

// unwrap peels the uniform {code, msg, data} envelope and maps venue error
// codes onto domain errors.
func unwrap(status int, body []byte) (json.RawMessage, error) {
	if status == http.StatusTooManyRequests {
		return nil, fmt.Errorf("HTTP 429: %w", domain.ErrRateLimited)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("HTTP %d: decode envelope: %w", status, err)
	}
	if env.Code != codeOK {
		switch env.Code {
		case codeInsufficientBalance:
			return nil, fmt.Errorf("%s (code %s): %w", env.Msg, env.Code, domain.ErrInsufficientBalance)
		default:
			return nil, fmt.Errorf("%s (code %s)", env.Msg, env.Code)
		}
	}
	return env.Data, nil
}
