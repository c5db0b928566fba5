package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/openarb/tribot/internal/crypto"
	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
)

const recvWindowMillis = 5000

// Client is a thin REST client for the Binance spot API. Public endpoints
// go out unsigned; trading and account endpoints carry an HMAC signature
// over the query string.
type Client struct {
	rest *exchange.RestClient
	auth crypto.HMACAuth
	log  *slog.Logger
	now  func() time.Time
}

func NewClient(rest *exchange.RestClient, auth crypto.HMACAuth, logger *slog.Logger) *Client {
	return &Client{
		rest: rest,
		auth: auth,
		log:  logger.With(slog.String("component", "binance_client")),
		now:  time.Now,
	}
}

// ExchangeInfo returns the spot symbols currently open for trading.
func (c *Client) ExchangeInfo(ctx context.Context) ([]symbolInfo, error) {
	status, body, err := c.rest.Do(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: exchange info: %w", err)
	}
	if status != http.StatusOK {
		return nil, apiFailure("exchange info", status, body)
	}

	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance: decode exchange info: %w", err)
	}

	symbols := make([]symbolInfo, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" || !s.IsSpotTradingAllowed {
			continue
		}
		symbols = append(symbols, s)
	}
	return symbols, nil
}

// BookTickers returns best bid/ask for every spot symbol in one call.
func (c *Client) BookTickers(ctx context.Context) ([]bookTicker, error) {
	status, body, err := c.rest.Do(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: book tickers: %w", err)
	}
	if status != http.StatusOK {
		return nil, apiFailure("book tickers", status, body)
	}

	var tickers []bookTicker
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("binance: decode book tickers: %w", err)
	}
	return tickers, nil
}

// Depth returns the aggregated order book for one native symbol.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (depthResponse, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("limit", strconv.Itoa(limit))

	status, body, err := c.rest.Do(ctx, http.MethodGet, "/api/v3/depth", query, nil, nil)
	if err != nil {
		return depthResponse{}, fmt.Errorf("binance: depth %s: %w", symbol, err)
	}
	if status != http.StatusOK {
		return depthResponse{}, apiFailure("depth "+symbol, status, body)
	}

	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return depthResponse{}, fmt.Errorf("binance: decode depth %s: %w", symbol, err)
	}
	return resp, nil
}

// PlaceMarketOrder submits a market order against a native symbol. Buys are
// quote-denominated via quoteOrderQty, sells base-denominated via quantity.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64) (orderResponse, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("side", nativeSide(side))
	query.Set("type", "MARKET")
	query.Set("newOrderRespType", "FULL")
	if side == domain.OrderSideBuy {
		query.Set("quoteOrderQty", formatQty(quantity))
	} else {
		query.Set("quantity", formatQty(quantity))
	}

	status, body, err := c.signedDo(ctx, http.MethodPost, "/api/v3/order", query)
	if err != nil {
		return orderResponse{}, fmt.Errorf("binance: place order %s %s: %w", nativeSide(side), symbol, err)
	}
	if status != http.StatusOK {
		return orderResponse{}, orderFailure(symbol, status, body)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return orderResponse{}, fmt.Errorf("binance: decode order response: %w", err)
	}
	return resp, nil
}

// Account returns the spot account balances.
func (c *Client) Account(ctx context.Context) ([]accountBalance, error) {
	status, body, err := c.signedDo(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("binance: account: %w", err)
	}
	if status != http.StatusOK {
		return nil, apiFailure("account", status, body)
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance: decode account: %w", err)
	}
	return resp.Balances, nil
}

// signedDo appends timestamp and signature to the query and sets the API key
// header. Binance signs the raw query string, so the signature parameter must
// come last.
func (c *Client) signedDo(ctx context.Context, method, path string, query url.Values) (int, []byte, error) {
	query.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	query.Set("recvWindow", strconv.Itoa(recvWindowMillis))

	signed := query.Encode()
	signed += "&signature=" + c.auth.QuerySignatureHex(signed)

	headers := http.Header{}
	headers.Set("X-MBX-APIKEY", c.auth.Key)

	return c.rest.Do(ctx, method, path+"?"+signed, nil, headers, nil)
}

func nativeSide(side domain.OrderSide) string {
	if side == domain.OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

// formatQty renders quantities the way the API expects, without exponent
// notation and without trailing zeros.
func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

// apiFailure decodes Binance's error body into a useful message.
func apiFailure(op string, status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		if status == http.StatusTooManyRequests || status == http.StatusTeapot {
			return fmt.Errorf("binance: %s: %s (code %d): %w", op, apiErr.Msg, apiErr.Code, domain.ErrRateLimited)
		}
		return fmt.Errorf("binance: %s: HTTP %d: %s (code %d)", op, status, apiErr.Msg, apiErr.Code)
	}
	return fmt.Errorf("binance: %s: HTTP %d", op, status)
}

// orderFailure maps order rejections onto domain errors so the executor can
// tell balance problems from venue rejections.
func orderFailure(symbol string, status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Msg == "" {
		return fmt.Errorf("binance: order %s: HTTP %d: %w", symbol, status, domain.ErrOrderRejected)
	}
	switch apiErr.Code {
	case -2010:
		return fmt.Errorf("binance: order %s: %s: %w", symbol, apiErr.Msg, domain.ErrInsufficientBalance)
	default:
		if status == http.StatusTooManyRequests || status == http.StatusTeapot {
			return fmt.Errorf("binance: order %s: %s: %w", symbol, apiErr.Msg, domain.ErrRateLimited)
		}
		return fmt.Errorf("binance: order %s: %s (code %d): %w", symbol, apiErr.Msg, apiErr.Code, domain.ErrOrderRejected)
	}
}
