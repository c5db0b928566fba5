package binance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openarb/tribot/internal/crypto"
	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExchange(t *testing.T, baseURL string) *Exchange {
	t.Helper()
	return New(Options{
		RestURL:     baseURL,
		WsURL:       "wss://unused.invalid",
		Auth:        crypto.HMACAuth{Key: "testkey-12345678", Secret: "testsecret"},
		Fees:        exchange.NewFeeModel(0.001, 0.001, 0.25, nil),
		DepthLevels: 5,
	}, nil, testLogger())
}

func exchangeInfoBody() exchangeInfoResponse {
	return exchangeInfoResponse{Symbols: []symbolInfo{
		{Symbol: "BTCUSDT", Status: "TRADING", BaseAsset: "BTC", QuoteAsset: "USDT", IsSpotTradingAllowed: true},
		{Symbol: "ETHBTC", Status: "TRADING", BaseAsset: "ETH", QuoteAsset: "BTC", IsSpotTradingAllowed: true},
		{Symbol: "OLDUSDT", Status: "BREAK", BaseAsset: "OLD", QuoteAsset: "USDT", IsSpotTradingAllowed: true},
	}}
}

func TestPairsMapsSymbolsAndFees(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			json.NewEncoder(w).Encode(exchangeInfoBody())
		case "/api/v3/ticker/bookTicker":
			json.NewEncoder(w).Encode([]bookTicker{
				{Symbol: "BTCUSDT", BidPrice: "49990", BidQty: "2", AskPrice: "50000", AskQty: "3"},
				{Symbol: "ETHBTC", BidPrice: "0.0584", BidQty: "10", AskPrice: "0.0585", AskQty: "12"},
				{Symbol: "UNKNOWNPAIR", BidPrice: "1", BidQty: "1", AskPrice: "2", AskQty: "1"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ex := newTestExchange(t, server.URL)
	pairs, err := ex.Pairs(context.Background())
	if err != nil {
		t.Fatalf("Pairs: %v", err)
	}

	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs (unknown symbol dropped), got %d", len(pairs))
	}

	var btc domain.TradingPair
	for _, p := range pairs {
		if p.Symbol == "BTC/USDT" {
			btc = p
		}
	}
	if btc.Symbol == "" {
		t.Fatal("BTC/USDT missing from pairs")
	}
	if btc.Base != "BTC" || btc.Quote != "USDT" {
		t.Errorf("unexpected assets %s/%s", btc.Base, btc.Quote)
	}
	if btc.BidPrice != 49990 || btc.AskPrice != 50000 {
		t.Errorf("unexpected top of book %v/%v", btc.BidPrice, btc.AskPrice)
	}
	if btc.TakerFee != 0.001 || btc.FeeTokenDiscount != 0.25 {
		t.Errorf("fee model not applied: taker=%v discount=%v", btc.TakerFee, btc.FeeTokenDiscount)
	}
}

func TestPlaceMarketOrderBuy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			json.NewEncoder(w).Encode(exchangeInfoBody())
		case "/api/v3/order":
			if r.Method != http.MethodPost {
				t.Errorf("expected POST, got %s", r.Method)
			}
			if got := r.Header.Get("X-MBX-APIKEY"); got != "testkey-12345678" {
				t.Errorf("missing api key header, got %q", got)
			}
			q := r.URL.Query()
			if q.Get("symbol") != "BTCUSDT" || q.Get("side") != "BUY" || q.Get("type") != "MARKET" {
				t.Errorf("unexpected order params %v", q)
			}
			if q.Get("quoteOrderQty") != "100" {
				t.Errorf("buy must be quote-denominated, got quoteOrderQty=%q quantity=%q",
					q.Get("quoteOrderQty"), q.Get("quantity"))
			}
			if len(q.Get("signature")) != 64 {
				t.Errorf("expected 64-char hex signature, got %q", q.Get("signature"))
			}
			if q.Get("timestamp") == "" {
				t.Error("missing timestamp")
			}
			json.NewEncoder(w).Encode(orderResponse{
				Symbol:              "BTCUSDT",
				OrderID:             42,
				TransactTime:        1700000000000,
				Status:              "FILLED",
				ExecutedQty:         "0.002",
				CummulativeQuoteQty: "100",
				Fills: []orderFill{
					{Price: "50000", Qty: "0.002", Commission: "0.000002", CommissionAsset: "BTC"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ex := newTestExchange(t, server.URL)
	if err := ex.refreshSymbols(context.Background()); err != nil {
		t.Fatalf("refreshSymbols: %v", err)
	}

	res, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Quantity: 100,
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}

	if res.OrderID != "42" {
		t.Errorf("order id = %q, want 42", res.OrderID)
	}
	// Base commission is netted out of the credited quantity.
	want := 0.002 - 0.000002
	if diff := res.FilledQty - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("FilledQty = %v, want %v", res.FilledQty, want)
	}
	if res.Cost != 100 {
		t.Errorf("Cost = %v, want 100", res.Cost)
	}
	if res.FilledPrice != 50000 {
		t.Errorf("FilledPrice = %v, want 50000", res.FilledPrice)
	}
	if res.Output() != res.FilledQty {
		t.Errorf("buy output should be the base fill, got %v", res.Output())
	}
}

func TestPlaceMarketOrderRejections(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    apiError
		wantErr error
	}{
		{"insufficient balance", http.StatusBadRequest, apiError{Code: -2010, Msg: "Account has insufficient balance"}, domain.ErrInsufficientBalance},
		{"rejected", http.StatusBadRequest, apiError{Code: -1013, Msg: "Filter failure: LOT_SIZE"}, domain.ErrOrderRejected},
		{"rate limited", http.StatusTooManyRequests, apiError{Code: -1003, Msg: "Too many requests"}, domain.ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				if r.URL.Path == "/api/v3/exchangeInfo" {
					json.NewEncoder(w).Encode(exchangeInfoBody())
					return
				}
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			ex := newTestExchange(t, server.URL)
			if err := ex.refreshSymbols(context.Background()); err != nil {
				t.Fatalf("refreshSymbols: %v", err)
			}

			_, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
				Symbol:   "BTC/USDT",
				Side:     domain.OrderSideSell,
				Quantity: 0.002,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOrderResultSellNetsQuoteFee(t *testing.T) {
	ex := &Exchange{log: testLogger()}

	res := ex.orderResult("ETH/USDT", domain.OrderSideSell, orderResponse{
		OrderID:             7,
		TransactTime:        1700000000000,
		Status:              "FILLED",
		ExecutedQty:         "1",
		CummulativeQuoteQty: "3000",
		Fills: []orderFill{
			{Price: "3000", Qty: "1", Commission: "3", CommissionAsset: "USDT"},
		},
	})

	if res.Cost != 2997 {
		t.Errorf("Cost = %v, want 2997 (quote fee netted)", res.Cost)
	}
	if res.FilledQty != 1 {
		t.Errorf("FilledQty = %v, want 1", res.FilledQty)
	}
	if res.Output() != 2997 {
		t.Errorf("sell output should be the net quote credit, got %v", res.Output())
	}
}

func TestOrderResultIgnoresTokenCommission(t *testing.T) {
	ex := &Exchange{log: testLogger()}

	res := ex.orderResult("BTC/USDT", domain.OrderSideBuy, orderResponse{
		ExecutedQty:         "0.002",
		CummulativeQuoteQty: "100",
		Fills: []orderFill{
			{Price: "50000", Qty: "0.002", Commission: "0.01", CommissionAsset: "BNB"},
		},
	})

	if res.FilledQty != 0.002 {
		t.Errorf("FilledQty = %v, want 0.002 (BNB commission does not reduce the fill)", res.FilledQty)
	}
	if res.Fee != 0 {
		t.Errorf("Fee = %v, want 0", res.Fee)
	}
}

func TestParseLevels(t *testing.T) {
	levels := parseLevels([][]string{
		{"50000", "1.5"},
		{"49999"},
		{"bad", "1"},
		{"49998", "0"},
		{"49997", "2"},
	})

	if len(levels) != 2 {
		t.Fatalf("expected 2 usable levels, got %d", len(levels))
	}
	if levels[0].Price != 50000 || levels[0].Size != 1.5 {
		t.Errorf("unexpected first level %+v", levels[0])
	}
	if levels[1].Price != 49997 {
		t.Errorf("unexpected second level %+v", levels[1])
	}
}

func TestStreamNames(t *testing.T) {
	if got := depthStream("BTCUSDT", 5); got != "btcusdt@depth5@100ms" {
		t.Errorf("depthStream = %q", got)
	}
	if got := symbolFromStream("btcusdt@depth5@100ms"); got != "BTCUSDT" {
		t.Errorf("symbolFromStream = %q", got)
	}
	if got := symbolFromStream("@depth5"); got != "" {
		t.Errorf("symbolFromStream on malformed stream = %q, want empty", got)
	}
}

func TestFeedHandleMessage(t *testing.T) {
	feed := NewFeed("wss://unused.invalid", 5, testLogger())

	var gotSymbol string
	var gotBids, gotAsks []domain.PriceLevel
	handler := func(symbol string, bids, asks []domain.PriceLevel) {
		gotSymbol, gotBids, gotAsks = symbol, bids, asks
	}

	feed.handleMessage([]byte(`{
		"stream": "btcusdt@depth5@100ms",
		"data": {"lastUpdateId": 1, "bids": [["49990","2"]], "asks": [["50000","3"]]}
	}`), handler)

	if gotSymbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", gotSymbol)
	}
	if len(gotBids) != 1 || gotBids[0].Price != 49990 {
		t.Errorf("unexpected bids %+v", gotBids)
	}
	if len(gotAsks) != 1 || gotAsks[0].Price != 50000 {
		t.Errorf("unexpected asks %+v", gotAsks)
	}

	// Subscription acks and junk are dropped without calling the handler.
	gotSymbol = ""
	feed.handleMessage([]byte(`{"result":null,"id":1}`), handler)
	feed.handleMessage([]byte(`not json`), handler)
	if gotSymbol != "" {
		t.Errorf("handler called for non-stream frame, symbol=%q", gotSymbol)
	}
}
