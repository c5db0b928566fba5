package kucoin

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
		Auth:        crypto.HMACAuth{Key: "kckey-1234", Secret: "kcsecret", Passphrase: "kcpass"},
		Fees:        exchange.NewFeeModel(0.001, 0.001, 0.20, []string{"BTC/USDT"}),
		DepthLevels: 5,
	}, nil, testLogger())
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal envelope data: %v", err)
	}
	json.NewEncoder(w).Encode(envelope{Code: codeOK, Data: raw})
}

func symbolsBody() []symbolInfo {
	return []symbolInfo{
		{Symbol: "BTC-USDT", BaseCurrency: "BTC", QuoteCurrency: "USDT", EnableTrading: true},
		{Symbol: "ETH-BTC", BaseCurrency: "ETH", QuoteCurrency: "BTC", EnableTrading: true},
		{Symbol: "OLD-USDT", BaseCurrency: "OLD", QuoteCurrency: "USDT", EnableTrading: false},
	}
}

func TestPairsMapsSymbolsAndFees(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/symbols":
			writeEnvelope(t, w, symbolsBody())
		case "/api/v1/market/allTickers":
			writeEnvelope(t, w, allTickers{Ticker: []tickerItem{
				{Symbol: "BTC-USDT", Buy: "49990", Sell: "50000", BestBidSize: "2", BestAskSize: "3", VolValue: "1000000"},
				{Symbol: "ETH-BTC", Buy: "0.0584", Sell: "0.0585", BestBidSize: "10", BestAskSize: "12"},
				{Symbol: "OLD-USDT", Buy: "1", Sell: "2"},
			}})
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
		t.Fatalf("expected 2 pairs (disabled market dropped), got %d", len(pairs))
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
	if btc.BidPrice != 49990 || btc.AskPrice != 50000 {
		t.Errorf("unexpected top of book %v/%v", btc.BidPrice, btc.AskPrice)
	}
	if btc.Volume24h != 1000000 {
		t.Errorf("Volume24h = %v, want 1000000", btc.Volume24h)
	}
	if !btc.ZeroFee {
		t.Error("BTC/USDT should carry the zero-fee flag from the fee model")
	}
	if btc.FeeTokenDiscount != 0.20 {
		t.Errorf("FeeTokenDiscount = %v, want 0.20", btc.FeeTokenDiscount)
	}
}

func TestPlaceMarketOrderBuyPollsDetail(t *testing.T) {
	detailCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/v1/symbols":
			writeEnvelope(t, w, symbolsBody())
		case r.URL.Path == "/api/v1/orders" && r.Method == http.MethodPost:
			for _, h := range []string{"KC-API-KEY", "KC-API-SIGN", "KC-API-TIMESTAMP", "KC-API-PASSPHRASE"} {
				if r.Header.Get(h) == "" {
					t.Errorf("missing %s header", h)
				}
			}
			if got := r.Header.Get("KC-API-KEY-VERSION"); got != "2" {
				t.Errorf("KC-API-KEY-VERSION = %q, want 2", got)
			}
			var req placeOrderRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode order request: %v", err)
			}
			if req.Symbol != "BTC-USDT" || req.Side != "buy" || req.Type != "market" {
				t.Errorf("unexpected order request %+v", req)
			}
			if req.Funds != "100" || req.Size != "" {
				t.Errorf("buy must set funds only, got funds=%q size=%q", req.Funds, req.Size)
			}
			if req.ClientOid == "" {
				t.Error("missing clientOid")
			}
			writeEnvelope(t, w, placeOrderResponse{OrderID: "ord-1"})
		case r.URL.Path == "/api/v1/orders/ord-1" && r.Method == http.MethodGet:
			detailCalls++
			// First poll still active, second settled.
			writeEnvelope(t, w, orderDetail{
				ID:          "ord-1",
				Symbol:      "BTC-USDT",
				Side:        "buy",
				DealFunds:   "100",
				DealSize:    "0.002",
				Fee:         "0.000002",
				FeeCurrency: "BTC",
				IsActive:    detailCalls == 1,
				CreatedAt:   1700000000000,
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
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

	if detailCalls != 2 {
		t.Errorf("expected 2 detail polls, got %d", detailCalls)
	}
	if res.OrderID != "ord-1" {
		t.Errorf("order id = %q", res.OrderID)
	}
	want := 0.002 - 0.000002
	if diff := res.FilledQty - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("FilledQty = %v, want %v (base fee netted)", res.FilledQty, want)
	}
	if res.Cost != 100 {
		t.Errorf("Cost = %v, want 100", res.Cost)
	}
}

func TestPlaceMarketOrderInsufficientBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/v1/symbols" {
			writeEnvelope(t, w, symbolsBody())
			return
		}
		json.NewEncoder(w).Encode(envelope{Code: codeInsufficientBalance, Msg: "Balance insufficient!"})
	}))
	defer server.Close()

	ex := newTestExchange(t, server.URL)
	if err := ex.refreshSymbols(context.Background()); err != nil {
		t.Fatalf("refreshSymbols: %v", err)
	}

	_, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Quantity: 1e9,
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("error = %v, want ErrInsufficientBalance", err)
	}
}

func TestOrderResultSellNetsQuoteFee(t *testing.T) {
	ex := &Exchange{log: testLogger()}

	res := ex.orderResult("ETH/USDT", domain.OrderSideSell, orderDetail{
		ID:          "ord-2",
		DealFunds:   "3000",
		DealSize:    "1",
		Fee:         "3",
		FeeCurrency: "USDT",
	})

	if res.Cost != 2997 {
		t.Errorf("Cost = %v, want 2997", res.Cost)
	}
	if res.Output() != 2997 {
		t.Errorf("sell output = %v, want 2997", res.Output())
	}
}

func TestOrderResultIgnoresTokenFee(t *testing.T) {
	ex := &Exchange{log: testLogger()}

	res := ex.orderResult("ETH/USDT", domain.OrderSideSell, orderDetail{
		DealFunds:   "3000",
		DealSize:    "1",
		Fee:         "0.5",
		FeeCurrency: "KCS",
	})

	if res.Cost != 3000 {
		t.Errorf("Cost = %v, want 3000 (KCS fee does not reduce the fill)", res.Cost)
	}
	if res.Fee != 0 {
		t.Errorf("Fee = %v, want 0", res.Fee)
	}
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, domain.ErrRateLimited},
		{"venue error", http.StatusOK, `{"code":"400100","msg":"parameter error"}`, nil},
		{"insufficient", http.StatusOK, `{"code":"200004","msg":"Balance insufficient!"}`, domain.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := unwrap(tt.status, []byte(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	data, err := unwrap(http.StatusOK, []byte(`{"code":"200000","data":{"ok":true}}`))
	if err != nil {
		t.Fatalf("unwrap success: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("data = %s", data)
	}
}

func TestSymbolFromTopic(t *testing.T) {
	if got := symbolFromTopic("/spotMarket/level2Depth5:BTC-USDT"); got != "BTC-USDT" {
		t.Errorf("symbolFromTopic = %q", got)
	}
	if got := symbolFromTopic("/spotMarket/level2Depth5:"); got != "" {
		t.Errorf("symbolFromTopic on empty suffix = %q", got)
	}
}

func TestFeedHandleMessage(t *testing.T) {
	feed := &Feed{depthLevels: 5, log: testLogger()}

	var gotSymbol string
	var gotAsks []domain.PriceLevel
	handler := func(symbol string, bids, asks []domain.PriceLevel) {
		gotSymbol, gotAsks = symbol, asks
	}

	err := feed.handleMessage([]byte(`{
		"type": "message",
		"topic": "/spotMarket/level2Depth5:BTC-USDT",
		"subject": "level2",
		"data": {"bids": [["49990","2"]], "asks": [["50000","3"]], "timestamp": 1700000000000}
	}`), handler)
	if err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if gotSymbol != "BTC-USDT" {
		t.Fatalf("symbol = %q", gotSymbol)
	}
	if len(gotAsks) != 1 || gotAsks[0].Price != 50000 {
		t.Errorf("unexpected asks %+v", gotAsks)
	}

	// Welcome, ack and pong frames are dropped.
	gotSymbol = ""
	for _, frame := range []string{`{"type":"welcome"}`, `{"id":"1","type":"ack"}`, `{"type":"pong"}`} {
		if err := feed.handleMessage([]byte(frame), handler); err != nil {
			t.Errorf("handleMessage(%s): %v", frame, err)
		}
	}
	if gotSymbol != "" {
		t.Errorf("handler called for control frame")
	}

	// Error frames surface as stream errors.
	if err := feed.handleMessage([]byte(`{"type":"error","data":"token expired"}`), handler); err == nil {
		t.Error("expected error for error frame")
	}
}
