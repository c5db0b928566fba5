package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openarb/tribot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		streamed:  make(map[string][][]byte),
	}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *fakeBus) onChannel(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[channel]
}

func (b *fakeBus) onStream(stream string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamed[stream]
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string // event kinds
}

func (n *fakeNotifier) Notify(_ context.Context, event, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if title == "" {
		panic("empty title")
	}
	n.calls = append(n.calls, event)
	return nil
}

func (n *fakeNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func sampleTradeLog(status domain.TradeStatus) domain.DetailedTradeLog {
	return domain.DetailedTradeLog{
		TradeID:         "t-1",
		OpportunityID:   "opp-1",
		Timestamp:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Exchange:        "binance",
		Path:            []string{"USDT", "BTC", "ETH"},
		Status:          status,
		BaseAsset:       "USDT",
		InitialAmount:   1000,
		FinalAmount:     1025.64,
		ActualProfit:    25.64,
		ActualProfitPct: 2.564,
		NetPnL:          25.64,
		Duration:        420 * time.Millisecond,
		Steps: []domain.TradeStepRecord{
			{Step: 1, Symbol: "BTC/USDT", Side: domain.OrderSideBuy, ActualPrice: 50000, Latency: 120 * time.Millisecond},
		},
	}
}

func TestPublishTradeLogEvent(t *testing.T) {
	bus := newFakeBus()
	notifier := &fakeNotifier{}
	d := NewDispatcher(bus, notifier, testLogger())

	d.Publish(domain.TradeLogEvent{Log: sampleTradeLog(domain.TradeStatusSuccess)})
	d.Close()

	frames := bus.onChannel(ChannelTrades)
	if len(frames) != 1 {
		t.Fatalf("got %d frames on %s, want 1", len(frames), ChannelTrades)
	}

	var env struct {
		Type    string          `json:"type"`
		Payload TradeLogPayload `json:"payload"`
	}
	if err := json.Unmarshal(frames[0], &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != string(domain.EventTradeLogged) {
		t.Errorf("type = %s, want %s", env.Type, domain.EventTradeLogged)
	}
	if env.Payload.TradeID != "t-1" || env.Payload.Status != "success" {
		t.Errorf("payload = %+v", env.Payload)
	}
	if env.Payload.DurationMs != 420 {
		t.Errorf("duration_ms = %d, want 420", env.Payload.DurationMs)
	}
	if len(env.Payload.Steps) != 1 || env.Payload.Steps[0].LatencyMs != 120 {
		t.Errorf("steps = %+v", env.Payload.Steps)
	}

	if got := bus.onStream(TradeStream); len(got) != 1 {
		t.Errorf("got %d frames on trade stream, want 1", len(got))
	}
	if got := notifier.events(); len(got) != 1 || got[0] != string(domain.EventTradeLogged) {
		t.Errorf("notifier calls = %v", got)
	}
}

func TestPublishOpportunitiesEvent(t *testing.T) {
	bus := newFakeBus()
	d := NewDispatcher(bus, nil, testLogger())

	opp := domain.ArbitrageOpportunity{
		ID:       "opp-2",
		Exchange: "kucoin",
		Cycle: domain.TriangleCycle{
			Exchange: "kucoin",
			Legs: [3]domain.CycleLeg{
				{Pair: domain.TradingPair{Symbol: "BTC/USDT"}, Side: domain.OrderSideBuy, From: "USDT", To: "BTC"},
				{Pair: domain.TradingPair{Symbol: "ETH/BTC"}, Side: domain.OrderSideBuy, From: "BTC", To: "ETH"},
				{Pair: domain.TradingPair{Symbol: "ETH/USDT"}, Side: domain.OrderSideSell, From: "ETH", To: "USDT"},
			},
		},
		NetProfitPct: 1.2,
		Status:       domain.OpportunityDetected,
	}
	d.Publish(domain.OpportunitiesEvent{Exchange: "kucoin", Opportunities: []domain.ArbitrageOpportunity{opp}, At: time.Now()})
	d.Close()

	frames := bus.onChannel(ChannelOpportunities)
	if len(frames) != 1 {
		t.Fatalf("got %d frames on %s, want 1", len(frames), ChannelOpportunities)
	}

	var env struct {
		Type    string `json:"type"`
		Payload struct {
			Exchange      string               `json:"exchange"`
			Opportunities []OpportunityPayload `json:"opportunities"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(frames[0], &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Payload.Exchange != "kucoin" || len(env.Payload.Opportunities) != 1 {
		t.Fatalf("payload = %+v", env.Payload)
	}
	got := env.Payload.Opportunities[0]
	if got.Path != "USDT → BTC → ETH → USDT" {
		t.Errorf("path = %q", got.Path)
	}
	if len(got.Symbols) != 3 || got.Symbols[0] != "BTC/USDT" {
		t.Errorf("symbols = %v", got.Symbols)
	}

	// Opportunity churn never reaches the trade stream.
	if got := bus.onStream(TradeStream); len(got) != 0 {
		t.Errorf("got %d frames on trade stream, want 0", len(got))
	}
}

func TestPublishBreakerEventNotifies(t *testing.T) {
	bus := newFakeBus()
	notifier := &fakeNotifier{}
	d := NewDispatcher(bus, notifier, testLogger())

	d.Publish(domain.BreakerEvent{
		State: domain.CircuitBreakerState{ConsecutiveFailures: 3, Threshold: 3, Paused: true, PausedAt: time.Now()},
		At:    time.Now(),
	})
	d.Publish(domain.OpportunityStatusEvent{OpportunityID: "opp-3", Exchange: "binance", Status: domain.OpportunityExecuting, At: time.Now()})
	d.Close()

	if got := bus.onChannel(ChannelBreaker); len(got) != 1 {
		t.Errorf("got %d breaker frames, want 1", len(got))
	}
	if got := bus.onChannel(ChannelOpportunityStatus); len(got) != 1 {
		t.Errorf("got %d status frames, want 1", len(got))
	}
	// Status churn is not operator-notified; the breaker trip is.
	if got := notifier.events(); len(got) != 1 || got[0] != string(domain.EventCircuitBreaker) {
		t.Errorf("notifier calls = %v", got)
	}
}

type bogusEvent struct{}

func (bogusEvent) Kind() domain.EventKind { return "bogus" }

func TestPublishUnknownEventDropped(t *testing.T) {
	bus := newFakeBus()
	d := NewDispatcher(bus, nil, testLogger())

	d.Publish(bogusEvent{})
	d.Close()

	for ch, frames := range bus.published {
		if len(frames) != 0 {
			t.Errorf("unexpected frames on %s", ch)
		}
	}
}

func TestRenderTradeFailure(t *testing.T) {
	l := sampleTradeLog(domain.TradeStatusPartial)
	l.FailedAtStep = 2
	l.ErrorMessage = "insufficient balance"

	title, message := renderTrade(l)
	if title == "" || message == "" {
		t.Fatal("empty render")
	}
	if want := "stranded"; !strings.Contains(title, want) {
		t.Errorf("title %q missing %q", title, want)
	}
	if !strings.Contains(message, "leg 2") || !strings.Contains(message, "insufficient balance") {
		t.Errorf("message %q missing failure details", message)
	}
}
