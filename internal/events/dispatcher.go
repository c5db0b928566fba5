package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openarb/tribot/internal/domain"
)

// publishTimeout bounds each outward delivery so a slow bus or notifier
// never backs up into the trading path.
const publishTimeout = 5 * time.Second

// Bus is the slice of the signal bus the dispatcher publishes through.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Notifier delivers operator alerts. Satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Dispatcher fans domain events outward: every event goes to the signal
// bus as a JSON envelope, trade logs additionally land on the durable
// trade stream, and trade and breaker events are rendered for the
// notifier. Delivery is asynchronous; Publish never blocks trading.
type Dispatcher struct {
	bus      Bus
	notifier Notifier
	log      *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. bus and notifier may each be nil,
// disabling that delivery path.
func NewDispatcher(bus Bus, notifier Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		notifier: notifier,
		log:      logger.With(slog.String("component", "events")),
	}
}

// Publish delivers one event to every configured path. Failures are
// logged, never returned: event fan-out is best effort.
func (d *Dispatcher) Publish(evt domain.Event) {
	channel, data, err := Encode(evt)
	if err != nil {
		d.log.Error("encode event failed", slog.String("error", err.Error()))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if d.bus != nil {
			if err := d.bus.Publish(ctx, channel, data); err != nil {
				d.log.Warn("bus publish failed",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
			}
			if evt.Kind() == domain.EventTradeLogged {
				if err := d.bus.StreamAppend(ctx, TradeStream, data); err != nil {
					d.log.Warn("trade stream append failed", slog.String("error", err.Error()))
				}
			}
		}

		d.notify(ctx, evt)
	}()
}

// Close waits for in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

// notify renders operator-facing events. Opportunity churn is deliberately
// excluded; only finished trades and breaker transitions reach a human.
func (d *Dispatcher) notify(ctx context.Context, evt domain.Event) {
	if d.notifier == nil {
		return
	}

	var title, message string
	switch e := evt.(type) {
	case domain.TradeLogEvent:
		title, message = renderTrade(e.Log)
	case domain.BreakerEvent:
		title, message = renderBreaker(e.State)
	default:
		return
	}

	if err := d.notifier.Notify(ctx, string(evt.Kind()), title, message); err != nil {
		d.log.Warn("notify failed",
			slog.String("kind", string(evt.Kind())),
			slog.String("error", err.Error()),
		)
	}
}

func renderTrade(l domain.DetailedTradeLog) (title, message string) {
	mode := "live"
	if l.Paper {
		mode = "paper"
	}
	path := strings.Join(l.Path, " → ")
	if len(l.Path) > 0 {
		path += " → " + l.Path[0]
	}

	switch l.Status {
	case domain.TradeStatusSuccess:
		title = fmt.Sprintf("Trade completed %+.2f%% on %s (%s)", l.ActualProfitPct, l.Exchange, mode)
		message = fmt.Sprintf("%s\n%.2f → %.2f %s, net PnL %+.4f, fees %.4f, %dms",
			path, l.InitialAmount, l.FinalAmount, l.BaseAsset, l.NetPnL, l.TotalFees, l.Duration.Milliseconds())
	case domain.TradeStatusPartial:
		title = fmt.Sprintf("Trade stranded mid-cycle on %s (%s)", l.Exchange, mode)
		message = fmt.Sprintf("%s\nfailed at leg %d: %s\nposition needs manual recovery",
			path, l.FailedAtStep, l.ErrorMessage)
	default:
		title = fmt.Sprintf("Trade failed on %s (%s)", l.Exchange, mode)
		message = fmt.Sprintf("%s\nfailed at leg %d before any fill: %s",
			path, l.FailedAtStep, l.ErrorMessage)
	}
	return title, message
}

func renderBreaker(s domain.CircuitBreakerState) (title, message string) {
	if s.Paused {
		title = "Auto-trading paused"
		message = fmt.Sprintf("circuit breaker tripped after %d consecutive failures (threshold %d)",
			s.ConsecutiveFailures, s.Threshold)
	} else {
		title = "Auto-trading resumed"
		message = "circuit breaker reset by operator"
	}
	return title, message
}
