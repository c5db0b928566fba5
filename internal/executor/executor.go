// Package executor runs the three-leg execution state machine: re-validate
// each leg against the freshest book, submit market orders with a per-leg
// timeout, chain actual fill amounts into the next leg, and hand the
// finished machine to the ledger as one DetailedTradeLog.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openarb/tribot/internal/detector"
	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
)

const (
	defaultLegTimeout = 30 * time.Second

	// persistTimeout bounds the ledger write after the machine finishes. The
	// run context may already be cancelled by then, so the write gets its own.
	persistTimeout = 5 * time.Second
)

// State is one position of the per-opportunity execution machine.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StatePartial   State = "partial"
)

// LegSubmitted is the state entered when leg n (1-based) goes out to the
// venue; LegFilled the state after its fill is confirmed.
func LegSubmitted(leg int) State { return State("leg" + strconv.Itoa(leg) + "_submitted") }
func LegFilled(leg int) State    { return State("leg" + strconv.Itoa(leg) + "_filled") }

// Terminal reports whether the machine stops in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StatePartial
}

// Config tunes execution behavior.
type Config struct {
	// SlippageTolerancePct aborts a leg before submission when its price
	// has moved against the plan by more than this, in percent.
	SlippageTolerancePct float64

	// LegTimeout bounds each market-order call.
	LegTimeout time.Duration

	// StalenessBound rejects re-validation against books older than this.
	// Zero disables the age check.
	StalenessBound time.Duration

	// UseFeeToken mirrors the detector's fee treatment when projecting
	// expected fills.
	UseFeeToken bool
}

// Quoter supplies the freshest book for pre-submission re-validation.
// Implemented by the bot's price cache.
type Quoter interface {
	Get(exchange, symbol string) (domain.TradingPair, bool)
}

// Ledger persists finished trade logs.
type Ledger interface {
	Insert(ctx context.Context, log domain.DetailedTradeLog) error
}

// Publisher fans opportunity-status and trade-log events outward.
type Publisher interface {
	Publish(evt domain.Event)
}

// Executor drives accepted opportunities to a terminal state. Executions
// are serialized per venue account; machines on different accounts run
// concurrently.
type Executor struct {
	cfg    Config
	quotes Quoter
	ledger Ledger
	pub    Publisher
	log    *slog.Logger
	now    func() time.Time

	gateMu sync.Mutex
	gates  map[string]*sync.Mutex

	wg sync.WaitGroup
}

// New creates an Executor. ledger and pub may be nil; the machine then
// runs without persistence or event fan-out.
func New(cfg Config, quotes Quoter, ledger Ledger, pub Publisher, logger *slog.Logger) *Executor {
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = defaultLegTimeout
	}
	return &Executor{
		cfg:    cfg,
		quotes: quotes,
		ledger: ledger,
		pub:    pub,
		log:    logger.With(slog.String("component", "executor")),
		now:    time.Now,
		gates:  make(map[string]*sync.Mutex),
	}
}

// Execute runs the machine for one opportunity, blocking until it reaches
// a terminal state. A non-positive notional falls back to the
// opportunity's detection notional. It returns ErrLockHeld without
// starting when an execution is already in flight for the venue account.
// A machine that starts always returns its trade log with a nil error;
// Failed and Partial are outcomes, not errors; inspect log.Status.
func (e *Executor) Execute(ctx context.Context, venue exchange.Adapter, opp domain.ArbitrageOpportunity, notional float64) (domain.DetailedTradeLog, error) {
	if notional <= 0 {
		notional = opp.InitialAmount
	}
	if notional <= 0 {
		return domain.DetailedTradeLog{}, fmt.Errorf("executor: non-positive notional for opportunity %s", opp.ID)
	}

	key := venue.Name() + "/" + venue.Account()
	gate := e.gate(key)
	if !gate.TryLock() {
		return domain.DetailedTradeLog{}, fmt.Errorf("executor: %s: execution in flight: %w", key, domain.ErrLockHeld)
	}
	defer gate.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.DetailedTradeLog{}, fmt.Errorf("executor: not started: %w", err)
	}

	e.wg.Add(1)
	defer e.wg.Done()

	return e.run(ctx, venue, opp, notional), nil
}

// Wait blocks until every in-flight machine has reached a terminal state.
// The bot calls this while stopping so no execution is abandoned mid-cycle.
func (e *Executor) Wait() { e.wg.Wait() }

func (e *Executor) gate(key string) *sync.Mutex {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	g, ok := e.gates[key]
	if !ok {
		g = &sync.Mutex{}
		e.gates[key] = g
	}
	return g
}

// machine carries the current state of one execution for transition logging.
type machine struct {
	state State
	log   *slog.Logger
}

func (m *machine) to(next State) {
	m.log.Debug("state transition",
		slog.String("from", string(m.state)),
		slog.String("to", string(next)),
	)
	m.state = next
}

func (e *Executor) run(ctx context.Context, venue exchange.Adapter, opp domain.ArbitrageOpportunity, notional float64) domain.DetailedTradeLog {
	start := e.now()
	expected := detector.ExpectedFills(opp.Cycle, notional, e.cfg.UseFeeToken)
	expectedFinal := expected[2].AmountOut
	assets := opp.Cycle.Assets()

	tradeID := uuid.New().String()
	log := e.log.With(
		slog.String("trade_id", tradeID),
		slog.String("opportunity_id", opp.ID),
		slog.String("exchange", venue.Name()),
	)

	tlog := domain.DetailedTradeLog{
		TradeID:           tradeID,
		OpportunityID:     opp.ID,
		Timestamp:         start,
		Exchange:          venue.Name(),
		Path:              assets[:],
		Paper:             venue.Account() == "paper",
		BaseAsset:         opp.Cycle.Base(),
		InitialAmount:     notional,
		ExpectedProfit:    expectedFinal - notional,
		ExpectedProfitPct: (expectedFinal - notional) / notional * 100,
	}

	m := &machine{state: StatePending, log: log}
	e.setStatus(&opp, domain.OpportunityExecuting)

	log.Info("execution started",
		slog.String("path", opp.Cycle.Path()),
		slog.Float64("notional", notional),
		slog.Float64("expected_profit_pct", tlog.ExpectedProfitPct),
	)

	legCtx := ctx
	amount := notional
	filled := 0

	for i, exp := range expected {
		legNo := i + 1
		step := domain.TradeStepRecord{
			Step:          legNo,
			Symbol:        exp.Symbol,
			Side:          exp.Side,
			ExpectedPrice: exp.Price,
			ExpectedQty:   exp.AmountIn,
			ExpectedOut:   exp.AmountOut,
		}

		if err := legCtx.Err(); err != nil {
			tlog.Steps = append(tlog.Steps, step)
			e.failTerminal(&tlog, &opp, m, legNo, filled, fmt.Errorf("cancelled before submission: %w", err), log)
			break
		}
		if err := e.validateLeg(venue.Name(), exp); err != nil {
			tlog.Steps = append(tlog.Steps, step)
			e.failTerminal(&tlog, &opp, m, legNo, filled, err, log)
			break
		}

		m.to(LegSubmitted(legNo))
		legStart := e.now()
		res, err := e.submit(legCtx, venue, domain.MarketOrder{
			Symbol:   exp.Symbol,
			Side:     exp.Side,
			Quantity: amount,
		})
		step.Latency = e.now().Sub(legStart)
		if err != nil {
			tlog.Steps = append(tlog.Steps, step)
			e.failTerminal(&tlog, &opp, m, legNo, filled, err, log)
			break
		}

		m.to(LegFilled(legNo))
		filled++
		step.ActualPrice = res.FilledPrice
		step.ActualQty = actualIn(res)
		step.ActualOut = res.Output()
		step.Fee = res.Fee
		step.SlippagePct = adverseSlippagePct(exp.Side, exp.Price, res.FilledPrice)
		tlog.Steps = append(tlog.Steps, step)
		amount = res.Output()

		log.Info("leg filled",
			slog.Int("leg", legNo),
			slog.String("symbol", exp.Symbol),
			slog.String("side", string(exp.Side)),
			slog.Float64("out", amount),
			slog.Duration("latency", step.Latency),
		)

		if filled == 1 {
			// Past the first fill the machine must reach a terminal state
			// even while the bot is stopping; only the per-leg timeouts
			// still apply.
			legCtx = context.WithoutCancel(ctx)
		}
	}

	if filled == len(expected) {
		m.to(StateCompleted)
		tlog.Status = domain.TradeStatusSuccess
		tlog.FinalAmount = amount
		tlog.ActualProfit = amount - notional
		tlog.ActualProfitPct = tlog.ActualProfit / notional * 100
		// Fills come back net of commissions, so realized profit already
		// carries the fees; they are reported, not subtracted again.
		tlog.NetPnL = tlog.ActualProfit
		tlog.TotalFees = scaleFees(opp, notional)
		tlog.TotalSlippagePct = sumSlippage(tlog.Steps)
		e.setStatus(&opp, domain.OpportunityCompleted)
		log.Info("execution completed",
			slog.Float64("final", amount),
			slog.Float64("actual_profit_pct", tlog.ActualProfitPct),
		)
	}
	tlog.Duration = e.now().Sub(start)

	e.persist(tlog, log)
	return tlog
}

// validateLeg re-checks the leg price against the freshest book right
// before submission. Only adverse movement beyond the tolerance aborts;
// a price that moved in the taker's favor passes.
func (e *Executor) validateLeg(venueName string, exp detector.LegFill) error {
	pair, ok := e.quotes.Get(venueName, exp.Symbol)
	if !ok {
		return fmt.Errorf("no current book for %s: %w", exp.Symbol, domain.ErrStaleData)
	}
	if !pair.HasQuote() || pair.Crossed() {
		return fmt.Errorf("unusable book for %s: %w", exp.Symbol, domain.ErrStaleData)
	}
	if e.cfg.StalenessBound > 0 && pair.Stale(e.cfg.StalenessBound, e.now()) {
		return fmt.Errorf("book for %s older than %s: %w", exp.Symbol, e.cfg.StalenessBound, domain.ErrStaleData)
	}

	current := pair.AskPrice
	if exp.Side == domain.OrderSideSell {
		current = pair.BidPrice
	}
	moved := adverseSlippagePct(exp.Side, exp.Price, current)
	if moved > e.cfg.SlippageTolerancePct {
		return fmt.Errorf("%s moved %.4f%% against the plan (tolerance %.2f%%): %w",
			exp.Symbol, moved, e.cfg.SlippageTolerancePct, domain.ErrPriceMoved)
	}
	return nil
}

func (e *Executor) submit(ctx context.Context, venue exchange.Adapter, order domain.MarketOrder) (domain.OrderResult, error) {
	legCtx, cancel := context.WithTimeout(ctx, e.cfg.LegTimeout)
	defer cancel()
	return venue.PlaceMarketOrder(legCtx, order)
}

// failTerminal closes the machine on a leg failure. At least one prior
// fill means the position is stranded in an intermediate asset: Partial,
// not Failed, and the stranded amount needs manual recovery.
func (e *Executor) failTerminal(tlog *domain.DetailedTradeLog, opp *domain.ArbitrageOpportunity, m *machine, legNo, filledLegs int, cause error, log *slog.Logger) {
	tlog.FailedAtStep = legNo
	tlog.ErrorMessage = cause.Error()

	if filledLegs > 0 {
		m.to(StatePartial)
		tlog.Status = domain.TradeStatusPartial
		tlog.TotalSlippagePct = sumSlippage(tlog.Steps)
		log.Error("execution stranded mid-cycle",
			slog.Int("failed_leg", legNo),
			slog.Int("filled_legs", filledLegs),
			slog.String("error", cause.Error()),
		)
	} else {
		m.to(StateFailed)
		tlog.Status = domain.TradeStatusFailed
		// Nothing filled, nothing moved.
		tlog.FinalAmount = tlog.InitialAmount
		log.Warn("execution aborted before any fill",
			slog.Int("failed_leg", legNo),
			slog.String("error", cause.Error()),
		)
	}
	e.setStatus(opp, domain.OpportunityFailed)
}

func (e *Executor) setStatus(opp *domain.ArbitrageOpportunity, status domain.OpportunityStatus) {
	opp.Status = status
	if e.pub == nil {
		return
	}
	e.pub.Publish(domain.OpportunityStatusEvent{
		OpportunityID: opp.ID,
		Exchange:      opp.Exchange,
		Status:        status,
		At:            e.now(),
	})
}

// persist hands the finished machine to the ledger and announces it. A
// ledger failure is logged, not propagated: the trade already happened.
func (e *Executor) persist(tlog domain.DetailedTradeLog, log *slog.Logger) {
	if e.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := e.ledger.Insert(ctx, tlog); err != nil {
			log.Error("trade log insert failed", slog.String("error", err.Error()))
		}
	}
	if e.pub != nil {
		e.pub.Publish(domain.TradeLogEvent{Log: tlog})
	}
}

// actualIn is the amount the venue actually converted on a leg: quote
// spent on a buy, base sold on a sell.
func actualIn(res domain.OrderResult) float64 {
	if res.Side == domain.OrderSideBuy {
		return res.Cost
	}
	return res.FilledQty
}

// adverseSlippagePct is positive when the actual price is worse for the
// taker than expected: higher on a buy, lower on a sell.
func adverseSlippagePct(side domain.OrderSide, expected, actual float64) float64 {
	if expected <= 0 {
		return 0
	}
	if side == domain.OrderSideBuy {
		return (actual - expected) / expected * 100
	}
	return (expected - actual) / expected * 100
}

// scaleFees projects the detection-time fee estimate onto the executed
// notional.
func scaleFees(opp domain.ArbitrageOpportunity, notional float64) float64 {
	if opp.InitialAmount <= 0 {
		return opp.EstimatedFees
	}
	return opp.EstimatedFees * notional / opp.InitialAmount
}

func sumSlippage(steps []domain.TradeStepRecord) float64 {
	var total float64
	for _, s := range steps {
		if s.ActualPrice > 0 {
			total += s.SlippagePct
		}
	}
	return total
}
