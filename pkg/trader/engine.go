package trader

import (
	"fmt"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/metrics"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/sirupsen/logrus"
)

type EngineConfig struct {
	DefaultSizeBase float64
	MaxSlippageBps  float64
	// MaxOpenOpportunities caps concurrent entries. Zero falls back to the
	// capital config's MaxTrades.
	MaxOpenOpportunities int
	// SizeFromCapital sizes each leg from the capital allocation at the
	// opportunity's mark prices instead of DefaultSizeBase.
	SizeFromCapital bool
}

// Executor places and closes the two legs of a position.
type Executor interface {
	PlaceFromEntry(decision models.EntryDecision)
	CloseFromExit(signal models.ExitSignal)
}

// EngineListener fields are optional.
type EngineListener struct {
	OnEntryDecision func(models.EntryDecision)
	OnExitSignal    func(models.ExitSignal)
	OnPaused        func(reason string)
}

// Engine gates automated entries on the safety state and a concurrency
// counter. The counter is optimistic: it is taken when a decision is emitted,
// not when fills confirm.
type Engine struct {
	cfg      EngineConfig
	capital  *CapitalAllocator
	executor Executor
	logger   *logrus.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     models.SafetyState
	openCount int
	listener  EngineListener
}

func NewEngine(cfg EngineConfig, capital *CapitalAllocator, executor Executor, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		cfg:      cfg,
		capital:  capital,
		executor: executor,
		logger:   logger,
		now:      time.Now,
	}
}

func (e *Engine) SetListener(l EngineListener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

func (e *Engine) SetExecutor(x Executor) {
	e.mu.Lock()
	e.executor = x
	e.mu.Unlock()
}

func (e *Engine) SetConnectionOk(ok bool) {
	e.mu.Lock()
	e.state.ConnectionOk = ok
	e.mu.Unlock()
}

func (e *Engine) SetBalancesOk(ok bool) {
	e.mu.Lock()
	e.state.BalancesOk = ok
	e.mu.Unlock()
}

func (e *Engine) SetHedgeConfirmed(ok bool) {
	e.mu.Lock()
	e.state.HedgeConfirmed = ok
	e.mu.Unlock()
}

func (e *Engine) SetAutoTradeEnabled(ok bool) {
	e.mu.Lock()
	e.state.AutoTradeEnabled = ok
	e.mu.Unlock()
}

func (e *Engine) State() models.SafetyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) CanAutoTrade() bool {
	return e.State().CanAutoTrade()
}

func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openCount
}

// OnExchangeDisconnect drops connectionOk and fires OnPaused once per
// true-to-false edge. Re-arming is always explicit.
func (e *Engine) OnExchangeDisconnect(exchange models.ExchangeID) {
	e.mu.Lock()
	wasOk := e.state.ConnectionOk
	e.state.ConnectionOk = false
	onPaused := e.listener.OnPaused
	e.mu.Unlock()

	if !wasOk {
		return
	}
	reason := fmt.Sprintf("%s disconnected", exchange)
	e.logger.WithField("exchange", exchange).Warn("Auto-trade paused: exchange disconnected")
	if onPaused != nil {
		onPaused(reason)
	}
}

func (e *Engine) maxOpen() int {
	if e.cfg.MaxOpenOpportunities > 0 {
		return e.cfg.MaxOpenOpportunities
	}
	if e.capital != nil {
		return e.capital.Config().MaxTrades
	}
	return 0
}

// OnOpportunity emits an entry decision when trading is armed and capacity
// remains. Otherwise it does nothing.
func (e *Engine) OnOpportunity(opp models.Opportunity) {
	e.mu.Lock()
	if !e.state.CanAutoTrade() || e.openCount >= e.maxOpen() {
		e.mu.Unlock()
		return
	}

	decision, err := e.buildDecision(opp)
	if err != nil {
		e.mu.Unlock()
		e.logger.WithFields(logrus.Fields{
			"symbol": opp.LongSymbol,
		}).WithError(err).Warn("Skipping opportunity")
		return
	}

	e.openCount++
	open := e.openCount
	listener := e.listener.OnEntryDecision
	executor := e.executor
	e.mu.Unlock()

	metrics.EntryDecisions.Inc()
	e.logger.WithFields(logrus.Fields{
		"symbol":         opp.LongSymbol,
		"long_exchange":  opp.LongExchange,
		"short_exchange": opp.ShortExchange,
		"spread_bps":     opp.SpreadBps,
		"size":           decision.SizeBase,
		"open":           open,
	}).Info("Entry decision")

	if listener != nil {
		listener(decision)
	}
	if executor != nil {
		executor.PlaceFromEntry(decision)
	}
}

func (e *Engine) buildDecision(opp models.Opportunity) (models.EntryDecision, error) {
	decision := models.EntryDecision{
		Opportunity:    opp,
		Side:           models.EntryLongShort,
		SizeBase:       e.cfg.DefaultSizeBase,
		MaxSlippageBps: e.cfg.MaxSlippageBps,
		RequestedAt:    e.now(),
	}

	if e.cfg.SizeFromCapital && e.capital != nil {
		alloc := e.capital.AllocationFromTracked()
		price := opp.LongMarkPrice
		if opp.ShortMarkPrice > price {
			price = opp.ShortMarkPrice
		}
		if alloc <= 0 || price <= 0 {
			return decision, fmt.Errorf("no capital allocation (alloc=%.2f price=%.4f)", alloc, price)
		}
		decision.SizeBase = alloc / price
		decision.NotionalUSD = alloc
	}

	if decision.SizeBase <= 0 {
		return decision, fmt.Errorf("entry size must be positive")
	}
	return decision, nil
}

// OnExitSignal releases one unit of capacity and forwards the signal for
// close-out.
func (e *Engine) OnExitSignal(signal models.ExitSignal) {
	e.mu.Lock()
	e.release()
	listener := e.listener.OnExitSignal
	executor := e.executor
	e.mu.Unlock()

	metrics.Exits.WithLabelValues(string(signal.Reason)).Inc()
	e.logger.WithFields(logrus.Fields{
		"position_id": signal.PositionID,
		"reason":      signal.Reason,
		"pnl":         signal.Pnl,
	}).Info("Exit signal")

	if listener != nil {
		listener(signal)
	}
	if executor != nil {
		executor.CloseFromExit(signal)
	}
}

// OnEntryFailed releases the capacity taken by an entry that never opened.
func (e *Engine) OnEntryFailed(positionID string) {
	e.mu.Lock()
	e.release()
	e.mu.Unlock()

	e.logger.WithField("position_id", positionID).Warn("Entry failed, capacity released")
}

func (e *Engine) release() {
	if e.openCount > 0 {
		e.openCount--
	}
}
