package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/execution"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/journal"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/screener"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBalancePoll      = 30 * time.Second
	defaultSweepInterval    = 5 * time.Second
	defaultListenKeyRefresh = 30 * time.Minute
	defaultArmWait          = 30 * time.Second
	journalTimeout          = 5 * time.Second
)

// Account is the REST side of one exchange account.
type Account interface {
	Exchange() models.ExchangeID
	ValidateCredentials(ctx context.Context) models.CredentialResult
	GetWalletBalance(ctx context.Context) (models.WalletBalance, error)
}

// ListenKeySource issues and refreshes Binance user-data listen keys.
type ListenKeySource interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// PrivateStream opens one exchange's authenticated stream. When ListenKeys
// is set a fresh key is fetched before connecting and kept alive.
type PrivateStream struct {
	Credentials stream.Credentials
	ListenKeys  ListenKeySource
}

type ControllerConfig struct {
	Symbols []string
	// AutoTrade arms the engine once both exchanges are connected.
	AutoTrade           bool
	ExitOnFundingFlip   bool
	BalancePollInterval time.Duration
	SweepInterval       time.Duration
	ListenKeyRefresh    time.Duration
	ArmWait             time.Duration
}

// Components are the pieces a Controller wires together. Journal may be nil.
type Components struct {
	Streams   *stream.Coordinator
	Screener  *screener.Screener
	Engine    *Engine
	Monitor   *Monitor
	Capital   *CapitalAllocator
	Execution *execution.Manager
	Journal   journal.Journal
	Accounts  []Account
	Private   map[models.ExchangeID]PrivateStream
}

// Status is a point-in-time view of the runtime.
type Status struct {
	Running      bool                                          `json:"running"`
	Safety       models.SafetyState                            `json:"safety"`
	CanAutoTrade bool                                          `json:"canAutoTrade"`
	Connected    map[models.ExchangeID]bool                    `json:"connected"`
	OpenCount    int                                           `json:"openCount"`
	Tracked      int                                           `json:"tracked"`
	PendingLegs  int                                           `json:"pendingLegs"`
	BaseCapital  float64                                       `json:"baseCapital"`
	Allocation   float64                                       `json:"allocation"`
	Balances     map[models.ExchangeID]models.WalletBalance    `json:"balances"`
	Credentials  map[models.ExchangeID]models.CredentialResult `json:"credentials"`
}

// Controller owns the runtime: streams feed the screener and monitor,
// opportunities go through the engine to execution, and fills come back to
// the monitor.
type Controller struct {
	cfg       ControllerConfig
	streams   *stream.Coordinator
	screener  *screener.Screener
	engine    *Engine
	monitor   *Monitor
	capital   *CapitalAllocator
	execution *execution.Manager
	journal   *journal.Async
	accounts  map[models.ExchangeID]Account
	private   map[models.ExchangeID]PrivateStream
	logger    *logrus.Logger

	mu          sync.RWMutex
	running     bool
	cancel      context.CancelFunc
	stopCh      chan struct{}
	wg          sync.WaitGroup
	balances    map[models.ExchangeID]models.WalletBalance
	credentials map[models.ExchangeID]models.CredentialResult
}

func NewController(cfg ControllerConfig, c Components, logger *logrus.Logger) *Controller {
	if cfg.BalancePollInterval <= 0 {
		cfg.BalancePollInterval = defaultBalancePoll
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ListenKeyRefresh <= 0 {
		cfg.ListenKeyRefresh = defaultListenKeyRefresh
	}
	if cfg.ArmWait <= 0 {
		cfg.ArmWait = defaultArmWait
	}
	if c.Journal == nil {
		c.Journal = journal.Nop{}
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctl := &Controller{
		cfg:         cfg,
		streams:     c.Streams,
		screener:    c.Screener,
		engine:      c.Engine,
		monitor:     c.Monitor,
		capital:     c.Capital,
		execution:   c.Execution,
		journal:     journal.NewAsync(c.Journal, journal.DefaultQueueSize, journalTimeout, logger),
		accounts:    make(map[models.ExchangeID]Account, len(c.Accounts)),
		private:     c.Private,
		logger:      logger,
		balances:    make(map[models.ExchangeID]models.WalletBalance),
		credentials: make(map[models.ExchangeID]models.CredentialResult),
	}
	for _, a := range c.Accounts {
		ctl.accounts[a.Exchange()] = a
	}
	ctl.wire()
	return ctl
}

func (c *Controller) wire() {
	c.streams.AddListener(stream.CoordinatorListener{
		OnFunding: func(s models.FundingSnapshot) {
			c.screener.OnFunding(s)
			if c.cfg.ExitOnFundingFlip {
				c.checkFundingFlip(s.Symbol)
			}
		},
		OnMarkPrice: func(u models.MarkUpdate) {
			c.screener.OnMarkPrice(u)
			c.monitor.OnMarkPrice(u)
		},
		OnOrderUpdate: c.execution.OnOrderUpdate,
		OnError: func(exchange models.ExchangeID, err error) {
			c.logger.WithField("exchange", exchange).WithError(err).Warn("Stream error")
		},
		OnDisconnect: c.engine.OnExchangeDisconnect,
	})

	c.screener.AddOpportunityListener(c.onOpportunity)

	c.engine.SetExecutor(c.execution)
	c.engine.SetListener(EngineListener{
		OnEntryDecision: func(d models.EntryDecision) {
			c.record("entry", func(ctx context.Context) error { return c.journal.RecordEntry(ctx, d) })
		},
		OnExitSignal: func(s models.ExitSignal) {
			c.record("exit", func(ctx context.Context) error { return c.journal.RecordExit(ctx, s) })
		},
		OnPaused: func(reason string) {
			c.logger.WithField("reason", reason).Warn("Automated trading paused")
		},
	})

	c.monitor.OnExit(c.engine.OnExitSignal)

	c.execution.SetListener(execution.Listener{
		OnPositionOpened: func(p models.OpenPosition) {
			if err := c.monitor.RegisterPosition(p); err != nil {
				c.logger.WithError(err).Error("Failed to track opened position")
			}
			c.record("opened", func(ctx context.Context) error { return c.journal.RecordOpened(ctx, p) })
		},
		OnPositionClosed: func(id string, err error) {
			entry := c.logger.WithField("position_id", id)
			if err != nil {
				entry.WithError(err).Error("Position close incomplete")
				return
			}
			entry.Info("Position closed")
		},
		OnEntryFailed: func(id string, err error) {
			c.logger.WithField("position_id", id).WithError(err).Warn("Entry failed")
			c.engine.OnEntryFailed(id)
		},
	})
}

// onOpportunity skips symbols that already have a tracked position or
// legs known to execution.
func (c *Controller) onOpportunity(opp models.Opportunity) {
	if c.monitor.HasSymbol(opp.LongSymbol) || c.execution.Holds(opp.LongSymbol) {
		return
	}
	c.engine.OnOpportunity(opp)
}

// checkFundingFlip exits every position on symbol whose short leg no longer
// earns more funding than the long leg pays.
func (c *Controller) checkFundingFlip(symbol string) {
	for _, p := range c.monitor.Positions() {
		if p.LongSymbol != symbol && p.ShortSymbol != symbol {
			continue
		}
		long, okL := c.screener.Latest(p.LongExchange, p.LongSymbol)
		short, okS := c.screener.Latest(p.ShortExchange, p.ShortSymbol)
		if !okL || !okS || short.FundingRate-long.FundingRate >= 0 {
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"position_id": p.PositionID,
			"symbol":      symbol,
			"long_rate":   long.FundingRate,
			"short_rate":  short.FundingRate,
		}).Info("Funding flipped, closing position")
		if err := c.monitor.TriggerExit(p.PositionID, models.ExitFundingFlip); err != nil {
			c.logger.WithField("position_id", p.PositionID).WithError(err).Debug("Funding flip exit skipped")
		}
	}
}

// record queues a journal event. Queue-full drops are logged by the
// journal writer.
func (c *Controller) record(kind string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil && !errors.Is(err, journal.ErrQueueFull) {
		c.logger.WithField("kind", kind).WithError(err).Debug("Journal event not queued")
	}
}

func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.logger.WithField("symbols", len(c.cfg.Symbols)).Info("Starting controller")

	c.journal.Start()
	c.goLoop(func() { c.streams.Run(ctx) })
	c.execution.Start(ctx)

	c.streams.Connect()
	for _, id := range c.streams.Exchanges() {
		for _, symbol := range c.cfg.Symbols {
			c.streams.Subscribe(id, symbol)
		}
	}
	c.connectPrivate(ctx)

	if err := c.RefreshBalances(ctx); err != nil {
		c.logger.WithError(err).Warn("Initial balance refresh failed")
	}

	c.goLoop(func() { c.every(ctx, c.cfg.BalancePollInterval, c.pollBalances) })
	c.goLoop(func() { c.every(ctx, c.cfg.SweepInterval, func(context.Context) { c.monitor.Sweep() }) })

	if c.cfg.AutoTrade {
		c.goLoop(func() { c.armWhenConnected(ctx) })
	}
	return nil
}

func (c *Controller) goLoop(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (c *Controller) connectPrivate(ctx context.Context) {
	for id, p := range c.private {
		creds := p.Credentials
		if p.ListenKeys != nil {
			key, err := p.ListenKeys.CreateListenKey(ctx)
			if err != nil {
				c.logger.WithField("exchange", id).WithError(err).Error("Failed to create listen key")
				continue
			}
			creds.ListenKey = key

			keys, exchange := p.ListenKeys, id
			c.goLoop(func() {
				c.every(ctx, c.cfg.ListenKeyRefresh, func(ctx context.Context) {
					if err := keys.KeepAliveListenKey(ctx); err != nil {
						c.logger.WithField("exchange", exchange).WithError(err).Warn("Listen key keepalive failed")
					}
				})
			})
		}
		if err := c.streams.ConnectPrivate(id, creds); err != nil {
			c.logger.WithField("exchange", id).WithError(err).Error("Failed to open private stream")
		}
	}
}

func (c *Controller) pollBalances(ctx context.Context) {
	if err := c.RefreshBalances(ctx); err != nil {
		c.logger.WithError(err).Warn("Balance refresh failed")
	}
}

// RefreshBalances fetches every account's wallet concurrently. Any failure
// clears balancesOk; trading stays paused until the next explicit arm.
func (c *Controller) RefreshBalances(ctx context.Context) error {
	if len(c.accounts) == 0 {
		c.engine.SetBalancesOk(false)
		return fmt.Errorf("no exchange accounts configured")
	}

	results := make([]models.WalletBalance, len(c.accounts))
	g, gctx := errgroup.WithContext(ctx)
	i := 0
	for _, a := range c.accounts {
		idx, account := i, a
		i++
		g.Go(func() error {
			b, err := account.GetWalletBalance(gctx)
			if err != nil {
				return fmt.Errorf("%s balance: %w", account.Exchange(), err)
			}
			results[idx] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.engine.SetBalancesOk(false)
		return err
	}

	c.mu.Lock()
	for _, b := range results {
		c.capital.UpdateBalance(b)
		c.balances[b.Exchange] = b
	}
	c.mu.Unlock()
	return nil
}

// ValidateCredentials checks every account concurrently and records the
// results for Status.
func (c *Controller) ValidateCredentials(ctx context.Context) []models.CredentialResult {
	results := make([]models.CredentialResult, len(c.accounts))
	g, gctx := errgroup.WithContext(ctx)
	i := 0
	for _, a := range c.accounts {
		idx, account := i, a
		i++
		g.Go(func() error {
			results[idx] = account.ValidateCredentials(gctx)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Exchange < results[j].Exchange })

	c.mu.Lock()
	for _, r := range results {
		c.credentials[r.Exchange] = r
	}
	c.mu.Unlock()
	return results
}

// Arm confirms hedge mode and balances on every exchange, requires both
// streams connected and only then enables automated entries.
func (c *Controller) Arm(ctx context.Context) error {
	exchanges := c.streams.Exchanges()
	for _, id := range exchanges {
		if _, ok := c.accounts[id]; !ok {
			return fmt.Errorf("%w: no account for %s", ErrNotArmed, id)
		}
	}

	for _, r := range c.ValidateCredentials(ctx) {
		if !r.HedgeConfirmed() {
			c.engine.SetHedgeConfirmed(false)
			reason := r.Error
			if reason == "" {
				reason = "hedge mode not confirmed"
			}
			return fmt.Errorf("%w: %s: %s", ErrNotArmed, r.Exchange, reason)
		}
	}
	c.engine.SetHedgeConfirmed(true)

	if err := c.RefreshBalances(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotArmed, err)
	}
	if !c.streams.IsConnected(exchanges...) {
		c.engine.SetConnectionOk(false)
		return fmt.Errorf("%w: %w", ErrNotArmed, ErrNotConnected)
	}

	c.engine.SetConnectionOk(true)
	c.engine.SetBalancesOk(true)
	c.engine.SetAutoTradeEnabled(true)
	c.logger.WithField("allocation", c.capital.AllocationFromTracked()).Info("Automated trading armed")
	return nil
}

func (c *Controller) Disarm() {
	c.engine.SetAutoTradeEnabled(false)
	c.logger.Info("Automated trading disarmed")
}

// SetAutoTrade arms or disarms.
func (c *Controller) SetAutoTrade(ctx context.Context, enabled bool) error {
	if !enabled {
		c.Disarm()
		return nil
	}
	return c.Arm(ctx)
}

func (c *Controller) armWhenConnected(ctx context.Context) {
	deadline := time.NewTimer(c.cfg.ArmWait)
	defer deadline.Stop()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-deadline.C:
			c.logger.Warn("Exchanges not connected in time, auto trade stays disarmed")
			return
		case <-poll.C:
			if !c.streams.IsConnected(c.streams.Exchanges()...) {
				continue
			}
			if err := c.Arm(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to arm automated trading")
			}
			return
		}
	}
}

// Stop shuts down the loops, streams and order worker, then flushes the
// screener snapshot and closes the journal.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	close(c.stopCh)
	c.mu.Unlock()

	c.logger.Info("Stopping controller")
	c.engine.SetAutoTradeEnabled(false)
	c.streams.Disconnect()
	cancel()
	c.streams.Close()
	c.execution.Stop()
	c.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), journalTimeout)
	defer done()
	if err := c.screener.Store().Close(ctx); err != nil {
		c.logger.WithError(err).Warn("Final snapshot write failed")
	}
	if err := c.journal.Close(); err != nil {
		c.logger.WithError(err).Warn("Failed to close journal")
	}
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	running := c.running
	balances := make(map[models.ExchangeID]models.WalletBalance, len(c.balances))
	for k, v := range c.balances {
		balances[k] = v
	}
	creds := make(map[models.ExchangeID]models.CredentialResult, len(c.credentials))
	for k, v := range c.credentials {
		creds[k] = v
	}
	c.mu.RUnlock()

	connected := make(map[models.ExchangeID]bool)
	for _, id := range c.streams.Exchanges() {
		connected[id] = c.streams.IsConnected(id)
	}

	safety := c.engine.State()
	return Status{
		Running:      running,
		Safety:       safety,
		CanAutoTrade: safety.CanAutoTrade(),
		Connected:    connected,
		OpenCount:    c.engine.OpenCount(),
		Tracked:      c.monitor.Len(),
		PendingLegs:  c.execution.Pending(),
		BaseCapital:  c.capital.BaseCapital(),
		Allocation:   c.capital.AllocationFromTracked(),
		Balances:     balances,
		Credentials:  creds,
	}
}

func (c *Controller) Positions() []PositionView {
	return c.monitor.Positions()
}

// ClosePosition requests a manual exit.
func (c *Controller) ClosePosition(positionID string) error {
	return c.monitor.TriggerExit(positionID, models.ExitManual)
}

func (c *Controller) Screener() *screener.Screener {
	return c.screener
}
