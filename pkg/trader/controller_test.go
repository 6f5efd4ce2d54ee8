package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/execution"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/screener"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	id models.ExchangeID

	mu        sync.Mutex
	listener  stream.Listener
	connected bool
	subs      []string
	private   *stream.Credentials
}

func (f *fakeStream) Exchange() models.ExchangeID { return f.id }

func (f *fakeStream) SetListener(l stream.Listener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

func (f *fakeStream) Connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
}

func (f *fakeStream) ConnectPrivate(creds stream.Credentials) error {
	f.mu.Lock()
	f.private = &creds
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Subscribe(symbol string) {
	f.mu.Lock()
	f.subs = append(f.subs, symbol)
	f.mu.Unlock()
}

func (f *fakeStream) Unsubscribe(string) {}

func (f *fakeStream) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeStream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStream) IsPrivateConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.private != nil
}

func (f *fakeStream) funding(symbol string, rate, mark float64) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnFunding(models.FundingSnapshot{
		Exchange:        f.id,
		Symbol:          symbol,
		FundingRate:     rate,
		NextFundingTime: time.Now().Add(4 * time.Hour),
		MarkPrice:       mark,
		Timestamp:       time.Now(),
	})
}

func (f *fakeStream) drop() {
	f.Disconnect()
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnClose()
}

type fakeAccount struct {
	id      models.ExchangeID
	result  models.CredentialResult
	balance float64

	mu     sync.Mutex
	balErr error
}

func hedgedAccount(id models.ExchangeID, balance float64) *fakeAccount {
	return &fakeAccount{
		id:      id,
		result:  models.CredentialResult{Exchange: id, OK: true, HedgeMode: boolPtr(true)},
		balance: balance,
	}
}

func boolPtr(v bool) *bool { return &v }

func (f *fakeAccount) Exchange() models.ExchangeID { return f.id }

func (f *fakeAccount) ValidateCredentials(context.Context) models.CredentialResult {
	return f.result
}

func (f *fakeAccount) GetWalletBalance(context.Context) (models.WalletBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balErr != nil {
		return models.WalletBalance{}, f.balErr
	}
	return models.WalletBalance{Exchange: f.id, ActualBalance: f.balance}, nil
}

func (f *fakeAccount) failBalance(err error) {
	f.mu.Lock()
	f.balErr = err
	f.mu.Unlock()
}

type fakeListenKeys struct {
	mu         sync.Mutex
	keepAlives int
}

func (f *fakeListenKeys) CreateListenKey(context.Context) (string, error) { return "lk-1", nil }

func (f *fakeListenKeys) KeepAliveListenKey(context.Context) error {
	f.mu.Lock()
	f.keepAlives++
	f.mu.Unlock()
	return nil
}

type recordingJournal struct {
	mu      sync.Mutex
	delay   time.Duration
	entries []models.EntryDecision
	opened  []models.OpenPosition
	exits   []models.ExitSignal
	closed  bool
}

func (j *recordingJournal) RecordEntry(_ context.Context, d models.EntryDecision) error {
	j.mu.Lock()
	delay := j.delay
	j.mu.Unlock()
	time.Sleep(delay)

	j.mu.Lock()
	j.entries = append(j.entries, d)
	j.mu.Unlock()
	return nil
}

func (j *recordingJournal) RecordOpened(_ context.Context, p models.OpenPosition) error {
	j.mu.Lock()
	j.opened = append(j.opened, p)
	j.mu.Unlock()
	return nil
}

func (j *recordingJournal) RecordExit(_ context.Context, s models.ExitSignal) error {
	j.mu.Lock()
	j.exits = append(j.exits, s)
	j.mu.Unlock()
	return errors.New("journal down")
}

func (j *recordingJournal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}

func (j *recordingJournal) counts() (int, int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries), len(j.opened), len(j.exits)
}

type rig struct {
	ctl      *Controller
	binance  *fakeStream
	bybit    *fakeStream
	accounts map[models.ExchangeID]*fakeAccount
	engine   *Engine
	monitor  *Monitor
	exec     *execution.Manager
	journal  *recordingJournal
	keys     *fakeListenKeys
}

func newRig(t *testing.T, cfg ControllerConfig) *rig {
	t.Helper()
	logger := quietLogger()

	r := &rig{
		binance: &fakeStream{id: models.ExchangeBinance},
		bybit:   &fakeStream{id: models.ExchangeBybit},
		accounts: map[models.ExchangeID]*fakeAccount{
			models.ExchangeBinance: hedgedAccount(models.ExchangeBinance, 1000),
			models.ExchangeBybit:   hedgedAccount(models.ExchangeBybit, 800),
		},
		journal: &recordingJournal{},
		keys:    &fakeListenKeys{},
	}

	streams := stream.NewCoordinator(logger, r.binance, r.bybit)
	scr := screener.New(screener.Config{MinSpreadBps: 1, FeeBps: screener.DefaultFeeBps}, nil, logger)
	capital := NewCapitalAllocator(models.CapitalConfig{MaxTrades: 2, CapitalPercentage: 10})
	r.engine = NewEngine(EngineConfig{DefaultSizeBase: 0.01, MaxSlippageBps: 10}, capital, nil, logger)
	r.monitor = NewMonitor(MonitorConfig{PnlTargetBps: 50, PnlStopBps: 50}, logger)
	r.exec = execution.NewManager(execution.Config{}, logger)
	r.exec.SetClient(models.ExchangeBinance, execution.NewPaperClient(models.ExchangeBinance, scr))
	r.exec.SetClient(models.ExchangeBybit, execution.NewPaperClient(models.ExchangeBybit, scr))

	if cfg.Symbols == nil {
		cfg.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if cfg.BalancePollInterval == 0 {
		cfg.BalancePollInterval = time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}

	r.ctl = NewController(cfg, Components{
		Streams:   streams,
		Screener:  scr,
		Engine:    r.engine,
		Monitor:   r.monitor,
		Capital:   capital,
		Execution: r.exec,
		Journal:   r.journal,
		Accounts: []Account{
			r.accounts[models.ExchangeBinance],
			r.accounts[models.ExchangeBybit],
		},
		Private: map[models.ExchangeID]PrivateStream{
			models.ExchangeBinance: {Credentials: stream.Credentials{APIKey: "k"}, ListenKeys: r.keys},
			models.ExchangeBybit:   {Credentials: stream.Credentials{APIKey: "k", APISecret: "s"}},
		},
	}, logger)
	return r
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	require.NoError(t, r.ctl.Start(context.Background()))
	t.Cleanup(r.ctl.Stop)
}

func TestControllerStartSubscribesAndOpensPrivateStreams(t *testing.T) {
	r := newRig(t, ControllerConfig{})
	r.start(t)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, r.binance.subs)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, r.bybit.subs)
	require.NotNil(t, r.binance.private)
	assert.Equal(t, "lk-1", r.binance.private.ListenKey)
	require.NotNil(t, r.bybit.private)
	assert.Empty(t, r.bybit.private.ListenKey)

	assert.ErrorIs(t, r.ctl.Start(context.Background()), ErrAlreadyRunning)

	st := r.ctl.Status()
	assert.True(t, st.Running)
	assert.InDelta(t, 800, st.BaseCapital, 1e-9)
	assert.InDelta(t, 80, st.Allocation, 1e-9)
	assert.False(t, st.CanAutoTrade)
}

func TestControllerRoundTrip(t *testing.T) {
	r := newRig(t, ControllerConfig{})
	r.start(t)
	require.NoError(t, r.ctl.Arm(context.Background()))
	require.True(t, r.engine.CanAutoTrade())

	// binance pays more, so the position is long bybit and short binance.
	r.binance.funding("BTCUSDT", 0.0005, 50000)
	r.bybit.funding("BTCUSDT", 0.0001, 50010)

	require.Eventually(t, func() bool { return r.monitor.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	positions := r.ctl.Positions()
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, models.ExchangeBybit, p.LongExchange)
	assert.Equal(t, models.ExchangeBinance, p.ShortExchange)
	assert.InDelta(t, 50010, p.LongEntryPrice, 1e-9)
	assert.InDelta(t, 50000, p.ShortEntryPrice, 1e-9)

	// A further tick on the held symbol must not open a second position.
	r.bybit.funding("BTCUSDT", 0.0001, 50012)
	require.Eventually(t, func() bool {
		_, opened, _ := r.journal.counts()
		return opened == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.engine.OpenCount())

	require.NoError(t, r.ctl.ClosePosition(p.PositionID))
	assert.Equal(t, 0, r.monitor.Len())
	assert.Equal(t, 0, r.engine.OpenCount())
	assert.ErrorIs(t, r.ctl.ClosePosition(p.PositionID), ErrUnknownPosition)

	// Once both closing legs fill the symbol is free to trade again.
	require.Eventually(t, func() bool {
		r.bybit.funding("BTCUSDT", 0.0001, 50020)
		return r.monitor.Len() == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		entries, opened, exits := r.journal.counts()
		return entries == 2 && opened == 2 && exits == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, p.PositionID, r.ctl.Positions()[0].PositionID)
}

func TestControllerFundingFlipExits(t *testing.T) {
	r := newRig(t, ControllerConfig{ExitOnFundingFlip: true})
	r.start(t)
	require.NoError(t, r.ctl.Arm(context.Background()))

	r.binance.funding("ETHUSDT", 0.0005, 3000)
	r.bybit.funding("ETHUSDT", 0.0001, 3000)
	require.Eventually(t, func() bool { return r.monitor.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The short leg now earns less than the long leg pays.
	r.binance.funding("ETHUSDT", 0.00005, 3000)

	require.Eventually(t, func() bool {
		r.journal.mu.Lock()
		defer r.journal.mu.Unlock()
		return len(r.journal.exits) == 1 && r.journal.exits[0].Reason == models.ExitFundingFlip
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.monitor.Len())
}

func TestControllerArmFailsClosedOnUnconfirmedHedge(t *testing.T) {
	r := newRig(t, ControllerConfig{})
	r.accounts[models.ExchangeBybit].result = models.CredentialResult{
		Exchange: models.ExchangeBybit,
		OK:       true,
		Warning:  "Hedge mode could not be confirmed",
	}
	r.start(t)

	err := r.ctl.Arm(context.Background())
	require.ErrorIs(t, err, ErrNotArmed)
	assert.Contains(t, err.Error(), "bybit")
	assert.False(t, r.engine.State().HedgeConfirmed)
	assert.False(t, r.engine.CanAutoTrade())

	creds := r.ctl.Status().Credentials
	assert.True(t, creds[models.ExchangeBinance].HedgeConfirmed())
	assert.False(t, creds[models.ExchangeBybit].HedgeConfirmed())
}

func TestControllerArmRequiresConnection(t *testing.T) {
	r := newRig(t, ControllerConfig{})

	err := r.ctl.Arm(context.Background())
	require.ErrorIs(t, err, ErrNotArmed)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, r.engine.CanAutoTrade())
}

func TestControllerBalanceFailureDisarms(t *testing.T) {
	r := newRig(t, ControllerConfig{})
	r.start(t)
	require.NoError(t, r.ctl.Arm(context.Background()))

	r.accounts[models.ExchangeBinance].failBalance(errors.New("timeout"))
	err := r.ctl.RefreshBalances(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binance balance")
	assert.False(t, r.engine.State().BalancesOk)
	assert.False(t, r.engine.CanAutoTrade())

	// Recovery alone does not re-arm.
	r.accounts[models.ExchangeBinance].failBalance(nil)
	require.NoError(t, r.ctl.RefreshBalances(context.Background()))
	assert.False(t, r.engine.CanAutoTrade())

	require.NoError(t, r.ctl.SetAutoTrade(context.Background(), true))
	assert.True(t, r.engine.CanAutoTrade())
}

func TestControllerDisconnectPauses(t *testing.T) {
	r := newRig(t, ControllerConfig{})
	r.start(t)
	require.NoError(t, r.ctl.Arm(context.Background()))

	r.bybit.drop()

	require.Eventually(t, func() bool { return !r.engine.CanAutoTrade() }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, r.engine.State().ConnectionOk)
	assert.False(t, r.ctl.Status().Connected[models.ExchangeBybit])

	err := r.ctl.Arm(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestControllerSlowJournalDoesNotDelayPause(t *testing.T) {
	r := newRig(t, ControllerConfig{})
	r.journal.mu.Lock()
	r.journal.delay = 2 * time.Second
	r.journal.mu.Unlock()
	r.start(t)
	require.NoError(t, r.ctl.Arm(context.Background()))

	r.binance.funding("BTCUSDT", 0.0005, 50000)
	r.bybit.funding("BTCUSDT", 0.0001, 50010)
	require.Eventually(t, func() bool { return r.engine.OpenCount() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	r.binance.drop()
	require.Eventually(t, func() bool { return !r.engine.State().ConnectionOk }, 500*time.Millisecond, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	entries, _, _ := r.journal.counts()
	assert.Zero(t, entries)
}

func TestControllerAutoTradeArmsOnStart(t *testing.T) {
	r := newRig(t, ControllerConfig{AutoTrade: true, ArmWait: time.Second})
	r.start(t)

	require.Eventually(t, r.engine.CanAutoTrade, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.ctl.SetAutoTrade(context.Background(), false))
	assert.False(t, r.engine.CanAutoTrade())
	assert.True(t, r.engine.State().ConnectionOk)
}

func TestControllerStopClosesJournal(t *testing.T) {
	r := newRig(t, ControllerConfig{})
	require.NoError(t, r.ctl.Start(context.Background()))
	r.ctl.Stop()
	r.ctl.Stop()

	r.journal.mu.Lock()
	closed := r.journal.closed
	r.journal.mu.Unlock()
	assert.True(t, closed)
	assert.False(t, r.ctl.Status().Running)
	assert.False(t, r.binance.IsConnected())
}
