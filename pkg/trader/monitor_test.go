package trader

import (
	"errors"
	"testing"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monitorNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMonitor(cfg MonitorConfig) (*Monitor, *[]models.ExitSignal) {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return monitorNow }
	}
	m := NewMonitor(cfg, quietLogger())
	var signals []models.ExitSignal
	m.OnExit(func(s models.ExitSignal) { signals = append(signals, s) })
	return m, &signals
}

func testPosition(id string) models.OpenPosition {
	return models.OpenPosition{
		PositionID:      id,
		LongExchange:    models.ExchangeBybit,
		ShortExchange:   models.ExchangeBinance,
		LongSymbol:      "BTCUSDT",
		ShortSymbol:     "BTCUSDT",
		LongSize:        1,
		ShortSize:       1,
		LongEntryPrice:  100,
		ShortEntryPrice: 100,
		OpenedAt:        monitorNow,
	}
}

func mark(ex models.ExchangeID, price float64) models.MarkUpdate {
	return models.MarkUpdate{Exchange: ex, Symbol: "BTCUSDT", MarkPrice: price, Timestamp: monitorNow}
}

func TestUnrealizedPnl(t *testing.T) {
	m, signals := newTestMonitor(MonitorConfig{PnlTargetBps: 10000, PnlStopBps: 10000})
	require.NoError(t, m.RegisterPosition(testPosition("p1")))

	m.OnMarkPrice(mark(models.ExchangeBybit, 105))
	m.OnMarkPrice(mark(models.ExchangeBinance, 95))

	assert.InDelta(t, 10.0, m.UnrealizedPnl("p1"), 1e-9)
	assert.Empty(t, *signals)

	view, ok := m.Position("p1")
	require.True(t, ok)
	assert.InDelta(t, 10.0, view.Pnl, 1e-9)
	assert.InDelta(t, 500.0, view.PnlBps, 1e-9)
	assert.InDelta(t, 105, view.LongMarkPrice, 1e-9)
	assert.InDelta(t, 95, view.ShortMarkPrice, 1e-9)
}

func TestPnlTargetExitsExactlyOnce(t *testing.T) {
	// PnL 10 on notional 200 is 500 bps.
	m, signals := newTestMonitor(MonitorConfig{PnlTargetBps: 400, PnlStopBps: 400})
	require.NoError(t, m.RegisterPosition(testPosition("p1")))

	m.OnMarkPrice(mark(models.ExchangeBybit, 105))
	assert.Empty(t, *signals, "250 bps is below target")

	m.OnMarkPrice(mark(models.ExchangeBinance, 95))
	m.OnMarkPrice(mark(models.ExchangeBinance, 94))
	m.OnMarkPrice(mark(models.ExchangeBybit, 106))

	require.Len(t, *signals, 1)
	s := (*signals)[0]
	assert.Equal(t, "p1", s.PositionID)
	assert.Equal(t, models.ExitPnlTarget, s.Reason)
	assert.InDelta(t, 10.0, s.Pnl, 1e-9)
	assert.Equal(t, monitorNow, s.Timestamp)

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0.0, m.UnrealizedPnl("p1"))
	_, ok := m.Position("p1")
	assert.False(t, ok)
}

func TestPnlStopExit(t *testing.T) {
	m, signals := newTestMonitor(MonitorConfig{PnlTargetBps: 1000, PnlStopBps: 50})
	require.NoError(t, m.RegisterPosition(testPosition("p1")))

	m.OnMarkPrice(mark(models.ExchangeBybit, 98))

	require.Len(t, *signals, 1)
	assert.Equal(t, models.ExitPnlStop, (*signals)[0].Reason)
	assert.InDelta(t, -2.0, (*signals)[0].Pnl, 1e-9)
}

func TestTargetCheckedBeforeStop(t *testing.T) {
	// Both thresholds are satisfied at zero PnL; target wins.
	m, signals := newTestMonitor(MonitorConfig{PnlTargetBps: 0, PnlStopBps: 0})
	require.NoError(t, m.RegisterPosition(testPosition("p1")))

	m.OnMarkPrice(mark(models.ExchangeBybit, 100))

	require.Len(t, *signals, 1)
	assert.Equal(t, models.ExitPnlTarget, (*signals)[0].Reason)
}

func TestTimeoutExit(t *testing.T) {
	now := monitorNow
	m, signals := newTestMonitor(MonitorConfig{
		PnlTargetBps: 1000,
		PnlStopBps:   1000,
		MaxHold:      time.Hour,
		Now:          func() time.Time { return now },
	})
	require.NoError(t, m.RegisterPosition(testPosition("p1")))

	m.Sweep()
	assert.Empty(t, *signals)

	now = monitorNow.Add(time.Hour)
	m.Sweep()
	require.Len(t, *signals, 1)
	assert.Equal(t, models.ExitTimeout, (*signals)[0].Reason)

	m.Sweep()
	assert.Len(t, *signals, 1)
}

func TestMarkOnlyTouchesMatchingLegs(t *testing.T) {
	m, _ := newTestMonitor(MonitorConfig{PnlTargetBps: 10000, PnlStopBps: 10000})
	require.NoError(t, m.RegisterPosition(testPosition("p1")))

	other := mark(models.ExchangeBybit, 200)
	other.Symbol = "ETHUSDT"
	m.OnMarkPrice(other)

	view, _ := m.Position("p1")
	assert.InDelta(t, 100, view.LongMarkPrice, 1e-9)
	assert.InDelta(t, 0, view.Pnl, 1e-9)
}

func TestTriggerExit(t *testing.T) {
	m, signals := newTestMonitor(MonitorConfig{PnlTargetBps: 10000, PnlStopBps: 10000})
	require.NoError(t, m.RegisterPosition(testPosition("p1")))
	m.OnMarkPrice(mark(models.ExchangeBybit, 101))

	require.NoError(t, m.TriggerExit("p1", models.ExitManual))
	require.Len(t, *signals, 1)
	assert.Equal(t, models.ExitManual, (*signals)[0].Reason)
	assert.InDelta(t, 1.0, (*signals)[0].Pnl, 1e-9)

	err := m.TriggerExit("p1", models.ExitFundingFlip)
	assert.True(t, errors.Is(err, ErrUnknownPosition))
	assert.Len(t, *signals, 1)
}

func TestRegisterPositionValidation(t *testing.T) {
	m, _ := newTestMonitor(MonitorConfig{PnlTargetBps: 100, PnlStopBps: 100})
	assert.Error(t, m.RegisterPosition(models.OpenPosition{}))
	assert.Equal(t, 0, m.Len())
}

func TestPositionsAndHasSymbol(t *testing.T) {
	m, _ := newTestMonitor(MonitorConfig{PnlTargetBps: 10000, PnlStopBps: 10000})

	later := testPosition("p2")
	later.OpenedAt = monitorNow.Add(time.Minute)
	require.NoError(t, m.RegisterPosition(later))
	require.NoError(t, m.RegisterPosition(testPosition("p1")))

	views := m.Positions()
	require.Len(t, views, 2)
	assert.Equal(t, "p1", views[0].PositionID)
	assert.Equal(t, "p2", views[1].PositionID)

	assert.True(t, m.HasSymbol("BTCUSDT"))
	assert.False(t, m.HasSymbol("ETHUSDT"))
}

func TestZeroNotionalHasZeroBps(t *testing.T) {
	p := testPosition("p")
	p.LongEntryPrice, p.ShortEntryPrice = 0, 0
	pnl, bps := pnlOf(p)
	assert.Equal(t, 0.0, pnl)
	assert.Equal(t, 0.0, bps)
}
