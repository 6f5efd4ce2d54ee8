package trader

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/metrics"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/sirupsen/logrus"
)

type MonitorConfig struct {
	PnlTargetBps float64
	PnlStopBps   float64
	// MaxHold <= 0 disables the timeout exit.
	MaxHold time.Duration
	Now     func() time.Time
}

// PositionView is a tracked position with its live PnL.
type PositionView struct {
	models.OpenPosition
	Pnl    float64 `json:"pnl"`
	PnlBps float64 `json:"pnlBps"`
}

// Monitor tracks open positions, reprices them on every mark tick and emits
// one ExitSignal per position when an exit rule fires.
type Monitor struct {
	cfg    MonitorConfig
	logger *logrus.Logger

	mu        sync.Mutex
	positions map[string]*models.OpenPosition
	onExit    []func(models.ExitSignal)
}

func NewMonitor(cfg MonitorConfig, logger *logrus.Logger) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		positions: make(map[string]*models.OpenPosition),
	}
}

func (m *Monitor) OnExit(fn func(models.ExitSignal)) {
	m.mu.Lock()
	m.onExit = append(m.onExit, fn)
	m.mu.Unlock()
}

// RegisterPosition starts tracking p. Mark prices default to the entry
// prices when unset.
func (m *Monitor) RegisterPosition(p models.OpenPosition) error {
	if p.PositionID == "" {
		return fmt.Errorf("position id required")
	}
	if p.LongMarkPrice == 0 {
		p.LongMarkPrice = p.LongEntryPrice
	}
	if p.ShortMarkPrice == 0 {
		p.ShortMarkPrice = p.ShortEntryPrice
	}

	m.mu.Lock()
	m.positions[p.PositionID] = &p
	n := len(m.positions)
	m.mu.Unlock()

	metrics.OpenPositions.Set(float64(n))
	m.logger.WithFields(logrus.Fields{
		"position_id":    p.PositionID,
		"long_exchange":  p.LongExchange,
		"short_exchange": p.ShortExchange,
		"symbol":         p.LongSymbol,
		"notional":       p.Notional(),
	}).Info("Tracking position")
	return nil
}

// OnMarkPrice updates every leg on (exchange, symbol) and re-evaluates all
// tracked positions.
func (m *Monitor) OnMarkPrice(u models.MarkUpdate) {
	m.mu.Lock()
	for _, p := range m.positions {
		if p.LongExchange == u.Exchange && p.LongSymbol == u.Symbol {
			p.LongMarkPrice = u.MarkPrice
		}
		if p.ShortExchange == u.Exchange && p.ShortSymbol == u.Symbol {
			p.ShortMarkPrice = u.MarkPrice
		}
	}
	signals := m.evaluateLocked()
	m.mu.Unlock()

	m.emit(signals)
}

// Sweep re-evaluates every position without a price change, so timeouts
// fire on quiet symbols.
func (m *Monitor) Sweep() {
	m.mu.Lock()
	signals := m.evaluateLocked()
	m.mu.Unlock()

	m.emit(signals)
}

// evaluateLocked applies pnl_target, pnl_stop then timeout, first match
// wins, and removes every position that exits.
func (m *Monitor) evaluateLocked() []models.ExitSignal {
	now := m.cfg.Now()
	var signals []models.ExitSignal

	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := m.positions[id]
		pnl, bps := pnlOf(*p)

		var reason models.ExitReason
		switch {
		case bps >= m.cfg.PnlTargetBps:
			reason = models.ExitPnlTarget
		case bps <= -m.cfg.PnlStopBps:
			reason = models.ExitPnlStop
		case m.cfg.MaxHold > 0 && now.Sub(p.OpenedAt) >= m.cfg.MaxHold:
			reason = models.ExitTimeout
		default:
			continue
		}

		delete(m.positions, id)
		signals = append(signals, models.ExitSignal{
			PositionID: id,
			Reason:     reason,
			Pnl:        pnl,
			Timestamp:  now,
		})
	}
	return signals
}

// TriggerExit closes a position for an external reason such as manual or
// funding_flip.
func (m *Monitor) TriggerExit(positionID string, reason models.ExitReason) error {
	m.mu.Lock()
	p, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	pnl, _ := pnlOf(*p)
	delete(m.positions, positionID)
	m.mu.Unlock()

	m.emit([]models.ExitSignal{{
		PositionID: positionID,
		Reason:     reason,
		Pnl:        pnl,
		Timestamp:  m.cfg.Now(),
	}})
	return nil
}

func (m *Monitor) emit(signals []models.ExitSignal) {
	if len(signals) == 0 {
		return
	}

	m.mu.Lock()
	n := len(m.positions)
	listeners := m.onExit
	m.mu.Unlock()
	metrics.OpenPositions.Set(float64(n))

	for _, s := range signals {
		m.logger.WithFields(logrus.Fields{
			"position_id": s.PositionID,
			"reason":      s.Reason,
			"pnl":         s.Pnl,
		}).Info("Position exit")
		for _, fn := range listeners {
			fn(s)
		}
	}
}

func (m *Monitor) UnrealizedPnl(positionID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return 0
	}
	pnl, _ := pnlOf(*p)
	return pnl
}

func (m *Monitor) Position(positionID string) (PositionView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return PositionView{}, false
	}
	return viewOf(*p), true
}

// Positions returns every tracked position ordered by open time.
func (m *Monitor) Positions() []PositionView {
	m.mu.Lock()
	out := make([]PositionView, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, viewOf(*p))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// HasSymbol reports whether any tracked position trades symbol.
func (m *Monitor) HasSymbol(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.LongSymbol == symbol || p.ShortSymbol == symbol {
			return true
		}
	}
	return false
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// pnlOf returns total PnL and PnL in bps of total entry notional.
func pnlOf(p models.OpenPosition) (float64, float64) {
	longPnl := (p.LongMarkPrice - p.LongEntryPrice) * p.LongSize
	shortPnl := (p.ShortEntryPrice - p.ShortMarkPrice) * p.ShortSize
	pnl := longPnl + shortPnl

	notional := p.Notional()
	if notional <= 0 {
		return pnl, 0
	}
	return pnl, pnl / notional * 10000
}

func viewOf(p models.OpenPosition) PositionView {
	pnl, bps := pnlOf(p)
	return PositionView{OpenPosition: p, Pnl: pnl, PnlBps: bps}
}
