package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/metrics"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoClient  = errors.New("no order client for exchange")
	ErrQueueFull = errors.New("order queue full")
)

const (
	defaultQueueSize    = 256
	defaultOrderTimeout = 10 * time.Second
)

// OrderClient places one order. The returned update may already be terminal.
type OrderClient interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderUpdate, error)
}

// Listener fields are optional.
type Listener struct {
	OnPositionOpened func(models.OpenPosition)
	// OnPositionClosed reports a non-nil error when a closing leg did not fill.
	OnPositionClosed func(positionID string, err error)
	OnEntryFailed    func(positionID string, err error)
	OnPlaceError     func(req models.OrderRequest, err error)
	OnOrderUpdate    func(models.OrderUpdate)
}

type Config struct {
	QueueSize    int
	OrderTimeout time.Duration
	Now          func() time.Time
}

type legRole int

const (
	roleEntry legRole = iota
	roleExit
	roleUnwind
)

type leg struct {
	positionID string
	role       legRole
	req        models.OrderRequest
	status     models.OrderStatus
	filled     float64
	avgPrice   float64
	unwound    bool
}

type position struct {
	id       string
	decision models.EntryDecision
	long     *leg
	short    *leg
	failed   bool
	open     bool
	openedAt time.Time
	closing  []*leg
}

// Manager turns entry decisions and exit signals into per-leg orders and
// correlates fills back to positions by client order id.
type Manager struct {
	cfg    Config
	logger *logrus.Logger

	mu        sync.Mutex
	clients   map[models.ExchangeID]OrderClient
	listener  Listener
	legs      map[string]*leg
	positions map[string]*position

	queue  chan models.OrderRequest
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewManager(cfg Config, logger *logrus.Logger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = defaultOrderTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		clients:   make(map[models.ExchangeID]OrderClient),
		legs:      make(map[string]*leg),
		positions: make(map[string]*position),
		queue:     make(chan models.OrderRequest, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
}

func (m *Manager) SetClient(exchange models.ExchangeID, client OrderClient) {
	m.mu.Lock()
	m.clients[exchange] = client
	m.mu.Unlock()
}

func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

func (m *Manager) getListener() Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

// Start runs the order worker until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.work(ctx)
	}()
}

func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case req := <-m.queue:
			m.place(ctx, req)
		}
	}
}

func (m *Manager) place(ctx context.Context, req models.OrderRequest) {
	m.mu.Lock()
	client, ok := m.clients[req.Exchange]
	m.mu.Unlock()
	if !ok {
		m.placeFailed(req, fmt.Errorf("%w: %s", ErrNoClient, req.Exchange))
		return
	}

	octx, cancel := context.WithTimeout(ctx, m.cfg.OrderTimeout)
	defer cancel()

	upd, err := client.PlaceOrder(octx, req)
	if err != nil {
		m.placeFailed(req, err)
		return
	}
	if upd != nil {
		if upd.ClientOrderID == "" {
			upd.ClientOrderID = req.ClientOrderID
		}
		m.OnOrderUpdate(*upd)
	}
}

// PlaceFromEntry opens a position: buy the long leg, sell the short leg.
func (m *Manager) PlaceFromEntry(decision models.EntryDecision) {
	opp := decision.Opportunity
	p := &position{id: uuid.NewString(), decision: decision}
	p.long = &leg{positionID: p.id, role: roleEntry, req: models.OrderRequest{
		Exchange:      opp.LongExchange,
		Symbol:        opp.LongSymbol,
		Side:          models.OrderSideBuy,
		PositionSide:  models.PositionSideLong,
		SizeBase:      decision.SizeBase,
		Type:          models.OrderTypeMarket,
		ClientOrderID: uuid.NewString(),
		RequestedAt:   decision.RequestedAt,
	}}
	p.short = &leg{positionID: p.id, role: roleEntry, req: models.OrderRequest{
		Exchange:      opp.ShortExchange,
		Symbol:        opp.ShortSymbol,
		Side:          models.OrderSideSell,
		PositionSide:  models.PositionSideShort,
		SizeBase:      decision.SizeBase,
		Type:          models.OrderTypeMarket,
		ClientOrderID: uuid.NewString(),
		RequestedAt:   decision.RequestedAt,
	}}

	m.mu.Lock()
	m.positions[p.id] = p
	m.legs[p.long.req.ClientOrderID] = p.long
	m.legs[p.short.req.ClientOrderID] = p.short
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"position_id":    p.id,
		"symbol":         opp.LongSymbol,
		"long_exchange":  opp.LongExchange,
		"short_exchange": opp.ShortExchange,
		"size":           decision.SizeBase,
	}).Info("Placing entry")

	m.enqueue(p.long.req)
	m.enqueue(p.short.req)
}

// CloseFromExit sends reduce-only orders for both filled legs of an open
// position: sell the long leg, buy back the short leg.
func (m *Manager) CloseFromExit(signal models.ExitSignal) {
	m.mu.Lock()
	p, ok := m.positions[signal.PositionID]
	if !ok || !p.open || len(p.closing) > 0 {
		m.mu.Unlock()
		m.logger.WithField("position_id", signal.PositionID).Warn("Exit for unknown or closing position")
		return
	}
	now := m.cfg.Now()
	p.closing = []*leg{
		m.closeLegLocked(p.long, roleExit, now),
		m.closeLegLocked(p.short, roleExit, now),
	}
	reqs := []models.OrderRequest{p.closing[0].req, p.closing[1].req}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"position_id": signal.PositionID,
		"reason":      signal.Reason,
	}).Info("Closing position")

	for _, r := range reqs {
		m.enqueue(r)
	}
}

// closeLegLocked builds and registers a reduce-only order that offsets the
// filled quantity of l.
func (m *Manager) closeLegLocked(l *leg, role legRole, now time.Time) *leg {
	side := models.OrderSideSell
	if l.req.Side == models.OrderSideSell {
		side = models.OrderSideBuy
	}
	c := &leg{positionID: l.positionID, role: role, req: models.OrderRequest{
		Exchange:      l.req.Exchange,
		Symbol:        l.req.Symbol,
		Side:          side,
		PositionSide:  l.req.PositionSide,
		SizeBase:      l.filled,
		Type:          models.OrderTypeMarket,
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
		RequestedAt:   now,
	}}
	m.legs[c.req.ClientOrderID] = c
	return c
}

func (m *Manager) enqueue(req models.OrderRequest) {
	select {
	case m.queue <- req:
	default:
		m.placeFailed(req, ErrQueueFull)
	}
}

// placeFailed reports err for req and treats the order as rejected.
func (m *Manager) placeFailed(req models.OrderRequest, err error) {
	metrics.OrderErrors.WithLabelValues(string(req.Exchange)).Inc()
	m.logger.WithFields(logrus.Fields{
		"exchange":        req.Exchange,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"client_order_id": req.ClientOrderID,
	}).WithError(err).Error("Order placement failed")

	if fn := m.getListener().OnPlaceError; fn != nil {
		fn(req, err)
	}
	m.apply(models.OrderUpdate{
		Exchange:      req.Exchange,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        models.OrderStatusRejected,
		Timestamp:     m.cfg.Now(),
	}, err)
}

// OnOrderUpdate correlates an exchange order update with its leg. Updates
// for unknown client order ids are forwarded but otherwise ignored.
func (m *Manager) OnOrderUpdate(u models.OrderUpdate) {
	if fn := m.getListener().OnOrderUpdate; fn != nil {
		fn(u)
	}
	m.apply(u, nil)
}

type outcome struct {
	opened    *models.OpenPosition
	closedID  string
	closeErr  error
	failedID  string
	failedErr error
	orders    []models.OrderRequest
}

func (m *Manager) apply(u models.OrderUpdate, cause error) {
	m.mu.Lock()
	l, ok := m.legs[u.ClientOrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	l.status = u.Status
	if u.FilledQty > 0 {
		l.filled = u.FilledQty
	}
	if u.AvgPrice > 0 {
		l.avgPrice = u.AvgPrice
	}
	if u.Status.Terminal() {
		delete(m.legs, u.ClientOrderID)
	}

	var out outcome
	if p, ok := m.positions[l.positionID]; ok {
		switch l.role {
		case roleEntry:
			m.entryUpdateLocked(p, l, u, cause, &out)
		case roleExit:
			m.exitUpdateLocked(p, &out)
		}
	}
	m.mu.Unlock()

	m.finish(out)
}

func (m *Manager) entryUpdateLocked(p *position, l *leg, u models.OrderUpdate, cause error, out *outcome) {
	switch {
	case p.failed:
		// A late fill on a failed entry is flattened immediately.
		if u.Status.Terminal() && l.filled > 0 && !l.unwound {
			l.unwound = true
			out.orders = append(out.orders, m.closeLegLocked(l, roleUnwind, m.cfg.Now()).req)
		}
		m.maybeForgetLocked(p)

	case u.Status == models.OrderStatusCancelled || u.Status == models.OrderStatusRejected:
		p.failed = true
		out.failedID = p.id
		out.failedErr = cause
		if out.failedErr == nil {
			out.failedErr = fmt.Errorf("%s %s leg %s", l.req.Exchange, l.req.Side, u.Status)
		}
		for _, other := range []*leg{p.long, p.short} {
			if other.filled > 0 && !other.unwound && other.status.Terminal() {
				other.unwound = true
				out.orders = append(out.orders, m.closeLegLocked(other, roleUnwind, m.cfg.Now()).req)
			}
		}
		m.maybeForgetLocked(p)

	case p.long.status == models.OrderStatusFilled && p.short.status == models.OrderStatusFilled && !p.open:
		p.open = true
		p.openedAt = m.cfg.Now()
		opp := p.decision.Opportunity
		out.opened = &models.OpenPosition{
			PositionID:      p.id,
			LongExchange:    opp.LongExchange,
			ShortExchange:   opp.ShortExchange,
			LongSymbol:      opp.LongSymbol,
			ShortSymbol:     opp.ShortSymbol,
			LongSize:        p.long.filled,
			ShortSize:       p.short.filled,
			LongEntryPrice:  p.long.avgPrice,
			ShortEntryPrice: p.short.avgPrice,
			OpenedAt:        p.openedAt,
		}
	}
}

// maybeForgetLocked drops a failed entry once no leg can still fill.
func (m *Manager) maybeForgetLocked(p *position) {
	if p.long.status.Terminal() && p.short.status.Terminal() {
		delete(m.positions, p.id)
	}
}

func (m *Manager) exitUpdateLocked(p *position, out *outcome) {
	for _, c := range p.closing {
		if !c.status.Terminal() {
			return
		}
	}
	delete(m.positions, p.id)
	out.closedID = p.id
	for _, c := range p.closing {
		if c.status != models.OrderStatusFilled {
			out.closeErr = fmt.Errorf("%s %s close %s", c.req.Exchange, c.req.Symbol, c.status)
			break
		}
	}
}

func (m *Manager) finish(out outcome) {
	l := m.getListener()

	if out.opened != nil {
		m.logger.WithFields(logrus.Fields{
			"position_id": out.opened.PositionID,
			"long_price":  out.opened.LongEntryPrice,
			"short_price": out.opened.ShortEntryPrice,
		}).Info("Position opened")
		if l.OnPositionOpened != nil {
			l.OnPositionOpened(*out.opened)
		}
	}
	if out.failedID != "" {
		m.logger.WithField("position_id", out.failedID).WithError(out.failedErr).Warn("Entry failed")
		if l.OnEntryFailed != nil {
			l.OnEntryFailed(out.failedID, out.failedErr)
		}
	}
	if out.closedID != "" {
		entry := m.logger.WithField("position_id", out.closedID)
		if out.closeErr != nil {
			entry.WithError(out.closeErr).Error("Position close incomplete")
		} else {
			entry.Info("Position closed")
		}
		if l.OnPositionClosed != nil {
			l.OnPositionClosed(out.closedID, out.closeErr)
		}
	}
	for _, r := range out.orders {
		m.logger.WithFields(logrus.Fields{
			"exchange": r.Exchange,
			"symbol":   r.Symbol,
			"size":     r.SizeBase,
		}).Warn("Unwinding filled leg")
		m.enqueue(r)
	}
}

// HasPending reports whether an entry or exit on symbol is still in flight.
func (m *Manager) HasPending(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.long.req.Symbol != symbol && p.short.req.Symbol != symbol {
			continue
		}
		if !p.open || len(p.closing) > 0 {
			return true
		}
	}
	return false
}

// Holds reports whether any entry, open position or exit on symbol is known.
func (m *Manager) Holds(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.long.req.Symbol == symbol || p.short.req.Symbol == symbol {
			return true
		}
	}
	return false
}

// Pending is the number of positions not yet open or still closing.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.positions {
		if !p.open || len(p.closing) > 0 {
			n++
		}
	}
	return n
}
