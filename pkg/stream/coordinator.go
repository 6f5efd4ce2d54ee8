package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/metrics"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/sirupsen/logrus"
)

const defaultEventBuffer = 4096

// CoordinatorListener receives normalized events from every registered
// exchange. Nil fields are skipped.
type CoordinatorListener struct {
	OnFunding     func(models.FundingSnapshot)
	OnMarkPrice   func(models.MarkUpdate)
	OnPosition    func(models.PositionUpdate)
	OnOrderUpdate func(models.OrderUpdate)
	OnError       func(exchange models.ExchangeID, err error)
	OnDisconnect  func(exchange models.ExchangeID)
}

type eventKind int

const (
	eventFunding eventKind = iota
	eventMark
	eventPosition
	eventOrder
	eventError
	eventDisconnect
)

type event struct {
	kind     eventKind
	exchange models.ExchangeID
	funding  models.FundingSnapshot
	mark     models.MarkUpdate
	position models.PositionUpdate
	order    models.OrderUpdate
	err      error
}

// Coordinator fans events from all exchange clients into one ordered channel
// and delivers them to listeners from a single goroutine.
type Coordinator struct {
	logger  *logrus.Logger
	clients map[models.ExchangeID]ExchangeClient
	events  chan event

	mu        sync.RWMutex
	listeners []CoordinatorListener

	done      chan struct{}
	closeOnce sync.Once
}

func NewCoordinator(logger *logrus.Logger, clients ...ExchangeClient) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Coordinator{
		logger:  logger,
		clients: make(map[models.ExchangeID]ExchangeClient, len(clients)),
		events:  make(chan event, defaultEventBuffer),
		done:    make(chan struct{}),
	}
	for _, client := range clients {
		c.register(client)
	}
	return c
}

func (c *Coordinator) register(client ExchangeClient) {
	id := client.Exchange()
	c.clients[id] = client
	client.SetListener(Listener{
		OnFunding:     func(s models.FundingSnapshot) { c.push(event{kind: eventFunding, exchange: id, funding: s}) },
		OnMarkPrice:   func(u models.MarkUpdate) { c.push(event{kind: eventMark, exchange: id, mark: u}) },
		OnPosition:    func(u models.PositionUpdate) { c.push(event{kind: eventPosition, exchange: id, position: u}) },
		OnOrderUpdate: func(u models.OrderUpdate) { c.push(event{kind: eventOrder, exchange: id, order: u}) },
		OnError:       func(err error) { c.push(event{kind: eventError, exchange: id, err: err}) },
		OnClose:       func() { c.push(event{kind: eventDisconnect, exchange: id}) },
	})
}

// push blocks when the buffer is full so a slow listener backs up the read
// loops instead of reordering events. It gives up once the coordinator is
// closed.
func (c *Coordinator) push(e event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *Coordinator) AddListener(l CoordinatorListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Coordinator) Client(id models.ExchangeID) (ExchangeClient, bool) {
	client, ok := c.clients[id]
	return client, ok
}

func (c *Coordinator) Exchanges() []models.ExchangeID {
	out := make([]models.ExchangeID, 0, len(c.clients))
	for id := range c.clients {
		out = append(out, id)
	}
	return out
}

// Connect opens the public socket of each id, or of every client when no id
// is given.
func (c *Coordinator) Connect(ids ...models.ExchangeID) {
	for _, client := range c.selected(ids) {
		client.Connect()
	}
}

func (c *Coordinator) ConnectPrivate(id models.ExchangeID, creds Credentials) error {
	client, ok := c.clients[id]
	if !ok {
		return fmt.Errorf("no stream client for %s", id)
	}
	return client.ConnectPrivate(creds)
}

func (c *Coordinator) Subscribe(id models.ExchangeID, symbol string) {
	if client, ok := c.clients[id]; ok {
		client.Subscribe(symbol)
	}
}

func (c *Coordinator) Unsubscribe(id models.ExchangeID, symbol string) {
	if client, ok := c.clients[id]; ok {
		client.Unsubscribe(symbol)
	}
}

func (c *Coordinator) Disconnect() {
	for _, client := range c.clients {
		client.Disconnect()
	}
}

// IsConnected reports whether every named exchange (or every client) has an
// open public socket.
func (c *Coordinator) IsConnected(ids ...models.ExchangeID) bool {
	clients := c.selected(ids)
	if len(clients) == 0 {
		return false
	}
	for _, client := range clients {
		if !client.IsConnected() {
			return false
		}
	}
	return true
}

func (c *Coordinator) selected(ids []models.ExchangeID) []ExchangeClient {
	if len(ids) == 0 {
		out := make([]ExchangeClient, 0, len(c.clients))
		for _, client := range c.clients {
			out = append(out, client)
		}
		return out
	}
	out := make([]ExchangeClient, 0, len(ids))
	for _, id := range ids {
		if client, ok := c.clients[id]; ok {
			out = append(out, client)
		}
	}
	return out
}

// Run delivers events until ctx is cancelled or Close is called.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case e := <-c.events:
			c.dispatch(e)
		}
	}
}

func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Coordinator) dispatch(e event) {
	c.mu.RLock()
	listeners := make([]CoordinatorListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		if err := c.deliver(l, e); err != nil {
			metrics.ListenerPanics.WithLabelValues(string(e.exchange)).Inc()
			c.logger.WithFields(logrus.Fields{
				"exchange": e.exchange,
			}).WithError(err).Error("Listener panicked")
			c.reportError(listeners, e.exchange, err)
		}
	}
}

func (c *Coordinator) deliver(l CoordinatorListener, e event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()

	switch e.kind {
	case eventFunding:
		if l.OnFunding != nil {
			l.OnFunding(e.funding)
		}
	case eventMark:
		if l.OnMarkPrice != nil {
			l.OnMarkPrice(e.mark)
		}
	case eventPosition:
		if l.OnPosition != nil {
			l.OnPosition(e.position)
		}
	case eventOrder:
		if l.OnOrderUpdate != nil {
			l.OnOrderUpdate(e.order)
		}
	case eventError:
		if l.OnError != nil {
			l.OnError(e.exchange, e.err)
		}
	case eventDisconnect:
		if l.OnDisconnect != nil {
			l.OnDisconnect(e.exchange)
		}
	}
	return nil
}

// reportError sends a recovered panic to every OnError. A panicking error
// handler is swallowed.
func (c *Coordinator) reportError(listeners []CoordinatorListener, exchange models.ExchangeID, err error) {
	for _, l := range listeners {
		if l.OnError == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			l.OnError(exchange, err)
		}()
	}
}
