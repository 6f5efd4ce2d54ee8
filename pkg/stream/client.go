package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/metrics"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/sirupsen/logrus"
)

type Config struct {
	PublicURL  string
	PrivateURL string

	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	BackoffMultiplier     float64
	HeartbeatInterval     time.Duration
	HandshakeTimeout      time.Duration
	WriteTimeout          time.Duration

	// MaxEventAge rejects events whose exchange timestamp is older than this.
	MaxEventAge time.Duration

	// Now is overridable in tests.
	Now func() time.Time
}

func defaultConfig() Config {
	return Config{
		InitialReconnectDelay: time.Second,
		MaxReconnectDelay:     30 * time.Second,
		BackoffMultiplier:     2,
		HeartbeatInterval:     30 * time.Second,
		HandshakeTimeout:      10 * time.Second,
		WriteTimeout:          10 * time.Second,
		MaxEventAge:           60 * time.Second,
		Now:                   time.Now,
	}
}

func DefaultBinanceConfig() Config {
	cfg := defaultConfig()
	cfg.PublicURL = "wss://fstream.binance.com/ws"
	cfg.PrivateURL = "wss://fstream.binance.com/ws"
	return cfg
}

func DefaultBybitConfig() Config {
	cfg := defaultConfig()
	cfg.PublicURL = "wss://stream.bybit.com/v5/public/linear"
	cfg.PrivateURL = "wss://stream.bybit.com/v5/private"
	return cfg
}

// Credentials for the authenticated stream. Binance needs a ListenKey
// obtained over REST; Bybit signs an auth frame with the key pair.
type Credentials struct {
	APIKey    string
	APISecret string
	ListenKey string
}

// Listener receives normalized events from one exchange client. Nil fields
// are skipped.
type Listener struct {
	OnFunding     func(models.FundingSnapshot)
	OnMarkPrice   func(models.MarkUpdate)
	OnPosition    func(models.PositionUpdate)
	OnOrderUpdate func(models.OrderUpdate)
	OnError       func(error)
	OnClose       func()
}

type ExchangeClient interface {
	Exchange() models.ExchangeID
	SetListener(l Listener)
	Connect()
	ConnectPrivate(creds Credentials) error
	Subscribe(symbol string)
	Unsubscribe(symbol string)
	Disconnect()
	IsConnected() bool
	IsPrivateConnected() bool
}

// baseClient holds what every exchange client shares: the listener, the
// tracked subscription set and both sockets.
type baseClient struct {
	exchange models.ExchangeID
	cfg      Config
	logger   *logrus.Logger

	mu       sync.RWMutex
	listener Listener
	subs     map[string]struct{}

	public  *socket
	private *socket
}

func newBaseClient(exchange models.ExchangeID, cfg Config, logger *logrus.Logger) baseClient {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}
	return baseClient{
		exchange: exchange,
		cfg:      cfg,
		logger:   logger,
		subs:     make(map[string]struct{}),
	}
}

func (c *baseClient) Exchange() models.ExchangeID {
	return c.exchange
}

func (c *baseClient) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *baseClient) IsConnected() bool {
	return c.public.IsOpen()
}

func (c *baseClient) IsPrivateConnected() bool {
	return c.private.IsOpen()
}

// track adds symbol to the subscription set and reports whether it was new.
func (c *baseClient) track(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[symbol]; ok {
		return false
	}
	c.subs[symbol] = struct{}{}
	return true
}

func (c *baseClient) untrack(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[symbol]; !ok {
		return false
	}
	delete(c.subs, symbol)
	return true
}

func (c *baseClient) tracked() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *baseClient) getListener() Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listener
}

func (c *baseClient) emitFunding(s models.FundingSnapshot) {
	metrics.StreamMessages.WithLabelValues(string(c.exchange), "funding").Inc()
	if fn := c.getListener().OnFunding; fn != nil {
		fn(s)
	}
}

func (c *baseClient) emitMark(u models.MarkUpdate) {
	metrics.StreamMessages.WithLabelValues(string(c.exchange), "mark").Inc()
	if fn := c.getListener().OnMarkPrice; fn != nil {
		fn(u)
	}
}

func (c *baseClient) emitPosition(u models.PositionUpdate) {
	metrics.StreamMessages.WithLabelValues(string(c.exchange), "position").Inc()
	if fn := c.getListener().OnPosition; fn != nil {
		fn(u)
	}
}

func (c *baseClient) emitOrder(u models.OrderUpdate) {
	metrics.StreamMessages.WithLabelValues(string(c.exchange), "order").Inc()
	if fn := c.getListener().OnOrderUpdate; fn != nil {
		fn(u)
	}
}

func (c *baseClient) emitError(err error) {
	if fn := c.getListener().OnError; fn != nil {
		fn(err)
	}
}

func (c *baseClient) emitClose() {
	if fn := c.getListener().OnClose; fn != nil {
		fn()
	}
}

func (c *baseClient) drop(reason string) {
	metrics.StreamDrops.WithLabelValues(string(c.exchange), reason).Inc()
}

// fresh reports whether ts is inside the max-age window.
func (c *baseClient) fresh(ts time.Time) bool {
	if ts.IsZero() || ts.Unix() <= 0 {
		return false
	}
	return c.cfg.Now().Sub(ts) < c.cfg.MaxEventAge
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var out [][]string
	for len(items) > 0 {
		n := size
		if len(items) < n {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
