package trader

import (
	"math"
	"sync"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
)

// CapitalAllocator sizes trades from the total wallet balance of each
// exchange. Capital already committed to open trades is not subtracted: every
// concurrent trade up to MaxTrades gets the same allocation.
type CapitalAllocator struct {
	mu        sync.RWMutex
	cfg       models.CapitalConfig
	exchanges []models.ExchangeID
	balances  map[models.ExchangeID]float64
}

// NewCapitalAllocator tracks the given exchanges, binance and bybit when none
// are given.
func NewCapitalAllocator(cfg models.CapitalConfig, exchanges ...models.ExchangeID) *CapitalAllocator {
	if len(exchanges) == 0 {
		exchanges = []models.ExchangeID{models.ExchangeBinance, models.ExchangeBybit}
	}
	return &CapitalAllocator{
		cfg:       cfg,
		exchanges: exchanges,
		balances:  make(map[models.ExchangeID]float64, len(exchanges)),
	}
}

// UpdateBalance records b.ActualBalance. Available balance and used margin are
// ignored.
func (c *CapitalAllocator) UpdateBalance(b models.WalletBalance) {
	c.mu.Lock()
	c.balances[b.Exchange] = b.ActualBalance
	c.mu.Unlock()
}

func (c *CapitalAllocator) Balance(exchange models.ExchangeID) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances[exchange]
}

// BaseCapital is the smallest tracked balance. An exchange with no balance
// yet counts as zero.
func (c *CapitalAllocator) BaseCapital() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	base := math.Inf(1)
	for _, ex := range c.exchanges {
		base = math.Min(base, c.balances[ex])
	}
	if math.IsInf(base, 1) {
		return 0
	}
	return base
}

// Allocation is the per-leg dollar amount: min(balA, balB) * pct / 100.
func (c *CapitalAllocator) Allocation(balA, balB, pct float64) float64 {
	return math.Min(balA, balB) * (pct / 100)
}

func (c *CapitalAllocator) AllocationFromTracked() float64 {
	c.mu.RLock()
	pct := c.cfg.CapitalPercentage
	c.mu.RUnlock()
	return c.BaseCapital() * (pct / 100)
}

func (c *CapitalAllocator) Config() models.CapitalConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *CapitalAllocator) SetConfig(cfg models.CapitalConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}
