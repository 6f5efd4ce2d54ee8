package trader

import (
	"testing"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestAllocationFromBalances(t *testing.T) {
	c := NewCapitalAllocator(models.CapitalConfig{MaxTrades: 3, CapitalPercentage: 10})

	assert.InDelta(t, 300.0, c.Allocation(5000, 3000, 10), 1e-9)

	c.UpdateBalance(models.WalletBalance{Exchange: models.ExchangeBinance, ActualBalance: 5000, AvailableBalance: 100})
	c.UpdateBalance(models.WalletBalance{Exchange: models.ExchangeBybit, ActualBalance: 3000, UsedMargin: 2500})

	assert.InDelta(t, 3000.0, c.BaseCapital(), 1e-9)
	assert.InDelta(t, 300.0, c.AllocationFromTracked(), 1e-9)
}

// Committed capital is not subtracted: the allocation stays the same no
// matter how many trades are already open.
func TestAllocationIgnoresOpenTrades(t *testing.T) {
	c := NewCapitalAllocator(models.CapitalConfig{MaxTrades: 5, CapitalPercentage: 10})
	c.UpdateBalance(models.WalletBalance{Exchange: models.ExchangeBinance, ActualBalance: 5000})
	c.UpdateBalance(models.WalletBalance{Exchange: models.ExchangeBybit, ActualBalance: 3000})

	engine := NewEngine(EngineConfig{DefaultSizeBase: 1}, c, nil, quietLogger())
	armEngine(engine)
	for i := 0; i < 4; i++ {
		engine.OnOpportunity(models.Opportunity{LongSymbol: "BTCUSDT", ShortSymbol: "BTCUSDT"})
		assert.InDelta(t, 300.0, c.AllocationFromTracked(), 1e-9, "after %d entries", i+1)
	}
	assert.Equal(t, 4, engine.OpenCount())
}

func TestBaseCapitalMissingExchangeIsZero(t *testing.T) {
	c := NewCapitalAllocator(models.CapitalConfig{CapitalPercentage: 10})
	c.UpdateBalance(models.WalletBalance{Exchange: models.ExchangeBinance, ActualBalance: 5000})

	assert.Equal(t, 0.0, c.BaseCapital())
	assert.Equal(t, 0.0, c.AllocationFromTracked())
	assert.Equal(t, 5000.0, c.Balance(models.ExchangeBinance))
}

func TestCapitalSetConfig(t *testing.T) {
	c := NewCapitalAllocator(models.CapitalConfig{CapitalPercentage: 10})
	c.UpdateBalance(models.WalletBalance{Exchange: models.ExchangeBinance, ActualBalance: 1000})
	c.UpdateBalance(models.WalletBalance{Exchange: models.ExchangeBybit, ActualBalance: 2000})

	c.SetConfig(models.CapitalConfig{MaxTrades: 2, CapitalPercentage: 25})
	assert.InDelta(t, 250.0, c.AllocationFromTracked(), 1e-9)
	assert.Equal(t, 2, c.Config().MaxTrades)
}
