package screener

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/metrics"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/sirupsen/logrus"
)

// DefaultFeeBps is the estimated round-trip fee for both legs.
const DefaultFeeBps = 8.0

// Pair is an ordered exchange pair. Spreads are rate(A) - rate(B).
type Pair struct {
	A models.ExchangeID
	B models.ExchangeID
}

type Config struct {
	// Symbols restricts the screened universe. Empty means every symbol.
	Symbols      []string
	Pairs        []Pair
	MinSpreadBps float64
	FeeBps       float64
	Now          func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Pairs:  []Pair{{A: models.ExchangeBinance, B: models.ExchangeBybit}},
		FeeBps: DefaultFeeBps,
		Now:    time.Now,
	}
}

type cacheKey struct {
	exchange models.ExchangeID
	symbol   string
}

// Screener keeps the freshest funding and mark per (exchange, symbol),
// publishes a row per symbol once both sides of a pair are known and emits
// opportunities above the minimum spread.
type Screener struct {
	cfg     Config
	store   *RowStore
	logger  *logrus.Logger
	symbols map[string]struct{}

	mu    sync.RWMutex
	cache map[cacheKey]models.CacheEntry

	listenersMu sync.RWMutex
	listeners   []func(models.Opportunity)
}

func New(cfg Config, store *RowStore, logger *logrus.Logger) *Screener {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = DefaultConfig().Pairs
	}
	if store == nil {
		store = NewRowStore(0, logger)
	}
	if logger == nil {
		logger = logrus.New()
	}

	var symbols map[string]struct{}
	if len(cfg.Symbols) > 0 {
		symbols = make(map[string]struct{}, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			symbols[s] = struct{}{}
		}
	}

	return &Screener{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		symbols: symbols,
		cache:   make(map[cacheKey]models.CacheEntry),
	}
}

// AddOpportunityListener registers fn for every qualifying opportunity. fn
// runs on the caller's goroutine.
func (s *Screener) AddOpportunityListener(fn func(models.Opportunity)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *Screener) Store() *RowStore {
	return s.store
}

func (s *Screener) screened(symbol string) bool {
	if s.symbols == nil {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

func (s *Screener) OnFunding(snap models.FundingSnapshot) {
	if !s.screened(snap.Symbol) {
		return
	}
	entry := models.CacheEntry{
		Exchange:        snap.Exchange,
		Symbol:          snap.Symbol,
		FundingRate:     snap.FundingRate,
		NextFundingTime: snap.NextFundingTime,
		MarkPrice:       snap.MarkPrice,
		IndexPrice:      snap.IndexPrice,
		Timestamp:       snap.Timestamp,
	}

	s.mu.Lock()
	s.cache[cacheKey{snap.Exchange, snap.Symbol}] = entry
	s.mu.Unlock()

	s.evaluate(snap.Symbol)
}

// OnMarkPrice merges a mark tick into an existing entry. A mark for a symbol
// with no funding data yet is ignored.
func (s *Screener) OnMarkPrice(u models.MarkUpdate) {
	if !s.screened(u.Symbol) {
		return
	}
	key := cacheKey{u.Exchange, u.Symbol}

	s.mu.Lock()
	entry, ok := s.cache[key]
	if ok {
		entry.MarkPrice = u.MarkPrice
		if u.IndexPrice != nil {
			entry.IndexPrice = u.IndexPrice
		}
		entry.Timestamp = u.Timestamp
		s.cache[key] = entry
	}
	s.mu.Unlock()

	if ok {
		s.evaluate(u.Symbol)
	}
}

func (s *Screener) Latest(exchange models.ExchangeID, symbol string) (models.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[cacheKey{exchange, symbol}]
	return e, ok
}

func (s *Screener) evaluate(symbol string) {
	now := s.cfg.Now()

	for _, pair := range s.cfg.Pairs {
		s.mu.RLock()
		a, okA := s.cache[cacheKey{pair.A, symbol}]
		b, okB := s.cache[cacheKey{pair.B, symbol}]
		s.mu.RUnlock()
		if !okA || !okB {
			continue
		}

		gross := (a.FundingRate - b.FundingRate) * 10000
		next := nextFunding(a.NextFundingTime, b.NextFundingTime, now)

		s.store.Set(models.ScreenerRow{
			Symbol:          symbol,
			ExchangeA:       pair.A,
			ExchangeB:       pair.B,
			RateA:           a.FundingRate,
			RateB:           b.FundingRate,
			GrossSpreadBps:  gross,
			NetSpreadBps:    gross - s.cfg.FeeBps,
			PeriodLabel:     periodLabel(next, now),
			IntervalHours:   detectIntervalHours(next, now),
			NextFundingTime: next,
			UpdatedAt:       now,
		})

		if math.Abs(gross) < s.cfg.MinSpreadBps {
			continue
		}
		s.emit(buildOpportunity(symbol, a, b, gross, now))
	}
}

// buildOpportunity puts the long leg on B when A pays more (gross > 0) and on
// A otherwise.
func buildOpportunity(symbol string, a, b models.CacheEntry, gross float64, now time.Time) models.Opportunity {
	long, short := a, b
	if gross > 0 {
		long, short = b, a
	}
	return models.Opportunity{
		LongSymbol:       symbol,
		ShortSymbol:      symbol,
		LongExchange:     long.Exchange,
		ShortExchange:    short.Exchange,
		SpreadBps:        math.Abs(gross),
		LongFundingRate:  long.FundingRate,
		ShortFundingRate: short.FundingRate,
		LongMarkPrice:    long.MarkPrice,
		ShortMarkPrice:   short.MarkPrice,
		DetectedAt:       now,
	}
}

func (s *Screener) emit(opp models.Opportunity) {
	metrics.Opportunities.WithLabelValues(opp.LongSymbol).Inc()

	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(opp)
	}
}

// TopOpportunities returns published rows ranked by net spread, keeping only
// |net| >= *minSpreadBps when a filter is given.
func (s *Screener) TopOpportunities(limit int, minSpreadBps *float64) []models.ScreenerRow {
	return Truncate(Rank(s.store.Rows(), minSpreadBps), limit)
}

// Rank filters rows by |net| >= *minSpreadBps (when set and finite) and sorts
// them by net spread descending. rows is not modified.
func Rank(rows []models.ScreenerRow, minSpreadBps *float64) []models.ScreenerRow {
	out := make([]models.ScreenerRow, 0, len(rows))
	filter := minSpreadBps != nil && !math.IsNaN(*minSpreadBps) && !math.IsInf(*minSpreadBps, 0)
	for _, r := range rows {
		if filter && math.Abs(r.NetSpreadBps) < *minSpreadBps {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NetSpreadBps > out[j].NetSpreadBps
	})
	return out
}

func Truncate(rows []models.ScreenerRow, limit int) []models.ScreenerRow {
	if limit >= 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
