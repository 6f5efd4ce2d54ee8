package screener

import (
	"io"
	"testing"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestScreener(t *testing.T, minSpread float64) (*Screener, *[]models.Opportunity) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MinSpreadBps = minSpread
	cfg.Now = func() time.Time { return testNow }
	s := New(cfg, NewRowStore(time.Second, quietLogger()), quietLogger())

	var opps []models.Opportunity
	s.AddOpportunityListener(func(o models.Opportunity) { opps = append(opps, o) })
	return s, &opps
}

func funding(ex models.ExchangeID, symbol string, rate, mark float64) models.FundingSnapshot {
	return models.FundingSnapshot{
		Exchange:        ex,
		Symbol:          symbol,
		FundingRate:     rate,
		MarkPrice:       mark,
		NextFundingTime: testNow.Add(3 * time.Hour),
		Timestamp:       testNow,
	}
}

func TestSpreadComputation(t *testing.T) {
	s, _ := newTestScreener(t, 0)

	s.OnFunding(funding(models.ExchangeBinance, "BTCUSDT", 0.0001, 50000))
	s.OnFunding(funding(models.ExchangeBybit, "BTCUSDT", -0.0002, 50010))

	row, ok := s.Store().Get("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 3.0, row.GrossSpreadBps, 1e-9)
	assert.InDelta(t, -5.0, row.NetSpreadBps, 1e-9)
	assert.Equal(t, models.ExchangeBinance, row.ExchangeA)
	assert.Equal(t, models.ExchangeBybit, row.ExchangeB)
	assert.Equal(t, models.PeriodActive, row.PeriodLabel)
	assert.Equal(t, testNow, row.UpdatedAt)
}

func TestLegAssignmentPositiveGross(t *testing.T) {
	s, opps := newTestScreener(t, 0)

	s.OnFunding(funding(models.ExchangeBinance, "BTCUSDT", 0.0001, 50000))
	s.OnFunding(funding(models.ExchangeBybit, "BTCUSDT", -0.0002, 50010))

	require.Len(t, *opps, 1)
	o := (*opps)[0]
	assert.Equal(t, models.ExchangeBybit, o.LongExchange)
	assert.Equal(t, models.ExchangeBinance, o.ShortExchange)
	assert.InDelta(t, 3.0, o.SpreadBps, 1e-9)
	assert.InDelta(t, -0.0002, o.LongFundingRate, 1e-12)
	assert.InDelta(t, 0.0001, o.ShortFundingRate, 1e-12)
	assert.InDelta(t, 50010, o.LongMarkPrice, 1e-9)
	assert.InDelta(t, 50000, o.ShortMarkPrice, 1e-9)
	assert.Equal(t, "BTCUSDT", o.LongSymbol)
	assert.Equal(t, "BTCUSDT", o.ShortSymbol)
}

func TestLegAssignmentNegativeGross(t *testing.T) {
	s, opps := newTestScreener(t, 0)

	s.OnFunding(funding(models.ExchangeBinance, "ETHUSDT", -0.0003, 3000))
	s.OnFunding(funding(models.ExchangeBybit, "ETHUSDT", 0.0001, 3001))

	require.Len(t, *opps, 1)
	o := (*opps)[0]
	assert.Equal(t, models.ExchangeBinance, o.LongExchange)
	assert.Equal(t, models.ExchangeBybit, o.ShortExchange)
	assert.InDelta(t, 4.0, o.SpreadBps, 1e-9)
}

func TestRowRequiresBothSides(t *testing.T) {
	s, opps := newTestScreener(t, 0)

	s.OnFunding(funding(models.ExchangeBinance, "SOLUSDT", 0.0001, 100))
	s.OnFunding(funding(models.ExchangeBinance, "SOLUSDT", 0.0002, 101))
	assert.Equal(t, 0, s.Store().Len())
	assert.Empty(t, *opps)

	s.OnFunding(funding(models.ExchangeBybit, "SOLUSDT", 0.0001, 100))
	row, ok := s.Store().Get("SOLUSDT")
	require.True(t, ok)
	assert.InDelta(t, 1.0, row.GrossSpreadBps, 1e-9)

	// Either side updates the row.
	s.OnFunding(funding(models.ExchangeBybit, "SOLUSDT", -0.0001, 100))
	row, _ = s.Store().Get("SOLUSDT")
	assert.InDelta(t, 3.0, row.GrossSpreadBps, 1e-9)

	s.OnFunding(funding(models.ExchangeBinance, "SOLUSDT", 0.0004, 100))
	row, _ = s.Store().Get("SOLUSDT")
	assert.InDelta(t, 5.0, row.GrossSpreadBps, 1e-9)
}

func TestMinSpreadFiltersOpportunitiesNotRows(t *testing.T) {
	s, opps := newTestScreener(t, 5)

	s.OnFunding(funding(models.ExchangeBinance, "BTCUSDT", 0.0001, 50000))
	s.OnFunding(funding(models.ExchangeBybit, "BTCUSDT", -0.0002, 50010))

	assert.Empty(t, *opps)
	assert.Equal(t, 1, s.Store().Len())

	s.OnFunding(funding(models.ExchangeBybit, "BTCUSDT", -0.0005, 50010))
	require.Len(t, *opps, 1)
	assert.InDelta(t, 6.0, (*opps)[0].SpreadBps, 1e-9)
}

func TestMarkPriceMergesIntoExistingEntry(t *testing.T) {
	s, opps := newTestScreener(t, 0)

	idx := 49000.0
	s.OnMarkPrice(models.MarkUpdate{Exchange: models.ExchangeBinance, Symbol: "BTCUSDT", MarkPrice: 1, Timestamp: testNow})
	_, ok := s.Latest(models.ExchangeBinance, "BTCUSDT")
	assert.False(t, ok)

	s.OnFunding(funding(models.ExchangeBinance, "BTCUSDT", 0.0001, 50000))
	s.OnFunding(funding(models.ExchangeBybit, "BTCUSDT", -0.0002, 50010))
	s.OnMarkPrice(models.MarkUpdate{Exchange: models.ExchangeBinance, Symbol: "BTCUSDT", MarkPrice: 50100, IndexPrice: &idx, Timestamp: testNow})

	e, ok := s.Latest(models.ExchangeBinance, "BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 50100, e.MarkPrice, 1e-9)
	assert.InDelta(t, 0.0001, e.FundingRate, 1e-12)
	require.NotNil(t, e.IndexPrice)
	assert.InDelta(t, 49000, *e.IndexPrice, 1e-9)

	require.Len(t, *opps, 2)
	assert.InDelta(t, 50100, (*opps)[1].ShortMarkPrice, 1e-9)
}

func TestSymbolFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	s := New(cfg, nil, quietLogger())

	s.OnFunding(funding(models.ExchangeBinance, "DOGEUSDT", 0.0001, 1))
	s.OnFunding(funding(models.ExchangeBybit, "DOGEUSDT", 0.0001, 1))
	assert.Equal(t, 0, s.Store().Len())
	_, ok := s.Latest(models.ExchangeBinance, "DOGEUSDT")
	assert.False(t, ok)
}

func TestNextFundingFallback(t *testing.T) {
	s, _ := newTestScreener(t, 0)

	a := funding(models.ExchangeBinance, "XRPUSDT", 0.0001, 1)
	b := funding(models.ExchangeBybit, "XRPUSDT", 0.0001, 1)
	a.NextFundingTime = time.Time{}
	b.NextFundingTime = time.Time{}
	s.OnFunding(a)
	s.OnFunding(b)

	row, ok := s.Store().Get("XRPUSDT")
	require.True(t, ok)
	assert.Equal(t, testNow.Add(8*time.Hour), row.NextFundingTime)
	assert.Equal(t, models.PeriodActive, row.PeriodLabel)
}

func TestNextFundingUsesLaterLeg(t *testing.T) {
	later := testNow.Add(5 * time.Hour)
	assert.Equal(t, later, nextFunding(testNow.Add(time.Hour), later, testNow))
	assert.Equal(t, later, nextFunding(later, time.Time{}, testNow))
}

func TestDetectIntervalHours(t *testing.T) {
	cases := []struct {
		delta time.Duration
		want  int
	}{
		{-time.Minute, 8},
		{0, 8},
		{30 * time.Minute, 4},
		{3 * time.Hour, 4},
		{4 * time.Hour, 4},
		{5*time.Hour + 30*time.Minute, 4},
		{6*time.Hour + 30*time.Minute, 8},
		{7 * time.Hour, 8},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, detectIntervalHours(testNow.Add(tc.delta), testNow), "delta %s", tc.delta)
	}
}

func TestPeriodLabel(t *testing.T) {
	assert.Equal(t, models.PeriodActive, periodLabel(testNow.Add(time.Second), testNow))
	assert.Equal(t, models.PeriodNext, periodLabel(testNow, testNow))
	assert.Equal(t, models.PeriodNext, periodLabel(testNow.Add(-time.Hour), testNow))
}

func TestTopOpportunities(t *testing.T) {
	s, _ := newTestScreener(t, 0)
	for _, r := range []models.ScreenerRow{
		{Symbol: "A", NetSpreadBps: -20},
		{Symbol: "B", NetSpreadBps: 4},
		{Symbol: "C", NetSpreadBps: 12},
		{Symbol: "D", NetSpreadBps: 1},
	} {
		s.Store().Set(r)
	}

	all := s.TopOpportunities(20, nil)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"C", "B", "D", "A"}, symbols(all))

	floor := 10.0
	filtered := s.TopOpportunities(20, &floor)
	assert.Equal(t, []string{"C", "A"}, symbols(filtered))

	assert.Equal(t, []string{"C", "B"}, symbols(s.TopOpportunities(2, nil)))
	assert.Empty(t, s.TopOpportunities(0, nil))
}

func symbols(rows []models.ScreenerRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Symbol
	}
	return out
}
