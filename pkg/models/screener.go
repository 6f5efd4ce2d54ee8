package models

import (
	"time"
)

type PeriodLabel string

const (
	PeriodActive PeriodLabel = "Active"
	PeriodNext   PeriodLabel = "Next"
)

// ScreenerRow is the published cross-exchange comparison for a symbol.
type ScreenerRow struct {
	Symbol          string      `json:"symbol"`
	ExchangeA       ExchangeID  `json:"exchangeA"`
	ExchangeB       ExchangeID  `json:"exchangeB"`
	RateA           float64     `json:"rateA"`
	RateB           float64     `json:"rateB"`
	GrossSpreadBps  float64     `json:"grossSpreadBps"`
	NetSpreadBps    float64     `json:"netSpreadBps"`
	PeriodLabel     PeriodLabel `json:"periodLabel"`
	IntervalHours   int         `json:"intervalHours"`
	NextFundingTime time.Time   `json:"nextFundingTime"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Opportunity is a qualifying spread event. The long leg is on the
// lower-rate venue, the short leg on the higher-rate venue.
type Opportunity struct {
	LongSymbol       string     `json:"longSymbol"`
	ShortSymbol      string     `json:"shortSymbol"`
	LongExchange     ExchangeID `json:"longExchange"`
	ShortExchange    ExchangeID `json:"shortExchange"`
	SpreadBps        float64    `json:"spreadBps"`
	LongFundingRate  float64    `json:"longFundingRate"`
	ShortFundingRate float64    `json:"shortFundingRate"`
	LongMarkPrice    float64    `json:"longMarkPrice"`
	ShortMarkPrice   float64    `json:"shortMarkPrice"`
	DetectedAt       time.Time  `json:"detectedAt"`
}
