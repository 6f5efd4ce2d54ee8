package models

import (
	"time"
)

type ExchangeID string

const (
	ExchangeBinance ExchangeID = "binance"
	ExchangeBybit   ExchangeID = "bybit"
)

func (e ExchangeID) String() string { return string(e) }

// FundingSnapshot is one exchange's funding state for a symbol at a tick.
type FundingSnapshot struct {
	Exchange        ExchangeID `json:"exchange"`
	Symbol          string     `json:"symbol"`
	FundingRate     float64    `json:"fundingRate"`
	NextFundingTime time.Time  `json:"nextFundingTime"`
	MarkPrice       float64    `json:"markPrice"`
	IndexPrice      *float64   `json:"indexPrice,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

type MarkUpdate struct {
	Exchange   ExchangeID `json:"exchange"`
	Symbol     string     `json:"symbol"`
	MarkPrice  float64    `json:"markPrice"`
	IndexPrice *float64   `json:"indexPrice,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// PositionUpdate is an authenticated-stream position delta.
type PositionUpdate struct {
	Exchange      ExchangeID   `json:"exchange"`
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entryPrice"`
	MarkPrice     float64      `json:"markPrice"`
	UnrealizedPnl float64      `json:"unrealizedPnl"`
	Timestamp     time.Time    `json:"timestamp"`
}

// CacheEntry is the latest known funding and mark state for one
// (exchange, symbol).
type CacheEntry struct {
	Exchange        ExchangeID `json:"exchange"`
	Symbol          string     `json:"symbol"`
	FundingRate     float64    `json:"fundingRate"`
	NextFundingTime time.Time  `json:"nextFundingTime"`
	MarkPrice       float64    `json:"markPrice"`
	IndexPrice      *float64   `json:"indexPrice,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// WalletBalance carries the total wallet equity of an account. Only
// ActualBalance is used for sizing.
type WalletBalance struct {
	Exchange         ExchangeID `json:"exchange"`
	ActualBalance    float64    `json:"actualBalance"`
	AvailableBalance float64    `json:"availableBalance"`
	UsedMargin       float64    `json:"usedMargin"`
	Currency         string     `json:"currency"`
	Timestamp        time.Time  `json:"timestamp"`
}

type CapitalConfig struct {
	MaxTrades         int     `json:"maxTrades"`
	CapitalPercentage float64 `json:"capitalPercentage"`
}
