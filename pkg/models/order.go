package models

import (
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

type OrderRequest struct {
	Exchange      ExchangeID   `json:"exchange"`
	Symbol        string       `json:"symbol"`
	Side          OrderSide    `json:"side"`
	PositionSide  PositionSide `json:"positionSide"`
	SizeBase      float64      `json:"sizeBase"`
	Type          OrderType    `json:"orderType"`
	LimitPrice    float64      `json:"limitPrice,omitempty"`
	ReduceOnly    bool         `json:"reduceOnly"`
	ClientOrderID string       `json:"clientOrderId"`
	RequestedAt   time.Time    `json:"requestedAt"`
}

type OrderUpdate struct {
	Exchange      ExchangeID  `json:"exchange"`
	OrderID       string      `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Status        OrderStatus `json:"status"`
	FilledQty     float64     `json:"filledQty"`
	AvgPrice      float64     `json:"avgPrice"`
	Timestamp     time.Time   `json:"timestamp"`
}

type EntrySide string

const (
	// EntryLongShort is long on the opportunity's long leg and short on its
	// short leg.
	EntryLongShort EntrySide = "long_short"
	EntryShortLong EntrySide = "short_long"
)

type EntryDecision struct {
	Opportunity    Opportunity `json:"opportunity"`
	Side           EntrySide   `json:"side"`
	SizeBase       float64     `json:"sizeBase"`
	NotionalUSD    float64     `json:"notionalUsd,omitempty"`
	MaxSlippageBps float64     `json:"maxSlippageBps"`
	RequestedAt    time.Time   `json:"requestedAt"`
}

// OpenPosition is a live two-leg synthetic position.
type OpenPosition struct {
	PositionID      string     `json:"positionId"`
	LongExchange    ExchangeID `json:"longExchange"`
	ShortExchange   ExchangeID `json:"shortExchange"`
	LongSymbol      string     `json:"longSymbol"`
	ShortSymbol     string     `json:"shortSymbol"`
	LongSize        float64    `json:"longSize"`
	ShortSize       float64    `json:"shortSize"`
	LongEntryPrice  float64    `json:"longEntryPrice"`
	ShortEntryPrice float64    `json:"shortEntryPrice"`
	LongMarkPrice   float64    `json:"longMarkPrice"`
	ShortMarkPrice  float64    `json:"shortMarkPrice"`
	OpenedAt        time.Time  `json:"openedAt"`
}

// Notional is the total entry notional of both legs.
func (p OpenPosition) Notional() float64 {
	return p.LongEntryPrice*p.LongSize + p.ShortEntryPrice*p.ShortSize
}

type ExitReason string

const (
	ExitPnlTarget   ExitReason = "pnl_target"
	ExitPnlStop     ExitReason = "pnl_stop"
	ExitFundingFlip ExitReason = "funding_flip"
	ExitTimeout     ExitReason = "timeout"
	ExitManual      ExitReason = "manual"
)

type ExitSignal struct {
	PositionID string     `json:"positionId"`
	Reason     ExitReason `json:"reason"`
	Pnl        float64    `json:"pnl"`
	Timestamp  time.Time  `json:"timestamp"`
}

// SafetyState is the composite gate for automated entries.
type SafetyState struct {
	ConnectionOk     bool `json:"connectionOk"`
	BalancesOk       bool `json:"balancesOk"`
	HedgeConfirmed   bool `json:"hedgeConfirmed"`
	AutoTradeEnabled bool `json:"autoTradeEnabled"`
}

// CanAutoTrade is true only when every field is true.
func (s SafetyState) CanAutoTrade() bool {
	return s.ConnectionOk && s.BalancesOk && s.HedgeConfirmed && s.AutoTradeEnabled
}

// CredentialResult is the outcome of validating one exchange's API keys.
type CredentialResult struct {
	Exchange  ExchangeID `json:"exchange"`
	OK        bool       `json:"ok"`
	Error     string     `json:"error,omitempty"`
	Warning   string     `json:"warning,omitempty"`
	HedgeMode *bool      `json:"hedgeMode"`
}

// HedgeConfirmed is true only when the account was positively confirmed to
// be in hedge mode.
func (r CredentialResult) HedgeConfirmed() bool {
	return r.OK && r.HedgeMode != nil && *r.HedgeMode
}
