package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	bybitMaxArgsPerFrame = 10
	bybitAuthWindow      = 10 * time.Second
)

var bybitPrivateTopics = []string{"position", "order"}

// BybitClient streams v5 linear tickers and, once authenticated, position and
// order updates.
type BybitClient struct {
	baseClient

	stateMu sync.Mutex
	tickers map[string]bybitTickerState
	creds   Credentials
}

var _ ExchangeClient = (*BybitClient)(nil)

// bybitTickerState is the last known merged ticker for a symbol. Deltas only
// carry the fields that changed.
type bybitTickerState struct {
	MarkPrice       flexFloat
	IndexPrice      flexFloat
	FundingRate     flexFloat
	NextFundingTime flexInt
}

type bybitOpFrame struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args,omitempty"`
}

type bybitEnvelope struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
}

type bybitTickerFrame struct {
	Topic string  `json:"topic"`
	Type  string  `json:"type"`
	TS    flexInt `json:"ts"`
	Data  struct {
		Symbol          string    `json:"symbol"`
		MarkPrice       flexFloat `json:"markPrice"`
		IndexPrice      flexFloat `json:"indexPrice"`
		FundingRate     flexFloat `json:"fundingRate"`
		NextFundingTime flexInt   `json:"nextFundingTime"`
	} `json:"data"`
}

type bybitPositionFrame struct {
	Topic        string  `json:"topic"`
	CreationTime flexInt `json:"creationTime"`
	Data         []struct {
		Symbol        string    `json:"symbol"`
		Side          string    `json:"side"`
		Size          flexFloat `json:"size"`
		EntryPrice    flexFloat `json:"entryPrice"`
		MarkPrice     flexFloat `json:"markPrice"`
		UnrealisedPnl flexFloat `json:"unrealisedPnl"`
		UpdatedTime   flexInt   `json:"updatedTime"`
	} `json:"data"`
}

type bybitOrderFrame struct {
	Topic        string  `json:"topic"`
	CreationTime flexInt `json:"creationTime"`
	Data         []struct {
		Symbol      string    `json:"symbol"`
		OrderID     string    `json:"orderId"`
		OrderLinkID string    `json:"orderLinkId"`
		Side        string    `json:"side"`
		OrderStatus string    `json:"orderStatus"`
		CumExecQty  flexFloat `json:"cumExecQty"`
		AvgPrice    flexFloat `json:"avgPrice"`
		UpdatedTime flexInt   `json:"updatedTime"`
	} `json:"data"`
}

func NewBybitClient(cfg Config, logger *logrus.Logger) *BybitClient {
	c := &BybitClient{
		baseClient: newBaseClient(models.ExchangeBybit, cfg, logger),
		tickers:    make(map[string]bybitTickerState),
	}

	c.public = newSocket(string(c.exchange), "public", c.cfg, socketHooks{
		onOpen:    c.onPublicOpen,
		onMessage: c.handlePublicMessage,
		ping:      func(conn *websocket.Conn) error { return c.public.writeJSON(conn, bybitOpFrame{Op: "ping"}) },
		onError:   c.emitError,
		onClose:   c.emitClose,
	}, c.logger)

	c.private = newSocket(string(c.exchange), "private", c.cfg, socketHooks{
		onOpen:    c.onPrivateOpen,
		onMessage: c.handlePrivateMessage,
		ping:      func(conn *websocket.Conn) error { return c.private.writeJSON(conn, bybitOpFrame{Op: "ping"}) },
		onError:   c.emitError,
	}, c.logger)

	return c
}

func (c *BybitClient) Connect() {
	c.public.open(c.cfg.PublicURL)
}

// ConnectPrivate opens the private socket. Every (re)open sends a fresh auth
// frame and subscribes to the private topics once auth succeeds.
func (c *BybitClient) ConnectPrivate(creds Credentials) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return errors.New("bybit: api key and secret required for private stream")
	}
	c.stateMu.Lock()
	c.creds = creds
	c.stateMu.Unlock()

	c.private.open(c.cfg.PrivateURL)
	return nil
}

func (c *BybitClient) Subscribe(symbol string) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" || !c.track(symbol) {
		return
	}
	c.sendOp(c.public, "subscribe", []string{bybitTopic(symbol)})
}

func (c *BybitClient) Unsubscribe(symbol string) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" || !c.untrack(symbol) {
		return
	}
	c.stateMu.Lock()
	delete(c.tickers, symbol)
	c.stateMu.Unlock()
	c.sendOp(c.public, "unsubscribe", []string{bybitTopic(symbol)})
}

func (c *BybitClient) Disconnect() {
	c.public.close()
	c.private.close()
}

func (c *BybitClient) sendOp(s *socket, op string, args []string) {
	if !s.IsOpen() {
		return
	}
	if err := s.send(bybitOpFrame{Op: op, Args: toArgs(args)}); err != nil && !errors.Is(err, errNotConnected) {
		c.emitError(err)
	}
}

func (c *BybitClient) onPublicOpen(conn *websocket.Conn) {
	symbols := c.tracked()
	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, bybitTopic(s))
	}
	for _, batch := range chunk(topics, bybitMaxArgsPerFrame) {
		if err := c.public.writeJSON(conn, bybitOpFrame{Op: "subscribe", Args: toArgs(batch)}); err != nil {
			c.emitError(err)
			return
		}
	}
}

func (c *BybitClient) onPrivateOpen(conn *websocket.Conn) {
	c.stateMu.Lock()
	creds := c.creds
	c.stateMu.Unlock()

	expires := c.cfg.Now().Add(bybitAuthWindow).UnixMilli()
	frame := bybitOpFrame{
		Op:   "auth",
		Args: []interface{}{creds.APIKey, expires, bybitAuthSignature(creds.APISecret, expires)},
	}
	if err := c.private.writeJSON(conn, frame); err != nil {
		c.emitError(err)
	}
}

// bybitAuthSignature is hex(hmac_sha256(secret, "GET/realtime" + expires)).
func bybitAuthSignature(secret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BybitClient) handlePublicMessage(data []byte) {
	var env bybitEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.drop(dropMalformed)
		return
	}
	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			c.emitError(fmt.Errorf("bybit %s failed: %s", env.Op, env.RetMsg))
		}
		return
	}
	if !strings.HasPrefix(env.Topic, "tickers.") {
		c.drop(dropUnrecognized)
		return
	}

	var frame bybitTickerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.drop(dropMalformed)
		return
	}
	mark, funding, reason := c.decodeTicker(frame)
	if reason != "" {
		c.drop(reason)
		return
	}
	if mark != nil {
		c.emitMark(*mark)
	}
	if funding != nil {
		c.emitFunding(*funding)
	}
}

// decodeTicker merges the frame into the symbol's last known state and
// builds events from the merged view.
func (c *BybitClient) decodeTicker(f bybitTickerFrame) (*models.MarkUpdate, *models.FundingSnapshot, string) {
	symbol := f.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(f.Topic, "tickers.")
	}
	if symbol == "" {
		return nil, nil, dropInvalid
	}
	ts := f.TS.millis(c.cfg.Now())
	if !c.fresh(ts) {
		return nil, nil, dropStale
	}

	c.stateMu.Lock()
	st := c.tickers[symbol]
	if f.Type == "snapshot" {
		st = bybitTickerState{}
	}
	if f.Data.MarkPrice.Set {
		st.MarkPrice = f.Data.MarkPrice
	}
	if f.Data.IndexPrice.Set {
		st.IndexPrice = f.Data.IndexPrice
	}
	if f.Data.FundingRate.Set {
		st.FundingRate = f.Data.FundingRate
	}
	if f.Data.NextFundingTime.Set {
		st.NextFundingTime = f.Data.NextFundingTime
	}
	c.tickers[symbol] = st
	c.stateMu.Unlock()

	if !st.MarkPrice.Set {
		return nil, nil, dropInvalid
	}
	mark := &models.MarkUpdate{
		Exchange:   c.exchange,
		Symbol:     symbol,
		MarkPrice:  st.MarkPrice.Value,
		IndexPrice: st.IndexPrice.ptr(),
		Timestamp:  ts,
	}
	if !st.FundingRate.Set {
		return mark, nil, ""
	}
	return mark, &models.FundingSnapshot{
		Exchange:        c.exchange,
		Symbol:          symbol,
		FundingRate:     st.FundingRate.Value,
		NextFundingTime: st.NextFundingTime.millisOrZero(),
		MarkPrice:       mark.MarkPrice,
		IndexPrice:      mark.IndexPrice,
		Timestamp:       ts,
	}, ""
}

func (c *BybitClient) handlePrivateMessage(data []byte) {
	var env bybitEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.drop(dropMalformed)
		return
	}

	switch {
	case env.Op == "auth":
		if env.Success == nil || !*env.Success {
			c.emitError(fmt.Errorf("bybit auth failed: %s", env.RetMsg))
			return
		}
		c.logger.WithField("exchange", c.exchange).Info("Private stream authenticated")
		c.sendOp(c.private, "subscribe", bybitPrivateTopics)
	case env.Op != "":
		if env.Success != nil && !*env.Success {
			c.emitError(fmt.Errorf("bybit %s failed: %s", env.Op, env.RetMsg))
		}
	case env.Topic == "position":
		var frame bybitPositionFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.drop(dropMalformed)
			return
		}
		updates, reason := c.decodePosition(frame)
		if reason != "" {
			c.drop(reason)
			return
		}
		for _, u := range updates {
			c.emitPosition(u)
		}
	case env.Topic == "order":
		var frame bybitOrderFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.drop(dropMalformed)
			return
		}
		for _, u := range c.decodeOrders(frame) {
			c.emitOrder(u)
		}
	default:
		c.drop(dropUnrecognized)
	}
}

func (c *BybitClient) decodePosition(f bybitPositionFrame) ([]models.PositionUpdate, string) {
	out := make([]models.PositionUpdate, 0, len(f.Data))
	stale := false
	for _, p := range f.Data {
		ts := p.UpdatedTime.millis(f.CreationTime.millis(c.cfg.Now()))
		if !c.fresh(ts) {
			stale = true
			continue
		}
		if p.Symbol == "" || !p.Size.Set {
			continue
		}
		side := models.PositionSideLong
		if p.Side == "Sell" {
			side = models.PositionSideShort
		}
		out = append(out, models.PositionUpdate{
			Exchange:      c.exchange,
			Symbol:        p.Symbol,
			Side:          side,
			Size:          p.Size.Value,
			EntryPrice:    p.EntryPrice.Value,
			MarkPrice:     p.MarkPrice.Value,
			UnrealizedPnl: p.UnrealisedPnl.Value,
			Timestamp:     ts,
		})
	}
	if len(out) == 0 && stale {
		return nil, dropStale
	}
	return out, ""
}

func (c *BybitClient) decodeOrders(f bybitOrderFrame) []models.OrderUpdate {
	out := make([]models.OrderUpdate, 0, len(f.Data))
	for _, o := range f.Data {
		status, ok := bybitOrderStatus(o.OrderStatus)
		if o.Symbol == "" || !ok {
			c.drop(dropInvalid)
			continue
		}
		ts := o.UpdatedTime.millis(f.CreationTime.millis(c.cfg.Now()))
		if !c.fresh(ts) {
			c.drop(dropStale)
			continue
		}
		side := models.OrderSideBuy
		if o.Side == "Sell" {
			side = models.OrderSideSell
		}
		out = append(out, models.OrderUpdate{
			Exchange:      c.exchange,
			OrderID:       o.OrderID,
			ClientOrderID: o.OrderLinkID,
			Symbol:        o.Symbol,
			Side:          side,
			Status:        status,
			FilledQty:     o.CumExecQty.Value,
			AvgPrice:      o.AvgPrice.Value,
			Timestamp:     ts,
		})
	}
	return out
}

func bybitTopic(symbol string) string {
	return "tickers." + symbol
}

func bybitOrderStatus(s string) (models.OrderStatus, bool) {
	switch s {
	case "New", "Created", "Untriggered":
		return models.OrderStatusNew, true
	case "PartiallyFilled":
		return models.OrderStatusPartiallyFilled, true
	case "Filled":
		return models.OrderStatusFilled, true
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return models.OrderStatusCancelled, true
	case "Rejected":
		return models.OrderStatusRejected, true
	}
	return "", false
}

func toArgs(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
