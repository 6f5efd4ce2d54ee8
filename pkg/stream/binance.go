package stream

import (
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// binanceMaxStreamsPerFrame bounds the params of one SUBSCRIBE frame.
const binanceMaxStreamsPerFrame = 200

// BinanceClient streams USDⓈ-M mark price and funding (<symbol>@markPrice@1s)
// and, with a listen key, the user data stream.
type BinanceClient struct {
	baseClient
	requestID atomic.Int64
}

var _ ExchangeClient = (*BinanceClient)(nil)

type binanceControlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type binanceEnvelope struct {
	Event string `json:"e"`
}

type binanceMarkPriceFrame struct {
	Event           string    `json:"e"`
	EventTime       flexInt   `json:"E"`
	Symbol          string    `json:"s"`
	MarkPrice       flexFloat `json:"p"`
	IndexPrice      flexFloat `json:"i"`
	FundingRate     flexFloat `json:"r"`
	NextFundingTime flexInt   `json:"T"`
}

type binanceAccountUpdateFrame struct {
	Event     string  `json:"e"`
	EventTime flexInt `json:"E"`
	Account   struct {
		Positions []struct {
			Symbol        string    `json:"s"`
			Amount        flexFloat `json:"pa"`
			EntryPrice    flexFloat `json:"ep"`
			UnrealizedPnl flexFloat `json:"up"`
			PositionSide  string    `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

type binanceOrderTradeUpdateFrame struct {
	Event     string  `json:"e"`
	EventTime flexInt `json:"E"`
	Order     struct {
		Symbol        string    `json:"s"`
		ClientOrderID string    `json:"c"`
		Side          string    `json:"S"`
		Status        string    `json:"X"`
		OrderID       flexInt   `json:"i"`
		FilledQty     flexFloat `json:"z"`
		AvgPrice      flexFloat `json:"ap"`
	} `json:"o"`
}

func NewBinanceClient(cfg Config, logger *logrus.Logger) *BinanceClient {
	c := &BinanceClient{baseClient: newBaseClient(models.ExchangeBinance, cfg, logger)}

	c.public = newSocket(string(c.exchange), "public", c.cfg, socketHooks{
		onOpen:    c.onPublicOpen,
		onMessage: c.handlePublicMessage,
		ping:      func(conn *websocket.Conn) error { return c.public.writePing(conn) },
		onError:   c.emitError,
		onClose:   c.emitClose,
	}, c.logger)

	c.private = newSocket(string(c.exchange), "private", c.cfg, socketHooks{
		onMessage: c.handleUserMessage,
		ping:      func(conn *websocket.Conn) error { return c.private.writePing(conn) },
		onError:   c.emitError,
	}, c.logger)

	return c
}

func (c *BinanceClient) Connect() {
	c.public.open(c.cfg.PublicURL)
}

// ConnectPrivate opens the user data stream for creds.ListenKey.
func (c *BinanceClient) ConnectPrivate(creds Credentials) error {
	if creds.ListenKey == "" {
		return errors.New("binance: listen key required for user data stream")
	}
	c.private.open(strings.TrimRight(c.cfg.PrivateURL, "/") + "/" + creds.ListenKey)
	return nil
}

func (c *BinanceClient) Subscribe(symbol string) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" || !c.track(symbol) {
		return
	}
	c.sendControl("SUBSCRIBE", []string{binanceStream(symbol)})
}

func (c *BinanceClient) Unsubscribe(symbol string) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" || !c.untrack(symbol) {
		return
	}
	c.sendControl("UNSUBSCRIBE", []string{binanceStream(symbol)})
}

func (c *BinanceClient) Disconnect() {
	c.public.close()
	c.private.close()
}

func (c *BinanceClient) sendControl(method string, streams []string) {
	if !c.public.IsOpen() {
		return
	}
	frame := binanceControlFrame{Method: method, Params: streams, ID: c.requestID.Add(1)}
	if err := c.public.send(frame); err != nil && !errors.Is(err, errNotConnected) {
		c.emitError(err)
	}
}

func (c *BinanceClient) onPublicOpen(conn *websocket.Conn) {
	symbols := c.tracked()
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, binanceStream(s))
	}
	for _, batch := range chunk(streams, binanceMaxStreamsPerFrame) {
		frame := binanceControlFrame{Method: "SUBSCRIBE", Params: batch, ID: c.requestID.Add(1)}
		if err := c.public.writeJSON(conn, frame); err != nil {
			c.emitError(err)
			return
		}
	}
}

func (c *BinanceClient) handlePublicMessage(data []byte) {
	var env binanceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.drop(dropMalformed)
		return
	}
	if env.Event != "markPriceUpdate" {
		// Subscription acks carry no event type.
		if env.Event != "" {
			c.drop(dropUnrecognized)
		}
		return
	}

	var frame binanceMarkPriceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.drop(dropMalformed)
		return
	}
	mark, funding, reason := c.decodeMarkPrice(frame)
	if reason != "" {
		c.drop(reason)
		return
	}
	c.emitMark(mark)
	if funding != nil {
		c.emitFunding(*funding)
	}
}

func (c *BinanceClient) decodeMarkPrice(f binanceMarkPriceFrame) (models.MarkUpdate, *models.FundingSnapshot, string) {
	ts := f.EventTime.millis(c.cfg.Now())
	if !c.fresh(ts) {
		return models.MarkUpdate{}, nil, dropStale
	}
	if f.Symbol == "" || !f.MarkPrice.Set {
		return models.MarkUpdate{}, nil, dropInvalid
	}

	mark := models.MarkUpdate{
		Exchange:   c.exchange,
		Symbol:     f.Symbol,
		MarkPrice:  f.MarkPrice.Value,
		IndexPrice: f.IndexPrice.ptr(),
		Timestamp:  ts,
	}
	if !f.FundingRate.Set {
		return mark, nil, ""
	}
	return mark, &models.FundingSnapshot{
		Exchange:        c.exchange,
		Symbol:          f.Symbol,
		FundingRate:     f.FundingRate.Value,
		NextFundingTime: f.NextFundingTime.millisOrZero(),
		MarkPrice:       mark.MarkPrice,
		IndexPrice:      mark.IndexPrice,
		Timestamp:       ts,
	}, ""
}

func (c *BinanceClient) handleUserMessage(data []byte) {
	var env binanceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.drop(dropMalformed)
		return
	}

	switch env.Event {
	case "ACCOUNT_UPDATE":
		var frame binanceAccountUpdateFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.drop(dropMalformed)
			return
		}
		updates, reason := c.decodeAccountUpdate(frame)
		if reason != "" {
			c.drop(reason)
			return
		}
		for _, u := range updates {
			c.emitPosition(u)
		}
	case "ORDER_TRADE_UPDATE":
		var frame binanceOrderTradeUpdateFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.drop(dropMalformed)
			return
		}
		update, reason := c.decodeOrderTradeUpdate(frame)
		if reason != "" {
			c.drop(reason)
			return
		}
		c.emitOrder(update)
	default:
		c.drop(dropUnrecognized)
	}
}

func (c *BinanceClient) decodeAccountUpdate(f binanceAccountUpdateFrame) ([]models.PositionUpdate, string) {
	ts := f.EventTime.millis(c.cfg.Now())
	if !c.fresh(ts) {
		return nil, dropStale
	}

	out := make([]models.PositionUpdate, 0, len(f.Account.Positions))
	for _, p := range f.Account.Positions {
		if p.Symbol == "" || !p.Amount.Set {
			continue
		}
		side := models.PositionSideLong
		switch {
		case p.PositionSide == "SHORT":
			side = models.PositionSideShort
		case p.PositionSide == "BOTH" && p.Amount.Value < 0:
			side = models.PositionSideShort
		case p.PositionSide == "" && p.Amount.Value < 0:
			side = models.PositionSideShort
		}
		size := p.Amount.Value
		if size < 0 {
			size = -size
		}
		out = append(out, models.PositionUpdate{
			Exchange:      c.exchange,
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    p.EntryPrice.Value,
			UnrealizedPnl: p.UnrealizedPnl.Value,
			Timestamp:     ts,
		})
	}
	return out, ""
}

func (c *BinanceClient) decodeOrderTradeUpdate(f binanceOrderTradeUpdateFrame) (models.OrderUpdate, string) {
	ts := f.EventTime.millis(c.cfg.Now())
	if !c.fresh(ts) {
		return models.OrderUpdate{}, dropStale
	}
	o := f.Order
	status, ok := binanceOrderStatus(o.Status)
	if o.Symbol == "" || !ok {
		return models.OrderUpdate{}, dropInvalid
	}
	side := models.OrderSideBuy
	if o.Side == "SELL" {
		side = models.OrderSideSell
	}
	return models.OrderUpdate{
		Exchange:      c.exchange,
		OrderID:       formatID(o.OrderID),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          side,
		Status:        status,
		FilledQty:     o.FilledQty.Value,
		AvgPrice:      o.AvgPrice.Value,
		Timestamp:     ts,
	}, ""
}

func binanceStream(symbol string) string {
	return strings.ToLower(symbol) + "@markPrice@1s"
}

func binanceOrderStatus(s string) (models.OrderStatus, bool) {
	switch s {
	case "NEW":
		return models.OrderStatusNew, true
	case "PARTIALLY_FILLED":
		return models.OrderStatusPartiallyFilled, true
	case "FILLED":
		return models.OrderStatusFilled, true
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return models.OrderStatusCancelled, true
	case "REJECTED":
		return models.OrderStatusRejected, true
	}
	return "", false
}

func formatID(id flexInt) string {
	if !id.Set {
		return ""
	}
	return strconv.FormatInt(id.Value, 10)
}
