package exchange

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	jsoniter "github.com/json-iterator/go"
)

const (
	BybitBaseURL     = "https://api.bybit.com"
	bybitRecvWindow  = "5000"
	bybitCategory    = "linear"
	bybitSettleCoin  = "USDT"
	bybitAccountType = "UNIFIED"
)

// BybitClient talks to the Bybit v5 REST API for linear perpetuals.
type BybitClient struct {
	baseClient
}

func NewBybitClient(apiKey, apiSecret string, opts Options) *BybitClient {
	return &BybitClient{
		baseClient: newBaseClient(models.ExchangeBybit, apiKey, apiSecret, BybitBaseURL, opts),
	}
}

type bybitEnvelope struct {
	RetCode int                 `json:"retCode"`
	RetMsg  string              `json:"retMsg"`
	Result  jsoniter.RawMessage `json:"result"`
}

type bybitPositionList struct {
	List []struct {
		Symbol      string `json:"symbol"`
		PositionIdx int    `json:"positionIdx"`
	} `json:"list"`
}

type bybitWalletBalance struct {
	List []struct {
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		TotalInitialMargin    string `json:"totalInitialMargin"`
	} `json:"list"`
}

type bybitOrderCreate struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	PositionIdx int    `json:"positionIdx"`
	ReduceOnly  bool   `json:"reduceOnly"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

type bybitOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// request signs timestamp+apiKey+recvWindow+payload where payload is the
// query string for GET and the JSON body otherwise.
func (c *BybitClient) request(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	var (
		payload string
		reader  *bytes.Reader
		target  = c.baseURL + path
	)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bybit encode %s: %w", path, err)
		}
		payload = string(b)
		reader = bytes.NewReader(b)
	} else if len(query) > 0 {
		payload = query.Encode()
		target += "?" + payload
	}

	var (
		req *http.Request
		err error
	)
	if reader != nil {
		req, err = http.NewRequest(method, target, reader)
	} else {
		req, err = http.NewRequest(method, target, nil)
	}
	if err != nil {
		return err
	}

	ts := c.timestamp()
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(ts+c.apiKey+bybitRecvWindow+payload))
	req.Header.Set("Content-Type", "application/json")

	status, raw, err := c.doRequest(ctx, req)
	if err != nil {
		return err
	}

	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if status < 200 || status >= 300 {
			return &APIError{Exchange: c.exchange, StatusCode: status, Message: truncateBody(raw)}
		}
		return fmt.Errorf("bybit decode %s: %w", path, err)
	}
	if env.RetCode != 0 || status < 200 || status >= 300 {
		return &APIError{Exchange: c.exchange, StatusCode: status, Code: env.RetCode, Message: env.RetMsg}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("bybit decode %s result: %w", path, err)
	}
	return nil
}

// hedgeMode is nil when there are no positions to infer the mode from.
// Otherwise hedge mode means indices 1 or 2 are present and 0 is not.
func (c *BybitClient) hedgeMode(ctx context.Context) (*bool, error) {
	q := url.Values{}
	q.Set("category", bybitCategory)
	q.Set("settleCoin", bybitSettleCoin)

	var positions bybitPositionList
	if err := c.request(ctx, http.MethodGet, "/v5/position/list", q, nil, &positions); err != nil {
		return nil, err
	}
	if len(positions.List) == 0 {
		return nil, nil
	}

	var oneWay, hedged bool
	for _, p := range positions.List {
		switch p.PositionIdx {
		case 0:
			oneWay = true
		case 1, 2:
			hedged = true
		}
	}
	return boolPtr(hedged && !oneWay), nil
}

func (c *BybitClient) ValidateCredentials(ctx context.Context) models.CredentialResult {
	result := models.CredentialResult{Exchange: c.exchange}

	if err := c.request(ctx, http.MethodGet, "/v5/account/info", nil, nil, nil); err != nil {
		result.Error = err.Error()
		return result
	}

	hedge, err := c.hedgeMode(ctx)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.HedgeMode = hedge
	switch {
	case hedge == nil:
		result.OK = true
		result.Warning = "Hedge mode could not be confirmed (no open positions). Ensure Hedge Mode is enabled in Bybit."
	case !*hedge:
		result.Error = "Hedge Mode (Both Sides) is not enabled. Enable it in Bybit Position Mode."
	default:
		result.OK = true
	}
	return result
}

func (c *BybitClient) GetWalletBalance(ctx context.Context) (models.WalletBalance, error) {
	q := url.Values{}
	q.Set("accountType", bybitAccountType)

	var wallet bybitWalletBalance
	if err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, &wallet); err != nil {
		return models.WalletBalance{}, err
	}
	if len(wallet.List) == 0 {
		return models.WalletBalance{}, fmt.Errorf("bybit wallet balance: no %s account", bybitAccountType)
	}

	w := wallet.List[0]
	bal := models.WalletBalance{Exchange: c.exchange, Currency: bybitSettleCoin, Timestamp: c.now()}
	var err error
	if bal.ActualBalance, err = amount(w.TotalEquity); err != nil {
		return models.WalletBalance{}, err
	}
	if bal.AvailableBalance, err = amount(w.TotalAvailableBalance); err != nil {
		return models.WalletBalance{}, err
	}
	if bal.UsedMargin, err = amount(w.TotalInitialMargin); err != nil {
		return models.WalletBalance{}, err
	}
	return bal, nil
}

// PlaceOrder submits a hedge-mode order. The create call only acknowledges;
// fills arrive on the private order stream.
func (c *BybitClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderUpdate, error) {
	order := bybitOrderCreate{
		Category:    bybitCategory,
		Symbol:      req.Symbol,
		Side:        "Buy",
		OrderType:   "Market",
		Qty:         c.formatQuantity(req.SizeBase),
		PositionIdx: 1,
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.ClientOrderID,
	}
	if req.Side == models.OrderSideSell {
		order.Side = "Sell"
	}
	if req.PositionSide == models.PositionSideShort {
		order.PositionIdx = 2
	}
	if req.Type == models.OrderTypeLimit {
		order.OrderType = "Limit"
		order.Price = formatPrice(req.LimitPrice)
		order.TimeInForce = "GTC"
	}

	var res bybitOrderResult
	if err := c.request(ctx, http.MethodPost, "/v5/order/create", nil, order, &res); err != nil {
		return nil, err
	}
	return &models.OrderUpdate{
		Exchange:      c.exchange,
		OrderID:       res.OrderID,
		ClientOrderID: res.OrderLinkID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        models.OrderStatusNew,
		Timestamp:     c.now(),
	}, nil
}
