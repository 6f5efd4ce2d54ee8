package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
)

const BinanceBaseURL = "https://fapi.binance.com"

// BinanceClient talks to the Binance USDⓈ-M futures REST API.
type BinanceClient struct {
	baseClient
}

func NewBinanceClient(apiKey, apiSecret string, opts Options) *BinanceClient {
	return &BinanceClient{
		baseClient: newBaseClient(models.ExchangeBinance, apiKey, apiSecret, BinanceBaseURL, opts),
	}
}

type binanceErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type binanceAccount struct {
	CanTrade           bool   `json:"canTrade"`
	CanWithdraw        bool   `json:"canWithdraw"`
	TotalWalletBalance string `json:"totalWalletBalance"`
	AvailableBalance   string `json:"availableBalance"`
	TotalInitialMargin string `json:"totalInitialMargin"`
}

type binancePositionMode struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

type binanceOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

type binanceListenKey struct {
	ListenKey string `json:"listenKey"`
}

// signedRequest appends timestamp and signature to params and sends them as
// the query string.
func (c *BinanceClient) signedRequest(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", c.timestamp())
	query := params.Encode()
	query += "&signature=" + c.sign(query)
	return c.send(ctx, method, path+"?"+query, out)
}

func (c *BinanceClient) send(ctx context.Context, method, pathAndQuery string, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	status, body, err := c.doRequest(ctx, req)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		apiErr := &APIError{Exchange: c.exchange, StatusCode: status, Message: truncateBody(body)}
		var eb binanceErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Msg != "" {
			apiErr.Code, apiErr.Message = eb.Code, eb.Msg
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("binance decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func (c *BinanceClient) account(ctx context.Context) (*binanceAccount, error) {
	var acct binanceAccount
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *BinanceClient) hedgeMode(ctx context.Context) (bool, error) {
	var mode binancePositionMode
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil, &mode); err != nil {
		return false, err
	}
	return mode.DualSidePosition, nil
}

// ValidateCredentials requires futures trading permission and dual position
// side. Withdrawal permission is reported as a warning.
func (c *BinanceClient) ValidateCredentials(ctx context.Context) models.CredentialResult {
	result := models.CredentialResult{Exchange: c.exchange}

	acct, err := c.account(ctx)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if !acct.CanTrade {
		result.Error = "Futures trading is disabled for this API key."
		return result
	}

	hedge, err := c.hedgeMode(ctx)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if !hedge {
		result.HedgeMode = boolPtr(false)
		result.Error = "Hedge Mode (Dual Position Side) is not enabled. Enable it in Binance Futures."
		return result
	}

	result.OK = true
	result.HedgeMode = boolPtr(true)
	if acct.CanWithdraw {
		result.Warning = "Withdrawal permission is enabled. Consider disabling for safety."
	}
	return result
}

func (c *BinanceClient) GetWalletBalance(ctx context.Context) (models.WalletBalance, error) {
	acct, err := c.account(ctx)
	if err != nil {
		return models.WalletBalance{}, err
	}

	bal := models.WalletBalance{Exchange: c.exchange, Currency: "USDT", Timestamp: c.now()}
	if bal.ActualBalance, err = amount(acct.TotalWalletBalance); err != nil {
		return models.WalletBalance{}, err
	}
	if bal.AvailableBalance, err = amount(acct.AvailableBalance); err != nil {
		return models.WalletBalance{}, err
	}
	if bal.UsedMargin, err = amount(acct.TotalInitialMargin); err != nil {
		return models.WalletBalance{}, err
	}
	return bal, nil
}

// PlaceOrder submits a hedge-mode order. Closing is expressed through the
// side and position side, so reduceOnly is never sent.
func (c *BinanceClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderUpdate, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("positionSide", strings.ToUpper(string(req.PositionSide)))
	params.Set("quantity", c.formatQuantity(req.SizeBase))
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	switch req.Type {
	case models.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", formatPrice(req.LimitPrice))
	default:
		params.Set("type", "MARKET")
	}
	params.Set("newOrderRespType", "RESULT")

	var resp binanceOrderResponse
	if err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}

	filled, err := amount(resp.ExecutedQty)
	if err != nil {
		return nil, err
	}
	avg, err := amount(resp.AvgPrice)
	if err != nil {
		return nil, err
	}
	return &models.OrderUpdate{
		Exchange:      c.exchange,
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          req.Side,
		Status:        orderStatus(resp.Status),
		FilledQty:     filled,
		AvgPrice:      avg,
		Timestamp:     c.now(),
	}, nil
}

// CreateListenKey opens a user data stream. Only the API key header is
// required.
func (c *BinanceClient) CreateListenKey(ctx context.Context) (string, error) {
	var lk binanceListenKey
	if err := c.send(ctx, http.MethodPost, "/fapi/v1/listenKey", &lk); err != nil {
		return "", err
	}
	if lk.ListenKey == "" {
		return "", fmt.Errorf("binance returned an empty listen key")
	}
	return lk.ListenKey, nil
}

// KeepAliveListenKey extends the active listen key by 60 minutes.
func (c *BinanceClient) KeepAliveListenKey(ctx context.Context) error {
	return c.send(ctx, http.MethodPut, "/fapi/v1/listenKey", nil)
}

func orderStatus(s string) models.OrderStatus {
	switch strings.ToUpper(s) {
	case "FILLED":
		return models.OrderStatusFilled
	case "PARTIALLY_FILLED", "PARTIALLYFILLED":
		return models.OrderStatusPartiallyFilled
	case "CANCELED", "CANCELLED", "EXPIRED", "DEACTIVATED":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusNew
	}
}
