package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
)

// MarkSource returns the latest cached state for (exchange, symbol).
type MarkSource interface {
	Latest(exchange models.ExchangeID, symbol string) (models.CacheEntry, bool)
}

// PaperClient fills every order in full at the latest mark price without
// touching an exchange.
type PaperClient struct {
	exchange models.ExchangeID
	marks    MarkSource
	now      func() time.Time
	seq      atomic.Int64
}

func NewPaperClient(exchange models.ExchangeID, marks MarkSource) *PaperClient {
	return &PaperClient{exchange: exchange, marks: marks, now: time.Now}
}

func (p *PaperClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.SizeBase <= 0 {
		return nil, fmt.Errorf("paper %s: size must be positive", p.exchange)
	}

	price := req.LimitPrice
	if req.Type != models.OrderTypeLimit || price <= 0 {
		entry, ok := p.marks.Latest(p.exchange, req.Symbol)
		if !ok || entry.MarkPrice <= 0 {
			return nil, fmt.Errorf("paper %s: no mark price for %s", p.exchange, req.Symbol)
		}
		price = entry.MarkPrice
	}

	return &models.OrderUpdate{
		Exchange:      p.exchange,
		OrderID:       "paper-" + strconv.FormatInt(p.seq.Add(1), 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        models.OrderStatusFilled,
		FilledQty:     req.SizeBase,
		AvgPrice:      price,
		Timestamp:     p.now(),
	}, nil
}

// PaperAccount stands in for an exchange account in dry run. It always
// reports hedge mode and a fixed wallet balance.
type PaperAccount struct {
	exchange models.ExchangeID
	balance  float64
	now      func() time.Time
}

func NewPaperAccount(exchange models.ExchangeID, balance float64) *PaperAccount {
	return &PaperAccount{exchange: exchange, balance: balance, now: time.Now}
}

func (p *PaperAccount) Exchange() models.ExchangeID { return p.exchange }

func (p *PaperAccount) ValidateCredentials(context.Context) models.CredentialResult {
	hedge := true
	return models.CredentialResult{Exchange: p.exchange, OK: true, HedgeMode: &hedge, Warning: "paper account"}
}

func (p *PaperAccount) GetWalletBalance(ctx context.Context) (models.WalletBalance, error) {
	if err := ctx.Err(); err != nil {
		return models.WalletBalance{}, err
	}
	return models.WalletBalance{
		Exchange:         p.exchange,
		ActualBalance:    p.balance,
		AvailableBalance: p.balance,
		Currency:         "USDT",
		Timestamp:        p.now(),
	}, nil
}
