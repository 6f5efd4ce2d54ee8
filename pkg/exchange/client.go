package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultRequestsPerSecond = 10
	defaultQuantityPlaces    = 3
	maxErrorBody             = 4096
)

// Options tune a REST client. Zero values select production defaults.
type Options struct {
	BaseURL           string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	// QuantityPlaces truncates order quantities to this many decimals.
	QuantityPlaces int32
	Now            func() time.Time
}

// APIError is a non-success reply from an exchange.
type APIError struct {
	Exchange   models.ExchangeID
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (http %d, code %d): %s", e.Exchange, e.StatusCode, e.Code, e.Message)
}

type baseClient struct {
	exchange       models.ExchangeID
	apiKey         string
	apiSecret      string
	baseURL        string
	httpClient     *http.Client
	limiter        *rate.Limiter
	quantityPlaces int32
	now            func() time.Time
}

func newBaseClient(exchange models.ExchangeID, apiKey, apiSecret, defaultURL string, opts Options) baseClient {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = defaultRequestsPerSecond
	}
	if opts.QuantityPlaces <= 0 {
		opts.QuantityPlaces = defaultQuantityPlaces
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return baseClient{
		exchange:       exchange,
		apiKey:         apiKey,
		apiSecret:      apiSecret,
		baseURL:        opts.BaseURL,
		httpClient:     opts.HTTPClient,
		limiter:        rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		quantityPlaces: opts.QuantityPlaces,
		now:            opts.Now,
	}
}

func (c *baseClient) Exchange() models.ExchangeID { return c.exchange }

// sign returns the hex HMAC-SHA256 of payload under the API secret.
func (c *baseClient) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *baseClient) timestamp() string {
	return strconv.FormatInt(c.now().UnixMilli(), 10)
}

// doRequest waits for the rate limiter, sends req and returns the body. A
// non-2xx status is returned as an error together with the body so callers
// can decode the exchange's error shape.
func (c *baseClient) doRequest(ctx context.Context, req *http.Request) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return 0, nil, fmt.Errorf("%s request %s: %w", c.exchange, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%s read %s: %w", c.exchange, req.URL.Path, err)
	}
	return resp.StatusCode, body, nil
}

// formatQuantity renders size truncated to the configured number of places.
func (c *baseClient) formatQuantity(size float64) string {
	return decimal.NewFromFloat(size).Truncate(c.quantityPlaces).String()
}

func formatPrice(price float64) string {
	return decimal.NewFromFloat(price).String()
}

// amount parses an exchange decimal string. Empty means zero.
func amount(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}

func boolPtr(v bool) *bool { return &v }
