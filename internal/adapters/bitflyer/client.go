package bitflyer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/ports"
)

const (
	defaultBaseURL = "https://api.bitflyer.com"

	// Documented limits are 500 private / 5 min and 500 public / 5 min per
	// IP; both limiters stay well under that.
	privateRatePerSec = 1
	publicRatePerSec  = 2

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// errRateLimited marks a status -1 response so the retry loop can treat it
// like HTTP 429.
var errRateLimited = errors.New("bitflyer: rate limited")

// Client talks to the bitFlyer Lightning HTTP API. Private requests are
// signed with HMAC-SHA256 over timestamp + method + path(+query or body).
type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	apiSecret string
	loc       *time.Location

	publicLimiter  *rate.Limiter
	privateLimiter *rate.Limiter

	now func() time.Time
}

var _ ports.Exchange = (*Client)(nil)

// NewClient builds a client. An empty baseURL selects production; a nil
// location reports order times in UTC.
func NewClient(baseURL, apiKey, apiSecret string, loc *time.Location) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		http:           &http.Client{Timeout: 10 * time.Second},
		baseURL:        baseURL,
		apiKey:         apiKey,
		apiSecret:      apiSecret,
		loc:            loc,
		publicLimiter:  rate.NewLimiter(publicRatePerSec, 5),
		privateLimiter: rate.NewLimiter(privateRatePerSec, 3),
		now:            time.Now,
	}
}

// BoardRunning reports whether the product's board accepts orders.
func (c *Client) BoardRunning(ctx context.Context, productCode string) (bool, error) {
	q := url.Values{"product_code": {productCode}}
	var resp boardStateResponse
	if err := c.get(ctx, pathBoardState, q, false, &resp); err != nil {
		return false, fmt.Errorf("bitflyer.BoardRunning: %w", err)
	}
	return resp.State == "RUNNING", nil
}

// Balance returns the available amount per currency.
func (c *Client) Balance(ctx context.Context) (map[string]float64, error) {
	var entries []balanceEntry
	if err := c.get(ctx, pathBalance, nil, true, &entries); err != nil {
		return nil, fmt.Errorf("bitflyer.Balance: %w", err)
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		out[e.CurrencyCode] = e.Available
	}
	return out, nil
}

// GetOrder looks one child order up by acceptance id. An empty result set on
// a successful response means the exchange no longer knows the order, which
// maps to ports.ErrOrderNotFound.
func (c *Client) GetOrder(ctx context.Context, productCode, acceptanceID string) (domain.Order, error) {
	q := url.Values{
		"product_code":              {productCode},
		"child_order_acceptance_id": {acceptanceID},
	}
	var orders []childOrder
	if err := c.get(ctx, pathChildOrders, q, true, &orders); err != nil {
		return domain.Order{}, fmt.Errorf("bitflyer.GetOrder: %w", err)
	}
	if len(orders) == 0 {
		return domain.Order{}, fmt.Errorf("bitflyer.GetOrder: %s: %w", acceptanceID, ports.ErrOrderNotFound)
	}
	return c.toDomain(orders[0]), nil
}

// PlaceOrder submits a limit child order and returns its acceptance id.
// Placement is never retried; a transport failure leaves the decision to the
// next tick.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (string, error) {
	ttl := req.TTLMinutes
	if ttl <= 0 {
		ttl = 43200
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = "GTC"
	}
	body := sendChildOrderRequest{
		ProductCode:    req.ProductCode,
		ChildOrderType: "LIMIT",
		Side:           string(req.Side),
		Price:          req.Price,
		Size:           req.Size,
		MinuteToExpire: ttl,
		TimeInForce:    tif,
	}
	var resp sendChildOrderResponse
	if err := c.post(ctx, pathSendChildOrder, body, &resp); err != nil {
		return "", fmt.Errorf("bitflyer.PlaceOrder: %w", err)
	}
	return resp.ChildOrderAcceptance, nil
}

// CancelOrder cancels a child order by acceptance id.
func (c *Client) CancelOrder(ctx context.Context, productCode, acceptanceID string) error {
	body := cancelChildOrderRequest{
		ProductCode:          productCode,
		ChildOrderAcceptance: acceptanceID,
	}
	if err := c.post(ctx, pathCancelChildOrder, body, nil); err != nil {
		return fmt.Errorf("bitflyer.CancelOrder: %s: %w", acceptanceID, err)
	}
	return nil
}

// TradingCommission returns the commission rate for the product.
func (c *Client) TradingCommission(ctx context.Context, productCode string) (float64, error) {
	q := url.Values{"product_code": {productCode}}
	var resp tradingCommissionResponse
	if err := c.get(ctx, pathTradingCommission, q, true, &resp); err != nil {
		return 0, fmt.Errorf("bitflyer.TradingCommission: %w", err)
	}
	return resp.CommissionRate, nil
}

// Executions returns recent trades, newest first. before and after bound the
// execution id range when non-zero.
func (c *Client) Executions(ctx context.Context, productCode string, count int, before, after int64) ([]Execution, error) {
	q := url.Values{
		"product_code": {productCode},
		"count":        {strconv.Itoa(count)},
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	var raw []execution
	if err := c.get(ctx, pathExecutions, q, false, &raw); err != nil {
		return nil, fmt.Errorf("bitflyer.Executions: %w", err)
	}
	out := make([]Execution, 0, len(raw))
	for _, e := range raw {
		out = append(out, Execution{
			ID:       e.ID,
			Side:     domain.Side(e.Side),
			Price:    e.Price,
			Size:     e.Size,
			ExecTime: c.parseTime(e.ExecDate),
		})
	}
	return out, nil
}

// Execution is one public trade.
type Execution struct {
	ID       int64
	Side     domain.Side
	Price    float64
	Size     float64
	ExecTime time.Time
}

func (c *Client) toDomain(o childOrder) domain.Order {
	return domain.Order{
		AcceptanceID: o.ChildOrderAcceptance,
		ProductCode:  o.ProductCode,
		Side:         domain.Side(o.Side),
		State:        domain.OrderState(o.ChildOrderState),
		Price:        int64(o.Price),
		Size:         o.Size,
		AcceptedAt:   c.parseTime(o.ChildOrderDate),
	}
}

// parseTime handles the API's zone-less UTC timestamps, with and without
// fractional seconds, and reports them in the configured location.
func (c *Client) parseTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		time.RFC3339Nano,
	} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.In(c.loc)
		}
	}
	return time.Time{}
}

// get performs a GET with rate limiting and bounded retries on transport
// failures, 429s and 5xx responses.
func (c *Client) get(ctx context.Context, path string, query url.Values, private bool, out any) error {
	pathWithQuery := path
	if len(query) > 0 {
		pathWithQuery += "?" + query.Encode()
	}
	limiter := c.publicLimiter
	if private {
		limiter = c.privateLimiter
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathWithQuery, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if private {
			c.signRequest(req, http.MethodGet, pathWithQuery, nil)
		}

		lastErr = c.do(req, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == maxRetries {
			return lastErr
		}
		slog.Debug("retrying request", "path", path, "attempt", attempt+1, "err", lastErr)
		if err := c.sleep(ctx, attempt); err != nil {
			return err
		}
	}
	return lastErr
}

// post performs a signed POST. No retries: every private POST creates or
// destroys an order and must not be replayed on an ambiguous failure.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	if err := c.privateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	c.signRequest(req, http.MethodPost, path, b)
	return c.do(req, out)
}

// signRequest sets the ACCESS-* headers. The signed payload is
// timestamp + method + path+query for GETs and timestamp + method + path +
// body for POSTs.
func (c *Client) signRequest(req *http.Request, method, pathWithQuery string, body []byte) {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	payload := ts + method + pathWithQuery + string(body)

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))

	req.Header.Set("ACCESS-KEY", c.apiKey)
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-SIGN", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError maps the exchange's status codes onto the port's error
// taxonomy. Unknown codes become plain transport errors.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Status != 0 {
		switch apiErr.Status {
		case statusInsufficientFunds:
			return fmt.Errorf("%s: %w", apiErr.Message, ports.ErrInsufficientFunds)
		case statusPriceTooLow:
			return fmt.Errorf("%s: %w", apiErr.Message, ports.ErrPriceTooLow)
		case statusPriceTooHigh:
			return fmt.Errorf("%s: %w", apiErr.Message, ports.ErrPriceTooHigh)
		case statusMaintenance:
			return fmt.Errorf("%s: %w", apiErr.Message, ports.ErrMaintenance)
		case statusRateLimited:
			return errRateLimited
		default:
			return fmt.Errorf("api error %d: %s", apiErr.Status, apiErr.Message)
		}
	}
	return &httpError{code: resp.StatusCode, body: string(body)}
}

type httpError struct {
	code int
	body string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	if errors.Is(err, errRateLimited) {
		return true
	}
	if ports.IsBusinessRejection(err) {
		return false
	}
	var he *httpError
	if errors.As(err, &he) {
		return he.code == http.StatusTooManyRequests || he.code >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
