package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// ClobClient is the REST client for the CLOB API: book snapshots, order
// placement and cancellation.
type ClobClient struct {
	rest    *resty.Client
	address string
	auth    *HMACAuth
}

// NewClobClient creates a client for baseURL, e.g. "https://clob.polymarket.com".
// address and auth identify the trading account; auth may be nil for
// read-only use.
func NewClobClient(baseURL, address string, auth *HMACAuth, timeout time.Duration) *ClobClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "pairarb")
	return &ClobClient{rest: rest, address: address, auth: auth}
}

// FetchSnapshot retrieves the full book of one asset as a snapshot event.
func (c *ClobClient) FetchSnapshot(ctx context.Context, assetID string) (domain.FeedEvent, error) {
	var book BookMessage
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("token_id", assetID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return domain.FeedEvent{}, fmt.Errorf("polymarket/clob: get book %s: %w", assetID, err)
	}
	if err := checkHTTPStatus(resp.StatusCode(), resp.Body()); err != nil {
		return domain.FeedEvent{}, fmt.Errorf("polymarket/clob: get book %s: %w", assetID, err)
	}
	if book.AssetID == "" {
		book.AssetID = assetID
	}
	return BookToFeedEvent(&book)
}

// PostOrder submits a limit order. A business rejection is returned as a
// non-accepted ack wrapped with domain.ErrSubmissionRejected.
func (c *ClobClient) PostOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	body := APIOrderRequest{
		Order: APIOrder{
			TokenID:       req.InstrumentID,
			Price:         req.Price.String(),
			Size:          req.Size.String(),
			Side:          orderSide(req.Side),
			ClientOrderID: req.ClientID,
		},
		Owner:     c.address,
		OrderType: "GTC",
	}

	var result APIOrderResult
	if err := c.do(ctx, http.MethodPost, "/order", body, &result); err != nil {
		return domain.OrderAck{ClientID: req.ClientID}, fmt.Errorf("polymarket/clob: post order %s: %w", req.ClientID, err)
	}

	ack := domain.OrderAck{
		ClientID:   req.ClientID,
		ExchangeID: result.OrderID,
		Accepted:   result.Success,
		Reason:     result.ErrorMsg,
	}
	if !ack.Accepted {
		return ack, fmt.Errorf("polymarket/clob: order %s: %w: %s", req.ClientID, domain.ErrSubmissionRejected, result.ErrorMsg)
	}
	return ack, nil
}

// CancelOrder cancels one order by exchange id. It fails if the exchange
// reports the order as not cancelled (for example because it already filled).
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	var result APICancelResult
	if err := c.do(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID}, &result); err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("polymarket/clob: cancel order %s: %s", orderID, reason)
	}
	for _, id := range result.Canceled {
		if id == orderID {
			return nil
		}
	}
	return fmt.Errorf("polymarket/clob: cancel order %s: not acknowledged", orderID)
}

// do sends an authenticated JSON request and decodes the response into out.
func (c *ClobClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.auth == nil {
		return fmt.Errorf("%w: no api credentials", domain.ErrUnauthorized)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(c.auth.L2Headers(c.address, method, path, string(payload))).
		SetBody(payload).
		Execute(method, path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", domain.ErrSubmissionTimeout, err)
		}
		return fmt.Errorf("http request: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode(), resp.Body()); err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrSubmissionRejected, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
