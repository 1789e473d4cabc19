package kite

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

const (
	DefaultBaseURL = "https://api.kite.trade"

	_kiteVersion = "3"
	_variety     = "regular"
	_validity    = "DAY"

	_errNetwork    = "NetworkException"
	_errToken      = "TokenException"
	_errInput      = "InputException"
	_errOrder      = "OrderException"
	_errPermission = "PermissionException"
)

// Credential authenticates Kite Connect calls.
type Credential struct {
	APIKey      string
	AccessToken string
}

func (c Credential) header() string {
	return "token " + c.APIKey + ":" + c.AccessToken
}

// Client talks to the Kite Connect v3 order API.
type Client struct {
	client  *http.Client
	baseURL string
	cred    Credential
}

var _ broker.Client = (*Client)(nil)

// NewClient builds a Kite client. An empty baseURL uses DefaultBaseURL.
func NewClient(client *http.Client, cred Credential, baseURL string) (*Client, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: http client", exception.ErrNilInstance)
	}
	if cred.APIKey == "" || cred.AccessToken == "" {
		return nil, fmt.Errorf("%w: kite api key and access token are required", exception.ErrInvalidArgument)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		cred:    cred,
	}, nil
}

// SupportsTags is true: Kite echoes the order tag in the order book.
func (c *Client) SupportsTags() bool {
	return true
}

func (c *Client) PlaceOrder(ctx context.Context, req broker.PlaceRequest) (string, error) {
	form := url.Values{
		"tradingsymbol":    {req.Symbol},
		"exchange":         {req.Exchange},
		"transaction_type": {string(req.Side)},
		"quantity":         {strconv.FormatInt(req.Quantity, 10)},
		"product":          {req.Product},
		"validity":         {_validity},
		"tag":              {req.Tag},
	}
	switch req.Type {
	case schema.OrderTypeMarket:
		form.Set("order_type", "MARKET")
	case schema.OrderTypeLimit:
		form.Set("order_type", "LIMIT")
		form.Set("price", req.Price.String())
	default:
		return "", &broker.APIError{Class: broker.ClassFatal, Op: "place", Message: string(req.Type), Err: exception.ErrBrokerUnsupportedOrder}
	}

	data, err := do[ResponsePlaceOrder](c, ctx, "place", http.MethodPost, "/orders/"+_variety, form)
	if err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", &broker.APIError{Class: broker.ClassAmbiguous, Op: "place", Err: exception.ErrBrokerEmptyOrderID}
	}
	return data.OrderID, nil
}

// OrderStatus reads the order history and reports its latest entry.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (broker.OrderSnapshot, error) {
	history, err := do[[]ResponseOrder](c, ctx, "status", http.MethodGet, "/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		if isNotFound(err) {
			return notFound(orderID), nil
		}
		return broker.OrderSnapshot{}, err
	}
	if len(history) == 0 {
		return notFound(orderID), nil
	}
	snap := history[len(history)-1].snapshot()
	if snap.OrderID == "" {
		snap.OrderID = orderID
	}
	return snap, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := do[ResponsePlaceOrder](c, ctx, "cancel", http.MethodDelete, "/orders/"+_variety+"/"+url.PathEscape(orderID), nil)
	return err
}

func (c *Client) Orders(ctx context.Context) ([]broker.OrderSnapshot, error) {
	orders, err := do[[]ResponseOrder](c, ctx, "orders", http.MethodGet, "/orders", nil)
	if err != nil {
		return nil, err
	}
	out := make([]broker.OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.snapshot())
	}
	return out, nil
}

func do[T any](c *Client, ctx context.Context, op, method, path string, form url.Values) (T, error) {
	var zero T

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	r, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return zero, fmt.Errorf("kite %s: %w: %w", op, exception.ErrBrokerRequestNotSent, err)
	}
	r.Header.Set("X-Kite-Version", _kiteVersion)
	r.Header.Set("Authorization", c.cred.header())
	if form != nil {
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(r)
	if err != nil {
		return zero, fmt.Errorf("kite %s: %w", op, err)
	}
	defer resp.Body.Close()

	var data Response[T]
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&data); err != nil {
		class := broker.ClassAmbiguous
		if resp.StatusCode >= http.StatusBadRequest {
			class = broker.ClassifyStatus(resp.StatusCode)
		}
		return zero, &broker.APIError{
			Class:      class,
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    err.Error(),
			Err:        exception.ErrBrokerDecodeResponse,
		}
	}

	if resp.StatusCode >= http.StatusBadRequest || data.Status != statusSuccess {
		return zero, &broker.APIError{
			Class:      errorClass(resp.StatusCode, data.ErrorType),
			Op:         op,
			StatusCode: resp.StatusCode,
			Kind:       data.ErrorType,
			Message:    data.Message,
		}
	}
	return data.Data, nil
}

// errorClass maps a Kite error response. The error type wins over the
// HTTP status where Kite documents its meaning.
func errorClass(code int, errorType string) broker.Class {
	switch errorType {
	case _errNetwork:
		return broker.ClassAmbiguous
	case _errToken, _errInput, _errOrder, _errPermission:
		return broker.ClassFatal
	}
	if code < http.StatusBadRequest {
		return broker.ClassAmbiguous
	}
	return broker.ClassifyStatus(code)
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*broker.APIError)
	if !ok {
		return false
	}
	if apiErr.StatusCode == http.StatusNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "couldn't find")
}

func notFound(orderID string) broker.OrderSnapshot {
	return broker.OrderSnapshot{OrderID: orderID, Status: schema.BrokerStatusNotFound, RawStatus: "NOT_FOUND"}
}
