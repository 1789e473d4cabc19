package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"orderkeeper/internal/schema"
)

// Client is the venue API. Failures should be *APIError; anything else is
// classified by Classify.
type Client interface {
	// PlaceOrder creates an order and returns the broker order id.
	PlaceOrder(ctx context.Context, req PlaceRequest) (string, error)
	// OrderStatus returns the latest state of an order. An order the broker
	// does not know comes back with BrokerStatusNotFound and a nil error.
	OrderStatus(ctx context.Context, orderID string) (OrderSnapshot, error)
	CancelOrder(ctx context.Context, orderID string) error
	// Orders lists the orders of the trading day.
	Orders(ctx context.Context) ([]OrderSnapshot, error)
	// SupportsTags reports whether Orders echoes PlaceRequest.Tag.
	SupportsTags() bool
}

// PlaceRequest is the venue-neutral order placement.
type PlaceRequest struct {
	Tag      string
	Symbol   string
	Exchange string
	Product  string
	Side     schema.OrderSide
	Type     schema.OrderType
	Quantity int64
	Price    decimal.Decimal
}

// NewPlaceRequest builds the placement for a record.
func NewPlaceRequest(rec schema.OrderRecord) PlaceRequest {
	return PlaceRequest{
		Tag:      rec.Tag,
		Symbol:   rec.Intent.Symbol,
		Exchange: rec.Intent.Exchange,
		Product:  rec.Intent.Product,
		Side:     rec.Intent.Side,
		Type:     rec.Intent.Type,
		Quantity: rec.Intent.Quantity,
		Price:    rec.Intent.Price,
	}
}

// OrderSnapshot is the broker's view of one order.
type OrderSnapshot struct {
	OrderID        string
	Tag            string
	Symbol         string
	Exchange       string
	Side           schema.OrderSide
	Quantity       int64
	FilledQuantity int64
	AveragePrice   decimal.Decimal
	Status         schema.BrokerStatus
	RawStatus      string
	Message        string
	PlacedAt       time.Time
}
