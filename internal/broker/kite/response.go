package kite

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/schema"
)

const (
	statusSuccess = "success"

	timestampLayout = "2006-01-02 15:04:05"
)

// ist is the exchange timezone Kite reports timestamps in.
var ist = time.FixedZone("IST", 5*3600+1800)

type Response[T any] struct {
	Status    string `json:"status"`
	Data      T      `json:"data"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

type ResponsePlaceOrder struct {
	OrderID string `json:"order_id"`
}

type ResponseOrder struct {
	OrderID         string          `json:"order_id"`
	Tag             string          `json:"tag"`
	TradingSymbol   string          `json:"tradingsymbol"`
	Exchange        string          `json:"exchange"`
	TransactionType string          `json:"transaction_type"`
	Quantity        int64           `json:"quantity"`
	FilledQuantity  int64           `json:"filled_quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	Status          string          `json:"status"`
	StatusMessage   string          `json:"status_message"`
	OrderTimestamp  string          `json:"order_timestamp"`
}

// snapshot normalizes a Kite order into the venue-neutral view.
func (o ResponseOrder) snapshot() broker.OrderSnapshot {
	snap := broker.OrderSnapshot{
		OrderID:        o.OrderID,
		Tag:            o.Tag,
		Symbol:         o.TradingSymbol,
		Exchange:       o.Exchange,
		Side:           schema.OrderSide(strings.ToUpper(o.TransactionType)),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.AveragePrice,
		Status:         brokerStatus(o.Status, o.FilledQuantity),
		RawStatus:      o.Status,
		Message:        o.StatusMessage,
	}
	if ts, err := time.ParseInLocation(timestampLayout, o.OrderTimestamp, ist); err == nil {
		snap.PlacedAt = ts.UTC()
	}
	return snap
}

// brokerStatus maps Kite's order status. Anything not closed, such as
// "OPEN", "TRIGGER PENDING" or "PUT ORDER REQ RECEIVED", is open.
func brokerStatus(status string, filled int64) schema.BrokerStatus {
	switch strings.ToUpper(status) {
	case "COMPLETE":
		return schema.BrokerStatusFilled
	case "CANCELLED", "EXPIRED":
		if filled > 0 {
			return schema.BrokerStatusPartiallyFilled
		}
		return schema.BrokerStatusCancelled
	case "REJECTED":
		return schema.BrokerStatusRejected
	default:
		return schema.BrokerStatusOpen
	}
}
