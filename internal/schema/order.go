package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"orderkeeper/pkg/exception"
)

const (
	DefaultExchange = "NSE"
	DefaultProduct  = "CNC"
)

// OrderSide BUY, SELL
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func (s OrderSide) IsAvailable() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType MARKET, LIMIT
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (t OrderType) IsAvailable() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderIntent is a strategy's request to trade. Key must stay the same for
// every retry of the same decision.
type OrderIntent struct {
	Key      string          `json:"key"`
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	Product  string          `json:"product"`
	Side     OrderSide       `json:"side"`
	Type     OrderType       `json:"order_type"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Normalize fills the venue defaults and canonical casing.
func (i OrderIntent) Normalize() OrderIntent {
	i.Key = strings.TrimSpace(i.Key)
	i.Symbol = strings.ToUpper(strings.TrimSpace(i.Symbol))
	i.Exchange = strings.ToUpper(strings.TrimSpace(i.Exchange))
	if i.Exchange == "" {
		i.Exchange = DefaultExchange
	}
	i.Product = strings.ToUpper(strings.TrimSpace(i.Product))
	if i.Product == "" {
		i.Product = DefaultProduct
	}
	i.Side = OrderSide(strings.ToUpper(string(i.Side)))
	i.Type = OrderType(strings.ToUpper(string(i.Type)))
	if i.Type == "" {
		i.Type = OrderTypeMarket
	}
	return i
}

// Validate reports whether the intent can be submitted to a broker.
func (i OrderIntent) Validate() error {
	if i.Key == "" {
		return fmt.Errorf("%w: idempotency key is empty", exception.ErrInvalidIntent)
	}
	if i.Symbol == "" {
		return fmt.Errorf("%w: symbol is empty", exception.ErrInvalidIntent)
	}
	if !i.Side.IsAvailable() {
		return fmt.Errorf("%w: unknown side %q", exception.ErrInvalidIntent, i.Side)
	}
	if !i.Type.IsAvailable() {
		return fmt.Errorf("%w: unknown order type %q", exception.ErrInvalidIntent, i.Type)
	}
	if i.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", exception.ErrInvalidIntent)
	}
	switch i.Type {
	case OrderTypeLimit:
		if !i.Price.IsPositive() {
			return fmt.Errorf("%w: price must be > 0 for limit orders", exception.ErrInvalidIntent)
		}
	case OrderTypeMarket:
		if !i.Price.IsZero() {
			return fmt.Errorf("%w: market orders carry no price", exception.ErrInvalidIntent)
		}
	}
	return nil
}

// Equal reports whether both intents describe the same order.
func (i OrderIntent) Equal(o OrderIntent) bool {
	return i.Key == o.Key &&
		i.Symbol == o.Symbol &&
		i.Exchange == o.Exchange &&
		i.Product == o.Product &&
		i.Side == o.Side &&
		i.Type == o.Type &&
		i.Quantity == o.Quantity &&
		i.Price.Equal(o.Price)
}
