package schema

// OrderState tracks the lifecycle of an order record.
type OrderState string

const (
	OrderStatePending         OrderState = "PENDING"
	OrderStateSubmitting      OrderState = "SUBMITTING"
	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStateVerifying       OrderState = "VERIFYING"
	OrderStateFilled          OrderState = "FILLED"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateFailed          OrderState = "FAILED"
)

// AllOrderStates lists every state in lifecycle order.
var AllOrderStates = []OrderState{
	OrderStatePending,
	OrderStateSubmitting,
	OrderStateSubmitted,
	OrderStateVerifying,
	OrderStateFilled,
	OrderStatePartiallyFilled,
	OrderStateCancelled,
	OrderStateRejected,
	OrderStateFailed,
}

func (s OrderState) IsAvailable() bool {
	switch s {
	case OrderStatePending, OrderStateSubmitting, OrderStateSubmitted, OrderStateVerifying:
		return true
	default:
		return s.IsTerminal()
	}
}

// IsTerminal reports whether no further transition may leave this state.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStatePartiallyFilled, OrderStateCancelled, OrderStateRejected, OrderStateFailed:
		return true
	default:
		return false
	}
}

var transitions = map[OrderState][]OrderState{
	OrderStatePending:    {OrderStateSubmitting, OrderStateCancelled, OrderStateFailed},
	OrderStateSubmitting: {OrderStateSubmitted, OrderStateRejected, OrderStateVerifying, OrderStateFailed},
	OrderStateSubmitted: {
		OrderStateVerifying, OrderStateFilled, OrderStatePartiallyFilled,
		OrderStateCancelled, OrderStateRejected, OrderStateFailed,
	},
	OrderStateVerifying: {
		OrderStateSubmitted, OrderStateFilled, OrderStatePartiallyFilled,
		OrderStateCancelled, OrderStateRejected, OrderStateFailed,
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BrokerStatus is the broker-side view of an order, normalized across venues.
type BrokerStatus string

const (
	BrokerStatusOpen   BrokerStatus = "OPEN"
	BrokerStatusFilled BrokerStatus = "FILLED"
	// BrokerStatusPartiallyFilled is a closed order whose remainder was
	// cancelled or expired. An open order with fills reports OPEN.
	BrokerStatusPartiallyFilled BrokerStatus = "PARTIALLY_FILLED"
	BrokerStatusCancelled       BrokerStatus = "CANCELLED"
	BrokerStatusRejected        BrokerStatus = "REJECTED"
	BrokerStatusNotFound        BrokerStatus = "NOT_FOUND"
)

// IsClosed reports whether the broker will not change the order any more.
func (s BrokerStatus) IsClosed() bool {
	switch s {
	case BrokerStatusFilled, BrokerStatusPartiallyFilled, BrokerStatusCancelled, BrokerStatusRejected:
		return true
	default:
		return false
	}
}
