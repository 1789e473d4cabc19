package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderkeeper/pkg/exception"
)

// TagLen is the longest client tag Kite accepts on an order.
const TagLen = 20

var tagNamespace = uuid.MustParse("8d3c1f6e-52a4-4f0e-9a57-3f7f0f0c2b9e")

// TagFor derives the broker client tag of an idempotency key. The same key
// always yields the same tag, so a lost submission can be found again.
func TagFor(key string) string {
	id := uuid.NewSHA1(tagNamespace, []byte(key))
	return "ok" + strings.ReplaceAll(id.String(), "-", "")[:TagLen-2]
}

// RecordEvent is one entry of a record's audit trail.
type RecordEvent struct {
	At   time.Time  `json:"at"`
	From OrderState `json:"from,omitempty"`
	To   OrderState `json:"to,omitempty"`
	Note string     `json:"note"`
}

// OrderRecord is the persisted lifecycle entry of one OrderIntent.
type OrderRecord struct {
	Key              string          `json:"key"`
	Intent           OrderIntent     `json:"intent"`
	State            OrderState      `json:"state"`
	Tag              string          `json:"tag"`
	BrokerOrderID    string          `json:"broker_order_id,omitempty"`
	Attempts         int             `json:"attempts"`
	LastAttemptAt    time.Time       `json:"last_attempt_at"`
	LastBrokerStatus string          `json:"last_broker_status,omitempty"`
	FilledQuantity   int64           `json:"filled_quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	Reason           string          `json:"reason,omitempty"`
	VerifyAttempts   int             `json:"verify_attempts"`
	VerifyingSince   time.Time       `json:"verifying_since"`
	NotFoundSince    time.Time       `json:"not_found_since"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	History          []RecordEvent   `json:"history"`
}

// NewOrderRecord creates a Pending record for a validated intent.
func NewOrderRecord(intent OrderIntent, now time.Time) OrderRecord {
	return OrderRecord{
		Key:       intent.Key,
		Intent:    intent,
		State:     OrderStatePending,
		Tag:       TagFor(intent.Key),
		CreatedAt: now,
		UpdatedAt: now,
		History: []RecordEvent{
			{At: now, To: OrderStatePending, Note: "intent accepted"},
		},
	}
}

// Clone returns a copy that shares no mutable memory with r.
func (r OrderRecord) Clone() OrderRecord {
	if r.History != nil {
		history := make([]RecordEvent, len(r.History))
		copy(history, r.History)
		r.History = history
	}
	return r
}

// Transition moves the record to the next state and appends the audit entry.
func (r *OrderRecord) Transition(to OrderState, now time.Time, note string) error {
	if r.State.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal, refused %s", exception.ErrInvalidTransition, r.State, to)
	}
	if !CanTransition(r.State, to) {
		return fmt.Errorf("%w: %s -> %s", exception.ErrInvalidTransition, r.State, to)
	}
	r.History = append(r.History, RecordEvent{At: now, From: r.State, To: to, Note: note})
	r.State = to
	r.UpdatedAt = now
	return nil
}

// Note appends an audit entry without changing state.
func (r *OrderRecord) Note(now time.Time, note string) {
	r.History = append(r.History, RecordEvent{At: now, Note: note})
	r.UpdatedAt = now
}

// Outstanding reports whether the reconciler still has to look at the record.
func (r OrderRecord) Outstanding() bool {
	return r.State == OrderStateSubmitted || r.State == OrderStateVerifying
}
