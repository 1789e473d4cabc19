package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yanun0323/logs"
)

// Level is the urgency of an alert.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelCritical Level = "CRITICAL"
)

// Kind names the operator signal an alert carries.
type Kind string

const (
	KindOrderFailed    Kind = "order_failed"
	KindOrderRejected  Kind = "order_rejected"
	KindRetryExhausted Kind = "retry_exhausted"
	KindCorruptState   Kind = "corrupt_state"
	KindStoreWrite     Kind = "store_write_failed"
	KindVerifyPending  Kind = "verify_pending"
	KindPollFailed     Kind = "poll_failed"
	KindLifecycle      Kind = "lifecycle"
)

// Alert is one operator-facing signal.
type Alert struct {
	Level   Level
	Kind    Kind
	Key     string
	Message string
	At      time.Time
}

func (a Alert) String() string {
	if a.Key == "" {
		return fmt.Sprintf("[%s] %s: %s", a.Level, a.Kind, a.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", a.Level, a.Kind, a.Key, a.Message)
}

// Notifier delivers alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Log writes alerts to the process log.
type Log struct{}

func (Log) Notify(_ context.Context, alert Alert) error {
	switch alert.Level {
	case LevelCritical:
		logs.Errorf("alert %s", alert)
	case LevelWarn:
		logs.Warnf("alert %s", alert)
	default:
		logs.Infof("alert %s", alert)
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }
