package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yanun0323/logs"
	"go.opentelemetry.io/otel/attribute"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/notify"
	"orderkeeper/internal/obs"
	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

// Drive advances a record until it is terminal or has to wait for the
// broker. Each transition is saved before Drive moves on.
func (c *Coordinator) Drive(ctx context.Context, key string) (schema.OrderRecord, error) {
	ctx, span := obs.StartSpan(ctx, "coordinator.drive", attribute.String("order.key", key))
	rec, err := c.drive(ctx, key)
	obs.EndSpan(span, err)
	return rec, err
}

func (c *Coordinator) drive(ctx context.Context, key string) (schema.OrderRecord, error) {
	unlock := c.ledger.Lock(key)
	defer unlock()

	rec, ok := c.ledger.Get(key)
	if !ok {
		return schema.OrderRecord{}, fmt.Errorf("%w: %s", exception.ErrUnknownOrder, key)
	}
	switch rec.State {
	case schema.OrderStatePending:
		return c.submit(ctx, rec)
	case schema.OrderStateSubmitting:
		// The key lock is held, so no submit is in flight for rec.
		return c.resumeSubmitting(ctx, rec, "submission outcome was not saved")
	case schema.OrderStateVerifying:
		return c.verify(ctx, rec)
	default:
		return rec, nil
	}
}

// submit sends a PENDING record to the broker exactly once. The SUBMITTING
// state is saved before the call, so a crash during it is detected on
// restart. An unknown outcome leads to VERIFYING, never to a second submit.
func (c *Coordinator) submit(ctx context.Context, rec schema.OrderRecord) (schema.OrderRecord, error) {
	now := c.now()
	inflight := rec.Clone()
	if err := inflight.Transition(schema.OrderStateSubmitting, now, fmt.Sprintf("submit attempt %d", rec.Attempts+1)); err != nil {
		return rec, err
	}
	inflight.Attempts++
	inflight.LastAttemptAt = now
	if err := c.commit(ctx, &rec, inflight); err != nil {
		return rec, err
	}

	res := c.gateway.Submit(ctx, inflight)

	now = c.now()
	next := inflight.Clone()
	if res.Attempts > 1 {
		next.Attempts += res.Attempts - 1
	}
	switch res.Outcome {
	case broker.OutcomeAccepted:
		if err := next.Transition(schema.OrderStateSubmitted, now, "accepted as "+res.BrokerOrderID); err != nil {
			return inflight, err
		}
		next.BrokerOrderID = res.BrokerOrderID
		next.LastBrokerStatus = string(schema.BrokerStatusOpen)
	case broker.OutcomeRejected:
		if err := next.Transition(schema.OrderStateRejected, now, "rejected: "+res.Reason); err != nil {
			return inflight, err
		}
		next.Reason = res.Reason
	default:
		if err := next.Transition(schema.OrderStateVerifying, now, "outcome unknown: "+res.Reason); err != nil {
			return inflight, err
		}
		next.Reason = res.Reason
		next.VerifyingSince = now
		if res.Exhausted {
			logs.Errorf("order %s: submit retries exhausted after %d attempts, %s", rec.Key, res.Attempts, res.Reason)
			c.alert(ctx, notify.LevelWarn, notify.KindRetryExhausted, rec.Key, res.Reason)
		}
	}

	if err := c.commit(ctx, &inflight, next); err != nil {
		return inflight, err
	}
	return next, nil
}

// Verify resolves a VERIFYING record. Without a broker order id the broker's
// order book is searched for the order; otherwise its status is polled.
// A SUBMITTING record whose outcome was never saved is moved to VERIFYING
// first.
func (c *Coordinator) Verify(ctx context.Context, key string) (schema.OrderRecord, error) {
	ctx, span := obs.StartSpan(ctx, "coordinator.verify", attribute.String("order.key", key))
	rec, err := c.verifyKey(ctx, key)
	obs.EndSpan(span, err)
	return rec, err
}

func (c *Coordinator) verifyKey(ctx context.Context, key string) (schema.OrderRecord, error) {
	unlock := c.ledger.Lock(key)
	defer unlock()

	rec, ok := c.ledger.Get(key)
	if !ok {
		return schema.OrderRecord{}, fmt.Errorf("%w: %s", exception.ErrUnknownOrder, key)
	}
	switch rec.State {
	case schema.OrderStateSubmitting:
		next, err := c.resumeSubmitting(ctx, rec, "submission outcome was not saved")
		if err != nil {
			return rec, err
		}
		return c.verify(ctx, next)
	case schema.OrderStateVerifying:
		return c.verify(ctx, rec)
	default:
		return rec, nil
	}
}

func (c *Coordinator) verify(ctx context.Context, rec schema.OrderRecord) (schema.OrderRecord, error) {
	if rec.BrokerOrderID != "" {
		snap, err := c.gateway.Status(ctx, rec.BrokerOrderID)
		if err != nil {
			return c.verifyUnanswered(ctx, rec, "status of "+rec.BrokerOrderID, err)
		}
		return c.applyStatus(ctx, rec, snap)
	}

	snap, found, err := c.gateway.Lookup(ctx, rec, c.claimedBy(rec.Key))
	now := c.now()
	next := rec.Clone()
	next.VerifyAttempts++

	switch {
	case err != nil && !errors.Is(err, exception.ErrAmbiguousOutcome):
		return c.verifyUnanswered(ctx, rec, "order book lookup", err)
	case err != nil:
		next.Note(now, fmt.Sprintf("verify %d: %v", next.VerifyAttempts, err))
	case found && snap.Status == schema.BrokerStatusRejected:
		next.BrokerOrderID = snap.OrderID
		next.LastBrokerStatus = snap.RawStatus
		next.Reason = snap.Message
		if err := next.Transition(schema.OrderStateRejected, now, "matched rejected broker order "+snap.OrderID); err != nil {
			return rec, err
		}
		return next, c.commit(ctx, &rec, next)
	case found:
		next.BrokerOrderID = snap.OrderID
		next.NotFoundSince = time.Time{}
		if err := next.Transition(schema.OrderStateSubmitted, now, "matched broker order "+snap.OrderID); err != nil {
			return rec, err
		}
		if _, err := applySnapshot(&next, snap, now); err != nil {
			return rec, err
		}
		return next, c.commit(ctx, &rec, next)
	default:
		next.Note(now, fmt.Sprintf("verify %d: no matching broker order", next.VerifyAttempts))
	}

	if c.verifyExpired(next, now) {
		reason := fmt.Sprintf("no broker order resolved after %d checks over %s", next.VerifyAttempts, now.Sub(next.VerifyingSince).Truncate(time.Second))
		next.Reason = reason
		if err := next.Transition(schema.OrderStateFailed, now, reason); err != nil {
			return rec, err
		}
	}
	return next, c.commit(ctx, &rec, next)
}

// verifyUnanswered handles a check the broker could not answer. It does not
// use up a verify attempt, but once VerifyGrace has passed since the record
// entered VERIFYING the record is failed with the last error.
func (c *Coordinator) verifyUnanswered(ctx context.Context, rec schema.OrderRecord, op string, cause error) (schema.OrderRecord, error) {
	now := c.now()
	since := rec.VerifyingSince
	if since.IsZero() {
		since = rec.UpdatedAt
	}
	if now.Sub(since) < c.cfg.VerifyGrace {
		logs.Warnf("order %s: verify %s, err: %+v", rec.Key, op, cause)
		return rec, cause
	}

	reason := fmt.Sprintf("%s: %s unanswered for %s: %v", exception.ErrVerificationFailed.Error(), op, now.Sub(since).Truncate(time.Second), cause)
	next := rec.Clone()
	next.Reason = reason
	if err := next.Transition(schema.OrderStateFailed, now, reason); err != nil {
		return rec, err
	}
	if err := c.commit(ctx, &rec, next); err != nil {
		return rec, err
	}
	return next, nil
}

func (c *Coordinator) verifyExpired(rec schema.OrderRecord, now time.Time) bool {
	if rec.VerifyAttempts >= c.cfg.MaxVerifyAttempts {
		return true
	}
	return !rec.VerifyingSince.IsZero() && now.Sub(rec.VerifyingSince) >= c.cfg.VerifyGrace
}

// claimedBy reports broker order ids already owned by records other than key.
func (c *Coordinator) claimedBy(key string) func(string) bool {
	owned := make(map[string]struct{})
	for _, rec := range c.ledger.Select(func(r schema.OrderRecord) bool { return r.Key != key && r.BrokerOrderID != "" }) {
		owned[rec.BrokerOrderID] = struct{}{}
	}
	return func(orderID string) bool {
		_, ok := owned[orderID]
		return ok
	}
}

// ApplyStatus folds a polled broker status into an outstanding record.
// Terminal records are returned unchanged.
func (c *Coordinator) ApplyStatus(ctx context.Context, key string, snap broker.OrderSnapshot) (schema.OrderRecord, error) {
	unlock := c.ledger.Lock(key)
	defer unlock()

	rec, ok := c.ledger.Get(key)
	if !ok {
		return schema.OrderRecord{}, fmt.Errorf("%w: %s", exception.ErrUnknownOrder, key)
	}
	if rec.State.IsTerminal() {
		return rec, nil
	}
	if !rec.Outstanding() || rec.BrokerOrderID == "" {
		return rec, fmt.Errorf("%w: %s has no broker order to poll in %s", exception.ErrInvalidTransition, key, rec.State)
	}
	if snap.OrderID != "" && snap.OrderID != rec.BrokerOrderID {
		return rec, fmt.Errorf("%w: status of %s applied to %s", exception.ErrInvalidArgument, snap.OrderID, key)
	}
	return c.applyStatus(ctx, rec, snap)
}

func (c *Coordinator) applyStatus(ctx context.Context, rec schema.OrderRecord, snap broker.OrderSnapshot) (schema.OrderRecord, error) {
	c.metrics.IncPoll()
	now := c.now()
	next := rec.Clone()

	if snap.Status == schema.BrokerStatusNotFound {
		c.metrics.IncPollNotFound()
		switch next.State {
		case schema.OrderStateSubmitted:
			next.NotFoundSince = now
			next.VerifyingSince = now
			if err := next.Transition(schema.OrderStateVerifying, now, "broker reports order "+rec.BrokerOrderID+" not found"); err != nil {
				return rec, err
			}
			c.alert(ctx, notify.LevelWarn, notify.KindVerifyPending, rec.Key, "broker order "+rec.BrokerOrderID+" not found, verifying")
		default:
			if next.NotFoundSince.IsZero() {
				next.NotFoundSince = now
				next.Note(now, "broker reports order "+rec.BrokerOrderID+" not found")
			} else if now.Sub(next.NotFoundSince) >= c.cfg.VerifyGrace {
				reason := fmt.Sprintf("broker order %s not found for %s", rec.BrokerOrderID, now.Sub(next.NotFoundSince).Truncate(time.Second))
				next.Reason = reason
				if err := next.Transition(schema.OrderStateFailed, now, reason); err != nil {
					return rec, err
				}
			} else {
				return rec, nil
			}
		}
		return next, c.commit(ctx, &rec, next)
	}

	changed, err := applySnapshot(&next, snap, now)
	if err != nil {
		return rec, err
	}
	if !changed {
		return rec, nil
	}
	return next, c.commit(ctx, &rec, next)
}

// applySnapshot copies fills and maps the broker status onto rec. An open
// order brings a VERIFYING record back to SUBMITTED.
func applySnapshot(rec *schema.OrderRecord, snap broker.OrderSnapshot, now time.Time) (bool, error) {
	changed := false
	if rec.FilledQuantity != snap.FilledQuantity || !rec.AveragePrice.Equal(snap.AveragePrice) {
		rec.FilledQuantity = snap.FilledQuantity
		rec.AveragePrice = snap.AveragePrice
		changed = true
	}
	if snap.RawStatus != "" && rec.LastBrokerStatus != snap.RawStatus {
		rec.LastBrokerStatus = snap.RawStatus
		changed = true
	}

	var to schema.OrderState
	switch snap.Status {
	case schema.BrokerStatusOpen:
		if rec.State == schema.OrderStateVerifying {
			to = schema.OrderStateSubmitted
		}
	case schema.BrokerStatusFilled:
		to = schema.OrderStateFilled
	case schema.BrokerStatusPartiallyFilled:
		to = schema.OrderStatePartiallyFilled
	case schema.BrokerStatusCancelled:
		to = schema.OrderStateCancelled
	case schema.BrokerStatusRejected:
		to = schema.OrderStateRejected
		rec.Reason = snap.Message
	}
	if to == "" || to == rec.State {
		return changed, nil
	}

	note := fmt.Sprintf("broker status %s", snap.Status)
	if snap.FilledQuantity > 0 {
		note = fmt.Sprintf("%s, filled %d @ %s", note, snap.FilledQuantity, snap.AveragePrice)
	}
	if to == schema.OrderStateSubmitted {
		rec.NotFoundSince = time.Time{}
		note = "broker order visible again"
	}
	return true, rec.Transition(to, now, note)
}

// Cancel withdraws an order. A PENDING record is cancelled locally; for a
// SUBMITTED record the broker is asked and a later poll observes the result.
func (c *Coordinator) Cancel(ctx context.Context, key string) (schema.OrderRecord, error) {
	unlock := c.ledger.Lock(key)
	defer unlock()

	rec, ok := c.ledger.Get(key)
	if !ok {
		return schema.OrderRecord{}, fmt.Errorf("%w: %s", exception.ErrUnknownOrder, key)
	}

	now := c.now()
	next := rec.Clone()
	switch rec.State {
	case schema.OrderStatePending:
		if err := next.Transition(schema.OrderStateCancelled, now, "cancelled before submission"); err != nil {
			return rec, err
		}
	case schema.OrderStateSubmitted:
		if err := c.gateway.Cancel(ctx, rec.BrokerOrderID); err != nil {
			return rec, err
		}
		next.Note(now, "cancel requested for "+rec.BrokerOrderID)
	default:
		return rec, fmt.Errorf("%w: cannot cancel %s in %s", exception.ErrInvalidTransition, key, rec.State)
	}
	return next, c.commit(ctx, &rec, next)
}
