package obs

import (
	"sync/atomic"
	"time"

	"orderkeeper/internal/schema"
)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	stateEntries [16]uint64

	submitAccepted uint64
	submitRejected uint64
	submitUnknown  uint64
	submitRetries  uint64
	duplicates     uint64
	queueDrops     uint64
	saves          uint64
	saveFailures   uint64
	polls          uint64
	pollNotFound   uint64
	alerts         uint64

	brokerLatency LatencyStats
	saveLatency   LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	StateEntries   map[schema.OrderState]uint64
	SubmitAccepted uint64
	SubmitRejected uint64
	SubmitUnknown  uint64
	SubmitRetries  uint64
	Duplicates     uint64
	QueueDrops     uint64
	Saves          uint64
	SaveFailures   uint64
	Polls          uint64
	PollNotFound   uint64
	Alerts         uint64
	BrokerLatency  LatencySnapshot
	SaveLatency    LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func stateIndex(state schema.OrderState) int {
	for i, s := range schema.AllOrderStates {
		if s == state {
			return i
		}
	}
	return -1
}

// ObserveTransition counts a committed entry into state.
func (m *Metrics) ObserveTransition(state schema.OrderState) {
	if m == nil {
		return
	}
	if idx := stateIndex(state); idx >= 0 && idx < len(m.stateEntries) {
		atomic.AddUint64(&m.stateEntries[idx], 1)
	}
}

// IncSubmitAccepted records a broker-acknowledged submission.
func (m *Metrics) IncSubmitAccepted() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.submitAccepted, 1)
}

// IncSubmitRejected records a submission the broker refused.
func (m *Metrics) IncSubmitRejected() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.submitRejected, 1)
}

// IncSubmitUnknown records a submission with an ambiguous outcome.
func (m *Metrics) IncSubmitUnknown() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.submitUnknown, 1)
}

// IncDuplicate records an accept that hit an existing key.
func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.duplicates, 1)
}

// IncQueueDrop records a drive request dropped by a full queue.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncPoll records one reconciler status poll.
func (m *Metrics) IncPoll() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.polls, 1)
}

// IncPollNotFound records a poll the broker answered with not found.
func (m *Metrics) IncPollNotFound() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.pollNotFound, 1)
}

// IncAlert records an operator alert.
func (m *Metrics) IncAlert() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.alerts, 1)
}

// AddSubmitRetries records extra submit attempts beyond the first.
func (m *Metrics) AddSubmitRetries(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.submitRetries, uint64(n))
}

// ObserveSave records a store save and its latency.
func (m *Metrics) ObserveSave(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		atomic.AddUint64(&m.saveFailures, 1)
		return
	}
	atomic.AddUint64(&m.saves, 1)
	m.saveLatency.Observe(d)
}

// ObserveBrokerCall measures one broker round trip.
func (m *Metrics) ObserveBrokerCall(d time.Duration) {
	if m == nil {
		return
	}
	m.brokerLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	entries := make(map[schema.OrderState]uint64)
	for i, state := range schema.AllOrderStates {
		if v := atomic.LoadUint64(&m.stateEntries[i]); v > 0 {
			entries[state] = v
		}
	}
	return Snapshot{
		StateEntries:   entries,
		SubmitAccepted: atomic.LoadUint64(&m.submitAccepted),
		SubmitRejected: atomic.LoadUint64(&m.submitRejected),
		SubmitUnknown:  atomic.LoadUint64(&m.submitUnknown),
		SubmitRetries:  atomic.LoadUint64(&m.submitRetries),
		Duplicates:     atomic.LoadUint64(&m.duplicates),
		QueueDrops:     atomic.LoadUint64(&m.queueDrops),
		Saves:          atomic.LoadUint64(&m.saves),
		SaveFailures:   atomic.LoadUint64(&m.saveFailures),
		Polls:          atomic.LoadUint64(&m.polls),
		PollNotFound:   atomic.LoadUint64(&m.pollNotFound),
		Alerts:         atomic.LoadUint64(&m.alerts),
		BrokerLatency:  m.brokerLatency.Snapshot(),
		SaveLatency:    m.saveLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
