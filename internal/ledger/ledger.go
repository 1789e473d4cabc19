package ledger

import (
	"fmt"
	"sync"

	"orderkeeper/internal/schema"
	"orderkeeper/internal/store"
	"orderkeeper/pkg/exception"
)

// Ledger maps idempotency keys to order records. Records are copied in and
// out, so callers never share memory with the ledger.
//
// Mutations of one key must happen under Lock(key); Insert is atomic on its own.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]schema.OrderRecord

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		records: make(map[string]schema.OrderRecord),
		locks:   make(map[string]*keyLock),
	}
}

// Lock acquires the key-scoped lock and returns its release func.
// Idle locks are dropped from the table.
func (l *Ledger) Lock(key string) func() {
	l.locksMu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.locksMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.locksMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.locksMu.Unlock()
	}
}

// Insert adds rec if its key is new. Otherwise it returns the existing record
// and false.
func (l *Ledger) Insert(rec schema.OrderRecord) (schema.OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.records[rec.Key]; ok {
		return existing.Clone(), false
	}
	l.records[rec.Key] = rec.Clone()
	return rec.Clone(), true
}

// Get returns a copy of the record for key.
func (l *Ledger) Get(key string) (schema.OrderRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[key]
	if !ok {
		return schema.OrderRecord{}, false
	}
	return rec.Clone(), true
}

// Put replaces an existing record. A terminal record never changes state.
func (l *Ledger) Put(rec schema.OrderRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.records[rec.Key]
	if !ok {
		return fmt.Errorf("%w: %s", exception.ErrUnknownOrder, rec.Key)
	}
	if current.State.IsTerminal() && rec.State != current.State {
		return fmt.Errorf("%w: %s is terminal in %s", exception.ErrInvalidTransition, rec.Key, current.State)
	}
	l.records[rec.Key] = rec.Clone()
	return nil
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Records returns copies of every record, oldest first.
func (l *Ledger) Records() []schema.OrderRecord {
	return l.Select(nil)
}

// Select returns copies of the records accepted by keep, oldest first.
func (l *Ledger) Select(keep func(schema.OrderRecord) bool) []schema.OrderRecord {
	l.mu.RLock()
	out := make([]schema.OrderRecord, 0, len(l.records))
	for _, rec := range l.records {
		if keep == nil || keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	l.mu.RUnlock()
	store.SortRecords(out)
	return out
}

// Restore replaces the ledger content with a loaded snapshot.
func (l *Ledger) Restore(records []schema.OrderRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]schema.OrderRecord, len(records))
	for _, rec := range records {
		l.records[rec.Key] = rec.Clone()
	}
}
