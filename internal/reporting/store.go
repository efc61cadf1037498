// Package reporting holds the in-memory per-component status map behind the
// status coordination server: snapshot reads, idempotent upserts keyed by
// component name, and change subscriptions for in-process observers.
package reporting

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of one component.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// ComponentRecord is the reported state of one component at a point in
// time. Category mirrors the service category from the environment
// definition so cross-process readers need no access to the config.
type ComponentRecord struct {
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeEvent is delivered to subscribers whenever a component's status
// actually changes.
type ChangeEvent struct {
	Old ComponentRecord
	New ComponentRecord
}

// Subscription receives change events for all components. Close when done;
// a full channel drops events rather than blocking the writer.
type Subscription struct {
	C      chan ChangeEvent
	store  *Store
	closed bool
	mu     sync.Mutex
}

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.store.unsubscribe(s)
	close(s.C)
}

// Store is the component status map. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	records   map[string]ComponentRecord
	subs      map[*Subscription]struct{}
	startTime time.Time
	lastSet   time.Time
}

// NewStore creates an empty store. startTime is stamped now and reported in
// every aggregate.
func NewStore() *Store {
	return &Store{
		records:   make(map[string]ComponentRecord),
		subs:      make(map[*Subscription]struct{}),
		startTime: time.Now(),
	}
}

// Update upserts a component record by name and returns whether the status
// actually changed. A zero Timestamp is stamped with the current time.
func (s *Store) Update(rec ComponentRecord) bool {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	s.mu.Lock()
	old, existed := s.records[rec.Name]
	s.records[rec.Name] = rec
	s.lastSet = rec.Timestamp
	changed := !existed || old.Status != rec.Status

	var subs []*Subscription
	if changed {
		for sub := range s.subs {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.C <- ChangeEvent{Old: old, New: rec}:
		default:
			// Subscriber is not keeping up; drop rather than block
			// the status path.
		}
	}
	return changed
}

// Get returns the record for one component.
func (s *Store) Get(name string) (ComponentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	return rec, ok
}

// Snapshot returns all records sorted by component name.
func (s *Store) Snapshot() []ComponentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ComponentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns how many components are ready and how many exist.
func (s *Store) Counts() (ready, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.Status == StatusReady {
			ready++
		}
	}
	return ready, len(s.records)
}

// StartTime returns when the store (and so the environment) was created.
func (s *Store) StartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startTime
}

// LastUpdate returns the timestamp of the most recent upsert; zero if none.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSet
}

// Subscribe registers a change subscriber. The returned subscription must
// be closed by the caller.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan ChangeEvent, 64), store: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Clear removes every record; used between test runs.
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = make(map[string]ComponentRecord)
	s.mu.Unlock()
}
