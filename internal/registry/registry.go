// Package registry maintains the in-memory table of declared backend
// services. The table is rebuilt copy-on-write: readers always observe either
// the previous or the new complete table, never a partially applied update.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeline/edgeline/pkg/domain"
)

// EventType classifies a registry change event.
type EventType string

const (
	EventUpsert EventType = "upsert"
	EventRemove EventType = "remove"
)

// Event describes a single registry change, consumed by the certificate
// lifecycle manager.
type Event struct {
	Type  EventType
	Entry domain.ServiceEntry
}

type tableEntry struct {
	entry domain.ServiceEntry
	rule  Rule
	seq   uint64
}

type routeTable struct {
	byID    map[string]*tableEntry
	ordered []*tableEntry // sorted by matching priority
}

// Registry is the copy-on-write service table. Writers are serialized; reads
// are lock-free against immutable snapshots.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex // serializes writers
	seq   uint64
	table atomic.Pointer[routeTable]

	subMu sync.Mutex
	subs  []chan Event
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.table.Store(&routeTable{byID: make(map[string]*tableEntry)})
	return r
}

// Upsert validates the entry and atomically replaces any existing entry with
// the same id. On success a change event is published.
func (r *Registry) Upsert(entry domain.ServiceEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	rule, err := ParseRule(entry.Rule)
	if err != nil {
		return fmt.Errorf("service %q: %w", entry.ID, err)
	}
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	r.seq++
	te := &tableEntry{entry: entry, rule: rule, seq: r.seq}
	next := r.cloneTable()
	next.byID[entry.ID] = te
	next.rebuildOrder()
	r.table.Store(next)
	r.mu.Unlock()

	r.logger.Info("service registered",
		"service", entry.ID,
		"rule", entry.Rule,
		"entrypoint", entry.Entrypoint,
		"targets", len(entry.Targets))
	r.publish(Event{Type: EventUpsert, Entry: entry})
	return nil
}

// Remove deletes the entry with the given id and publishes a change event.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	current := r.table.Load()
	te, ok := current.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("service %q: %w", id, domain.ErrServiceNotFound)
	}
	next := r.cloneTable()
	delete(next.byID, id)
	next.rebuildOrder()
	r.table.Store(next)
	r.mu.Unlock()

	r.logger.Info("service removed", "service", id)
	r.publish(Event{Type: EventRemove, Entry: te.entry})
	return nil
}

// Match resolves the request authority and path to a service entry. Rules are
// evaluated most specific first: exact host beats wildcard, longer path prefix
// beats shorter, ties go to the most recently registered entry.
func (r *Registry) Match(host, path string) (domain.ServiceEntry, error) {
	snapshot := r.table.Load()
	for _, te := range snapshot.ordered {
		if te.entry.Disabled {
			continue
		}
		if te.rule.Matches(host, path) {
			return te.entry, nil
		}
	}
	return domain.ServiceEntry{}, domain.ErrServiceNotFound
}

// Entries returns a snapshot of all registered entries in priority order.
func (r *Registry) Entries() []domain.ServiceEntry {
	snapshot := r.table.Load()
	out := make([]domain.ServiceEntry, 0, len(snapshot.ordered))
	for _, te := range snapshot.ordered {
		out = append(out, te.entry)
	}
	return out
}

// Subscribe returns a channel receiving future change events. Slow consumers
// drop events rather than blocking writers.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("registry event dropped, slow subscriber", "service", ev.Entry.ID)
		}
	}
}

// cloneTable copies the current table. Callers must hold r.mu.
func (r *Registry) cloneTable() *routeTable {
	current := r.table.Load()
	next := &routeTable{byID: make(map[string]*tableEntry, len(current.byID)+1)}
	for id, te := range current.byID {
		next.byID[id] = te
	}
	return next
}

func (t *routeTable) rebuildOrder() {
	t.ordered = make([]*tableEntry, 0, len(t.byID))
	for _, te := range t.byID {
		t.ordered = append(t.ordered, te)
	}
	sort.SliceStable(t.ordered, func(i, j int) bool {
		a, b := t.ordered[i], t.ordered[j]
		if a.rule.moreSpecific(b.rule) {
			return true
		}
		if b.rule.moreSpecific(a.rule) {
			return false
		}
		return a.seq > b.seq // most recently registered wins ties
	})
}
