package events

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/orneryd/nornicrules/pkg/storage"
)

// Registration errors
var (
	ErrNilListener           = errors.New("listener is nil")
	ErrListenerNotComparable = errors.New("listener is not comparable; register a pointer")
)

// Dispatcher fans transaction changes out to listeners.
//
// Thread Safety:
//
//	Register, Unregister and the filter methods may be called concurrently
//	with dispatch. A dispatch works on the listener set as it was when the
//	dispatch started.
type Dispatcher struct {
	mu      sync.RWMutex
	entries []*entry

	// listenerTags counts registered listeners per class tag; manualTags are
	// tags added with AddFilter.
	listenerTags map[string]int
	manualTags   map[string]struct{}
}

// NewDispatcher creates a dispatcher with no listeners and an empty filter.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		listenerTags: make(map[string]int),
		manualTags:   make(map[string]struct{}),
	}
}

// Register adds listener once; registering the same listener again is a no-op.
// If the listener has a class tag (Classed, or Funcs.Tag), events about that
// class are filtered for every listener from now on.
func (d *Dispatcher) Register(listener any) error {
	if listener == nil {
		return ErrNilListener
	}
	if !reflect.TypeOf(listener).Comparable() {
		return fmt.Errorf("%w: %T", ErrListenerNotComparable, listener)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.entries {
		if e.listener == listener {
			return nil
		}
	}

	e := resolve(listener)
	d.entries = append(d.entries, e)
	if e.tag != "" {
		d.listenerTags[e.tag]++
	}
	return nil
}

// Unregister removes listener if registered. Its class tag stays filtered
// while another registered listener carries the same tag.
func (d *Dispatcher) Unregister(listener any) {
	if listener == nil || !reflect.TypeOf(listener).Comparable() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.entries {
		if e.listener != listener {
			continue
		}
		d.entries = append(d.entries[:i:i], d.entries[i+1:]...)
		d.releaseTagLocked(e.tag)
		return
	}
}

// Clear removes every listener and their class tags. Tags added with
// AddFilter stay.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = nil
	d.listenerTags = make(map[string]int)
}

// Listeners returns the registered listeners in registration order.
func (d *Dispatcher) Listeners() []any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]any, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.listener
	}
	return out
}

// AddFilter filters events about class without registering a listener.
func (d *Dispatcher) AddFilter(class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manualTags[class] = struct{}{}
}

// RemoveFilter undoes AddFilter. Tags contributed by listeners are unaffected.
func (d *Dispatcher) RemoveFilter(class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.manualTags, class)
}

// Filtered reports whether events about class are dropped.
func (d *Dispatcher) Filtered(class string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filteredLocked(class)
}

// FilteredClasses returns the filter set, sorted.
func (d *Dispatcher) FilteredClasses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.listenerTags)+len(d.manualTags))
	for tag := range d.listenerTags {
		out = append(out, tag)
	}
	for tag := range d.manualTags {
		if _, dup := d.listenerTags[tag]; !dup {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) filteredLocked(class string) bool {
	if _, ok := d.manualTags[class]; ok {
		return true
	}
	return d.listenerTags[class] > 0
}

func (d *Dispatcher) releaseTagLocked(tag string) {
	if tag == "" {
		return
	}
	if d.listenerTags[tag] <= 1 {
		delete(d.listenerTags, tag)
		return
	}
	d.listenerTags[tag]--
}

// view is a consistent copy of the dispatcher state for one dispatch.
type view struct {
	entries []*entry
	filter  map[string]struct{}
}

func (d *Dispatcher) snapshot() view {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v := view{
		entries: append([]*entry(nil), d.entries...),
		filter:  make(map[string]struct{}, len(d.listenerTags)+len(d.manualTags)),
	}
	for tag := range d.listenerTags {
		v.filter[tag] = struct{}{}
	}
	for tag := range d.manualTags {
		v.filter[tag] = struct{}{}
	}
	return v
}

func (v view) filtered(class string) bool {
	_, ok := v.filter[class]
	return ok
}

// ============================================================================
// storage.TransactionEventHandler
// ============================================================================

// BeforeCommit emits one event per change in data. The first listener error
// stops dispatch and fails the commit.
func (d *Dispatcher) BeforeCommit(data *storage.TransactionData) (any, error) {
	v := d.snapshot()
	tx := data.Tx()

	for _, node := range data.CreatedNodes {
		if v.filtered(node.Class()) {
			continue
		}
		for _, e := range v.entries {
			if e.nodeCreated == nil {
				continue
			}
			if err := e.nodeCreated(tx, node); err != nil {
				return nil, fmt.Errorf("node created %s: %w", node.ID, err)
			}
		}
	}

	for _, edge := range data.CreatedEdges {
		if v.filtered(edge.Type) {
			continue
		}
		for _, e := range v.entries {
			if e.relationshipCreated == nil {
				continue
			}
			if err := e.relationshipCreated(tx, edge); err != nil {
				return nil, fmt.Errorf("relationship created %s: %w", edge.ID, err)
			}
		}
	}

	for _, entries := range [][]storage.PropertyEntry{data.AssignedProperties, data.RemovedProperties} {
		for _, p := range entries {
			if v.filtered(p.Node.Class()) {
				continue
			}
			for _, e := range v.entries {
				if e.propertyChanged == nil {
					continue
				}
				if err := e.propertyChanged(tx, p.Node, p.Key, p.Old, p.New); err != nil {
					return nil, fmt.Errorf("property %q changed on %s: %w", p.Key, p.Node.ID, err)
				}
			}
		}
	}

	for _, edge := range data.DeletedEdges {
		if v.filtered(edge.Type) {
			continue
		}
		for _, e := range v.entries {
			if e.relationshipDeleted == nil {
				continue
			}
			if err := e.relationshipDeleted(tx, edge); err != nil {
				return nil, fmt.Errorf("relationship deleted %s: %w", edge.ID, err)
			}
		}
	}

	for _, node := range data.DeletedNodes {
		if v.filtered(node.Class()) {
			continue
		}
		for _, e := range v.entries {
			if e.nodeDeleted == nil {
				continue
			}
			if err := e.nodeDeleted(tx, node); err != nil {
				return nil, fmt.Errorf("node deleted %s: %w", node.ID, err)
			}
		}
	}

	return nil, nil
}

// AfterCommit forwards to every OnAfterCommit listener, unfiltered.
func (d *Dispatcher) AfterCommit(data *storage.TransactionData, _ any) {
	for _, e := range d.snapshot().entries {
		if e.afterCommit != nil {
			e.afterCommit(data)
		}
	}
}

// AfterRollback forwards to every OnAfterRollback listener, unfiltered.
func (d *Dispatcher) AfterRollback(data *storage.TransactionData, _ any) {
	for _, e := range d.snapshot().entries {
		if e.afterRollback != nil {
			e.afterRollback(data)
		}
	}
}

// TxFinished forwards to every OnTxFinished listener, unfiltered.
func (d *Dispatcher) TxFinished(tx *storage.Transaction) {
	for _, e := range d.snapshot().entries {
		if e.txFinished != nil {
			e.txFinished(tx)
		}
	}
}

// ============================================================================
// storage.KernelEventHandler
// ============================================================================

// StoreStarted forwards to every OnStoreStarted listener in registration
// order. The first error is returned.
func (d *Dispatcher) StoreStarted(manager *storage.TxManager) error {
	for _, e := range d.snapshot().entries {
		if e.storeStarted == nil {
			continue
		}
		if err := e.storeStarted(manager); err != nil {
			return err
		}
	}
	return nil
}

// StoreStopped forwards to every OnStoreStopped listener.
func (d *Dispatcher) StoreStopped(manager *storage.TxManager) {
	for _, e := range d.snapshot().entries {
		if e.storeStopped != nil {
			e.storeStopped(manager)
		}
	}
}

var (
	_ storage.TransactionEventHandler = (*Dispatcher)(nil)
	_ storage.TxFinishedHandler       = (*Dispatcher)(nil)
	_ storage.KernelEventHandler      = (*Dispatcher)(nil)
)
