package mirror

import (
	"context"
	"sync"
)

// NotificationKind classifies a change notification.
type NotificationKind uint8

const (
	NotifyAdded NotificationKind = iota + 1
	NotifyRemoved
	NotifyUpdated
	NotifyValueChanged
	NotifyBulkInitialized
	NotifyConnectivity
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyAdded:
		return "added"
	case NotifyRemoved:
		return "removed"
	case NotifyUpdated:
		return "updated"
	case NotifyValueChanged:
		return "value_changed"
	case NotifyBulkInitialized:
		return "bulk_initialized"
	case NotifyConnectivity:
		return "connectivity"
	default:
		return "unknown"
	}
}

// Notification is one consumer-facing change. Node and Snapshot are
// detached copies.
type Notification struct {
	Kind    NotificationKind
	Address string
	Entity  *Entity
	Node    *Node
	Values  []any

	Snapshot *Node
	Entities []Entity

	State string
	Err   error
}

// Feed is a FIFO of notifications with one consumer. Publish never blocks.
// An unread feed stays bounded: queued value changes for one address
// coalesce until the next structural notification, and a bulk snapshot
// supersedes everything queued before it except the latest connectivity
// change.
type Feed struct {
	mu     sync.Mutex
	queue  []Notification
	popped int
	// values maps an address to the absolute queue index of its pending
	// value change.
	values map[string]int
	signal chan struct{}
}

func NewFeed() *Feed {
	return &Feed{
		values: make(map[string]int),
		signal: make(chan struct{}, 1),
	}
}

func (f *Feed) Publish(n Notification) {
	f.mu.Lock()
	switch n.Kind {
	case NotifyValueChanged:
		if abs, ok := f.values[n.Address]; ok {
			f.queue[abs-f.popped] = n
		} else {
			f.values[n.Address] = f.popped + len(f.queue)
			f.queue = append(f.queue, n)
		}
	case NotifyBulkInitialized:
		f.supersede()
		f.queue = append(f.queue, n)
	case NotifyConnectivity:
		f.queue = append(f.queue, n)
	default:
		clear(f.values)
		f.queue = append(f.queue, n)
	}
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// supersede drops queued notifications a new snapshot replaces. Caller
// holds mu.
func (f *Feed) supersede() {
	var conn *Notification
	for i := range f.queue {
		if f.queue[i].Kind == NotifyConnectivity {
			conn = &f.queue[i]
		}
	}
	kept := make([]Notification, 0, 1)
	if conn != nil {
		kept = append(kept, *conn)
	}
	f.popped += len(f.queue) - len(kept)
	f.queue = kept
	clear(f.values)
}

// Next waits for the next notification.
func (f *Feed) Next(ctx context.Context) (Notification, error) {
	for {
		if n, ok := f.TryNext(); ok {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-f.signal:
		}
	}
}

func (f *Feed) TryNext() (Notification, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Notification{}, false
	}
	n := f.queue[0]
	f.queue[0] = Notification{}
	f.queue = f.queue[1:]
	if n.Kind == NotifyValueChanged && f.values[n.Address] == f.popped {
		delete(f.values, n.Address)
	}
	f.popped++
	return n, true
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
