package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// entry is the per-id buffer for one in-flight command. The dispatch loop
// pushes; exactly one caller pops.
type entry struct {
	cmd Command

	mu     sync.Mutex
	queue  []ResultFrame
	frames int
	err    error
	last   time.Time
	signal chan struct{}
}

func newEntry(cmd Command) *entry {
	return &entry{
		cmd:    cmd,
		last:   time.Now(),
		signal: make(chan struct{}, 1),
	}
}

func (e *entry) push(f ResultFrame) {
	e.mu.Lock()
	e.queue = append(e.queue, f)
	e.frames++
	e.last = time.Now()
	e.mu.Unlock()
	e.notify()
}

func (e *entry) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.notify()
}

func (e *entry) notify() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// tryPop returns a buffered frame without waiting.
func (e *entry) tryPop() (ResultFrame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return ResultFrame{}, false
	}
	f := e.queue[0]
	e.queue[0] = ResultFrame{}
	e.queue = e.queue[1:]
	return f, true
}

// next waits for the next frame. idle bounds how long the caller waits
// without a frame, counted from the later of the last frame and the start
// of this wait; zero disables the bound.
func (e *entry) next(ctx context.Context, idle time.Duration) (ResultFrame, error) {
	start := time.Now()
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			f := e.queue[0]
			e.queue[0] = ResultFrame{}
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return f, nil
		}
		if e.err != nil {
			err := e.err
			e.mu.Unlock()
			return ResultFrame{}, err
		}
		since := e.last
		e.mu.Unlock()
		if start.After(since) {
			since = start
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if idle > 0 {
			remaining := time.Until(since.Add(idle))
			if remaining <= 0 {
				return ResultFrame{}, fmt.Errorf("%w: id=%s method=%s idle=%s", ErrCommandTimeout, e.cmd.ID, e.cmd.Method, idle)
			}
			timer = time.NewTimer(remaining)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ResultFrame{}, ctx.Err()
		case <-e.signal:
		case <-timeout:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Pending describes one in-flight command for status reporting.
type Pending struct {
	ID       string
	Method   Method
	IssuedAt time.Time
	LastSeen time.Time
	Frames   int
}

// table is the correlation table keyed by command id.
type table struct {
	mu     sync.RWMutex
	items  map[string]*entry
	closed error
}

func newTable() *table {
	return &table{
		items: make(map[string]*entry),
	}
}

func (t *table) add(e *entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return t.closed
	}
	t.items[e.cmd.ID] = e
	return nil
}

func (t *table) remove(id string) {
	key := strings.TrimSpace(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
}

func (t *table) get(id string) (*entry, bool) {
	key := strings.TrimSpace(id)
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.items[key]
	return e, ok
}

// failAll fails every entry with err, empties the table, and rejects later
// adds with err.
func (t *table) failAll(err error) []*entry {
	t.mu.Lock()
	items := t.items
	t.items = make(map[string]*entry)
	if t.closed == nil {
		t.closed = err
	}
	t.mu.Unlock()
	out := make([]*entry, 0, len(items))
	for _, e := range items {
		e.fail(err)
		out = append(out, e)
	}
	return out
}

func (t *table) list() []Pending {
	t.mu.RLock()
	out := make([]Pending, 0, len(t.items))
	for _, e := range t.items {
		e.mu.Lock()
		out = append(out, Pending{
			ID:       e.cmd.ID,
			Method:   e.cmd.Method,
			IssuedAt: e.cmd.IssuedAt,
			LastSeen: e.last,
			Frames:   e.frames,
		})
		e.mu.Unlock()
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
