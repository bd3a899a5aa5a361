package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/envelope"
	"github.com/danmuck/edgelink/internal/protocol/osc"
	"github.com/rs/zerolog"
)

var (
	ErrFrozen         = errors.New("mirror: mirror frozen")
	ErrNotInitialized = errors.New("mirror: bootstrap not complete")
)

// TreeSender writes one tree protocol request.
type TreeSender interface {
	SendTree(ctx context.Context, command, address string) error
}

// Synchronizer owns the mirrored tree. Apply* methods are called only from
// the connection's dispatch loop; the read methods are safe from any
// goroutine and return detached copies.
type Synchronizer struct {
	sender TreeSender
	table  *EntityTable
	feed   *Feed
	logger zerolog.Logger

	mu          sync.RWMutex
	tree        *Tree
	initialized bool
	frozen      bool
	pending     map[string]time.Time
	queries     map[string][]chan *Node

	ready    chan struct{}
	frozenCh chan struct{}
}

type SyncOption func(*Synchronizer)

func WithEntityTable(t *EntityTable) SyncOption {
	return func(s *Synchronizer) {
		s.table = t
	}
}

func WithLogger(logger zerolog.Logger) SyncOption {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

func NewSynchronizer(sender TreeSender, feed *Feed, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		sender:   sender,
		table:    DefaultEntityTable(),
		feed:     feed,
		logger:   logging.Component("mirror"),
		tree:     NewTree(),
		pending:  make(map[string]time.Time),
		queries:  make(map[string][]chan *Node),
		ready:    make(chan struct{}),
		frozenCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap requests the full tree and waits until it has been applied,
// then asks the device to stream value changes.
func (s *Synchronizer) Bootstrap(ctx context.Context) error {
	if err := s.sender.SendTree(ctx, envelope.CommandDescribe, Root); err != nil {
		return fmt.Errorf("mirror: bootstrap request: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.frozenCh:
		return ErrFrozen
	case <-s.ready:
	}
	if err := s.sender.SendTree(ctx, envelope.CommandListen, Root); err != nil {
		return fmt.Errorf("mirror: listen request: %w", err)
	}
	return nil
}

// Ready is closed once the bootstrap tree has been applied.
func (s *Synchronizer) Ready() <-chan struct{} {
	return s.ready
}

// ApplyTree applies one description: the bootstrap tree, a reply to a
// describe issued for an added path, or a reply to Query.
func (s *Synchronizer) ApplyTree(d *envelope.Node) {
	if d == nil {
		return
	}
	addr := Root
	if d.FullPath != "" {
		addr = Clean(d.FullPath)
	}

	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return
	}
	waiters := s.queries[addr]
	delete(s.queries, addr)
	for _, w := range waiters {
		w <- fromDescription(d, addr)
	}

	if !s.initialized {
		if addr != Root {
			s.mu.Unlock()
			s.logger.Debug().Str("addr", addr).Msg("dropped description before bootstrap")
			return
		}
		s.tree.Replace(fromDescription(d, Root))
		s.initialized = true
		snapshot := s.tree.Root().Clone()
		entities := s.entitiesLocked()
		count := s.tree.Len()
		s.mu.Unlock()

		observability.SetMirrorNodes(count)
		s.feed.Publish(Notification{
			Kind:     NotifyBulkInitialized,
			Address:  Root,
			Snapshot: snapshot,
			Entities: entities,
		})
		close(s.ready)
		s.logger.Info().Int("nodes", count).Int("entities", len(entities)).Msg("mirror initialized")
		return
	}

	if _, ok := s.pending[addr]; !ok {
		s.mu.Unlock()
		if len(waiters) == 0 {
			s.logger.Debug().Str("addr", addr).Msg("dropped unsolicited description")
		}
		return
	}
	delete(s.pending, addr)
	notes := s.insertLocked(fromDescription(d, addr))
	count := s.tree.Len()
	s.mu.Unlock()

	observability.SetMirrorNodes(count)
	s.publish(notes)
}

// ApplyValue updates a mirrored leaf. It reports false when the address is
// unknown or not a leaf; value changes never create nodes.
func (s *Synchronizer) ApplyValue(msg osc.Message) bool {
	addr := Clean(msg.Address)
	values := msg.Values()

	s.mu.Lock()
	if s.frozen || !s.initialized || !s.tree.SetValue(addr, values) {
		s.mu.Unlock()
		return false
	}
	ent := s.entityFor(addr)
	s.mu.Unlock()

	s.feed.Publish(Notification{
		Kind:    NotifyValueChanged,
		Address: addr,
		Entity:  ent,
		Values:  values,
	})
	return true
}

// ApplyStructural applies one PATH_ADDED, PATH_REMOVED or PATH_RENAMED.
func (s *Synchronizer) ApplyStructural(ctx context.Context, change envelope.Structural) error {
	switch change.Command {
	case envelope.CommandPathAdded:
		return s.pathAdded(ctx, change.Address)
	case envelope.CommandPathRemoved:
		s.pathRemoved(change.Address)
		return nil
	case envelope.CommandPathRenamed:
		s.pathRemoved(change.OldAddress)
		return s.pathAdded(ctx, change.Address)
	default:
		return fmt.Errorf("mirror: unsupported structural command %q", change.Command)
	}
}

func (s *Synchronizer) pathAdded(ctx context.Context, raw string) error {
	addr := Clean(raw)
	s.mu.Lock()
	if s.frozen || !s.initialized {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.tree.Lookup(addr); ok {
		s.mu.Unlock()
		return nil
	}
	if _, rule, ok := s.table.Resolve(addr); ok && rule.Immediate {
		notes := s.insertLocked(&Node{Address: addr})
		count := s.tree.Len()
		s.mu.Unlock()
		observability.SetMirrorNodes(count)
		s.publish(notes)
		return nil
	}
	s.pending[addr] = time.Now()
	s.mu.Unlock()

	if err := s.sender.SendTree(ctx, envelope.CommandDescribe, addr); err != nil {
		s.mu.Lock()
		delete(s.pending, addr)
		s.mu.Unlock()
		return fmt.Errorf("mirror: describe %s: %w", addr, err)
	}
	return nil
}

func (s *Synchronizer) pathRemoved(raw string) {
	addr := Clean(raw)
	s.mu.Lock()
	if s.frozen || !s.initialized {
		s.mu.Unlock()
		return
	}
	for p := range s.pending {
		if Within(p, addr) {
			delete(s.pending, p)
		}
	}
	removed := s.tree.Remove(addr)
	notes := make([]Notification, 0, len(removed))
	for _, n := range removed {
		note := Notification{Kind: NotifyRemoved, Address: n.Address}
		if ent, rule, ok := s.table.Resolve(n.Address); ok && !rule.Refines {
			note.Entity = &ent
		}
		notes = append(notes, note)
	}
	count := s.tree.Len()
	s.mu.Unlock()

	observability.SetMirrorNodes(count)
	s.publish(notes)
}

// insertLocked merges sub and builds notifications for new nodes, parents
// first.
func (s *Synchronizer) insertLocked(sub *Node) []Notification {
	added := s.tree.Insert(sub)
	notes := make([]Notification, 0, len(added))
	for _, n := range added {
		ent, rule, ok := s.table.Resolve(n.Address)
		if ok && rule.Refines {
			note := Notification{Kind: NotifyUpdated, Address: ent.Address, Entity: &ent}
			if parent, found := s.tree.Lookup(ent.Address); found {
				note.Node = parent.Clone()
			}
			notes = append(notes, note)
			continue
		}
		note := Notification{Kind: NotifyAdded, Address: n.Address, Node: shallowClone(n)}
		if ok {
			note.Entity = &ent
		}
		notes = append(notes, note)
	}
	return notes
}

func (s *Synchronizer) publish(notes []Notification) {
	for _, n := range notes {
		s.feed.Publish(n)
	}
}

// Query describes addr on demand. The reply is returned detached and is not
// applied to the mirror.
func (s *Synchronizer) Query(ctx context.Context, addr string) (*Node, error) {
	addr = Clean(addr)
	ch := make(chan *Node, 1)
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return nil, ErrFrozen
	}
	s.queries[addr] = append(s.queries[addr], ch)
	s.mu.Unlock()

	if err := s.sender.SendTree(ctx, envelope.CommandDescribe, addr); err != nil {
		s.dropQuery(addr, ch)
		return nil, fmt.Errorf("mirror: query %s: %w", addr, err)
	}
	select {
	case n := <-ch:
		return n, nil
	case <-s.frozenCh:
		s.dropQuery(addr, ch)
		return nil, ErrFrozen
	case <-ctx.Done():
		s.dropQuery(addr, ch)
		return nil, ctx.Err()
	}
}

func (s *Synchronizer) dropQuery(addr string, ch chan *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.queries[addr]
	for i, w := range waiters {
		if w == ch {
			s.queries[addr] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.queries[addr]) == 0 {
		delete(s.queries, addr)
	}
}

// Freeze stops all further updates. Snapshots stay readable.
func (s *Synchronizer) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	s.frozen = true
	s.pending = make(map[string]time.Time)
	close(s.frozenCh)
}

func (s *Synchronizer) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

func (s *Synchronizer) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Snapshot returns a detached copy of the whole tree.
func (s *Synchronizer) Snapshot() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Root().Clone()
}

// Lookup returns a detached copy of the subtree at addr.
func (s *Synchronizer) Lookup(addr string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.tree.Lookup(addr)
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Entities resolves every mirrored node against the entity table, parents
// first. Refining nodes are not listed.
func (s *Synchronizer) Entities() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entitiesLocked()
}

// PendingDescribes lists addresses awaiting a describe reply.
func (s *Synchronizer) PendingDescribes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pending))
	for addr := range s.pending {
		out = append(out, addr)
	}
	return out
}

func (s *Synchronizer) entitiesLocked() []Entity {
	var out []Entity
	s.tree.Root().Walk(func(n *Node) bool {
		if ent, rule, ok := s.table.Resolve(n.Address); ok && !rule.Refines {
			out = append(out, ent)
		}
		return true
	})
	return out
}

func (s *Synchronizer) entityFor(addr string) *Entity {
	ent, _, ok := s.table.Resolve(addr)
	if !ok {
		return nil
	}
	return &ent
}

// shallowClone copies n without its children; Added is emitted per node.
func shallowClone(n *Node) *Node {
	c := &Node{
		Address: n.Address,
		Type:    n.Type,
	}
	if n.Meta != nil {
		c.Meta = make(map[string]json.RawMessage, len(n.Meta))
		for k, v := range n.Meta {
			c.Meta[k] = v
		}
	}
	if n.Value != nil {
		c.Value = append([]any(nil), n.Value...)
	}
	if n.Children != nil {
		c.Children = map[string]*Node{}
	}
	return c
}
