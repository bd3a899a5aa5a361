package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/edgelink/internal/command"
	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/mirror"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/osc"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/rs/zerolog"
)

// Config wires one Bridge.
type Config struct {
	Session  session.Config
	Dialer   transport.Dialer
	Entities *mirror.EntityTable
}

type Option func(*Bridge)

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithFeed shares a notification feed across bridges.
func WithFeed(feed *mirror.Feed) Option {
	return func(b *Bridge) {
		b.feed = feed
	}
}

// Bridge is the consumer-facing client for one device. A closed Bridge may
// be connected again; each connection gets a fresh command channel and
// mirror.
type Bridge struct {
	cfg    Config
	logger zerolog.Logger
	feed   *mirror.Feed

	mu       sync.Mutex
	state    State
	endpoint string
	gen      uint64
	current  *connection
	lastErr  error
}

// connection is everything bound to one socket.
type connection struct {
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	link    *link
	channel *command.Channel
	sync    *mirror.Synchronizer

	loopDone  chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

func (c *connection) openGate() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *connection) finish() {
	c.openGate()
	c.doneOnce.Do(func() { close(c.done) })
}

func New(cfg Config, opts ...Option) (*Bridge, error) {
	if cfg.Dialer == nil {
		return nil, ErrDialerRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Entities == nil {
		cfg.Entities = mirror.DefaultEntityTable()
	}
	b := &Bridge{
		cfg:    cfg,
		logger: logging.Component("bridge"),
		feed:   mirror.NewFeed(),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Connect dials endpoint, starts the dispatch loop and performs the
// bootstrap fetch before returning. On failure the bridge is Closed.
func (b *Bridge) Connect(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	b.mu.Lock()
	if b.state != StateClosed {
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: state=%s", ErrAlreadyConnected, st)
	}
	b.gen++
	connCtx, cancel := context.WithCancel(context.Background())
	c := &connection{
		gen:    b.gen,
		ctx:    connCtx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.current = c
	b.endpoint = endpoint
	b.lastErr = nil
	b.setStateLocked(StateConnecting)
	b.mu.Unlock()
	b.publishState(StateConnecting, nil)

	dialCtx, dialCancel := context.WithTimeout(ctx, b.cfg.Session.ConnectTimeout)
	stopDial := context.AfterFunc(connCtx, dialCancel)
	conn, err := b.cfg.Dialer.Dial(dialCtx, endpoint)
	stopDial()
	dialCancel()
	if err != nil {
		b.teardown(c, fmt.Errorf("bridge: dial: %w", err), nil)
		return b.connectErr(c, err)
	}

	l := &link{conn: conn, timeout: b.cfg.Session.WriteTimeout}
	logger := b.logger.With().Str("endpoint", endpoint).Uint64("gen", c.gen).Logger()
	channel := command.NewChannel(l, b.cfg.Session, command.WithLogger(logger))
	synchronizer := mirror.NewSynchronizer(l, b.feed,
		mirror.WithEntityTable(b.cfg.Entities),
		mirror.WithLogger(logger),
	)

	b.mu.Lock()
	if b.current != c || b.state != StateConnecting {
		b.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("bridge: connect %s: %w", endpoint, ErrClosed)
	}
	c.link = l
	c.channel = channel
	c.sync = synchronizer
	c.loopDone = make(chan struct{})
	b.mu.Unlock()

	go b.readLoop(c)

	bootCtx, bootCancel := context.WithTimeout(ctx, b.cfg.Session.BootstrapTimeout)
	defer bootCancel()
	if err := synchronizer.Bootstrap(bootCtx); err != nil {
		if errors.Is(err, mirror.ErrFrozen) {
			err = ErrClosed
		}
		b.teardown(c, fmt.Errorf("bridge: bootstrap: %w", err), command.ErrConnectionLost)
		return b.connectErr(c, err)
	}

	b.mu.Lock()
	if b.current != c || b.state != StateConnecting {
		b.mu.Unlock()
		return b.connectErr(c, ErrClosed)
	}
	b.setStateLocked(StateOpen)
	b.mu.Unlock()
	c.openGate()
	b.publishState(StateOpen, nil)
	b.logger.Info().Str("endpoint", endpoint).Msg("bridge open")
	return nil
}

func (b *Bridge) connectErr(c *connection, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastErr != nil && b.current == c {
		return b.lastErr
	}
	return fmt.Errorf("bridge: connect %s: %w", b.endpoint, err)
}

// Close is idempotent. Outstanding commands fail with ErrClosed and the
// mirror is frozen in its last state.
func (b *Bridge) Close() error {
	b.mu.Lock()
	c := b.current
	if c == nil || b.state == StateClosed || b.state == StateClosing {
		b.mu.Unlock()
		return nil
	}
	b.setStateLocked(StateClosing)
	b.mu.Unlock()
	b.publishState(StateClosing, nil)

	b.release(c, ErrClosed)

	b.mu.Lock()
	if b.current == c {
		b.setStateLocked(StateClosed)
	}
	b.mu.Unlock()
	c.finish()
	b.publishState(StateClosed, nil)
	b.logger.Info().Str("endpoint", b.Endpoint()).Msg("bridge closed")
	return nil
}

// teardown moves a connecting or open connection straight to Closed.
// cmdErr, when set, fails in-flight commands.
func (b *Bridge) teardown(c *connection, cause error, cmdErr error) {
	b.mu.Lock()
	if b.current != c || b.state == StateClosed || b.state == StateClosing {
		b.mu.Unlock()
		return
	}
	b.lastErr = cause
	b.setStateLocked(StateClosed)
	b.mu.Unlock()

	if cmdErr == nil {
		cmdErr = command.ErrConnectionLost
	}
	b.release(c, fmt.Errorf("%w: %v", cmdErr, cause))
	c.finish()
	b.publishState(StateClosed, cause)
	b.logger.Warn().Err(cause).Msg("bridge closed")
}

// release stops the loop and fails everything bound to c.
func (b *Bridge) release(c *connection, cmdErr error) {
	b.mu.Lock()
	l, channel, synchronizer, loopDone := c.link, c.channel, c.sync, c.loopDone
	b.mu.Unlock()

	c.cancel()
	if channel != nil {
		channel.FailAll(cmdErr)
	}
	if synchronizer != nil {
		synchronizer.Freeze()
	}
	if l != nil {
		_ = l.conn.Close()
	}
	if loopDone != nil {
		<-loopDone
	}
}

func (b *Bridge) setStateLocked(s State) {
	b.state = s
	observability.SetConnectionState(int(s))
}

func (b *Bridge) publishState(s State, err error) {
	b.feed.Publish(mirror.Notification{
		Kind:  mirror.NotifyConnectivity,
		State: s.String(),
		Err:   err,
	})
}

// await is the readiness gate: it waits out Connecting and returns the open
// connection.
func (b *Bridge) await(ctx context.Context) (*connection, error) {
	b.mu.Lock()
	c, st := b.current, b.state
	b.mu.Unlock()
	switch st {
	case StateOpen:
		return c, nil
	case StateConnecting:
	default:
		return nil, fmt.Errorf("%w: state=%s", ErrNotOpen, st)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ready:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != c || b.state != StateOpen {
		return nil, fmt.Errorf("%w: state=%s", ErrNotOpen, b.state)
	}
	return c, nil
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Endpoint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoint
}

// Err returns the cause of the last unrequested close.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Done is closed when the current connection ends for any reason.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return b.current.done
}

// Notifications is the change feed shared by every connection of b.
func (b *Bridge) Notifications() *mirror.Feed {
	return b.feed
}

// SendValue sends one fire-and-forget value message.
func (b *Bridge) SendValue(ctx context.Context, address string, args ...osc.Arg) error {
	c, err := b.await(ctx)
	if err != nil {
		return err
	}
	return c.link.SendValue(ctx, address, args)
}

// Query describes address on demand and returns a detached node.
func (b *Bridge) Query(ctx context.Context, address string) (*mirror.Node, error) {
	c, err := b.await(ctx)
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, b.cfg.Session.QueryTimeout)
	defer cancel()
	n, err := c.sync.Query(qctx, address)
	if errors.Is(err, mirror.ErrFrozen) {
		return nil, fmt.Errorf("%w: %v", ErrNotOpen, err)
	}
	return n, err
}

func (b *Bridge) IssueRead(ctx context.Context, method command.Method, params map[string]any) (*command.ReadSequence, error) {
	c, err := b.await(ctx)
	if err != nil {
		return nil, err
	}
	return c.channel.IssueRead(ctx, method, params)
}

func (b *Bridge) IssueWrite(ctx context.Context, method command.Method, opts command.WriteOptions) (*command.WriteSink, error) {
	c, err := b.await(ctx)
	if err != nil {
		return nil, err
	}
	return c.channel.IssueWrite(ctx, method, opts)
}

func (b *Bridge) synchronizer() *mirror.Synchronizer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil
	}
	return b.current.sync
}

// Snapshot returns a detached copy of the mirror, frozen or live. It is nil
// before the first connection.
func (b *Bridge) Snapshot() *mirror.Node {
	s := b.synchronizer()
	if s == nil {
		return nil
	}
	return s.Snapshot()
}

func (b *Bridge) Lookup(address string) (*mirror.Node, bool) {
	s := b.synchronizer()
	if s == nil {
		return nil, false
	}
	return s.Lookup(address)
}

func (b *Bridge) Entities() []mirror.Entity {
	s := b.synchronizer()
	if s == nil {
		return nil
	}
	return s.Entities()
}

// Status is a point-in-time summary for status endpoints.
type Status struct {
	State            string            `json:"state"`
	Endpoint         string            `json:"endpoint"`
	LastError        string            `json:"last_error,omitempty"`
	Initialized      bool              `json:"initialized"`
	Frozen           bool              `json:"frozen"`
	InFlight         []command.Pending `json:"in_flight"`
	PendingDescribes []string          `json:"pending_describes"`
	Unmatched        uint64            `json:"unmatched_results"`
}

func (b *Bridge) Status() Status {
	b.mu.Lock()
	st := Status{State: b.state.String(), Endpoint: b.endpoint}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	c := b.current
	var channel *command.Channel
	var synchronizer *mirror.Synchronizer
	if c != nil {
		channel, synchronizer = c.channel, c.sync
	}
	b.mu.Unlock()
	if channel != nil {
		st.InFlight = channel.InFlight()
		st.Unmatched = channel.Unmatched()
	}
	if synchronizer != nil {
		st.Initialized = synchronizer.Initialized()
		st.Frozen = synchronizer.Frozen()
		st.PendingDescribes = synchronizer.PendingDescribes()
	}
	return st
}
