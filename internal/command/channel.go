package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/envelope"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Sender writes one text message to the device.
type Sender interface {
	SendText(ctx context.Context, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, payload []byte) error

func (f SenderFunc) SendText(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Channel issues commands and routes their results. One Channel serves one
// connection lifetime.
type Channel struct {
	sender Sender
	cfg    session.Config
	logger zerolog.Logger
	table  *table

	writeMu sync.Mutex
	writer  *WriteSink

	unmatched uint64
	statsMu   sync.Mutex
}

type Option func(*Channel)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

func NewChannel(sender Sender, cfg session.Config, opts ...Option) *Channel {
	c := &Channel{
		sender: sender,
		cfg:    cfg.WithDefaults(),
		logger: logging.Component("command"),
		table:  newTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IssueRead sends a read-shaped command and returns its result sequence.
func (c *Channel) IssueRead(ctx context.Context, method Method, params map[string]any) (*ReadSequence, error) {
	if err := requireShape(method, ShapeRead); err != nil {
		return nil, err
	}
	cmd := newCommand(method, params)
	e := newEntry(cmd)
	if err := c.table.add(e); err != nil {
		return nil, err
	}
	payload, err := envelope.EncodeRequest(envelope.Request{
		Method: string(cmd.Method),
		ID:     cmd.ID,
		Params: cmd.Params,
	})
	if err != nil {
		c.table.remove(cmd.ID)
		return nil, err
	}
	if err := c.sender.SendText(ctx, payload); err != nil {
		c.table.remove(cmd.ID)
		return nil, fmt.Errorf("command: send %s: %w", method, err)
	}
	c.logger.Debug().Str("command_id", cmd.ID).Str("method", string(method)).Msg("issued read")
	return &ReadSequence{ch: c, cmd: cmd, e: e}, nil
}

// IssueWrite opens the channel's single write sink. Nothing is sent until
// the first chunk is produced.
func (c *Channel) IssueWrite(ctx context.Context, method Method, opts WriteOptions) (*WriteSink, error) {
	if err := requireShape(method, ShapeWrite); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writer != nil {
		return nil, fmt.Errorf("%w: open write id=%s", ErrChannelBusy, c.writer.cmd.ID)
	}
	cmd := newCommand(method, opts.Params)
	e := newEntry(cmd)
	if err := c.table.add(e); err != nil {
		return nil, err
	}
	sink := newWriteSink(c, cmd, e, opts)
	c.writer = sink
	c.logger.Debug().Str("command_id", cmd.ID).Str("method", string(method)).Str("filename", opts.Filename).Msg("opened write sink")
	return sink, nil
}

func (c *Channel) releaseWriter(s *WriteSink) {
	c.writeMu.Lock()
	if c.writer == s {
		c.writer = nil
	}
	c.writeMu.Unlock()
}

// Deliver routes one inbound result to its command. It reports false for
// frames whose id is not in flight; those are dropped.
func (c *Channel) Deliver(f ResultFrame) bool {
	e, ok := c.table.get(f.ID)
	if !ok {
		c.statsMu.Lock()
		c.unmatched++
		c.statsMu.Unlock()
		c.logger.Debug().Str("command_id", f.ID).Str("message", f.Message).Msg("dropped unmatched result")
		return false
	}
	e.push(f)
	return true
}

// FailAll fails every in-flight command with err and rejects later issues.
func (c *Channel) FailAll(err error) {
	failed := c.table.failAll(err)
	for _, e := range failed {
		c.logger.Debug().Str("command_id", e.cmd.ID).Str("method", string(e.cmd.Method)).Err(err).Msg("failed in-flight command")
	}
}

// InFlight lists commands awaiting frames.
func (c *Channel) InFlight() []Pending {
	return c.table.list()
}

// Unmatched counts results dropped for unknown ids.
func (c *Channel) Unmatched() uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.unmatched
}

func (c *Channel) finish(cmd Command, err error) {
	c.table.remove(cmd.ID)
	observability.RecordCommand(string(cmd.Method), outcome(err), time.Since(cmd.IssuedAt))
}

func requireShape(method Method, want Shape) error {
	got, ok := method.Shape()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if got != want {
		return fmt.Errorf("%w: %s is %s-shaped", ErrWrongShape, method, got)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDevice):
		return "device_error"
	case errors.Is(err, ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, ErrSequence):
		return "sequence"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
