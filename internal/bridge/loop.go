package bridge

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/transport"
)

// readLoop is the single dispatch loop of one connection.
func (b *Bridge) readLoop(c *connection) {
	err := b.receive(c)
	close(c.loopDone)
	b.teardown(c, fmt.Errorf("bridge: transport lost: %w", err), nil)
}

func (b *Bridge) receive(c *connection) error {
	for {
		msg, err := c.link.conn.ReadMessage(c.ctx)
		if err != nil {
			return err
		}
		b.dispatch(c, msg)
	}
}

// dispatch decodes one message and routes it. Decode failures are logged
// and counted; they never end the loop.
func (b *Bridge) dispatch(c *connection, msg transport.Message) {
	f, err := frame.Decode(msg.Binary, msg.Data, b.cfg.Session.Limits)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, frame.ErrFrameTooLarge) {
			reason = "too_large"
		}
		observability.RecordDroppedFrame(reason)
		b.logger.Warn().Err(err).Bool("binary", msg.Binary).Int("bytes", len(msg.Data)).Msg("dropped frame")
		return
	}
	observability.RecordFrame(f.Kind.String())

	switch f.Kind {
	case frame.KindValue:
		for _, m := range f.Values {
			if !c.sync.ApplyValue(m) {
				observability.RecordDroppedFrame("unknown_address")
				b.logger.Trace().Str("addr", m.Address).Msg("dropped value for unmirrored address")
			}
		}
	case frame.KindTree:
		c.sync.ApplyTree(f.Tree)
	case frame.KindStructural:
		if err := c.sync.ApplyStructural(c.ctx, f.Structural); err != nil {
			b.logger.Warn().Err(err).Str("addr", f.Structural.Address).Str("command", f.Structural.Command).Msg("structural change not applied")
		}
	case frame.KindResult:
		if !c.channel.Deliver(f.Result) {
			observability.RecordDroppedFrame("unmatched")
		}
	default:
		observability.RecordDroppedFrame("unknown")
		b.logger.Debug().Str("reason", f.Reason).Msg("dropped unclassified frame")
	}
}
