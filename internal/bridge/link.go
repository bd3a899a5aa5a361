package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/envelope"
	"github.com/danmuck/edgelink/internal/protocol/osc"
	"github.com/danmuck/edgelink/internal/transport"
)

// link is the outbound side of one connection. All writes go through one
// mutex with a per-write deadline.
type link struct {
	conn    transport.Conn
	timeout time.Duration

	mu sync.Mutex
}

func (l *link) write(ctx context.Context, msg transport.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	return l.conn.WriteMessage(ctx, msg)
}

func (l *link) SendText(ctx context.Context, payload []byte) error {
	return l.write(ctx, transport.Message{Data: payload})
}

func (l *link) SendTree(ctx context.Context, command, address string) error {
	payload, err := envelope.EncodeTreeRequest(command, address)
	if err != nil {
		return err
	}
	return l.SendText(ctx, payload)
}

func (l *link) SendValue(ctx context.Context, address string, args []osc.Arg) error {
	payload, err := osc.Encode(address, args)
	if err != nil {
		return err
	}
	return l.write(ctx, transport.Message{Binary: true, Data: payload})
}
