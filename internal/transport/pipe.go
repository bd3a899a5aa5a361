package transport

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory Conns. Writes never block: each side
// queues inbound messages until read.
func Pipe() (Conn, Conn) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer = b
	b.peer = a
	return a, b
}

type pipeEnd struct {
	peer *pipeEnd

	mu     sync.Mutex
	queue  []Message
	signal chan struct{}
	closed bool
	done   chan struct{}
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *pipeEnd) ReadMessage(ctx context.Context) (Message, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			msg := p.queue[0]
			p.queue[0] = Message{}
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return msg, nil
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return Message{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-p.signal:
		case <-p.done:
		}
	}
}

func (p *pipeEnd) WriteMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return p.peer.push(msg)
}

func (p *pipeEnd) push(msg Message) error {
	data := make([]byte, len(msg.Data))
	copy(data, msg.Data)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, Message{Binary: msg.Binary, Data: data})
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

func (p *pipeEnd) Close() error {
	p.shutdown()
	p.peer.shutdown()
	return nil
}

func (p *pipeEnd) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}
