// Package transport carries whole messages over one message-oriented socket.
// Binary and text messages are kept distinct; framing is the socket's job.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed          = errors.New("transport: connection closed")
	ErrEndpointMissing = errors.New("transport: endpoint required")
)

// Message is one whole socket message.
type Message struct {
	Binary bool
	Data   []byte
}

// Conn is one established socket. ReadMessage is called from a single
// goroutine; WriteMessage callers serialise among themselves.
type Conn interface {
	ReadMessage(ctx context.Context) (Message, error)
	WriteMessage(ctx context.Context, msg Message) error
	Close() error
}

// Dialer opens a Conn to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}
