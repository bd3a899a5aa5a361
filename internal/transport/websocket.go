package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketDialer dials ws:// endpoints with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	Header           http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrEndpointMissing
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	return NewWebsocketConn(ws, d.WriteTimeout, d.ReadLimit), nil
}

// WebsocketConn wraps an established gorilla connection. Used by both the
// dialer and by servers that accept device-side sockets.
type WebsocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func NewWebsocketConn(ws *websocket.Conn, writeTimeout time.Duration, readLimit int64) *WebsocketConn {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return &WebsocketConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// ReadMessage blocks until a data message arrives. Cancelling ctx closes the
// socket, since gorilla reads cannot be interrupted otherwise.
func (c *WebsocketConn) ReadMessage(ctx context.Context) (Message, error) {
	if ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = c.Close()
			case <-done:
			case <-c.closed:
			}
		}()
	}
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return Message{}, ErrClosed
			default:
			}
			return Message{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		switch kind {
		case websocket.BinaryMessage:
			return Message{Binary: true, Data: data}, nil
		case websocket.TextMessage:
			return Message{Data: data}, nil
		}
	}
}

func (c *WebsocketConn) WriteMessage(ctx context.Context, msg Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)

	kind := websocket.TextMessage
	if msg.Binary {
		kind = websocket.BinaryMessage
	}
	if err := c.ws.WriteMessage(kind, msg.Data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *WebsocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
