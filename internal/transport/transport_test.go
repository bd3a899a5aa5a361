package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/gorilla/websocket"
)

func TestPipeDeliversInOrderAndPreservesKind(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	defer a.Close()
	ctx := context.Background()

	if err := a.WriteMessage(ctx, Message{Binary: true, Data: []byte{1, 2}}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := a.WriteMessage(ctx, Message{Data: []byte("{}")}); err != nil {
		t.Fatalf("write text: %v", err)
	}
	first, err := b.ReadMessage(ctx)
	if err != nil || !first.Binary || len(first.Data) != 2 {
		t.Fatalf("unexpected first message: %+v err=%v", first, err)
	}
	second, err := b.ReadMessage(ctx)
	if err != nil || second.Binary || string(second.Data) != "{}" {
		t.Fatalf("unexpected second message: %+v err=%v", second, err)
	}
}

func TestPipeCloseUnblocksReader(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.ReadMessage(context.Background())
		errCh <- err
	}()
	_ = a.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("reader not released by close")
	}
	if err := b.WriteMessage(context.Background(), Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on write after close, got %v", err)
	}
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	testlog.Start(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := WebsocketDialer{WriteTimeout: time.Second}.Dial(ctx, endpoint)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(ctx, Message{Binary: true, Data: []byte("/x\x00\x00,\x00\x00\x00")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Binary || len(got.Data) != 8 {
		t.Fatalf("unexpected echo: %+v", got)
	}

	if err := conn.WriteMessage(ctx, Message{Data: []byte(`{"COMMAND":"DESCRIBE","DATA":"/"}`)}); err != nil {
		t.Fatalf("write text: %v", err)
	}
	got, err = conn.ReadMessage(ctx)
	if err != nil || got.Binary {
		t.Fatalf("expected text echo, got %+v err=%v", got, err)
	}
}

func TestWebsocketDialerRequiresEndpoint(t *testing.T) {
	testlog.Start(t)
	if _, err := (WebsocketDialer{}).Dial(context.Background(), " "); !errors.Is(err, ErrEndpointMissing) {
		t.Fatalf("expected ErrEndpointMissing, got %v", err)
	}
}
