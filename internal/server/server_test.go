package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/bridge"
	"github.com/danmuck/edgelink/internal/mirror"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/fakedevice"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/gin-gonic/gin"
)

func newBridge(t *testing.T, dev *fakedevice.Device, connect bool) *bridge.Bridge {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.IdleTimeout = 2 * time.Second
	b, err := bridge.New(bridge.Config{
		Session: cfg,
		Dialer: transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
			client, server := transport.Pipe()
			go func() { _ = dev.Serve(context.Background(), server) }()
			return client, nil
		}),
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	if connect {
		if err := b.Connect(context.Background(), "pipe://device"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
	}
	return b
}

func newServer(t *testing.T, device Device) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := New("bridge-test", ":0", device, nil)
	s.RegisterRoutes()
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func TestStateAndTreeRoutes(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(2))
	s := newServer(t, newBridge(t, dev, true))

	rr := do(t, s, http.MethodGet, "/state", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var st bridge.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != "open" || !st.Initialized {
		t.Fatalf("unexpected status: %+v", st)
	}

	rr = do(t, s, http.MethodGet, "/tree?addr=/rnbo/inst/1/params", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var node mirror.Node
	if err := json.Unmarshal(rr.Body.Bytes(), &node); err != nil {
		t.Fatalf("decode node: %v", err)
	}
	if _, ok := node.Children["gain"]; !ok || node.Address != "/rnbo/inst/1/params" {
		t.Fatalf("unexpected node: %+v", node)
	}

	if rr := do(t, s, http.MethodGet, "/tree?addr=/rnbo/inst/9", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rr.Code)
	}
}

func TestFileRoutes(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	dev.PutFile("datafile", "a.txt", []byte("alpha"))
	s := newServer(t, newBridge(t, dev, true))

	rr := do(t, s, http.MethodGet, "/files/datafile", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "a.txt") {
		t.Fatalf("unexpected list: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, s, http.MethodGet, "/files/datafile/a.txt", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "alpha" {
		t.Fatalf("unexpected content: %d %q", rr.Code, rr.Body.String())
	}
	rr = do(t, s, http.MethodGet, "/files/datafile/missing.txt", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for device error, got %d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["device_code"] != float64(fakedevice.CodeNoSuchFile) {
		t.Fatalf("device code missing: %#v", body)
	}
}

func TestPostValueCoercesToNodeType(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	b := newBridge(t, dev, true)
	s := newServer(t, b)

	rr := do(t, s, http.MethodPost, "/values", `{"address":"/rnbo/inst/0/params/gain","values":[1]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	// a query round trip orders after the value on the device side
	if _, err := b.Query(context.Background(), "/rnbo/inst/0/params/gain"); err != nil {
		t.Fatalf("query: %v", err)
	}
	v, _ := dev.Value("/rnbo/inst/0/params/gain")
	if len(v) != 1 || v[0] != float32(1) {
		t.Fatalf("expected float32 coercion, got %#v", v)
	}

	if rr := do(t, s, http.MethodPost, "/values", `{"values":[1]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing address, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodPost, "/values", `{"address":"/rnbo/inst/0/params","values":[1]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for container, got %d", rr.Code)
	}
}

func TestRoutesBeforeConnect(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, newBridge(t, fakedevice.New(nil), false))

	if rr := do(t, s, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health must not depend on the device, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/ready", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 ready, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/tree", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 tree, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/files/datafile", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 files, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/metrics", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected metrics, got %d", rr.Code)
	}
}

func TestValuesRequireTokenWhenConfigured(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	gin.SetMode(gin.TestMode)
	s := New("bridge-auth", ":0", newBridge(t, dev, true), nil)
	s.RequireToken(auth.StaticTokens{"secret"})
	s.RegisterRoutes()

	body := `{"address":"/rnbo/inst/0/params/gain","values":[0.3]}`
	if rr := do(t, s, http.MethodPost, "/values", body); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/values", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(t, s, http.MethodGet, "/state", ""); rr.Code != http.StatusOK {
		t.Fatalf("reads stay open, got %d", rr.Code)
	}
}
