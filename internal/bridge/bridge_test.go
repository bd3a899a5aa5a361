package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/command"
	"github.com/danmuck/edgelink/internal/mirror"
	"github.com/danmuck/edgelink/internal/protocol/envelope"
	"github.com/danmuck/edgelink/internal/protocol/osc"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/fakedevice"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/google/go-cmp/cmp"
)

func testSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.IdleTimeout = 2 * time.Second
	cfg.BootstrapTimeout = 2 * time.Second
	return cfg
}

// pipeDialer serves dev on a fresh in-memory pipe per dial and hands the
// device end to servers when it is non-nil.
func pipeDialer(dev *fakedevice.Device, servers chan<- transport.Conn) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, _ string) (transport.Conn, error) {
		client, server := transport.Pipe()
		go func() { _ = dev.Serve(context.Background(), server) }()
		if servers != nil {
			servers <- server
		}
		return client, nil
	})
}

func connected(t *testing.T, dev *fakedevice.Device, cfg session.Config) *Bridge {
	t.Helper()
	b, err := New(Config{Session: cfg, Dialer: pipeDialer(dev, nil)})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	if err := b.Connect(context.Background(), "pipe://device"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitFor(t *testing.T, feed *mirror.Feed, match func(mirror.Notification) bool) mirror.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		n, err := feed.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for notification: %v", err)
		}
		if match(n) {
			return n
		}
	}
}

func TestConnectBootstrapsThreeInstances(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(3))
	b := connected(t, dev, testSession())

	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	var kinds []string
	var bulk mirror.Notification
	for {
		n, ok := b.Notifications().TryNext()
		if !ok {
			break
		}
		kinds = append(kinds, n.Kind.String()+":"+n.State)
		if n.Kind == mirror.NotifyBulkInitialized {
			bulk = n
		}
	}
	want := []string{"connectivity:connecting", "bulk_initialized:", "connectivity:open"}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("notification order mismatch (-want +got):\n%s", diff)
	}
	var instances []string
	for _, e := range bulk.Entities {
		if e.Kind == mirror.EntityInstance {
			instances = append(instances, e.Name())
		}
	}
	if diff := cmp.Diff([]string{"0", "1", "2"}, instances); diff != "" {
		t.Fatalf("instances mismatch (-want +got):\n%s", diff)
	}
}

func TestBootstrapIsFirstAndGateHoldsCalls(t *testing.T) {
	testlog.Start(t)
	client, server := transport.Pipe()
	b, err := New(Config{
		Session: testSession(),
		Dialer: transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
			return client, nil
		}),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	connectErr := make(chan error, 1)
	go func() { connectErr <- b.Connect(ctx, "pipe://manual") }()

	first, err := server.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.Binary || string(first.Data) != `{"COMMAND":"DESCRIBE","DATA":"/"}` {
		t.Fatalf("first outbound message must be the full-tree request, got %q", first.Data)
	}

	issued := make(chan error, 1)
	go func() {
		_, err := b.IssueRead(ctx, command.MethodFileList, map[string]any{"filetype": "datafile"})
		issued <- err
	}()
	select {
	case err := <-issued:
		t.Fatalf("call passed the readiness gate before bootstrap: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	tree, _ := json.Marshal(fakedevice.Instances(1))
	if err := server.WriteMessage(ctx, transport.Message{Data: tree}); err != nil {
		t.Fatalf("write tree: %v", err)
	}
	if err := <-connectErr; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := <-issued; err != nil {
		t.Fatalf("gated call: %v", err)
	}

	listen, _ := server.ReadMessage(ctx)
	if string(listen.Data) != `{"COMMAND":"LISTEN","DATA":"/"}` {
		t.Fatalf("expected listen request, got %q", listen.Data)
	}
	req, _ := server.ReadMessage(ctx)
	raw, _ := envelope.Decode(req.Data)
	got, _, err := envelope.DecodeRequest(raw)
	if err != nil || got.Method != "file_list" {
		t.Fatalf("expected file_list request, got %q err=%v", req.Data, err)
	}
	_ = b.Close()
}

func TestReadFileReassemblesOutOfOrderChunks(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	dev.ReadOrder = func(n int) []int {
		if n == 4 {
			return []int{2, 0, 3, 1}
		}
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	dev.PutFile("datafile", "loop.wav", payload)

	cfg := testSession()
	cfg.ReadChunkSize = 1000
	b := connected(t, dev, cfg)
	got, err := b.ReadFile(context.Background(), "datafile", "loop.wav")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled content differs: got %d bytes", len(got))
	}
}

func TestWriteFileListDeleteRoundTrip(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	b := connected(t, dev, testSession())
	ctx := context.Background()

	payload := bytes.Repeat([]byte("edgelink"), 25*1024/8)
	var progress []float64
	err := b.WriteFile(ctx, "datafile", "take1.wav", bytes.NewReader(payload), int64(len(payload)), func(p command.Progress) {
		progress = append(progress, p.Percent)
	})
	if err != nil {
		t.Fatalf("write file: %v", err)
	}
	stored, ok := dev.File("datafile", "take1.wav")
	if !ok || !bytes.Equal(stored, payload) {
		t.Fatalf("device stored %d bytes, want %d", len(stored), len(payload))
	}
	if len(progress) != 3 || progress[2] != 100 {
		t.Fatalf("unexpected progress: %v", progress)
	}

	names, err := b.ListFiles(ctx, "datafile")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"take1.wav"}, names); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}

	if err := b.DeleteFile(ctx, "datafile", "take1.wav"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = b.DeleteFile(ctx, "datafile", "take1.wav")
	var derr *command.DeviceError
	if !errors.As(err, &derr) || derr.Code != fakedevice.CodeNoSuchFile {
		t.Fatalf("expected device error, got %v", err)
	}
}

func TestPackageCreateAndInstall(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	b := connected(t, dev, testSession())
	ctx := context.Background()

	res, err := b.CreatePackage(ctx, "set1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var filename string
	if err := json.Unmarshal(res.Content, &filename); err != nil {
		t.Fatalf("package name: %v", err)
	}
	var progress []float64
	if err := b.InstallPackage(ctx, filename, func(p float64) { progress = append(progress, p) }); err != nil {
		t.Fatalf("install: %v", err)
	}
	if diff := cmp.Diff([]float64{0, 50, 100}, progress); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestDeviceChangesReachFeed(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(2))
	b := connected(t, dev, testSession())
	feed := b.Notifications()
	ctx := context.Background()

	if err := dev.SetValue(ctx, "/rnbo/inst/1/params/gain", osc.Float32(0.75)); err != nil {
		t.Fatalf("set value: %v", err)
	}
	n := waitFor(t, feed, func(n mirror.Notification) bool { return n.Kind == mirror.NotifyValueChanged })
	if n.Address != "/rnbo/inst/1/params/gain" || !cmp.Equal(n.Values, []any{float32(0.75)}) {
		t.Fatalf("unexpected value change: %+v", n)
	}

	sub := &envelope.Node{Contents: map[string]*envelope.Node{
		"params": {Contents: map[string]*envelope.Node{
			"cutoff": {Type: "f", Value: []any{440.0}},
		}},
	}}
	if err := dev.AddPath(ctx, "/rnbo/inst/2", sub); err != nil {
		t.Fatalf("add path: %v", err)
	}
	var added []string
	for len(added) < 3 {
		n := waitFor(t, feed, func(n mirror.Notification) bool { return n.Kind == mirror.NotifyAdded })
		added = append(added, n.Address)
	}
	want := []string{"/rnbo/inst/2", "/rnbo/inst/2/params", "/rnbo/inst/2/params/cutoff"}
	if diff := cmp.Diff(want, added); diff != "" {
		t.Fatalf("added mismatch (-want +got):\n%s", diff)
	}

	if err := dev.RemovePath(ctx, "/rnbo/inst/0"); err != nil {
		t.Fatalf("remove path: %v", err)
	}
	last := waitFor(t, feed, func(n mirror.Notification) bool {
		return n.Kind == mirror.NotifyRemoved && n.Address == "/rnbo/inst/0"
	})
	if last.Entity == nil || last.Entity.Kind != mirror.EntityInstance {
		t.Fatalf("instance removal missing entity: %+v", last)
	}
	if _, ok := b.Lookup("/rnbo/inst/0"); ok {
		t.Fatalf("removed instance still mirrored")
	}
}

func TestMeterTrafficWithoutReaderStaysBounded(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	b := connected(t, dev, testSession())
	ctx := context.Background()
	const addr = "/rnbo/inst/0/params/gain"
	const updates = 5000
	for i := 1; i <= updates; i++ {
		if err := dev.SetValue(ctx, addr, osc.Float32(float32(i))); err != nil {
			t.Fatalf("set value %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, ok := b.Lookup(addr)
		if ok && cmp.Equal(n.Value, []any{float32(updates)}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror did not reach the last update: %+v", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// connecting, bulk_initialized, open, one coalesced value change
	if got := b.Notifications().Len(); got != 4 {
		t.Fatalf("expected 4 queued notifications, got %d", got)
	}
	waitFor(t, b.Notifications(), func(n mirror.Notification) bool {
		return n.Kind == mirror.NotifyValueChanged && cmp.Equal(n.Values, []any{float32(updates)})
	})
}

func TestMalformedFramesDoNotCloseConnection(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	b := connected(t, dev, testSession())
	ctx := context.Background()

	for _, msg := range []transport.Message{
		{Binary: true, Data: []byte{0xff, 0x00, 0x01}},
		{Data: []byte(`{"FULL_PATH":`)},
		{Data: []byte(`{"hello":"world"}`)},
		{Data: []byte(`{"id":"unknown","result":{"code":0,"message":"completed"}}`)},
	} {
		if err := dev.Send(ctx, msg); err != nil {
			t.Fatalf("send noise: %v", err)
		}
	}
	if err := dev.SetValue(ctx, "/rnbo/inst/0/params/gain", osc.Float32(0.1)); err != nil {
		t.Fatalf("set value: %v", err)
	}
	waitFor(t, b.Notifications(), func(n mirror.Notification) bool { return n.Kind == mirror.NotifyValueChanged })
	if b.State() != StateOpen {
		t.Fatalf("noise closed the connection: %s", b.State())
	}
	if b.Status().Unmatched != 1 {
		t.Fatalf("expected one unmatched result, got %d", b.Status().Unmatched)
	}
}

func TestSendValueAndQuery(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	b := connected(t, dev, testSession())
	ctx := context.Background()

	if err := b.SendValue(ctx, "/rnbo/inst/0/params/gain", osc.Float32(0.9)); err != nil {
		t.Fatalf("send value: %v", err)
	}
	node, err := b.Query(ctx, "/rnbo/inst/0/params")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	gain, ok := node.Children["gain"]
	if !ok {
		t.Fatalf("query reply missing gain: %+v", node)
	}
	// the device handles messages in order, so the query reply reflects the sent value
	if !cmp.Equal(gain.Value, []any{0.9}) {
		t.Fatalf("unexpected gain value: %v", gain.Value)
	}
	if v, _ := dev.Value("/rnbo/inst/0/params/gain"); !cmp.Equal(v, []any{float32(0.9)}) {
		t.Fatalf("device value not updated: %v", v)
	}
}

func TestTransportLossFailsInFlightAndFreezesMirror(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	dev.ReadOrder = func(int) []int { return nil }
	dev.PutFile("datafile", "stuck.wav", []byte("0123456789"))
	servers := make(chan transport.Conn, 1)
	b, err := New(Config{Session: testSession(), Dialer: pipeDialer(dev, servers)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := b.Connect(ctx, "pipe://device"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := <-servers

	seq, err := b.IssueRead(ctx, command.MethodFileRead, map[string]any{"filetype": "datafile", "filename": "stuck.wav"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_ = server.Close()

	if _, err := seq.Next(ctx); !errors.Is(err, command.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not closed after transport loss")
	}
	if b.State() != StateClosed || b.Err() == nil {
		t.Fatalf("expected closed with cause, got %s err=%v", b.State(), b.Err())
	}
	n := waitFor(t, b.Notifications(), func(n mirror.Notification) bool {
		return n.Kind == mirror.NotifyConnectivity && n.State == StateClosed.String()
	})
	if n.Err == nil {
		t.Fatalf("connectivity notification missing cause")
	}
	if _, ok := b.Lookup("/rnbo/inst/0/params/gain"); !ok {
		t.Fatalf("frozen mirror must stay readable")
	}
	if !b.Status().Frozen {
		t.Fatalf("mirror not frozen")
	}
	if _, err := b.IssueRead(ctx, command.MethodFileList, nil); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after loss, got %v", err)
	}
}

func TestCloseFailsOutstandingAndIsIdempotent(t *testing.T) {
	testlog.Start(t)
	dev := fakedevice.New(fakedevice.Instances(1))
	dev.ReadOrder = func(int) []int { return nil }
	dev.PutFile("datafile", "stuck.wav", []byte("x"))
	b := connected(t, dev, testSession())
	ctx := context.Background()

	seq, err := b.IssueRead(ctx, command.MethodFileRead, map[string]any{"filetype": "datafile", "filename": "stuck.wav"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_, err = seq.Next(ctx)
	if !errors.Is(err, ErrClosed) || !errors.Is(err, command.ErrCanceled) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if b.State() != StateClosed || b.Err() != nil {
		t.Fatalf("requested close must not record a cause: %s %v", b.State(), b.Err())
	}
}

func TestCallsBeforeConnectFail(t *testing.T) {
	testlog.Start(t)
	b, err := New(Config{Dialer: pipeDialer(fakedevice.New(nil), nil)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := b.SendValue(context.Background(), "/x", osc.Int32(1)); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if b.Snapshot() != nil {
		t.Fatalf("snapshot before connect must be nil")
	}
	if _, err := New(Config{}); !errors.Is(err, ErrDialerRequired) {
		t.Fatalf("expected ErrDialerRequired, got %v", err)
	}
}

func TestBootstrapTimeoutLeavesBridgeClosed(t *testing.T) {
	testlog.Start(t)
	mute := fakedevice.New(fakedevice.Instances(1))
	mute.SkipBootstrap = true
	devices := []*fakedevice.Device{mute, fakedevice.New(fakedevice.Instances(1))}
	var dials atomic.Int32
	dialer := transport.DialerFunc(func(ctx context.Context, endpoint string) (transport.Conn, error) {
		dev := devices[int(dials.Add(1)-1)%len(devices)]
		return pipeDialer(dev, nil).Dial(ctx, endpoint)
	})
	cfg := testSession()
	cfg.BootstrapTimeout = 50 * time.Millisecond
	b, _ := New(Config{Session: cfg, Dialer: dialer})

	err := b.Connect(context.Background(), "pipe://device")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected bootstrap deadline, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after failed bootstrap, got %s", b.State())
	}

	if err := b.Connect(context.Background(), "pipe://device"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer b.Close()
	if b.State() != StateOpen || b.Snapshot() == nil {
		t.Fatalf("reconnect did not open with a fresh mirror")
	}
	if err := b.Connect(context.Background(), "pipe://device"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}
