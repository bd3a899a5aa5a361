// Package fakedevice simulates the device end of the bridge socket: the tree
// protocol, value protocol and command protocol over any transport.Conn.
package fakedevice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol/envelope"
	"github.com/danmuck/edgelink/internal/protocol/osc"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/rs/zerolog"
)

var ErrNoClient = errors.New("fakedevice: no client connected")

// Device error codes.
const (
	CodeNoSuchFile    = 2
	CodeUnknownMethod = -32601
	CodeBadParams     = -32602
)

// Device is an in-memory device. Exported fields are read at request time.
type Device struct {
	// ReadOrder permutes the emission order of file_read chunks.
	ReadOrder func(n int) []int
	// AckDelay postpones every write acknowledgment.
	AckDelay time.Duration
	// SkipBootstrap leaves the full-tree request unanswered.
	SkipBootstrap bool

	logger zerolog.Logger

	mu        sync.Mutex
	root      *envelope.Node
	files     map[string]map[string][]byte
	uploads   map[string]*upload
	conn      transport.Conn
	listening bool
	requests  []envelope.Request
	aborted   []string
}

type upload struct {
	filetype string
	filename string
	data     []byte
	chunks   int
}

func New(root *envelope.Node) *Device {
	if root == nil {
		root = &envelope.Node{FullPath: "/", Contents: map[string]*envelope.Node{}}
	}
	return &Device{
		logger:  logging.Component("fakedevice"),
		root:    root,
		files:   make(map[string]map[string][]byte),
		uploads: make(map[string]*upload),
	}
}

func (d *Device) PutFile(filetype, filename string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.files[filetype] == nil {
		d.files[filetype] = make(map[string][]byte)
	}
	d.files[filetype][filename] = append([]byte(nil), data...)
}

func (d *Device) File(filetype, filename string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[filetype][filename]
	return append([]byte(nil), data...), ok
}

// Requests returns every command request received, in order.
func (d *Device) Requests() []envelope.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]envelope.Request(nil), d.requests...)
}

// Aborted lists command ids whose upload was aborted.
func (d *Device) Aborted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.aborted...)
}

// Listening reports whether the client asked for value streaming.
func (d *Device) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listening
}

// Value returns the stored value at addr.
func (d *Device) Value(addr string) ([]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := find(d.root, addr)
	if n == nil {
		return nil, false
	}
	return append([]any(nil), n.Value...), true
}

// Serve answers one client until the connection or ctx ends.
func (d *Device) Serve(ctx context.Context, conn transport.Conn) error {
	d.mu.Lock()
	d.conn = conn
	d.listening = false
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.conn == conn {
			d.conn = nil
		}
		d.mu.Unlock()
	}()
	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if msg.Binary {
			d.handleValue(msg.Data)
			continue
		}
		if err := d.handleText(ctx, conn, msg.Data); err != nil {
			d.logger.Warn().Err(err).Msg("request failed")
		}
	}
}

// Send writes a raw message to the connected client.
func (d *Device) Send(ctx context.Context, msg transport.Message) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ErrNoClient
	}
	return conn.WriteMessage(ctx, msg)
}

func (d *Device) sendJSON(ctx context.Context, conn transport.Conn, payload []byte) error {
	return conn.WriteMessage(ctx, transport.Message{Data: payload})
}

// AddPath inserts n at addr and announces it.
func (d *Device) AddPath(ctx context.Context, addr string, n *envelope.Node) error {
	d.mu.Lock()
	insert(d.root, addr, n)
	d.mu.Unlock()
	return d.announce(ctx, envelope.Structural{Command: envelope.CommandPathAdded, Address: addr})
}

// RemovePath deletes the subtree at addr and announces it.
func (d *Device) RemovePath(ctx context.Context, addr string) error {
	d.mu.Lock()
	remove(d.root, addr)
	d.mu.Unlock()
	return d.announce(ctx, envelope.Structural{Command: envelope.CommandPathRemoved, Address: addr})
}

func (d *Device) announce(ctx context.Context, s envelope.Structural) error {
	payload, err := envelope.EncodeStructural(s)
	if err != nil {
		return err
	}
	return d.Send(ctx, transport.Message{Data: payload})
}

// SetValue stores a leaf value and pushes it to the client.
func (d *Device) SetValue(ctx context.Context, addr string, args ...osc.Arg) error {
	msg := osc.Message{Address: addr, Args: args}
	d.mu.Lock()
	if n := find(d.root, addr); n != nil && n.Contents == nil {
		n.Value = msg.Values()
	}
	d.mu.Unlock()
	payload, err := osc.Encode(addr, args)
	if err != nil {
		return err
	}
	return d.Send(ctx, transport.Message{Binary: true, Data: payload})
}

func (d *Device) handleValue(data []byte) {
	msgs, err := osc.DecodePacket(data)
	if err != nil {
		d.logger.Debug().Err(err).Msg("bad value message")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range msgs {
		if n := find(d.root, m.Address); n != nil && n.Contents == nil {
			n.Value = m.Values()
		}
	}
}

func (d *Device) handleText(ctx context.Context, conn transport.Conn, data []byte) error {
	raw, err := envelope.Decode(data)
	if err != nil {
		return err
	}
	if raw.Has(envelope.AttrCommand) {
		var req envelope.TreeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		return d.handleTree(ctx, conn, req)
	}
	req, params, err := envelope.DecodeRequest(raw)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	return d.handleCommand(ctx, conn, req, params)
}

func (d *Device) handleTree(ctx context.Context, conn transport.Conn, req envelope.TreeRequest) error {
	switch req.Command {
	case envelope.CommandDescribe:
		if d.SkipBootstrap && (req.Data == "/" || req.Data == "") {
			return nil
		}
		d.mu.Lock()
		n := find(d.root, req.Data)
		var payload []byte
		var err error
		if n != nil {
			payload, err = json.Marshal(n)
		}
		d.mu.Unlock()
		if n == nil || err != nil {
			return err
		}
		return d.sendJSON(ctx, conn, payload)
	case envelope.CommandListen:
		d.mu.Lock()
		d.listening = true
		d.mu.Unlock()
	}
	return nil
}

func (d *Device) handleCommand(ctx context.Context, conn transport.Conn, req envelope.Request, params json.RawMessage) error {
	var p map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return d.fail(ctx, conn, req.ID, CodeBadParams, "bad params")
		}
	}
	str := func(key string) string {
		s, _ := p[key].(string)
		return s
	}
	switch req.Method {
	case "file_list":
		return d.fileList(ctx, conn, req.ID, str("filetype"))
	case "file_read":
		size := 1024
		if v, ok := p["size"].(float64); ok && v > 0 {
			size = int(v)
		}
		return d.fileRead(ctx, conn, req.ID, str("filetype"), str("filename"), size)
	case "file_delete":
		return d.fileDelete(ctx, conn, req.ID, str("filetype"), str("filename"))
	case "file_write", "file_write_extended":
		var chunk envelope.Chunk
		if err := json.Unmarshal(params, &chunk); err != nil {
			return d.fail(ctx, conn, req.ID, CodeBadParams, "bad chunk")
		}
		return d.fileWrite(ctx, conn, req.ID, chunk)
	case "package_create":
		return d.packageCreate(ctx, conn, req.ID, str("name"))
	case "package_install":
		return d.packageInstall(ctx, conn, req.ID, str("filename"))
	default:
		return d.fail(ctx, conn, req.ID, CodeUnknownMethod, "unknown method "+req.Method)
	}
}

func (d *Device) reply(ctx context.Context, conn transport.Conn, res envelope.Result) error {
	payload, err := envelope.EncodeResult(res)
	if err != nil {
		return err
	}
	return d.sendJSON(ctx, conn, payload)
}

func (d *Device) fail(ctx context.Context, conn transport.Conn, id string, code int, message string) error {
	payload, err := envelope.EncodeError(id, code, message)
	if err != nil {
		return err
	}
	return d.sendJSON(ctx, conn, payload)
}

func (d *Device) fileList(ctx context.Context, conn transport.Conn, id, filetype string) error {
	d.mu.Lock()
	names := make([]string, 0, len(d.files[filetype]))
	for name := range d.files[filetype] {
		names = append(names, name)
	}
	d.mu.Unlock()
	sort.Strings(names)
	content, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return d.reply(ctx, conn, envelope.Result{ID: id, Message: "completed", Content: content})
}

func (d *Device) fileRead(ctx context.Context, conn transport.Conn, id, filetype, filename string, size int) error {
	data, ok := d.File(filetype, filename)
	if !ok {
		return d.fail(ctx, conn, id, CodeNoSuchFile, "no such file "+filename)
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += size {
		chunks = append(chunks, data[off:min(off+size, len(data))])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{nil}
	}
	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	if d.ReadOrder != nil {
		order = d.ReadOrder(len(chunks))
	}
	for i, seq := range order {
		content, err := json.Marshal(base64.StdEncoding.EncodeToString(chunks[seq]))
		if err != nil {
			return err
		}
		res := envelope.Result{
			ID:        id,
			Message:   "chunk",
			Seq:       envelope.IntPtr(seq),
			Remaining: envelope.IntPtr(len(order) - 1 - i),
			Content:   content,
		}
		if err := d.reply(ctx, conn, res); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) fileDelete(ctx context.Context, conn transport.Conn, id, filetype, filename string) error {
	d.mu.Lock()
	_, ok := d.files[filetype][filename]
	delete(d.files[filetype], filename)
	d.mu.Unlock()
	if !ok {
		return d.fail(ctx, conn, id, CodeNoSuchFile, "no such file "+filename)
	}
	return d.reply(ctx, conn, envelope.Result{ID: id, Message: "deleted"})
}

func (d *Device) fileWrite(ctx context.Context, conn transport.Conn, id string, chunk envelope.Chunk) error {
	d.mu.Lock()
	up, ok := d.uploads[id]
	if !chunk.Append || !ok {
		up = &upload{filetype: chunk.Filetype, filename: chunk.Filename}
		d.uploads[id] = up
	}
	if chunk.Abort {
		delete(d.uploads, id)
		d.aborted = append(d.aborted, id)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return d.fail(ctx, conn, id, CodeBadParams, "data is not base64")
	}
	if d.AckDelay > 0 {
		time.Sleep(d.AckDelay)
	}
	d.mu.Lock()
	up.data = append(up.data, data...)
	up.chunks++
	if chunk.Complete {
		delete(d.uploads, id)
		if d.files[up.filetype] == nil {
			d.files[up.filetype] = make(map[string][]byte)
		}
		d.files[up.filetype][up.filename] = up.data
	}
	d.mu.Unlock()

	msg := "received"
	if chunk.Complete {
		msg = "completed"
	}
	return d.reply(ctx, conn, envelope.Result{ID: id, Message: msg})
}

func (d *Device) packageCreate(ctx context.Context, conn transport.Conn, id, name string) error {
	if strings.TrimSpace(name) == "" {
		return d.fail(ctx, conn, id, CodeBadParams, "name required")
	}
	filename := name + ".rnbopack"
	d.PutFile("package", filename, []byte("package:"+name))
	content, _ := json.Marshal(filename)
	return d.reply(ctx, conn, envelope.Result{ID: id, Message: "created", Content: content})
}

func (d *Device) packageInstall(ctx context.Context, conn transport.Conn, id, filename string) error {
	if _, ok := d.File("package", filename); !ok {
		return d.fail(ctx, conn, id, CodeNoSuchFile, fmt.Sprintf("no such package %s", filename))
	}
	for _, p := range []float64{0, 50} {
		if err := d.reply(ctx, conn, envelope.Result{ID: id, Message: "installing", Progress: envelope.FloatPtr(p)}); err != nil {
			return err
		}
	}
	return d.reply(ctx, conn, envelope.Result{ID: id, Message: "installed", Progress: envelope.FloatPtr(100)})
}
