package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/envelope"
	"github.com/oklog/ulid/v2"
)

// Method is one of the fixed device command names, as sent on the wire.
type Method string

const (
	MethodFileList          Method = "file_list"
	MethodFileRead          Method = "file_read"
	MethodFileDelete        Method = "file_delete"
	MethodFileWrite         Method = "file_write"
	MethodFileWriteExtended Method = "file_write_extended"
	MethodPackageCreate     Method = "package_create"
	MethodPackageInstall    Method = "package_install"
)

// Shape selects how a command's exchange is consumed.
type Shape uint8

const (
	ShapeRead Shape = iota + 1
	ShapeWrite
)

func (s Shape) String() string {
	switch s {
	case ShapeRead:
		return "read"
	case ShapeWrite:
		return "write"
	default:
		return "unknown"
	}
}

var methodShapes = map[Method]Shape{
	MethodFileList:          ShapeRead,
	MethodFileRead:          ShapeRead,
	MethodFileDelete:        ShapeRead,
	MethodFileWrite:         ShapeWrite,
	MethodFileWriteExtended: ShapeWrite,
	MethodPackageCreate:     ShapeRead,
	MethodPackageInstall:    ShapeRead,
}

// Shape reports the exchange shape of m; ok is false for unknown methods.
func (m Method) Shape() (Shape, bool) {
	s, ok := methodShapes[m]
	return s, ok
}

func ParseMethod(raw string) (Method, error) {
	m := Method(strings.TrimSpace(raw))
	if _, ok := methodShapes[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, raw)
	}
	return m, nil
}

// Methods lists the known methods in wire-name order.
func Methods() []Method {
	return []Method{
		MethodFileDelete,
		MethodFileList,
		MethodFileRead,
		MethodFileWrite,
		MethodFileWriteExtended,
		MethodPackageCreate,
		MethodPackageInstall,
	}
}

// ResultFrame is one inbound response unit for a command.
type ResultFrame = envelope.Result

// Command is one issued exchange. It is not modified after issue.
type Command struct {
	ID       string
	Method   Method
	Params   map[string]any
	IssuedAt time.Time
}

func newCommand(method Method, params map[string]any) Command {
	return Command{
		ID:       ulid.Make().String(),
		Method:   method,
		Params:   cloneParams(params),
		IssuedAt: time.Now(),
	}
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Terminal message tags.
const (
	MessageCompleted = "completed"
	MessageDeleted   = "deleted"
	MessageInstalled = "installed"
	MessageCreated   = "created"
	MessageReceived  = "received"
)

// IsTerminal reports whether f ends its logical result.
func IsTerminal(f ResultFrame) bool {
	if f.Failed() {
		return true
	}
	if f.Remaining != nil && *f.Remaining <= 0 {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(f.Message)) {
	case MessageCompleted, MessageDeleted, MessageInstalled, MessageCreated:
		return true
	}
	return f.Seq == nil && f.Remaining == nil && f.Progress == nil
}
