package bridge

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgelink/internal/command"
)

// State is the connection lifecycle position.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	ErrNotOpen          = errors.New("bridge: connection not open")
	ErrAlreadyConnected = errors.New("bridge: already connected")
	ErrDialerRequired   = errors.New("bridge: dialer required")
	// ErrClosed fails commands outstanding when Close is called.
	ErrClosed = fmt.Errorf("bridge: connection closed: %w", command.ErrCanceled)
)
