package command

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionLost = errors.New("command: connection lost")
	ErrCommandTimeout = errors.New("command: command timeout")
	ErrSequence       = errors.New("command: sequence error")
	ErrChannelBusy    = errors.New("command: write channel busy")
	ErrCanceled       = errors.New("command: canceled")
	ErrWrongShape     = errors.New("command: method used with wrong shape")
	ErrUnknownMethod  = errors.New("command: unknown method")
	ErrDevice         = errors.New("command: device error")
	ErrSinkClosed     = errors.New("command: write sink closed")
)

// DeviceError is a non-success status returned by the device.
type DeviceError struct {
	CommandID string
	Method    Method
	Code      int
	Message   string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("command: device error method=%s id=%s code=%d: %s", e.Method, e.CommandID, e.Code, e.Message)
}

func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}
