package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tree protocol command tags.
const (
	CommandPathAdded   = "PATH_ADDED"
	CommandPathRemoved = "PATH_REMOVED"
	CommandPathRenamed = "PATH_RENAMED"
	CommandDescribe    = "DESCRIBE"
	CommandListen      = "LISTEN"
	CommandIgnore      = "IGNORE"

	AttrCommand = "COMMAND"
	AttrData    = "DATA"
)

// Structural is one namespace change notification. OldAddress is set only
// for PATH_RENAMED.
type Structural struct {
	Command    string
	Address    string
	OldAddress string
}

// TreeRequest is an outbound tree protocol command.
type TreeRequest struct {
	Command string `json:"COMMAND"`
	Data    string `json:"DATA"`
}

type renameData struct {
	Old string `json:"OLD"`
	New string `json:"NEW"`
}

// IsStructural reports whether command names a namespace change.
func IsStructural(command string) bool {
	switch command {
	case CommandPathAdded, CommandPathRemoved, CommandPathRenamed:
		return true
	}
	return false
}

// DecodeStructural reads a {COMMAND, DATA} object.
func DecodeStructural(raw Raw) (Structural, error) {
	cmdRaw, ok := raw[AttrCommand]
	if !ok {
		return Structural{}, ErrMissingCommand
	}
	var s Structural
	if err := json.Unmarshal(cmdRaw, &s.Command); err != nil {
		return Structural{}, fmt.Errorf("%w: COMMAND: %v", ErrMalformed, err)
	}
	s.Command = strings.TrimSpace(s.Command)
	if !IsStructural(s.Command) {
		// foreign commands carry arbitrary DATA; the caller drops them
		return s, nil
	}
	data, ok := raw[AttrData]
	if !ok {
		return s, nil
	}
	if s.Command == CommandPathRenamed {
		var rn renameData
		if err := json.Unmarshal(data, &rn); err != nil {
			return Structural{}, fmt.Errorf("%w: %v", ErrInvalidRenaming, err)
		}
		if rn.Old == "" || rn.New == "" {
			return Structural{}, ErrInvalidRenaming
		}
		s.OldAddress = rn.Old
		s.Address = rn.New
		return s, nil
	}
	if err := json.Unmarshal(data, &s.Address); err != nil {
		return Structural{}, fmt.Errorf("%w: DATA: %v", ErrMalformed, err)
	}
	return s, nil
}

// EncodeTreeRequest builds a DESCRIBE/LISTEN/IGNORE request for address.
func EncodeTreeRequest(command, address string) ([]byte, error) {
	return json.Marshal(TreeRequest{Command: command, Data: address})
}

// EncodeStructural builds a structural notification. Used by the device
// simulator.
func EncodeStructural(s Structural) ([]byte, error) {
	if s.Command == CommandPathRenamed {
		return json.Marshal(map[string]any{
			AttrCommand: s.Command,
			AttrData:    renameData{Old: s.OldAddress, New: s.Address},
		})
	}
	return json.Marshal(TreeRequest{Command: s.Command, Data: s.Address})
}
