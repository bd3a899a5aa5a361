// Package envelope owns the JSON shapes shared by the tree protocol and the
// command protocol.
//
// Ownership boundary:
// - node descriptions (FULL_PATH/CONTENTS/TYPE/VALUE)
// - structural commands (PATH_ADDED/PATH_REMOVED/PATH_RENAMED)
// - command requests, results and write chunks
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed       = errors.New("envelope: malformed json")
	ErrNotObject       = errors.New("envelope: top level is not an object")
	ErrMissingPath     = errors.New("envelope: missing FULL_PATH")
	ErrMissingCommand  = errors.New("envelope: missing COMMAND")
	ErrMissingID       = errors.New("envelope: missing id")
	ErrMissingResult   = errors.New("envelope: missing result or error")
	ErrInvalidRenaming = errors.New("envelope: invalid PATH_RENAMED data")
)

// Raw is one decoded top-level JSON object, keyed by attribute name.
type Raw map[string]json.RawMessage

// Has reports whether key is present.
func (r Raw) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Encode serializes v as a text envelope.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses text into a top-level object.
func Decode(data []byte) (Raw, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, ErrMalformed
		}
		return nil, ErrNotObject
	}
	var raw Raw
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}
