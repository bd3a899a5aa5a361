package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const bundleTag = "#bundle"

// maxBundleDepth bounds recursion into nested bundles.
const maxBundleDepth = 8

var (
	ErrInvalidAddress  = errors.New("osc: invalid address")
	ErrShortString     = errors.New("osc: unterminated or truncated string")
	ErrInvalidTypeTags = errors.New("osc: invalid type tag string")
	ErrUnsupportedType = errors.New("osc: unsupported argument type")
	ErrShortArgument   = errors.New("osc: truncated argument")
	ErrTrailingBytes   = errors.New("osc: trailing bytes after arguments")
	ErrInvalidBundle   = errors.New("osc: invalid bundle")
)

// Message is one decoded value-protocol message.
type Message struct {
	Address string
	Args    []Arg
}

// TypeTags returns the OSC type tag string for m, including the leading comma.
func (m Message) TypeTags() string {
	var b strings.Builder
	b.WriteByte(',')
	for _, a := range m.Args {
		b.WriteByte(a.Type)
	}
	return b.String()
}

// Values returns the arguments as plain Go values.
func (m Message) Values() []any {
	out := make([]any, 0, len(m.Args))
	for _, a := range m.Args {
		out = append(out, a.Any())
	}
	return out
}

// Encode writes one message in OSC 1.0 layout.
func Encode(address string, args []Arg) ([]byte, error) {
	if !strings.HasPrefix(address, "/") || strings.IndexByte(address, 0) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	var buf bytes.Buffer
	writePadded(&buf, []byte(address))

	tags := make([]byte, 0, len(args)+1)
	tags = append(tags, ',')
	for _, a := range args {
		if !knownType(a.Type) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, a.Type)
		}
		tags = append(tags, a.Type)
	}
	writePadded(&buf, tags)

	for _, a := range args {
		if err := writeArg(&buf, a); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode reads exactly one message. Bundles are rejected; use DecodePacket.
func Decode(b []byte) (Message, error) {
	if bytes.HasPrefix(b, []byte(bundleTag)) {
		return Message{}, fmt.Errorf("%w: bundle where message expected", ErrInvalidBundle)
	}
	return decodeMessage(b)
}

// DecodePacket reads a message or a (possibly nested) bundle and returns the
// contained messages in wire order.
func DecodePacket(b []byte) ([]Message, error) {
	return decodePacket(b, 0)
}

func decodePacket(b []byte, depth int) ([]Message, error) {
	if !bytes.HasPrefix(b, []byte(bundleTag)) {
		msg, err := decodeMessage(b)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}
	if depth >= maxBundleDepth {
		return nil, fmt.Errorf("%w: nested too deep", ErrInvalidBundle)
	}
	// "#bundle\0" + 8 byte time tag
	const head = 16
	if len(b) < head {
		return nil, fmt.Errorf("%w: short header", ErrInvalidBundle)
	}
	out := make([]Message, 0, 4)
	for i := head; i < len(b); {
		if len(b)-i < 4 {
			return nil, fmt.Errorf("%w: short element size", ErrInvalidBundle)
		}
		size := int(binary.BigEndian.Uint32(b[i : i+4]))
		i += 4
		if size < 0 || size > len(b)-i || size%4 != 0 {
			return nil, fmt.Errorf("%w: element size %d", ErrInvalidBundle, size)
		}
		msgs, err := decodePacket(b[i:i+size], depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
		i += size
	}
	return out, nil
}

func decodeMessage(b []byte) (Message, error) {
	address, off, err := readPadded(b, 0)
	if err != nil {
		return Message{}, err
	}
	if !strings.HasPrefix(address, "/") {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	msg := Message{Address: address}
	if off == len(b) {
		// type tag string omitted: legacy zero-argument message
		return msg, nil
	}
	tags, off, err := readPadded(b, off)
	if err != nil {
		return Message{}, err
	}
	if !strings.HasPrefix(tags, ",") {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidTypeTags, tags)
	}
	msg.Args = make([]Arg, 0, len(tags)-1)
	for i := 1; i < len(tags); i++ {
		var a Arg
		a, off, err = readArg(b, off, tags[i])
		if err != nil {
			return Message{}, err
		}
		msg.Args = append(msg.Args, a)
	}
	if off != len(b) {
		return Message{}, ErrTrailingBytes
	}
	return msg, nil
}

func readArg(b []byte, off int, tag byte) (Arg, int, error) {
	switch tag {
	case TypeInt32, TypeFloat32:
		if len(b)-off < 4 {
			return Arg{}, off, ErrShortArgument
		}
		return Arg{Type: tag, Value: clone(b[off : off+4])}, off + 4, nil
	case TypeInt64, TypeFloat64:
		if len(b)-off < 8 {
			return Arg{}, off, ErrShortArgument
		}
		return Arg{Type: tag, Value: clone(b[off : off+8])}, off + 8, nil
	case TypeString:
		s, next, err := readPadded(b, off)
		if err != nil {
			return Arg{}, off, err
		}
		return Arg{Type: tag, Value: []byte(s)}, next, nil
	case TypeBlob:
		if len(b)-off < 4 {
			return Arg{}, off, ErrShortArgument
		}
		n := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if n < 0 || n > len(b)-off {
			return Arg{}, off, ErrShortArgument
		}
		val := clone(b[off : off+n])
		off += pad4(n)
		if off > len(b) {
			return Arg{}, off, ErrShortArgument
		}
		return Arg{Type: tag, Value: val}, off, nil
	case TypeTrue, TypeFalse, TypeNil, TypeImpulse:
		return Arg{Type: tag}, off, nil
	default:
		return Arg{}, off, fmt.Errorf("%w: %q", ErrUnsupportedType, tag)
	}
}

func writeArg(buf *bytes.Buffer, a Arg) error {
	switch a.Type {
	case TypeInt32, TypeFloat32:
		if len(a.Value) != 4 {
			return fmt.Errorf("%w: %q wants 4 bytes, got %d", ErrShortArgument, a.Type, len(a.Value))
		}
		buf.Write(a.Value)
	case TypeInt64, TypeFloat64:
		if len(a.Value) != 8 {
			return fmt.Errorf("%w: %q wants 8 bytes, got %d", ErrShortArgument, a.Type, len(a.Value))
		}
		buf.Write(a.Value)
	case TypeString:
		if bytes.IndexByte(a.Value, 0) >= 0 {
			return fmt.Errorf("%w: string contains NUL", ErrUnsupportedType)
		}
		writePadded(buf, a.Value)
	case TypeBlob:
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(a.Value)))
		buf.Write(size[:])
		buf.Write(a.Value)
		for i := len(a.Value); i < pad4(len(a.Value)); i++ {
			buf.WriteByte(0)
		}
	}
	return nil
}

// readPadded reads a NUL-terminated string padded to a 4 byte boundary.
func readPadded(b []byte, off int) (string, int, error) {
	if off >= len(b) {
		return "", off, ErrShortString
	}
	n := bytes.IndexByte(b[off:], 0)
	if n < 0 {
		return "", off, ErrShortString
	}
	next := off + pad4(n+1)
	if next > len(b) {
		return "", off, ErrShortString
	}
	return string(b[off : off+n]), next, nil
}

func writePadded(buf *bytes.Buffer, s []byte) {
	buf.Write(s)
	for i := len(s); i < pad4(len(s)+1); i++ {
		buf.WriteByte(0)
	}
}

func pad4(n int) int {
	return (n + 3) &^ 3
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
