package osc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type tags from the OSC 1.0 contract plus the common 1.1 extensions.
const (
	TypeInt32   byte = 'i'
	TypeInt64   byte = 'h'
	TypeFloat32 byte = 'f'
	TypeFloat64 byte = 'd'
	TypeString  byte = 's'
	TypeBlob    byte = 'b'
	TypeTrue    byte = 'T'
	TypeFalse   byte = 'F'
	TypeNil     byte = 'N'
	TypeImpulse byte = 'I'
)

var ErrArgTypeMismatch = errors.New("osc: argument type mismatch")

// Arg is one typed positional argument. Value holds the big-endian wire
// bytes for numbers and the raw bytes for strings and blobs.
type Arg struct {
	Type  byte
	Value []byte
}

func knownType(t byte) bool {
	switch t {
	case TypeInt32, TypeInt64, TypeFloat32, TypeFloat64, TypeString, TypeBlob,
		TypeTrue, TypeFalse, TypeNil, TypeImpulse:
		return true
	}
	return false
}

// Int32 creates an int32 argument.
func Int32(v int32) Arg {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return Arg{Type: TypeInt32, Value: buf}
}

// Int64 creates an int64 argument.
func Int64(v int64) Arg {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return Arg{Type: TypeInt64, Value: buf}
}

// Float32 creates a float32 argument.
func Float32(v float32) Arg {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	return Arg{Type: TypeFloat32, Value: buf}
}

// Float64 creates a float64 argument.
func Float64(v float64) Arg {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return Arg{Type: TypeFloat64, Value: buf}
}

// String creates a string argument.
func String(v string) Arg {
	return Arg{Type: TypeString, Value: []byte(v)}
}

// Blob creates a blob argument.
func Blob(v []byte) Arg {
	return Arg{Type: TypeBlob, Value: clone(v)}
}

// Bool creates a T or F argument.
func Bool(v bool) Arg {
	if v {
		return Arg{Type: TypeTrue}
	}
	return Arg{Type: TypeFalse}
}

func Nil() Arg     { return Arg{Type: TypeNil} }
func Impulse() Arg { return Arg{Type: TypeImpulse} }

// AsInt32 returns the argument as int32.
func (a Arg) AsInt32() (int32, error) {
	if a.Type != TypeInt32 {
		return 0, ErrArgTypeMismatch
	}
	return int32(binary.BigEndian.Uint32(a.Value)), nil
}

// AsInt64 returns the argument as int64.
func (a Arg) AsInt64() (int64, error) {
	if a.Type != TypeInt64 {
		return 0, ErrArgTypeMismatch
	}
	return int64(binary.BigEndian.Uint64(a.Value)), nil
}

// AsFloat32 returns the argument as float32.
func (a Arg) AsFloat32() (float32, error) {
	if a.Type != TypeFloat32 {
		return 0, ErrArgTypeMismatch
	}
	return math.Float32frombits(binary.BigEndian.Uint32(a.Value)), nil
}

// AsFloat64 returns the argument as float64.
func (a Arg) AsFloat64() (float64, error) {
	if a.Type != TypeFloat64 {
		return 0, ErrArgTypeMismatch
	}
	return math.Float64frombits(binary.BigEndian.Uint64(a.Value)), nil
}

// AsString returns the argument as string.
func (a Arg) AsString() (string, error) {
	if a.Type != TypeString {
		return "", ErrArgTypeMismatch
	}
	return string(a.Value), nil
}

// AsBlob returns a copy of the blob bytes.
func (a Arg) AsBlob() ([]byte, error) {
	if a.Type != TypeBlob {
		return nil, ErrArgTypeMismatch
	}
	return clone(a.Value), nil
}

// AsBool returns T/F arguments as bool.
func (a Arg) AsBool() (bool, error) {
	switch a.Type {
	case TypeTrue:
		return true, nil
	case TypeFalse:
		return false, nil
	default:
		return false, ErrArgTypeMismatch
	}
}

// Any returns the argument as a plain Go value. Impulse and nil map to nil.
func (a Arg) Any() any {
	switch a.Type {
	case TypeInt32:
		v, _ := a.AsInt32()
		return v
	case TypeInt64:
		v, _ := a.AsInt64()
		return v
	case TypeFloat32:
		v, _ := a.AsFloat32()
		return v
	case TypeFloat64:
		v, _ := a.AsFloat64()
		return v
	case TypeString:
		return string(a.Value)
	case TypeBlob:
		return clone(a.Value)
	case TypeTrue:
		return true
	case TypeFalse:
		return false
	default:
		return nil
	}
}

// FromAny converts a Go value into an argument using the natural tag.
func FromAny(v any) (Arg, error) {
	switch x := v.(type) {
	case nil:
		return Nil(), nil
	case bool:
		return Bool(x), nil
	case int:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return Int32(int32(x)), nil
		}
		return Int64(int64(x)), nil
	case int32:
		return Int32(x), nil
	case int64:
		return Int64(x), nil
	case float32:
		return Float32(x), nil
	case float64:
		return Float64(x), nil
	case string:
		return String(x), nil
	case []byte:
		return Blob(x), nil
	case Arg:
		return x, nil
	default:
		return Arg{}, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// Coerce converts v to the argument type named by tag. Numbers convert
// between int and float tags; JSON decoded numbers arrive as float64.
func Coerce(tag byte, v any) (Arg, error) {
	switch tag {
	case TypeInt32, TypeInt64, TypeFloat32, TypeFloat64:
		f, ok := toFloat(v)
		if !ok {
			return Arg{}, fmt.Errorf("%w: %T for %q", ErrArgTypeMismatch, v, tag)
		}
		switch tag {
		case TypeInt32:
			return Int32(int32(f)), nil
		case TypeInt64:
			return Int64(int64(f)), nil
		case TypeFloat32:
			return Float32(float32(f)), nil
		default:
			return Float64(f), nil
		}
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return Arg{}, fmt.Errorf("%w: %T for %q", ErrArgTypeMismatch, v, tag)
		}
		return String(s), nil
	case TypeTrue, TypeFalse:
		b, ok := v.(bool)
		if !ok {
			return Arg{}, fmt.Errorf("%w: %T for %q", ErrArgTypeMismatch, v, tag)
		}
		return Bool(b), nil
	case TypeBlob:
		b, ok := v.([]byte)
		if !ok {
			return Arg{}, fmt.Errorf("%w: %T for %q", ErrArgTypeMismatch, v, tag)
		}
		return Blob(b), nil
	case TypeNil:
		return Nil(), nil
	case TypeImpulse:
		return Impulse(), nil
	default:
		return Arg{}, fmt.Errorf("%w: %q", ErrUnsupportedType, tag)
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
