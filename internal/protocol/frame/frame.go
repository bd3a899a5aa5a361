package frame

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgelink/internal/protocol/envelope"
	"github.com/danmuck/edgelink/internal/protocol/osc"
)

// Kind is the closed set of inbound frame variants.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValue
	KindTree
	KindStructural
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindTree:
		return "tree"
	case KindStructural:
		return "structural"
	case KindResult:
		return "result"
	default:
		return "unknown"
	}
}

var (
	ErrMalformedFrame = errors.New("frame: malformed frame")
	ErrFrameTooLarge  = errors.New("frame: frame too large")
)

// Frame is one classified inbound message. Exactly one of the variant fields
// is set, selected by Kind.
type Frame struct {
	Kind       Kind
	Values     []osc.Message
	Tree       *envelope.Node
	Structural envelope.Structural
	Result     envelope.Result

	// Reason names why an unknown text frame could not be classified.
	Reason string
}

// Limits constrains decode memory use.
type Limits struct {
	MaxBinaryBytes int
	MaxTextBytes   int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBinaryBytes: 64 * 1024,
		MaxTextBytes:   16 * 1024 * 1024,
	}
}

// Decode classifies one transport message. Binary messages are value
// protocol; text messages are JSON and classified by shape.
func Decode(binary bool, data []byte, limits Limits) (Frame, error) {
	if binary {
		if limits.MaxBinaryBytes > 0 && len(data) > limits.MaxBinaryBytes {
			return Frame{}, fmt.Errorf("%w: binary %d bytes", ErrFrameTooLarge, len(data))
		}
		msgs, err := osc.DecodePacket(data)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return Frame{Kind: KindValue, Values: msgs}, nil
	}

	if limits.MaxTextBytes > 0 && len(data) > limits.MaxTextBytes {
		return Frame{}, fmt.Errorf("%w: text %d bytes", ErrFrameTooLarge, len(data))
	}
	raw, err := envelope.Decode(data)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	switch {
	case raw.Has(envelope.AttrCommand):
		s, err := envelope.DecodeStructural(raw)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		if !envelope.IsStructural(s.Command) {
			return Frame{Kind: KindUnknown, Reason: "command " + s.Command}, nil
		}
		return Frame{Kind: KindStructural, Structural: s}, nil
	case envelope.IsResult(raw):
		res, err := envelope.DecodeResult(raw)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return Frame{Kind: KindResult, Result: res}, nil
	case raw.Has(envelope.AttrFullPath):
		n, err := envelope.DecodeNode(raw)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return Frame{Kind: KindTree, Tree: n}, nil
	default:
		return Frame{Kind: KindUnknown, Reason: "unrecognised shape"}, nil
	}
}
