package frame

import (
	"errors"
	"testing"

	"github.com/danmuck/edgelink/internal/protocol/envelope"
	"github.com/danmuck/edgelink/internal/protocol/osc"
)

func TestDecodeClassifiesEachVariant(t *testing.T) {
	value, err := osc.Encode("/rnbo/inst/0/params/gain", []osc.Arg{osc.Float32(0.5)})
	if err != nil {
		t.Fatalf("encode value: %v", err)
	}
	cases := []struct {
		name   string
		binary bool
		data   []byte
		want   Kind
	}{
		{name: "value", binary: true, data: value, want: KindValue},
		{name: "tree", data: []byte(`{"FULL_PATH":"/","CONTENTS":{}}`), want: KindTree},
		{name: "added", data: []byte(`{"COMMAND":"PATH_ADDED","DATA":"/x"}`), want: KindStructural},
		{name: "removed", data: []byte(`{"COMMAND":"PATH_REMOVED","DATA":"/x"}`), want: KindStructural},
		{name: "result", data: []byte(`{"id":"c","result":{"code":0,"message":"completed"}}`), want: KindResult},
		{name: "error", data: []byte(`{"id":"c","error":{"code":3,"message":"nope"}}`), want: KindResult},
		{name: "foreign command", data: []byte(`{"COMMAND":"ATTRIBUTES_CHANGED","DATA":{}}`), want: KindUnknown},
		{name: "unknown", data: []byte(`{"hello":"world"}`), want: KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Decode(tc.binary, tc.data, DefaultLimits())
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Kind != tc.want {
				t.Fatalf("kind mismatch: got=%s want=%s", f.Kind, tc.want)
			}
		})
	}
}

func TestDecodeMalformedWrapsSentinel(t *testing.T) {
	if _, err := Decode(true, []byte{1, 2, 3}, DefaultLimits()); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for binary, got %v", err)
	}
	_, err := Decode(false, []byte(`{"FULL_PATH":`), DefaultLimits())
	if !errors.Is(err, ErrMalformedFrame) || !errors.Is(err, envelope.ErrMalformed) {
		t.Fatalf("expected wrapped ErrMalformedFrame and ErrMalformed, got %v", err)
	}
}

func TestDecodeEnforcesLimits(t *testing.T) {
	limits := Limits{MaxBinaryBytes: 4, MaxTextBytes: 8}
	if _, err := Decode(true, make([]byte, 8), limits); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if _, err := Decode(false, []byte(`{"FULL_PATH":"/"}`), limits); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
