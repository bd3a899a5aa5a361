package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	args := []Arg{
		Int32(-7),
		Float32(0.5),
		String("gain"),
		Blob([]byte{0xAA, 0xBB, 0xCC}),
		Bool(true),
		Int64(1 << 40),
		Float64(-2.25),
		Nil(),
	}
	b, err := Encode("/rnbo/inst/0/params/gain", args)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b)%4 != 0 {
		t.Fatalf("encoded length not 4-byte aligned: %d", len(b))
	}
	msg, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Address != "/rnbo/inst/0/params/gain" {
		t.Fatalf("address mismatch: %q", msg.Address)
	}
	if got := msg.TypeTags(); got != ",ifsbThdN" {
		t.Fatalf("type tags mismatch: %q", got)
	}
	want := []any{int32(-7), float32(0.5), "gain", []byte{0xAA, 0xBB, 0xCC}, true, int64(1 << 40), float64(-2.25), nil}
	if diff := cmp.Diff(want, msg.Values()); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeKnownLayout(t *testing.T) {
	b, err := Encode("/a", []Arg{Int32(1)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{'/', 'a', 0, 0, ',', 'i', 0, 0, 0, 0, 0, 1}
	if !bytes.Equal(b, want) {
		t.Fatalf("layout mismatch: got=%v want=%v", b, want)
	}
}

func TestEncodeRejectsBadAddress(t *testing.T) {
	if _, err := Encode("gain", nil); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestDecodeMalformedIsDeterministic(t *testing.T) {
	cases := map[string]struct {
		in   []byte
		want error
	}{
		"unterminated address": {in: []byte{'/', 'a', 'b', 'c'}, want: ErrShortString},
		"missing slash":        {in: []byte{'a', 0, 0, 0}, want: ErrInvalidAddress},
		"bad tag prefix":       {in: []byte{'/', 0, 0, 0, 'i', 0, 0, 0}, want: ErrInvalidTypeTags},
		"truncated int":        {in: []byte{'/', 0, 0, 0, ',', 'i', 0, 0, 0, 1}, want: ErrShortArgument},
		"unknown tag":          {in: []byte{'/', 0, 0, 0, ',', 'x', 0, 0}, want: ErrUnsupportedType},
		"trailing":             {in: []byte{'/', 0, 0, 0, ',', 0, 0, 0, 1, 2, 3, 4}, want: ErrTrailingBytes},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodePacketBundle(t *testing.T) {
	m1, _ := Encode("/meter/0", []Arg{Float32(0.25)})
	m2, _ := Encode("/meter/1", []Arg{Float32(0.75)})

	var buf bytes.Buffer
	buf.WriteString("#bundle\x00")
	buf.Write(make([]byte, 8))
	for _, m := range [][]byte{m1, m2} {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(m)))
		buf.Write(size[:])
		buf.Write(m)
	}

	msgs, err := DecodePacket(buf.Bytes())
	if err != nil {
		t.Fatalf("decode packet: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Address != "/meter/0" || msgs[1].Address != "/meter/1" {
		t.Fatalf("unexpected bundle contents: %+v", msgs)
	}
	if _, err := Decode(buf.Bytes()); !errors.Is(err, ErrInvalidBundle) {
		t.Fatalf("expected ErrInvalidBundle from Decode, got %v", err)
	}
}

func TestCoerceFollowsTypeTag(t *testing.T) {
	a, err := Coerce(TypeInt32, float64(3))
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if v, _ := a.AsInt32(); v != 3 {
		t.Fatalf("unexpected int32: %d", v)
	}
	if _, err := Coerce(TypeString, 1.0); !errors.Is(err, ErrArgTypeMismatch) {
		t.Fatalf("expected ErrArgTypeMismatch, got %v", err)
	}
}
