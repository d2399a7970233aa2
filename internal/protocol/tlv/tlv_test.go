package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/portmux/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "demo SESSION"),
		U8(2, 1),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(out))
	}
	if name, err := out[0].AsString(); err != nil || name != "demo SESSION" {
		t.Fatalf("string field: %q %v", name, err)
	}
	if role, err := out[1].AsU8(); err != nil || role != 1 {
		t.Fatalf("u8 field: %d %v", role, err)
	}
	if out[2].ID != 9999 || out[2].Type != TypeBytes || !bytes.Equal(out[2].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[2])
	}
}

func TestDecodeFieldsMalformedIsDeterministic(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeFields([]byte{1, 2, 3}); !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	if _, err := DecodeFields(payload); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	testlog.Start(t)
	if _, err := U8(1, 3).AsString(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	bad := Field{ID: 1, Type: TypeString, Value: []byte{0xff, 0xfe}}
	if _, err := bad.AsString(); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	wide := Field{ID: 2, Type: TypeU8, Value: []byte{1, 2}}
	if _, err := wide.AsU8(); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if _, ok := GetField([]Field{U8(2, 1)}, 1); ok {
		t.Fatalf("unexpected field")
	}
}
