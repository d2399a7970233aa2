package protocol

import (
	"errors"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestComposeAndParseName(t *testing.T) {
	tests := []struct {
		in   string
		want ChannelName
	}{
		{in: "demo SESSION", want: ChannelName{Session: "demo", Label: LabelSession}},
		{in: "my app SESSION", want: ChannelName{Session: "my app", Label: LabelSession}},
		{in: "demo STREAM", want: ChannelName{Session: "demo", Label: LabelStream}},
		{in: "demo STREAM tok", want: ChannelName{Session: "demo", Label: LabelStream, Token: "tok"}},
	}
	for _, tt := range tests {
		got, err := ParseName(tt.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("parse %q: got %+v want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Fatalf("round trip %q: got %q", tt.in, got.String())
		}
	}
}

func TestParseNameRejects(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{in: "demo", want: ErrInvalidChannelName},
		{in: " SESSION", want: ErrInvalidChannelName},
		{in: "demo OTHER", want: ErrUnknownLabel},
		{in: "demo OTHER tok", want: ErrUnknownLabel},
	}
	for _, tt := range tests {
		if _, err := ParseName(tt.in); !errors.Is(err, tt.want) {
			t.Fatalf("parse %q: expected %v, got %v", tt.in, tt.want, err)
		}
	}
}

func TestNewStreamNameIsUnique(t *testing.T) {
	a, b := NewStreamName("demo"), NewStreamName("demo")
	if a == b {
		t.Fatalf("expected distinct names, got %q twice", a)
	}
	if !strings.HasPrefix(a, "demo STREAM ") {
		t.Fatalf("unexpected name %q", a)
	}
	n, err := ParseName(a)
	if err != nil || n.Token == "" {
		t.Fatalf("parse %q: %+v %v", a, n, err)
	}
}

func TestCodes(t *testing.T) {
	if got := CodeString(codes.Unavailable); got != "unavailable" {
		t.Fatalf("CodeString: got %q", got)
	}
	if got := CodeString(codes.Code(99)); got != "unknown" {
		t.Fatalf("out of range code: got %q", got)
	}
	c, err := ParseCode(" Unimplemented ")
	if err != nil || c != codes.Unimplemented {
		t.Fatalf("ParseCode: %v %v", c, err)
	}
	if _, err := ParseCode("teapot"); !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("expected ErrUnknownCode, got %v", err)
	}
}
