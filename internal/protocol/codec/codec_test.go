package codec

import (
	"errors"
	"testing"

	"github.com/danmuck/portmux/internal/testutil/testlog"
)

type request struct {
	RequestID string `cbor:"requestId"`
	Message   any    `cbor:"message"`
}

func TestCloneTaggedStructYieldsGenericObject(t *testing.T) {
	testlog.Start(t)
	out, err := Clone(request{RequestID: "123", Message: "hello"})
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	obj, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	if obj["requestId"] != "123" || obj["message"] != "hello" {
		t.Fatalf("unexpected clone: %#v", obj)
	}
}

func TestCloneDisconnectStaysFalse(t *testing.T) {
	testlog.Start(t)
	out, err := Clone(false)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if out != false {
		t.Fatalf("expected false, got %#v", out)
	}
}

func TestCheckRejectsFunctionsAndChannels(t *testing.T) {
	testlog.Start(t)
	cases := []any{
		func() string { return "why would you do this?" },
		make(chan int),
		map[string]any{"nested": func() {}},
		[]any{1, complex(1, 2)},
	}
	for _, v := range cases {
		if err := Check(v); !errors.Is(err, ErrUnrepresentable) {
			t.Fatalf("expected ErrUnrepresentable for %T, got %v", v, err)
		}
	}
}

type panickyMarshaler struct{}

func (panickyMarshaler) MarshalCBOR() ([]byte, error) {
	panic("boom")
}

func TestMarshalRecoversPanickingMarshaler(t *testing.T) {
	testlog.Start(t)
	if _, err := Marshal(panickyMarshaler{}); !errors.Is(err, ErrUnrepresentable) {
		t.Fatalf("expected ErrUnrepresentable, got %v", err)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	if _, err := Unmarshal([]byte{0xff, 0x00}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestGuardRejectsCycles(t *testing.T) {
	testlog.Start(t)
	selfSlice := make([]any, 1)
	selfSlice[0] = selfSlice

	selfMap := map[string]any{}
	selfMap["me"] = selfMap

	type node struct {
		Next *node
	}
	ring := &node{}
	ring.Next = ring

	indirect := map[string]any{}
	indirect["list"] = []any{"x", indirect}

	for name, v := range map[string]any{
		"slice":    selfSlice,
		"map":      selfMap,
		"pointer":  ring,
		"indirect": indirect,
	} {
		if err := Guard(v); !errors.Is(err, ErrUnrepresentable) {
			t.Fatalf("%s: expected ErrUnrepresentable, got %v", name, err)
		}
		if _, err := Marshal(v); !errors.Is(err, ErrUnrepresentable) {
			t.Fatalf("%s: marshal expected ErrUnrepresentable, got %v", name, err)
		}
		if _, err := Clone(v); !errors.Is(err, ErrUnrepresentable) {
			t.Fatalf("%s: clone expected ErrUnrepresentable, got %v", name, err)
		}
	}
}

func TestGuardRejectsDeepNesting(t *testing.T) {
	testlog.Start(t)
	var v any = "leaf"
	for i := 0; i < MaxNestedLevels+1; i++ {
		v = []any{v}
	}
	if err := Guard(v); !errors.Is(err, ErrUnrepresentable) {
		t.Fatalf("expected ErrUnrepresentable, got %v", err)
	}
}

func TestGuardAllowsSharedReferences(t *testing.T) {
	testlog.Start(t)
	shared := map[string]any{"k": "v"}
	v := map[string]any{"a": shared, "b": shared, "c": []any{shared, shared}}
	if err := Guard(v); err != nil {
		t.Fatalf("shared references should pass: %v", err)
	}
	if _, err := Clone(v); err != nil {
		t.Fatalf("clone: %v", err)
	}
}
