// Package codec is the transmission format shared by every host platform.
// A value is representable exactly when it survives Marshal. Values that
// refer to themselves or nest deeper than MaxNestedLevels are not.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxNestedLevels bounds encode and decode depth.
const MaxNestedLevels = 64

var ErrUnrepresentable = errors.New("codec: value cannot be represented")

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		Time:          cbor.TimeRFC3339Nano,
		ShortestFloat: cbor.ShortestFloat16,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: MaxNestedLevels,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// Marshal encodes v. Unsupported values (functions, channels, complex
// numbers, panicking marshalers, cycles) report ErrUnrepresentable.
func Marshal(v any) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %T: panic during encode: %v", ErrUnrepresentable, v, r)
		}
	}()
	if err := Guard(v); err != nil {
		return nil, err
	}
	out, err = encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnrepresentable, v, err)
	}
	return out, nil
}

// Unmarshal decodes into generic values: map[string]any, []any, string,
// bool, uint64/int64/float64 and nil.
func Unmarshal(data []byte) (any, error) {
	var out any
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return out, nil
}

// Check reports whether v can cross a host channel.
func Check(v any) error {
	_, err := Marshal(v)
	return err
}

// Clone passes v through the transmission format, the way a structured
// payload is copied between page and host.
func Clone(v any) (any, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
