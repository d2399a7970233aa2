package codec

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	errCycle = errors.New("value refers to itself")
	errDepth = fmt.Errorf("nesting exceeds %d levels", MaxNestedLevels)
)

// Guard reports ErrUnrepresentable when v contains itself or nests deeper
// than MaxNestedLevels. Both the encoder and fmt recurse without bound on
// such values, so Guard must run before either sees an untrusted value.
// Shared references that do not form a cycle are allowed.
func Guard(v any) error {
	w := walker{path: make(map[visit]struct{})}
	if err := w.walk(reflect.ValueOf(v), 0); err != nil {
		return fmt.Errorf("%w: %T: %v", ErrUnrepresentable, v, err)
	}
	return nil
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

// walker tracks the containers on the current path only.
type walker struct {
	path map[visit]struct{}
}

func (w *walker) walk(rv reflect.Value, depth int) error {
	if !rv.IsValid() {
		return nil
	}
	if depth > MaxNestedLevels {
		return errDepth
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return w.walk(rv.Elem(), depth)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return w.enter(rv, func() error {
			return w.walk(rv.Elem(), depth+1)
		})
	case reflect.Map:
		if rv.IsNil() || rv.Len() == 0 {
			return nil
		}
		return w.enter(rv, func() error {
			iter := rv.MapRange()
			for iter.Next() {
				if err := w.walk(iter.Key(), depth+1); err != nil {
					return err
				}
				if err := w.walk(iter.Value(), depth+1); err != nil {
					return err
				}
			}
			return nil
		})
	case reflect.Slice:
		if rv.IsNil() || rv.Len() == 0 || scalar(rv.Type().Elem()) {
			return nil
		}
		return w.enter(rv, func() error {
			return w.elems(rv, depth)
		})
	case reflect.Array:
		if scalar(rv.Type().Elem()) {
			return nil
		}
		return w.elems(rv, depth)
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if err := w.walk(rv.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) elems(rv reflect.Value, depth int) error {
	for i := 0; i < rv.Len(); i++ {
		if err := w.walk(rv.Index(i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) enter(rv reflect.Value, fn func() error) error {
	key := visit{ptr: rv.Pointer(), typ: rv.Type()}
	if _, ok := w.path[key]; ok {
		return errCycle
	}
	w.path[key] = struct{}{}
	defer delete(w.path, key)
	return fn()
}

func scalar(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	}
	return false
}
