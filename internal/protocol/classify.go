package protocol

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/danmuck/portmux/internal/protocol/codec"
)

// Classifier places raw payloads into Item variants.
type Classifier struct {
	// Pending reports whether a request id was previously sent on the
	// primary channel. A StreamInit is only recognized for pending ids.
	Pending func(requestID string) bool
	// AcceptErrors admits ErrorEnvelope objects. Only traffic arriving from
	// the host may carry them.
	AcceptErrors bool
}

// Classify applies the page-side rules: errors are not accepted.
func Classify(raw any, pending func(string) bool) Item {
	return Classifier{Pending: pending}.Classify(raw)
}

// ClassifyFromHost applies the host-side rules.
func ClassifyFromHost(raw any, pending func(string) bool) Item {
	return Classifier{Pending: pending, AcceptErrors: true}.Classify(raw)
}

// Classify never fails; unplaceable input becomes Unrecognized.
func (c Classifier) Classify(raw any) Item {
	switch v := raw.(type) {
	case Disconnect:
		return v
	case bool:
		if !v {
			return DisconnectSignal
		}
		return Unrecognized{Raw: raw}
	case RequestMessage:
		if v.RequestID == "" {
			return Unrecognized{Raw: raw}
		}
		return v
	case *RequestMessage:
		if v == nil {
			return Unrecognized{Raw: raw}
		}
		return c.Classify(*v)
	case TransportStream:
		if v.RequestID == "" {
			return Unrecognized{Raw: raw}
		}
		if v.Stream == nil {
			return Unrecognized{RequestID: v.RequestID, HasID: true, Raw: raw}
		}
		return v
	case StreamInit:
		if v.RequestID == "" {
			return Unrecognized{Raw: raw}
		}
		if v.Channel != "" && c.pending(v.RequestID) {
			return v
		}
		return Unrecognized{RequestID: v.RequestID, HasID: true, Raw: raw}
	case ErrorEnvelope:
		if c.AcceptErrors {
			return v
		}
		return Unrecognized{RequestID: v.RequestID, HasID: v.HasID, Raw: raw}
	}

	obj, ok := asObject(raw)
	if !ok {
		return Unrecognized{Raw: raw}
	}
	id, hasID, usable := requestIDOf(obj)

	if ch, ok := obj["channel"].(string); ok && ch != "" && usable && c.pending(id) {
		return StreamInit{Channel: ch, RequestID: id}
	}
	if c.AcceptErrors {
		if body, ok := obj["error"]; ok {
			if env, ok := parseEnvelope(id, hasID, body); ok {
				return env
			}
		}
	}
	if usable {
		if msg, ok := obj["message"]; ok {
			return RequestMessage{RequestID: id, Message: msg}
		}
		if p, ok := obj["stream"].(Producer); ok && p != nil {
			return TransportStream{RequestID: id, Stream: p}
		}
	}
	return Unrecognized{RequestID: id, HasID: hasID, Raw: raw}
}

func (c Classifier) pending(id string) bool {
	if c.Pending == nil {
		return false
	}
	return c.Pending(id)
}

func parseEnvelope(id string, hasID bool, raw any) (ErrorEnvelope, bool) {
	body, ok := asObject(raw)
	if !ok {
		return ErrorEnvelope{}, false
	}
	code, ok := body["code"].(string)
	if !ok {
		return ErrorEnvelope{}, false
	}
	if _, err := ParseCode(code); err != nil {
		return ErrorEnvelope{}, false
	}
	msg, _ := body["message"].(string)
	env := ErrorEnvelope{
		RequestID: id,
		HasID:     hasID,
		Error:     ErrorBody{Code: code, Message: msg},
	}
	if details, ok := body["details"].([]any); ok && len(details) > 0 {
		env.Error.Details = details
	}
	return env, true
}

// requestIDOf reads the requestId key. present reports that the key exists,
// whatever its value. Only non-empty strings and numbers are usable for
// correlation; other values are rendered for the envelope.
func requestIDOf(obj map[string]any) (id string, present, usable bool) {
	raw, ok := obj["requestId"]
	if !ok {
		return "", false, false
	}
	switch v := raw.(type) {
	case nil:
		return "", true, false
	case string:
		return v, true, v != ""
	case bool:
		return strconv.FormatBool(v), true, false
	case int:
		return strconv.Itoa(v), true, true
	case int64:
		return strconv.FormatInt(v, 10), true, true
	case uint64:
		return strconv.FormatUint(v, 10), true, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true, true
	}
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprint(raw), true, true
	}
	return renderID(raw), true, false
}

func renderID(raw any) (out string) {
	if codec.Guard(raw) != nil {
		return fmt.Sprintf("%T", raw)
	}
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("%T", raw)
		}
	}()
	return fmt.Sprint(raw)
}

// asObject views string-keyed maps of any element type as map[string]any.
// Decoded CBOR may also produce map[any]any; non-string keys are dropped.
func asObject(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return v, v != nil
	case map[any]any:
		if v == nil {
			return nil, false
		}
		out := make(map[string]any, len(v))
		for k, val := range v {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Map || rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
