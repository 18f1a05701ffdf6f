package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ValueKind discriminates the Value variant.
type ValueKind string

const (
	KindText     ValueKind = "text"
	KindNumber   ValueKind = "number"
	KindBool     ValueKind = "bool"
	KindList     ValueKind = "list"
	KindDuration ValueKind = "duration"
)

// Value is a typed scalar or list used by custom fields, condition operands and
// action arguments. Exactly one payload field is meaningful for a given Kind.
type Value struct {
	Kind     ValueKind
	text     string
	number   float64
	boolean  bool
	list     []string
	duration time.Duration
}

func TextValue(s string) Value             { return Value{Kind: KindText, text: s} }
func NumberValue(n float64) Value          { return Value{Kind: KindNumber, number: n} }
func BoolValue(b bool) Value               { return Value{Kind: KindBool, boolean: b} }
func DurationValue(d time.Duration) Value  { return Value{Kind: KindDuration, duration: d} }
func ListValue(items ...string) Value      { return Value{Kind: KindList, list: slices.Clone(items)} }
func (v Value) IsZero() bool               { return v.Kind == "" }
func (v Value) Text() string               { return v.text }
func (v Value) Number() float64            { return v.number }
func (v Value) Bool() bool                 { return v.boolean }
func (v Value) List() []string             { return slices.Clone(v.list) }
func (v Value) Duration() time.Duration    { return v.duration }
func (v Value) ListContains(s string) bool { return slices.Contains(v.list, s) }

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindText:
		return v.text == o.text
	case KindNumber:
		return v.number == o.number
	case KindBool:
		return v.boolean == o.boolean
	case KindList:
		return slices.Equal(v.list, o.list)
	case KindDuration:
		return v.duration == o.duration
	}
	return true
}

// String renders the payload for logs and audit summaries.
func (v Value) String() string {
	switch v.Kind {
	case KindText:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.boolean)
	case KindList:
		return strings.Join(v.list, ",")
	case KindDuration:
		return v.duration.String()
	}
	return ""
}

type valueJSON struct {
	Kind  ValueKind       `json:"kind" yaml:"kind"`
	Value json.RawMessage `json:"value" yaml:"-"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}. Durations are Go duration strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	var payload any
	switch v.Kind {
	case KindText:
		payload = v.text
	case KindNumber:
		payload = v.number
	case KindBool:
		payload = v.boolean
	case KindList:
		payload = v.list
	case KindDuration:
		payload = v.duration.String()
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON decodes the {"kind","value"} form and rejects payloads that do not match the kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parsed, err := decodeValue(wire.Kind, func(target any) error { return json.Unmarshal(wire.Value, target) })
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// UnmarshalYAML accepts the same shape as JSON: a mapping with kind and value.
func (v *Value) UnmarshalYAML(unmarshal func(any) error) error {
	var wire struct {
		Kind  ValueKind `yaml:"kind"`
		Value any       `yaml:"value"`
	}
	if err := unmarshal(&wire); err != nil {
		return err
	}
	raw, err := json.Marshal(wire.Value)
	if err != nil {
		return err
	}
	parsed, err := decodeValue(wire.Kind, func(target any) error { return json.Unmarshal(raw, target) })
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func decodeValue(kind ValueKind, decode func(any) error) (Value, error) {
	switch kind {
	case KindText:
		var s string
		if err := decode(&s); err != nil {
			return Value{}, fmt.Errorf("text value: %w", err)
		}
		return TextValue(s), nil
	case KindNumber:
		var n float64
		if err := decode(&n); err != nil {
			return Value{}, fmt.Errorf("number value: %w", err)
		}
		return NumberValue(n), nil
	case KindBool:
		var b bool
		if err := decode(&b); err != nil {
			return Value{}, fmt.Errorf("bool value: %w", err)
		}
		return BoolValue(b), nil
	case KindList:
		var items []string
		if err := decode(&items); err != nil {
			return Value{}, fmt.Errorf("list value: %w", err)
		}
		return ListValue(items...), nil
	case KindDuration:
		var s string
		if err := decode(&s); err != nil {
			return Value{}, fmt.Errorf("duration value: %w", err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return Value{}, fmt.Errorf("duration value: %w", err)
		}
		return DurationValue(d), nil
	case "":
		return Value{}, nil
	}
	return Value{}, fmt.Errorf("unknown value kind %q", kind)
}
