// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind tags the variants of a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String returns the kind name for logging.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("ValueKind(%d)", int(k))
	}
}

// Value is an opaque structured payload: a tagged union over the JSON
// data model (null, bool, number, string, array, object). The relay
// stores and forwards Values verbatim — producer metadata, UI schemas,
// telemetry payloads, and action arguments all pass through as Values
// and are never inspected or transformed by the core.
//
// Numbers are kept as their literal JSON text (json.Number) so that
// relaying never loses precision or changes formatting.
//
// The zero Value is JSON null.
type Value struct {
	kind ValueKind
	b    bool
	num  json.Number
	str  string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric Value from a JSON number literal.
func Number(literal json.Number) Value { return Value{kind: KindNumber, num: literal} }

// Int returns a numeric Value from an integer.
func Int(n int64) Value { return Value{kind: KindNumber, num: json.Number(fmt.Sprintf("%d", n))} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Array returns an array Value holding the given elements.
func Array(elements ...Value) Value { return Value{kind: KindArray, arr: elements} }

// Object returns an object Value holding the given fields.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the Value is null. A null Value is what an
// absent optional payload decodes to, so callers use IsNull for
// presence checks.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean variant. False if the Value is not a bool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsNumber returns the numeric variant as its JSON literal.
func (v Value) AsNumber() (json.Number, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	return v.num, true
}

// AsString returns the string variant.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Items returns the array variant's elements. Nil if not an array.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Fields returns the object variant's fields. Nil if not an object.
func (v Value) Fields() map[string]Value {
	if v.kind != KindObject {
		return nil
	}
	return v.obj
}

// MarshalJSON renders the Value back to its JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return []byte(v.num), nil
	case KindString:
		return json.Marshal(v.str)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	default:
		return nil, fmt.Errorf("marshal: unknown value kind %d", int(v.kind))
	}
}

// UnmarshalJSON parses any JSON value into the tagged union.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromDecoded(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// fromDecoded converts the output of a UseNumber json decode into a
// Value tree.
func fromDecoded(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case []any:
		elements := make([]Value, len(t))
		for i, e := range t {
			converted, err := fromDecoded(e)
			if err != nil {
				return Value{}, err
			}
			elements[i] = converted
		}
		return Value{kind: KindArray, arr: elements}, nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for key, e := range t {
			converted, err := fromDecoded(e)
			if err != nil {
				return Value{}, err
			}
			fields[key] = converted
		}
		return Value{kind: KindObject, obj: fields}, nil
	default:
		return Value{}, fmt.Errorf("unmarshal: unsupported decoded type %T", raw)
	}
}

// encodedSize returns the length in bytes of the Value's JSON form.
// Used for registration size limits.
func (v Value) encodedSize() int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
