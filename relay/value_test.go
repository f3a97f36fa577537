// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"testing"
)

func TestValueUnmarshalKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		kind ValueKind
	}{
		{"null", `null`, KindNull},
		{"bool", `true`, KindBool},
		{"integer", `42`, KindNumber},
		{"float", `3.25`, KindNumber},
		{"string", `"hello"`, KindString},
		{"array", `[1, 2, 3]`, KindArray},
		{"object", `{"a": 1}`, KindObject},
		{"nested", `{"a": {"b": [true, null]}}`, KindObject},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var v Value
			if err := v.UnmarshalJSON([]byte(tc.json)); err != nil {
				t.Fatalf("UnmarshalJSON(%q) failed: %v", tc.json, err)
			}
			if got := v.Kind(); got != tc.kind {
				t.Errorf("Kind() = %s, want %s", got, tc.kind)
			}
		})
	}
}

func TestValueNumberPrecisionPreserved(t *testing.T) {
	t.Parallel()

	// Above 2^53: a float64 round-trip would corrupt the literal.
	const literal = `9007199254740993`

	var v Value
	if err := v.UnmarshalJSON([]byte(literal)); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	num, ok := v.AsNumber()
	if !ok {
		t.Fatalf("AsNumber() not ok for %s", literal)
	}
	if string(num) != literal {
		t.Errorf("AsNumber() = %s, want %s", num, literal)
	}

	out, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	if string(out) != literal {
		t.Errorf("MarshalJSON() = %s, want %s", out, literal)
	}
}

func TestValueRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []string{
		`null`,
		`false`,
		`"text with \"escapes\""`,
		`[1,"two",[3],{"four":null}]`,
		`{"a":1,"b":{"c":[true]},"z":"last"}`,
	}
	for _, input := range tests {
		var v Value
		if err := json.Unmarshal([]byte(input), &v); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", input, err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal of %s failed: %v", input, err)
		}
		// Go marshals map keys sorted, so the comparison is stable.
		if string(out) != input {
			t.Errorf("round trip of %s produced %s", input, out)
		}
	}
}

func TestValueConstructorsAndAccessors(t *testing.T) {
	t.Parallel()

	if !Null().IsNull() {
		t.Error("Null().IsNull() = false")
	}
	var zero Value
	if !zero.IsNull() {
		t.Error("zero Value is not null")
	}

	if b, ok := Bool(true).AsBool(); !ok || !b {
		t.Errorf("Bool(true).AsBool() = (%v, %v), want (true, true)", b, ok)
	}
	if s, ok := String("x").AsString(); !ok || s != "x" {
		t.Errorf("String(\"x\").AsString() = (%q, %v)", s, ok)
	}
	if n, ok := Int(-7).AsNumber(); !ok || string(n) != "-7" {
		t.Errorf("Int(-7).AsNumber() = (%s, %v)", n, ok)
	}

	arr := Array(Int(1), String("two"))
	if items := arr.Items(); len(items) != 2 {
		t.Errorf("Items() has %d elements, want 2", len(items))
	}
	obj := Object(map[string]Value{"k": Bool(false)})
	if fields := obj.Fields(); len(fields) != 1 {
		t.Errorf("Fields() has %d entries, want 1", len(fields))
	}
}

func TestValueAccessorsOnWrongKind(t *testing.T) {
	t.Parallel()

	v := String("not a bool")
	if _, ok := v.AsBool(); ok {
		t.Error("AsBool() ok on a string value")
	}
	if _, ok := v.AsNumber(); ok {
		t.Error("AsNumber() ok on a string value")
	}
	if items := v.Items(); items != nil {
		t.Errorf("Items() = %v on a string value, want nil", items)
	}
	if fields := v.Fields(); fields != nil {
		t.Errorf("Fields() = %v on a string value, want nil", fields)
	}
}

func TestValueMarshalEmptyContainers(t *testing.T) {
	t.Parallel()

	out, err := json.Marshal(Array())
	if err != nil {
		t.Fatalf("Marshal(Array()) failed: %v", err)
	}
	if string(out) != "[]" {
		t.Errorf("Marshal(Array()) = %s, want []", out)
	}

	out, err = json.Marshal(Object(nil))
	if err != nil {
		t.Fatalf("Marshal(Object(nil)) failed: %v", err)
	}
	if string(out) != "{}" {
		t.Errorf("Marshal(Object(nil)) = %s, want {}", out)
	}
}

func TestValueEncodedSize(t *testing.T) {
	t.Parallel()

	// "abcd" encodes to `"abcd"`, six bytes.
	if got := String("abcd").encodedSize(); got != 6 {
		t.Errorf("encodedSize() = %d, want 6", got)
	}
	if got := Null().encodedSize(); got != 4 {
		t.Errorf("null encodedSize() = %d, want 4", got)
	}
}

func TestValueUnmarshalRejectsGarbage(t *testing.T) {
	t.Parallel()

	var v Value
	if err := v.UnmarshalJSON([]byte(`{"unterminated`)); err == nil {
		t.Fatal("UnmarshalJSON accepted malformed JSON")
	}
}
