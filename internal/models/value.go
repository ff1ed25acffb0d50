// Package models provides data model definitions for the millsync backend.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindTimestamp
	KindArray
	KindObject
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a sealed interface over the field value variants a sync payload
// may carry. Only the types in this file implement it.
type Value interface {
	Kind() Kind
	// Canonical returns the normalized string form used for comparison.
	Canonical() string
	value()
}

// Null is the absent/JSON null value.
type Null struct{}

// String is a text value. Compared under Unicode NFC.
type String string

// Number is a decimal value kept in its textual form so precision survives
// a round trip.
type Number string

// Bool is a boolean value.
type Bool bool

// Timestamp is a point in time.
type Timestamp time.Time

// Array is an ordered sequence of values.
type Array []Value

// Object is a string-keyed map of values. Iterate with SortedKeys.
type Object map[string]Value

func (Null) value()      {}
func (String) value()    {}
func (Number) value()    {}
func (Bool) value()      {}
func (Timestamp) value() {}
func (Array) value()     {}
func (Object) value()    {}

func (Null) Kind() Kind      { return KindNull }
func (String) Kind() Kind    { return KindString }
func (Number) Kind() Kind    { return KindNumber }
func (Bool) Kind() Kind      { return KindBool }
func (Timestamp) Kind() Kind { return KindTimestamp }
func (Array) Kind() Kind     { return KindArray }
func (Object) Kind() Kind    { return KindObject }

func (Null) Canonical() string { return "null" }

func (s String) Canonical() string { return norm.NFC.String(string(s)) }

func (n Number) Canonical() string { return canonicalDecimal(string(n)) }

func (b Bool) Canonical() string { return strconv.FormatBool(bool(b)) }

func (t Timestamp) Canonical() string {
	return time.Time(t).UTC().Format(time.RFC3339Nano)
}

func (a Array) Canonical() string {
	parts := make([]string, len(a))
	for i, v := range a {
		parts[i] = canonicalOf(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (o Object) Canonical() string {
	keys := o.SortedKeys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = strconv.Quote(norm.NFC.String(k)) + ":" + canonicalOf(o[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Time returns the wrapped time.
func (t Timestamp) Time() time.Time { return time.Time(t) }

// NewNumber builds a Number from an int64.
func NewNumber(n int64) Number { return Number(strconv.FormatInt(n, 10)) }

// NewFloat builds a Number from a float64 using the shortest exact form.
func NewFloat(f float64) Number { return Number(strconv.FormatFloat(f, 'g', -1, 64)) }

// NewTimestamp builds a Timestamp from t.
func NewTimestamp(t time.Time) Timestamp { return Timestamp(t) }

// Rat parses the number as an exact rational.
func (n Number) Rat() (*big.Rat, bool) {
	return new(big.Rat).SetString(strings.TrimSpace(string(n)))
}

// Int64 returns the number as an int64 when it is integral and in range.
func (n Number) Int64() (int64, bool) {
	r, ok := n.Rat()
	if !ok || !r.IsInt() || !r.Num().IsInt64() {
		return 0, false
	}
	return r.Num().Int64(), true
}

// SortedKeys returns the object keys in ascending order.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// canonicalDecimal renders s as the shortest exact decimal: "1.0" -> "1",
// "1e2" -> "100", "-0.50" -> "-0.5".
func canonicalDecimal(s string) string {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return strings.TrimSpace(s)
	}
	if r.IsInt() {
		return r.Num().String()
	}

	d := new(big.Int).Set(r.Denom())
	twos, fives := 0, 0
	rem := new(big.Int)
	for {
		q, m := new(big.Int).QuoRem(d, big.NewInt(2), rem)
		if m.Sign() != 0 {
			break
		}
		d = q
		twos++
	}
	for {
		q, m := new(big.Int).QuoRem(d, big.NewInt(5), rem)
		if m.Sign() != 0 {
			break
		}
		d = q
		fives++
	}
	if d.Cmp(big.NewInt(1)) != 0 {
		return r.RatString()
	}
	return r.FloatString(max(twos, fives))
}

func canonicalOf(v Value) string {
	if v == nil {
		return Null{}.Canonical()
	}
	return v.Canonical()
}

// Equal reports whether a and b are structurally equal. Objects compare
// key-by-key, arrays element-by-element in order, and scalars by canonical
// string. A string that parses as the other side's scalar kind is compared
// in that kind's canonical form.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}

	switch av := a.(type) {
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	switch b.(type) {
	case Object, Array:
		return false
	}

	if a.Kind() == KindNull || b.Kind() == KindNull {
		return a.Kind() == b.Kind()
	}
	if a.Kind() == b.Kind() {
		return a.Canonical() == b.Canonical()
	}

	if s, ok := a.(String); ok {
		return coerceCanonical(s, b.Kind()) == b.Canonical()
	}
	if s, ok := b.(String); ok {
		return coerceCanonical(s, a.Kind()) == a.Canonical()
	}
	return a.Canonical() == b.Canonical()
}

// coerceCanonical reinterprets a string as kind k and returns its canonical
// form, or the string's own canonical form when it does not parse.
func coerceCanonical(s String, k Kind) string {
	raw := strings.TrimSpace(string(s))
	switch k {
	case KindNumber:
		if _, ok := new(big.Rat).SetString(raw); ok {
			return canonicalDecimal(raw)
		}
	case KindBool:
		if b, err := strconv.ParseBool(raw); err == nil {
			return strconv.FormatBool(b)
		}
	case KindTimestamp:
		if t, ok := parseTime(raw); ok {
			return Timestamp(t).Canonical()
		}
	}
	return s.Canonical()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// TimeOf resolves v as a point in time. Timestamps are used directly,
// strings are parsed as RFC 3339 (or SQL datetime), and integral numbers are
// read as unix milliseconds.
func TimeOf(v Value) (time.Time, bool) {
	switch tv := v.(type) {
	case Timestamp:
		return time.Time(tv), true
	case String:
		return parseTime(strings.TrimSpace(string(tv)))
	case Number:
		ms, ok := tv.Int64()
		if !ok {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// ToValue converts a plain Go value into a Value. Supported inputs are nil,
// Value, string, bool, integer and float kinds, json.Number, time.Time,
// []any and map[string]any.
func ToValue(v any) (Value, error) {
	switch tv := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return tv, nil
	case string:
		return String(tv), nil
	case bool:
		return Bool(tv), nil
	case int:
		return NewNumber(int64(tv)), nil
	case int32:
		return NewNumber(int64(tv)), nil
	case int64:
		return NewNumber(tv), nil
	case uint32:
		return NewNumber(int64(tv)), nil
	case float32:
		return NewFloat(float64(tv)), nil
	case float64:
		return NewFloat(tv), nil
	case json.Number:
		return Number(tv.String()), nil
	case time.Time:
		return Timestamp(tv), nil
	case []any:
		arr := make(Array, len(tv))
		for i, e := range tv {
			ev, err := ToValue(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(tv))
		for k, e := range tv {
			ev, err := ToValue(e)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Interface converts v back into plain Go values (json.Number for numbers).
func Interface(v Value) any {
	switch tv := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(tv)
	case Number:
		return json.Number(tv)
	case Bool:
		return bool(tv)
	case Timestamp:
		return time.Time(tv)
	case Array:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = Interface(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = Interface(e)
		}
		return out
	}
	return nil
}

const timestampKey = "$timestamp"

// MarshalValue encodes v as JSON. Numbers are written verbatim, timestamps
// as {"$timestamp": "<RFC3339Nano>"} and objects with sorted keys.
func MarshalValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	switch tv := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		b, err := json.Marshal(string(tv))
		if err != nil {
			return err
		}
		buf.Write(b)
	case Number:
		raw := strings.TrimSpace(string(tv))
		if !json.Valid([]byte(raw)) {
			// Not JSON-number shaped ("1.", "+3"); write the canonical decimal.
			raw = canonicalDecimal(raw)
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("invalid number %q", string(tv))
			}
		}
		buf.WriteString(raw)
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(tv)))
	case Timestamp:
		buf.WriteString(`{"` + timestampKey + `":`)
		buf.WriteString(strconv.Quote(time.Time(tv).UTC().Format(time.RFC3339Nano)))
		buf.WriteByte('}')
	case Array:
		buf.WriteByte('[')
		for i, e := range tv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range tv.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeValue(buf, tv[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

// UnmarshalValue decodes JSON produced by MarshalValue (or any plain JSON).
func UnmarshalValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil
	case 'n':
		return Null{}, nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		arr := make(Array, len(raw))
		for i, r := range raw {
			v, err := UnmarshalValue(r)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			arr[i] = v
		}
		return arr, nil
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if ts, ok := raw[timestampKey]; ok && len(raw) == 1 {
			var s string
			if err := json.Unmarshal(ts, &s); err != nil {
				return nil, fmt.Errorf("timestamp: %w", err)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("timestamp: %w", err)
			}
			return Timestamp(t), nil
		}
		obj := make(Object, len(raw))
		for k, r := range raw {
			v, err := UnmarshalValue(r)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			obj[k] = v
		}
		return obj, nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		return Number(n.String()), nil
	}
}

// MarshalJSON implements json.Marshaler for Object.
func (o Object) MarshalJSON() ([]byte, error) { return MarshalValue(o) }

// UnmarshalJSON implements json.Unmarshaler for Object.
func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	switch tv := v.(type) {
	case Object:
		*o = tv
	case Null:
		*o = nil
	default:
		return fmt.Errorf("expected object, got %s", v.Kind())
	}
	return nil
}

// MarshalJSON implements json.Marshaler for Array.
func (a Array) MarshalJSON() ([]byte, error) { return MarshalValue(a) }

// MarshalJSON implements json.Marshaler for Timestamp.
func (t Timestamp) MarshalJSON() ([]byte, error) { return MarshalValue(t) }

// MarshalJSON implements json.Marshaler for Number.
func (n Number) MarshalJSON() ([]byte, error) { return MarshalValue(n) }

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }
