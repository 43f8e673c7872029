package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueType discriminates the closed set of property value shapes.
type ValueType int

const (
	TypeNull ValueType = iota
	TypeString
	TypeNumber
	TypeBool
	TypeArray
)

// Value is one property-bag value: a scalar or a flat array of scalars.
// Nested objects and nested arrays are rejected at decode time.
type Value struct {
	Type ValueType
	Str  string
	Num  float64
	Bool bool
	Arr  []Value
}

func StringValue(s string) Value  { return Value{Type: TypeString, Str: s} }
func NumberValue(n float64) Value { return Value{Type: TypeNumber, Num: n} }
func BoolValue(b bool) Value      { return Value{Type: TypeBool, Bool: b} }
func NullValue() Value            { return Value{Type: TypeNull} }

func ArrayValue(elems ...Value) Value {
	return Value{Type: TypeArray, Arr: elems}
}

// Scalar reports whether v is usable as an array element.
func (v Value) Scalar() bool { return v.Type != TypeArray }

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeNull:
		return true
	case TypeString:
		return v.Str == o.Str
	case TypeNumber:
		return v.Num == o.Num
	case TypeBool:
		return v.Bool == o.Bool
	case TypeArray:
		if len(v.Arr) != len(o.Arr) {
			return false
		}
		for i := range v.Arr {
			if !v.Arr[i].Equal(o.Arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case TypeNull:
		return []byte("null"), nil
	case TypeString:
		return json.Marshal(v.Str)
	case TypeNumber:
		return json.Marshal(v.Num)
	case TypeBool:
		return json.Marshal(v.Bool)
	case TypeArray:
		elems := make([]json.RawMessage, 0, len(v.Arr))
		for _, e := range v.Arr {
			b, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			elems = append(elems, b)
		}
		return json.Marshal(elems)
	}
	return nil, fmt.Errorf("unknown value type %d", v.Type)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	val, err := decodeValue(data, false)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func decodeValue(data []byte, inArray bool) (Value, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Value{}, err
	}
	return fromDecoded(raw, inArray)
}

func fromDecoded(raw any, inArray bool) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return NullValue(), nil
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", t.String())
		}
		return NumberValue(f), nil
	case []any:
		if inArray {
			return Value{}, fmt.Errorf("nested arrays are not allowed in properties")
		}
		out := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := fromDecoded(e, true)
			if err != nil {
				return Value{}, err
			}
			out = append(out, ev)
		}
		return Value{Type: TypeArray, Arr: out}, nil
	case map[string]any:
		return Value{}, fmt.Errorf("nested objects are not allowed in properties")
	}
	return Value{}, fmt.Errorf("unsupported property value %T", raw)
}

// Properties is the event property bag. Key order is irrelevant.
type Properties map[string]Value
