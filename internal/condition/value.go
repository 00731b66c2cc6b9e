package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the value shapes a condition can see. Dependency
// output and scratchpad entries are modeled as this tagged union so
// the evaluator never touches an open dynamic type.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
	// Undefined is produced by property access on a missing field.
	// It is not equal to any literal, including null.
	Undefined
)

// Value is a JSON-shaped value.
type Value struct {
	Kind Kind
	B    bool
	Num  float64
	Str  string
	Arr  []Value
	Obj  map[string]Value
}

func NullValue() Value      { return Value{Kind: Null} }
func UndefinedValue() Value { return Value{Kind: Undefined} }
func BoolValue(b bool) Value {
	return Value{Kind: Bool, B: b}
}
func NumberValue(n float64) Value { return Value{Kind: Number, Num: n} }
func StringValue(s string) Value  { return Value{Kind: String, Str: s} }

// FromJSON converts decoded JSON (the result of json.Unmarshal into
// any) into a Value.
func FromJSON(v any) Value {
	switch t := v.(type) {
	case nil:
		return NullValue()
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case json.Number:
		n, _ := t.Float64()
		return NumberValue(n)
	case string:
		return StringValue(t)
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = FromJSON(e)
		}
		return Value{Kind: Array, Arr: arr}
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = FromJSON(e)
		}
		return Value{Kind: Object, Obj: obj}
	default:
		return UndefinedValue()
	}
}

// ToJSON converts a Value back into a json.Marshal-able shape.
// Undefined marshals as null.
func (v Value) ToJSON() any {
	switch v.Kind {
	case Bool:
		return v.B
	case Number:
		return v.Num
	case String:
		return v.Str
	case Array:
		out := make([]any, len(v.Arr))
		for i, e := range v.Arr {
			out[i] = e.ToJSON()
		}
		return out
	case Object:
		out := make(map[string]any, len(v.Obj))
		for k, e := range v.Obj {
			out[k] = e.ToJSON()
		}
		return out
	default:
		return nil
	}
}

// ParseValue decodes a JSON document into a Value.
func ParseValue(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return UndefinedValue(), err
	}
	return FromJSON(raw), nil
}

// ParseOutput interprets an agent's raw output for condition
// evaluation. The output is tried as JSON, optionally unwrapped from
// a fenced code block; if that fails the whole text is exposed under
// the "text" and "raw" fields.
func ParseOutput(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	candidate := trimmed

	if strings.HasPrefix(trimmed, "```") {
		inner := strings.TrimPrefix(trimmed, "```")
		if i := strings.Index(inner, "\n"); i >= 0 {
			inner = inner[i+1:]
		}
		if j := strings.LastIndex(inner, "```"); j >= 0 {
			inner = inner[:j]
		}
		candidate = strings.TrimSpace(inner)
	}

	if v, err := ParseValue([]byte(candidate)); err == nil && v.Kind != Undefined {
		return v
	}

	return Value{Kind: Object, Obj: map[string]Value{
		"text": StringValue(raw),
		"raw":  StringValue(raw),
	}}
}

func (v Value) truthy() bool {
	switch v.Kind {
	case Bool:
		return v.B
	case Number:
		return v.Num != 0
	case String:
		return v.Str != ""
	case Array:
		return len(v.Arr) > 0
	case Object:
		return len(v.Obj) > 0
	default:
		return false
	}
}

// asNumber attempts a numeric view of the value for loose comparison.
func (v Value) asNumber() (float64, bool) {
	switch v.Kind {
	case Number:
		return v.Num, true
	case String:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return n, err == nil
	case Bool:
		if v.B {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (v Value) describe() string {
	switch v.Kind {
	case Null:
		return "null"
	case Bool:
		return strconv.FormatBool(v.B)
	case Number:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case String:
		return v.Str
	case Array:
		return fmt.Sprintf("array(%d)", len(v.Arr))
	case Object:
		return fmt.Sprintf("object(%d)", len(v.Obj))
	default:
		return "undefined"
	}
}
