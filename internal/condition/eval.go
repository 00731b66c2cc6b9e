package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Evaluate runs a parsed condition against the root value (the
// dependency's output).
func Evaluate(expr Expr, root Value) (bool, error) {
	v, err := expr.eval(root)
	if err != nil {
		return false, err
	}
	return v.truthy(), nil
}

// EvaluateCondition parses and evaluates a condition against a
// dependency's raw output text. Unknown syntax and evaluation errors
// fail closed: the result is false and the error describes why.
func EvaluateCondition(cond, rawOutput string) (bool, error) {
	expr, err := Parse(cond)
	if err != nil {
		return false, fmt.Errorf("parse condition: %w", err)
	}
	return Evaluate(expr, ParseOutput(rawOutput))
}

func (e *orExpr) eval(root Value) (Value, error) {
	for _, op := range e.operands {
		v, err := op.eval(root)
		if err != nil {
			return UndefinedValue(), err
		}
		if v.truthy() {
			return BoolValue(true), nil
		}
	}
	return BoolValue(false), nil
}

func (e *andExpr) eval(root Value) (Value, error) {
	for _, op := range e.operands {
		v, err := op.eval(root)
		if err != nil {
			return UndefinedValue(), err
		}
		if !v.truthy() {
			return BoolValue(false), nil
		}
	}
	return BoolValue(true), nil
}

func (e *notExpr) eval(root Value) (Value, error) {
	v, err := e.operand.eval(root)
	if err != nil {
		return UndefinedValue(), err
	}
	return BoolValue(!v.truthy()), nil
}

func (e *cmpExpr) eval(root Value) (Value, error) {
	left, err := e.left.eval(root)
	if err != nil {
		return UndefinedValue(), err
	}
	right, err := e.right.eval(root)
	if err != nil {
		return UndefinedValue(), err
	}

	switch e.op {
	case "==":
		return BoolValue(looseEqual(left, right)), nil
	case "!=":
		return BoolValue(!looseEqual(left, right)), nil
	}

	// Ordering comparisons: numeric when both sides have a numeric
	// view, string order otherwise.
	ln, lok := left.asNumber()
	rn, rok := right.asNumber()
	if lok && rok {
		switch e.op {
		case "<":
			return BoolValue(ln < rn), nil
		case ">":
			return BoolValue(ln > rn), nil
		case "<=":
			return BoolValue(ln <= rn), nil
		case ">=":
			return BoolValue(ln >= rn), nil
		}
	}
	if left.Kind == Undefined || right.Kind == Undefined {
		return BoolValue(false), nil
	}
	ls, rs := left.describe(), right.describe()
	switch e.op {
	case "<":
		return BoolValue(ls < rs), nil
	case ">":
		return BoolValue(ls > rs), nil
	case "<=":
		return BoolValue(ls <= rs), nil
	case ">=":
		return BoolValue(ls >= rs), nil
	}
	return UndefinedValue(), fmt.Errorf("unknown comparison operator %q", e.op)
}

// looseEqual implements equality with string/number equivalence
// fallback ("5" == 5 is true). Undefined equals nothing, including
// itself compared against literals from the other side of the
// expression.
func looseEqual(a, b Value) bool {
	if a.Kind == Undefined || b.Kind == Undefined {
		return false
	}
	if a.Kind == b.Kind {
		switch a.Kind {
		case Null:
			return true
		case Bool:
			return a.B == b.B
		case Number:
			return a.Num == b.Num
		case String:
			return a.Str == b.Str
		default:
			// Arrays and objects compare by length only; conditions
			// should compare scalars, this is a lenient fallback.
			return a.describe() == b.describe()
		}
	}
	if an, ok := a.asNumber(); ok {
		if bn, ok := b.asNumber(); ok {
			return an == bn
		}
	}
	if a.Kind == String && b.Kind == Bool || a.Kind == Bool && b.Kind == String {
		s, bv := a, b
		if a.Kind == Bool {
			s, bv = b, a
		}
		return strings.EqualFold(s.Str, strconv.FormatBool(bv.B))
	}
	return false
}

func (e *callExpr) eval(root Value) (Value, error) {
	arg, err := e.arg.eval(root)
	if err != nil {
		return UndefinedValue(), err
	}

	switch e.fn {
	case "len":
		switch arg.Kind {
		case String:
			return NumberValue(float64(len(arg.Str))), nil
		case Array:
			return NumberValue(float64(len(arg.Arr))), nil
		case Object:
			return NumberValue(float64(len(arg.Obj))), nil
		case Undefined, Null:
			return NumberValue(0), nil
		default:
			return UndefinedValue(), fmt.Errorf("len() of %s", arg.describe())
		}
	case "bool":
		return BoolValue(arg.truthy()), nil
	case "str":
		return StringValue(arg.describe()), nil
	case "int":
		n, ok := arg.asNumber()
		if !ok {
			return UndefinedValue(), fmt.Errorf("int() of non-numeric value %q", arg.describe())
		}
		return NumberValue(math.Trunc(n)), nil
	case "float":
		n, ok := arg.asNumber()
		if !ok {
			return UndefinedValue(), fmt.Errorf("float() of non-numeric value %q", arg.describe())
		}
		return NumberValue(n), nil
	}
	return UndefinedValue(), fmt.Errorf("unknown function %q", e.fn)
}

func (e *literalExpr) eval(Value) (Value, error) {
	return e.val, nil
}

func (e *pathExpr) eval(root Value) (Value, error) {
	cur := root
	for i, step := range e.steps {
		if step.index != nil {
			idx, err := step.index.eval(root)
			if err != nil {
				return UndefinedValue(), err
			}
			cur = indexValue(cur, idx)
			continue
		}

		// The first path segment may name the root itself: conditions
		// written as `output.ok` address the dependency output. A real
		// "output" field on the object takes precedence.
		if i == 0 && (step.field == "output" || step.field == "result") {
			if cur.Kind != Object {
				continue
			}
			if _, shadowed := cur.Obj[step.field]; !shadowed {
				continue
			}
		}
		if cur.Kind != Object {
			return UndefinedValue(), nil
		}
		v, ok := cur.Obj[step.field]
		if !ok {
			return UndefinedValue(), nil
		}
		cur = v
	}
	return cur, nil
}

func indexValue(v, idx Value) Value {
	switch v.Kind {
	case Array:
		n, ok := idx.asNumber()
		if !ok {
			return UndefinedValue()
		}
		i := int(n)
		if i < 0 || i >= len(v.Arr) {
			return UndefinedValue()
		}
		return v.Arr[i]
	case Object:
		if idx.Kind != String {
			return UndefinedValue()
		}
		if e, ok := v.Obj[idx.Str]; ok {
			return e
		}
		return UndefinedValue()
	default:
		return UndefinedValue()
	}
}
