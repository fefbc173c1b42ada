package eval

import (
	"fmt"
	"strings"
)

// ExprKind tags the variants of Expr.
type ExprKind string

const (
	ExprLiteral ExprKind = "literal"
	ExprField   ExprKind = "field"
	ExprBinary  ExprKind = "binary"
	ExprCall    ExprKind = "call"
)

// Expr is a pre-parsed formula expression node. The formula grammar and
// parser live outside this engine; expressions arrive already in this
// shape and are stored verbatim in field options.
type Expr struct {
	Kind    ExprKind `json:"kind"`
	Value   any      `json:"value,omitempty"`
	FieldID string   `json:"field_id,omitempty"`
	Op      string   `json:"op,omitempty"`
	Func    string   `json:"func,omitempty"`
	Args    []*Expr  `json:"args,omitempty"`
}

// Error is a runtime evaluation failure for a specific row. It is never
// retried; the affected cell keeps its previous value.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "eval: " + e.Reason
}

func evalErrf(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Literal builds a constant node.
func Literal(v any) *Expr {
	return &Expr{Kind: ExprLiteral, Value: v}
}

// Field builds a same-table field reference node.
func Field(fieldID string) *Expr {
	return &Expr{Kind: ExprField, FieldID: fieldID}
}

// Binary builds an operator node.
func Binary(op string, left, right *Expr) *Expr {
	return &Expr{Kind: ExprBinary, Op: op, Args: []*Expr{left, right}}
}

// Call builds a function-call node.
func Call(fn string, args ...*Expr) *Expr {
	return &Expr{Kind: ExprCall, Func: strings.ToUpper(fn), Args: args}
}

// FieldIDs returns every field referenced by the expression, in first-seen
// order without duplicates.
func FieldIDs(e *Expr) []string {
	var out []string
	seen := map[string]bool{}
	var walk func(n *Expr)
	walk = func(n *Expr) {
		if n == nil {
			return
		}
		if n.Kind == ExprField && !seen[n.FieldID] {
			seen[n.FieldID] = true
			out = append(out, n.FieldID)
		}
		for _, a := range n.Args {
			walk(a)
		}
	}
	walk(e)
	return out
}

// Evaluate computes the expression against one row's cell values. It is a
// pure function: no I/O, no clock, no mutation of row.
func Evaluate(e *Expr, row map[string]any) (any, error) {
	if e == nil {
		return nil, evalErrf("nil expression")
	}
	switch e.Kind {
	case ExprLiteral:
		return e.Value, nil
	case ExprField:
		return row[e.FieldID], nil
	case ExprBinary:
		return evalBinary(e, row)
	case ExprCall:
		return evalCall(e, row)
	default:
		return nil, evalErrf("unknown expression kind %q", e.Kind)
	}
}

func evalBinary(e *Expr, row map[string]any) (any, error) {
	if len(e.Args) != 2 {
		return nil, evalErrf("operator %q needs two operands", e.Op)
	}
	left, err := Evaluate(e.Args[0], row)
	if err != nil {
		return nil, err
	}
	right, err := Evaluate(e.Args[1], row)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case "+", "-", "*", "/":
		l, ok := ToNumber(left)
		if !ok {
			return nil, evalErrf("%v is not numeric", left)
		}
		r, ok := ToNumber(right)
		if !ok {
			return nil, evalErrf("%v is not numeric", right)
		}
		switch e.Op {
		case "+":
			return l + r, nil
		case "-":
			return l - r, nil
		case "*":
			return l * r, nil
		default:
			if r == 0 {
				return nil, evalErrf("division by zero")
			}
			return l / r, nil
		}
	case "&":
		return ToText(left) + ToText(right), nil
	case "=", "!=", ">", "<", ">=", "<=":
		return compare(e.Op, left, right)
	default:
		return nil, evalErrf("unknown operator %q", e.Op)
	}
}

func compare(op string, left, right any) (any, error) {
	var cmp int
	l, lok := ToNumber(left)
	r, rok := ToNumber(right)
	if lok && rok {
		switch {
		case l < r:
			cmp = -1
		case l > r:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(ToText(left), ToText(right))
	}
	switch op {
	case "=":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	case ">=":
		return cmp >= 0, nil
	default:
		return cmp <= 0, nil
	}
}

func evalCall(e *Expr, row map[string]any) (any, error) {
	switch e.Func {
	case "BLANK":
		return nil, nil
	case "IF":
		if len(e.Args) < 2 || len(e.Args) > 3 {
			return nil, evalErrf("IF takes two or three arguments")
		}
		cond, err := Evaluate(e.Args[0], row)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return Evaluate(e.Args[1], row)
		}
		if len(e.Args) == 3 {
			return Evaluate(e.Args[2], row)
		}
		return nil, nil
	case "CONCATENATE":
		var b strings.Builder
		for _, a := range e.Args {
			v, err := Evaluate(a, row)
			if err != nil {
				return nil, err
			}
			b.WriteString(ToText(v))
		}
		return b.String(), nil
	case "ABS":
		if len(e.Args) != 1 {
			return nil, evalErrf("ABS takes one argument")
		}
		v, err := Evaluate(e.Args[0], row)
		if err != nil {
			return nil, err
		}
		n, ok := ToNumber(v)
		if !ok {
			return nil, evalErrf("%v is not numeric", v)
		}
		if n < 0 {
			n = -n
		}
		return n, nil
	default:
		return nil, evalErrf("unknown function %q", e.Func)
	}
}
