package definition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/comalice/lazychart"
)

// Expr is a compiled "key op value" guard evaluated against machine Data.
// Supported operators are == != > < >= <=. Values may be true, false, nil,
// numbers, or strings (optionally quoted).
type Expr struct {
	key   string
	op    string
	raw   string
	num   float64
	isNum bool
}

// Compile parses a guard expression such as "lives > 0".
func Compile(expr string) (*Expr, error) {
	parts := strings.Fields(expr)
	if len(parts) != 3 {
		return nil, fmt.Errorf("guard %q: want \"key op value\"", expr)
	}
	e := &Expr{key: parts[0], op: parts[1], raw: unquote(parts[2])}
	switch e.op {
	case "==", "!=", ">", "<", ">=", "<=":
	default:
		return nil, fmt.Errorf("guard %q: unknown operator %q", expr, e.op)
	}
	if f, err := strconv.ParseFloat(parts[2], 64); err == nil {
		e.num, e.isNum = f, true
	}
	if !e.isNum && e.op != "==" && e.op != "!=" {
		return nil, fmt.Errorf("guard %q: %s needs a number", expr, e.op)
	}
	return e, nil
}

func (e *Expr) String() string {
	return e.key + " " + e.op + " " + e.raw
}

// Eval reports whether the expression holds for d. A missing key fails every
// operator except !=.
func (e *Expr) Eval(d *lazychart.Data) bool {
	if e.op == "!=" {
		return !e.equal(d)
	}
	if e.op == "==" {
		return e.equal(d)
	}
	v, ok := d.Lookup(e.key)
	if !ok {
		return false
	}
	f, ok := toFloat(v)
	if !ok {
		return false
	}
	switch e.op {
	case ">":
		return f > e.num
	case "<":
		return f < e.num
	case ">=":
		return f >= e.num
	case "<=":
		return f <= e.num
	}
	return false
}

func (e *Expr) equal(d *lazychart.Data) bool {
	v, ok := d.Lookup(e.key)
	if !ok {
		return false
	}
	switch e.raw {
	case "true":
		return v == true
	case "false":
		return v == false
	case "nil":
		return v == nil
	}
	if e.isNum {
		if f, ok := toFloat(v); ok {
			return f == e.num
		}
	}
	if s, ok := v.(string); ok {
		return s == e.raw
	}
	return false
}

// Predicate adapts e to a transition predicate reading d.
func (e *Expr) Predicate(d *lazychart.Data) lazychart.Predicate {
	return lazychart.Condition(func() bool { return e.Eval(d) })
}

func isExpression(guard string) bool {
	return strings.ContainsAny(guard, " \t")
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
