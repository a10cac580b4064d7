package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/value"
)

// BinaryOp is the operator of a BinaryExpr.
type BinaryOp string

const (
	OpEq    BinaryOp = "Eq"
	OpNotEq BinaryOp = "NotEq"
	OpLt    BinaryOp = "Lt"
	OpLtEq  BinaryOp = "LtEq"
	OpGt    BinaryOp = "Gt"
	OpGtEq  BinaryOp = "GtEq"
	OpAnd   BinaryOp = "And"
	OpOr    BinaryOp = "Or"
	OpLike  BinaryOp = "Like"
)

// Expr is a filter expression evaluated against one row. The row is bound to
// parameter 0.
type Expr interface {
	exprNode()
}

type ValueExpr struct{ Value value.Value }

type ParameterExpr struct{ Position int }

type PropertyExpr struct {
	Object   Expr
	Property string
}

type BinaryExpr struct {
	Left  Expr
	Op    BinaryOp
	Right Expr
}

type NotExpr struct{ Value Expr }

func (ValueExpr) exprNode()     {}
func (ParameterExpr) exprNode() {}
func (PropertyExpr) exprNode()  {}
func (BinaryExpr) exprNode()    {}
func (NotExpr) exprNode()       {}

// Field is shorthand for a property of the row.
func Field(name string) Expr {
	return PropertyExpr{Object: ParameterExpr{}, Property: name}
}

func Lit(v value.Value) Expr { return ValueExpr{Value: v} }

func Binary(left Expr, op BinaryOp, right Expr) Expr {
	return BinaryExpr{Left: left, Op: op, Right: right}
}

// --- JSON decoding ---

type exprJSON struct {
	ExprType string          `json:"exprType"`
	Value    json.RawMessage `json:"value"`
	Position int             `json:"position"`
	Object   json.RawMessage `json:"object"`
	Property string          `json:"property"`
	Left     json.RawMessage `json:"left"`
	Op       BinaryOp        `json:"op"`
	Right    json.RawMessage `json:"right"`
}

// DecodeExpr parses the JSON form of an expression. A JSON null decodes to a
// nil Expr.
func DecodeExpr(data []byte) (Expr, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var j exprJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, invalid("malformed expression: %v", err)
	}
	switch j.ExprType {
	case "Value":
		var v value.Value
		if len(j.Value) > 0 {
			if err := v.UnmarshalJSON(j.Value); err != nil {
				return nil, err
			}
		}
		return ValueExpr{Value: v}, nil
	case "Parameter":
		return ParameterExpr{Position: j.Position}, nil
	case "Property":
		obj, err := DecodeExpr(j.Object)
		if err != nil {
			return nil, err
		}
		if obj == nil || j.Property == "" {
			return nil, invalid("property expression needs an object and a property")
		}
		return PropertyExpr{Object: obj, Property: j.Property}, nil
	case "Binary":
		left, err := DecodeExpr(j.Left)
		if err != nil {
			return nil, err
		}
		right, err := DecodeExpr(j.Right)
		if err != nil {
			return nil, err
		}
		if left == nil || right == nil {
			return nil, invalid("binary expression needs two operands")
		}
		if !validOp(j.Op) {
			return nil, invalid("unknown operator %q", j.Op)
		}
		return BinaryExpr{Left: left, Op: j.Op, Right: right}, nil
	case "Not":
		inner, err := DecodeExpr(j.Value)
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, invalid("not expression needs an operand")
		}
		return NotExpr{Value: inner}, nil
	}
	return nil, invalid("unknown expression type %q", j.ExprType)
}

func validOp(op BinaryOp) bool {
	switch op {
	case OpEq, OpNotEq, OpLt, OpLtEq, OpGt, OpGtEq, OpAnd, OpOr, OpLike:
		return true
	}
	return false
}

// EncodeExpr renders e in the JSON form accepted by DecodeExpr.
func EncodeExpr(e Expr) map[string]any {
	switch x := e.(type) {
	case ValueExpr:
		return map[string]any{"exprType": "Value", "value": value.ToTagged(x.Value)}
	case ParameterExpr:
		return map[string]any{"exprType": "Parameter", "position": x.Position}
	case PropertyExpr:
		return map[string]any{"exprType": "Property", "object": EncodeExpr(x.Object), "property": x.Property}
	case BinaryExpr:
		return map[string]any{"exprType": "Binary", "left": EncodeExpr(x.Left), "op": string(x.Op), "right": EncodeExpr(x.Right)}
	case NotExpr:
		return map[string]any{"exprType": "Not", "value": EncodeExpr(x.Value)}
	}
	return nil
}

// --- Evaluation ---

// Eval evaluates e with row bound to parameter 0.
func Eval(e Expr, row *value.Map) (value.Value, error) {
	switch x := e.(type) {
	case ValueExpr:
		return x.Value, nil
	case ParameterExpr:
		if x.Position != 0 {
			return value.Value{}, invalid("unbound parameter %d", x.Position)
		}
		return value.FromMap(row), nil
	case PropertyExpr:
		obj, err := Eval(x.Object, row)
		if err != nil {
			return value.Value{}, err
		}
		if obj.IsNull() {
			return value.Null(), nil
		}
		m, err := obj.AsMap()
		if err != nil {
			return value.Value{}, invalid("property %q of a non-object", x.Property)
		}
		v, _ := m.Get(x.Property)
		return v, nil
	case NotExpr:
		b, err := EvalBool(x.Value, row)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(!b), nil
	case BinaryExpr:
		return evalBinary(x, row)
	}
	return value.Value{}, invalid("unsupported expression %T", e)
}

// EvalBool evaluates a predicate. A nil expression matches every row.
func EvalBool(e Expr, row *value.Map) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := Eval(e, row)
	if err != nil {
		return false, err
	}
	b, ok := v.AsBool()
	if !ok {
		return false, invalid("predicate evaluated to %s", v.Kind())
	}
	return b, nil
}

func evalBinary(x BinaryExpr, row *value.Map) (value.Value, error) {
	switch x.Op {
	case OpAnd, OpOr:
		l, err := EvalBool(x.Left, row)
		if err != nil {
			return value.Value{}, err
		}
		if x.Op == OpAnd && !l {
			return value.Bool(false), nil
		}
		if x.Op == OpOr && l {
			return value.Bool(true), nil
		}
		r, err := EvalBool(x.Right, row)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(r), nil
	}

	l, err := Eval(x.Left, row)
	if err != nil {
		return value.Value{}, err
	}
	r, err := Eval(x.Right, row)
	if err != nil {
		return value.Value{}, err
	}
	switch x.Op {
	case OpEq:
		return value.Bool(l.Equal(r)), nil
	case OpNotEq:
		return value.Bool(!l.Equal(r)), nil
	case OpLike:
		s, ok1 := l.AsString()
		pat, ok2 := r.AsString()
		if !ok1 || !ok2 {
			return value.Bool(false), nil
		}
		return value.Bool(likeRegexp(pat).MatchString(s)), nil
	}
	// Ordering comparisons between different kinds (including null) are false.
	if l.Kind() != r.Kind() || l.IsNull() {
		return value.Bool(false), nil
	}
	c := value.Compare(l, r)
	switch x.Op {
	case OpLt:
		return value.Bool(c < 0), nil
	case OpLtEq:
		return value.Bool(c <= 0), nil
	case OpGt:
		return value.Bool(c > 0), nil
	case OpGtEq:
		return value.Bool(c >= 0), nil
	}
	return value.Value{}, invalid("unknown operator %q", x.Op)
}

// likeCache holds compiled LIKE patterns; a filter is evaluated once per row.
var likeCache, _ = lru.New[string, *regexp.Regexp](512)

// likeRegexp translates an SQL LIKE pattern (% and _ wildcards).
func likeRegexp(pattern string) *regexp.Regexp {
	if re, ok := likeCache.Get(pattern); ok {
		return re
	}
	re := compileLike(pattern)
	likeCache.Add(pattern, re)
	return re
}

func compileLike(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dberror.ErrInvalidQuery, fmt.Sprintf(format, args...))
}
