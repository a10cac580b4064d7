// Package query turns filter expressions, operation chains and crud url queries
// into query plans and mutations bound to a request context.
package query

import (
	"encoding/json"

	"github.com/sushant-115/txbridge/core/policy"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/schema"
)

// Op types of an operation chain.
const (
	OpBaseEntity = "BaseEntity"
	OpFilter     = "Filter"
	OpSortBy     = "SortBy"
	OpSkip       = "Skip"
	OpTake       = "Take"
	OpProjection = "Projection"
)

type SortKey struct {
	FieldName string `json:"fieldName"`
	Ascending bool   `json:"ascending"`
}

// Op is one element of an operation chain.
type Op struct {
	Type   string    `json:"type"`
	Name   string    `json:"name,omitempty"`
	Expr   Expr      `json:"-"`
	Keys   []SortKey `json:"keys,omitempty"`
	Count  int       `json:"count,omitempty"`
	Fields []string  `json:"fields,omitempty"`
}

func (o *Op) UnmarshalJSON(data []byte) error {
	type plain Op
	var aux struct {
		plain
		Expression json.RawMessage `json:"expression"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return invalid("malformed operation: %v", err)
	}
	expr, err := DecodeExpr(aux.Expression)
	if err != nil {
		return err
	}
	*o = Op(aux.plain)
	o.Expr = expr
	return nil
}

func (o Op) MarshalJSON() ([]byte, error) {
	type plain Op
	aux := struct {
		plain
		Expression any `json:"expression,omitempty"`
	}{plain: plain(o)}
	if o.Expr != nil {
		aux.Expression = EncodeExpr(o.Expr)
	}
	return json.Marshal(aux)
}

// OpChain starts with a BaseEntity op naming the queried type; the remaining
// ops apply in order.
type OpChain []Op

func BaseEntity(name string) Op      { return Op{Type: OpBaseEntity, Name: name} }
func Filter(e Expr) Op               { return Op{Type: OpFilter, Expr: e} }
func SortBy(keys ...SortKey) Op      { return Op{Type: OpSortBy, Keys: keys} }
func Skip(n int) Op                  { return Op{Type: OpSkip, Count: n} }
func Take(n int) Op                  { return Op{Type: OpTake, Count: n} }
func Projection(fields ...string) Op { return Op{Type: OpProjection, Fields: fields} }

// StageKind is one step of a plan pipeline.
type StageKind int

const (
	StageFilter StageKind = iota
	StageSort
	StageSkip
	StageTake
	StageProject
)

type Stage struct {
	Kind   StageKind
	Filter Expr
	Keys   []SortKey
	Count  int
	Fields []string
}

// QueryPlan is an executable read over one entity type. Rows pass the policy
// read rule and lose omitted fields before the user stages run.
type QueryPlan struct {
	Entity *schema.EntityType
	Policy *policy.TypePolicy
	Vars   map[string]any
	Stages []Stage

	// Types and Policies resolve nested entity fields when rows are hydrated.
	Types    *schema.TypeSystem
	Policies *policy.System
}

// Mutation deletes the rows of Entity matching Filter (all rows when nil).
type Mutation struct {
	Entity *schema.EntityType
	Filter Expr
	Policy *policy.TypePolicy
	Vars   map[string]any
}

func resolve(rctx *reqctx.Context, typeName string) (*schema.EntityType, error) {
	if rctx == nil || rctx.Types == nil {
		return nil, invalid("request context without a type system")
	}
	return rctx.Types.LookupType(typeName)
}

// BuildQueryPlan validates chain against the type system and binds the policy
// of the queried type.
func BuildQueryPlan(rctx *reqctx.Context, chain OpChain) (*QueryPlan, error) {
	if len(chain) == 0 || chain[0].Type != OpBaseEntity {
		return nil, invalid("operation chain must start with %s", OpBaseEntity)
	}
	ty, err := resolve(rctx, chain[0].Name)
	if err != nil {
		return nil, err
	}
	plan := &QueryPlan{
		Entity:   ty,
		Policy:   rctx.Policies.For(ty.Name),
		Vars:     rctx.PolicyVars(),
		Types:    rctx.Types,
		Policies: rctx.Policies,
	}
	projected := false
	for _, op := range chain[1:] {
		switch op.Type {
		case OpFilter:
			if op.Expr == nil {
				return nil, invalid("filter without an expression")
			}
			if !projected {
				if err := checkFields(op.Expr, ty); err != nil {
					return nil, err
				}
			}
			plan.Stages = append(plan.Stages, Stage{Kind: StageFilter, Filter: op.Expr})
		case OpSortBy:
			if len(op.Keys) == 0 {
				return nil, invalid("sort without keys")
			}
			for _, k := range op.Keys {
				if !ty.HasField(k.FieldName) {
					return nil, invalid("unknown field %s.%s", ty.Name, k.FieldName)
				}
			}
			plan.Stages = append(plan.Stages, Stage{Kind: StageSort, Keys: op.Keys})
		case OpSkip, OpTake:
			if op.Count < 0 {
				return nil, invalid("%s count must not be negative", op.Type)
			}
			kind := StageSkip
			if op.Type == OpTake {
				kind = StageTake
			}
			plan.Stages = append(plan.Stages, Stage{Kind: kind, Count: op.Count})
		case OpProjection:
			for _, f := range op.Fields {
				if !ty.HasField(f) {
					return nil, invalid("unknown field %s.%s", ty.Name, f)
				}
			}
			projected = true
			plan.Stages = append(plan.Stages, Stage{Kind: StageProject, Fields: op.Fields})
		default:
			return nil, invalid("unknown operation %q", op.Type)
		}
	}
	return plan, nil
}

// BuildDelete builds a delete mutation; a nil filter deletes every row.
func BuildDelete(rctx *reqctx.Context, typeName string, filter Expr) (*Mutation, error) {
	ty, err := resolve(rctx, typeName)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		if err := checkFields(filter, ty); err != nil {
			return nil, err
		}
	}
	return &Mutation{
		Entity: ty,
		Filter: filter,
		Policy: rctx.Policies.For(ty.Name),
		Vars:   rctx.PolicyVars(),
	}, nil
}

// checkFields rejects top-level properties of the row that the type lacks.
func checkFields(e Expr, ty *schema.EntityType) error {
	switch x := e.(type) {
	case PropertyExpr:
		if _, ok := x.Object.(ParameterExpr); ok {
			if !ty.HasField(x.Property) {
				return invalid("unknown field %s.%s", ty.Name, x.Property)
			}
			return nil
		}
		return checkFields(x.Object, ty)
	case BinaryExpr:
		if err := checkFields(x.Left, ty); err != nil {
			return err
		}
		return checkFields(x.Right, ty)
	case NotExpr:
		return checkFields(x.Value, ty)
	}
	return nil
}
