package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/schema"
	"github.com/sushant-115/txbridge/core/value"
)

// CrudParams names the queried type and carries the raw url query pairs.
type CrudParams struct {
	TypeName string      `json:"typeName"`
	URLQuery [][2]string `json:"urlQuery"`
}

var crudOps = map[string]BinaryOp{
	"eq":   OpEq,
	"ne":   OpNotEq,
	"lt":   OpLt,
	"lte":  OpLtEq,
	"gt":   OpGt,
	"gte":  OpGtEq,
	"like": OpLike,
}

// urlQuery is the parsed form of a crud url query.
type urlQuery struct {
	filter Expr
	sort   []SortKey
	limit  int
	offset int
}

// parseURLQuery understands `.field=value`, `.field~op=value`, `sort`,
// `limit` and `offset`. Filters on several fields are and-ed together.
func parseURLQuery(ty *schema.EntityType, pairs [][2]string) (*urlQuery, error) {
	q := &urlQuery{limit: -1}
	for _, kv := range pairs {
		key, raw := kv[0], kv[1]
		switch {
		case strings.HasPrefix(key, "."):
			name, opName, hasOp := strings.Cut(key[1:], "~")
			op := OpEq
			if hasOp {
				var ok bool
				if op, ok = crudOps[opName]; !ok {
					return nil, invalid("unknown filter operator %q", opName)
				}
			}
			if !ty.HasField(name) {
				return nil, invalid("unknown field %s.%s", ty.Name, name)
			}
			f, _ := ty.Field(name)
			v, err := parseFieldValue(f, raw)
			if err != nil {
				return nil, err
			}
			cond := Binary(Field(name), op, Lit(v))
			if q.filter == nil {
				q.filter = cond
			} else {
				q.filter = Binary(q.filter, OpAnd, cond)
			}
		case key == "sort":
			for _, part := range strings.Split(raw, ",") {
				if part == "" {
					continue
				}
				asc := true
				switch part[0] {
				case '-':
					asc, part = false, part[1:]
				case '+':
					part = part[1:]
				}
				if !ty.HasField(part) {
					return nil, invalid("unknown field %s.%s", ty.Name, part)
				}
				q.sort = append(q.sort, SortKey{FieldName: part, Ascending: asc})
			}
		case key == "limit", key == "offset":
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return nil, invalid("%s must be a non-negative integer, got %q", key, raw)
			}
			if key == "limit" {
				q.limit = n
			} else {
				q.offset = n
			}
		default:
			return nil, invalid("unknown url query parameter %q", key)
		}
	}
	return q, nil
}

// parseFieldValue reads a url query value as the declared type of the field.
// The literal `null` always means Null; the id field (f == nil) is a string.
func parseFieldValue(f *schema.Field, raw string) (value.Value, error) {
	if raw == "null" {
		return value.Null(), nil
	}
	if f == nil {
		return value.String(raw), nil
	}
	switch f.Type {
	case schema.TypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return value.Value{}, invalid("field %s expects a number, got %q", f.Name, raw)
		}
		return value.Number(n), nil
	case schema.TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return value.Value{}, invalid("field %s expects a boolean, got %q", f.Name, raw)
		}
		return value.Bool(b), nil
	case schema.TypeDatetime:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return value.Value{}, invalid("field %s expects an RFC 3339 datetime, got %q", f.Name, raw)
		}
		return value.Datetime(t), nil
	}
	return value.String(raw), nil
}

// BuildCrudDelete builds a delete mutation from url query filters.
func BuildCrudDelete(rctx *reqctx.Context, typeName string, pairs [][2]string) (*Mutation, error) {
	ty, err := resolve(rctx, typeName)
	if err != nil {
		return nil, err
	}
	q, err := parseURLQuery(ty, pairs)
	if err != nil {
		return nil, err
	}
	if q.sort != nil || q.limit >= 0 || q.offset > 0 {
		return nil, invalid("crud delete accepts filters only")
	}
	return BuildDelete(rctx, typeName, q.filter)
}

// BuildCrudQuery turns a crud url query into a plan: filter, then sort, then
// offset, then limit.
func BuildCrudQuery(rctx *reqctx.Context, params CrudParams) (*QueryPlan, error) {
	ty, err := resolve(rctx, params.TypeName)
	if err != nil {
		return nil, err
	}
	q, err := parseURLQuery(ty, params.URLQuery)
	if err != nil {
		return nil, err
	}
	chain := OpChain{BaseEntity(ty.Name)}
	if q.filter != nil {
		chain = append(chain, Filter(q.filter))
	}
	if len(q.sort) > 0 {
		chain = append(chain, SortBy(q.sort...))
	}
	if q.offset > 0 {
		chain = append(chain, Skip(q.offset))
	}
	if q.limit >= 0 {
		chain = append(chain, Take(q.limit))
	}
	return BuildQueryPlan(rctx, chain)
}
