package bridgeservice

import (
	"encoding/json"
	"fmt"

	"github.com/sushant-115/txbridge/core/cursor"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/query"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/value"
	"google.golang.org/protobuf/types/known/structpb"
)

// --- Request decoding ---

func empty() *structpb.Struct { return &structpb.Struct{} }

func anyField(req *structpb.Struct, name string) any {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil
	}
	return v.AsInterface()
}

func stringField(req *structpb.Struct, name string) (string, error) {
	s, ok := anyField(req, name).(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", dberror.ErrInvalidQuery, name)
	}
	return s, nil
}

// decodeField re-encodes a struct field as JSON and decodes it into out. A
// missing field leaves out untouched.
func decodeField(req *structpb.Struct, name string, out any) error {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", dberror.ErrInvalidQuery, name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", dberror.ErrInvalidQuery, name, err)
	}
	return nil
}

func metadataField(req *structpb.Struct) (reqctx.Metadata, error) {
	var md reqctx.Metadata
	err := decodeField(req, "metadata", &md)
	return md, err
}

func filterField(req *structpb.Struct) (query.Expr, error) {
	v, ok := req.GetFields()["filter"]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %v", dberror.ErrInvalidQuery, err)
	}
	return query.DecodeExpr(data)
}

func chainField(req *structpb.Struct) (query.OpChain, error) {
	var chain query.OpChain
	if err := decodeField(req, "chain", &chain); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty operation chain", dberror.ErrInvalidQuery)
	}
	return chain, nil
}

func crudParamsField(req *structpb.Struct) (query.CrudParams, error) {
	var params query.CrudParams
	if err := decodeField(req, "params", &params); err != nil {
		return params, err
	}
	if params.TypeName == "" {
		return params, fmt.Errorf("%w: params.typeName is required", dberror.ErrInvalidQuery)
	}
	return params, nil
}

func cursorField(req *structpb.Struct) (cursor.ResourceID, error) {
	n, ok := anyField(req, "cursor").(float64)
	if !ok || n < 0 || n != float64(uint32(n)) {
		return 0, fmt.Errorf("%w: \"cursor\" must be a cursor id", dberror.ErrInvalidQuery)
	}
	return cursor.ResourceID(uint32(n)), nil
}

// hostToStruct renders a host map in the tagged wire form.
func hostToStruct(m map[string]any) (*structpb.Struct, error) {
	v, err := value.FromHost(m)
	if err != nil {
		return nil, err
	}
	tagged, ok := value.ToTagged(v).(map[string]any)
	if !ok {
		return nil, dberror.Conversion("response is not an object")
	}
	return structpb.NewStruct(tagged)
}
