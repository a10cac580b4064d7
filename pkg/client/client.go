// Package client is the Go client of the txbridge gRPC service.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	bridgeservice "github.com/sushant-115/txbridge/api/bridge_service"
	"github.com/sushant-115/txbridge/core/query"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/value"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client issues bridge calls over a gRPC connection.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func New(conn grpc.ClientConnInterface, logger *zap.Logger) *Client {
	return &Client{conn: conn, logger: logger.Named("bridge_client")}
}

// call invokes method and restores the worker error kind of a failure.
func (c *Client) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, bridgeservice.FullMethod(method), in, out); err != nil {
		c.logger.Debug("Bridge call failed", zap.String("method", method), zap.Error(err))
		return nil, bridgeservice.FromStatus(err)
	}
	return out, nil
}

// OpenSession starts a new execution context on the server.
func (c *Client) OpenSession(ctx context.Context) (*Session, error) {
	out, err := c.call(ctx, bridgeservice.MethodOpenSession, map[string]any{})
	if err != nil {
		return nil, err
	}
	id := out.GetFields()["session"].GetStringValue()
	if id == "" {
		return nil, fmt.Errorf("server returned no session id")
	}
	return &Session{c: c, id: id}, nil
}

// Backup asks the server to write a copy of its store under name.
func (c *Client) Backup(ctx context.Context, name string) (BackupResult, error) {
	out, err := c.call(ctx, bridgeservice.MethodBackup, map[string]any{"name": name})
	if err != nil {
		return BackupResult{}, err
	}
	f := out.GetFields()
	return BackupResult{
		Path:   f["path"].GetStringValue(),
		Bytes:  int64(f["bytes"].GetNumberValue()),
		SHA256: f["sha256"].GetStringValue(),
	}, nil
}

type BackupResult struct {
	Path   string
	Bytes  int64
	SHA256 string
}

// Session is one server-side worker. Its methods mirror the worker's.
type Session struct {
	c  *Client
	id string
}

func (s *Session) ID() string { return s.id }

func (s *Session) req(fields map[string]any) map[string]any {
	fields["session"] = s.id
	return fields
}

func (s *Session) Close(ctx context.Context) error {
	_, err := s.c.call(ctx, bridgeservice.MethodCloseSession, s.req(map[string]any{}))
	return err
}

func (s *Session) Begin(ctx context.Context) error {
	_, err := s.c.call(ctx, bridgeservice.MethodBeginTransaction, s.req(map[string]any{}))
	return err
}

func (s *Session) Commit(ctx context.Context) error {
	_, err := s.c.call(ctx, bridgeservice.MethodCommitTransaction, s.req(map[string]any{}))
	return err
}

func (s *Session) Rollback(ctx context.Context) error {
	_, err := s.c.call(ctx, bridgeservice.MethodRollbackTransaction, s.req(map[string]any{}))
	return err
}

// Store writes row (any host value the codec accepts) and returns the id tree
// of the inserted rows.
func (s *Session) Store(ctx context.Context, typeName string, row any, md reqctx.Metadata) (map[string]any, error) {
	v, err := value.FromHost(row)
	if err != nil {
		return nil, err
	}
	mdWire, err := toWire(md)
	if err != nil {
		return nil, err
	}
	out, err := s.c.call(ctx, bridgeservice.MethodStore, s.req(map[string]any{
		"type":     typeName,
		"value":    value.ToTagged(v),
		"metadata": mdWire,
	}))
	if err != nil {
		return nil, err
	}
	return out.GetFields()["ids"].GetStructValue().AsMap(), nil
}

// Delete removes the rows of typeName matching filter; nil matches all rows.
func (s *Session) Delete(ctx context.Context, typeName string, filter query.Expr, md reqctx.Metadata) error {
	mdWire, err := toWire(md)
	if err != nil {
		return err
	}
	req := map[string]any{"type": typeName, "metadata": mdWire}
	if filter != nil {
		req["filter"] = query.EncodeExpr(filter)
	}
	_, err = s.c.call(ctx, bridgeservice.MethodDelete, s.req(req))
	return err
}

func (s *Session) CrudDelete(ctx context.Context, typeName string, urlQuery [][2]string, md reqctx.Metadata) error {
	mdWire, err := toWire(md)
	if err != nil {
		return err
	}
	_, err = s.c.call(ctx, bridgeservice.MethodCrudDelete, s.req(map[string]any{
		"type":     typeName,
		"urlQuery": pairsToWire(urlQuery),
		"metadata": mdWire,
	}))
	return err
}

// CrudQuery runs a url query and returns its rows.
func (s *Session) CrudQuery(ctx context.Context, params query.CrudParams, md reqctx.Metadata) ([]*value.Map, error) {
	mdWire, err := toWire(md)
	if err != nil {
		return nil, err
	}
	out, err := s.c.call(ctx, bridgeservice.MethodCrudQuery, s.req(map[string]any{
		"params":   map[string]any{"typeName": params.TypeName, "urlQuery": pairsToWire(params.URLQuery)},
		"metadata": mdWire,
	}))
	if err != nil {
		return nil, err
	}
	var rows []*value.Map
	for _, item := range out.GetFields()["results"].GetListValue().GetValues() {
		row, err := rowFromWire(item.AsInterface())
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Query opens a server-side cursor over chain.
func (s *Session) Query(ctx context.Context, chain query.OpChain, md reqctx.Metadata) (*Cursor, error) {
	mdWire, err := toWire(md)
	if err != nil {
		return nil, err
	}
	chainWire, err := toWire(chain)
	if err != nil {
		return nil, err
	}
	out, err := s.c.call(ctx, bridgeservice.MethodQuery, s.req(map[string]any{
		"chain":    chainWire,
		"metadata": mdWire,
	}))
	if err != nil {
		return nil, err
	}
	return &Cursor{s: s, id: out.GetFields()["cursor"].GetNumberValue()}, nil
}

func toWire(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func pairsToWire(pairs [][2]string) []any {
	out := make([]any, len(pairs))
	for i, kv := range pairs {
		out[i] = []any{kv[0], kv[1]}
	}
	return out
}

func rowFromWire(t any) (*value.Map, error) {
	v, err := value.FromTagged(t)
	if err != nil {
		return nil, err
	}
	return v.AsMap()
}
