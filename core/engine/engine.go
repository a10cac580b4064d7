// Package engine executes plans and mutations against the bolt store inside
// the worker's transaction.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sushant-115/txbridge/core/cursor"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/query"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/schema"
	"github.com/sushant-115/txbridge/core/storage_engine/boltstore"
	"github.com/sushant-115/txbridge/core/transaction"
	"github.com/sushant-115/txbridge/core/value"
	"go.uber.org/zap"
)

// hydrateDepth bounds how many levels of nested entities a query row carries.
const hydrateDepth = 3

// IDTree mirrors the nesting of an inserted row: the row id plus the trees of
// nested entities that were inserted alongside it.
type IDTree struct {
	ID     string
	Fields map[string]*IDTree
}

// ToHost renders the tree as {"id": ..., "<field>": {...}}.
func (t *IDTree) ToHost() map[string]any {
	out := map[string]any{schema.IDField: t.ID}
	for name, child := range t.Fields {
		out[name] = child.ToHost()
	}
	return out
}

type QueryEngine struct {
	store  *boltstore.Store
	logger *zap.Logger
}

func New(store *boltstore.Store, logger *zap.Logger) *QueryEngine {
	return &QueryEngine{store: store, logger: logger.Named("query_engine")}
}

func (e *QueryEngine) BeginTransaction(ctx context.Context) (transaction.StoreTxn, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (e *QueryEngine) CommitTransaction(ctx context.Context, txn transaction.StoreTxn) error {
	btx, err := boltTxn(txn)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return btx.Commit()
}

func boltTxn(txn transaction.StoreTxn) (*boltstore.Txn, error) {
	btx, ok := txn.(*boltstore.Txn)
	if !ok {
		return nil, fmt.Errorf("unexpected store transaction %T", txn)
	}
	return btx, nil
}

// withTxn runs fn while holding the handle's lock.
func withTxn(ctx context.Context, lease *transaction.Lease, fn func(*boltstore.Txn) error) error {
	txn, err := lease.Lock(ctx)
	if err != nil {
		return err
	}
	defer lease.Unlock()
	btx, err := boltTxn(txn)
	if err != nil {
		return err
	}
	return fn(btx)
}

// AddRow inserts row as an entity of type ty. Nested entity fields holding
// objects are inserted as rows of their own type and replaced by their ids.
// Every row of the tree passes its write policy, defaults and schema check
// before any of them is written.
func (e *QueryEngine) AddRow(ctx context.Context, lease *transaction.Lease, rctx *reqctx.Context, ty *schema.EntityType, row *value.Map) (*IDTree, error) {
	var tree *IDTree
	err := withTxn(ctx, lease, func(txn *boltstore.Txn) error {
		var puts []pendingPut
		var err error
		if tree, err = e.prepare(rctx, ty, row.Clone(), &puts); err != nil {
			return err
		}
		for _, p := range puts {
			if err := txn.Put(p.bucket, p.id, p.row); err != nil {
				return dberror.Store("insert", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Row stored", zap.String("type", ty.Name), zap.String("id", tree.ID), zap.Uint64("txn_id", lease.TxnID()))
	return tree, nil
}

type pendingPut struct {
	bucket, id string
	row        *value.Map
}

// prepare checks row and its nested entities and appends their writes to
// puts, children first. Nothing touches the store.
func (e *QueryEngine) prepare(rctx *reqctx.Context, ty *schema.EntityType, row *value.Map, puts *[]pendingPut) (*IDTree, error) {
	if ty.IsAuth() && !rctx.IsAuthPath() {
		return nil, fmt.Errorf("%w: %s can only be written by the auth handlers", dberror.ErrPermissionDenied, ty.Name)
	}
	tree := &IDTree{}
	for _, f := range ty.Fields {
		if !f.IsEntity() {
			continue
		}
		v, ok := row.Get(f.Name)
		if !ok || v.Kind() != value.KindMap {
			continue
		}
		nested, err := rctx.Types.LookupType(f.Type)
		if err != nil {
			return nil, err
		}
		m, _ := v.AsMap()
		child, err := e.prepare(rctx, nested, m.Clone(), puts)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", ty.Name, f.Name, err)
		}
		if tree.Fields == nil {
			tree.Fields = make(map[string]*IDTree)
		}
		tree.Fields[f.Name] = child
		row.Set(f.Name, value.String(child.ID))
	}

	if err := ty.ApplyDefaults(row); err != nil {
		return nil, err
	}
	if err := rctx.Policies.For(ty.Name).CheckWrite(row, rctx.PolicyVars()); err != nil {
		return nil, err
	}
	if err := ty.Validate(row); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if v, ok := row.Get(schema.IDField); ok {
		s, isStr := v.AsString()
		if !isStr || s == "" {
			return nil, dberror.Conversion("%s.id must be a non-empty string", ty.Name)
		}
		id = s
	}
	row.Set(schema.IDField, value.String(id))
	*puts = append(*puts, pendingPut{bucket: ty.Name, id: id, row: row})
	tree.ID = id
	return tree, nil
}

// MutateWithTransaction deletes the rows matched by m and returns how many were
// removed. The write policy is checked for every matched row before anything is
// deleted.
func (e *QueryEngine) MutateWithTransaction(ctx context.Context, lease *transaction.Lease, m *query.Mutation) (int, error) {
	var n int
	err := withTxn(ctx, lease, func(txn *boltstore.Txn) error {
		var ids []string
		after := ""
		for {
			id, row, ok, err := txn.Next(m.Entity.Name, after)
			if err != nil {
				return dberror.Store("scan", err)
			}
			if !ok {
				break
			}
			after = id
			match, err := query.EvalBool(m.Filter, row)
			if err != nil {
				return err
			}
			if !match {
				continue
			}
			if err := m.Policy.CheckWrite(row, m.Vars); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		for _, id := range ids {
			if err := txn.Delete(m.Entity.Name, id); err != nil {
				return dberror.Store("delete", err)
			}
		}
		n = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Debug("Rows deleted", zap.String("type", m.Entity.Name), zap.Int("count", n), zap.Uint64("txn_id", lease.TxnID()))
	return n, nil
}

// Query returns a lazy sequence over plan. The sequence owns lease and
// releases it once exhausted, failed or closed.
func (e *QueryEngine) Query(lease *transaction.Lease, plan *query.QueryPlan) (cursor.Sequence, error) {
	return newRows(lease, plan, true), nil
}

// RunQuery evaluates plan eagerly inside the borrowed lease.
func (e *QueryEngine) RunQuery(ctx context.Context, lease *transaction.Lease, plan *query.QueryPlan) ([]*value.Map, error) {
	rows := newRows(lease, plan, false)
	defer rows.Close()
	var out []*value.Map
	for {
		row, err := rows.Next(ctx)
		if err != nil {
			if isEOF(err) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, row)
	}
}
