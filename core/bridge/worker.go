// Package bridge exposes the operations of one execution context (a worker):
// transaction lifecycle, stores, deletes, queries and the cursors that stream
// query results back.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/txbridge/core/cursor"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/engine"
	"github.com/sushant-115/txbridge/core/policy"
	"github.com/sushant-115/txbridge/core/query"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/schema"
	"github.com/sushant-115/txbridge/core/transaction"
	"github.com/sushant-115/txbridge/core/value"
	internaltelemetry "github.com/sushant-115/txbridge/internal/telemetry"
	"go.uber.org/zap"
)

// QueryEngine is what a worker needs from the query engine.
type QueryEngine interface {
	transaction.Store
	AddRow(ctx context.Context, lease *transaction.Lease, rctx *reqctx.Context, ty *schema.EntityType, row *value.Map) (*engine.IDTree, error)
	MutateWithTransaction(ctx context.Context, lease *transaction.Lease, m *query.Mutation) (int, error)
	Query(lease *transaction.Lease, plan *query.QueryPlan) (cursor.Sequence, error)
	RunQuery(ctx context.Context, lease *transaction.Lease, plan *query.QueryPlan) ([]*value.Map, error)
}

// Version is a deployed application version: its id plus the type and policy
// systems every request context borrows.
type Version struct {
	ID       string
	Types    *schema.TypeSystem
	Policies *policy.System
}

type Options struct {
	// Identity resolves the caller from a bearer token; nil disables it.
	Identity *reqctx.TokenVerifier
	Metrics  *internaltelemetry.BridgeMetrics
}

// Worker is one execution context. It holds at most one transaction at a time
// and any number of open cursors. All methods are safe for concurrent use.
type Worker struct {
	version *Version
	engine  QueryEngine
	txns    *transaction.Manager
	cursors *cursor.Table
	exec    *cursor.Executor
	opts    Options
	logger  *zap.Logger
}

func NewWorker(version *Version, eng QueryEngine, exec *cursor.Executor, opts Options, logger *zap.Logger) *Worker {
	logger = logger.Named("worker").With(zap.String("version_id", version.ID))
	return &Worker{
		version: version,
		engine:  eng,
		txns:    transaction.NewManager(eng, logger),
		cursors: cursor.NewTable(),
		exec:    exec,
		opts:    opts,
		logger:  logger,
	}
}

// InTransaction reports whether a transaction is open.
func (w *Worker) InTransaction() bool { return w.txns.InProgress() }

// Cursors is the number of published cursors.
func (w *Worker) Cursors() int { return w.cursors.Len() }

func (w *Worker) BeginTransaction(ctx context.Context) error {
	err := w.txns.Begin(ctx)
	w.recordLifecycle(ctx, "begin", err)
	return err
}

// CommitTransaction fails with ErrOperationInProgress while stores, deletes,
// queries or open cursors still use the transaction; it stays open and the
// commit can be retried once they finish.
func (w *Worker) CommitTransaction(ctx context.Context) error {
	err := w.txns.Commit(ctx)
	w.recordLifecycle(ctx, "commit", err)
	return err
}

func (w *Worker) RollbackTransaction(ctx context.Context) error {
	err := w.txns.Rollback(ctx)
	w.recordLifecycle(ctx, "rollback", err)
	return err
}

func (w *Worker) recordLifecycle(ctx context.Context, event string, err error) {
	if err == nil {
		w.opts.Metrics.Transaction(ctx, event, "ok")
		return
	}
	if errors.Is(err, dberror.ErrOperationInProgress) {
		w.opts.Metrics.Conflict(ctx, event)
	}
	w.opts.Metrics.Transaction(ctx, event, dberror.Kind(err))
	w.logger.Debug("Transaction lifecycle refused", zap.String("event", event), zap.Error(err))
}

// requestContext resolves the caller identity and assembles the context for
// one call.
func (w *Worker) requestContext(md reqctx.Metadata) (*reqctx.Context, error) {
	md, err := w.opts.Identity.Identify(md)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberror.ErrPermissionDenied, err)
	}
	return reqctx.New(w.version.Policies, w.version.Types, md), nil
}

// Store writes hostValue as an entity of typeName and returns the ids of the
// inserted rows. Writes into auth types are refused unless the call comes over
// the privileged internal path.
func (w *Worker) Store(ctx context.Context, typeName string, hostValue any, md reqctx.Metadata) (*engine.IDTree, error) {
	return transaction.WithTransaction(ctx, w.txns, func(ctx context.Context, lease *transaction.Lease) (*engine.IDTree, error) {
		rctx, err := w.requestContext(md)
		if err != nil {
			return nil, err
		}
		row, err := value.MapFromHost(hostValue)
		if err != nil {
			return nil, err
		}
		ty, err := w.version.Types.LookupType(typeName)
		if err != nil {
			return nil, err
		}
		if ty.IsAuth() && !reqctx.IsAuthPath(md.VersionID, md.RoutingPath) {
			w.logger.Warn("Refused write into auth type",
				zap.String("type", typeName),
				zap.String("path", md.Path),
				zap.String("routing_path", md.RoutingPath))
			return nil, fmt.Errorf("%w: cannot store into %s outside the auth handlers", dberror.ErrPermissionDenied, typeName)
		}
		tree, err := w.engine.AddRow(ctx, lease, rctx, ty, row)
		if err != nil {
			return nil, err
		}
		w.opts.Metrics.Stored(ctx, typeName)
		return tree, nil
	})
}

// Delete removes the rows of typeName matching filter; a nil filter removes
// every row.
func (w *Worker) Delete(ctx context.Context, typeName string, filter query.Expr, md reqctx.Metadata) error {
	_, err := transaction.WithTransaction(ctx, w.txns, func(ctx context.Context, lease *transaction.Lease) (struct{}, error) {
		rctx, err := w.requestContext(md)
		if err != nil {
			return struct{}{}, err
		}
		m, err := query.BuildDelete(rctx, typeName, filter)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, w.mutate(ctx, lease, m)
	})
	return err
}

// CrudDelete is Delete with the filter taken from a url query.
func (w *Worker) CrudDelete(ctx context.Context, typeName string, urlQuery [][2]string, md reqctx.Metadata) error {
	_, err := transaction.WithTransaction(ctx, w.txns, func(ctx context.Context, lease *transaction.Lease) (struct{}, error) {
		rctx, err := w.requestContext(md)
		if err != nil {
			return struct{}{}, err
		}
		m, err := query.BuildCrudDelete(rctx, typeName, urlQuery)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, w.mutate(ctx, lease, m)
	})
	return err
}

func (w *Worker) mutate(ctx context.Context, lease *transaction.Lease, m *query.Mutation) error {
	n, err := w.engine.MutateWithTransaction(ctx, lease, m)
	if err != nil {
		return err
	}
	w.opts.Metrics.Deleted(ctx, m.Entity.Name, n)
	w.logger.Debug("Delete applied", zap.String("type", m.Entity.Name), zap.Int("rows", n))
	return nil
}

// CrudQuery runs a url query to completion and returns {"results": [...]}.
func (w *Worker) CrudQuery(ctx context.Context, params query.CrudParams, md reqctx.Metadata) (map[string]any, error) {
	return transaction.WithTransaction(ctx, w.txns, func(ctx context.Context, lease *transaction.Lease) (map[string]any, error) {
		rctx, err := w.requestContext(md)
		if err != nil {
			return nil, err
		}
		plan, err := query.BuildCrudQuery(rctx, params)
		if err != nil {
			return nil, err
		}
		rows, err := w.engine.RunQuery(ctx, lease, plan)
		if err != nil {
			return nil, err
		}
		results := make([]any, len(rows))
		for i, r := range rows {
			results[i] = value.MapToHost(r)
		}
		return map[string]any{"results": results}, nil
	})
}

// Query plans chain and publishes a cursor over its rows. The cursor keeps the
// transaction busy until it is exhausted, fails or is closed.
func (w *Worker) Query(ctx context.Context, chain query.OpChain, md reqctx.Metadata) (cursor.ResourceID, error) {
	return transaction.WithTransaction(ctx, w.txns, func(ctx context.Context, lease *transaction.Lease) (cursor.ResourceID, error) {
		rctx, err := w.requestContext(md)
		if err != nil {
			return 0, err
		}
		plan, err := query.BuildQueryPlan(rctx, chain)
		if err != nil {
			return 0, err
		}
		streamLease := lease.Clone()
		seq, err := w.engine.Query(streamLease, plan)
		if err != nil {
			streamLease.Release()
			return 0, err
		}
		id := w.cursors.Publish(cursor.NewResource(seq))
		w.opts.Metrics.CursorOpened(ctx)
		w.logger.Debug("Cursor opened", zap.Uint32("cursor_id", uint32(id)), zap.String("type", plan.Entity.Name))
		return id, nil
	})
}

// AdvanceCursor pulls the next row of the cursor into its buffer. An
// exhausted cursor advances successfully and leaves the buffer empty.
func (w *Worker) AdvanceCursor(ctx context.Context, id cursor.ResourceID) error {
	r, err := w.cursors.Lookup(id)
	if err != nil {
		return err
	}
	err = w.exec.Run(ctx, cursor.NewAdvanceTask(r))
	if err != nil {
		w.opts.Metrics.Advanced(ctx, dberror.Kind(err))
		return err
	}
	w.opts.Metrics.Advanced(ctx, "ok")
	return nil
}

// TakeCursorValue returns the buffered row as a host value and clears the
// buffer. ok is false when nothing is buffered.
func (w *Worker) TakeCursorValue(id cursor.ResourceID) (any, bool, error) {
	r, err := w.cursors.Lookup(id)
	if err != nil {
		return nil, false, err
	}
	row, ok := r.Take()
	if !ok {
		return nil, false, nil
	}
	return value.MapToHost(row), true, nil
}

func (w *Worker) CloseCursor(ctx context.Context, id cursor.ResourceID) error {
	if err := w.cursors.Close(id); err != nil {
		return err
	}
	w.opts.Metrics.CursorClosed(ctx)
	return nil
}

// Close closes every cursor and drops the worker's transaction; an
// uncommitted transaction is rolled back.
func (w *Worker) Close() {
	n := w.cursors.Len()
	w.cursors.CloseAll()
	for i := 0; i < n; i++ {
		w.opts.Metrics.CursorClosed(context.Background())
	}
	w.txns.Close()
	w.logger.Debug("Worker closed", zap.Int("cursors", n))
}
