// Package transaction owns the single-transaction slot of an execution context:
// begin, commit and rollback with a sole-ownership check, plus the borrow/run/
// release helper every data operation goes through.
package transaction

import (
	"context"
	"errors"
	"sync"

	"github.com/sushant-115/txbridge/core/dberror"
	"go.uber.org/zap"
)

var errReleasedLease = errors.New("transaction lease already released")

// Store is the subset of the query engine the lifecycle manager needs.
type Store interface {
	BeginTransaction(ctx context.Context) (StoreTxn, error)
	CommitTransaction(ctx context.Context, txn StoreTxn) error
}

// Slot holds at most one active Handle.
type Slot struct {
	mu sync.Mutex
	h  *Handle
}

// Manager implements the transaction lifecycle for one execution context.
type Manager struct {
	store  Store
	slot   Slot
	logger *zap.Logger
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.Named("txn_manager"),
	}
}

// InProgress reports whether the slot is occupied.
func (m *Manager) InProgress() bool {
	m.slot.mu.Lock()
	defer m.slot.mu.Unlock()
	return m.slot.h != nil
}

// Current returns the handle in the slot, or nil.
func (m *Manager) Current() *Handle {
	m.slot.mu.Lock()
	defer m.slot.mu.Unlock()
	return m.slot.h
}

// Begin opens a store transaction and places it in the empty slot.
func (m *Manager) Begin(ctx context.Context) error {
	if m.InProgress() {
		return dberror.ErrAlreadyInProgress
	}

	txn, err := m.store.BeginTransaction(ctx)
	if err != nil {
		return dberror.Store("begin transaction", err)
	}
	h := newHandle(txn, m.logger)

	m.slot.mu.Lock()
	if m.slot.h != nil {
		m.slot.mu.Unlock()
		// Lost a race with a concurrent Begin; ours never became visible.
		h.rollbackOnce("begin raced")
		return dberror.ErrAlreadyInProgress
	}
	m.slot.h = h
	m.slot.mu.Unlock()

	m.logger.Debug("Transaction begun", zap.Uint64("txnID", h.id))
	return nil
}

// reclaim removes the slot's handle once no other reference is alive. When an
// operation still holds the transaction the slot is left untouched so the
// caller can retry after awaiting it.
func (m *Manager) reclaim() (*Handle, error) {
	m.slot.mu.Lock()
	defer m.slot.mu.Unlock()

	h := m.slot.h
	if h == nil {
		return nil, dberror.ErrNoneInProgress
	}
	if !h.tryReclaim() {
		return nil, dberror.ErrOperationInProgress
	}
	m.slot.h = nil
	return h, nil
}

// Commit applies the transaction. A store-level failure is surfaced wrapped in
// ErrStore and the transaction is not restored to the slot.
func (m *Manager) Commit(ctx context.Context) error {
	h, err := m.reclaim()
	if err != nil {
		return commitErr(err)
	}

	if err := m.store.CommitTransaction(ctx, h.txn); err != nil {
		m.logger.Warn("Transaction commit failed", zap.Uint64("txnID", h.id), zap.Error(err))
		h.rollbackOnce("commit failed")
		return dberror.Store("commit transaction", err)
	}
	h.markCommitted()
	m.logger.Debug("Transaction committed", zap.Uint64("txnID", h.id))
	return nil
}

// Rollback discards the transaction.
func (m *Manager) Rollback(ctx context.Context) error {
	h, err := m.reclaim()
	if err != nil {
		return rollbackErr(err)
	}
	if err := h.rollbackOnce("rollback requested"); err != nil {
		return dberror.Store("rollback transaction", err)
	}
	return nil
}

// Acquire leases the slot's handle for one operation.
func (m *Manager) Acquire() (*Lease, error) {
	m.slot.mu.Lock()
	defer m.slot.mu.Unlock()

	h := m.slot.h
	if h == nil || !h.acquire() {
		return nil, dberror.ErrNoneInProgress
	}
	return &Lease{h: h}, nil
}

// Close drops the slot's reference. An uncommitted transaction is rolled back
// as soon as the last outstanding lease is released.
func (m *Manager) Close() {
	m.slot.mu.Lock()
	h := m.slot.h
	m.slot.h = nil
	m.slot.mu.Unlock()

	if h != nil {
		h.release()
	}
}

// WithTransaction leases the current transaction for the duration of fn.
func WithTransaction[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, lease *Lease) (T, error)) (T, error) {
	lease, err := m.Acquire()
	if err != nil {
		var zero T
		return zero, dataOpErr(err)
	}
	defer lease.Release()
	return fn(ctx, lease)
}

func commitErr(err error) error {
	return wrapLifecycle("cannot commit a transaction", err)
}

func rollbackErr(err error) error {
	return wrapLifecycle("cannot rollback a transaction", err)
}

func dataOpErr(err error) error {
	return wrapLifecycle("cannot perform a data operation", err)
}

func wrapLifecycle(prefix string, err error) error {
	return &lifecycleError{prefix: prefix, err: err}
}

type lifecycleError struct {
	prefix string
	err    error
}

func (e *lifecycleError) Error() string { return e.prefix + " because " + e.err.Error() }
func (e *lifecycleError) Unwrap() error { return e.err }
