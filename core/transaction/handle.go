package transaction

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// StoreTxn is the store-level unit of work owned by a Handle. Rollback must be
// safe to call after a failed commit.
type StoreTxn interface {
	Rollback() error
}

// TransactionState represents the lifecycle of a handle.
type TransactionState int32

const (
	TxnStateRunning    TransactionState = iota // open, operations may borrow it
	TxnStateCommitted                          // store commit was attempted after sole-ownership reclaim
	TxnStateRolledBack                         // rolled back explicitly or on drop
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

var handleIDs atomic.Uint64

// Handle is a shared, reference-counted owner of one open store transaction.
// The slot holds one reference; every in-flight operation and every open query
// stream holds another through a Lease. Store access is serialized by a
// cooperative mutex whose Lock honours context cancellation.
type Handle struct {
	id     uint64
	txn    StoreTxn
	refs   atomic.Int32
	state  atomic.Int32
	sem    chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newHandle(txn StoreTxn, logger *zap.Logger) *Handle {
	h := &Handle{
		id:     handleIDs.Add(1),
		txn:    txn,
		sem:    make(chan struct{}, 1),
		logger: logger,
	}
	h.refs.Store(1)
	return h
}

func (h *Handle) ID() uint64              { return h.id }
func (h *Handle) State() TransactionState { return TransactionState(h.state.Load()) }

// Refs reports the live reference count. Zero means the handle was reclaimed
// or dropped.
func (h *Handle) Refs() int32 { return h.refs.Load() }

// acquire adds a reference unless the handle already reached zero.
func (h *Handle) acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference. Dropping the last one rolls back a transaction
// that was never committed.
func (h *Handle) release() {
	if h.refs.Add(-1) == 0 {
		h.rollbackOnce("dropped")
	}
}

// tryReclaim succeeds only when the caller's reference is the sole one left,
// moving the count to zero so that no new lease can be taken.
func (h *Handle) tryReclaim() bool {
	return h.refs.CompareAndSwap(1, 0)
}

func (h *Handle) markCommitted() {
	h.state.Store(int32(TxnStateCommitted))
	// The store owns the outcome from here; a later rollbackOnce becomes a no-op.
	h.once.Do(func() {})
}

// rollbackOnce issues the store rollback at most once per handle.
func (h *Handle) rollbackOnce(reason string) error {
	var err error
	h.once.Do(func() {
		h.state.Store(int32(TxnStateRolledBack))
		err = h.txn.Rollback()
		if err != nil {
			h.logger.Warn("Transaction rollback failed", zap.Uint64("txnID", h.id), zap.String("reason", reason), zap.Error(err))
			return
		}
		h.logger.Debug("Transaction rolled back", zap.Uint64("txnID", h.id), zap.String("reason", reason))
	})
	return err
}

func (h *Handle) lock(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) unlock() {
	<-h.sem
}

// Lease is one borrowed reference to a Handle. Release is idempotent.
type Lease struct {
	h        *Handle
	released atomic.Bool
}

func (l *Lease) TxnID() uint64 { return l.h.id }

// Lock acquires the handle's cooperative mutex and returns the store
// transaction. The caller must Unlock when its store work is done and must not
// hold the lock across unrelated waits.
func (l *Lease) Lock(ctx context.Context) (StoreTxn, error) {
	if l.released.Load() {
		return nil, errReleasedLease
	}
	if err := l.h.lock(ctx); err != nil {
		return nil, err
	}
	return l.h.txn, nil
}

func (l *Lease) Unlock() { l.h.unlock() }

// Clone takes an additional reference for work that outlives the current
// operation, such as a query stream.
func (l *Lease) Clone() *Lease {
	if l.released.Load() || !l.h.acquire() {
		panic("transaction: clone of a released lease")
	}
	return &Lease{h: l.h}
}

func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.h.release()
	}
}
