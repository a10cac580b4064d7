package cursor

import (
	"context"
	"fmt"
	"weak"

	"github.com/panjf2000/ants/v2"
	"github.com/sushant-115/txbridge/core/dberror"
	"go.uber.org/zap"
)

// AdvanceTask pulls one row for a resource it does not keep alive. If the
// resource is gone by the time the task runs, the task fails with
// ErrClosedResource.
type AdvanceTask struct {
	res weak.Pointer[Resource]
	// done is the resource's cancellation token, captured up front so a waiter
	// can observe Close without holding the resource.
	done <-chan struct{}
}

func NewAdvanceTask(r *Resource) *AdvanceTask {
	return &AdvanceTask{res: weak.Make(r), done: r.Done()}
}

func (t *AdvanceTask) Run(ctx context.Context) error {
	r := t.res.Value()
	if r == nil {
		return fmt.Errorf("%w: cursor was destroyed", dberror.ErrClosedResource)
	}
	return r.Advance(ctx)
}

// Executor runs advance tasks on a bounded goroutine pool.
type Executor struct {
	pool   *ants.Pool
	logger *zap.Logger
}

// NewExecutor sizes the pool; size <= 0 means unbounded.
func NewExecutor(size int, logger *zap.Logger) (*Executor, error) {
	logger = logger.Named("cursor_executor")
	if size <= 0 {
		size = -1
	}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v any) {
		logger.Error("Advance task panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create cursor pool: %w", err)
	}
	return &Executor{pool: pool, logger: logger}, nil
}

// Run submits t and waits for it. The wait ends early with ErrClosedResource
// when the resource is closed, or with ctx's error; the task then finishes in
// the background.
func (e *Executor) Run(ctx context.Context, t *AdvanceTask) error {
	result := make(chan error, 1)
	err := e.pool.Submit(func() {
		defer func() {
			if v := recover(); v != nil {
				result <- fmt.Errorf("advance task panicked: %v", v)
				panic(v)
			}
		}()
		result <- t.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("submit advance task: %w", err)
	}
	select {
	case err := <-result:
		return err
	case <-t.done:
		return fmt.Errorf("%w: cursor was closed", dberror.ErrClosedResource)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Running() int { return e.pool.Running() }

func (e *Executor) Release() {
	e.pool.Release()
}
