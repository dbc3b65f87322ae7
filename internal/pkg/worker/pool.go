// Package worker provides the bounded goroutine pools of the orchestrator.
//
// Naked goroutines are not used for background work. Row execution runs on
// the rows pool; short maintenance and stitch work runs on the general pool.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a released pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool names accepted by SubmitDetached.
const (
	PoolGeneral = "general"
	PoolRows    = "rows"
)

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the worker pool collection.
type Pools struct {
	General *Pool
	Rows    *Pool

	// serviceCtx outlives requests and is cancelled on Shutdown.
	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains pool sizes.
type PoolConfig struct {
	GeneralPoolSize int
	// RowsPoolSize bounds how many rows execute at once across all batches.
	RowsPoolSize int
}

// DefaultPoolConfig returns default sizes.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		GeneralPoolSize: 32,
		RowsPoolSize:    64,
	}
}

// NewPools creates the pool collection.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	general, err := newAntsPool(cfg.GeneralPoolSize, 10*time.Second)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	// Row tasks sit in provider waits for minutes; keep idle workers longer.
	rows, err := newAntsPool(cfg.RowsPoolSize, time.Minute)
	if err != nil {
		general.Release()
		serviceCancel()
		return nil, err
	}

	return &Pools{
		General:       &Pool{pool: general, name: PoolGeneral},
		Rows:          &Pool{pool: rows, name: PoolRows},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

func newAntsPool(size int, expiry time.Duration) (*ants.Pool, error) {
	return ants.NewPool(size,
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("Worker panic recovered",
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(expiry),
	)
}

// Submit submits a task bound to ctx. If ctx is already cancelled the task is
// not submitted; if it is cancelled while queued the task is skipped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// SubmitDetached runs task with the service lifecycle context, so it survives
// the submitting request but still stops on Shutdown.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	pool := p.General
	if poolName == PoolRows {
		pool = p.Rows
	}
	return pool.Submit(p.serviceCtx, task)
}

// Context returns the service lifecycle context.
func (p *Pools) Context() context.Context {
	return p.serviceCtx
}

// Shutdown cancels the service context, then waits for running tasks (max 30s).
func (p *Pools) Shutdown() {
	p.serviceCancel()

	const shutdownTimeout = 30 * time.Second
	for _, pool := range []*Pool{p.General, p.Rows} {
		if err := pool.pool.ReleaseTimeout(shutdownTimeout); err != nil {
			logger.Warn("Worker pool shutdown timeout",
				zap.String("pool", pool.name),
				zap.Error(err),
			)
		}
	}
}

// Stats is a point-in-time view of one pool.
type Stats struct {
	Running int
	Free    int
	Cap     int
}

// Metrics returns per-pool stats keyed by pool name.
func (p *Pools) Metrics() map[string]Stats {
	out := make(map[string]Stats, 2)
	for _, pool := range []*Pool{p.General, p.Rows} {
		out[pool.name] = Stats{
			Running: pool.pool.Running(),
			Free:    pool.pool.Free(),
			Cap:     pool.pool.Cap(),
		}
	}
	return out
}
