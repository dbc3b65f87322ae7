package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/batch"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

type recoverFunc func(ctx context.Context) (batch.RecoverReport, error)

func (f recoverFunc) Recover(ctx context.Context) (batch.RecoverReport, error) { return f(ctx) }

func TestReconcileArgs(t *testing.T) {
	assert.Equal(t, "batch_reconcile", ReconcileArgs{}.Kind())
	opts := ReconcileArgs{}.InsertOpts()
	assert.Equal(t, 1, opts.MaxAttempts)
	assert.True(t, opts.UniqueOpts.ByArgs)
	assert.NotNil(t, ReconcileJob(0))
}

func TestReconcileWorker_Work(t *testing.T) {
	calls := 0
	w := NewReconcileWorker(recoverFunc(func(context.Context) (batch.RecoverReport, error) {
		calls++
		return batch.RecoverReport{Batches: 2, RowsReset: 1, LanesOpened: 3}, nil
	}))
	require.NoError(t, w.Work(context.Background(), nil))
	assert.Equal(t, 1, calls)

	w = NewReconcileWorker(recoverFunc(func(context.Context) (batch.RecoverReport, error) {
		return batch.RecoverReport{}, errors.New("store unavailable")
	}))
	assert.ErrorContains(t, w.Work(context.Background(), nil), "store unavailable")

	assert.ErrorContains(t, NewReconcileWorker(nil).Work(context.Background(), nil), "not initialized")
}
