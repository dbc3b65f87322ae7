package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/stitch"
)

type runFunc func(ctx context.Context, t stitch.Target) error

func (f runFunc) Run(ctx context.Context, t stitch.Target) error { return f(ctx, t) }

type fakeInserter struct {
	args []river.JobArgs
	dup  bool
	err  error
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.args = append(f.args, args)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: 1}, UniqueSkippedAsDuplicate: f.dup}, nil
}

func TestStitchArgs(t *testing.T) {
	args := StitchArgs{BatchID: "b1"}
	assert.Equal(t, "stitch_artifact", args.Kind())

	opts := args.InsertOpts()
	assert.Equal(t, QueueStitch, opts.Queue)
	assert.Equal(t, 1, opts.MaxAttempts)
	assert.True(t, opts.UniqueOpts.ByArgs)
	assert.Contains(t, opts.UniqueOpts.ByState, rivertype.JobStateRunning)
}

func TestRiverDispatcher(t *testing.T) {
	ins := &fakeInserter{}
	d := NewRiverDispatcher(ins)

	require.NoError(t, d.Dispatch(context.Background(), stitch.Target{BatchID: "b1", RowID: "r1", Actor: "u1"}))
	require.Len(t, ins.args, 1)
	assert.Equal(t, StitchArgs{BatchID: "b1", RowID: "r1", Actor: "u1"}, ins.args[0])

	ins.dup = true
	assert.NoError(t, d.Dispatch(context.Background(), stitch.Target{BatchID: "b1"}))

	ins.err = errors.New("conn refused")
	assert.ErrorContains(t, d.Dispatch(context.Background(), stitch.Target{BatchID: "b1"}), "conn refused")
}

func TestStitchWorker_Work(t *testing.T) {
	t.Run("passes the target", func(t *testing.T) {
		var got stitch.Target
		w := NewStitchWorker(runFunc(func(_ context.Context, tg stitch.Target) error {
			got = tg
			return nil
		}), 0)
		job := &river.Job[StitchArgs]{JobRow: &rivertype.JobRow{ID: 7}, Args: StitchArgs{BatchID: "b1", Actor: "u1"}}

		require.NoError(t, w.Work(context.Background(), job))
		assert.Equal(t, stitch.Target{BatchID: "b1", Actor: "u1"}, got)
		assert.Equal(t, 15*time.Minute, w.Timeout(job))
	})

	t.Run("failure cancels the job", func(t *testing.T) {
		w := NewStitchWorker(runFunc(func(context.Context, stitch.Target) error {
			return errors.New("compose failed")
		}), 0)
		job := &river.Job[StitchArgs]{JobRow: &rivertype.JobRow{ID: 8}, Args: StitchArgs{BatchID: "b1"}}

		err := w.Work(context.Background(), job)
		var cancel *rivertype.JobCancelError
		assert.ErrorAs(t, err, &cancel)
	})

	t.Run("uninitialized", func(t *testing.T) {
		var w *StitchWorker
		assert.ErrorContains(t, w.Work(context.Background(), nil), "not initialized")
	})
}
