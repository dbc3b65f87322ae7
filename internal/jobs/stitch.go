package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/stitch"
)

// QueueStitch is the queue stitch jobs run on.
const QueueStitch = "stitch"

// StitchArgs carries the target of one accepted stitch.
type StitchArgs struct {
	BatchID string `json:"batch_id"`
	RowID   string `json:"row_id,omitempty"`
	Actor   string `json:"actor"`
}

// Kind returns the job kind identifier for stitching.
func (StitchArgs) Kind() string { return "stitch_artifact" }

// InsertOpts keeps one queued stitch per target. The coordinator already
// rejects concurrent requests; uniqueness covers re-dispatch after a crash.
func (StitchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueStitch,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	}
}

func (a StitchArgs) target() stitch.Target {
	return stitch.Target{BatchID: a.BatchID, RowID: a.RowID, Actor: a.Actor}
}

// Runner runs an accepted stitch.
type Runner interface {
	Run(ctx context.Context, t stitch.Target) error
}

// StitchWorker runs stitch jobs.
type StitchWorker struct {
	river.WorkerDefaults[StitchArgs]
	runner  Runner
	timeout time.Duration
}

// NewStitchWorker creates a StitchWorker. Non-positive timeout means 15m.
func NewStitchWorker(runner Runner, timeout time.Duration) *StitchWorker {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &StitchWorker{runner: runner, timeout: timeout}
}

// Timeout bounds one composition.
func (w *StitchWorker) Timeout(*river.Job[StitchArgs]) time.Duration {
	return w.timeout
}

// Work runs the stitch. Failures are already recorded on the target by the
// coordinator, so the job itself is not retried.
func (w *StitchWorker) Work(ctx context.Context, job *river.Job[StitchArgs]) error {
	if w == nil || w.runner == nil {
		return fmt.Errorf("stitch worker is not initialized")
	}
	if err := w.runner.Run(ctx, job.Args.target()); err != nil {
		logger.Warn("Stitch job finished with error",
			logger.BatchID(job.Args.BatchID),
			logger.RowID(job.Args.RowID),
			zap.Int64("job_id", job.ID),
			zap.Error(err),
		)
		return river.JobCancel(err)
	}
	return nil
}

// Inserter enqueues River jobs. *river.Client satisfies it.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverDispatcher enqueues accepted stitches as StitchArgs jobs.
type RiverDispatcher struct {
	client Inserter
}

// NewRiverDispatcher creates a dispatcher inserting through client.
func NewRiverDispatcher(client Inserter) *RiverDispatcher {
	return &RiverDispatcher{client: client}
}

// Dispatch implements stitch.Dispatcher.
func (d *RiverDispatcher) Dispatch(ctx context.Context, t stitch.Target) error {
	res, err := d.client.Insert(ctx, StitchArgs{BatchID: t.BatchID, RowID: t.RowID, Actor: t.Actor}, nil)
	if err != nil {
		return fmt.Errorf("insert stitch job: %w", err)
	}
	if res != nil && res.UniqueSkippedAsDuplicate {
		logger.Info("Stitch job already queued", logger.BatchID(t.BatchID), logger.RowID(t.RowID))
	}
	return nil
}
