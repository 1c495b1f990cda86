package worker

import (
	"context"

	"hookgate/internal"

	"github.com/riverqueue/river"
)

// RiverWorker consumes hookgate.delivery jobs inserted by the riverqueue
// enqueue driver and runs them through a Worker's handlers. River owns
// retries, so permanent failures are cancelled instead of retried.
type RiverWorker struct {
	river.WorkerDefaults[internal.DeliveryArgs]
	worker *Worker
}

// NewRiverWorker wraps w for registration with river.AddWorker.
func NewRiverWorker(w *Worker) *RiverWorker {
	return &RiverWorker{worker: w}
}

// Work converts the job into an Event and dispatches it.
func (r *RiverWorker) Work(ctx context.Context, job *river.Job[internal.DeliveryArgs]) error {
	evt := &Event{
		Provider:   job.Args.Provider,
		Type:       job.Args.EventType,
		DeliveryID: job.Args.DeliveryID,
		Topic:      job.Args.Topic,
		Metadata: map[string]string{
			"driver": "riverqueue",
			"queue":  job.Queue,
		},
	}
	err := r.worker.Dispatch(ctx, evt)
	if err != nil && IsPermanent(err) {
		return river.JobCancel(err)
	}
	return err
}
