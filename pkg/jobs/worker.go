package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/icstlab/icst/pkg/apperr"
)

// completeTimeout bounds the terminal store write so a slow store cannot
// wedge a worker.
const completeTimeout = 10 * time.Second

func (o *Orchestrator) work(n int) {
	defer o.wg.Done()

	logger := o.logger.With("worker", n)
	for task := range o.queue {
		o.recorder.QueueDepth(len(o.queue))
		o.execute(task)
	}
	logger.Debug("job worker stopped")
}

// execute runs one task to its terminal state. The temp file is gone
// before the outcome becomes visible to pollers.
func (o *Orchestrator) execute(task Task) {
	start := time.Now()
	logger := o.logger.With("job_id", task.ID, "kind", task.Kind)
	logger.Debug("job started", "waited_ms", start.Sub(task.Queued).Milliseconds())

	result, err := o.run(task)
	removeTemp(task.TempFile)

	var (
		encoded json.RawMessage
		failure *apperr.Detail
	)
	if err == nil {
		encoded, err = json.Marshal(result)
		if err != nil {
			err = apperr.Wrap(apperr.InternalFailure, err, "encode job result")
		}
	}
	if err != nil {
		failure = apperr.ToDetail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()

	job, cerr := o.store.Complete(ctx, task.ID, encoded, failure)
	elapsed := time.Since(start)
	if cerr != nil {
		logger.Error("failed to record job outcome", "error", cerr, "duration_ms", elapsed.Milliseconds())
		return
	}

	o.recorder.JobFinished(task.Kind, job.State, elapsed)
	if failure != nil {
		logger.Warn("job failed", "error", err, "error_kind", failure.Kind, "duration_ms", elapsed.Milliseconds())
		return
	}
	logger.Info("job succeeded", "duration_ms", elapsed.Milliseconds())
}

// run invokes the task's runner, converting a panic into InternalFailure.
func (o *Orchestrator) run(task Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("job panicked",
				"job_id", task.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			result = nil
			err = apperr.Wrap(apperr.InternalFailure, fmt.Errorf("panic: %v", r), "")
		}
	}()

	runner, ok := o.runner(task.Kind)
	if !ok {
		return nil, apperr.New(apperr.InternalFailure, "no runner for job kind %q", task.Kind)
	}
	return runner(context.Background(), task.Payload)
}
