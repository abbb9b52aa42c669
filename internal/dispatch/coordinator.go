package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"analysis-jobs/internal/hub"
	"analysis-jobs/internal/inference"
	"analysis-jobs/internal/models"
	"analysis-jobs/internal/store"
	"analysis-jobs/internal/telemetry"
)

// ErrUnknownStatus rejects completion payloads carrying a status outside the
// lifecycle vocabulary.
var ErrUnknownStatus = errors.New("unknown status")

// Options tune the coordinator.
type Options struct {
	Workers   int
	Profile   string
	Threshold float64
	Timeout   time.Duration
}

type task struct {
	jobID         int64
	correlationID string
	inputObject   string
}

// Coordinator owns the background dispatch of queued jobs to the inference
// service and the application of completion callbacks. Dispatch is a small
// worker pool fed by a channel; enqueueing never blocks the request that
// created the job.
type Coordinator struct {
	store  store.JobStore
	hub    *hub.Hub
	runner inference.Runner
	opts   Options
	tasks  chan task
	wg     sync.WaitGroup
	log    *zap.Logger
}

func New(st store.JobStore, h *hub.Hub, runner inference.Runner, opts Options, log *zap.Logger) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:  st,
		hub:    h,
		runner: runner,
		opts:   opts,
		tasks:  make(chan task, 64),
		log:    log.Named("dispatch"),
	}
}

// Start launches the worker pool.
func (c *Coordinator) Start() {
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for t := range c.tasks {
				c.process(t)
			}
		}()
	}
}

// Stop drains the pool. In-flight inference calls run to completion.
func (c *Coordinator) Stop() {
	close(c.tasks)
	c.wg.Wait()
}

// Enqueue hands a queued job with a stored input object to the pool. If the
// buffer is full the hand-off moves to its own goroutine so the caller's
// request cycle is never blocked.
func (c *Coordinator) Enqueue(job models.Job, inputObject string) {
	t := task{jobID: job.ID, correlationID: job.CorrelationID.String(), inputObject: inputObject}
	select {
	case c.tasks <- t:
	default:
		go func() { c.tasks <- t }()
	}
}

// process runs one job: queued -> processing, broadcast, then the inference
// call. Any error on the call is the local failure path: the job goes to
// failed and that is broadcast too. Success here means the request was
// accepted; the terminal update arrives via the completion callback.
func (c *Coordinator) process(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	job, err := c.store.SetStatus(ctx, t.jobID, models.StatusProcessing)
	if err != nil {
		c.log.Error("cannot move job to processing",
			zap.String("job_id", t.correlationID), zap.Error(err))
		return
	}
	c.broadcast(job)

	telemetry.InferenceDispatched.Inc()
	_, err = c.runner.Run(ctx, inference.Request{
		JobUUID:     t.correlationID,
		InputObject: t.inputObject,
		Profile:     c.opts.Profile,
		Threshold:   c.opts.Threshold,
	})
	if err != nil {
		telemetry.InferenceFailures.Inc()
		c.log.Error("inference failed",
			zap.String("job_id", t.correlationID), zap.Error(err))
		c.fail(t.jobID, t.correlationID)
		return
	}
}

// fail runs on its own context: the dispatch context is usually already
// expired when we get here (timeouts are the main caller), and the failure
// write must still land or the job stays in processing forever.
func (c *Coordinator) fail(jobID int64, correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := c.store.SetStatus(ctx, jobID, models.StatusFailed)
	if err != nil {
		// The callback path may have beaten us to a terminal state; that
		// update already broadcast, so there is nothing left to do.
		c.log.Warn("cannot mark job failed",
			zap.String("job_id", correlationID), zap.Error(err))
		return
	}
	c.broadcast(job)
}

// ApplyCompletion applies the inference service's out-of-band completion
// notice. For a job already terminal it overwrites informational fields only;
// repeated deliveries of the same callback are idempotent.
func (c *Coordinator) ApplyCompletion(ctx context.Context, ref string, payload models.CompletionPayload) (models.Job, error) {
	status := models.NormalizeStatus(payload.Status)
	if !models.KnownStatus(status) {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownStatus, payload.Status)
	}

	job, err := c.store.Resolve(ctx, ref)
	if err != nil {
		return models.Job{}, err
	}

	updated, err := c.store.SetOutput(ctx, job.ID, payload.OutputObject, payload.FileSize, payload.FileName)
	if err != nil {
		return models.Job{}, err
	}

	if !job.Terminal() && job.Status != status {
		updated, err = c.store.SetStatus(ctx, job.ID, status)
		if errors.Is(err, store.ErrInvalidTransition) {
			// Lost the race against the local failure path: the job went
			// terminal between our read and this write. Keep its status.
			updated, err = c.store.Get(ctx, job.ID)
		}
		if err != nil {
			return models.Job{}, err
		}
	}

	telemetry.CompletionCallbacks.Inc()
	c.log.Info("completion applied",
		zap.String("job_id", updated.CorrelationID.String()),
		zap.String("status", updated.Status))
	c.broadcast(updated)
	return updated, nil
}

// Broadcast publishes a job snapshot to its subscribers. Exported because the
// HTTP layer broadcasts on non-status changes (detail edits, results cache).
func (c *Coordinator) Broadcast(job models.Job) { c.broadcast(job) }

func (c *Coordinator) broadcast(job models.Job) {
	c.hub.Broadcast(job.CorrelationID.String(), models.UpdateMessage{
		Type: models.MessageJobUpdate,
		Job:  job.Snapshot(),
	})
}
