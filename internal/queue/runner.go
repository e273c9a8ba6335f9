package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taskforce/internal/config"
	"taskforce/internal/domain"
)

// Handler executes one unit of stage work. It must be safe to re-execute:
// the queue delivers at least once.
type Handler func(ctx context.Context, payload []byte) error

// Runner drives fixed-size worker pools, one per registered stage. Each
// pool scales independently; workers coordinate only through the store.
type Runner struct {
	store    Store
	cfg      *config.Config
	log      zerolog.Logger
	handlers map[string]Handler
	wg       sync.WaitGroup
}

func NewRunner(store Store, cfg *config.Config, log zerolog.Logger) *Runner {
	return &Runner{
		store:    store,
		cfg:      cfg,
		log:      log.With().Str("component", "queue").Logger(),
		handlers: map[string]Handler{},
	}
}

// Handle registers the handler for a stage. Must be called before Start.
func (r *Runner) Handle(stage string, h Handler) {
	r.handlers[stage] = h
}

// Start launches the worker pools and the stale-job sweeper. Workers exit
// when ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	for stage, handler := range r.handlers {
		workers := r.cfg.Stage(stage).Workers
		for i := 0; i < workers; i++ {
			r.wg.Add(1)
			go r.worker(ctx, stage, handler)
		}
		r.log.Info().Str("stage", stage).Int("workers", workers).Msg("stage pool started")
	}
	r.wg.Add(1)
	go r.sweep(ctx)
}

// Wait blocks until all workers have stopped.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) worker(ctx context.Context, stage string, handler Handler) {
	defer r.wg.Done()
	poll := time.Duration(r.cfg.Queue.PollIntervalMS) * time.Millisecond
	for {
		job, ok, err := r.store.Claim(ctx, stage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error().Err(err).Str("stage", stage).Msg("claim failed")
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}
		r.execute(ctx, stage, handler, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// sweep periodically requeues jobs stuck in running, which only happens
// when the worker that claimed them died before acking or failing them.
// The cutoff is twice the job timeout so a live handler plus its ack can
// never be swept out from under itself.
func (r *Runner) sweep(ctx context.Context) {
	defer r.wg.Done()
	timeout := time.Duration(r.cfg.Queue.JobTimeoutSeconds) * time.Second
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := r.store.RequeueStale(ctx, time.Now().Add(-2*timeout))
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error().Err(err).Msg("stale sweep failed")
			}
			continue
		}
		if n > 0 {
			r.log.Warn().Int64("jobs", n).Msg("requeued jobs orphaned by a dead worker")
		}
	}
}

func (r *Runner) execute(ctx context.Context, stage string, handler Handler, job domain.Job) {
	timeout := time.Duration(r.cfg.Queue.JobTimeoutSeconds) * time.Second
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := runHandler(jobCtx, handler, []byte(job.PayloadJSON))
	if err == nil {
		if ackErr := r.store.Ack(context.WithoutCancel(ctx), job.ID); ackErr != nil {
			r.log.Error().Err(ackErr).Int64("job_id", job.ID).Msg("ack failed")
		}
		return
	}
	// Failures are never swallowed: either a retry is scheduled or the job
	// is preserved in the dead-letter state.
	evt := r.log.Warn()
	if IsPermanent(err) {
		evt = r.log.Error()
	}
	evt.Err(err).Str("stage", stage).Int64("job_id", job.ID).Int("attempts", job.Attempts+1).Msg("job failed")
	if failErr := r.store.Fail(context.WithoutCancel(ctx), job, err); failErr != nil {
		r.log.Error().Err(failErr).Int64("job_id", job.ID).Msg("recording failure failed")
	}
}

// runHandler converts a handler panic into a job failure so the job keeps
// its retry/dead-letter path instead of staying claimed forever.
func runHandler(ctx context.Context, handler Handler, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, payload)
}
