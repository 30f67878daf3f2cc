package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lgulliver/cairn/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes one claimed job and returns its result
type HandlerFunc func(ctx context.Context, job *types.Job) (types.JSONMap, error)

// WorkerConfig tunes polling and heartbeats
type WorkerConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Concurrency       int
}

// Worker polls the queue and dispatches claimed jobs to handlers by type
type Worker struct {
	queue    *JobQueue
	cfg      WorkerConfig
	measures *Measures

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewWorker creates a worker. Zero config values get defaults.
func NewWorker(queue *JobQueue, cfg WorkerConfig, measures *Measures) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = queue.staleThreshold / 3
		if cfg.HeartbeatInterval <= 0 {
			cfg.HeartbeatInterval = 30 * time.Second
		}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if measures == nil {
		measures = NewMeasures(nil)
	}
	return &Worker{queue: queue, cfg: cfg, measures: measures, handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for jobType
func (w *Worker) Handle(jobType string, fn HandlerFunc) {
	w.mu.Lock()
	w.handlers[jobType] = fn
	w.mu.Unlock()
}

func (w *Worker) jobTypes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		out = append(out, t)
	}
	return out
}

func (w *Worker) handler(jobType string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.handlers[jobType]
	return fn, ok
}

// Run polls until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.queue.WorkerID()).
		Int("concurrency", w.cfg.Concurrency).
		Strs("types", w.jobTypes()).
		Msg("job worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.poll(gctx)
			return nil
		})
	}
	err := g.Wait()
	log.Info().Str("worker_id", w.queue.WorkerID()).Msg("job worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain everything eligible before sleeping
		for {
			processed, err := w.ProcessNext(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("job poll failed")
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job was claimed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	jobTypes := w.jobTypes()
	if len(jobTypes) == 0 {
		return false, nil
	}

	job, err := w.queue.AcquireJob(ctx, jobTypes...)
	if err != nil || job == nil {
		return false, err
	}

	w.run(ctx, job)
	return true, nil
}

func (w *Worker) run(ctx context.Context, job *types.Job) {
	logger := log.With().Str("job_id", job.ID.String()).Str("type", job.Type).Int("attempt", job.Attempts).Logger()

	fn, ok := w.handler(job.Type)
	if !ok {
		// unreachable unless a handler was removed between claim and dispatch
		if err := w.queue.FailJob(ctx, job.ID, fmt.Errorf("no handler for job type %s", job.Type)); err != nil {
			logger.Error().Err(err).Msg("failed to record job failure")
			return
		}
		logger.Warn().Msg("no handler registered for job type")
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		w.heartbeat(jobCtx, job)
	}()

	start := time.Now()
	result, runErr := safeRun(jobCtx, fn, job)
	cancel()
	<-beatDone

	w.measures.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	// record the outcome even if the poll context is shutting down
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()

	if runErr != nil {
		w.measures.JobsProcessed.WithLabelValues(job.Type, FailureOutcome).Inc()
		if err := w.queue.FailJob(finishCtx, job.ID, runErr); err != nil {
			logger.Error().Err(err).Msg("failed to record job failure")
		}
		return
	}

	w.measures.JobsProcessed.WithLabelValues(job.Type, SuccessOutcome).Inc()
	if err := w.queue.CompleteJob(finishCtx, job.ID, result); err != nil {
		logger.Error().Err(err).Msg("failed to complete job")
		return
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("job completed")
}

func (w *Worker) heartbeat(ctx context.Context, job *types.Job) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.RefreshJobLock(ctx, job.ID); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to refresh job lock")
			}
		}
	}
}

func safeRun(ctx context.Context, fn HandlerFunc, job *types.Job) (result types.JSONMap, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return fn(ctx, job)
}
