package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/domain/job"
)

// Clock abstracts time for the worker loop so tests can drive ticks
// deterministically.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the minimal ticker surface the worker needs
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// NewRealClock returns a Clock backed by the system clock
func NewRealClock() Clock { return realClock{} }

// JobQueue is the claim-and-settle surface the worker uses
type JobQueue interface {
	ClaimNext(ctx context.Context, jobType job.Type) (*job.Job, error)
	Complete(ctx context.Context, id uuid.UUID, result []byte) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string, result []byte) error
}

// Handler processes one claimed job to a terminal outcome
type Handler interface {
	Type() job.Type
	Handle(ctx context.Context, j *job.Job) ([]byte, error)
}

// WorkerConfig holds the worker loop settings
type WorkerConfig struct {
	PollInterval      time.Duration
	MaxConcurrentJobs int
}

// Worker is the single-process polling loop that drains the job queue. Each
// tick claims at most one job per registered type, as long as a concurrency
// slot is free; handlers run to completion off the tick path.
type Worker struct {
	config   WorkerConfig
	queue    JobQueue
	handlers map[job.Type]Handler
	clock    Clock
	logger   *zap.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewWorker creates a worker over the given queue and handlers
func NewWorker(config WorkerConfig, queue JobQueue, handlers []Handler, clock Clock, logger *zap.Logger) *Worker {
	if clock == nil {
		clock = NewRealClock()
	}
	byType := make(map[job.Type]Handler, len(handlers))
	for _, h := range handlers {
		byType[h.Type()] = h
	}
	return &Worker{
		config:   config,
		queue:    queue,
		handlers: byType,
		clock:    clock,
		logger:   logger.Named("worker"),
		slots:    make(chan struct{}, config.MaxConcurrentJobs),
	}
}

// Run polls until the context is cancelled, then waits for in-flight handlers
// to finish.
func (w *Worker) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("max_concurrent_jobs", w.config.MaxConcurrentJobs))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping, draining in-flight jobs")
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C():
			w.tick(ctx)
		}
	}
}

// tick attempts one claim per handled job type. The tick itself never blocks
// on a running handler.
func (w *Worker) tick(ctx context.Context) {
	for _, jobType := range job.AllTypes() {
		handler, ok := w.handlers[jobType]
		if !ok {
			continue
		}

		select {
		case w.slots <- struct{}{}:
		default:
			// All slots busy; try again next tick.
			return
		}

		claimed, err := w.queue.ClaimNext(ctx, jobType)
		if err != nil {
			<-w.slots
			w.logger.Error("claim failed", zap.String("type", string(jobType)), zap.Error(err))
			continue
		}
		if claimed == nil {
			<-w.slots
			continue
		}

		w.wg.Add(1)
		go w.execute(ctx, handler, claimed)
	}
}

// execute runs one handler and settles the job. The slot is released on every
// path, including a handler panic.
func (w *Worker) execute(ctx context.Context, handler Handler, j *job.Job) {
	defer w.wg.Done()
	defer func() { <-w.slots }()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked",
				zap.String("job_id", j.ID.String()),
				zap.Any("panic", r))
			if err := w.queue.Fail(ctx, j.ID, fmt.Sprintf("handler panic: %v", r), nil); err != nil {
				w.logger.Error("failed to record panic outcome", zap.String("job_id", j.ID.String()), zap.Error(err))
			}
		}
	}()

	start := w.clock.Now()
	w.logger.Info("job started",
		zap.String("job_id", j.ID.String()),
		zap.String("type", string(j.Type)),
		zap.Int("attempt", j.Attempts))

	result, err := handler.Handle(ctx, j)
	elapsed := w.clock.Now().Sub(start)

	switch {
	case err == nil:
		if cerr := w.queue.Complete(ctx, j.ID, result); cerr != nil {
			w.logger.Error("failed to record completion", zap.String("job_id", j.ID.String()), zap.Error(cerr))
			return
		}
		w.logger.Info("job completed",
			zap.String("job_id", j.ID.String()),
			zap.Duration("elapsed", elapsed))
	case errors.Is(err, job.ErrCancelled):
		// The record already carries the cancelled status; nothing to settle.
		w.logger.Info("job cancelled mid-flight", zap.String("job_id", j.ID.String()))
	default:
		if ferr := w.queue.Fail(ctx, j.ID, err.Error(), result); ferr != nil {
			w.logger.Error("failed to record failure", zap.String("job_id", j.ID.String()), zap.Error(ferr))
			return
		}
		w.logger.Warn("job failed",
			zap.String("job_id", j.ID.String()),
			zap.Int("attempt", j.Attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	}
}
