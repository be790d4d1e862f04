// Package job provides durable, timer-driven execution of registered job
// types. Jobs live in the store until they run; the executor polls for
// due work on a ticker and runs handlers on a bounded pool, fully
// decoupled from request handling.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/converse/internal/clock"
	"github.com/avolkov/converse/internal/domain"
	"github.com/avolkov/converse/internal/store"
	"github.com/google/uuid"
)

// Handler executes one job run with its stored config.
type Handler func(ctx context.Context, cfg domain.JobConfig) error

const (
	defaultPollInterval   = time.Minute
	defaultWorkers        = 10
	defaultMaxInstances   = 3
	defaultClaimBatchSize = 32
	rescheduleDelay       = 30 * time.Second
)

// Options tune the executor.
type Options struct {
	PollInterval time.Duration
	Workers      int
	MaxInstances int
}

// Scheduler stores jobs durably and runs them when due. Handlers are
// registered up front; scheduling a job whose type has no handler fails
// immediately rather than at run time.
type Scheduler struct {
	repo     store.Repository
	clock    clock.Clock
	handlers map[domain.JobType]Handler
	opts     Options

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[string]int // active instance count per job name
}

// NewScheduler creates a scheduler. Register handlers before Run.
func NewScheduler(repo store.Repository, clk clock.Clock, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		PollInterval: defaultPollInterval,
		Workers:      defaultWorkers,
		MaxInstances: defaultMaxInstances,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = defaultMaxInstances
	}

	return &Scheduler{
		repo:     repo,
		clock:    clk,
		handlers: make(map[domain.JobType]Handler),
		opts:     opts,
		sem:      make(chan struct{}, opts.Workers),
		running:  make(map[string]int),
	}
}

// Register binds a handler to a job type. Registration happens once at
// startup; later registrations for the same type overwrite.
func (s *Scheduler) Register(jobType domain.JobType, handler Handler) {
	s.handlers[jobType] = handler
}

// Schedule stores a new one-shot job and returns its id. Fails when the
// job type has no registered handler.
func (s *Scheduler) Schedule(ctx context.Context, name string, jobType domain.JobType, runAt time.Time, cfg domain.JobConfig) (string, error) {
	if _, ok := s.handlers[jobType]; !ok {
		return "", fmt.Errorf("no handler registered for job type %q", jobType)
	}

	job := &domain.ScheduledJob{
		JobID:       uuid.NewString(),
		Name:        name,
		Type:        jobType,
		NextRunTime: runAt,
		Status:      domain.JobStatusScheduled,
		Config:      cfg,
	}
	if err := s.repo.InsertJob(ctx, job); err != nil {
		return "", fmt.Errorf("schedule job %s: %w", name, err)
	}

	slog.Info("Job scheduled", "job_id", job.JobID, "name", name, "job_type", jobType, "next_run_time", runAt)
	return job.JobID, nil
}

// Cancel removes a job that has not started running yet.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	removed, err := s.repo.DeleteScheduledJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if !removed {
		return fmt.Errorf("job %s is unknown or already executing", jobID)
	}
	slog.Info("Job cancelled", "job_id", jobID)
	return nil
}

// List returns all stored jobs.
func (s *Scheduler) List(ctx context.Context) ([]*domain.ScheduledJob, error) {
	return s.repo.ListJobs(ctx)
}

// Run polls for due jobs until the context is cancelled, then waits for
// in-flight handlers to finish. Call from a dedicated goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	slog.Info("Job executor started",
		"poll_interval", s.opts.PollInterval,
		"workers", s.opts.Workers,
		"max_instances", s.opts.MaxInstances)

	// Jobs claimed by a previous process that died mid-run are still
	// marked pending. Make them due again before the first poll.
	if n, err := s.repo.ReclaimPendingJobs(ctx); err != nil {
		slog.Error("Failed to reclaim interrupted jobs", "error", err)
	} else if n > 0 {
		slog.Info("Reclaimed interrupted jobs", "count", n)
	}

	for {
		select {
		case <-ticker.C:
			s.dispatchDue(ctx)
		case <-ctx.Done():
			slog.Info("Job executor shutting down", "reason", ctx.Err())
			s.wg.Wait()
			return
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	claimed, err := s.repo.ClaimDueJobs(ctx, s.clock.Now(), defaultClaimBatchSize)
	if err != nil {
		slog.Error("Failed to claim due jobs", "error", err)
		return
	}

	for _, job := range claimed {
		handler, ok := s.handlers[job.Type]
		if !ok {
			// A row persisted by an older deployment whose type is no
			// longer registered. Drop it loudly.
			slog.Error("No handler for stored job, discarding", "job_id", job.JobID, "job_type", job.Type)
			if err := s.repo.CompleteJob(ctx, job.JobID); err != nil {
				slog.Error("Failed to discard job", "job_id", job.JobID, "error", err)
			}
			continue
		}

		if !s.acquireInstance(job.Name) {
			slog.Warn("Job definition at max instances, deferring",
				"job_id", job.JobID, "name", job.Name)
			if err := s.repo.RescheduleJob(ctx, job.JobID, s.clock.Now().Add(rescheduleDelay)); err != nil {
				slog.Error("Failed to defer job", "job_id", job.JobID, "error", err)
			}
			continue
		}

		s.wg.Add(1)
		go s.execute(ctx, job, handler)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *domain.ScheduledJob, handler Handler) {
	defer s.wg.Done()
	defer s.releaseInstance(job.Name)

	// Bound total concurrency across all definitions.
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		// Never got a worker slot. Hand the claim back so the next
		// poll, possibly after a restart, picks the job up again.
		if err := s.repo.RescheduleJob(context.Background(), job.JobID, job.NextRunTime); err != nil {
			slog.Error("Failed to release claimed job", "job_id", job.JobID, "error", err)
		}
		return
	}

	started := s.clock.Now()
	slog.Info("Job started", "job_id", job.JobID, "name", job.Name, "job_type", job.Type)

	if err := handler(ctx, job.Config); err != nil {
		slog.Error("Job failed", "job_id", job.JobID, "name", job.Name, "error", err)
	} else {
		slog.Info("Job finished", "job_id", job.JobID, "name", job.Name, "elapsed", s.clock.Now().Sub(started))
	}

	// Bookkeeping must outlive Run's context or a shutdown during the
	// handler strands the row in pending.
	if err := s.repo.CompleteJob(context.Background(), job.JobID); err != nil {
		slog.Error("Failed to complete job", "job_id", job.JobID, "error", err)
	}
}

func (s *Scheduler) acquireInstance(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] >= s.opts.MaxInstances {
		return false
	}
	s.running[name]++
	return true
}

func (s *Scheduler) releaseInstance(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name]--
	if s.running[name] <= 0 {
		delete(s.running, name)
	}
}
