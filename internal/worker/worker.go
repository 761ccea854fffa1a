// Package worker runs the job processing pool: N pollers claiming jobs
// from the queue, a per-type handler registry, per-type execution
// timeouts, and a cron-driven reaper for expired codebook leases and
// jobs abandoned by dead workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gradeline/codebook/internal/analysis"
	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/config"
	"github.com/gradeline/codebook/internal/llm"
	"github.com/gradeline/codebook/internal/lock"
	"github.com/gradeline/codebook/internal/models"
	"github.com/gradeline/codebook/internal/queue"
	"github.com/gradeline/codebook/internal/vector"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Env bundles the dependencies handlers need. Tests supply fakes for
// the LLM and vector boundaries.
type Env struct {
	DB     *gorm.DB
	Queue  *queue.Queue
	Cfg    *config.Config
	LLM    llm.Client
	Coder  *analysis.Coder
	Vector vector.Index
}

// HandlerFunc processes one claimed job and returns its result payload.
type HandlerFunc func(ctx context.Context, env *Env, job *models.Job) (interface{}, error)

// Pool polls the queue and dispatches claimed jobs to handlers.
type Pool struct {
	env      *Env
	handlers map[string]HandlerFunc
}

// New creates a Pool with the standard handlers registered.
func New(env *Env) *Pool {
	p := &Pool{env: env, handlers: map[string]HandlerFunc{}}
	p.Register(models.JobInitialAnalysis, handleInitialAnalysis)
	p.Register(models.JobRefactor, handleRefactor)
	p.Register(models.JobBulkUpload, handleBulkUpload)
	p.Register(models.JobSemanticSearch, handleSemanticSearch)
	p.Register(models.JobExport, handleExport)
	return p
}

// Register installs or replaces the handler for a job type.
func (p *Pool) Register(jobType string, fn HandlerFunc) {
	p.handlers[jobType] = fn
}

// Run starts the worker pool and the lease reaper and blocks until ctx
// is cancelled. In-flight jobs are allowed to observe cancellation at
// their next checkpoint.
func (p *Pool) Run(ctx context.Context) error {
	workers := p.env.Cfg.Worker.Count
	poll := p.env.Cfg.Worker.PollInterval()

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", p.env.Cfg.Worker.ReapInterval()), func() {
		n, err := lock.ReapExpired(p.env.DB)
		if err != nil {
			log.Printf("worker: lease reaper: %v", err)
		} else if n > 0 {
			log.Printf("worker: reaped %d expired leases", n)
		}

		n, err = p.env.Queue.ReapStale()
		if err != nil {
			log.Printf("worker: stale job reaper: %v", err)
		} else if n > 0 {
			log.Printf("worker: requeued %d abandoned jobs", n)
		}
	})
	if err != nil {
		return fmt.Errorf("worker: schedule reaper: %w", err)
	}
	c.Start()
	defer c.Stop()

	log.Printf("worker: starting %d workers (poll every %s)", workers, poll)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				n, err := p.RunOnce(ctx)
				if err != nil {
					log.Printf("worker %d: %v", id, err)
				}
				if n == 0 {
					sleepWithContext(ctx, poll)
				}
			}
		}(i)
	}
	wg.Wait()
	log.Printf("worker: stopped")
	return nil
}

// RunOnce claims one batch of jobs and runs each to a terminal state or
// back to pending. It returns the number of jobs claimed.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.env.Queue.Claim(p.env.Cfg.Worker.ClaimBatch)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		p.runJob(ctx, &jobs[i])
	}
	return len(jobs), nil
}

// runJob executes one claimed job under its per-type timeout and maps
// the outcome onto the queue's terminal transitions.
func (p *Pool) runJob(ctx context.Context, job *models.Job) {
	handler, ok := p.handlers[job.JobType]
	if !ok {
		if err := p.env.Queue.Fail(job.ID, fmt.Errorf("worker: no handler for job type %q", job.JobType)); err != nil {
			log.Printf("worker: fail job %s: %v", job.ID, err)
		}
		return
	}

	timeout := p.env.Cfg.Worker.JobTimeout(job.JobType)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler(jobCtx, p.env, job)
	switch {
	case err == nil:
		if err := p.env.Queue.Complete(job.ID, result); err != nil {
			log.Printf("worker: complete job %s: %v", job.ID, err)
		}
	case errors.Is(err, analysis.ErrCancelled) || errors.Is(err, context.Canceled):
		if err := p.env.Queue.FinishCancelled(job.ID); err != nil {
			log.Printf("worker: cancel job %s: %v", job.ID, err)
		}
	case errors.Is(err, context.DeadlineExceeded):
		timeoutErr := fmt.Errorf("worker: job %s (%s) exceeded %s: %w", job.ID, job.JobType, timeout, apperr.ErrJobTimeout)
		if err := p.env.Queue.Fail(job.ID, timeoutErr); err != nil {
			log.Printf("worker: fail job %s: %v", job.ID, err)
		}
	default:
		if err := p.env.Queue.Fail(job.ID, err); err != nil {
			log.Printf("worker: fail job %s: %v", job.ID, err)
		}
	}
}

// checkpoint reports progress, renews the job's codebook lease and
// checks for a cancellation request. Handlers call it between batches.
func checkpoint(env *Env, job *models.Job, pct int) (cancelled bool) {
	if err := env.Queue.Progress(job.ID, pct); err != nil {
		log.Printf("worker: progress job %s: %v", job.ID, err)
	}
	if job.CodebookID != nil {
		ttl := env.Cfg.Worker.LeaseTTL(job.JobType)
		if err := lock.Renew(env.DB, *job.CodebookID, job.ID, ttl); err != nil && !errors.Is(err, apperr.ErrLeaseExpired) {
			log.Printf("worker: renew lease for job %s: %v", job.ID, err)
		}
	}
	flagged, err := env.Queue.CancelRequested(job.ID)
	if err != nil {
		log.Printf("worker: cancel check job %s: %v", job.ID, err)
		return false
	}
	return flagged
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
