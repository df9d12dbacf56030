package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/25x8/reclamations/internal/reclamations/repository"
)

// maxBackoff caps the delay between two attempts of a task
const maxBackoff = 5 * time.Minute

// Pipeline is what the processor runs for each claimed task
type Pipeline interface {
	RunPipeline(ctx context.Context, id string, force bool) error
	MarkFailed(ctx context.Context, id, message string) error
}

// ProcessorConfig tunes the task processor
type ProcessorConfig struct {
	Interval    time.Duration
	Workers     int
	Lease       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	// RunTimeout bounds the analysis part of one run. The lease is renewed
	// while the run lasts, so it may be longer than Lease.
	RunTimeout time.Duration
}

// DefaultProcessorConfig returns the stock processor settings
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Interval:    5 * time.Second,
		Workers:     4,
		Lease:       2 * time.Minute,
		MaxAttempts: 5,
		BackoffBase: 10 * time.Second,
		RunTimeout:  15 * time.Minute,
	}
}

// TaskProcessor runs queued triage tasks in the background
type TaskProcessor struct {
	repo     repository.Repository
	pipeline Pipeline
	cfg      ProcessorConfig
	now      func() time.Time

	wakeCh chan struct{}
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskProcessor creates a new task processor
func NewTaskProcessor(repo repository.Repository, pipeline Pipeline, cfg ProcessorConfig) *TaskProcessor {
	def := DefaultProcessorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TaskProcessor{
		repo:     repo,
		pipeline: pipeline,
		cfg:      cfg,
		now:      time.Now,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the task processor
func (p *TaskProcessor) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.processLoop()
	}()
}

// Stop stops the task processor. Runs still in flight are abandoned and
// picked up again once their lease expires.
func (p *TaskProcessor) Stop() {
	close(p.stopCh)
	p.cancel()
	p.wg.Wait()
}

// Wake asks the processor to look for due tasks now. It never blocks.
func (p *TaskProcessor) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// processLoop is the main processing loop
func (p *TaskProcessor) processLoop() {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// pick up whatever a previous run left behind
	p.processDueTasks(p.ctx)

	for {
		select {
		case <-ticker.C:
			p.processDueTasks(p.ctx)
		case <-p.wakeCh:
			p.processDueTasks(p.ctx)
		case <-p.stopCh:
			return
		}
	}
}

// processDueTasks claims batches of due tasks and runs each batch on the
// worker goroutines until nothing is due. It returns the number of tasks run.
func (p *TaskProcessor) processDueTasks(ctx context.Context) int {
	processed := 0
	for ctx.Err() == nil {
		tasks, err := p.repo.ClaimTriageTasks(ctx, p.cfg.Workers, p.cfg.Lease)
		if err != nil {
			log.Printf("Error claiming triage tasks: %v", err)
			return processed
		}
		if len(tasks) == 0 {
			return processed
		}

		var wg sync.WaitGroup
		for _, task := range tasks {
			wg.Add(1)
			go func(task models.TriageTask) {
				defer wg.Done()
				p.processTask(ctx, task)
			}(task)
		}
		wg.Wait()
		processed += len(tasks)

		if len(tasks) < p.cfg.Workers {
			return processed
		}
	}
	return processed
}

// processTask runs one task and records its outcome
func (p *TaskProcessor) processTask(ctx context.Context, task models.TriageTask) {
	err := p.run(ctx, task)
	if ctx.Err() != nil {
		// shutting down; the lease will expire and the task is claimed again
		return
	}

	if err == nil {
		if err := p.repo.CompleteTriageTask(ctx, task.ID); err != nil {
			log.Printf("Error completing triage task %s: %v", task.ID, err)
		}
		return
	}

	attempts := task.Attempts + 1
	if attempts >= p.cfg.MaxAttempts {
		log.Printf("Triage of reclamation %s failed after %d attempts: %v", task.ReclamationID, attempts, err)
		if ferr := p.repo.FailTriageTask(ctx, task.ID, attempts, err.Error()); ferr != nil {
			log.Printf("Error failing triage task %s: %v", task.ID, ferr)
		}
		if ferr := p.pipeline.MarkFailed(ctx, task.ReclamationID, err.Error()); ferr != nil {
			log.Printf("Error recording failure of reclamation %s: %v", task.ReclamationID, ferr)
		}
		return
	}

	next := p.now().Add(Backoff(p.cfg.BackoffBase, attempts))
	log.Printf("Triage of reclamation %s failed (attempt %d), retrying at %s: %v",
		task.ReclamationID, attempts, next.Format(time.RFC3339), err)
	if rerr := p.repo.RetryTriageTask(ctx, task.ID, attempts, next, err.Error()); rerr != nil {
		log.Printf("Error rescheduling triage task %s: %v", task.ID, rerr)
	}
}

// run executes the pipeline within the run timeout, keeps the task leased
// meanwhile and turns panics into errors
func (p *TaskProcessor) run(ctx context.Context, task models.TriageTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	stop := p.keepLease(ctx, task.ID)
	defer stop()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.RunTimeout)
	defer cancel()

	return p.pipeline.RunPipeline(runCtx, task.ReclamationID, false)
}

// keepLease renews the lease of a task every half lease until stop is called
func (p *TaskProcessor) keepLease(ctx context.Context, id string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.Lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.repo.RenewTriageTask(ctx, id, p.cfg.Lease); err != nil {
					log.Printf("Error renewing lease of triage task %s: %v", id, err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Backoff is the delay before the given attempt: base doubled for every
// earlier attempt, capped at five minutes.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
