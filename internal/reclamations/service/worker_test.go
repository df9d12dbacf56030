package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/inference"
	"github.com/25x8/reclamations/internal/reclamations/loyalty"
	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/25x8/reclamations/internal/reclamations/repository"
	"github.com/25x8/reclamations/internal/reclamations/triage"
)

// flakyPipeline fails the first failures runs of every reclamation
type flakyPipeline struct {
	mu       sync.Mutex
	failures int
	panics   bool
	runs     map[string]int
	failed   map[string]string
}

func newFlakyPipeline(failures int) *flakyPipeline {
	return &flakyPipeline{failures: failures, runs: map[string]int{}, failed: map[string]string{}}
}

func (p *flakyPipeline) RunPipeline(_ context.Context, id string, _ bool) error {
	p.mu.Lock()
	p.runs[id]++
	n := p.runs[id]
	p.mu.Unlock()

	if n <= p.failures {
		if p.panics {
			panic("labeler returned garbage")
		}
		return errors.New("database is down")
	}
	return nil
}

func (p *flakyPipeline) MarkFailed(_ context.Context, id, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[id] = message
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func queue(t *testing.T, repo *repository.MemoryRepository, ids ...string) {
	t.Helper()
	for _, id := range ids {
		now := repo.Now()
		rec := &models.Reclamation{ID: id, Status: models.StatusPending, CreatedAt: now}
		task := &models.TriageTask{ID: "task-" + id, ReclamationID: id, Status: models.TaskPending, NextAttemptAt: now, CreatedAt: now}
		if err := repo.CreateReclamation(context.Background(), rec, task); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestProcessor(pipeline Pipeline, cfg ProcessorConfig) (*TaskProcessor, *repository.MemoryRepository, *clock) {
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	repo := repository.NewMemoryRepository()
	repo.Now = c.Now
	p := NewTaskProcessor(repo, pipeline, cfg)
	p.now = c.Now
	return p, repo, c
}

func TestTaskProcessor_RunsDueTasks(t *testing.T) {
	pipeline := newFlakyPipeline(0)
	p, repo, _ := newTestProcessor(pipeline, ProcessorConfig{Workers: 2})
	queue(t, repo, "a", "b", "c")

	if n := p.processDueTasks(context.Background()); n != 3 {
		t.Errorf("processed %d tasks, want 3", n)
	}
	for _, id := range []string{"a", "b", "c"} {
		task, _ := repo.Task("task-" + id)
		if task.Status != models.TaskDone {
			t.Errorf("task %s status = %s, want done", id, task.Status)
		}
	}
	if n := p.processDueTasks(context.Background()); n != 0 {
		t.Errorf("processed %d tasks on an empty queue", n)
	}
}

func TestTaskProcessor_RetriesWithBackoff(t *testing.T) {
	pipeline := newFlakyPipeline(1)
	p, repo, c := newTestProcessor(pipeline, ProcessorConfig{Workers: 1, MaxAttempts: 3, BackoffBase: 10 * time.Second})
	queue(t, repo, "a")

	p.processDueTasks(context.Background())
	task, _ := repo.Task("task-a")
	if task.Status != models.TaskPending || task.Attempts != 1 || task.LastError != "database is down" {
		t.Fatalf("task after failure = %+v", task)
	}
	if want := c.Now().Add(10 * time.Second); !task.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", task.NextAttemptAt, want)
	}

	if n := p.processDueTasks(context.Background()); n != 0 {
		t.Errorf("task run %d times before its backoff elapsed", n)
	}

	c.Advance(11 * time.Second)
	p.processDueTasks(context.Background())
	task, _ = repo.Task("task-a")
	if task.Status != models.TaskDone {
		t.Errorf("task after retry = %+v", task)
	}
	if len(pipeline.failed) != 0 {
		t.Errorf("reclamation marked failed: %v", pipeline.failed)
	}
}

func TestTaskProcessor_GivesUp(t *testing.T) {
	pipeline := newFlakyPipeline(100)
	pipeline.panics = true
	p, repo, c := newTestProcessor(pipeline, ProcessorConfig{Workers: 1, MaxAttempts: 3, BackoffBase: time.Second})
	queue(t, repo, "a")

	for i := 0; i < 3; i++ {
		p.processDueTasks(context.Background())
		c.Advance(time.Minute)
	}

	task, _ := repo.Task("task-a")
	if task.Status != models.TaskFailed || task.Attempts != 3 {
		t.Errorf("task = %+v, want failed after 3 attempts", task)
	}
	if msg := pipeline.failed["a"]; msg != "pipeline panic: labeler returned garbage" {
		t.Errorf("failure message = %q", msg)
	}

	c.Advance(time.Hour)
	if n := p.processDueTasks(context.Background()); n != 0 {
		t.Errorf("failed task claimed again")
	}
}

func TestTaskProcessor_ReclaimsExpiredLease(t *testing.T) {
	pipeline := newFlakyPipeline(0)
	p, repo, c := newTestProcessor(pipeline, ProcessorConfig{Workers: 1, Lease: time.Minute})
	queue(t, repo, "a")

	// a previous process claimed the task and died
	if claimed, _ := repo.ClaimTriageTasks(context.Background(), 1, time.Minute); len(claimed) != 1 {
		t.Fatal("setup claim failed")
	}
	if n := p.processDueTasks(context.Background()); n != 0 {
		t.Fatalf("leased task run %d times", n)
	}

	c.Advance(2 * time.Minute)
	if n := p.processDueTasks(context.Background()); n != 1 {
		t.Fatalf("expired lease: processed %d, want 1", n)
	}
	task, _ := repo.Task("task-a")
	if task.Status != models.TaskDone {
		t.Errorf("task = %+v", task)
	}
}

func TestTaskProcessor_StartWakeStop(t *testing.T) {
	f := newFixture(t, textAnswer("high", 90))
	p := NewTaskProcessor(f.repo, f.validator, ProcessorConfig{Interval: time.Hour})
	f.validator.Wake = p.Wake
	p.Start()
	defer p.Stop()

	rec := f.create(t, "food.jpg")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.repo.GetReclamation(context.Background(), rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.AIProcessed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reclamation was not processed after wake")
}

// strictRepo refuses ledger and outcome writes on a finished context, the
// way database/sql does
type strictRepo struct {
	*repository.MemoryRepository
}

func (r strictRepo) UpdateAccount(ctx context.Context, userID int64, reclamationID string, apply func(acct *models.ClaimantAccount) models.PointsEntry) (*models.LedgerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.MemoryRepository.UpdateAccount(ctx, userID, reclamationID, apply)
}

func (r strictRepo) CompleteReclamation(ctx context.Context, id string, version int, outcome models.PipelineOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryRepository.CompleteReclamation(ctx, id, version, outcome)
}

// hangingCompleter never answers before its context ends
type hangingCompleter struct{}

func (hangingCompleter) Complete(ctx context.Context, _ string, _ ...inference.Image) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestTaskProcessor_SlowBackendsStillStoreOutcome(t *testing.T) {
	repo := strictRepo{repository.NewMemoryRepository()}
	ctx := context.Background()
	userID, err := repo.CreateUser(ctx, "claire", "", models.RoleCustomer, "hash")
	if err != nil {
		t.Fatal(err)
	}

	policy := triage.DefaultPolicy()
	timeout := 50 * time.Millisecond
	v := NewValidator(
		repo,
		&triage.ImageAnalyzer{Resolver: stubResolver{}, Completer: hangingCompleter{}, Policy: policy, Timeout: timeout},
		&triage.TextAnalyzer{Completer: hangingCompleter{}, Policy: policy, Timeout: timeout},
		policy,
		loyalty.NewLedger(repo, loyalty.DefaultRules()),
		&recordingPublisher{},
	)
	rec, err := v.Create(ctx, CreateInput{
		UserID:        userID,
		OrderRef:      "order-1",
		Description:   "The burger was cold",
		ComplaintType: "quality",
		Photos:        []string{"a.jpg", "b.jpg", "c.jpg"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// four backend calls take longer than both the run timeout and the lease
	p := NewTaskProcessor(repo, v, ProcessorConfig{Workers: 1, MaxAttempts: 1, Lease: 150 * time.Millisecond, RunTimeout: 120 * time.Millisecond})
	p.processDueTasks(ctx)

	got, err := repo.GetReclamation(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AIProcessed || got.AIProcessingError != "" || got.AIValidation == nil {
		t.Fatalf("reclamation = processed %t, error %q, validation %+v", got.AIProcessed, got.AIProcessingError, got.AIValidation)
	}
	history, err := repo.GetPointsHistory(ctx, userID, 10)
	if err != nil || len(history) != 1 {
		t.Errorf("history = %+v, %v; want one entry", history, err)
	}
	task, _ := repo.Task(repo.TasksFor(rec.ID)[0].ID)
	if task.Status != models.TaskDone {
		t.Errorf("task status = %s, want done", task.Status)
	}
}

// leaseCheckPipeline outlasts several leases and reports whether another
// worker could claim its task meanwhile
type leaseCheckPipeline struct {
	repo     *repository.MemoryRepository
	lease    time.Duration
	stolen   []models.TriageTask
	duration time.Duration
}

func (p *leaseCheckPipeline) RunPipeline(ctx context.Context, _ string, _ bool) error {
	time.Sleep(p.duration)
	p.stolen, _ = p.repo.ClaimTriageTasks(ctx, 10, p.lease)
	return nil
}

func (p *leaseCheckPipeline) MarkFailed(context.Context, string, string) error { return nil }

func TestTaskProcessor_RenewsLeaseWhileRunning(t *testing.T) {
	repo := repository.NewMemoryRepository()
	queue(t, repo, "a")
	lease := 40 * time.Millisecond
	pipeline := &leaseCheckPipeline{repo: repo, lease: lease, duration: 4 * lease}

	p := NewTaskProcessor(repo, pipeline, ProcessorConfig{Workers: 1, Lease: lease})
	p.processDueTasks(context.Background())

	if len(pipeline.stolen) != 0 {
		t.Errorf("running task claimed by another worker: %+v", pipeline.stolen)
	}
	task, _ := repo.Task("task-a")
	if task.Status != models.TaskDone {
		t.Errorf("task = %+v", task)
	}
}

func TestTaskProcessor_WakeNeverBlocks(t *testing.T) {
	p := NewTaskProcessor(repository.NewMemoryRepository(), newFlakyPipeline(0), ProcessorConfig{})
	for i := 0; i < 10; i++ {
		p.Wake()
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{5, 160 * time.Second},
		{6, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(10*time.Second, tt.attempts); got != tt.want {
			t.Errorf("Backoff(10s, %d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
