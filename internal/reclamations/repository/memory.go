package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/models"
)

// MemoryRepository keeps everything in process memory. It backs the server
// when no database URI is configured and the tests of the packages above it.
type MemoryRepository struct {
	mu sync.Mutex

	// Now is the clock used for leases and timestamps
	Now func() time.Time

	nextUserID   int64
	users        map[int64]*models.User
	accounts     map[int64]*models.ClaimantAccount
	history      map[int64][]models.PointsEntry
	awarded      map[string]models.PointsEntry
	reclamations map[string]*models.Reclamation
	order        []string
	tasks        map[string]*models.TriageTask
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		Now:          time.Now,
		users:        make(map[int64]*models.User),
		accounts:     make(map[int64]*models.ClaimantAccount),
		history:      make(map[int64][]models.PointsEntry),
		awarded:      make(map[string]models.PointsEntry),
		reclamations: make(map[string]*models.Reclamation),
		tasks:        make(map[string]*models.TriageTask),
	}
}

func (r *MemoryRepository) InitDB(string) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) CreateUser(_ context.Context, login, email, role, passwordHash string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Login == login {
			return 0, ErrLoginTaken
		}
	}

	r.nextUserID++
	id := r.nextUserID
	r.users[id] = &models.User{
		ID:           id,
		Login:        login,
		Email:        email,
		Role:         role,
		PasswordHash: passwordHash,
		CreatedAt:    r.Now(),
	}
	r.accounts[id] = &models.ClaimantAccount{
		UserID:           id,
		Login:            login,
		ReliabilityScore: models.DefaultReliabilityScore,
	}
	return id, nil
}

func (r *MemoryRepository) GetUserByLogin(_ context.Context, login string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Login == login {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) GetAccount(_ context.Context, userID int64) (*models.ClaimantAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (r *MemoryRepository) GetPointsHistory(_ context.Context, userID int64, limit int) ([]models.PointsEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.history[userID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]models.PointsEntry{}, h...), nil
}

func (r *MemoryRepository) UpdateAccount(_ context.Context, userID int64, reclamationID string, apply func(acct *models.ClaimantAccount) models.PointsEntry) (*models.LedgerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if entry, ok := r.awarded[reclamationID]; ok {
		return &models.LedgerResult{Account: *acct, Entry: entry, Duplicate: true}, nil
	}

	updated := *acct
	entry := apply(&updated)
	*acct = updated
	r.history[userID] = append(r.history[userID], entry)
	r.awarded[reclamationID] = entry

	return &models.LedgerResult{Account: updated, Entry: entry}, nil
}

func copyReclamation(rec *models.Reclamation) *models.Reclamation {
	cp := *rec
	cp.Photos = append([]string{}, rec.Photos...)
	if rec.AIValidation != nil {
		v := *rec.AIValidation
		v.ImageFindings.Labels = append([]string{}, v.ImageFindings.Labels...)
		v.ImageFindings.Issues = append([]string{}, v.ImageFindings.Issues...)
		v.TextFindings.Keywords = append([]string{}, v.TextFindings.Keywords...)
		cp.AIValidation = &v
	}
	if rec.RespondedAt != nil {
		t := *rec.RespondedAt
		cp.RespondedAt = &t
	}
	return &cp
}

func (r *MemoryRepository) CreateReclamation(_ context.Context, rec *models.Reclamation, task *models.TriageTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reclamations[rec.ID]; ok {
		return fmt.Errorf("reclamation %s already exists", rec.ID)
	}
	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("triage task %s already exists", task.ID)
	}

	r.reclamations[rec.ID] = copyReclamation(rec)
	r.order = append(r.order, rec.ID)
	t := *task
	r.tasks[t.ID] = &t
	return nil
}

func (r *MemoryRepository) GetReclamation(_ context.Context, id string) (*models.Reclamation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.reclamations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReclamation(rec), nil
}

// filter returns matching reclamations, newest first
func (r *MemoryRepository) filter(match func(*models.Reclamation) bool) []models.Reclamation {
	var out []models.Reclamation
	for i := len(r.order) - 1; i >= 0; i-- {
		rec := r.reclamations[r.order[i]]
		if match(rec) {
			out = append(out, *copyReclamation(rec))
		}
	}
	return out
}

func (r *MemoryRepository) GetUserReclamations(_ context.Context, userID int64) ([]models.Reclamation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.filter(func(rec *models.Reclamation) bool { return rec.UserID == userID }), nil
}

func (r *MemoryRepository) GetRestaurantReclamations(_ context.Context, restaurantID, restaurantEmail string) ([]models.Reclamation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.filter(func(rec *models.Reclamation) bool {
		return (restaurantID != "" && rec.RestaurantID == restaurantID) ||
			(restaurantEmail != "" && rec.RestaurantEmail == restaurantEmail)
	}), nil
}

func (r *MemoryRepository) versioned(id string, version int) (*models.Reclamation, error) {
	rec, ok := r.reclamations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.ProcessingVersion != version {
		return nil, ErrVersionConflict
	}
	return rec, nil
}

func (r *MemoryRepository) CompleteReclamation(_ context.Context, id string, version int, outcome models.PipelineOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.versioned(id, version)
	if err != nil {
		return err
	}

	v := outcome.Validation
	rec.AIProcessed = true
	rec.AIValidation = &v
	rec.PointsAwarded = outcome.PointsAwarded
	rec.AIProcessingError = ""
	// a response written by a person is never replaced by the pipeline
	if rec.RespondedBy == "" || rec.RespondedBy == models.SystemResponder {
		if outcome.Status != "" {
			rec.Status = outcome.Status
		}
		if outcome.ResponseMessage != "" {
			rec.ResponseMessage = outcome.ResponseMessage
		}
		if outcome.RespondedBy != "" {
			rec.RespondedBy = outcome.RespondedBy
		}
		if outcome.RespondedAt != nil {
			t := *outcome.RespondedAt
			rec.RespondedAt = &t
		}
	}
	rec.ProcessingVersion++
	rec.UpdatedAt = r.Now()
	return nil
}

func (r *MemoryRepository) FailReclamation(_ context.Context, id string, version int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.versioned(id, version)
	if err != nil {
		return err
	}
	rec.AIProcessed = true
	rec.AIProcessingError = message
	rec.ProcessingVersion++
	rec.UpdatedAt = r.Now()
	return nil
}

func (r *MemoryRepository) RespondReclamation(_ context.Context, id string, resp models.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.reclamations[id]
	if !ok {
		return ErrNotFound
	}
	rec.ResponseMessage = resp.Message
	if resp.Status != "" {
		rec.Status = resp.Status
	}
	rec.RespondedBy = resp.RespondedBy
	t := resp.RespondedAt
	rec.RespondedAt = &t
	rec.UpdatedAt = resp.RespondedAt
	return nil
}

func (r *MemoryRepository) EnqueueTriageTask(_ context.Context, task *models.TriageTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reclamations[task.ReclamationID]; !ok {
		return ErrNotFound
	}
	t := *task
	r.tasks[t.ID] = &t
	return nil
}

func (r *MemoryRepository) ClaimTriageTasks(_ context.Context, limit int, lease time.Duration) ([]models.TriageTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	var due []*models.TriageTask
	for _, t := range r.tasks {
		switch {
		case t.Status == models.TaskPending && !t.NextAttemptAt.After(now):
			due = append(due, t)
		case t.Status == models.TaskRunning && t.LeaseUntil != nil && t.LeaseUntil.Before(now):
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.TriageTask, 0, len(due))
	for _, t := range due {
		until := now.Add(lease)
		t.Status = models.TaskRunning
		t.LeaseUntil = &until
		claimed = append(claimed, *t)
	}
	return claimed, nil
}

// Task returns a copy of a triage task, for inspection
func (r *MemoryRepository) Task(id string) (*models.TriageTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// TasksFor returns the triage tasks of a reclamation
func (r *MemoryRepository) TasksFor(reclamationID string) []models.TriageTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.TriageTask
	for _, t := range r.tasks {
		if t.ReclamationID == reclamationID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) updateTask(id string, fn func(t *models.TriageTask)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	fn(t)
	return nil
}

func (r *MemoryRepository) RenewTriageTask(_ context.Context, id string, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status != models.TaskRunning {
		return ErrNotFound
	}
	until := r.Now().Add(lease)
	t.LeaseUntil = &until
	return nil
}

func (r *MemoryRepository) CompleteTriageTask(_ context.Context, id string) error {
	return r.updateTask(id, func(t *models.TriageTask) {
		t.Status = models.TaskDone
		t.LeaseUntil = nil
	})
}

func (r *MemoryRepository) RetryTriageTask(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return r.updateTask(id, func(t *models.TriageTask) {
		t.Status = models.TaskPending
		t.Attempts = attempts
		t.NextAttemptAt = next
		t.LastError = lastErr
		t.LeaseUntil = nil
	})
}

func (r *MemoryRepository) FailTriageTask(_ context.Context, id string, attempts int, lastErr string) error {
	return r.updateTask(id, func(t *models.TriageTask) {
		t.Status = models.TaskFailed
		t.Attempts = attempts
		t.LastError = lastErr
		t.LeaseUntil = nil
	})
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
