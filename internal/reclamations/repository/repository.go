package repository

import (
	"context"
	"errors"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/models"
)

var (
	// ErrNotFound is returned when a reclamation, task or account does not exist
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a reclamation changed since it was read
	ErrVersionConflict = errors.New("reclamation was modified concurrently")
	// ErrLoginTaken is returned by CreateUser for a login that is already registered
	ErrLoginTaken = errors.New("login already taken")
)

// Repository defines the interface for data access operations
type Repository interface {
	// User operations
	CreateUser(ctx context.Context, login, email, role, passwordHash string) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)

	// Loyalty account operations
	GetAccount(ctx context.Context, userID int64) (*models.ClaimantAccount, error)
	GetPointsHistory(ctx context.Context, userID int64, limit int) ([]models.PointsEntry, error)
	UpdateAccount(ctx context.Context, userID int64, reclamationID string, apply func(acct *models.ClaimantAccount) models.PointsEntry) (*models.LedgerResult, error)

	// Reclamation operations
	CreateReclamation(ctx context.Context, rec *models.Reclamation, task *models.TriageTask) error
	GetReclamation(ctx context.Context, id string) (*models.Reclamation, error)
	GetUserReclamations(ctx context.Context, userID int64) ([]models.Reclamation, error)
	GetRestaurantReclamations(ctx context.Context, restaurantID, restaurantEmail string) ([]models.Reclamation, error)
	CompleteReclamation(ctx context.Context, id string, version int, outcome models.PipelineOutcome) error
	FailReclamation(ctx context.Context, id string, version int, message string) error
	RespondReclamation(ctx context.Context, id string, resp models.Response) error

	// Triage task operations
	EnqueueTriageTask(ctx context.Context, task *models.TriageTask) error
	ClaimTriageTasks(ctx context.Context, limit int, lease time.Duration) ([]models.TriageTask, error)
	RenewTriageTask(ctx context.Context, id string, lease time.Duration) error
	CompleteTriageTask(ctx context.Context, id string) error
	RetryTriageTask(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	FailTriageTask(ctx context.Context, id string, attempts int, lastErr string) error

	// Initialize and close
	InitDB(databaseURI string) error
	Close() error
}
