package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository() *PostgresRepository {
	return &PostgresRepository{
		db: nil, // Will be initialized in InitDB
	}
}

// InitDB initializes the database connection and schema
func (r *PostgresRepository) InitDB(databaseURI string) error {
	db, err := sql.Open("pgx", databaseURI)
	if err != nil {
		return err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}

	r.db = db

	if err := r.createTables(); err != nil {
		db.Close()
		return err
	}

	return nil
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		login VARCHAR(255) UNIQUE NOT NULL,
		email VARCHAR(255) NOT NULL DEFAULT '',
		role VARCHAR(32) NOT NULL DEFAULT 'customer',
		password_hash VARCHAR(255) NOT NULL,
		loyalty_points INTEGER NOT NULL DEFAULT 0,
		valid_reclamations INTEGER NOT NULL DEFAULT 0,
		invalid_reclamations INTEGER NOT NULL DEFAULT 0,
		reliability_score INTEGER NOT NULL DEFAULT 100,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS reclamations (
		id VARCHAR(36) PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		client_name VARCHAR(255) NOT NULL,
		client_email VARCHAR(255) NOT NULL DEFAULT '',
		order_ref VARCHAR(255) NOT NULL,
		restaurant_id VARCHAR(64) NOT NULL DEFAULT '',
		restaurant_email VARCHAR(255) NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		complaint_type VARCHAR(64) NOT NULL,
		photos JSONB NOT NULL DEFAULT '[]',
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		ai_processed BOOLEAN NOT NULL DEFAULT FALSE,
		ai_validation JSONB,
		points_awarded INTEGER NOT NULL DEFAULT 0,
		ai_processing_error TEXT,
		response_message TEXT,
		responded_by VARCHAR(255),
		responded_at TIMESTAMP,
		processing_version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS reclamations_user_idx ON reclamations(user_id)`,
	`CREATE INDEX IF NOT EXISTS reclamations_restaurant_idx ON reclamations(restaurant_id)`,
	`CREATE TABLE IF NOT EXISTS points_history (
		id SERIAL PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		reclamation_id VARCHAR(36) UNIQUE NOT NULL,
		points INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS triage_tasks (
		id VARCHAR(36) PRIMARY KEY,
		reclamation_id VARCHAR(36) NOT NULL REFERENCES reclamations(id),
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP NOT NULL,
		lease_until TIMESTAMP,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS triage_tasks_due_idx ON triage_tasks(status, next_attempt_at)`,
}

// createTables creates the necessary tables if they don't exist
func (r *PostgresRepository) createTables() error {
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const uniqueViolation = "23505"

// User repository methods
func (r *PostgresRepository) CreateUser(ctx context.Context, login, email, role, passwordHash string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(
		ctx,
		"INSERT INTO users (login, email, role, password_hash) VALUES ($1, $2, $3, $4) RETURNING id",
		login, email, role, passwordHash,
	).Scan(&id)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return 0, ErrLoginTaken
	}
	if err != nil {
		return 0, err
	}

	return id, nil
}

func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	return r.getUser(ctx, "SELECT id, login, email, role, password_hash, created_at FROM users WHERE login = $1", login)
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return r.getUser(ctx, "SELECT id, login, email, role, password_hash, created_at FROM users WHERE id = $1", id)
}

func (r *PostgresRepository) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	user := &models.User{}
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&user.ID, &user.Login, &user.Email, &user.Role, &user.PasswordHash, &user.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return user, nil
}

// Loyalty account methods
const accountColumns = "id, login, loyalty_points, valid_reclamations, invalid_reclamations, reliability_score"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.ClaimantAccount, error) {
	acct := &models.ClaimantAccount{}
	err := row.Scan(
		&acct.UserID,
		&acct.Login,
		&acct.LoyaltyPoints,
		&acct.ValidReclamationsCount,
		&acct.InvalidReclamationsCount,
		&acct.ReliabilityScore,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (r *PostgresRepository) GetAccount(ctx context.Context, userID int64) (*models.ClaimantAccount, error) {
	return scanAccount(r.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM users WHERE id = $1", userID))
}

// GetPointsHistory returns the latest entries, oldest first
func (r *PostgresRepository) GetPointsHistory(ctx context.Context, userID int64, limit int) ([]models.PointsEntry, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT points, reason, reclamation_id, created_at FROM (
			SELECT id, points, reason, reclamation_id, created_at
			FROM points_history
			WHERE user_id = $1
			ORDER BY id DESC
			LIMIT $2
		) latest ORDER BY id ASC`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.PointsEntry
	for rows.Next() {
		var e models.PointsEntry
		if err := rows.Scan(&e.Points, &e.Reason, &e.ReclamationID, &e.Date); err != nil {
			return nil, err
		}
		history = append(history, e)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return history, nil
}

// UpdateAccount locks the account row, refuses to apply a second entry for
// the same reclamation, and writes the new counters with the history entry
// in one transaction.
func (r *PostgresRepository) UpdateAccount(ctx context.Context, userID int64, reclamationID string, apply func(acct *models.ClaimantAccount) models.PointsEntry) (*models.LedgerResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	acct, err := scanAccount(tx.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM users WHERE id = $1 FOR UPDATE", userID))
	if err != nil {
		return nil, err
	}

	var existing models.PointsEntry
	err = tx.QueryRowContext(
		ctx,
		"SELECT points, reason, reclamation_id, created_at FROM points_history WHERE reclamation_id = $1",
		reclamationID,
	).Scan(&existing.Points, &existing.Reason, &existing.ReclamationID, &existing.Date)
	if err == nil {
		return &models.LedgerResult{Account: *acct, Entry: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	entry := apply(acct)

	_, err = tx.ExecContext(
		ctx,
		`UPDATE users
		 SET loyalty_points = $1, valid_reclamations = $2, invalid_reclamations = $3, reliability_score = $4
		 WHERE id = $5`,
		acct.LoyaltyPoints, acct.ValidReclamationsCount, acct.InvalidReclamationsCount, acct.ReliabilityScore, userID,
	)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(
		ctx,
		"INSERT INTO points_history (user_id, reclamation_id, points, reason, created_at) VALUES ($1, $2, $3, $4, $5)",
		userID, reclamationID, entry.Points, entry.Reason, entry.Date,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.LedgerResult{Account: *acct, Entry: entry}, nil
}

// Reclamation repository methods
const reclamationColumns = `id, user_id, client_name, client_email, order_ref, restaurant_id, restaurant_email,
	description, complaint_type, photos, status, ai_processed, ai_validation, points_awarded,
	COALESCE(ai_processing_error, ''), COALESCE(response_message, ''), COALESCE(responded_by, ''), responded_at,
	processing_version, created_at, updated_at`

func scanReclamation(row rowScanner) (*models.Reclamation, error) {
	var (
		rec         models.Reclamation
		photosJSON  []byte
		validation  []byte
		respondedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.ClientName,
		&rec.ClientEmail,
		&rec.OrderRef,
		&rec.RestaurantID,
		&rec.RestaurantEmail,
		&rec.Description,
		&rec.ComplaintType,
		&photosJSON,
		&rec.Status,
		&rec.AIProcessed,
		&validation,
		&rec.PointsAwarded,
		&rec.AIProcessingError,
		&rec.ResponseMessage,
		&rec.RespondedBy,
		&respondedAt,
		&rec.ProcessingVersion,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Photos = []string{}
	if len(photosJSON) > 0 {
		if err := json.Unmarshal(photosJSON, &rec.Photos); err != nil {
			return nil, fmt.Errorf("decode photos of %s: %w", rec.ID, err)
		}
	}
	if len(validation) > 0 {
		rec.AIValidation = &models.AIValidation{}
		if err := json.Unmarshal(validation, rec.AIValidation); err != nil {
			return nil, fmt.Errorf("decode ai validation of %s: %w", rec.ID, err)
		}
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		rec.RespondedAt = &t
	}
	return &rec, nil
}

// CreateReclamation stores the reclamation and its triage task atomically
func (r *PostgresRepository) CreateReclamation(ctx context.Context, rec *models.Reclamation, task *models.TriageTask) error {
	photosJSON, err := json.Marshal(rec.Photos)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO reclamations (id, user_id, client_name, client_email, order_ref, restaurant_id, restaurant_email,
			description, complaint_type, photos, status, ai_processed, points_awarded, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, 0, $12, $12)`,
		rec.ID, rec.UserID, rec.ClientName, rec.ClientEmail, rec.OrderRef, rec.RestaurantID, rec.RestaurantEmail,
		rec.Description, rec.ComplaintType, string(photosJSON), rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return err
	}

	if err := insertTask(ctx, tx, task); err != nil {
		return err
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, db execer, task *models.TriageTask) error {
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO triage_tasks (id, reclamation_id, status, attempts, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		task.ID, task.ReclamationID, task.Status, task.Attempts, task.NextAttemptAt, task.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) GetReclamation(ctx context.Context, id string) (*models.Reclamation, error) {
	return scanReclamation(r.db.QueryRowContext(ctx, "SELECT "+reclamationColumns+" FROM reclamations WHERE id = $1", id))
}

func (r *PostgresRepository) GetUserReclamations(ctx context.Context, userID int64) ([]models.Reclamation, error) {
	return r.queryReclamations(ctx,
		"SELECT "+reclamationColumns+" FROM reclamations WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
}

func (r *PostgresRepository) GetRestaurantReclamations(ctx context.Context, restaurantID, restaurantEmail string) ([]models.Reclamation, error) {
	return r.queryReclamations(ctx,
		`SELECT `+reclamationColumns+` FROM reclamations
		 WHERE ($1 <> '' AND restaurant_id = $1) OR ($2 <> '' AND restaurant_email = $2)
		 ORDER BY created_at DESC`,
		restaurantID, restaurantEmail,
	)
}

func (r *PostgresRepository) queryReclamations(ctx context.Context, query string, args ...any) ([]models.Reclamation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.Reclamation
	for rows.Next() {
		rec, err := scanReclamation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return recs, nil
}

// systemOwned holds when no person has responded to the reclamation yet, so
// the pipeline may write its own response. $10 is the system responder.
const systemOwned = "COALESCE(responded_by, '') IN ('', $10)"

// CompleteReclamation writes the pipeline outcome if the reclamation is still
// at the version the pipeline read
func (r *PostgresRepository) CompleteReclamation(ctx context.Context, id string, version int, outcome models.PipelineOutcome) error {
	validation, err := json.Marshal(outcome.Validation)
	if err != nil {
		return err
	}

	var respondedAt sql.NullTime
	if outcome.RespondedAt != nil {
		respondedAt = sql.NullTime{Time: *outcome.RespondedAt, Valid: true}
	}

	res, err := r.db.ExecContext(
		ctx,
		`UPDATE reclamations SET
			ai_processed = TRUE,
			ai_validation = $1,
			points_awarded = $2,
			ai_processing_error = NULL,
			status = CASE WHEN `+systemOwned+` THEN COALESCE(NULLIF($3, ''), status) ELSE status END,
			response_message = CASE WHEN `+systemOwned+` THEN COALESCE(NULLIF($4, ''), response_message) ELSE response_message END,
			responded_by = CASE WHEN `+systemOwned+` THEN COALESCE(NULLIF($5, ''), responded_by) ELSE responded_by END,
			responded_at = CASE WHEN `+systemOwned+` THEN COALESCE($6, responded_at) ELSE responded_at END,
			processing_version = processing_version + 1,
			updated_at = $7
		 WHERE id = $8 AND processing_version = $9`,
		string(validation), outcome.PointsAwarded, outcome.Status, outcome.ResponseMessage, outcome.RespondedBy,
		respondedAt, time.Now(), id, version, models.SystemResponder,
	)
	if err != nil {
		return err
	}
	return r.checkVersioned(ctx, res, id)
}

// FailReclamation records a pipeline failure if the reclamation is still at
// the version the pipeline read
func (r *PostgresRepository) FailReclamation(ctx context.Context, id string, version int, message string) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE reclamations SET
			ai_processed = TRUE,
			ai_processing_error = $1,
			processing_version = processing_version + 1,
			updated_at = $2
		 WHERE id = $3 AND processing_version = $4`,
		message, time.Now(), id, version,
	)
	if err != nil {
		return err
	}
	return r.checkVersioned(ctx, res, id)
}

// checkVersioned maps a zero-row versioned update to ErrNotFound or ErrVersionConflict
func (r *PostgresRepository) checkVersioned(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM reclamations WHERE id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// RespondReclamation stores a human answer; it does not touch the pipeline fields
func (r *PostgresRepository) RespondReclamation(ctx context.Context, id string, resp models.Response) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE reclamations SET
			response_message = $1,
			status = COALESCE(NULLIF($2, ''), status),
			responded_by = $3,
			responded_at = $4,
			updated_at = $4
		 WHERE id = $5`,
		resp.Message, resp.Status, resp.RespondedBy, resp.RespondedAt, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Triage task methods
func (r *PostgresRepository) EnqueueTriageTask(ctx context.Context, task *models.TriageTask) error {
	return insertTask(ctx, r.db, task)
}

// ClaimTriageTasks leases due tasks: pending ones whose next attempt has come
// and running ones whose lease expired
func (r *PostgresRepository) ClaimTriageTasks(ctx context.Context, limit int, lease time.Duration) ([]models.TriageTask, error) {
	now := time.Now()
	rows, err := r.db.QueryContext(
		ctx,
		`UPDATE triage_tasks SET status = 'running', lease_until = $1, updated_at = $2
		 WHERE id IN (
			SELECT id FROM triage_tasks
			WHERE (status = 'pending' AND next_attempt_at <= $2)
			   OR (status = 'running' AND lease_until < $2)
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, reclamation_id, status, attempts, next_attempt_at, lease_until, COALESCE(last_error, ''), created_at`,
		now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.TriageTask
	for rows.Next() {
		var t models.TriageTask
		var leaseUntil sql.NullTime
		if err := rows.Scan(&t.ID, &t.ReclamationID, &t.Status, &t.Attempts, &t.NextAttemptAt, &leaseUntil, &t.LastError, &t.CreatedAt); err != nil {
			return nil, err
		}
		if leaseUntil.Valid {
			lu := leaseUntil.Time
			t.LeaseUntil = &lu
		}
		tasks = append(tasks, t)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return tasks, nil
}

// RenewTriageTask extends the lease of a task that is still running
func (r *PostgresRepository) RenewTriageTask(ctx context.Context, id string, lease time.Duration) error {
	now := time.Now()
	res, err := r.db.ExecContext(
		ctx,
		"UPDATE triage_tasks SET lease_until = $1, updated_at = $2 WHERE id = $3 AND status = 'running'",
		now.Add(lease), now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) CompleteTriageTask(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(
		ctx,
		"UPDATE triage_tasks SET status = 'done', lease_until = NULL, updated_at = $1 WHERE id = $2",
		time.Now(), id,
	)
	return err
}

func (r *PostgresRepository) RetryTriageTask(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE triage_tasks
		 SET status = 'pending', attempts = $1, next_attempt_at = $2, last_error = $3, lease_until = NULL, updated_at = $4
		 WHERE id = $5`,
		attempts, next, lastErr, time.Now(), id,
	)
	return err
}

func (r *PostgresRepository) FailTriageTask(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE triage_tasks
		 SET status = 'failed', attempts = $1, last_error = $2, lease_until = NULL, updated_at = $3
		 WHERE id = $4`,
		attempts, lastErr, time.Now(), id,
	)
	return err
}
