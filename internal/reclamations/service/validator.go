package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/events"
	"github.com/25x8/reclamations/internal/reclamations/loyalty"
	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/25x8/reclamations/internal/reclamations/repository"
	"github.com/25x8/reclamations/internal/reclamations/triage"
	"github.com/25x8/reclamations/internal/reclamations/utils"
	"github.com/google/uuid"
)

const defaultStoreTimeout = 30 * time.Second

// CreateInput is the intake payload of a reclamation
type CreateInput struct {
	UserID          int64
	ClientName      string
	ClientEmail     string
	OrderRef        string
	RestaurantID    string
	RestaurantEmail string
	Description     string
	ComplaintType   string
	Photos          []string
}

// Validator owns the reclamation lifecycle: intake, the analysis pipeline
// and the write-back of its outcome.
type Validator struct {
	repo   repository.Repository
	images *triage.ImageAnalyzer
	text   *triage.TextAnalyzer
	policy triage.Policy
	ledger *loyalty.Ledger
	events events.Publisher
	now    func() time.Time

	// Wake is called after a reclamation was queued, if set
	Wake func()
	// StoreTimeout bounds the ledger and outcome writes of a run. They do
	// not share the analysis deadline.
	StoreTimeout time.Duration
}

// NewValidator creates a new validator
func NewValidator(repo repository.Repository, images *triage.ImageAnalyzer, text *triage.TextAnalyzer, policy triage.Policy, ledger *loyalty.Ledger, pub events.Publisher) *Validator {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &Validator{
		repo:   repo,
		images: images,
		text:   text,
		policy: policy,
		ledger: ledger,
		events: pub,
		now:    time.Now,

		StoreTimeout: defaultStoreTimeout,
	}
}

// Create persists a pending reclamation together with its triage task and
// returns without waiting for the analysis. Malformed input is reported as
// a *utils.ValidationError.
func (v *Validator) Create(ctx context.Context, in CreateInput) (*models.Reclamation, error) {
	photos := utils.CleanPhotos(in.Photos)
	if err := utils.ValidateReclamation(in.Description, in.OrderRef, in.ComplaintType, photos); err != nil {
		return nil, err
	}

	now := v.now()
	rec := &models.Reclamation{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		ClientName:      in.ClientName,
		ClientEmail:     in.ClientEmail,
		OrderRef:        in.OrderRef,
		RestaurantID:    in.RestaurantID,
		RestaurantEmail: in.RestaurantEmail,
		Description:     in.Description,
		ComplaintType:   in.ComplaintType,
		Photos:          photos,
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	task := &models.TriageTask{
		ID:            uuid.NewString(),
		ReclamationID: rec.ID,
		Status:        models.TaskPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}

	if err := v.repo.CreateReclamation(ctx, rec, task); err != nil {
		return nil, fmt.Errorf("create reclamation: %w", err)
	}
	log.Printf("Reclamation %s created for user %d with %d photos", rec.ID, rec.UserID, len(rec.Photos))

	if v.Wake != nil {
		v.Wake()
	}
	return rec, nil
}

// RunPipeline analyzes the evidence of a reclamation, settles the claimant's
// points and stores the outcome. A reclamation already processed without
// error is left alone unless force is set; forced runs never award twice.
// Errors returned here are infrastructure failures worth retrying.
func (v *Validator) RunPipeline(ctx context.Context, id string, force bool) error {
	rec, err := v.repo.GetReclamation(ctx, id)
	if err != nil {
		return fmt.Errorf("load reclamation %s: %w", id, err)
	}

	if rec.AIProcessed && rec.AIProcessingError == "" && !force {
		log.Printf("Reclamation %s already processed, skipping", id)
		return nil
	}

	imageFindings := v.images.Analyze(ctx, rec.Photos)
	textFindings := v.text.Analyze(ctx, rec.Description, rec.ComplaintType, imageFindings)

	// a cancelled run is a shutdown: leave the task to be claimed again. A run
	// that only ran out of time has fallen back on every slow backend, so
	// its outcome is stored.
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("analysis of %s interrupted: %w", rec.ID, ctx.Err())
	}
	storeTimeout := v.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	now := v.now()
	validation := triage.Decide(v.policy, imageFindings, textFindings, now)

	award, err := v.ledger.AwardPoints(ctx, rec.UserID, rec.ID, validation.IsValid, validation.ConfidenceScore)
	if err != nil {
		return err
	}

	outcome := models.PipelineOutcome{Validation: validation}
	if award != nil {
		outcome.PointsAwarded = award.PointsAwarded
	}
	if triage.ShouldAutoReject(v.policy, validation) {
		outcome.Status = models.StatusRejected
		outcome.ResponseMessage = validation.Recommendation
		outcome.RespondedBy = models.SystemResponder
		outcome.RespondedAt = &now
	}

	err = v.repo.CompleteReclamation(ctx, rec.ID, rec.ProcessingVersion, outcome)
	if errors.Is(err, repository.ErrVersionConflict) {
		log.Printf("Reclamation %s changed during processing, keeping the stored outcome", rec.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("store outcome of %s: %w", rec.ID, err)
	}

	// the stored status differs from the outcome when a restaurant answered first
	if stored, err := v.repo.GetReclamation(ctx, rec.ID); err == nil {
		outcome.Status = stored.Status
	}

	log.Printf("Reclamation %s processed: valid=%t confidence=%d match=%d points=%d",
		rec.ID, validation.IsValid, validation.ConfidenceScore, validation.MatchScore, outcome.PointsAwarded)

	if err := v.events.Publish(ctx, events.NewProcessed(rec, outcome)); err != nil {
		log.Printf("Error publishing outcome of reclamation %s: %v", rec.ID, err)
	}
	return nil
}

// MarkFailed records a pipeline failure so the reclamation does not stay
// unprocessed. A reclamation that already has an outcome keeps it.
func (v *Validator) MarkFailed(ctx context.Context, id, message string) error {
	rec, err := v.repo.GetReclamation(ctx, id)
	if err != nil {
		return fmt.Errorf("load reclamation %s: %w", id, err)
	}
	if rec.AIProcessed && rec.AIProcessingError == "" {
		return nil
	}

	err = v.repo.FailReclamation(ctx, id, rec.ProcessingVersion, message)
	if errors.Is(err, repository.ErrVersionConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark reclamation %s failed: %w", id, err)
	}
	log.Printf("Reclamation %s marked as failed: %s", id, message)
	return nil
}

// Respond stores a human answer from the restaurant a reclamation is addressed to
func (v *Validator) Respond(ctx context.Context, id string, responder *models.User, message, status string) (*models.Reclamation, error) {
	if message == "" {
		return nil, &utils.ValidationError{Field: "responseMessage", Message: "is required"}
	}
	if status != "" && !models.ValidStatus(status) {
		return nil, &utils.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}

	rec, err := v.repo.GetReclamation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !AddressedTo(rec, responder) {
		return nil, ErrForbidden
	}

	err = v.repo.RespondReclamation(ctx, id, models.Response{
		Message:     message,
		Status:      status,
		RespondedBy: responder.Login,
		RespondedAt: v.now(),
	})
	if err != nil {
		return nil, err
	}
	return v.repo.GetReclamation(ctx, id)
}

// ErrForbidden is returned when a user acts on a reclamation that is not theirs
var ErrForbidden = errors.New("reclamation belongs to another user")

// AddressedTo reports whether a restaurant user is the target of rec
func AddressedTo(rec *models.Reclamation, user *models.User) bool {
	if user == nil || user.Role != models.RoleRestaurant {
		return false
	}
	if rec.RestaurantID != "" && rec.RestaurantID == fmt.Sprint(user.ID) {
		return true
	}
	return rec.RestaurantEmail != "" && rec.RestaurantEmail == user.Email
}

// CanView reports whether user may read rec
func CanView(rec *models.Reclamation, user *models.User) bool {
	if user == nil {
		return false
	}
	return rec.UserID == user.ID || AddressedTo(rec, user)
}
