package models

import (
	"time"
)

// User represents a registered user. Customers file reclamations and own a
// loyalty account; restaurants answer reclamations addressed to them.
type User struct {
	ID           int64     `json:"id"`
	Login        string    `json:"login"`
	Email        string    `json:"email,omitempty"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// User roles
const (
	RoleCustomer   = "customer"
	RoleRestaurant = "restaurant"
)

// ClaimantAccount is the loyalty side of a customer
type ClaimantAccount struct {
	UserID                   int64  `json:"user_id"`
	Login                    string `json:"login"`
	LoyaltyPoints            int    `json:"loyalty_points"`
	ValidReclamationsCount   int    `json:"valid_reclamations"`
	InvalidReclamationsCount int    `json:"invalid_reclamations"`
	ReliabilityScore         int    `json:"reliability_score"`
}

// DefaultReliabilityScore is the score of an account without any processed reclamation.
const DefaultReliabilityScore = 100

// PointsEntry is one immutable line of a claimant's points history
type PointsEntry struct {
	Points        int       `json:"points"`
	Reason        string    `json:"reason"`
	ReclamationID string    `json:"reclamation_id"`
	Date          time.Time `json:"date"`
}

// LedgerResult is returned by the account store after a ledger update.
// Duplicate is set when the reclamation already had a history entry; in that
// case Entry is the stored entry and the account is left untouched.
type LedgerResult struct {
	Account   ClaimantAccount
	Entry     PointsEntry
	Duplicate bool
}

// Reclamation is a complaint filed by a customer about an order
type Reclamation struct {
	ID                string        `json:"id"`
	UserID            int64         `json:"user_id"`
	ClientName        string        `json:"client_name"`
	ClientEmail       string        `json:"client_email,omitempty"`
	OrderRef          string        `json:"order_ref"`
	RestaurantID      string        `json:"restaurant_id,omitempty"`
	RestaurantEmail   string        `json:"restaurant_email,omitempty"`
	Description       string        `json:"description"`
	ComplaintType     string        `json:"complaint_type"`
	Photos            []string      `json:"photos"`
	Status            string        `json:"status"`
	AIProcessed       bool          `json:"ai_processed"`
	AIValidation      *AIValidation `json:"ai_validation,omitempty"`
	PointsAwarded     int           `json:"points_awarded"`
	AIProcessingError string        `json:"ai_processing_error,omitempty"`
	ResponseMessage   string        `json:"response_message,omitempty"`
	RespondedBy       string        `json:"responded_by,omitempty"`
	RespondedAt       *time.Time    `json:"responded_at,omitempty"`
	ProcessingVersion int           `json:"-"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Reclamation statuses
const (
	StatusPending  = "pending"
	StatusInReview = "in_review"
	StatusResolved = "resolved"
	StatusRejected = "rejected"
)

// ValidStatus reports whether s is a known reclamation status
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInReview, StatusResolved, StatusRejected:
		return true
	}
	return false
}

// SystemResponder is the respondedBy value written by the automated pipeline.
const SystemResponder = "system"

// AIValidation is the persisted outcome of the evidence analysis pipeline
type AIValidation struct {
	IsValid         bool          `json:"is_valid"`
	ConfidenceScore int           `json:"confidence_score"`
	ImageFindings   ImageFindings `json:"image_findings"`
	TextFindings    TextFindings  `json:"text_findings"`
	MatchScore      int           `json:"match_score"`
	Recommendation  string        `json:"recommendation"`
	ProcessedAt     time.Time     `json:"processed_at"`
}

// ImageFindings aggregates the analysis of every photo of a reclamation
type ImageFindings struct {
	Labels       []string `json:"labels"`
	QualityScore int      `json:"quality_score"`
	Issues       []string `json:"issues"`
}

// TextFindings is the analysis of the written claim
type TextFindings struct {
	Sentiment  string   `json:"sentiment"`
	Severity   string   `json:"severity"`
	Keywords   []string `json:"keywords"`
	Confidence int      `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
}

// Severity and sentiment values
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"

	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentPositive = "positive"
)

// PipelineOutcome is everything a successful pipeline run writes back
type PipelineOutcome struct {
	Validation      AIValidation
	PointsAwarded   int
	Status          string
	ResponseMessage string
	RespondedBy     string
	RespondedAt     *time.Time
}

// Response is a human answer to a reclamation
type Response struct {
	Message     string
	Status      string
	RespondedBy string
	RespondedAt time.Time
}

// Reward is a catalog entry; Available is computed against a balance
type Reward struct {
	Name       string `json:"name"`
	PointsCost int    `json:"points_cost"`
	Available  bool   `json:"available"`
}

// TriageTask is the persisted unit of work that drives one pipeline run
type TriageTask struct {
	ID            string     `json:"id"`
	ReclamationID string     `json:"reclamation_id"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LeaseUntil    *time.Time `json:"lease_until,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Triage task statuses
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)
