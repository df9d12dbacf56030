// Package loyalty turns validity decisions into loyalty points and keeps the
// claimant's reliability score up to date.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/25x8/reclamations/internal/reclamations/repository"
)

// historyWindow is the number of history entries returned with a balance.
const historyWindow = 10

// AccountStore persists claimant accounts. Unknown claimants are reported
// with repository.ErrNotFound. UpdateAccount must run apply
// atomically with respect to other updates of the same account and must not
// call it at all when the reclamation already has a history entry.
type AccountStore interface {
	GetAccount(ctx context.Context, userID int64) (*models.ClaimantAccount, error)
	GetPointsHistory(ctx context.Context, userID int64, limit int) ([]models.PointsEntry, error)
	UpdateAccount(ctx context.Context, userID int64, reclamationID string, apply func(acct *models.ClaimantAccount) models.PointsEntry) (*models.LedgerResult, error)
}

// Rules are the point amounts and bonus thresholds of the ledger.
type Rules struct {
	ValidReward             int     `yaml:"valid_reward"`
	InvalidPenalty          int     `yaml:"invalid_penalty"`
	HighConfidenceThreshold int     `yaml:"high_confidence_threshold"`
	HighConfidenceBonus     int     `yaml:"high_confidence_bonus"`
	LoyaltyBonusReliability int     `yaml:"loyalty_bonus_reliability"`
	LoyaltyBonusValidCount  int     `yaml:"loyalty_bonus_valid_count"`
	LoyaltyBonusRatio       float64 `yaml:"loyalty_bonus_ratio"`
}

// DefaultRules returns the stock ledger rules.
func DefaultRules() Rules {
	return Rules{
		ValidReward:             50,
		InvalidPenalty:          -10,
		HighConfidenceThreshold: 90,
		HighConfidenceBonus:     20,
		LoyaltyBonusReliability: 90,
		LoyaltyBonusValidCount:  5,
		LoyaltyBonusRatio:       0.5,
	}
}

// Validate rejects rules that reward invalid reclamations, penalize valid
// ones or use thresholds outside 0..100.
func (r Rules) Validate() error {
	switch {
	case r.ValidReward < 0:
		return fmt.Errorf("valid_reward must not be negative, got %d", r.ValidReward)
	case r.InvalidPenalty > 0:
		return fmt.Errorf("invalid_penalty must not be positive, got %d", r.InvalidPenalty)
	case r.HighConfidenceThreshold < 0 || r.HighConfidenceThreshold > 100:
		return fmt.Errorf("high_confidence_threshold must be within 0..100, got %d", r.HighConfidenceThreshold)
	case r.HighConfidenceBonus < 0:
		return fmt.Errorf("high_confidence_bonus must not be negative, got %d", r.HighConfidenceBonus)
	case r.LoyaltyBonusReliability < 0 || r.LoyaltyBonusReliability > 100:
		return fmt.Errorf("loyalty_bonus_reliability must be within 0..100, got %d", r.LoyaltyBonusReliability)
	case r.LoyaltyBonusValidCount < 0:
		return fmt.Errorf("loyalty_bonus_valid_count must not be negative, got %d", r.LoyaltyBonusValidCount)
	case r.LoyaltyBonusRatio < 0:
		return fmt.Errorf("loyalty_bonus_ratio must not be negative, got %g", r.LoyaltyBonusRatio)
	}
	return nil
}

// Award is the outcome of AwardPoints.
type Award struct {
	PointsAwarded    int    `json:"points_awarded"`
	TotalPoints      int    `json:"total_points"`
	ReliabilityScore int    `json:"reliability_score"`
	Reason           string `json:"reason"`
	Duplicate        bool   `json:"duplicate,omitempty"`
}

// Balance is a claimant's counters plus the latest history entries.
type Balance struct {
	LoyaltyPoints       int                  `json:"loyalty_points"`
	ValidReclamations   int                  `json:"valid_reclamations"`
	InvalidReclamations int                  `json:"invalid_reclamations"`
	ReliabilityScore    int                  `json:"reliability_score"`
	History             []models.PointsEntry `json:"history"`
}

// Catalog is the fixed list of rewards, in display order.
var Catalog = []models.Reward{
	{Name: "10% discount", PointsCost: 100},
	{Name: "20% discount", PointsCost: 200},
	{Name: "free dish", PointsCost: 500},
	{Name: "free delivery", PointsCost: 150},
}

// Ledger applies the rules to claimant accounts.
type Ledger struct {
	store AccountStore
	rules Rules
	now   func() time.Time
}

// NewLedger creates a ledger over store.
func NewLedger(store AccountStore, rules Rules) *Ledger {
	return &Ledger{store: store, rules: rules, now: time.Now}
}

// AwardPoints credits or debits the claimant for a processed reclamation.
// An unknown claimant is a no-op and returns a nil Award. A reclamation that
// was already awarded returns the original award with Duplicate set.
func (l *Ledger) AwardPoints(ctx context.Context, userID int64, reclamationID string, isValid bool, confidence int) (*Award, error) {
	res, err := l.store.UpdateAccount(ctx, userID, reclamationID, func(acct *models.ClaimantAccount) models.PointsEntry {
		points, reason := l.rules.Apply(acct, isValid, confidence)
		return models.PointsEntry{
			Points:        points,
			Reason:        reason,
			ReclamationID: reclamationID,
			Date:          l.now(),
		}
	})
	if errors.Is(err, repository.ErrNotFound) {
		log.Printf("Loyalty account %d not found, no points awarded for reclamation %s", userID, reclamationID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("award points: %w", err)
	}

	if res.Duplicate {
		log.Printf("Reclamation %s already awarded %d points to user %d", reclamationID, res.Entry.Points, userID)
	} else {
		log.Printf("Awarded %d points to user %d (total %d)", res.Entry.Points, userID, res.Account.LoyaltyPoints)
	}

	return &Award{
		PointsAwarded:    res.Entry.Points,
		TotalPoints:      res.Account.LoyaltyPoints,
		ReliabilityScore: res.Account.ReliabilityScore,
		Reason:           res.Entry.Reason,
		Duplicate:        res.Duplicate,
	}, nil
}

// Apply mutates acct for one processed reclamation and returns the point
// delta with a reason describing the bonuses that applied. Bonus conditions
// are evaluated on the counters before the update.
func (r Rules) Apply(acct *models.ClaimantAccount, isValid bool, confidence int) (int, string) {
	var points int
	var reason string

	if isValid {
		points = r.ValidReward
		if confidence >= r.HighConfidenceThreshold {
			points += r.HighConfidenceBonus
			reason = "Reclamation validated with high confidence"
		} else {
			reason = "Reclamation validated"
		}

		if acct.ReliabilityScore >= r.LoyaltyBonusReliability && acct.ValidReclamationsCount >= r.LoyaltyBonusValidCount {
			bonus := int(math.Floor(float64(points) * r.LoyaltyBonusRatio))
			points += bonus
			reason += fmt.Sprintf(" + loyalty bonus (%d)", bonus)
		}

		acct.ValidReclamationsCount++
	} else {
		points = r.InvalidPenalty
		reason = "Reclamation rejected"
		acct.InvalidReclamationsCount++
	}

	acct.LoyaltyPoints += points
	acct.ReliabilityScore = Reliability(acct.ValidReclamationsCount, acct.InvalidReclamationsCount, acct.ReliabilityScore)
	return points, reason
}

// Reliability is the rounded share of valid reclamations, or current when
// there is no reclamation yet.
func Reliability(valid, invalid, current int) int {
	total := valid + invalid
	if total <= 0 {
		return current
	}
	return int(math.Round(float64(valid) / float64(total) * 100))
}

// GetPointsBalance returns the counters and the latest history entries in
// insertion order. A nil Balance means the claimant is unknown.
func (l *Ledger) GetPointsBalance(ctx context.Context, userID int64) (*Balance, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	history, err := l.store.GetPointsHistory(ctx, userID, historyWindow)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []models.PointsEntry{}
	}

	return &Balance{
		LoyaltyPoints:       acct.LoyaltyPoints,
		ValidReclamations:   acct.ValidReclamationsCount,
		InvalidReclamations: acct.InvalidReclamationsCount,
		ReliabilityScore:    acct.ReliabilityScore,
		History:             history,
	}, nil
}

// CheckAvailableRewards returns the catalog entries the claimant can afford.
func (l *Ledger) CheckAvailableRewards(ctx context.Context, userID int64) ([]models.Reward, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return []models.Reward{}, nil
	}
	if err != nil {
		return nil, err
	}
	return AvailableRewards(acct.LoyaltyPoints), nil
}

// AvailableRewards filters the catalog against a balance.
func AvailableRewards(points int) []models.Reward {
	rewards := make([]models.Reward, 0, len(Catalog))
	for _, r := range Catalog {
		if points >= r.PointsCost {
			r.Available = true
			rewards = append(rewards, r)
		}
	}
	return rewards
}
