package events

import (
	"context"
	"testing"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/models"
)

func TestNewProcessed(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	rec := &models.Reclamation{ID: "r1", UserID: 7, RestaurantID: "resto", Status: models.StatusPending}
	outcome := models.PipelineOutcome{
		Validation:    models.AIValidation{IsValid: false, ConfidenceScore: 85, MatchScore: 35, ProcessedAt: at},
		PointsAwarded: -10,
		Status:        models.StatusRejected,
	}

	ev := NewProcessed(rec, outcome)
	if ev.Type != TypeProcessed || ev.ReclamationID != "r1" || ev.UserID != 7 || ev.RestaurantID != "resto" {
		t.Errorf("identity fields = %+v", ev)
	}
	if ev.Status != models.StatusRejected || ev.PointsAwarded != -10 || ev.ConfidenceScore != 85 || !ev.ProcessedAt.Equal(at) {
		t.Errorf("outcome fields = %+v", ev)
	}

	outcome.Status = ""
	if ev := NewProcessed(rec, outcome); ev.Status != models.StatusPending {
		t.Errorf("Status = %q, want the reclamation status when unchanged", ev.Status)
	}
}

func TestNew(t *testing.T) {
	if _, ok := New(nil, "").(LogPublisher); !ok {
		t.Error("expected a log publisher without brokers")
	}

	p := New([]string{"localhost:9092"}, "")
	kp, ok := p.(*KafkaPublisher)
	if !ok {
		t.Fatalf("expected a Kafka publisher, got %T", p)
	}
	if kp.writer.Topic != DefaultTopic {
		t.Errorf("Topic = %q, want %q", kp.writer.Topic, DefaultTopic)
	}
	_ = kp.Close()

	if err := (LogPublisher{}).Publish(context.Background(), Processed{Type: TypeProcessed}); err != nil {
		t.Errorf("LogPublisher.Publish: %v", err)
	}
}
