// Package events publishes reclamation outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/segmentio/kafka-go"
)

// TypeProcessed is the event type emitted after a pipeline run
const TypeProcessed = "reclamation.processed"

// DefaultTopic is the Kafka topic used when none is configured
const DefaultTopic = "reclamation-events"

// Processed describes the automated outcome of one reclamation
type Processed struct {
	Type            string    `json:"type"`
	ReclamationID   string    `json:"reclamationId"`
	UserID          int64     `json:"userId"`
	RestaurantID    string    `json:"restaurantId,omitempty"`
	IsValid         bool      `json:"isValid"`
	ConfidenceScore int       `json:"confidenceScore"`
	MatchScore      int       `json:"matchScore"`
	Status          string    `json:"status"`
	PointsAwarded   int       `json:"pointsAwarded"`
	ProcessedAt     time.Time `json:"processedAt"`
}

// NewProcessed builds the event from a completed reclamation
func NewProcessed(rec *models.Reclamation, outcome models.PipelineOutcome) Processed {
	status := rec.Status
	if outcome.Status != "" {
		status = outcome.Status
	}
	return Processed{
		Type:            TypeProcessed,
		ReclamationID:   rec.ID,
		UserID:          rec.UserID,
		RestaurantID:    rec.RestaurantID,
		IsValid:         outcome.Validation.IsValid,
		ConfidenceScore: outcome.Validation.ConfidenceScore,
		MatchScore:      outcome.Validation.MatchScore,
		Status:          status,
		PointsAwarded:   outcome.PointsAwarded,
		ProcessedAt:     outcome.Validation.ProcessedAt,
	}
}

// Publisher delivers outcome events
type Publisher interface {
	Publish(ctx context.Context, event Processed) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by reclamation id
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Processed) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.ReclamationID),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}

	log.Printf("Sent %s event to Kafka: %s", event.Type, event.ReclamationID)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the process log
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, event Processed) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	log.Printf("Event %s: %s", event.Type, data)
	return nil
}

func (LogPublisher) Close() error { return nil }

// New returns a Kafka publisher when brokers are configured, a log publisher otherwise
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return LogPublisher{}
	}
	return NewKafkaPublisher(brokers, topic)
}
