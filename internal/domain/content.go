package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContentStatus enumerates the lifecycle states of a content item.
// Transitions only move forward: pending → processing → sent.
type ContentStatus string

const (
	ContentPending    ContentStatus = "pending"
	ContentProcessing ContentStatus = "processing"
	ContentSent       ContentStatus = "sent"
)

// Content is one schedulable broadcast message tied to a topic.
// Created by the CRUD surface; the engine only moves it through
// pending → processing (claim) → sent (finalize).
type Content struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	TopicID     uuid.UUID     `json:"topic_id" db:"topic_id"`
	Title       string        `json:"title" db:"title"`
	Body        string        `json:"body" db:"body"`
	ScheduledAt time.Time     `json:"scheduled_at" db:"scheduled_at"`
	Status      ContentStatus `json:"status" db:"status"`
	IsSent      bool          `json:"is_sent" db:"is_sent"`
	SentAt      *time.Time    `json:"sent_at" db:"sent_at"`

	// ExpectedDeliveries is the active-subscriber snapshot count taken at
	// fan-out time. Zero until the content is claimed and fanned out.
	ExpectedDeliveries int `json:"expected_deliveries" db:"expected_deliveries"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true once the content's fan-out is fully resolved.
func (c *Content) IsTerminal() bool { return c.Status == ContentSent }

// DeliveryStatus enumerates per-(content,subscriber) delivery outcomes.
// sent and failed are terminal; pending is interim only.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Terminal reports whether a delivery status permits no further attempts.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed
}

// DeliveryLog is the idempotent per-(content,subscriber) outcome record.
// At most one logical row exists per pair regardless of retry count.
type DeliveryLog struct {
	ContentID    uuid.UUID      `json:"content_id" db:"content_id"`
	SubscriberID uuid.UUID      `json:"subscriber_id" db:"subscriber_id"`
	Status       DeliveryStatus `json:"status" db:"status"`
	MessageID    string         `json:"message_id" db:"message_id"`
	ErrorMessage string         `json:"error_message" db:"error_message"`
	SentAt       *time.Time     `json:"sent_at" db:"sent_at"`
}

// TaskStatus enumerates the lifecycle of a queued delivery task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskClaimed    TaskStatus = "claimed"
	TaskSent       TaskStatus = "sent"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// DeliveryTask is one per-subscriber unit of work produced by fan-out.
// It lives only in the task queue; the durable outcome is DeliveryLog.
type DeliveryTask struct {
	ID           uuid.UUID `json:"id" db:"id"`
	ContentID    uuid.UUID `json:"content_id" db:"content_id"`
	SubscriberID uuid.UUID `json:"subscriber_id" db:"subscriber_id"`
	Email        string    `json:"email" db:"email"`
	Title        string    `json:"title" db:"title"`
	Body         string    `json:"body" db:"body"`

	// Attempts counts started attempts, including the one currently being
	// processed. MaxAttempts = 1 initial + configured retries.
	Attempts    int `json:"attempts" db:"attempts"`
	MaxAttempts int `json:"max_attempts" db:"max_attempts"`

	NextAttemptAt time.Time `json:"next_attempt_at" db:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// FinalAttempt reports whether the attempt currently in flight is the last
// one in the task's budget.
func (t *DeliveryTask) FinalAttempt() bool { return t.Attempts >= t.MaxAttempts }
