package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subscriber is a recipient. Only active subscribers participate in fan-out;
// deactivation does not retract tasks already enqueued for them.
type Subscriber struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Subscription links a subscriber to a topic. The pair is unique. Read-only
// to the engine: fan-out snapshots it, later changes don't affect in-flight
// deliveries.
type Subscription struct {
	SubscriberID uuid.UUID `json:"subscriber_id" db:"subscriber_id"`
	TopicID      uuid.UUID `json:"topic_id" db:"topic_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
