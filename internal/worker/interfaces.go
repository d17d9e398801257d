package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// ContentStore is the engine's view of durable content, subscription, and
// delivery-log storage. Conditional transitions (claim, finalize) return
// false when another actor already owns the row; that is the engine's
// mutual-exclusion primitive and is never an error.
type ContentStore interface {
	// FindDueContent returns up to limit pending items with
	// scheduledAt <= now, oldest-due first (ties broken by id).
	FindDueContent(ctx context.Context, now time.Time, limit int) ([]domain.Content, error)

	// ClaimForProcessing transitions pending → processing. Returns false
	// when the row was no longer pending.
	ClaimForProcessing(ctx context.Context, contentID uuid.UUID) (bool, error)

	// SetExpectedDeliveries persists the subscriber snapshot count taken at
	// fan-out time.
	SetExpectedDeliveries(ctx context.Context, contentID uuid.UUID, expected int) error

	// FinalizeAsSent transitions processing → sent and stamps isSent/sentAt.
	// Returns false when the row was no longer processing.
	FinalizeAsSent(ctx context.Context, contentID uuid.UUID) (bool, error)

	// ActiveSubscribersForTopic snapshots the active subscriber set of a topic.
	ActiveSubscribersForTopic(ctx context.Context, topicID uuid.UUID) ([]domain.Subscriber, error)

	// UpsertDeliveryLog records a delivery outcome, idempotent on
	// (contentID, subscriberID). Terminal rows are never overwritten.
	UpsertDeliveryLog(ctx context.Context, entry domain.DeliveryLog) error

	// CountResolvedDeliveries counts terminal (sent or failed) log rows.
	CountResolvedDeliveries(ctx context.Context, contentID uuid.UUID) (int, error)

	// CountExpectedDeliveries returns the persisted fan-out snapshot count.
	CountExpectedDeliveries(ctx context.Context, contentID uuid.UUID) (int, error)
}

// TaskQueue is the durable, at-least-once queue of per-subscriber delivery
// tasks. Claiming consumes one unit of the task's attempt budget.
type TaskQueue interface {
	// Enqueue adds a task. Enqueueing the same (content, subscriber) pair
	// twice is a no-op.
	Enqueue(ctx context.Context, task *domain.DeliveryTask) error

	// ClaimBatch atomically claims up to limit due tasks for this worker.
	ClaimBatch(ctx context.Context, workerID string, limit int) ([]domain.DeliveryTask, error)

	// MarkSent resolves a claimed task successfully.
	MarkSent(ctx context.Context, taskID uuid.UUID, messageID string) error

	// Retry returns a claimed task to the queue, due again after delay.
	Retry(ctx context.Context, taskID uuid.UUID, delay time.Duration, errMsg string) error

	// DeadLetter terminally fails a claimed task; it is never redelivered.
	DeadLetter(ctx context.Context, taskID uuid.UUID, errMsg string) error

	// Depth returns the number of queued + claimed tasks.
	Depth(ctx context.Context) (int64, error)

	// ReclaimStale re-queues tasks claimed longer than olderThan ago that
	// still have budget left (crashed or timed-out workers).
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// DeadLetterExhausted dead-letters stale claimed tasks that are out of
	// budget and returns them so callers can record terminal outcomes.
	DeadLetterExhausted(ctx context.Context, olderThan time.Duration) ([]domain.DeliveryTask, error)

	// PurgeResolved deletes sent tasks older than the retention window.
	PurgeResolved(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Mailer sends one email. Implementations live alongside the pool
// (SES today); tests inject fakes.
type Mailer interface {
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
}

// EmailMessage is one outbound email.
type EmailMessage struct {
	ContentID    uuid.UUID
	SubscriberID uuid.UUID
	Email        string
	FromName     string
	FromEmail    string
	Subject      string
	Body         string
}

// SendResult is the outcome of a single send attempt.
type SendResult struct {
	Success   bool
	MessageID string
	Error     error
	SentAt    time.Time
}
