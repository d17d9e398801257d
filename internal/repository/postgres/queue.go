package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// QueueRepo implements worker.TaskQueue against PostgreSQL.
type QueueRepo struct{ db *sql.DB }

// NewQueueRepo creates a Postgres-backed task queue.
func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db} }

// Enqueue adds a delivery task. The unique (content_id, subscriber_id) index
// plus ON CONFLICT DO NOTHING makes re-running fan-out for the same content
// harmless.
func (r *QueueRepo) Enqueue(ctx context.Context, task *domain.DeliveryTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_queue
			(id, content_id, subscriber_id, email, title, body,
			 status, attempts, max_attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', 0, $7, $8, NOW())
		ON CONFLICT (content_id, subscriber_id) DO NOTHING
	`, task.ID, task.ContentID, task.SubscriberID, task.Email, task.Title,
		task.Body, task.MaxAttempts, task.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// ClaimBatch atomically claims up to limit due tasks for one worker.
// FOR UPDATE SKIP LOCKED keeps concurrent workers from blocking on or
// double-claiming the same rows. Attempts is charged at claim time, so a
// crash mid-attempt still burns budget and cannot retry forever.
func (r *QueueRepo) ClaimBatch(ctx context.Context, workerID string, limit int) ([]domain.DeliveryTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE delivery_queue
		SET status = 'claimed', worker_id = $1, claimed_at = NOW(), attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM delivery_queue
			WHERE status = 'queued' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, content_id, subscriber_id, email, title, body,
		          attempts, max_attempts, next_attempt_at, created_at
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryTask
	for rows.Next() {
		var t domain.DeliveryTask
		if err := rows.Scan(
			&t.ID, &t.ContentID, &t.SubscriberID, &t.Email, &t.Title, &t.Body,
			&t.Attempts, &t.MaxAttempts, &t.NextAttemptAt, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkSent resolves a claimed task successfully.
func (r *QueueRepo) MarkSent(ctx context.Context, taskID uuid.UUID, messageID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = 'sent', message_id = $2, sent_at = NOW(), error_message = NULL
		WHERE id = $1 AND status = 'claimed'
	`, taskID, messageID)
	if err != nil {
		return fmt.Errorf("mark task sent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mark task sent: task %s not claimed", taskID)
	}
	return nil
}

// Retry returns a claimed task to the queue, due again after delay.
func (r *QueueRepo) Retry(ctx context.Context, taskID uuid.UUID, delay time.Duration, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = 'queued', worker_id = NULL, claimed_at = NULL,
		    error_message = $2,
		    next_attempt_at = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND status = 'claimed'
	`, taskID, errMsg, delay.Seconds())
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("retry task: task %s not claimed", taskID)
	}
	return nil
}

// DeadLetter terminally fails a claimed task. Dead-lettered rows are kept for
// inspection and are never picked up again.
func (r *QueueRepo) DeadLetter(ctx context.Context, taskID uuid.UUID, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = 'dead_letter', error_message = $2
		WHERE id = $1 AND status = 'claimed'
	`, taskID, errMsg)
	if err != nil {
		return fmt.Errorf("dead-letter task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("dead-letter task: task %s not claimed", taskID)
	}
	return nil
}

// Depth returns the number of live (queued or claimed) tasks.
func (r *QueueRepo) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_queue WHERE status IN ('queued', 'claimed')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ReclaimStale re-queues tasks whose claim is older than olderThan and that
// still have attempt budget. These are claims orphaned by crashed or
// timed-out workers.
func (r *QueueRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = 'queued', worker_id = NULL, claimed_at = NULL, next_attempt_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - make_interval(secs => $1)
		  AND attempts < max_attempts
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeadLetterExhausted dead-letters stale claimed tasks that are out of budget
// and returns them so the caller can record terminal outcomes.
func (r *QueueRepo) DeadLetterExhausted(ctx context.Context, olderThan time.Duration) ([]domain.DeliveryTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE delivery_queue
		SET status = 'dead_letter', error_message = 'attempt timed out; retries exhausted'
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - make_interval(secs => $1)
		  AND attempts >= max_attempts
		RETURNING id, content_id, subscriber_id, email, title, body,
		          attempts, max_attempts, next_attempt_at, created_at
	`, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("dead-letter exhausted tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryTask
	for rows.Next() {
		var t domain.DeliveryTask
		if err := rows.Scan(
			&t.ID, &t.ContentID, &t.SubscriberID, &t.Email, &t.Title, &t.Body,
			&t.Attempts, &t.MaxAttempts, &t.NextAttemptAt, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PurgeResolved deletes sent queue rows older than the retention window.
// Dead-lettered rows are kept; delivery_logs is the durable record either way.
func (r *QueueRepo) PurgeResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM delivery_queue
		WHERE status = 'sent' AND sent_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge resolved tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
