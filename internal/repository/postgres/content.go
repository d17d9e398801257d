// Package postgres implements the engine's storage interfaces against
// PostgreSQL. Conditional state transitions use guarded UPDATEs and report
// the outcome through RowsAffected; queue claiming uses FOR UPDATE SKIP
// LOCKED so concurrent workers never hand out the same row twice.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// ContentRepo implements worker.ContentStore against PostgreSQL.
type ContentRepo struct{ db *sql.DB }

// NewContentRepo creates a Postgres-backed content repository.
func NewContentRepo(db *sql.DB) *ContentRepo { return &ContentRepo{db: db} }

// FindDueContent returns pending content whose scheduled time has arrived,
// oldest-due first. The id tiebreak keeps the order stable across ticks.
func (r *ContentRepo) FindDueContent(ctx context.Context, now time.Time, limit int) ([]domain.Content, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, topic_id, title, body, scheduled_at, status, is_sent, sent_at,
		       expected_deliveries, created_at, updated_at
		FROM contents
		WHERE status = 'pending' AND is_sent = FALSE AND scheduled_at <= $1
		ORDER BY scheduled_at ASC, id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due content: %w", err)
	}
	defer rows.Close()

	var out []domain.Content
	for rows.Next() {
		var c domain.Content
		if err := rows.Scan(
			&c.ID, &c.TopicID, &c.Title, &c.Body, &c.ScheduledAt, &c.Status,
			&c.IsSent, &c.SentAt, &c.ExpectedDeliveries, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimForProcessing transitions pending → processing. The status guard makes
// the claim exclusive: zero rows affected means another actor got there first.
func (r *ContentRepo) ClaimForProcessing(ctx context.Context, contentID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contents
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, contentID)
	if err != nil {
		return false, fmt.Errorf("claim content: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetExpectedDeliveries persists the subscriber snapshot count taken at
// fan-out time.
func (r *ContentRepo) SetExpectedDeliveries(ctx context.Context, contentID uuid.UUID, expected int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE contents
		SET expected_deliveries = $2, updated_at = NOW()
		WHERE id = $1
	`, contentID, expected)
	if err != nil {
		return fmt.Errorf("set expected deliveries: %w", err)
	}
	return nil
}

// FinalizeAsSent transitions processing → sent. The status guard makes
// concurrent finalizations race safely: exactly one wins.
func (r *ContentRepo) FinalizeAsSent(ctx context.Context, contentID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contents
		SET status = 'sent', is_sent = TRUE, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, contentID)
	if err != nil {
		return false, fmt.Errorf("finalize content: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ActiveSubscribersForTopic snapshots the active subscribers of a topic.
func (r *ContentRepo) ActiveSubscribersForTopic(ctx context.Context, topicID uuid.UUID) ([]domain.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.email, s.is_active, s.created_at
		FROM subscribers s
		JOIN subscriptions sub ON sub.subscriber_id = s.id
		WHERE sub.topic_id = $1 AND s.is_active = TRUE
		ORDER BY s.id ASC
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("active subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		var s domain.Subscriber
		if err := rows.Scan(&s.ID, &s.Email, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertDeliveryLog records a delivery outcome, idempotent on
// (content_id, subscriber_id). The WHERE guard on the conflict branch keeps
// terminal rows immutable: a late retry can never overwrite a sent or failed
// outcome.
func (r *ContentRepo) UpsertDeliveryLog(ctx context.Context, entry domain.DeliveryLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (content_id, subscriber_id, status, message_id, error_message, sent_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (content_id, subscriber_id) DO UPDATE
		SET status = EXCLUDED.status,
		    message_id = EXCLUDED.message_id,
		    error_message = EXCLUDED.error_message,
		    sent_at = EXCLUDED.sent_at,
		    updated_at = NOW()
		WHERE delivery_logs.status = 'pending'
	`, entry.ContentID, entry.SubscriberID, entry.Status, entry.MessageID, entry.ErrorMessage, entry.SentAt)
	if err != nil {
		return fmt.Errorf("upsert delivery log: %w", err)
	}
	return nil
}

// CountResolvedDeliveries counts terminal log rows for a content item.
func (r *ContentRepo) CountResolvedDeliveries(ctx context.Context, contentID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_logs
		WHERE content_id = $1 AND status IN ('sent', 'failed')
	`, contentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count resolved deliveries: %w", err)
	}
	return n, nil
}

// CountExpectedDeliveries returns the persisted fan-out snapshot count.
func (r *ContentRepo) CountExpectedDeliveries(ctx context.Context, contentID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT expected_deliveries FROM contents WHERE id = $1
	`, contentID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count expected deliveries: %w", err)
	}
	return n, nil
}
