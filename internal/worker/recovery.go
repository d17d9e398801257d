package worker

import (
	"context"
	"time"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// =============================================================================
// QUEUE RECOVERY
// =============================================================================
// Workers can die mid-attempt, leaving tasks stuck in claimed. The recovery
// worker periodically sweeps claims older than the attempt timeout: tasks
// with budget left go back to queued, exhausted ones are dead-lettered with
// a terminal failed log row so completion can still resolve the content.

const (
	// DefaultRecoveryInterval is how often the sweep runs.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how old a claim must be before it counts as stale.
	// Must exceed the send attempt timeout or the sweep would steal live work.
	DefaultStaleAge = 3 * time.Minute

	// DefaultSentRetention is how long resolved sent rows stay in the queue
	// table before being purged. delivery_logs is the durable record.
	DefaultSentRetention = 24 * time.Hour
)

// QueueRecoveryWorker sweeps stale claimed tasks back into circulation.
type QueueRecoveryWorker struct {
	queue     TaskQueue
	store     ContentStore
	evaluator *CompletionEvaluator
	log       *logger.Logger

	interval      time.Duration
	staleAge      time.Duration
	sentRetention time.Duration
}

// NewQueueRecoveryWorker creates a recovery worker with default tuning.
func NewQueueRecoveryWorker(queue TaskQueue, store ContentStore, evaluator *CompletionEvaluator) *QueueRecoveryWorker {
	return &QueueRecoveryWorker{
		queue:     queue,
		store:     store,
		evaluator: evaluator,
		log:       logger.Component("queue_recovery"),

		interval:      DefaultRecoveryInterval,
		staleAge:      DefaultStaleAge,
		sentRetention: DefaultSentRetention,
	}
}

// SetInterval overrides the sweep period.
func (w *QueueRecoveryWorker) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// SetStaleAge overrides the stale-claim threshold.
func (w *QueueRecoveryWorker) SetStaleAge(d time.Duration) {
	if d > 0 {
		w.staleAge = d
	}
}

// SetSentRetention overrides how long sent queue rows are kept.
func (w *QueueRecoveryWorker) SetSentRetention(d time.Duration) {
	if d > 0 {
		w.sentRetention = d
	}
}

// Start runs the sweep loop until ctx is cancelled. Blocking; run it in a
// goroutine.
func (w *QueueRecoveryWorker) Start(ctx context.Context) {
	w.log.Info("starting", "interval", w.interval, "stale_age", w.staleAge)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass.
func (w *QueueRecoveryWorker) sweep(ctx context.Context) {
	requeued, err := w.queue.ReclaimStale(ctx, w.staleAge)
	if err != nil {
		w.log.Error("reclaiming stale tasks failed", "error", err)
	} else if requeued > 0 {
		w.log.Warn("re-queued stale claimed tasks", "count", requeued)
	}

	exhausted, err := w.queue.DeadLetterExhausted(ctx, w.staleAge)
	if err != nil {
		w.log.Error("dead-lettering exhausted tasks failed", "error", err)
	} else if len(exhausted) > 0 {
		w.log.Warn("dead-lettered exhausted stale tasks", "count", len(exhausted))
		// Each dead-lettered task still owes the content a terminal outcome.
		for i := range exhausted {
			w.recordExhausted(ctx, &exhausted[i])
		}
	}

	purged, err := w.queue.PurgeResolved(ctx, w.sentRetention)
	if err != nil {
		w.log.Error("purging resolved tasks failed", "error", err)
	} else if purged > 0 {
		w.log.Info("purged resolved queue rows", "count", purged)
	}
}

func (w *QueueRecoveryWorker) recordExhausted(ctx context.Context, task *domain.DeliveryTask) {
	now := time.Now()
	entry := domain.DeliveryLog{
		ContentID:    task.ContentID,
		SubscriberID: task.SubscriberID,
		Status:       domain.DeliveryFailed,
		ErrorMessage: "attempt timed out; retries exhausted",
		SentAt:       &now,
	}
	if err := w.store.UpsertDeliveryLog(ctx, entry); err != nil {
		w.log.Error("terminal delivery log upsert failed", "task_id", task.ID, "error", err)
		return
	}
	w.evaluator.Evaluate(ctx, task.ContentID)
}
