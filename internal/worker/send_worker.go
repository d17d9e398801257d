package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// =============================================================================
// SEND WORKER POOL
// =============================================================================
// A fixed pool of workers drains the task queue. Each worker, per task:
// acquire the shared send gate, attempt the send under a hard timeout,
// upsert the delivery log, and trigger completion evaluation. Failed
// attempts go back to the queue with exponential backoff until the budget
// runs out, then the task is dead-lettered with a terminal failed log row.

const (
	// DefaultNumWorkers is the pool size.
	DefaultNumWorkers = 10

	// DefaultClaimBatchSize is how many tasks one worker claims at a time.
	DefaultClaimBatchSize = 10

	// DefaultIdlePollInterval is how long a worker sleeps when the queue
	// is empty.
	DefaultIdlePollInterval = 500 * time.Millisecond

	// DefaultAttemptTimeout is the hard deadline for one send attempt.
	DefaultAttemptTimeout = 120 * time.Second

	// DefaultBackoffBase is the base delay of the exponential retry
	// backoff: 2s, 4s, 8s between attempts.
	DefaultBackoffBase = 2 * time.Second

	// maxBackoff caps the retry delay for generous retry budgets.
	maxBackoff = 5 * time.Minute

	// bookkeepingTimeout bounds the queue/log writes after an attempt so a
	// shutdown cannot strand an outcome that was already achieved.
	bookkeepingTimeout = 10 * time.Second
)

// SendWorkerPool manages the concurrent delivery workers.
type SendWorkerPool struct {
	store     ContentStore
	queue     TaskQueue
	mailer    Mailer
	gate      SendGate
	evaluator *CompletionEvaluator
	log       *logger.Logger

	workerID       string
	numWorkers     int
	claimBatchSize int
	idlePoll       time.Duration
	attemptTimeout time.Duration
	backoffBase    time.Duration

	fromName       string
	fromEmail      string
	defaultSubject string

	// Stats
	totalSent    int64
	totalFailed  int64
	totalRetried int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewSendWorkerPool creates a pool. All collaborators are injected; tests
// substitute fakes for every one of them.
func NewSendWorkerPool(store ContentStore, queue TaskQueue, mailer Mailer, gate SendGate, evaluator *CompletionEvaluator, numWorkers int) *SendWorkerPool {
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}
	return &SendWorkerPool{
		store:          store,
		queue:          queue,
		mailer:         mailer,
		gate:           gate,
		evaluator:      evaluator,
		log:            logger.Component("send_worker"),
		workerID:       fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		numWorkers:     numWorkers,
		claimBatchSize: DefaultClaimBatchSize,
		idlePoll:       DefaultIdlePollInterval,
		attemptTimeout: DefaultAttemptTimeout,
		backoffBase:    DefaultBackoffBase,
	}
}

// SetSendIdentity configures the From header and the subject used when a
// content item has no title.
func (p *SendWorkerPool) SetSendIdentity(fromName, fromEmail, defaultSubject string) {
	p.fromName = fromName
	p.fromEmail = fromEmail
	p.defaultSubject = defaultSubject
}

// SetAttemptTimeout overrides the per-attempt hard deadline.
func (p *SendWorkerPool) SetAttemptTimeout(d time.Duration) {
	if d > 0 {
		p.attemptTimeout = d
	}
}

// SetBackoffBase overrides the exponential backoff base delay.
func (p *SendWorkerPool) SetBackoffBase(d time.Duration) {
	if d > 0 {
		p.backoffBase = d
	}
}

// SetClaimBatchSize overrides how many tasks one worker claims at a time.
func (p *SendWorkerPool) SetClaimBatchSize(n int) {
	if n > 0 {
		p.claimBatchSize = n
	}
}

// SetIdlePollInterval overrides the empty-queue sleep.
func (p *SendWorkerPool) SetIdlePollInterval(d time.Duration) {
	if d > 0 {
		p.idlePoll = d
	}
}

// Start launches the workers.
func (p *SendWorkerPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.log.Info("starting", "workers", p.numWorkers, "claim_batch_size", p.claimBatchSize)

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops claiming new tasks and waits for in-flight attempts to complete
// or hit the attempt timeout. Tasks still in the queue survive restart.
func (p *SendWorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("stopped",
		"total_sent", atomic.LoadInt64(&p.totalSent),
		"total_failed", atomic.LoadInt64(&p.totalFailed),
		"total_retried", atomic.LoadInt64(&p.totalRetried))
}

// Stats returns current counters for the ops surface.
func (p *SendWorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":    atomic.LoadInt64(&p.totalSent),
		"total_failed":  atomic.LoadInt64(&p.totalFailed),
		"total_retried": atomic.LoadInt64(&p.totalRetried),
	}
}

// worker is the main claim-and-process loop.
func (p *SendWorkerPool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		tasks, err := p.queue.ClaimBatch(p.ctx, p.workerID, p.claimBatchSize)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.log.Error("claim batch failed", "worker", workerNum, "error", err)
			p.sleep(time.Second)
			continue
		}

		if len(tasks) == 0 {
			p.sleep(p.idlePoll)
			continue
		}

		for i := range tasks {
			p.processTask(&tasks[i])
		}
	}
}

func (p *SendWorkerPool) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
	case <-timer.C:
	}
}

// processTask performs one delivery attempt for a claimed task.
func (p *SendWorkerPool) processTask(task *domain.DeliveryTask) {
	// The gate may suspend this worker; other workers keep draining.
	if err := p.gate.Wait(p.ctx); err != nil {
		// Shutting down before the attempt started. The claim goes stale
		// and queue recovery re-queues it without losing the outcome.
		return
	}

	subject := task.Title
	if subject == "" {
		subject = p.defaultSubject
	}

	msg := &EmailMessage{
		ContentID:    task.ContentID,
		SubscriberID: task.SubscriberID,
		Email:        task.Email,
		FromName:     p.fromName,
		FromEmail:    p.fromEmail,
		Subject:      subject,
		Body:         task.Body,
	}

	// The attempt runs on its own context: shutdown lets in-flight sends
	// finish (or hit the timeout) rather than aborting them mid-wire.
	attemptCtx, cancel := context.WithTimeout(context.Background(), p.attemptTimeout)
	result, err := p.mailer.Send(attemptCtx, msg)
	cancel()

	if err == nil && result != nil && result.Success {
		p.handleSent(task, result)
		return
	}

	errMsg := "send failed"
	switch {
	case err != nil:
		errMsg = err.Error()
	case result != nil && result.Error != nil:
		errMsg = result.Error.Error()
	}
	p.handleFailed(task, errMsg)
}

// handleSent records a successful delivery.
func (p *SendWorkerPool) handleSent(task *domain.DeliveryTask, result *SendResult) {
	atomic.AddInt64(&p.totalSent, 1)

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	if err := p.queue.MarkSent(ctx, task.ID, result.MessageID); err != nil {
		p.log.Error("marking task sent failed", "task_id", task.ID, "error", err)
	}

	now := time.Now()
	entry := domain.DeliveryLog{
		ContentID:    task.ContentID,
		SubscriberID: task.SubscriberID,
		Status:       domain.DeliverySent,
		MessageID:    result.MessageID,
		SentAt:       &now,
	}
	// A log write failure must not fail the send outcome already achieved;
	// the upsert is idempotent, so a repeat on redelivery is harmless.
	if err := p.store.UpsertDeliveryLog(ctx, entry); err != nil {
		p.log.Error("delivery log upsert failed", "task_id", task.ID, "error", err)
	}

	p.log.Info("delivered", "content_id", task.ContentID, "subscriber_email", task.Email,
		"message_id", result.MessageID, "attempt", task.Attempts)

	p.evaluator.Evaluate(ctx, task.ContentID)
}

// handleFailed retries a failed attempt or, when the budget is exhausted,
// dead-letters the task and records the terminal failure.
func (p *SendWorkerPool) handleFailed(task *domain.DeliveryTask, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	if !task.FinalAttempt() {
		atomic.AddInt64(&p.totalRetried, 1)

		// Interim, non-terminal record of the latest error. Must never be
		// mistaken for a terminal outcome.
		interim := domain.DeliveryLog{
			ContentID:    task.ContentID,
			SubscriberID: task.SubscriberID,
			Status:       domain.DeliveryPending,
			ErrorMessage: errMsg,
		}
		if err := p.store.UpsertDeliveryLog(ctx, interim); err != nil {
			p.log.Error("interim delivery log upsert failed", "task_id", task.ID, "error", err)
		}

		delay := backoffDelay(p.backoffBase, task.Attempts)
		if err := p.queue.Retry(ctx, task.ID, delay, errMsg); err != nil {
			p.log.Error("re-queueing task failed", "task_id", task.ID, "error", err)
			return
		}
		p.log.Warn("attempt failed, retrying", "content_id", task.ContentID,
			"subscriber_email", task.Email, "attempt", task.Attempts,
			"max_attempts", task.MaxAttempts, "delay", delay, "error", errMsg)
		return
	}

	atomic.AddInt64(&p.totalFailed, 1)

	if err := p.queue.DeadLetter(ctx, task.ID, errMsg); err != nil {
		p.log.Error("dead-lettering task failed", "task_id", task.ID, "error", err)
	}

	now := time.Now()
	terminal := domain.DeliveryLog{
		ContentID:    task.ContentID,
		SubscriberID: task.SubscriberID,
		Status:       domain.DeliveryFailed,
		ErrorMessage: errMsg,
		SentAt:       &now,
	}
	if err := p.store.UpsertDeliveryLog(ctx, terminal); err != nil {
		p.log.Error("terminal delivery log upsert failed", "task_id", task.ID, "error", err)
	}

	p.log.Error("retries exhausted", "content_id", task.ContentID,
		"subscriber_email", task.Email, "attempts", task.Attempts, "error", errMsg)

	p.evaluator.Evaluate(ctx, task.ContentID)
}

// backoffDelay returns the delay before the next attempt after the given
// (1-based) failed attempt: base, 2*base, 4*base, ...
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
