package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/render"
)

// =============================================================================
// SCHEDULER
// =============================================================================
// The scheduler polls for content whose scheduled time has arrived, claims
// each item with a conditional pending→processing update, snapshots the
// topic's active subscribers, and fans the item out into the task queue —
// one delivery task per subscriber. Content with no active subscribers is
// vacuously complete and finalized on the spot.
//
// Ticks are single-flight: a tick that fires while the previous discovery
// pass is still running is skipped and logged, never run concurrently.

const (
	// DefaultPollInterval is how often the scheduler looks for due content.
	DefaultPollInterval = 60 * time.Second

	// DefaultBatchSize caps how many due items one tick picks up.
	DefaultBatchSize = 10

	// DefaultMaxAttempts is the per-task attempt budget: one initial
	// attempt plus three retries.
	DefaultMaxAttempts = 4

	// tickTimeout bounds one full discovery + fan-out pass.
	tickTimeout = 60 * time.Second
)

// Scheduler discovers due content and fans it out into the task queue.
type Scheduler struct {
	store    ContentStore
	queue    TaskQueue
	renderer *render.Renderer
	clock    clockwork.Clock
	log      *logger.Logger

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int

	// tickActive guards single-flight tick execution.
	tickActive atomic.Bool

	// Stats
	contentClaimed int64
	contentDone    int64
	tasksEnqueued  int64
	ticksSkipped   int64
	errors         int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewScheduler creates a scheduler with default tuning. The store and queue
// are injected so tests can substitute in-memory doubles.
func NewScheduler(store ContentStore, queue TaskQueue) *Scheduler {
	return &Scheduler{
		store:        store,
		queue:        queue,
		clock:        clockwork.NewRealClock(),
		log:          logger.Component("scheduler"),
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		maxAttempts:  DefaultMaxAttempts,
	}
}

// SetPollInterval overrides the tick period.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// SetBatchSize overrides how many due items one tick picks up.
func (s *Scheduler) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// SetMaxAttempts overrides the per-task attempt budget.
func (s *Scheduler) SetMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// SetRenderer enables per-subscriber body personalization at fan-out time.
func (s *Scheduler) SetRenderer(r *render.Renderer) { s.renderer = r }

// SetClock injects a clock; tests use clockwork fake clocks to drive ticks.
func (s *Scheduler) SetClock(c clockwork.Clock) { s.clock = c }

// Start begins the polling loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.log.Info("starting", "poll_interval", s.pollInterval, "batch_size", s.batchSize)

	s.wg.Add(1)
	go s.schedulerLoop()

	return nil
}

// Stop stops the polling loop. In-flight fan-out finishes or hits the tick
// timeout; claimed-but-unenqueued content is picked up by a later tick only
// through external re-drive, per the best-effort enqueue contract.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info("stopped",
		"content_claimed", atomic.LoadInt64(&s.contentClaimed),
		"tasks_enqueued", atomic.LoadInt64(&s.tasksEnqueued))
}

// Stats returns current counters for the ops surface.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"content_claimed":  atomic.LoadInt64(&s.contentClaimed),
		"content_finished": atomic.LoadInt64(&s.contentDone),
		"tasks_enqueued":   atomic.LoadInt64(&s.tasksEnqueued),
		"ticks_skipped":    atomic.LoadInt64(&s.ticksSkipped),
		"errors":           atomic.LoadInt64(&s.errors),
	}
}

func (s *Scheduler) schedulerLoop() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			go s.tick()
		}
	}
}

// tick runs one discovery pass unless the previous one is still going.
func (s *Scheduler) tick() {
	if !s.tickActive.CompareAndSwap(false, true) {
		atomic.AddInt64(&s.ticksSkipped, 1)
		s.log.Warn("tick skipped, previous discovery pass still running")
		return
	}
	defer s.tickActive.Store(false)

	ctx, cancel := context.WithTimeout(s.ctx, tickTimeout)
	defer cancel()
	s.processDueContent(ctx)
}

// processDueContent finds content whose time has arrived and fans it out.
// A discovery error aborts the whole tick; each item's claim is independently
// conditional, so no partial-batch bookkeeping is needed.
func (s *Scheduler) processDueContent(ctx context.Context) {
	now := s.clock.Now()

	due, err := s.store.FindDueContent(ctx, now, s.batchSize)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		s.log.Error("discovery query failed, aborting tick", "error", err)
		return
	}

	if len(due) == 0 {
		s.log.Debug("tick, nothing due")
		return
	}
	s.log.Info("tick", "due", len(due))

	for i := range due {
		s.processContent(ctx, &due[i], now)
	}
}

// processContent claims one content item and fans it out.
func (s *Scheduler) processContent(ctx context.Context, c *domain.Content, now time.Time) {
	claimed, err := s.store.ClaimForProcessing(ctx, c.ID)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		s.log.Error("claim failed", "content_id", c.ID, "error", err)
		return
	}
	if !claimed {
		// Another actor owns it already. Expected, not an error.
		s.log.Debug("claim conflict, content already owned", "content_id", c.ID)
		return
	}
	atomic.AddInt64(&s.contentClaimed, 1)

	subscribers, err := s.store.ActiveSubscribersForTopic(ctx, c.TopicID)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		s.log.Error("subscriber snapshot failed", "content_id", c.ID, "error", err)
		return
	}

	// Zero recipients: vacuously complete, bypass the queue entirely.
	if len(subscribers) == 0 {
		finalized, err := s.store.FinalizeAsSent(ctx, c.ID)
		if err != nil {
			atomic.AddInt64(&s.errors, 1)
			s.log.Error("zero-recipient finalize failed", "content_id", c.ID, "error", err)
			return
		}
		if finalized {
			atomic.AddInt64(&s.contentDone, 1)
			s.log.Info("content finalized with zero recipients", "content_id", c.ID)
		}
		return
	}

	// Persist the snapshot count first: completion compares against it, and
	// without it a finished fan-out could never be detected.
	if err := s.store.SetExpectedDeliveries(ctx, c.ID, len(subscribers)); err != nil {
		atomic.AddInt64(&s.errors, 1)
		s.log.Error("persisting expected delivery count failed", "content_id", c.ID, "error", err)
		return
	}

	enqueued := 0
	for _, sub := range subscribers {
		body := c.Body
		if s.renderer != nil {
			body = s.renderer.Render(c.Body, render.Bindings{
				Email:   sub.Email,
				Title:   c.Title,
				TopicID: c.TopicID.String(),
			})
		}

		task := &domain.DeliveryTask{
			ID:            uuid.New(),
			ContentID:     c.ID,
			SubscriberID:  sub.ID,
			Email:         sub.Email,
			Title:         c.Title,
			Body:          body,
			MaxAttempts:   s.maxAttempts,
			NextAttemptAt: now,
		}

		// Best effort: an enqueue failure for one subscriber must not roll
		// back the claim or stop the rest of the fan-out.
		if err := s.queue.Enqueue(ctx, task); err != nil {
			atomic.AddInt64(&s.errors, 1)
			s.log.Error("enqueue failed", "content_id", c.ID, "subscriber_email", sub.Email, "error", err)
			continue
		}
		enqueued++
	}

	atomic.AddInt64(&s.tasksEnqueued, int64(enqueued))
	s.log.Info("content fanned out", "content_id", c.ID, "expected", len(subscribers), "enqueued", enqueued)
}
