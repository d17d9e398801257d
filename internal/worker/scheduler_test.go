package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/render"
)

func newTestContent(topicID uuid.UUID, scheduledAt time.Time) domain.Content {
	return domain.Content{
		ID:          uuid.New(),
		TopicID:     topicID,
		Title:       "Weekly Digest",
		Body:        "<p>Hello</p>",
		ScheduledAt: scheduledAt,
		Status:      domain.ContentPending,
	}
}

func newTestSubscriber(email string) domain.Subscriber {
	return domain.Subscriber{ID: uuid.New(), Email: email, IsActive: true}
}

func TestSchedulerFanOut(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()
	topicID := uuid.New()

	c := newTestContent(topicID, time.Now().Add(-time.Minute))
	store.addContent(c)
	store.addSubscribers(topicID,
		newTestSubscriber("a@example.com"),
		newTestSubscriber("b@example.com"),
		newTestSubscriber("c@example.com"))

	s := NewScheduler(store, queue)
	s.processDueContent(context.Background())

	got := store.getContent(c.ID)
	if got.Status != domain.ContentProcessing {
		t.Errorf("expected status processing, got %s", got.Status)
	}
	if got.ExpectedDeliveries != 3 {
		t.Errorf("expected 3 expected deliveries, got %d", got.ExpectedDeliveries)
	}

	tasks := queue.tasksForContent(c.ID)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks enqueued, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.MaxAttempts != DefaultMaxAttempts {
			t.Errorf("expected max attempts %d, got %d", DefaultMaxAttempts, task.MaxAttempts)
		}
		if task.ContentID != c.ID {
			t.Errorf("task bound to wrong content: %s", task.ContentID)
		}
	}

	stats := s.Stats()
	if stats["content_claimed"] != 1 {
		t.Errorf("expected 1 content claimed, got %d", stats["content_claimed"])
	}
	if stats["tasks_enqueued"] != 3 {
		t.Errorf("expected 3 tasks enqueued, got %d", stats["tasks_enqueued"])
	}
}

func TestSchedulerInactiveSubscribersExcluded(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()
	topicID := uuid.New()

	c := newTestContent(topicID, time.Now().Add(-time.Second))
	store.addContent(c)

	inactive := newTestSubscriber("gone@example.com")
	inactive.IsActive = false
	store.addSubscribers(topicID, newTestSubscriber("here@example.com"), inactive)

	s := NewScheduler(store, queue)
	s.processDueContent(context.Background())

	tasks := queue.tasksForContent(c.ID)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Email != "here@example.com" {
		t.Errorf("expected task for active subscriber, got %s", tasks[0].Email)
	}
	if store.getContent(c.ID).ExpectedDeliveries != 1 {
		t.Errorf("expected deliveries should count active subscribers only")
	}
}

func TestSchedulerZeroRecipientsFinalizesImmediately(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()

	c := newTestContent(uuid.New(), time.Now().Add(-time.Second))
	store.addContent(c)

	s := NewScheduler(store, queue)
	s.processDueContent(context.Background())

	got := store.getContent(c.ID)
	if got.Status != domain.ContentSent || !got.IsSent {
		t.Errorf("expected content finalized as sent, got status=%s is_sent=%v", got.Status, got.IsSent)
	}
	if got.SentAt == nil {
		t.Error("expected sent_at to be stamped")
	}
	if len(queue.tasksForContent(c.ID)) != 0 {
		t.Error("expected no tasks for zero-recipient content")
	}
}

func TestSchedulerFutureContentNotPicked(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()
	topicID := uuid.New()

	c := newTestContent(topicID, time.Now().Add(time.Hour))
	store.addContent(c)
	store.addSubscribers(topicID, newTestSubscriber("a@example.com"))

	s := NewScheduler(store, queue)
	s.processDueContent(context.Background())

	if store.getContent(c.ID).Status != domain.ContentPending {
		t.Error("future content must stay pending")
	}
	if len(queue.tasksForContent(c.ID)) != 0 {
		t.Error("future content must not be enqueued")
	}
}

func TestSchedulerClaimConflictSkipped(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()
	topicID := uuid.New()

	c := newTestContent(topicID, time.Now().Add(-time.Second))
	c.Status = domain.ContentPending
	store.addContent(c)
	store.addSubscribers(topicID, newTestSubscriber("a@example.com"))

	// Another actor wins the claim between discovery and claim.
	store.mu.Lock()
	store.content[c.ID].Status = domain.ContentProcessing
	store.mu.Unlock()

	s := NewScheduler(store, queue)
	stale := c
	s.processContent(context.Background(), &stale, time.Now())

	if len(queue.tasksForContent(c.ID)) != 0 {
		t.Error("lost claim must not fan out")
	}
	if s.Stats()["errors"] != 0 {
		t.Error("claim conflict is not an error")
	}
}

func TestSchedulerDiscoveryErrorAbortsTick(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()
	store.findErr = errors.New("connection refused")

	c := newTestContent(uuid.New(), time.Now().Add(-time.Second))
	store.addContent(c)

	s := NewScheduler(store, queue)
	s.processDueContent(context.Background())

	if store.getContent(c.ID).Status != domain.ContentPending {
		t.Error("discovery error must leave content untouched")
	}
	if s.Stats()["errors"] != 1 {
		t.Errorf("expected 1 error counted, got %d", s.Stats()["errors"])
	}
}

func TestSchedulerEnqueueFailureDoesNotStopFanOut(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()
	queue.enqueueErr = errors.New("queue unavailable")
	topicID := uuid.New()

	c := newTestContent(topicID, time.Now().Add(-time.Second))
	store.addContent(c)
	store.addSubscribers(topicID, newTestSubscriber("a@example.com"), newTestSubscriber("b@example.com"))

	s := NewScheduler(store, queue)
	s.processDueContent(context.Background())

	// The claim stands and the snapshot is persisted even though every
	// enqueue failed.
	got := store.getContent(c.ID)
	if got.Status != domain.ContentProcessing {
		t.Errorf("expected status processing, got %s", got.Status)
	}
	if got.ExpectedDeliveries != 2 {
		t.Errorf("expected snapshot of 2, got %d", got.ExpectedDeliveries)
	}
	if s.Stats()["errors"] != 2 {
		t.Errorf("expected 2 errors counted, got %d", s.Stats()["errors"])
	}
}

func TestSchedulerSingleFlightTick(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()

	s := NewScheduler(store, queue)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	// Simulate a tick still in progress.
	s.tickActive.Store(true)
	s.tick()

	if s.Stats()["ticks_skipped"] != 1 {
		t.Errorf("expected overlapping tick to be skipped, got %d", s.Stats()["ticks_skipped"])
	}
}

func TestSchedulerRendererPersonalizesBody(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()
	topicID := uuid.New()

	c := newTestContent(topicID, time.Now().Add(-time.Second))
	c.Body = "Hi {{ email }}"
	store.addContent(c)
	store.addSubscribers(topicID, newTestSubscriber("a@example.com"))

	s := NewScheduler(store, queue)
	s.SetRenderer(render.NewRenderer())
	s.processDueContent(context.Background())

	tasks := queue.tasksForContent(c.ID)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Body != "Hi a@example.com" {
		t.Errorf("expected personalized body, got %q", tasks[0].Body)
	}
}

func TestSchedulerTicksWithFakeClock(t *testing.T) {
	store := newMemStore()
	queue := newMemQueue()
	topicID := uuid.New()

	c := newTestContent(topicID, time.Now().Add(-time.Minute))
	store.addContent(c)
	store.addSubscribers(topicID, newTestSubscriber("a@example.com"))

	fc := clockwork.NewFakeClockAt(time.Now())

	s := NewScheduler(store, queue)
	s.SetClock(fc)
	s.SetPollInterval(time.Minute)

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	// Wait for the loop to install its ticker, then fire one tick.
	fc.BlockUntil(1)
	fc.Advance(time.Minute)

	if !waitUntil(2*time.Second, func() bool {
		return len(queue.tasksForContent(c.ID)) == 1
	}) {
		t.Fatal("expected a tick to fan the content out")
	}
}

func TestSchedulerStartTwice(t *testing.T) {
	s := NewScheduler(newMemStore(), newMemQueue())
	if err := s.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(); err == nil {
		t.Error("second start should fail")
	}
}
