package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/domain"
)

// In-memory doubles for the engine's storage and transport dependencies.
// They implement the same conditional-transition semantics as the Postgres
// repositories so the workers can be exercised without a database.

type logKey struct {
	contentID    uuid.UUID
	subscriberID uuid.UUID
}

type memStore struct {
	mu       sync.Mutex
	content  map[uuid.UUID]*domain.Content
	subs     map[uuid.UUID][]domain.Subscriber
	logs     map[logKey]domain.DeliveryLog
	expected map[uuid.UUID]int

	findErr   error
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{
		content:  make(map[uuid.UUID]*domain.Content),
		subs:     make(map[uuid.UUID][]domain.Subscriber),
		logs:     make(map[logKey]domain.DeliveryLog),
		expected: make(map[uuid.UUID]int),
	}
}

func (m *memStore) addContent(c domain.Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := c
	m.content[c.ID] = &cc
}

func (m *memStore) addSubscribers(topicID uuid.UUID, subs ...domain.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topicID] = append(m.subs[topicID], subs...)
}

func (m *memStore) getContent(id uuid.UUID) domain.Content {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.content[id]
}

func (m *memStore) getLog(contentID, subscriberID uuid.UUID) (domain.DeliveryLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[logKey{contentID, subscriberID}]
	return l, ok
}

func (m *memStore) FindDueContent(ctx context.Context, now time.Time, limit int) ([]domain.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var due []domain.Content
	for _, c := range m.content {
		if c.Status == domain.ContentPending && !c.ScheduledAt.After(now) {
			due = append(due, *c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID.String() < due[j].ID.String()
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) ClaimForProcessing(ctx context.Context, contentID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.content[contentID]
	if !ok || c.Status != domain.ContentPending {
		return false, nil
	}
	c.Status = domain.ContentProcessing
	return true, nil
}

func (m *memStore) SetExpectedDeliveries(ctx context.Context, contentID uuid.UUID, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected[contentID] = expected
	if c, ok := m.content[contentID]; ok {
		c.ExpectedDeliveries = expected
	}
	return nil
}

func (m *memStore) FinalizeAsSent(ctx context.Context, contentID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.content[contentID]
	if !ok || c.Status != domain.ContentProcessing {
		return false, nil
	}
	now := time.Now()
	c.Status = domain.ContentSent
	c.IsSent = true
	c.SentAt = &now
	return true, nil
}

func (m *memStore) ActiveSubscribersForTopic(ctx context.Context, topicID uuid.UUID) ([]domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []domain.Subscriber
	for _, s := range m.subs[topicID] {
		if s.IsActive {
			active = append(active, s)
		}
	}
	return active, nil
}

func (m *memStore) UpsertDeliveryLog(ctx context.Context, entry domain.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	key := logKey{entry.ContentID, entry.SubscriberID}
	if existing, ok := m.logs[key]; ok && existing.Status.Terminal() {
		return nil
	}
	m.logs[key] = entry
	return nil
}

func (m *memStore) CountResolvedDeliveries(ctx context.Context, contentID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, l := range m.logs {
		if k.contentID == contentID && l.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountExpectedDeliveries(ctx context.Context, contentID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expected[contentID], nil
}

type queuedTask struct {
	task      domain.DeliveryTask
	status    domain.TaskStatus
	claimedAt time.Time
	workerID  string
	lastError string
}

type memQueue struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*queuedTask
	pairs map[logKey]bool

	enqueueErr error

	// retryDelays records the delay passed to each Retry call, in order.
	retryDelays []time.Duration
}

func newMemQueue() *memQueue {
	return &memQueue{
		tasks: make(map[uuid.UUID]*queuedTask),
		pairs: make(map[logKey]bool),
	}
}

func (q *memQueue) taskStatus(id uuid.UUID) domain.TaskStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id].status
}

func (q *memQueue) tasksForContent(contentID uuid.UUID) []domain.DeliveryTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.DeliveryTask
	for _, t := range q.tasks {
		if t.task.ContentID == contentID {
			out = append(out, t.task)
		}
	}
	return out
}

func (q *memQueue) Enqueue(ctx context.Context, task *domain.DeliveryTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	pair := logKey{task.ContentID, task.SubscriberID}
	if q.pairs[pair] {
		return nil
	}
	q.pairs[pair] = true
	t := *task
	t.CreatedAt = time.Now()
	q.tasks[t.ID] = &queuedTask{task: t, status: domain.TaskQueued}
	return nil
}

func (q *memQueue) ClaimBatch(ctx context.Context, workerID string, limit int) ([]domain.DeliveryTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var ids []uuid.UUID
	for id, t := range q.tasks {
		if t.status == domain.TaskQueued && !t.task.NextAttemptAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return q.tasks[ids[i]].task.NextAttemptAt.Before(q.tasks[ids[j]].task.NextAttemptAt)
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	var claimed []domain.DeliveryTask
	for _, id := range ids {
		t := q.tasks[id]
		t.status = domain.TaskClaimed
		t.claimedAt = now
		t.workerID = workerID
		t.task.Attempts++
		claimed = append(claimed, t.task)
	}
	return claimed, nil
}

func (q *memQueue) MarkSent(ctx context.Context, taskID uuid.UUID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.status != domain.TaskClaimed {
		return errors.New("task not claimed")
	}
	t.status = domain.TaskSent
	return nil
}

func (q *memQueue) Retry(ctx context.Context, taskID uuid.UUID, delay time.Duration, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.status != domain.TaskClaimed {
		return errors.New("task not claimed")
	}
	t.status = domain.TaskQueued
	t.task.NextAttemptAt = time.Now().Add(delay)
	t.lastError = errMsg
	t.workerID = ""
	q.retryDelays = append(q.retryDelays, delay)
	return nil
}

func (q *memQueue) DeadLetter(ctx context.Context, taskID uuid.UUID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.status != domain.TaskClaimed {
		return errors.New("task not claimed")
	}
	t.status = domain.TaskDeadLetter
	t.lastError = errMsg
	return nil
}

func (q *memQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, t := range q.tasks {
		if t.status == domain.TaskQueued || t.status == domain.TaskClaimed {
			n++
		}
	}
	return n, nil
}

func (q *memQueue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, t := range q.tasks {
		if t.status == domain.TaskClaimed && t.claimedAt.Before(cutoff) && t.task.Attempts < t.task.MaxAttempts {
			t.status = domain.TaskQueued
			t.task.NextAttemptAt = time.Now()
			t.workerID = ""
			n++
		}
	}
	return n, nil
}

func (q *memQueue) PurgeResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for id, t := range q.tasks {
		if t.status == domain.TaskSent && t.task.CreatedAt.Before(cutoff) {
			delete(q.tasks, id)
			n++
		}
	}
	return n, nil
}

func (q *memQueue) DeadLetterExhausted(ctx context.Context, olderThan time.Duration) ([]domain.DeliveryTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []domain.DeliveryTask
	for _, t := range q.tasks {
		if t.status == domain.TaskClaimed && t.claimedAt.Before(cutoff) && t.task.Attempts >= t.task.MaxAttempts {
			t.status = domain.TaskDeadLetter
			out = append(out, t.task)
		}
	}
	return out, nil
}

// fakeMailer returns a scripted outcome per Send and records every message.
type fakeMailer struct {
	mu       sync.Mutex
	sent     []EmailMessage
	failWith error

	// failEmails always fail for these recipients.
	failEmails map[string]bool

	// failFirst fails this many sends before succeeding.
	failFirst int
}

func (f *fakeMailer) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *msg)
	if f.failWith != nil {
		return &SendResult{Success: false, Error: f.failWith}, nil
	}
	if f.failEmails[msg.Email] {
		return &SendResult{Success: false, Error: errors.New("mailbox unavailable")}, nil
	}
	if f.failFirst > 0 {
		f.failFirst--
		return &SendResult{Success: false, Error: errors.New("transient send error")}, nil
	}
	return &SendResult{Success: true, MessageID: "msg-" + uuid.New().String()[:8], SentAt: time.Now()}, nil
}

func (f *fakeMailer) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeMailer) lastMessage() EmailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// openGate admits every send immediately.
type openGate struct{}

func (openGate) Wait(ctx context.Context) error { return ctx.Err() }

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
