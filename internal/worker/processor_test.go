package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"giftrelay/internal/channel"
	"giftrelay/internal/domain"
	"giftrelay/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.DeliveryTask
	seq   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*domain.DeliveryTask)}
}

func (f *fakeStore) add(t domain.DeliveryTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := t
	f.tasks[t.ID] = &cp
}

func (f *fakeStore) get(id string) domain.DeliveryTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[id]
}

func (f *fakeStore) ClaimPendingTasks(_ context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DeliveryTask
	var ids []string
	for id, t := range f.tasks {
		if t.Status == domain.StatusPending && !t.NextAttemptAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return f.tasks[ids[i]].CreatedAt.Before(f.tasks[ids[j]].CreatedAt)
	})
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		t := f.tasks[id]
		t.Status = domain.StatusProcessing
		t.UpdatedAt = now
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeStore) MarkTaskSent(_ context.Context, taskID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	if t.Status != domain.StatusProcessing {
		return nil
	}
	t.Status = domain.StatusSent
	t.SentAt = &now
	return nil
}

func (f *fakeStore) MarkTaskFailed(_ context.Context, taskID, reason string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	if t.Status != domain.StatusProcessing {
		return nil
	}
	t.Status = domain.StatusFailed
	t.RetryCount++
	t.LastError = reason
	return nil
}

func (f *fakeStore) ScheduleTaskRetry(_ context.Context, taskID, reason string, nextAttempt, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	if t.Status != domain.StatusProcessing {
		return nil
	}
	t.Status = domain.StatusPending
	t.RetryCount++
	t.LastError = reason
	t.NextAttemptAt = nextAttempt
	return nil
}

func (f *fakeStore) ReleaseTask(_ context.Context, taskID string, nextAttempt, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.Status = domain.StatusPending
	t.NextAttemptAt = nextAttempt
	return nil
}

func (f *fakeStore) EnqueueTask(_ context.Context, in store.TaskInsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.tasks[in.ID] = &domain.DeliveryTask{
		ID:               in.ID,
		OrderID:          in.OrderID,
		UserID:           in.UserID,
		Kind:             in.Kind,
		Payload:          in.Payload,
		Status:           domain.StatusPending,
		MaxRetries:       in.MaxRetries,
		NextAttemptAt:    in.Now,
		IsGeneralMessage: in.IsGeneralMessage,
		CreatedAt:        in.Now,
	}
	return nil
}

func (f *fakeStore) countByUser(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t.UserID == userID {
			n++
		}
	}
	return n
}

// fakeChannel counts sends per task-correlated text and returns the
// scripted error sequence for each call.
type fakeChannel struct {
	mu    sync.Mutex
	sends map[int64]int
	errs  []error
	calls int
}

func newFakeChannel(errs ...error) *fakeChannel {
	return &fakeChannel{sends: make(map[int64]int), errs: errs}
}

func (f *fakeChannel) next(userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return f.errs[i]
	}
	f.sends[userID]++
	return nil
}

func (f *fakeChannel) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeChannel) SendText(_ context.Context, userID int64, _ string, _ []channel.Button) error {
	return f.next(userID)
}

func (f *fakeChannel) SendFile(_ context.Context, userID int64, _, _, _ string, _ []channel.Button) error {
	return f.next(userID)
}

func (f *fakeChannel) SendMulti(_ context.Context, userID int64, _ []string, _ string, _ []channel.Button) error {
	return f.next(userID)
}

func newProcessor(fs *fakeStore, fc *fakeChannel, now func() time.Time) *Processor {
	n := 0
	return &Processor{
		Store:       fs,
		Channel:     fc,
		BackoffBase: time.Minute,
		BackoffCap:  30 * time.Minute,
		MaxRetries:  5,
		AdminChatID: 999,
		IDGen: func() string {
			n++
			return fmt.Sprintf("task_admin_%d", n)
		},
		Now: now,
	}
}

func pendingTask(id string, retries, maxRetries int, kind domain.TaskKind, created time.Time) domain.DeliveryTask {
	return domain.DeliveryTask{
		ID:            id,
		OrderID:       1,
		UserID:        100,
		Kind:          kind,
		Payload:       domain.TaskPayload{Text: "hi", Path: "/tmp/f.pdf", Paths: []string{"/tmp/a.jpg"}},
		Status:        domain.StatusPending,
		RetryCount:    retries,
		MaxRetries:    maxRetries,
		NextAttemptAt: created,
		CreatedAt:     created,
	}
}

func TestProcess_BlockedFailsWithoutRetry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fc := newFakeChannel(&channel.Error{Code: channel.CodeBlocked})
	p := newProcessor(fs, fc, func() time.Time { return base })
	p.AdminChatID = 0

	fs.add(pendingTask("t1", 0, 5, domain.KindFile, base))
	p.RunBatch(context.Background(), 10)

	got := fs.get("t1")
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if fc.totalCalls() != 1 {
		t.Fatalf("expected exactly 1 send attempt, got %d", fc.totalCalls())
	}

	// Further batches must not touch the terminal task.
	p.RunBatch(context.Background(), 10)
	if fc.totalCalls() != 1 {
		t.Fatalf("terminal task was retried; calls=%d", fc.totalCalls())
	}
}

func TestProcess_TimeoutsThenSuccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	te := &channel.Error{Code: channel.CodeTimeout}
	fc := newFakeChannel(te, te, te, nil)
	p := newProcessor(fs, fc, func() time.Time { return now })

	fs.add(pendingTask("t1", 0, 5, domain.KindText, now))

	for i := 0; i < 4; i++ {
		p.RunBatch(context.Background(), 10)
		got := fs.get("t1")
		if got.Status.Terminal() {
			break
		}
		// Advance past the scheduled backoff so the next claim sees it.
		now = got.NextAttemptAt.Add(time.Second)
	}

	got := fs.get("t1")
	if got.Status != domain.StatusSent {
		t.Fatalf("expected sent, got %s (lastError=%q)", got.Status, got.LastError)
	}
	if got.RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", got.RetryCount)
	}
}

func TestProcess_RetryExhaustionFailsAndNotifiesAdmin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	te := &channel.Error{Code: channel.CodeUnknown}
	fc := newFakeChannel(te, te, te)
	p := newProcessor(fs, fc, func() time.Time { return now })
	p.MaxRetries = 2

	fs.add(pendingTask("t1", 0, 2, domain.KindText, now))

	for i := 0; i < 5; i++ {
		p.RunBatch(context.Background(), 10)
		got := fs.get("t1")
		if got.Status.Terminal() {
			break
		}
		now = got.NextAttemptAt.Add(time.Second)
	}

	got := fs.get("t1")
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed after exhaustion, got %s", got.Status)
	}
	if fc.totalCalls() != 3 {
		t.Fatalf("expected 3 attempts (initial + 2 retries), got %d", fc.totalCalls())
	}
	if n := fs.countByUser(999); n != 1 {
		t.Fatalf("expected 1 admin notification task, got %d", n)
	}

	// No further channel calls once failed.
	prev := fc.totalCalls()
	p.RunBatch(context.Background(), 10)
	gotAdmin := false
	for id := range fs.tasks {
		if fs.get(id).UserID == 999 && fs.get(id).Status == domain.StatusSent {
			gotAdmin = true
		}
	}
	if !gotAdmin {
		t.Fatalf("admin notification task was not delivered")
	}
	// One extra call for the admin task itself is fine; the failed task
	// must not be among them.
	if fs.get("t1").Status != domain.StatusFailed {
		t.Fatalf("failed task changed state")
	}
	_ = prev
}

func TestProcess_RateLimitRetryAfterFloorsBackoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fc := newFakeChannel(&channel.Error{Code: channel.CodeRateLimited, RetryAfter: 2 * time.Hour})
	p := newProcessor(fs, fc, func() time.Time { return now })

	fs.add(pendingTask("t1", 0, 5, domain.KindText, now))
	p.RunBatch(context.Background(), 10)

	got := fs.get("t1")
	if got.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.NextAttemptAt.Before(now.Add(2 * time.Hour)) {
		t.Fatalf("expected next attempt >= retry_after, got %s", got.NextAttemptAt)
	}
}

func TestProcess_UnknownKindFailsPermanently(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fc := newFakeChannel()
	p := newProcessor(fs, fc, func() time.Time { return now })

	task := pendingTask("t1", 0, 5, domain.TaskKind("stories"), now)
	fs.add(task)
	p.RunBatch(context.Background(), 10)

	if got := fs.get("t1"); got.Status != domain.StatusFailed {
		t.Fatalf("expected failed for unknown kind, got %s", got.Status)
	}
	if fc.totalCalls() != 0 {
		t.Fatalf("unknown kind must not reach the channel; calls=%d", fc.totalCalls())
	}
}

func TestRunBatch_ConcurrentWorkersSingleClaim(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()

	perUser := &fakeChannel{sends: make(map[int64]int)}
	for i := 0; i < 50; i++ {
		task := pendingTask(fmt.Sprintf("t%02d", i), 0, 5, domain.KindText, now.Add(time.Duration(i)*time.Millisecond))
		task.UserID = int64(1000 + i)
		fs.add(task)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := newProcessor(fs, perUser, func() time.Time { return now })
			for i := 0; i < 10; i++ {
				p.RunBatch(context.Background(), 5)
			}
		}()
	}
	wg.Wait()

	perUser.mu.Lock()
	defer perUser.mu.Unlock()
	for uid, n := range perUser.sends {
		if n != 1 {
			t.Fatalf("user %d received %d sends, want exactly 1", uid, n)
		}
	}
	if len(perUser.sends) != 50 {
		t.Fatalf("expected 50 distinct deliveries, got %d", len(perUser.sends))
	}
}

func TestBackoffCap(t *testing.T) {
	p := &Processor{BackoffBase: time.Minute, BackoffCap: 10 * time.Minute}
	if d := p.backoff(0); d != time.Minute {
		t.Fatalf("backoff(0) = %s", d)
	}
	if d := p.backoff(3); d != 8*time.Minute {
		t.Fatalf("backoff(3) = %s", d)
	}
	if d := p.backoff(20); d != 10*time.Minute {
		t.Fatalf("backoff(20) = %s, want cap", d)
	}
	if d := p.backoff(70); d != 10*time.Minute {
		t.Fatalf("backoff(70) = %s, want cap on overflow", d)
	}
}
