package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"giftrelay/internal/domain"
	"giftrelay/internal/store"
)

// fakeTimerStore implements the scheduler Store over in-memory timers,
// templates and a dedup set, reproducing the SQL join semantics.
type fakeTimerStore struct {
	mu        sync.Mutex
	timers    []domain.StepTimer
	templates []domain.MessageTemplate
	dedup     map[string]bool
	enqueued  []store.TaskInsert
	now       func() time.Time
}

func newFakeTimerStore(now func() time.Time) *fakeTimerStore {
	return &fakeTimerStore{dedup: make(map[string]bool), now: now}
}

func dedupKey(timerID string, templateID int64) string {
	return fmt.Sprintf("%s:%d", timerID, templateID)
}

func (f *fakeTimerStore) DueFirings(_ context.Context, limit int) ([]store.Firing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()

	var out []store.Firing
	for _, t := range f.timers {
		if !t.IsActive {
			continue
		}
		for _, m := range f.templates {
			if !m.IsActive || m.OrderStep != t.OrderStep {
				continue
			}
			due := t.StartedAt.Add(time.Duration(m.DelayMinutes) * time.Minute)
			if now.Before(due) {
				continue
			}
			if f.dedup[dedupKey(t.ID, m.ID)] {
				continue
			}
			out = append(out, store.Firing{
				TimerID:      t.ID,
				TemplateID:   m.ID,
				UserID:       t.UserID,
				OrderID:      t.OrderID,
				OrderStep:    t.OrderStep,
				DelayMinutes: m.DelayMinutes,
				Content:      m.Content,
				UserName:     "Anna",
				StartedAt:    t.StartedAt,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].DelayMinutes < out[j].DelayMinutes
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTimerStore) FireTemplate(_ context.Context, in store.FiringInsert) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := dedupKey(in.TimerID, in.TemplateID)
	if f.dedup[k] {
		return false, nil
	}
	f.dedup[k] = true
	f.enqueued = append(f.enqueued, in.Task)
	return true, nil
}

func (f *fakeTimerStore) cancelOrder(orderID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.timers {
		if f.timers[i].OrderID == orderID {
			f.timers[i].IsActive = false
		}
	}
}

func (f *fakeTimerStore) tasks() []store.TaskInsert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.TaskInsert(nil), f.enqueued...)
}

func newScheduler(fs *fakeTimerStore, now func() time.Time) *Scheduler {
	n := 0
	return &Scheduler{
		Store:      fs,
		BatchSize:  100,
		MaxRetries: 5,
		IDGen: func() string {
			n++
			return fmt.Sprintf("task_%d", n)
		},
		Now: now,
	}
}

func TestTick_FiresOnceAfterDelay(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	fs := newFakeTimerStore(func() time.Time { return now })

	fs.timers = []domain.StepTimer{{
		ID: "tmr1", UserID: 1, OrderID: 1,
		OrderStep: "book_collecting_facts", StartedAt: t0, IsActive: true,
	}}
	fs.templates = []domain.MessageTemplate{{
		ID: 10, Content: "Hi {user_name}, still there?",
		OrderStep: "book_collecting_facts", DelayMinutes: 20, IsActive: true,
	}}

	s := newScheduler(fs, func() time.Time { return now })

	// Not yet due.
	now = t0.Add(10 * time.Minute)
	s.Tick(context.Background())
	if got := len(fs.tasks()); got != 0 {
		t.Fatalf("fired before delay elapsed: %d tasks", got)
	}

	// Due at T0+21m: exactly one task.
	now = t0.Add(21 * time.Minute)
	s.Tick(context.Background())
	tasks := fs.tasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Payload.Text != "Hi Anna, still there?" {
		t.Fatalf("template not rendered: %q", tasks[0].Payload.Text)
	}

	// A later tick produces nothing new for the same pair.
	now = t0.Add(25 * time.Minute)
	s.Tick(context.Background())
	if got := len(fs.tasks()); got != 1 {
		t.Fatalf("pair fired twice: %d tasks", got)
	}
}

func TestTick_CatchUpFiresAllInDelayOrder(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(65 * time.Minute)
	fs := newFakeTimerStore(func() time.Time { return now })

	fs.timers = []domain.StepTimer{{
		ID: "tmr1", UserID: 1, OrderID: 1,
		OrderStep: "answering_questions", StartedAt: t0, IsActive: true,
	}}
	fs.templates = []domain.MessageTemplate{
		{ID: 2, Content: "second nudge", OrderStep: "answering_questions", DelayMinutes: 60, IsActive: true},
		{ID: 1, Content: "first nudge", OrderStep: "answering_questions", DelayMinutes: 20, IsActive: true},
	}

	s := newScheduler(fs, func() time.Time { return now })
	s.Tick(context.Background())

	tasks := fs.tasks()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 catch-up tasks, got %d", len(tasks))
	}
	if tasks[0].Payload.Text != "first nudge" || tasks[1].Payload.Text != "second nudge" {
		t.Fatalf("wrong order: %q then %q", tasks[0].Payload.Text, tasks[1].Payload.Text)
	}
}

func TestTick_CanceledTimersNeverFire(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	fs := newFakeTimerStore(func() time.Time { return now })

	fs.timers = []domain.StepTimer{
		{ID: "tmr1", UserID: 1, OrderID: 7, OrderStep: "waiting_story_options", StartedAt: t0, IsActive: true},
		{ID: "tmr2", UserID: 1, OrderID: 7, OrderStep: "answering_questions", StartedAt: t0, IsActive: true},
	}
	fs.templates = []domain.MessageTemplate{
		{ID: 1, Content: "a", OrderStep: "waiting_story_options", DelayMinutes: 15, IsActive: true},
		{ID: 2, Content: "b", OrderStep: "answering_questions", DelayMinutes: 15, IsActive: true},
	}

	s := newScheduler(fs, func() time.Time { return now })

	// Order advances before anything is due; both timers go inactive.
	now = t0.Add(5 * time.Minute)
	fs.cancelOrder(7)

	// Ticking well past the nominal due time fires nothing.
	now = t0.Add(2 * time.Hour)
	s.Tick(context.Background())
	if got := len(fs.tasks()); got != 0 {
		t.Fatalf("canceled timers fired %d tasks", got)
	}
}

func TestTick_OldestTimerFirst(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(90 * time.Minute)
	fs := newFakeTimerStore(func() time.Time { return now })

	fs.timers = []domain.StepTimer{
		{ID: "tmrNew", UserID: 2, OrderID: 2, OrderStep: "s", StartedAt: t0.Add(30 * time.Minute), IsActive: true},
		{ID: "tmrOld", UserID: 1, OrderID: 1, OrderStep: "s", StartedAt: t0, IsActive: true},
	}
	fs.templates = []domain.MessageTemplate{
		{ID: 1, Content: "nudge", OrderStep: "s", DelayMinutes: 10, IsActive: true},
	}

	s := newScheduler(fs, func() time.Time { return now })
	s.Tick(context.Background())

	tasks := fs.tasks()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].UserID != 1 || tasks[1].UserID != 2 {
		t.Fatalf("expected oldest timer first, got users %d, %d", tasks[0].UserID, tasks[1].UserID)
	}
}

func TestTick_ConcurrentSchedulersFireOnce(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(time.Hour)
	fs := newFakeTimerStore(func() time.Time { return now })

	fs.timers = []domain.StepTimer{
		{ID: "tmr1", UserID: 1, OrderID: 1, OrderStep: "s", StartedAt: t0, IsActive: true},
	}
	fs.templates = []domain.MessageTemplate{
		{ID: 1, Content: "nudge", OrderStep: "s", DelayMinutes: 10, IsActive: true},
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newScheduler(fs, func() time.Time { return now })
			s.Tick(context.Background())
		}()
	}
	wg.Wait()

	if got := len(fs.tasks()); got != 1 {
		t.Fatalf("replicated schedulers fired %d tasks, want 1", got)
	}
}
