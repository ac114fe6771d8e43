package sweep

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSweepStore struct {
	stuck      int
	stuckErr   error
	tasks      int
	timers     int
	gotNow     time.Time
	gotStale   time.Duration
	timerCalls int
}

func (f *fakeSweepStore) RequeueStuckProcessing(_ context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	f.gotNow = now
	f.gotStale = staleAfter
	return f.stuck, f.stuckErr
}

func (f *fakeSweepStore) PurgeOrphanTasks(_ context.Context) (int, error) {
	return f.tasks, nil
}

func (f *fakeSweepStore) PurgeOrphanTimers(_ context.Context) (int, error) {
	f.timerCalls++
	return f.timers, nil
}

func TestTick_PassesClockAndTimeout(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := &fakeSweepStore{stuck: 2, tasks: 1, timers: 3}
	s := &Sweeper{
		Store:        fs,
		StuckTimeout: 5 * time.Minute,
		Now:          func() time.Time { return now },
	}

	s.Tick(context.Background())

	if !fs.gotNow.Equal(now) {
		t.Fatalf("now = %s, want %s", fs.gotNow, now)
	}
	if fs.gotStale != 5*time.Minute {
		t.Fatalf("staleAfter = %s", fs.gotStale)
	}
}

func TestTick_ContinuesPastFailedPass(t *testing.T) {
	fs := &fakeSweepStore{stuckErr: errors.New("db down")}
	s := &Sweeper{Store: fs, StuckTimeout: time.Minute}

	s.Tick(context.Background())

	if fs.timerCalls != 1 {
		t.Fatalf("later passes skipped after failure")
	}
}
