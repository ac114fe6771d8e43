package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs a tick function on a fixed interval until stopped. The
// first tick fires immediately on Start. A panicking tick is recovered
// and logged so one bad batch cannot kill the process.
type Loop struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context)

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoop(name string, interval time.Duration, tickFn func(context.Context)) (*Loop, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Loop{name: name, interval: interval, tickFn: tickFn}, nil
}

func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running.Store(true)

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		slog.Info("loop started", "loop", l.name, "interval", l.interval.String())

		l.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("loop stopping", "loop", l.name)
				return
			case <-ticker.C:
				l.safeTick(ctx)
			}
		}
	}()

	return true
}

func (l *Loop) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.Load() {
		return false
	}

	l.cancel()
	<-l.done
	l.running.Store(false)
	return true
}

func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop tick panic recovered", "loop", l.name, "panic", r)
		}
	}()
	l.tickFn(ctx)
}
