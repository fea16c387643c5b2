// Package scheduler keeps long-running per-entity tasks (payment polling,
// grant expiry timers) in an explicit registry so they can be listed,
// cancelled individually and shut down together.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Gauge receives the number of live tasks.
type Gauge interface {
	Set(float64)
}

type task struct {
	id     uint64
	cancel context.CancelFunc
}

type Registry struct {
	base   context.Context
	cancel context.CancelFunc
	log    *zap.SugaredLogger
	gauge  Gauge

	mu    sync.Mutex
	seq   uint64
	tasks map[string]*task
	wg    sync.WaitGroup
}

func New(log *zap.SugaredLogger, gauge Gauge) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Registry{base: base, cancel: cancel, log: log, gauge: gauge, tasks: map[string]*task{}}
}

// Start runs fn under key unless a task with that key is already live.
// fn's context is cancelled by Stop or Shutdown; the entry is removed when
// fn returns.
func (r *Registry) Start(key string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if _, exists := r.tasks[key]; exists || r.base.Err() != nil {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(r.base)
	r.seq++
	t := &task{id: r.seq, cancel: cancel}
	r.tasks[key] = t
	r.wg.Add(1)
	r.reportLocked()
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.finish(key, t)
		defer func() {
			if p := recover(); p != nil {
				r.log.Errorw("scheduled task panicked", "key", key, "panic", p)
			}
		}()
		fn(ctx)
	}()
	return true
}

// ScheduleAt runs fn at the given time under key. Stopping the key before
// then cancels the run.
func (r *Registry) ScheduleAt(key string, at time.Time, fn func(ctx context.Context)) bool {
	return r.Start(key, func(ctx context.Context) {
		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn(ctx)
	})
}

func (r *Registry) finish(key string, t *task) {
	t.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[key]; ok && cur.id == t.id {
		delete(r.tasks, key)
		r.reportLocked()
	}
}

// Stop cancels the task under key. It does not wait for it to return, so a
// task may stop itself.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return false
	}
	t.cancel()
	delete(r.tasks, key)
	r.reportLocked()
	return true
}

func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Shutdown cancels every task and waits for them to return or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	r.tasks = map[string]*task{}
	r.reportLocked()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) reportLocked() {
	if r.gauge != nil {
		r.gauge.Set(float64(len(r.tasks)))
	}
}

func MonitorKey(orderID string) string { return "monitor:" + orderID }

func ExpiryKey(grantID string) string { return "expiry:" + grantID }
