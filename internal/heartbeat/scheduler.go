// Package heartbeat runs scheduled background tasks independently of the
// agent loop. Tasks observe the world and may ask the host to wake a
// sleeping agent; the only coordination key the scheduler writes is
// wake_request.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/automaton/internal/events"
	"github.com/nugget/automaton/internal/state"
)

// TaskFunc performs one heartbeat task. A non-empty wakeReason asks the
// host to wake the agent.
type TaskFunc func(ctx context.Context, entry state.HeartbeatEntry) (wakeReason string, err error)

// ErrUnknownEntry is returned by [Scheduler.TriggerNow] for a name that
// is not in the store.
var ErrUnknownEntry = errors.New("unknown heartbeat entry")

// Config configures a [Scheduler].
type Config struct {
	Store    *state.Store
	Tasks    map[string]TaskFunc
	Bus      *events.Bus   // optional
	Interval time.Duration // tick period, default 60s
	Timeout  time.Duration // per-task limit, default 2m
	Now      func() time.Time
	Logger   *slog.Logger
}

// Scheduler fires due heartbeat entries on a fixed tick.
type Scheduler struct {
	store    *state.Store
	kv       state.SchedulerKV
	bus      *events.Bus
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	tasks   map[string]TaskFunc
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. Store is required.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("heartbeat: store is required")
	}
	s := &Scheduler{
		store:    cfg.Store,
		kv:       cfg.Store.Scheduler(),
		bus:      cfg.Bus,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		logger:   cfg.Logger,
		tasks:    make(map[string]TaskFunc, len(cfg.Tasks)),
	}
	for name, fn := range cfg.Tasks {
		s.tasks[name] = fn
	}
	if s.interval <= 0 {
		s.interval = 60 * time.Second
	}
	if s.timeout <= 0 {
		s.timeout = 2 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Register adds or replaces a task implementation.
func (s *Scheduler) Register(name string, fn TaskFunc) {
	s.mu.Lock()
	s.tasks[name] = fn
	s.mu.Unlock()
}

// Start launches the tick goroutine. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.logger.Info("heartbeat started", "interval", s.interval)
}

// Stop halts the tick goroutine and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("heartbeat stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("heartbeat tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs every enabled entry that is due. An entry never seen before
// is scheduled from now rather than fired. Task failures are logged and
// do not stop other entries.
func (s *Scheduler) Tick(ctx context.Context) error {
	entries, err := s.store.HeartbeatEntries(ctx)
	if err != nil {
		return fmt.Errorf("load heartbeat entries: %w", err)
	}

	now := s.now()
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.Enabled {
			continue
		}
		if e.NextRun == nil {
			next, err := NextRun(e.Schedule, now)
			if err != nil {
				s.logger.Warn("bad heartbeat schedule", "name", e.Name, "schedule", e.Schedule, "error", err)
				continue
			}
			if err := s.store.ScheduleHeartbeatEntry(ctx, e.Name, next); err != nil {
				s.logger.Warn("schedule heartbeat entry failed", "name", e.Name, "error", err)
			}
			continue
		}
		if e.NextRun.After(now) {
			continue
		}
		s.fire(ctx, e, now)
	}
	return nil
}

// TriggerNow runs the named entry immediately, regardless of schedule
// or enabled flag.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	entries, err := s.store.HeartbeatEntries(ctx)
	if err != nil {
		return fmt.Errorf("load heartbeat entries: %w", err)
	}
	for _, e := range entries {
		if e.Name == name {
			return s.fire(ctx, e, s.now())
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
}

// fire runs one entry, records its run times and forwards any wake
// request. The returned error is the task's.
func (s *Scheduler) fire(ctx context.Context, e state.HeartbeatEntry, now time.Time) error {
	s.mu.Lock()
	fn := s.tasks[e.Task]
	s.mu.Unlock()

	next, nerr := NextRun(e.Schedule, now)
	if nerr != nil {
		next = now.Add(s.interval)
	}

	var (
		reason string
		err    error
	)
	start := time.Now()
	if fn == nil {
		err = fmt.Errorf("no task registered for %q", e.Task)
	} else {
		taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
		reason, err = runTask(taskCtx, fn, e)
		cancel()
	}
	elapsed := time.Since(start)

	if uerr := s.store.UpdateHeartbeatRun(ctx, e.Name, now, next); uerr != nil {
		s.logger.Warn("record heartbeat run failed", "name", e.Name, "error", uerr)
	}

	if err != nil {
		s.logger.Warn("heartbeat task failed", "name", e.Name, "task", e.Task, "error", err)
	} else {
		s.logger.Debug("heartbeat task done", "name", e.Name, "task", e.Task, "next", next, "duration", elapsed)
	}
	s.bus.Emit(events.SourceHeartbeat, events.KindHeartbeatRun, map[string]any{
		"name":        e.Name,
		"task":        e.Task,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
		"wake":        reason,
	})

	if err == nil && reason != "" {
		if werr := s.kv.RequestWake(ctx, reason); werr != nil {
			s.logger.Error("write wake request failed", "name", e.Name, "error", werr)
			return werr
		}
		s.logger.Info("heartbeat requested wake", "name", e.Name, "reason", reason)
		s.bus.Emit(events.SourceHeartbeat, events.KindWakeRequest, map[string]any{
			"name":   e.Name,
			"reason": reason,
		})
	}
	return err
}

func runTask(ctx context.Context, fn TaskFunc, e state.HeartbeatEntry) (reason string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return fn(ctx, e)
}
