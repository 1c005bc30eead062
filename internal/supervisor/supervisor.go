// Package supervisor keeps a fixed number of worker processes running. Workers
// that exit are restarted with per-slot exponential backoff, and a slot that
// keeps crashing is paused by a circuit breaker instead of restarting in a loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/stacklok/balance-server/internal/telemetry"
)

// Config controls how many workers run and how restarts are paced
type Config struct {
	// Workers is the number of worker slots
	Workers int
	// InitialBackoff is the restart delay after the first quick crash
	InitialBackoff time.Duration
	// MaxBackoff caps the restart delay
	MaxBackoff time.Duration
	// StableAfter is the uptime after which an exit no longer counts as a crash
	StableAfter time.Duration
	// MaxConsecutiveCrashes opens the slot's breaker
	MaxConsecutiveCrashes uint32
	// BreakerCooldown is how long an open breaker pauses restarts
	BreakerCooldown time.Duration
	// ShutdownTimeout is how long workers get to exit after SIGTERM before SIGKILL
	ShutdownTimeout time.Duration
}

func (c Config) validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be greater than zero, got %d", c.Workers))
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, fmt.Errorf("invalid restart backoff %s..%s", c.InitialBackoff, c.MaxBackoff))
	}
	if c.MaxConsecutiveCrashes == 0 {
		errs = append(errs, fmt.Errorf("maxConsecutiveCrashes must be greater than zero"))
	}
	if c.BreakerCooldown <= 0 {
		errs = append(errs, fmt.Errorf("breaker cooldown must be greater than zero"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be greater than zero"))
	}
	return errors.Join(errs...)
}

// slot is the registry entry for one worker position. It outlives the
// processes that occupy it so that backoff and crash counts carry over.
type slot struct {
	id        int
	proc      Process
	startedAt time.Time
	backoff   *backoff.ExponentialBackOff
	breaker   *gobreaker.TwoStepCircuitBreaker
	done      func(success bool)
	timer     *time.Timer
}

type exitEvent struct {
	slot int
	proc Process
	err  error
}

// Supervisor owns the worker registry. Its state changes only on the Run
// goroutine, through spawn, onExit and terminateAll.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	metrics  *telemetry.SupervisorMetrics

	slots    []*slot
	exits    chan exitEvent
	respawns chan int
	stopping chan struct{}

	mu   sync.RWMutex
	pids map[int]int
}

// New creates a Supervisor. Nothing is started until Run is called.
func New(cfg Config, launcher Launcher, metrics *telemetry.SupervisorMetrics) (*Supervisor, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor configuration: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		metrics:  metrics,
		slots:    make([]*slot, cfg.Workers),
		exits:    make(chan exitEvent, cfg.Workers),
		respawns: make(chan int, cfg.Workers),
		stopping: make(chan struct{}),
		pids:     make(map[int]int, cfg.Workers),
	}

	for i := range s.slots {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = cfg.InitialBackoff
		bo.MaxInterval = cfg.MaxBackoff
		bo.Multiplier = 2
		bo.RandomizationFactor = 0.2

		s.slots[i] = &slot{
			id:      i,
			backoff: bo,
			breaker: s.newBreaker(i),
		}
	}

	return s, nil
}

func (s *Supervisor) newBreaker(id int) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("worker-%d", id),
		MaxRequests: 1,
		Timeout:     s.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.MaxConsecutiveCrashes
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				slog.Error("Worker is crash looping, pausing restarts",
					"slot", id,
					"consecutive_crashes", s.cfg.MaxConsecutiveCrashes,
					"cooldown", s.cfg.BreakerCooldown)
				s.metrics.RecordCrashLoop(context.Background(), id)
			case gobreaker.StateHalfOpen:
				slog.Warn("Retrying crash looping worker", "slot", id)
			case gobreaker.StateClosed:
				slog.Info("Worker recovered", "slot", id, "from", from.String())
			}
		},
	})
}

// Pids returns the process ids of the live workers keyed by slot
func (s *Supervisor) Pids() map[int]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]int, len(s.pids))
	for k, v := range s.pids {
		out[k] = v
	}
	return out
}

// Run starts every worker and restarts them as they exit until ctx is done.
// It then terminates all workers and returns once every one has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.Info("Starting workers", "count", s.cfg.Workers)

	for _, sl := range s.slots {
		s.spawn(ctx, sl)
	}

	for {
		select {
		case <-ctx.Done():
			s.terminateAll()
			return nil
		case ev := <-s.exits:
			s.onExit(ctx, ev)
		case id := <-s.respawns:
			sl := s.slots[id]
			sl.timer = nil
			if sl.proc == nil {
				s.spawn(ctx, sl)
			}
		}
	}
}

// spawn starts a process in the slot unless its breaker is open
func (s *Supervisor) spawn(ctx context.Context, sl *slot) {
	done, err := sl.breaker.Allow()
	if err != nil {
		slog.Warn("Worker restarts paused", "slot", sl.id, "retry_in", s.cfg.BreakerCooldown, "error", err)
		s.scheduleSpawn(ctx, sl, s.cfg.BreakerCooldown)
		return
	}

	proc, err := s.launcher.Launch(ctx, sl.id)
	if err != nil {
		done(false)
		delay := sl.backoff.NextBackOff()
		slog.Error("Failed to start worker", "slot", sl.id, "retry_in", delay, "error", err)
		s.scheduleSpawn(ctx, sl, delay)
		return
	}

	sl.proc = proc
	sl.startedAt = time.Now()
	sl.done = done
	s.setPid(sl.id, proc.Pid())
	s.metrics.WorkerStarted(ctx)

	slog.Info("Worker started", "slot", sl.id, "pid", proc.Pid())

	go func() {
		err := proc.Wait()
		s.exits <- exitEvent{slot: sl.id, proc: proc, err: err}
	}()
}

// onExit clears the slot and schedules its replacement
func (s *Supervisor) onExit(ctx context.Context, ev exitEvent) {
	sl := s.slots[ev.slot]
	if sl.proc != ev.proc {
		return
	}

	uptime := time.Since(sl.startedAt)
	pid := sl.proc.Pid()
	sl.proc = nil
	s.clearPid(sl.id)
	s.metrics.WorkerExited(ctx)

	stable := uptime >= s.cfg.StableAfter
	sl.done(stable)
	sl.done = nil

	var delay time.Duration
	if stable {
		sl.backoff.Reset()
	} else {
		delay = sl.backoff.NextBackOff()
	}

	slog.Warn("Worker exited, restarting",
		"slot", sl.id,
		"pid", pid,
		"uptime", uptime,
		"restart_in", delay,
		"error", ev.err)
	s.metrics.RecordRestart(ctx, sl.id)

	s.scheduleSpawn(ctx, sl, delay)
}

func (s *Supervisor) scheduleSpawn(ctx context.Context, sl *slot, delay time.Duration) {
	if delay <= 0 {
		s.spawn(ctx, sl)
		return
	}

	id := sl.id
	sl.timer = time.AfterFunc(delay, func() {
		select {
		case s.respawns <- id:
		case <-s.stopping:
		}
	})
}

// terminateAll stops restarts, asks every worker to exit and kills those that
// are still running after the shutdown timeout
func (s *Supervisor) terminateAll() {
	close(s.stopping)

	live := 0
	for _, sl := range s.slots {
		if sl.timer != nil {
			sl.timer.Stop()
			sl.timer = nil
		}
		if sl.proc == nil {
			continue
		}
		live++
		if err := sl.proc.Signal(syscall.SIGTERM); err != nil {
			slog.Warn("Failed to signal worker", "slot", sl.id, "pid", sl.proc.Pid(), "error", err)
		}
	}

	slog.Info("Waiting for workers to exit", "count", live, "timeout", s.cfg.ShutdownTimeout)

	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()

	for live > 0 {
		select {
		case ev := <-s.exits:
			if s.reap(ev) {
				live--
			}
		case <-deadline.C:
			for _, sl := range s.slots {
				if sl.proc == nil {
					continue
				}
				slog.Warn("Worker did not exit in time, killing", "slot", sl.id, "pid", sl.proc.Pid())
				if err := sl.proc.Kill(); err != nil {
					slog.Error("Failed to kill worker", "slot", sl.id, "pid", sl.proc.Pid(), "error", err)
				}
			}
			for live > 0 {
				if s.reap(<-s.exits) {
					live--
				}
			}
		}
	}

	slog.Info("All workers exited")
}

// reap clears the slot of an exited worker during shutdown
func (s *Supervisor) reap(ev exitEvent) bool {
	sl := s.slots[ev.slot]
	if sl.proc != ev.proc {
		return false
	}
	slog.Info("Worker exited", "slot", sl.id, "pid", sl.proc.Pid(), "error", ev.err)
	sl.proc = nil
	s.clearPid(sl.id)
	s.metrics.WorkerExited(context.Background())
	return true
}

func (s *Supervisor) setPid(id, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pids[id] = pid
}

func (s *Supervisor) clearPid(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pids, id)
}
