// Package brainstem runs the background loops: independent periodic workers
// for sensing, consolidation, quality monitoring, threshold calibration,
// insights, and data lifecycle. A crashing loop never takes down its peers
// and never blocks the request path.
package brainstem

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/observability"
)

// LoopFunc is one loop invocation. The context carries the scheduler's
// lifetime; loops must observe it at their I/O boundaries.
type LoopFunc func(ctx context.Context) error

// Loop is one registered background worker. Interval/jitter scheduling is
// the default; a cron expression replaces it when set.
type Loop struct {
	Name     string
	Interval time.Duration
	Jitter   time.Duration
	Cron     string
	Run      LoopFunc
}

// Scheduler owns the loop goroutines. Each loop runs with at most one
// invocation in flight; a tick that lands while the previous run is still
// going is skipped and counted.
type Scheduler struct {
	cfg     config.BrainstemConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	loops []Loop

	cron     *cron.Cron
	cancel   context.CancelFunc
	group    *errgroup.Group
	started  atomic.Bool
	inFlight map[string]*atomic.Bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithMetrics attaches the Prometheus surface.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler; loops are added with Register before
// Start.
func NewScheduler(cfg config.BrainstemConfig, logger *observability.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a loop, applying any configuration override for its name.
// A loop disabled by configuration is dropped here.
func (s *Scheduler) Register(loop Loop) {
	if lc, ok := s.cfg.Loops[loop.Name]; ok {
		if !lc.Enabled {
			return
		}
		if lc.IntervalSeconds > 0 {
			loop.Interval = time.Duration(lc.IntervalSeconds) * time.Second
		}
		if lc.JitterSeconds > 0 {
			loop.Jitter = time.Duration(lc.JitterSeconds) * time.Second
		}
		if lc.Cron != "" {
			loop.Cron = lc.Cron
		}
	}
	if loop.Interval <= 0 && loop.Cron == "" {
		return
	}

	s.mu.Lock()
	s.loops = append(s.loops, loop)
	s.inFlight[loop.Name] = &atomic.Bool{}
	s.mu.Unlock()
}

// Start launches every registered loop. It returns immediately; loops run
// until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled || !s.started.CompareAndSwap(false, true) {
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	s.mu.Lock()
	loops := make([]Loop, len(s.loops))
	copy(loops, s.loops)
	s.mu.Unlock()

	for _, loop := range loops {
		if loop.Cron != "" {
			if s.cron == nil {
				s.cron = cron.New()
			}
			l := loop
			if _, err := s.cron.AddFunc(l.Cron, func() { s.invoke(runCtx, l) }); err != nil {
				s.logger.Error(runCtx, "invalid cron expression, loop not scheduled",
					"loop", l.Name, "cron", l.Cron, "error", err)
			}
			continue
		}

		l := loop
		s.group.Go(func() error {
			s.tickLoop(runCtx, l)
			return nil
		})
	}

	if s.cron != nil {
		s.cron.Start()
	}
	s.logger.Info(ctx, "brainstem started", "loops", len(loops))
}

func (s *Scheduler) tickLoop(ctx context.Context, loop Loop) {
	for {
		delay := loop.Interval
		if loop.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(loop.Jitter)))
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.invoke(ctx, loop)
	}
}

// invoke runs one guarded iteration: overlap skip, panic recovery, metrics.
func (s *Scheduler) invoke(ctx context.Context, loop Loop) {
	guard := s.inFlight[loop.Name]
	if !guard.CompareAndSwap(false, true) {
		s.logger.Debug(ctx, "loop still running, tick skipped", "loop", loop.Name)
		s.recordRun(loop.Name, "skipped", 0)
		return
	}
	defer guard.Store(false)

	start := time.Now()
	status := "ok"
	func() {
		defer func() {
			if r := recover(); r != nil {
				status = "error"
				s.logger.Error(ctx, "loop panicked", "loop", loop.Name, "panic", r)
			}
		}()
		if err := loop.Run(ctx); err != nil {
			status = "error"
			s.logger.Warn(ctx, "loop run failed", "loop", loop.Name, "error", err)
		}
	}()
	s.recordRun(loop.Name, status, time.Since(start).Seconds())
}

func (s *Scheduler) recordRun(name, status string, seconds float64) {
	if s.metrics == nil {
		return
	}
	s.metrics.LoopRuns.WithLabelValues(name, status).Inc()
	if status == "ok" {
		s.metrics.LoopDuration.WithLabelValues(name).Observe(seconds)
	}
}

// Stop cancels every loop and waits for in-flight runs up to the context's
// deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	if s.cron != nil {
		cronDone := s.cron.Stop().Done()
		select {
		case <-cronDone:
		case <-ctx.Done():
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info(ctx, "brainstem stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn(ctx, "brainstem stop deadline exceeded")
		return ctx.Err()
	}
}
