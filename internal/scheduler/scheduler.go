package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/veridian/complymesh/internal/agent"
	"github.com/veridian/complymesh/internal/metrics"
	"go.uber.org/zap"
)

// ReasonNoAgent is the failure reason when no enabled, capable agent exists
// for a task's event category.
const ReasonNoAgent = "no agent available"

// Options configures a Scheduler. Zero values fall back to defaults.
type Options struct {
	Workers        int           // default max(NumCPU, 4)
	QueueSize      int           // default 256
	HealthInterval time.Duration // default 5m; <0 disables the sweep
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
		if o.Workers < 4 {
			o.Workers = 4
		}
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.HealthInterval == 0 {
		o.HealthInterval = 5 * time.Minute
	}
	return o
}

// Snapshot is the scheduler's externally visible status.
type Snapshot struct {
	Healthy     bool                    `json:"healthy"`
	QueueDepth  int                     `json:"queue_depth"`
	Workers     int                     `json:"workers"`
	AgentHealth map[string]agent.Health `json:"agent_health"`
	Processed   uint64                  `json:"tasks_processed"`
	Failed      uint64                  `json:"tasks_failed"`
}

// Scheduler owns the task queue and the worker pool. Each worker pops one
// task at a time and executes it synchronously; a long-running agent call
// occupies that worker for its duration.
type Scheduler struct {
	opts     Options
	registry *agent.Registry
	sink     *metrics.Collector
	logger   *zap.Logger

	queue   chan *Task
	quit    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	processed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a scheduler over the given registry. The metrics sink may be
// nil.
func New(opts Options, registry *agent.Registry, sink *metrics.Collector, logger *zap.Logger) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		opts:     opts,
		registry: registry,
		sink:     sink,
		logger:   logger,
		queue:    make(chan *Task, opts.QueueSize),
		quit:     make(chan struct{}),
	}
}

// Start launches the worker pool and the periodic health sweep.
func (s *Scheduler) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already started")
	}
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	if s.opts.HealthInterval > 0 {
		s.wg.Add(1)
		go s.healthLoop()
	}
	s.logger.Info("scheduler started", zap.Int("workers", s.opts.Workers))
	return nil
}

// Submit enqueues a task and returns immediately. It returns false once
// shutdown has begun or when the queue is full; the task is then never
// executed and its callback never fires.
func (s *Scheduler) Submit(t *Task) bool {
	if t == nil || t.Event == nil || s.closed.Load() {
		return false
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.state = TaskQueued

	select {
	case s.queue <- t:
		return true
	default:
		s.logger.Warn("task queue full, rejecting", zap.String("task", t.ID))
		return false
	}
}

// Status reports scheduler health and counters. Healthy is false before
// Start and after Shutdown begins.
func (s *Scheduler) Status() Snapshot {
	return Snapshot{
		Healthy:     s.started.Load() && !s.closed.Load(),
		QueueDepth:  len(s.queue),
		Workers:     s.opts.Workers,
		AgentHealth: s.registry.HealthMap(),
		Processed:   s.processed.Load(),
		Failed:      s.failed.Load(),
	}
}

// Shutdown stops intake, lets in-flight tasks finish and joins the workers.
// Queued-but-unstarted tasks are discarded without firing their callbacks.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped", zap.Int("discarded", len(s.queue)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) workerLoop(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case t := <-s.queue:
			s.process(t)
		}
	}
}

func (s *Scheduler) process(t *Task) {
	start := time.Now()

	if !t.Deadline.IsZero() && time.Now().After(t.Deadline) {
		t.state = TaskFailed
		s.finish(t, TaskResult{TaskID: t.ID, Success: false, Reason: "deadline exceeded"}, start)
		return
	}

	target, ok := s.route(t)
	if !ok {
		t.state = TaskFailed
		s.finish(t, TaskResult{TaskID: t.ID, Success: false, Reason: ReasonNoAgent}, start)
		return
	}

	t.state = TaskAssigned
	s.logger.Debug("task assigned",
		zap.String("task", t.ID), zap.String("agent", target.Type))

	t.state = TaskExecuting
	decision, err := s.execute(target, t)
	res := TaskResult{
		TaskID:    t.ID,
		AgentType: target.Type,
		Duration:  time.Since(start),
	}
	if err != nil {
		t.state = TaskFailed
		res.Success = false
		res.Reason = err.Error()
	} else {
		t.state = TaskCompleted
		res.Success = true
		res.Decision = decision
	}
	s.finish(t, res, start)
}

// route resolves the agent for a task: the explicit target when it is
// registered, enabled and capable, otherwise the first enabled capable
// agent in registration order.
func (s *Scheduler) route(t *Task) (agent.Registered, bool) {
	if t.TargetType != "" {
		if reg, ok := s.registry.Find(t.TargetType); ok && reg.Enabled && reg.Agent.CanHandleEvent(t.Event.Category) {
			return reg, true
		}
	}
	for _, reg := range s.registry.List() {
		if reg.Enabled && reg.Agent.CanHandleEvent(t.Event.Category) {
			return reg, true
		}
	}
	return agent.Registered{}, false
}

// execute runs the agent call with panic isolation; a panicking agent
// yields a failure result, never a dead worker.
func (s *Scheduler) execute(reg agent.Registered, t *Task) (decision *agent.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = nil
			err = fmt.Errorf("agent %s panic: %v", reg.Type, r)
		}
	}()
	return reg.Agent.ProcessEvent(context.Background(), t.Event)
}

// finish updates metrics and then invokes the callback exactly once.
// Metrics happen-before the callback by construction.
func (s *Scheduler) finish(t *Task, res TaskResult, start time.Time) {
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if res.Success {
		s.processed.Add(1)
	} else {
		s.failed.Add(1)
		s.logger.Warn("task failed",
			zap.String("task", t.ID),
			zap.String("agent", res.AgentType),
			zap.String("reason", res.Reason))
	}
	if s.sink != nil {
		s.sink.Inc("tasks_total")
		if !res.Success {
			s.sink.Inc("tasks_failed_total")
		}
		if res.AgentType != "" {
			s.sink.Inc("agent_tasks_total", "agent", res.AgentType)
		}
		s.sink.SetGauge("task_queue_depth", float64(len(s.queue)))
	}

	if t.Callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("task callback panic",
						zap.String("task", t.ID), zap.Any("panic", r))
				}
			}()
			t.Callback(res)
		}()
	}
}

func (s *Scheduler) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.SweepHealth(context.Background())
		}
	}
}

// SweepHealth probes every registered agent once and records the outcome.
// Unhealthy agents stay routable; the scheduler records health, it does not
// quarantine.
func (s *Scheduler) SweepHealth(ctx context.Context) {
	for _, reg := range s.registry.List() {
		h := agent.Unhealthy
		if s.probe(ctx, reg) {
			h = agent.Healthy
		}
		s.registry.RecordHealth(reg.Type, h)
		if h != agent.Healthy {
			s.logger.Warn("agent unhealthy", zap.String("type", reg.Type))
		}
	}
}

func (s *Scheduler) probe(ctx context.Context, reg agent.Registered) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return reg.Agent.HealthCheck(ctx)
}
