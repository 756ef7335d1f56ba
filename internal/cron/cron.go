package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions, an optional seconds field and
// descriptors such as "@every 30s" or "@hourly".
var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Parse validates a schedule expression.
func Parse(expr string) (rcron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Job is a named periodic task.
// Non-overlap: if the previous run is still going, the tick is skipped.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error

	running atomic.Bool
}

// Scheduler drives jobs on their schedules until Stop.
type Scheduler struct {
	mu      sync.Mutex
	c       *rcron.Cron
	jobs    []*Job
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:      rcron.New(rcron.WithParser(parser)),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add validates and registers job. Jobs may be added before or after Start.
func (s *Scheduler) Add(job *Job) error {
	if job.Name == "" {
		return errors.New("job requires a name")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: no run function", job.Name)
	}
	sched, err := Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Schedule(sched, rcron.FuncJob(func() { s.fire(job) }))
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *Scheduler) fire(j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		s.log.Debug("skipping tick, previous run still active", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	ctx := s.ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		s.log.Warn("scheduled job failed", "job", j.Name, "error", err)
		return
	}
	s.log.Debug("scheduled job done", "job", j.Name, "took", time.Since(start))
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.c.Start()
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.c.Stop().Done()
}
