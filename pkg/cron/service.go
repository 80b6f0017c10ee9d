package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Service runs named housekeeping jobs on cron schedules. A job whose
// previous run is still going is skipped rather than stacked.
type Service struct {
	cron    *cron.Cron
	options ServiceOptions
	logger  zerolog.Logger

	mu      sync.RWMutex
	jobs    map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

type entry struct {
	job     Job
	id      cron.EntryID
	fn      JobFunc
	running bool
}

// NewService creates a stopped service.
func NewService(opts ServiceOptions, logger zerolog.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:    cron.New(cron.WithParser(parser)),
		options: opts,
		logger:  logger.With().Str("component", "cron").Logger(),
		jobs:    make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddJob registers fn under name.
func (s *Service) AddJob(name, schedule string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s has no function", name)
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already exists", name)
	}
	e := &entry{job: Job{Name: name, Schedule: schedule}, fn: fn}
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(name) }))
	s.jobs[name] = e

	s.logger.Debug().Str("job", name).Str("schedule", schedule).Msg("Job registered")
	return nil
}

// RemoveJob unschedules name. It reports whether the job existed.
func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.jobs, name)
	return true
}

// Start begins scheduling.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cron service already started")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("cron service is stopped")
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Cron service started")
	return nil
}

// Stop halts scheduling, cancels running jobs and waits for them up to
// ctx's deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	stopped := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Cron service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for cron jobs: %w", ctx.Err())
	}
}

// RunNow runs name synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.execute(ctx, name)
}

// Jobs returns a snapshot of every job, sorted by name.
func (s *Service) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		job := e.job
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			job.State.NextRunAt = &next
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) run(name string) {
	if err := s.execute(s.ctx, name); err != nil {
		s.logger.Warn().Err(err).Str("job", name).Msg("Job failed")
	}
}

func (s *Service) execute(parent context.Context, name string) (err error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if e.running {
		s.mu.Unlock()
		s.finish(name, RunSkipped, 0, nil)
		return nil
	}
	e.running = true
	fn := e.fn
	s.wg.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.options.Timeout)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		cancel()
		status := RunOK
		if err != nil {
			status = RunError
		}
		s.finish(name, status, time.Since(start), err)
		s.wg.Done()
	}()

	return fn(ctx)
}

func (s *Service) finish(name string, status RunStatus, duration time.Duration, err error) {
	now := time.Now()
	s.mu.Lock()
	if e, ok := s.jobs[name]; ok {
		if status != RunSkipped {
			e.running = false
			e.job.State.Runs++
			e.job.State.LastRunAt = &now
			e.job.State.LastDuration = duration
			e.job.State.LastError = ""
			if err != nil {
				e.job.State.Failures++
				e.job.State.LastError = err.Error()
			}
		}
		e.job.State.LastStatus = status
	}
	s.mu.Unlock()

	if s.options.OnRun != nil {
		s.options.OnRun(name, status, duration, err)
	}
}
