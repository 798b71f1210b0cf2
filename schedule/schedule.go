package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/bus"
	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
)

// Submitter is the callback surface the scheduler uses to submit jobs.
// queue.Manager satisfies this interface.
type Submitter interface {
	Submit(ctx context.Context, sourceURL string, opts ...job.Option) (id.JobID, error)
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseExpr parses a cron expression and returns the schedule.
func ParseExpr(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Entry is a recurring fetch: a cron expression plus the job parameters
// to submit each time it fires.
type Entry struct {
	ID           id.ScheduleID `json:"id"`
	Name         string        `json:"name"`
	Expr         string        `json:"expr"`
	SourceURL    string        `json:"source_url"`
	Profile      string        `json:"profile,omitempty"`
	Engine       string        `json:"engine,omitempty"`
	Priority     int           `json:"priority,omitempty"`
	BandwidthCap int64         `json:"bandwidth_cap,omitempty"`
	Enabled      bool          `json:"enabled"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time    `json:"next_run_at,omitempty"`
}

func (e *Entry) options() []job.Option {
	var opts []job.Option
	if e.Profile != "" {
		opts = append(opts, job.WithProfile(e.Profile))
	}
	if e.Engine != "" {
		opts = append(opts, job.WithEngine(e.Engine))
	}
	if e.Priority != 0 {
		opts = append(opts, job.WithPriority(e.Priority))
	}
	if e.BandwidthCap > 0 {
		opts = append(opts, job.WithBandwidthCap(e.BandwidthCap))
	}
	return opts
}

// Fired is the payload published on the schedule.fired topic.
type Fired struct {
	ScheduleID id.ScheduleID `json:"schedule_id"`
	Name       string        `json:"name"`
	JobID      id.JobID      `json:"job_id,omitempty"`
	Duplicate  bool          `json:"duplicate,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// Scheduler fires recurring fetches on a tick loop. Entries live in
// memory; a restart repopulates them from config.
type Scheduler struct {
	submit Submitter
	bus    *bus.Bus
	logger *slog.Logger

	tickInterval time.Duration

	mu      sync.RWMutex
	entries map[id.ScheduleID]*Entry
	byName  map[string]id.ScheduleID
	// parsed caches compiled cron expressions keyed by entry ID.
	parsed map[id.ScheduleID]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler. The bus may be nil for tests.
func New(logger *slog.Logger, b *bus.Bus, submit Submitter, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		submit:       submit,
		bus:          b,
		logger:       logger,
		tickInterval: 1 * time.Second,
		entries:      make(map[id.ScheduleID]*Entry),
		byName:       make(map[string]id.ScheduleID),
		parsed:       make(map[id.ScheduleID]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add validates and registers an entry, returning its assigned ID.
// Names are unique; the first run is computed from the current time.
func (s *Scheduler) Add(e Entry) (id.ScheduleID, error) {
	if e.Name == "" {
		return id.Nil, errors.New("schedule: name is required")
	}
	if e.SourceURL == "" {
		return id.Nil, fmt.Errorf("schedule %q: source_url is required", e.Name)
	}
	sched, err := ParseExpr(e.Expr)
	if err != nil {
		return id.Nil, fmt.Errorf("schedule %q: parse %q: %w", e.Name, e.Expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[e.Name]; exists {
		return id.Nil, fmt.Errorf("%w: %s", fetchq.ErrDuplicateSchedule, e.Name)
	}

	e.ID = id.NewScheduleID()
	next := sched.Next(time.Now().UTC())
	e.NextRunAt = &next

	s.entries[e.ID] = &e
	s.byName[e.Name] = e.ID
	s.parsed[e.ID] = sched

	s.logger.Info("schedule entry added",
		slog.String("schedule_id", e.ID.String()),
		slog.String("name", e.Name),
		slog.String("expr", e.Expr),
		slog.Time("next_run_at", next),
	)
	return e.ID, nil
}

// Remove deletes an entry by ID.
func (s *Scheduler) Remove(scheduleID id.ScheduleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[scheduleID]
	if !ok {
		return fmt.Errorf("%w: %s", fetchq.ErrScheduleNotFound, scheduleID)
	}
	delete(s.entries, scheduleID)
	delete(s.byName, e.Name)
	delete(s.parsed, scheduleID)
	return nil
}

// SetEnabled toggles an entry without removing it. Re-enabling
// recomputes the next run from the current time.
func (s *Scheduler) SetEnabled(scheduleID id.ScheduleID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[scheduleID]
	if !ok {
		return fmt.Errorf("%w: %s", fetchq.ErrScheduleNotFound, scheduleID)
	}
	if enabled && !e.Enabled {
		next := s.parsed[scheduleID].Next(time.Now().UTC())
		e.NextRunAt = &next
	}
	e.Enabled = enabled
	return nil
}

// SetNextRun overrides when an entry next fires. Passing a time in
// the past makes the next tick fire it immediately.
func (s *Scheduler) SetNextRun(scheduleID id.ScheduleID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[scheduleID]
	if !ok {
		return fmt.Errorf("%w: %s", fetchq.ErrScheduleNotFound, scheduleID)
	}
	e.NextRunAt = &at
	return nil
}

// Get returns a copy of an entry by ID.
func (s *Scheduler) Get(scheduleID id.ScheduleID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[scheduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fetchq.ErrScheduleNotFound, scheduleID)
	}
	cp := *e
	return &cp, nil
}

// Entries returns copies of all registered entries.
func (s *Scheduler) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick fires every due enabled entry. Exported so tests and callers
// can drive the scheduler without waiting on the ticker.
func (s *Scheduler) Tick() {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.Enabled {
			continue
		}
		if e.NextRunAt == nil || e.NextRunAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	// Advance schedules before releasing the lock so a slow submit
	// cannot double-fire the same entry on the next tick.
	for _, e := range due {
		e.LastRunAt = &now
		next := s.parsed[e.ID].Next(now)
		e.NextRunAt = &next
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e, now)
	}
}

func (s *Scheduler) fire(e *Entry, now time.Time) {
	ctx := context.Background()

	jobID, err := s.submit.Submit(ctx, e.SourceURL, e.options()...)
	fired := Fired{ScheduleID: e.ID, Name: e.Name, JobID: jobID}
	switch {
	case errors.Is(err, fetchq.ErrDuplicateJob):
		// The previous run is still in flight; the submit collapsed
		// into the existing job.
		fired.Duplicate = true
		s.logger.Debug("scheduled fetch still active",
			slog.String("name", e.Name),
			slog.String("job_id", jobID.String()),
		)
	case err != nil:
		s.logger.Error("scheduled submit error",
			slog.String("name", e.Name),
			slog.String("source_url", e.SourceURL),
			slog.String("error", err.Error()),
		)
		return
	default:
		s.logger.Info("schedule fired",
			slog.String("name", e.Name),
			slog.String("job_id", jobID.String()),
			slog.Time("fired_at", now),
		)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicScheduleFired, fired)
	}
}
