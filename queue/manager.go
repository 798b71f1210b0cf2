package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	fetchq "github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/backoff"
	"github.com/mediaflow/fetchq/bus"
	"github.com/mediaflow/fetchq/fetcher"
	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
	"github.com/mediaflow/fetchq/middleware"
	"github.com/mediaflow/fetchq/rules"
)

// RuleEvaluator adjusts a job's mutable fields before admission. It is
// satisfied by *rules.Engine.
type RuleEvaluator interface {
	Evaluate(j *job.Job, env rules.Env) (*job.Job, []string)
}

// Manager owns the job lifecycle: submission, deduplication, scheduling
// order, concurrency limiting, bandwidth allocation, retry policy, and
// terminal history. All state transitions pass through one mutex, so
// concurrent progress reports and scheduling decisions never observe a
// torn job record.
type Manager struct {
	cfg      fetchq.Config
	logger   *slog.Logger
	bus      *bus.Bus
	registry *fetcher.Registry
	store    job.Store
	rules    RuleEvaluator
	backoff  backoff.Strategy
	mw       middleware.Middleware

	mu        sync.Mutex
	jobs      map[id.JobID]*job.Job
	dedup     map[string]id.JobID
	active    map[id.JobID]*dispatch
	lastEpoch uint64
	history   []*job.Job // terminal ring, oldest at histPos when full
	histPos   int
	histLen   int
	stats     Stats

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// dispatch is one live admission of a job: the cancel handle for its
// fetch context and the epoch stamped into every signal that run may
// emit. A job re-admitted after pause or a transient failure gets a
// fresh epoch, so signals from the superseded run can never settle the
// new one.
type dispatch struct {
	cancel context.CancelFunc
	epoch  uint64
}

// Stats are cumulative queue counters since startup.
type Stats struct {
	Submitted            int64 `json:"submitted"`
	Completed            int64 `json:"completed"`
	Failed               int64 `json:"failed"`
	Cancelled            int64 `json:"cancelled"`
	DuplicatesSuppressed int64 `json:"duplicates_suppressed"`
	RetriesScheduled     int64 `json:"retries_scheduled"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the durable store. Without one the queue is purely
// in-memory and loses non-terminal jobs on restart.
func WithStore(s job.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithRules sets the rule evaluator consulted at admission.
func WithRules(r RuleEvaluator) Option {
	return func(m *Manager) { m.rules = r }
}

// WithBackoff overrides the retry backoff strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(m *Manager) { m.backoff = s }
}

// WithMiddleware sets the middleware chain wrapped around every fetch.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(m *Manager) { m.mw = middleware.Chain(mws...) }
}

// NewManager creates a queue manager. Call Start to recover persisted
// jobs and begin dispatching.
func NewManager(cfg fetchq.Config, logger *slog.Logger, b *bus.Bus, registry *fetcher.Registry, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := fetchq.DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		bus:      b,
		registry: registry,
		backoff:  backoff.NewExponential(cfg.RetryBase, cfg.RetryMax),
		mw:       middleware.Chain(),
		jobs:     make(map[id.JobID]*job.Job),
		dedup:    make(map[string]id.JobID),
		active:   make(map[id.JobID]*dispatch),
		history:  make([]*job.Job, cfg.HistorySize),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit creates a job for sourceURL in the pending state and returns
// its ID. If an active job already holds the same dedup key, Submit
// returns the existing job's ID together with ErrDuplicateJob.
func (m *Manager) Submit(ctx context.Context, sourceURL string, opts ...job.Option) (id.JobID, error) {
	o := job.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = m.cfg.MaxRetries
	}

	key := job.DedupKey(sourceURL, o.Title)
	now := time.Now().UTC()

	j := &job.Job{
		ID:           id.NewJobID(),
		SourceURL:    sourceURL,
		Title:        o.Title,
		Uploader:     o.Uploader,
		Profile:      o.Profile,
		Engine:       o.Engine,
		Priority:     o.Priority,
		State:        job.StatePending,
		MaxRetries:   o.MaxRetries,
		BandwidthCap: o.BandwidthCap,
		DedupKey:     key,
		RunAt:        o.RunAt,
		DurationSec:  o.DurationSec,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	if existing, held := m.dedup[key]; held {
		m.stats.DuplicatesSuppressed++
		m.mu.Unlock()
		return existing, fmt.Errorf("source already queued as %s: %w", existing, fetchq.ErrDuplicateJob)
	}
	m.jobs[j.ID] = j
	m.dedup[key] = j.ID

	if err := m.persist(ctx, j); err != nil {
		delete(m.jobs, j.ID)
		delete(m.dedup, key)
		m.mu.Unlock()
		return id.Nil, err
	}
	m.stats.Submitted++

	m.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("url", sourceURL),
		slog.String("profile", j.Profile),
		slog.Int("priority", j.Priority),
	)
	// Published under the gate so a subscriber can never see a later
	// transition of this job before its submission.
	m.publishLocked(bus.TopicJobSubmitted, j.Clone())
	m.mu.Unlock()
	return j.ID, nil
}

// Cancel transitions a job to cancelled. Cancelling a running job
// signals the fetch engine to stop; a completion signal that still
// arrives afterwards is discarded.
func (m *Manager) Cancel(ctx context.Context, jobID id.JobID) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		defer m.mu.Unlock()
		if m.inHistory(jobID) != nil {
			return fmt.Errorf("job %s is terminal: %w", jobID, fetchq.ErrInvalidTransition)
		}
		return fmt.Errorf("job %s: %w", jobID, fetchq.ErrJobNotFound)
	}
	if !j.CanTransition(job.StateCancelled) {
		m.mu.Unlock()
		return fmt.Errorf("cancel %s from %s: %w", jobID, j.State, fetchq.ErrInvalidTransition)
	}

	d := m.active[jobID]

	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	m.retire(j)
	m.stats.Cancelled++
	if err := m.persist(ctx, j); err != nil {
		m.logger.Error("failed to persist cancelled job",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Info("job cancelled", slog.String("job_id", jobID.String()))
	m.publishLocked(bus.TopicJobCancelled, j.Clone())
	m.mu.Unlock()

	if d != nil {
		d.cancel()
	}
	return nil
}

// Pause suspends a running job. The fetch is stopped and the job waits
// in paused until Resume re-enqueues it.
func (m *Manager) Pause(ctx context.Context, jobID id.JobID) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, fetchq.ErrJobNotFound)
	}
	if j.State != job.StateRunning {
		m.mu.Unlock()
		return fmt.Errorf("pause %s from %s: %w", jobID, j.State, fetchq.ErrInvalidTransition)
	}

	d := m.active[jobID]
	delete(m.active, jobID)

	j.State = job.StatePaused
	j.UpdatedAt = time.Now().UTC()
	j.BandwidthShare = 0
	if err := m.persist(ctx, j); err != nil {
		m.logger.Error("failed to persist paused job",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Info("job paused", slog.String("job_id", jobID.String()))
	m.publishLocked(bus.TopicJobPaused, j.Clone())
	m.mu.Unlock()

	if d != nil {
		d.cancel()
	}
	return nil
}

// Resume re-enqueues a paused job as pending. It competes for a
// dispatch slot like any other pending job.
func (m *Manager) Resume(ctx context.Context, jobID id.JobID) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, fetchq.ErrJobNotFound)
	}
	if j.State != job.StatePaused {
		m.mu.Unlock()
		return fmt.Errorf("resume %s from %s: %w", jobID, j.State, fetchq.ErrInvalidTransition)
	}

	j.State = job.StatePending
	j.RunAt = time.Time{}
	j.StartedAt = nil
	j.UpdatedAt = time.Now().UTC()
	if err := m.persist(ctx, j); err != nil {
		m.logger.Error("failed to persist resumed job",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Info("job resumed", slog.String("job_id", jobID.String()))
	m.publishLocked(bus.TopicJobResumed, j.Clone())
	m.mu.Unlock()
	return nil
}

// currentLocked returns the job only if it is still running under the
// dispatch identified by epoch. A signal from any other run of the
// same job — cancelled, paused, watchdog-failed, or already superseded
// by a re-admission — is stale. Callers hold m.mu.
func (m *Manager) currentLocked(jobID id.JobID, epoch uint64) *job.Job {
	j, ok := m.jobs[jobID]
	if !ok || j.State != job.StateRunning {
		return nil
	}
	d := m.active[jobID]
	if d == nil || d.epoch != epoch {
		return nil
	}
	return j
}

// ReportProgress updates a running job's transient transfer fields and
// republishes them as job.progress. It does not change status. The
// epoch identifies the dispatch that produced the signal; progress
// from a superseded run is discarded.
func (m *Manager) ReportProgress(jobID id.JobID, epoch uint64, bytesDone, bytesTotal int64, rate float64) {
	m.mu.Lock()
	j := m.currentLocked(jobID, epoch)
	if j == nil {
		m.mu.Unlock()
		return
	}
	j.BytesDone = bytesDone
	j.BytesTotal = bytesTotal
	j.Rate = rate
	j.UpdatedAt = time.Now().UTC()
	m.publishLocked(bus.TopicJobProgress, j.Clone())
	m.mu.Unlock()
}

// ReportOutcome applies a fetch engine's terminal signal. A success
// completes the job; a transient failure with retry budget left
// re-enqueues it with backoff; anything else fails it. The epoch
// identifies the dispatch that produced the outcome; an outcome from
// a superseded run (cancelled, paused, watchdog-failed, re-admitted)
// is stale and discarded, never applied over the live run.
func (m *Manager) ReportOutcome(ctx context.Context, jobID id.JobID, epoch uint64, outcome fetcher.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.currentLocked(jobID, epoch)
	if j == nil {
		m.logger.Debug("discarding stale outcome", slog.String("job_id", jobID.String()))
		return nil
	}

	if outcome.Err == nil {
		m.completeLocked(ctx, j, outcome.Meta)
		return nil
	}
	m.failLocked(ctx, j, outcome.Err)
	return nil
}

// completeLocked finishes a job successfully. Callers hold m.mu.
func (m *Manager) completeLocked(ctx context.Context, j *job.Job, meta fetcher.Meta) {
	now := time.Now().UTC()
	if meta.Title != "" {
		j.Title = meta.Title
	}
	if meta.Uploader != "" {
		j.Uploader = meta.Uploader
	}
	if meta.DurationSec > 0 {
		j.DurationSec = meta.DurationSec
	}
	if meta.FilePath != "" {
		j.FilePath = meta.FilePath
	}
	if meta.BytesTotal > 0 {
		j.BytesTotal = meta.BytesTotal
		j.BytesDone = meta.BytesTotal
	}

	j.State = job.StateCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	m.clearDispatch(j)
	m.retire(j)
	m.stats.Completed++
	if err := m.persist(ctx, j); err != nil {
		m.logger.Error("failed to persist completed job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("url", j.SourceURL),
	)
	m.publishLocked(bus.TopicJobCompleted, j.Clone())
}

// failLocked applies a fetch failure: retry with backoff while the
// budget lasts and the error is transient, terminal failure otherwise.
// Callers hold m.mu.
func (m *Manager) failLocked(ctx context.Context, j *job.Job, fetchErr error) {
	now := time.Now().UTC()
	class := fetcher.Classify(fetchErr)
	j.LastError = fetchErr.Error()
	j.LastErrorClass = class.String()
	j.UpdatedAt = now
	m.clearDispatch(j)

	if class == fetcher.ClassTransient && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		delay := m.backoff.Delay(j.RetryCount)
		j.State = job.StatePending
		j.RunAt = now.Add(delay)
		j.StartedAt = nil
		m.stats.RetriesScheduled++
		if err := m.persist(ctx, j); err != nil {
			m.logger.Error("failed to persist retrying job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}

		m.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", j.RetryCount),
			slog.Int("max_retries", j.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", j.LastError),
		)
		m.publishLocked(bus.TopicJobRetrying, j.Clone())
		return
	}

	j.State = job.StateFailed
	j.CompletedAt = &now
	m.retire(j)
	m.stats.Failed++
	if err := m.persist(ctx, j); err != nil {
		m.logger.Error("failed to persist failed job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("url", j.SourceURL),
		slog.String("class", class.String()),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", j.LastError),
	)
	m.publishLocked(bus.TopicJobFailed, j.Clone())
}

// retire moves a terminal job out of the active index into the history
// ring and releases its dedup key. Callers hold m.mu.
func (m *Manager) retire(j *job.Job) {
	delete(m.jobs, j.ID)
	delete(m.active, j.ID)
	if held, ok := m.dedup[j.DedupKey]; ok && held == j.ID {
		delete(m.dedup, j.DedupKey)
	}
	j.BandwidthShare = 0

	m.history[m.histPos] = j
	m.histPos = (m.histPos + 1) % len(m.history)
	if m.histLen < len(m.history) {
		m.histLen++
	}
}

// clearDispatch drops the cancel handle of a finished dispatch.
// Callers hold m.mu.
func (m *Manager) clearDispatch(j *job.Job) {
	delete(m.active, j.ID)
}

func (m *Manager) inHistory(jobID id.JobID) *job.Job {
	for i := range m.histLen {
		idx := (m.histPos - 1 - i + len(m.history)) % len(m.history)
		if h := m.history[idx]; h != nil && h.ID == jobID {
			return h
		}
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, j *job.Job) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("persist job %s: %w", j.ID, err)
	}
	return nil
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}

// publishLocked publishes while m.mu is held. The bus never blocks on
// slow subscribers, so holding the gate across Publish is safe.
func (m *Manager) publishLocked(topic string, payload any) {
	m.publish(topic, payload)
}
