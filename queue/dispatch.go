package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	fetchq "github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/bus"
	"github.com/mediaflow/fetchq/fetcher"
	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
	"github.com/mediaflow/fetchq/rules"
)

// Start recovers persisted jobs and launches the dispatch loop. It
// returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.recover(ctx); err != nil {
		return err
	}

	m.logger.Info("queue manager starting",
		slog.Int("concurrency", m.cfg.Concurrency),
		slog.Int64("bandwidth_budget", m.cfg.BandwidthBudget),
		slog.Duration("tick", m.cfg.TickInterval),
	)

	m.wg.Add(1)
	go m.dispatchLoop()
	return nil
}

// Stop halts dispatching and waits for in-flight fetches. If ctx
// expires first, active fetches are cancelled and awaited.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	m.logger.Info("queue manager stopping")
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("queue manager stopped gracefully")
	case <-ctx.Done():
		m.logger.Warn("queue shutdown timed out, cancelling active fetches")
		m.cancelActive()
		<-done
	}
	return nil
}

// recover reloads persisted jobs. Non-terminal jobs resume as pending
// with their retry counts preserved; terminal jobs feed the history
// ring so Replay and status queries survive a restart.
func (m *Manager) recover(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	jobs, err := m.store.LoadAllJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var resumed, terminal int
	for _, j := range jobs {
		if j.State.Terminal() {
			m.history[m.histPos] = j
			m.histPos = (m.histPos + 1) % len(m.history)
			if m.histLen < len(m.history) {
				m.histLen++
			}
			terminal++
			continue
		}

		j.State = job.StatePending
		j.StartedAt = nil
		j.BandwidthShare = 0
		j.BytesDone, j.BytesTotal, j.Rate = 0, 0, 0
		j.UpdatedAt = time.Now().UTC()
		m.jobs[j.ID] = j
		m.dedup[j.DedupKey] = j.ID
		resumed++
	}

	if resumed > 0 || terminal > 0 {
		m.logger.Info("recovered persisted jobs",
			slog.Int("resumed", resumed),
			slog.Int("terminal", terminal),
		)
	}
	return nil
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick is one scheduling pass: expire stuck fetches, rebalance
// bandwidth, admit eligible jobs, publish a queue snapshot. Bandwidth
// freed by a completion is redistributed here, not mid-transfer.
func (m *Manager) tick() {
	now := time.Now().UTC()
	ctx := context.Background()

	m.expireStuck(ctx, now)

	m.mu.Lock()
	m.rebalanceLocked()
	admissions := m.admitLocked(now)
	snapshot := m.snapshotLocked(now)
	m.mu.Unlock()

	for _, adm := range admissions {
		m.wg.Add(1)
		go m.runFetch(adm)
	}

	m.publish(bus.TopicQueueSnapshot, snapshot)
}

// expireStuck fails any job that has been running longer than the
// maximum runtime. The fetch context is cancelled; its eventual
// outcome arrives stale and is discarded.
func (m *Manager) expireStuck(ctx context.Context, now time.Time) {
	if m.cfg.MaxJobRuntime <= 0 {
		return
	}

	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, j := range m.jobs {
		if j.State != job.StateRunning || j.StartedAt == nil {
			continue
		}
		if now.Sub(*j.StartedAt) <= m.cfg.MaxJobRuntime {
			continue
		}
		if d := m.active[j.ID]; d != nil {
			cancels = append(cancels, d.cancel)
		}
		m.logger.Warn("job exceeded max runtime",
			slog.String("job_id", j.ID.String()),
			slog.Duration("max_runtime", m.cfg.MaxJobRuntime),
		)
		m.failLocked(ctx, j, fetcher.Transient("watchdog",
			fmt.Errorf("exceeded max runtime %s", m.cfg.MaxJobRuntime)))
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// rebalanceLocked recomputes per-job bandwidth shares. Jobs with an
// explicit cap keep it; the remaining budget is split equally among
// uncapped running jobs. Callers hold m.mu.
func (m *Manager) rebalanceLocked() {
	budget := m.cfg.BandwidthBudget
	if budget <= 0 {
		for _, j := range m.jobs {
			if j.State == job.StateRunning {
				j.BandwidthShare = j.BandwidthCap
			}
		}
		return
	}

	var capped int64
	var uncapped []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateRunning {
			continue
		}
		if j.BandwidthCap > 0 {
			j.BandwidthShare = min(j.BandwidthCap, budget)
			capped += j.BandwidthShare
		} else {
			uncapped = append(uncapped, j)
		}
	}

	remaining := max(budget-capped, 0)
	if len(uncapped) > 0 {
		share := remaining / int64(len(uncapped))
		for _, j := range uncapped {
			j.BandwidthShare = share
		}
	}
}

// admission is a dispatch decision handed from the tick to a fetch
// goroutine.
type admission struct {
	job    *job.Job
	engine *fetcher.Engine
	cancel context.CancelFunc
	ctx    context.Context
	epoch  uint64
}

// admitLocked fills free slots with the best eligible pending jobs:
// highest priority first, earliest submission on ties. A job whose
// deferred RunAt has not elapsed, or whose bandwidth cap cannot fit in
// the unallocated budget, simply stays pending. Callers hold m.mu.
func (m *Manager) admitLocked(now time.Time) []*admission {
	var admissions []*admission
	skip := make(map[id.JobID]bool)

	for len(m.active) < m.cfg.Concurrency {
		j := m.pickLocked(now, skip)
		if j == nil {
			break
		}

		j.State = job.StateAdmitted

		adjusted, _ := m.evaluateLocked(j)
		j.Priority = adjusted.Priority
		j.Profile = adjusted.Profile
		j.BandwidthCap = adjusted.BandwidthCap
		j.Engine = adjusted.Engine

		eng, err := m.resolveEngine(j)
		if err != nil {
			// No engine can serve this job. Run the terminal failure
			// path; an unknown engine is permanent, retrying cannot
			// conjure one up.
			m.publishLocked(bus.TopicJobAdmitted, j.Clone())
			j.State = job.StateRunning
			started := now
			j.StartedAt = &started
			m.failLocked(context.Background(), j, fetcher.Permanent("admit", err))
			continue
		}

		if eng.Limiter != nil && !eng.Limiter.Allow() {
			// Engine rate limit exhausted; try again next tick.
			j.State = job.StatePending
			skip[j.ID] = true
			continue
		}

		// The admitted event is published under the gate, before the
		// running transition, so its payload carries the admitted state
		// and subscribers see it strictly between submitted and running.
		m.publishLocked(bus.TopicJobAdmitted, j.Clone())

		started := now
		j.State = job.StateRunning
		j.StartedAt = &started
		j.UpdatedAt = now
		if err := m.persist(context.Background(), j); err != nil {
			m.logger.Error("failed to persist admitted job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}

		ctx, cancel := context.WithCancel(context.Background())
		m.lastEpoch++
		m.active[j.ID] = &dispatch{cancel: cancel, epoch: m.lastEpoch}
		admissions = append(admissions, &admission{
			job:    j.Clone(),
			engine: eng,
			cancel: cancel,
			ctx:    ctx,
			epoch:  m.lastEpoch,
		})
	}
	return admissions
}

// pickLocked selects the highest-priority eligible pending job.
// Callers hold m.mu.
func (m *Manager) pickLocked(now time.Time, skip map[id.JobID]bool) *job.Job {
	var best *job.Job
	unallocated := m.unallocatedLocked()

	for _, j := range m.jobs {
		if j.State != job.StatePending || skip[j.ID] {
			continue
		}
		if !j.RunAt.IsZero() && j.RunAt.After(now) {
			continue
		}
		if m.cfg.BandwidthBudget > 0 && j.BandwidthCap > unallocated {
			// Not enough budget for this job's cap right now. It stays
			// pending; resource exhaustion is never surfaced as an error.
			continue
		}
		if best == nil ||
			j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	return best
}

func (m *Manager) unallocatedLocked() int64 {
	if m.cfg.BandwidthBudget <= 0 {
		return 0
	}
	var allocated int64
	for _, j := range m.jobs {
		if j.State == job.StateRunning && j.BandwidthCap > 0 {
			allocated += min(j.BandwidthCap, m.cfg.BandwidthBudget)
		}
	}
	return max(m.cfg.BandwidthBudget-allocated, 0)
}

// evaluateLocked consults the rules engine with a queue-size snapshot.
// Callers hold m.mu.
func (m *Manager) evaluateLocked(j *job.Job) (*job.Job, []string) {
	if m.rules == nil {
		return j, nil
	}
	pending := 0
	for _, other := range m.jobs {
		if other.State == job.StatePending {
			pending++
		}
	}
	return m.rules.Evaluate(j, rules.Env{QueueSize: pending})
}

func (m *Manager) resolveEngine(j *job.Job) (*fetcher.Engine, error) {
	if m.registry == nil {
		return nil, fetchq.ErrEngineNotFound
	}
	if j.Engine != "" {
		return m.registry.Get(j.Engine)
	}
	eng, err := m.registry.Select(j.SourceURL)
	if err != nil {
		return nil, err
	}
	j.Engine = eng.Name
	return eng, nil
}

// runFetch drives one admitted job through the middleware chain and the
// engine, then applies the terminal outcome.
func (m *Manager) runFetch(adm *admission) {
	defer m.wg.Done()
	defer adm.cancel()

	var outcome fetcher.Outcome
	sawOutcome := false

	terminal := func(ctx context.Context) error {
		signals, err := adm.engine.Fetcher.Execute(ctx, adm.job)
		if err != nil {
			return err
		}
		for sig := range signals {
			switch s := sig.(type) {
			case fetcher.Progress:
				m.ReportProgress(adm.job.ID, adm.epoch, s.BytesDone, s.BytesTotal, s.Rate)
			case fetcher.Outcome:
				outcome = s
				sawOutcome = true
			}
		}
		if !sawOutcome {
			return fetcher.Transient("fetch", fmt.Errorf("engine %s closed signal stream without an outcome", adm.engine.Name))
		}
		return outcome.Err
	}

	err := m.mw(adm.ctx, adm.job, terminal)
	if !sawOutcome {
		outcome = fetcher.Outcome{Err: err}
	} else if outcome.Err == nil && err != nil {
		// Middleware (timeout, panic recovery) failed the fetch after
		// the engine reported success.
		outcome = fetcher.Outcome{Err: err}
	}

	if reportErr := m.ReportOutcome(context.Background(), adm.job.ID, adm.epoch, outcome); reportErr != nil {
		m.logger.Error("failed to report outcome",
			slog.String("job_id", adm.job.ID.String()),
			slog.String("error", reportErr.Error()),
		)
	}
}

func (m *Manager) cancelActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for jobID, d := range m.active {
		m.logger.Warn("cancelling active fetch", slog.String("job_id", jobID.String()))
		d.cancel()
	}
}

// Tick runs one scheduling pass immediately. Tests and the scheduler
// use it to avoid waiting for the next timer tick.
func (m *Manager) Tick() {
	m.tick()
}
