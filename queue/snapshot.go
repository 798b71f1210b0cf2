package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	fetchq "github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/bus"
	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
)

// Snapshot is an immutable view of queue state at one instant. The
// dispatch loop publishes one per tick on queue.snapshot.
type Snapshot struct {
	TakenAt time.Time          `json:"taken_at"`
	Counts  map[job.State]int  `json:"counts"`
	Running int                `json:"running"`
	Pending int                `json:"pending"`
	// BandwidthBudget and BandwidthAllocated describe the global rate
	// budget and the sum of current running shares.
	BandwidthBudget    int64 `json:"bandwidth_budget"`
	BandwidthAllocated int64 `json:"bandwidth_allocated"`
	Stats              Stats `json:"stats"`
}

// Snapshot returns the current queue state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(time.Now().UTC())
}

// snapshotLocked builds a snapshot. Callers hold m.mu.
func (m *Manager) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		TakenAt:         now,
		Counts:          make(map[job.State]int),
		BandwidthBudget: m.cfg.BandwidthBudget,
		Stats:           m.stats,
	}
	for _, j := range m.jobs {
		snap.Counts[j.State]++
		if j.State == job.StateRunning {
			snap.Running++
			snap.BandwidthAllocated += j.BandwidthShare
		}
		if j.State == job.StatePending {
			snap.Pending++
		}
	}
	for i := range m.histLen {
		idx := (m.histPos - 1 - i + len(m.history)) % len(m.history)
		if h := m.history[idx]; h != nil {
			snap.Counts[h.State]++
		}
	}
	return snap
}

// Job returns a copy of the job with the given ID, looking through
// both the active index and the terminal history.
func (m *Manager) Job(jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[jobID]; ok {
		return j.Clone(), nil
	}
	if h := m.inHistory(jobID); h != nil {
		return h.Clone(), nil
	}
	return nil, fmt.Errorf("job %s: %w", jobID, fetchq.ErrJobNotFound)
}

// Jobs returns copies of all active jobs in the given state, ordered
// by descending priority then submission time. An empty state returns
// every active job.
func (m *Manager) Jobs(state job.State) []*job.Job {
	m.mu.Lock()
	out := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if state == "" || j.State == state {
			out = append(out, j.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// History returns copies of up to limit terminal jobs, newest first.
// A limit <= 0 returns the whole retained ring.
func (m *Manager) History(limit int) []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.histLen
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*job.Job, 0, n)
	for i := range m.histLen {
		if len(out) == n {
			break
		}
		idx := (m.histPos - 1 - i + len(m.history)) % len(m.history)
		if h := m.history[idx]; h != nil {
			out = append(out, h.Clone())
		}
	}
	return out
}

// QueueStats returns the cumulative counters.
func (m *Manager) QueueStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Replay resubmits a terminal job as a fresh pending job with a new ID
// and a reset retry budget. The original stays in history untouched.
func (m *Manager) Replay(ctx context.Context, jobID id.JobID) (id.JobID, error) {
	m.mu.Lock()
	src := m.inHistory(jobID)
	if src == nil {
		if _, active := m.jobs[jobID]; active {
			m.mu.Unlock()
			return id.Nil, fmt.Errorf("replay %s: job still active: %w", jobID, fetchq.ErrInvalidTransition)
		}
		m.mu.Unlock()
		return id.Nil, fmt.Errorf("replay %s: %w", jobID, fetchq.ErrJobNotFound)
	}

	if held, taken := m.dedup[src.DedupKey]; taken {
		m.stats.DuplicatesSuppressed++
		m.mu.Unlock()
		return held, fmt.Errorf("source already queued as %s: %w", held, fetchq.ErrDuplicateJob)
	}

	now := time.Now().UTC()
	fresh := &job.Job{
		ID:           id.NewJobID(),
		SourceURL:    src.SourceURL,
		Title:        src.Title,
		Uploader:     src.Uploader,
		Profile:      src.Profile,
		Engine:       src.Engine,
		Priority:     src.Priority,
		State:        job.StatePending,
		MaxRetries:   src.MaxRetries,
		BandwidthCap: src.BandwidthCap,
		DedupKey:     src.DedupKey,
		DurationSec:  src.DurationSec,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.jobs[fresh.ID] = fresh
	m.dedup[fresh.DedupKey] = fresh.ID
	if err := m.persist(ctx, fresh); err != nil {
		delete(m.jobs, fresh.ID)
		delete(m.dedup, fresh.DedupKey)
		m.mu.Unlock()
		return id.Nil, err
	}
	m.stats.Submitted++
	snapshot := fresh.Clone()
	m.mu.Unlock()

	m.publish(bus.TopicJobSubmitted, snapshot)
	return fresh.ID, nil
}
