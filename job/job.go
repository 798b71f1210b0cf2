package job

import (
	"time"

	"github.com/mediaflow/fetchq/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting for a dispatch slot.
	StatePending State = "pending"
	// StateAdmitted means the job passed rule evaluation and is being
	// handed to a fetch engine. It is never persisted as a resting state.
	StateAdmitted State = "admitted"
	// StateRunning means a fetch engine is currently executing the job.
	StateRunning State = "running"
	// StatePaused means a running job was suspended by the caller.
	StatePaused State = "paused"
	// StateCompleted means the fetch finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the fetch failed and retries are exhausted.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job represents one requested fetch operation tracked through its
// lifecycle by the queue manager.
type Job struct {
	ID        id.JobID `json:"id"`
	SourceURL string   `json:"source_url"`
	Title     string   `json:"title,omitempty"`
	Uploader  string   `json:"uploader,omitempty"`

	// Profile names the download configuration bundle to apply.
	Profile string `json:"profile"`
	// Engine names the fetch engine selected for this job. Empty means
	// the registry picks one at admission time.
	Engine string `json:"engine,omitempty"`

	Priority   int   `json:"priority"`
	State      State `json:"state"`
	MaxRetries int   `json:"max_retries"`
	RetryCount int   `json:"retry_count"`

	// BandwidthCap limits this job's download rate in bytes per second.
	// Zero means an equal share of the global budget.
	BandwidthCap int64 `json:"bandwidth_cap,omitempty"`
	// BandwidthShare is the rate currently allocated by the dispatcher.
	BandwidthShare int64 `json:"bandwidth_share,omitempty"`

	// DedupKey is the normalized identity used for duplicate suppression.
	DedupKey string `json:"dedup_key"`

	// RunAt defers execution until the given time. The retry path also
	// uses it to hold the computed backoff deadline.
	RunAt time.Time `json:"run_at"`

	// DurationSec is the media duration in seconds, when known.
	DurationSec int `json:"duration_sec,omitempty"`

	// FilePath is where the engine stored the fetched media, set on
	// completion.
	FilePath string `json:"file_path,omitempty"`

	LastError      string `json:"last_error,omitempty"`
	LastErrorClass string `json:"last_error_class,omitempty"`

	// Progress fields are transient and not persisted across restarts.
	BytesDone  int64   `json:"bytes_done,omitempty"`
	BytesTotal int64   `json:"bytes_total,omitempty"`
	Rate       float64 `json:"rate,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CanTransition reports whether moving from the job's current state to
// next is a legal state machine transition.
func (j *Job) CanTransition(next State) bool {
	if j.State.Terminal() {
		return false
	}

	switch next {
	case StatePending:
		// Retry re-enqueue or resume-from-pause.
		return j.State == StateRunning || j.State == StatePaused || j.State == StateAdmitted
	case StateAdmitted:
		return j.State == StatePending
	case StateRunning:
		return j.State == StateAdmitted
	case StatePaused:
		return j.State == StateRunning
	case StateCompleted, StateFailed:
		return j.State == StateRunning
	case StateCancelled:
		// Any non-terminal job may be cancelled; cancelling a running
		// job is best-effort against the fetch engine.
		return true
	}
	return false
}

// Clone returns a copy of the job safe for callers to mutate.
func (j *Job) Clone() *Job {
	cp := *j
	return &cp
}
