package job

import (
	"context"

	"github.com/mediaflow/fetchq/id"
)

// Store defines the persistence contract for jobs. Implementations
// persist enough state for the queue manager to resume all non-terminal
// jobs after a restart.
type Store interface {
	// SaveJob persists a job, inserting or replacing by ID.
	SaveJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// LoadAllJobs returns every persisted job.
	LoadAllJobs(ctx context.Context) ([]*Job, error)

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// Migrate prepares the backing schema.
	Migrate(ctx context.Context) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
