// Package fetcher defines the capability boundary between the queue
// core and the content-fetching engines. The core treats an engine as
// a black box: it hands over a job descriptor and consumes a stream of
// progress signals ending in exactly one outcome.
package fetcher

import (
	"context"

	"github.com/mediaflow/fetchq/job"
)

// Fetcher executes a job and streams signals back. The returned
// channel carries zero or more Progress signals followed by exactly
// one Outcome, after which the channel is closed. Cancelling ctx asks
// the engine to stop; it still owes the final Outcome.
type Fetcher interface {
	Execute(ctx context.Context, j *job.Job) (<-chan Signal, error)
}

// Signal is either a Progress or an Outcome.
type Signal interface {
	isSignal()
}

// Progress reports transfer state mid-fetch.
type Progress struct {
	BytesDone  int64
	BytesTotal int64
	// Rate is the current transfer rate in bytes per second.
	Rate float64
}

func (Progress) isSignal() {}

// Outcome is the terminal signal of an execution. A nil Err means the
// fetch succeeded.
type Outcome struct {
	Err  error
	Meta Meta
}

func (Outcome) isSignal() {}

// Meta carries metadata the engine resolved during the fetch. Zero
// values leave the corresponding job fields untouched.
type Meta struct {
	Title       string
	Uploader    string
	DurationSec int
	FilePath    string
	BytesTotal  int64
}

// Func adapts a plain function to the Fetcher interface.
type Func func(ctx context.Context, j *job.Job) (<-chan Signal, error)

func (f Func) Execute(ctx context.Context, j *job.Job) (<-chan Signal, error) {
	return f(ctx, j)
}
