package job

import "time"

// Options configures per-job behavior at submission time.
type Options struct {
	// Profile names the download configuration bundle.
	Profile string

	// Priority determines dispatch ordering. Higher values run first.
	Priority int

	// MaxRetries is the retry budget for transient failures.
	// Negative means use the queue manager's default.
	MaxRetries int

	// RunAt defers execution until the given time. Zero means immediate.
	RunAt time.Time

	// BandwidthCap limits the job's download rate in bytes per second.
	BandwidthCap int64

	// Title is the resolved media title when the caller already knows it;
	// it sharpens duplicate detection.
	Title string

	// Uploader is the content author, when known. Rules match on it.
	Uploader string

	// DurationSec is the media duration in seconds, when known.
	DurationSec int

	// Engine pins a specific fetch engine, bypassing registry selection.
	Engine string
}

// DefaultOptions returns Options with submission defaults.
func DefaultOptions() Options {
	return Options{
		Profile:    "default",
		MaxRetries: -1,
	}
}

// Option is a functional option applied at Submit time.
type Option func(*Options)

// WithProfile sets the download profile for the job.
func WithProfile(name string) Option {
	return func(o *Options) { o.Profile = name }
}

// WithPriority sets the job priority. Higher values are dispatched first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxRetries sets the retry budget for transient failures.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}

// WithBandwidthCap limits the job's download rate in bytes per second.
func WithBandwidthCap(bps int64) Option {
	return func(o *Options) { o.BandwidthCap = bps }
}

// WithTitle records the resolved media title at submission.
func WithTitle(title string) Option {
	return func(o *Options) { o.Title = title }
}

// WithUploader records the content author at submission.
func WithUploader(name string) Option {
	return func(o *Options) { o.Uploader = name }
}

// WithDuration records the media duration in seconds.
func WithDuration(seconds int) Option {
	return func(o *Options) { o.DurationSec = seconds }
}

// WithEngine pins a specific fetch engine for the job.
func WithEngine(name string) Option {
	return func(o *Options) { o.Engine = name }
}
