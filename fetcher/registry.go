package fetcher

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"golang.org/x/time/rate"

	fetchq "github.com/mediaflow/fetchq"
)

// Engine is a registered fetcher with the URL space it claims.
type Engine struct {
	Name    string
	Fetcher Fetcher

	// Limiter throttles dispatches to this engine, nil means
	// unlimited. The dispatch loop waits on it before executing.
	Limiter *rate.Limiter

	pattern *regexp.Regexp
}

// Matches reports whether the engine claims the URL.
func (e *Engine) Matches(url string) bool {
	return e.pattern == nil || e.pattern.MatchString(url)
}

// EngineOption configures a registration.
type EngineOption func(*Engine)

// WithRateLimit throttles the engine to r dispatches per second with
// the given burst.
func WithRateLimit(r rate.Limit, burst int) EngineOption {
	return func(e *Engine) {
		e.Limiter = rate.NewLimiter(r, burst)
	}
}

// Registry maps URLs to engines. Registration order is selection
// priority: Select returns the first registered engine whose pattern
// matches.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byName  map[string]*Engine
	ordered []*Engine
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		byName: make(map[string]*Engine),
	}
}

// Register adds an engine. urlPattern is a regular expression over the
// job's source URL; an empty pattern claims every URL, which is how a
// catch-all engine registers last. Re-registering a name is an error.
func (r *Registry) Register(name, urlPattern string, f Fetcher, opts ...EngineOption) error {
	if name == "" {
		return fmt.Errorf("engine without a name")
	}
	if f == nil {
		return fmt.Errorf("engine %q: nil fetcher", name)
	}

	eng := &Engine{Name: name, Fetcher: f}
	if urlPattern != "" {
		re, err := regexp.Compile(urlPattern)
		if err != nil {
			return fmt.Errorf("engine %q: bad url pattern: %w", name, err)
		}
		eng.pattern = re
	}
	for _, opt := range opts {
		opt(eng)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("engine %q already registered", name)
	}
	r.byName[name] = eng
	r.ordered = append(r.ordered, eng)

	r.logger.Debug("fetch engine registered",
		slog.String("engine", name),
		slog.String("pattern", urlPattern),
	)
	return nil
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eng, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("engine %q: %w", name, fetchq.ErrEngineNotFound)
	}
	return eng, nil
}

// Select returns the first registered engine claiming the URL. A job
// whose engine field was set explicitly (or by a rule) bypasses Select
// and goes through Get instead.
func (r *Registry) Select(url string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, eng := range r.ordered {
		if eng.Matches(url) {
			return eng, nil
		}
	}
	return nil, fmt.Errorf("no engine for %s: %w", url, fetchq.ErrEngineNotFound)
}

// Names lists registered engine names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.ordered))
	for i, eng := range r.ordered {
		names[i] = eng.Name
	}
	return names
}
