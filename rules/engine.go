// Package rules evaluates declarative condition/action rules against
// job metadata before admission. The active rule set is an immutable
// snapshot swapped atomically on reload, so evaluation never observes
// a partially updated configuration.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/mediaflow/fetchq/bus"
	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
)

// Applied is the payload of a rule.applied event. One event is
// published per evaluation that matched at least one rule.
type Applied struct {
	JobID id.JobID `json:"job_id"`
	Rules []string `json:"rules"`
}

type snapshot struct {
	// sorted ascending by priority, declaration order on ties
	rules []*Rule
}

// Engine holds the active rule snapshot and evaluates jobs against it.
type Engine struct {
	logger *slog.Logger
	bus    *bus.Bus
	snap   atomic.Pointer[snapshot]
}

// New returns an engine with an empty rule set. The bus may be nil,
// in which case rule.applied events are not published.
func New(logger *slog.Logger, b *bus.Bus) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger, bus: b}
	e.snap.Store(&snapshot{})
	return e
}

// SetRules compiles and installs a new rule set, replacing the current
// snapshot atomically. Rules that fail to compile are skipped with a
// warning; a single bad rule never blocks the rest of the set.
func (e *Engine) SetRules(rs []Rule) {
	compiled := make([]*Rule, 0, len(rs))
	for i := range rs {
		r := rs[i] // copy, the caller keeps its slice
		if err := r.compile(); err != nil {
			e.logger.Warn("skipping malformed rule", slog.String("error", err.Error()))
			continue
		}
		compiled = append(compiled, &r)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})

	e.snap.Store(&snapshot{rules: compiled})
	e.logger.Info("rule set installed",
		slog.Int("rules", len(compiled)),
		slog.Int("skipped", len(rs)-len(compiled)),
	)
}

// Load reads a YAML rule list from path and installs it. Reload is the
// same operation; callers hot-reloading on SIGHUP or file change just
// call Load again.
func (e *Engine) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	var rs []Rule
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return fmt.Errorf("parse rules file %s: %w", path, err)
	}
	e.SetRules(rs)
	return nil
}

// Rules returns the active rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	snap := e.snap.Load()
	out := make([]Rule, len(snap.rules))
	for i, r := range snap.rules {
		out[i] = *r
	}
	return out
}

// Evaluate runs every enabled rule against the job, in ascending
// priority order, and returns an adjusted copy plus the names of the
// rules that matched. Later rules overwrite earlier ones' changes to
// the same field. The input job is never mutated.
func (e *Engine) Evaluate(j *job.Job, env Env) (*job.Job, []string) {
	snap := e.snap.Load()
	adjusted := j.Clone()

	var matched []string
	for _, r := range snap.rules {
		if !r.IsEnabled() {
			continue
		}
		if !r.matches(adjusted, env) {
			continue
		}
		for i := range r.Actions {
			r.Actions[i].apply(adjusted)
		}
		matched = append(matched, r.Name)
	}

	if len(matched) > 0 {
		e.logger.Debug("rules applied",
			slog.String("job_id", j.ID.String()),
			slog.Any("rules", matched),
		)
		if e.bus != nil {
			e.bus.Publish(bus.TopicRuleApplied, Applied{JobID: j.ID, Rules: matched})
		}
	}
	return adjusted, matched
}
