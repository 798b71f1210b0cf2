package rules

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/job"
)

// Field selects the piece of job metadata a condition inspects.
type Field string

const (
	FieldURL       Field = "url"
	FieldDomain    Field = "domain"
	FieldTitle     Field = "title"
	FieldUploader  Field = "uploader"
	FieldProfile   Field = "profile"
	FieldEngine    Field = "engine"
	FieldPriority  Field = "priority"
	FieldDuration  Field = "duration"
	FieldQueueSize Field = "queue_size"
)

// Op is a condition operator.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpMatches     Op = "matches"
	OpNotMatches  Op = "not_matches"
	OpGt          Op = "gt"
	OpLt          Op = "lt"
	OpGe          Op = "ge"
	OpLe          Op = "le"
)

// ActionType names one of the closed set of mutations a rule may apply.
// Actions only ever touch priority, profile, bandwidth cap, and engine;
// identity and dedup key are off limits.
type ActionType string

const (
	ActionSetPriority     ActionType = "set_priority"
	ActionSetProfile      ActionType = "set_profile"
	ActionSetBandwidthCap ActionType = "set_bandwidth_cap"
	ActionSetEngine       ActionType = "set_engine"
)

// Condition is a single field/operator/value predicate. All conditions
// of a rule must hold for the rule to match.
type Condition struct {
	Field Field  `yaml:"field" json:"field"`
	Op    Op     `yaml:"op" json:"op"`
	Value string `yaml:"value" json:"value"`

	// compiled forms, populated by compile
	re  *regexp.Regexp
	num float64
}

// Action mutates one permitted job field.
type Action struct {
	Type  ActionType `yaml:"action" json:"action"`
	Value string     `yaml:"value" json:"value"`

	// parsed numeric value for set_priority / set_bandwidth_cap
	num int64
}

// Rule is a named, prioritized condition/action bundle. Rules with a
// lower Priority value are evaluated earlier; a later rule may overwrite
// a field an earlier rule set.
type Rule struct {
	Name       string      `yaml:"name" json:"name"`
	Enabled    *bool       `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Priority   int         `yaml:"priority" json:"priority"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	Actions    []Action    `yaml:"actions" json:"actions"`
}

// IsEnabled reports whether the rule participates in evaluation.
// Rules are enabled unless explicitly disabled.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Env carries evaluation inputs that live outside the job itself.
type Env struct {
	// QueueSize is the number of pending jobs at evaluation time,
	// exposed to conditions through the queue_size field.
	QueueSize int
}

// ── compilation ──────────────────────────────────────────────────────

func numericField(f Field) bool {
	switch f {
	case FieldPriority, FieldDuration, FieldQueueSize:
		return true
	}
	return false
}

func knownField(f Field) bool {
	switch f {
	case FieldURL, FieldDomain, FieldTitle, FieldUploader,
		FieldProfile, FieldEngine, FieldPriority, FieldDuration,
		FieldQueueSize:
		return true
	}
	return false
}

// compile validates the rule and precomputes regexes and numeric
// comparands. A rule that fails to compile is skipped at load time,
// never silently half-applied.
func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("rule without a name")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q: no actions", r.Name)
	}

	for i := range r.Conditions {
		c := &r.Conditions[i]
		if !knownField(c.Field) {
			return fmt.Errorf("rule %q condition %d: unknown field %q: %w", r.Name, i, c.Field, fetchq.ErrInvalidCondition)
		}
		switch c.Op {
		case OpEq, OpNe:
			if numericField(c.Field) {
				n, err := strconv.ParseFloat(c.Value, 64)
				if err != nil {
					return fmt.Errorf("rule %q condition %d: %q is not numeric: %w", r.Name, i, c.Value, fetchq.ErrInvalidCondition)
				}
				c.num = n
			}
		case OpContains, OpNotContains:
			if numericField(c.Field) {
				return fmt.Errorf("rule %q condition %d: %s does not apply to numeric field %q: %w", r.Name, i, c.Op, c.Field, fetchq.ErrInvalidCondition)
			}
		case OpMatches, OpNotMatches:
			if numericField(c.Field) {
				return fmt.Errorf("rule %q condition %d: %s does not apply to numeric field %q: %w", r.Name, i, c.Op, c.Field, fetchq.ErrInvalidCondition)
			}
			re, err := regexp.Compile(c.Value)
			if err != nil {
				return fmt.Errorf("rule %q condition %d: bad pattern %q: %w", r.Name, i, c.Value, fetchq.ErrInvalidCondition)
			}
			c.re = re
		case OpGt, OpLt, OpGe, OpLe:
			if !numericField(c.Field) {
				return fmt.Errorf("rule %q condition %d: %s requires a numeric field, got %q: %w", r.Name, i, c.Op, c.Field, fetchq.ErrInvalidCondition)
			}
			n, err := strconv.ParseFloat(c.Value, 64)
			if err != nil {
				return fmt.Errorf("rule %q condition %d: %q is not numeric: %w", r.Name, i, c.Value, fetchq.ErrInvalidCondition)
			}
			c.num = n
		default:
			return fmt.Errorf("rule %q condition %d: unknown operator %q: %w", r.Name, i, c.Op, fetchq.ErrInvalidCondition)
		}
	}

	for i := range r.Actions {
		a := &r.Actions[i]
		switch a.Type {
		case ActionSetPriority, ActionSetBandwidthCap:
			n, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("rule %q action %d: %s needs an integer, got %q: %w", r.Name, i, a.Type, a.Value, fetchq.ErrInvalidAction)
			}
			a.num = n
		case ActionSetProfile, ActionSetEngine:
			if a.Value == "" {
				return fmt.Errorf("rule %q action %d: %s needs a value: %w", r.Name, i, a.Type, fetchq.ErrInvalidAction)
			}
		default:
			return fmt.Errorf("rule %q action %d: unknown action %q: %w", r.Name, i, a.Type, fetchq.ErrInvalidAction)
		}
	}
	return nil
}

// ── evaluation ───────────────────────────────────────────────────────

// matches reports whether every condition of the rule holds for the
// job. A rule with no conditions matches unconditionally.
func (r *Rule) matches(j *job.Job, env Env) bool {
	for i := range r.Conditions {
		if !r.Conditions[i].eval(j, env) {
			return false
		}
	}
	return true
}

func (c *Condition) eval(j *job.Job, env Env) bool {
	if numericField(c.Field) {
		return c.evalNumber(numberOf(c.Field, j, env))
	}
	return c.evalString(stringOf(c.Field, j))
}

func stringOf(f Field, j *job.Job) string {
	switch f {
	case FieldURL:
		return j.SourceURL
	case FieldDomain:
		u, err := url.Parse(j.SourceURL)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	case FieldTitle:
		return j.Title
	case FieldUploader:
		return j.Uploader
	case FieldProfile:
		return j.Profile
	case FieldEngine:
		return j.Engine
	}
	return ""
}

func numberOf(f Field, j *job.Job, env Env) float64 {
	switch f {
	case FieldPriority:
		return float64(j.Priority)
	case FieldDuration:
		return float64(j.DurationSec)
	case FieldQueueSize:
		return float64(env.QueueSize)
	}
	return 0
}

func (c *Condition) evalString(v string) bool {
	switch c.Op {
	case OpEq:
		return strings.EqualFold(v, c.Value)
	case OpNe:
		return !strings.EqualFold(v, c.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	case OpNotContains:
		return !strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	case OpMatches:
		return c.re.MatchString(v)
	case OpNotMatches:
		return !c.re.MatchString(v)
	}
	return false
}

func (c *Condition) evalNumber(v float64) bool {
	switch c.Op {
	case OpEq:
		return v == c.num
	case OpNe:
		return v != c.num
	case OpGt:
		return v > c.num
	case OpLt:
		return v < c.num
	case OpGe:
		return v >= c.num
	case OpLe:
		return v <= c.num
	}
	return false
}

// apply mutates the permitted fields on the working copy.
func (a *Action) apply(j *job.Job) {
	switch a.Type {
	case ActionSetPriority:
		j.Priority = int(a.num)
	case ActionSetBandwidthCap:
		j.BandwidthCap = a.num
	case ActionSetProfile:
		j.Profile = a.Value
	case ActionSetEngine:
		j.Engine = a.Value
	}
}
