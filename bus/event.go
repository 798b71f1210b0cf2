// Package bus provides the topic-based publish/subscribe hub that
// distributes job lifecycle events to observers in real time.
//
// Publishing never blocks on a slow subscriber: each subscription owns a
// bounded buffer and, when it is full, the oldest buffered event is
// dropped and counted. Events delivered to one subscriber arrive in
// publish order; no ordering holds across independent subscribers.
package bus

import (
	"strings"
	"time"

	"github.com/mediaflow/fetchq/id"
)

// Topic constants for the fetchq lifecycle.
const (
	TopicJobSubmitted = "job.submitted"
	TopicJobAdmitted  = "job.admitted"
	TopicJobProgress  = "job.progress"
	TopicJobCompleted = "job.completed"
	TopicJobFailed    = "job.failed"
	TopicJobCancelled = "job.cancelled"
	TopicJobRetrying  = "job.retrying"
	TopicJobPaused    = "job.paused"
	TopicJobResumed   = "job.resumed"

	TopicRuleApplied   = "rule.applied"
	TopicQueueSnapshot = "queue.snapshot"
	TopicScheduleFired = "schedule.fired"
)

// Event is an immutable record published on a topic. Once published it
// is owned by the bus; subscribers must treat the payload as read-only.
type Event struct {
	ID        id.EventID `json:"id"`
	Seq       uint64     `json:"seq"`
	Topic     string     `json:"topic"`
	Timestamp time.Time  `json:"ts"`
	Payload   any        `json:"payload,omitempty"`
}

// MatchTopic reports whether a topic matches a subscription pattern.
// Patterns are either an exact topic, a "*" wildcard matching every
// topic, or a segment prefix followed by ".*" (e.g. "job.*" matches
// "job.completed" but not "queue.snapshot").
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return pattern == topic
}
