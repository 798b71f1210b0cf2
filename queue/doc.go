// Package queue implements the job orchestration core: a priority
// queue coupled to the event bus and the rules engine.
//
// The [Manager] owns every job state transition. A single dispatch
// loop fills free slots with the highest-priority eligible pending
// jobs, consults the rules engine at admission, hands admitted jobs to
// the matching fetch engine through a middleware chain, and translates
// the engine's progress and outcome signals back into state
// transitions and bus events. Transient failures re-enter the queue
// with exponential backoff until the retry budget is spent; terminal
// jobs move to a bounded history ring from which [Manager.Replay] can
// resubmit them.
package queue
