// Package job defines the Job model, its lifecycle state machine, the
// duplicate-suppression key policy, submission options, and the
// persistence contract.
//
// A Job moves through:
//
//	pending → admitted → running → {completed | failed | cancelled}
//
// with running → pending on transient retry, running → paused → pending
// on explicit pause/resume, and cancellation allowed from any
// non-terminal state. Terminal states are completed, failed, cancelled.
package job
