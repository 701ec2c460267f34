// Package pipeline runs an ordered list of stages against a run state and
// reports every stage transition to an Observer.
//
// Stages are plain functions from state to (state, Outcome, error). An Outcome
// carries the per-item failures of a batch stage and an optional Skip which ends
// the run without error. A returned error aborts the remaining stages unless the
// executor was built with ContinueOnError.
//
// Batch stages fan work out with RunBatch, which joins every item before it
// returns so an observer never sees a half-finished stage.
package pipeline
