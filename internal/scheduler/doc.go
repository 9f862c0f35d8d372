// Package scheduler drives a validated job graph to completion.
//
// # How It Works
//
// A single coordinator goroutine owns the bookkeeping. It repeatedly asks the
// graph for jobs whose prerequisites have all succeeded, moves them from
// Pending to Ready and hands each to a worker goroutine. A worker waits for a
// slot in the bounded pool (and in its resource class, when the class has a
// limit), moves the job to Running and performs the job sequence:
//
//  1. ensure the job's environment through the provisioner
//  2. create and stage the workspace
//  3. fetch external data
//  4. run the steps through the executor
//  5. hand artifacts to the sink and release the workspace
//
// When a job fails, every job that transitively needs it is Skipped. With
// FailFast the coordinator also stops dispatching, and every job that has not
// started yet is Skipped.
//
// # Stopping
//
// When the caller's context is cancelled, no further job starts: Pending and
// Ready jobs are Skipped. Running jobs keep their context for GracePeriod and
// are then terminated. Every job ends in a terminal state and appears in the
// Report.
package scheduler
