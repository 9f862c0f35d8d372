// Package dag holds the job graph: named jobs connected by prerequisite
// edges. It validates that every prerequisite resolves to a declared job and
// that the edges are acyclic, and answers the scheduler's questions about
// which jobs are ready and which are downstream of a failure.
//
// Validation is a configuration-time check. A graph that fails Validate must
// never reach the scheduler.
package dag
