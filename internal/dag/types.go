package dag

import (
	"sync"

	"github.com/specialistvlad/burstgridci/internal/config"
)

// Graph is a collection of jobs and their prerequisite edges.
// All operations on the graph are concurrency-safe.
type Graph struct {
	// mutex protects the nodes map during concurrent access.
	mutex sync.RWMutex
	// nodes stores all jobs in the graph, keyed by job name.
	nodes map[string]*node
	// order preserves declaration order for stable diagnostics.
	order []string
	// validated is set once edges have been resolved and checked.
	validated bool
}

// node represents a single vertex in the graph. It is un-exported to
// enforce interaction with the graph via the public API (using job names),
// not by direct struct manipulation.
type node struct {
	// id is the job name.
	id string
	// job is the declaration this vertex was built from.
	job *config.Job
	// deps holds the set of nodes that this node depends on (predecessors).
	deps map[string]*node
	// dependents holds the set of nodes that depend on this node (successors).
	dependents map[string]*node
}
