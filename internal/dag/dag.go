package dag

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/specialistvlad/burstgridci/internal/config"
)

var (
	// ErrCycleDetected is returned by Validate when the edges form a cycle.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrDanglingDependency is returned by Validate when a prerequisite names
	// a job that was never declared.
	ErrDanglingDependency = errors.New("dangling dependency")
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// FromModel builds a graph containing every job of the model. The result
// still has to be validated.
func FromModel(m *config.Model) (*Graph, error) {
	g := New()
	for _, job := range m.Jobs {
		if err := g.AddJob(job); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddJob adds a job to the graph. Job names must be unique and non-empty.
// Prerequisite edges are resolved later by Validate.
func (g *Graph) AddJob(job *config.Job) error {
	if job == nil || job.Name == "" {
		return errors.New("job name must not be empty")
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[job.Name]; ok {
		return fmt.Errorf("job %q declared more than once", job.Name)
	}
	g.nodes[job.Name] = &node{
		id:         job.Name,
		job:        job,
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
	g.order = append(g.order, job.Name)
	g.validated = false
	return nil
}

// addEdge creates a directed edge from the `fromID` node to the `toID` node.
// This signifies that `toID` has a dependency on `fromID`. The caller holds
// the write lock.
func (g *Graph) addEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("%w: job %q needs itself", ErrCycleDetected, fromID)
	}

	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("%w: job %q needs undeclared job %q", ErrDanglingDependency, toID, fromID)
	}
	toNode := g.nodes[toID]

	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode
	return nil
}

// Validate resolves every prerequisite into an edge and checks the graph for
// dangling references and cycles. It is safe to call more than once.
func (g *Graph) Validate() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	for _, n := range g.nodes {
		clear(n.deps)
		clear(n.dependents)
	}

	var dangling []string
	for _, id := range g.order {
		for _, need := range g.nodes[id].job.Needs {
			if err := g.addEdge(need, id); err != nil {
				if errors.Is(err, ErrDanglingDependency) {
					dangling = append(dangling, fmt.Sprintf("%s -> %s", id, need))
					continue
				}
				return err
			}
		}
	}
	if len(dangling) > 0 {
		return fmt.Errorf("%w: %s", ErrDanglingDependency, strings.Join(dangling, ", "))
	}

	if err := g.detectCycles(); err != nil {
		return err
	}
	g.validated = true
	return nil
}

// detectCycles checks the graph for any cycles using a depth-first search
// with three sets of nodes:
// permanent: nodes that have been fully visited and are not part of a cycle.
// temporary: nodes currently in the recursion stack for the current traversal.
// unvisited: all other nodes.
// The returned error names the jobs forming the cycle.
func (g *Graph) detectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)
	var stack []string

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.id] {
			return nil
		}
		if temporary[n.id] {
			start := 0
			for i, id := range stack {
				if id == n.id {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, stack[start:]...), n.id)
			return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(cycle, " -> "))
		}

		temporary[n.id] = true
		stack = append(stack, n.id)

		for _, id := range sortedKeys(n.dependents) {
			if err := visit(n.dependents[id]); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		delete(temporary, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, id := range g.order {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// Validated reports whether the last Validate call succeeded and no job was
// added since.
func (g *Graph) Validated() bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.validated
}

// Len returns the number of jobs.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.nodes)
}

// Names returns job names in declaration order.
func (g *Graph) Names() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return append([]string(nil), g.order...)
}

// Job returns the declaration of the named job.
func (g *Graph) Job(name string) (*config.Job, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	n, ok := g.nodes[name]
	if !ok {
		return nil, false
	}
	return n.job, true
}

// Dependencies returns the names of the jobs the given job needs.
func (g *Graph) Dependencies(name string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[name]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", name)
	}
	return sortedKeys(n.deps), nil
}

// Dependents returns the names of the jobs that directly need the given job.
func (g *Graph) Dependents(name string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[name]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", name)
	}
	return sortedKeys(n.dependents), nil
}

// Descendants returns every job that transitively needs the given job.
func (g *Graph) Descendants(name string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[name]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", name)
	}

	seen := make(map[string]bool)
	queue := []*node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for id, dep := range cur.dependents {
			if !seen[id] {
				seen[id] = true
				queue = append(queue, dep)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ReadySet returns the jobs that have not been started and whose
// prerequisites have all completed. The result is sorted by name; callers
// must not read any priority into that order.
func (g *Graph) ReadySet(completed, started map[string]bool) []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	var ready []string
	for id, n := range g.nodes {
		if started[id] || completed[id] {
			continue
		}
		satisfied := true
		for dep := range n.deps {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// TopologicalOrder returns all jobs grouped into levels: every job appears
// after all of its prerequisites, and the jobs within one level are
// independent of each other. The graph must be valid.
func (g *Graph) TopologicalOrder() ([][]string, error) {
	if !g.Validated() {
		return nil, errors.New("graph has not been validated")
	}

	completed := make(map[string]bool)
	var levels [][]string
	for len(completed) < g.Len() {
		level := g.ReadySet(completed, nil)
		if len(level) == 0 {
			return nil, ErrCycleDetected
		}
		for _, id := range level {
			completed[id] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func sortedKeys(m map[string]*node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
