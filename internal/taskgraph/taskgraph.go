// Package taskgraph implements the task DAG: in-memory graph construction,
// cycle detection, layered topological scheduling, and atomic per-node
// lifecycle transitions.
package taskgraph

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// OperationKind is the fixed CAD task vocabulary.
type OperationKind string

const (
	OpCreatePrimitive OperationKind = "create_primitive"
	OpBooleanOp       OperationKind = "boolean_op"
	OpTransform       OperationKind = "transform"
	OpPattern         OperationKind = "pattern"
	OpFilletChamfer   OperationKind = "fillet_chamfer"
	OpExtrudeRevolve  OperationKind = "extrude_revolve"
	OpSketchCreate    OperationKind = "sketch_create"
	OpSketchConstrain OperationKind = "sketch_constrain"
)

// Status is a TaskNode's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusReady: true, StatusCancelled: true},
	StatusReady:     {StatusRunning: true, StatusCancelled: true},
	StatusRunning:   {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:    {StatusReady: true, StatusPending: true, StatusCancelled: true}, // retry path
	StatusCompleted: {},
	StatusCancelled: {},
}

// Param is either a scalar value or a reference to another task's result.
type Param struct {
	Scalar    any
	TaskRef   string
	IsTaskRef bool
}

// ScalarParam builds a literal-valued parameter.
func ScalarParam(v any) Param { return Param{Scalar: v} }

// RefParam builds a parameter that refers to another task's produced result.
func RefParam(taskID string) Param { return Param{TaskRef: taskID, IsTaskRef: true} }

// Node is a single unit of CAD work in the plan.
type Node struct {
	ID           string
	Operation    OperationKind
	Description  string
	Parameters   map[string]Param
	Dependencies []string

	mu       sync.Mutex
	status   Status
	result   string
	hasResult bool
}

// NewNode creates a pending TaskNode.
func NewNode(id string, op OperationKind, description string, params map[string]Param, deps []string) *Node {
	if params == nil {
		params = map[string]Param{}
	}
	return &Node{
		ID:           id,
		Operation:    op,
		Description:  description,
		Parameters:   params,
		Dependencies: append([]string(nil), deps...),
		status:       StatusPending,
	}
}

// Status returns the node's current lifecycle status.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Result returns the produced artifact id, if any.
func (n *Node) Result() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.result, n.hasResult
}

func (n *Node) setStatus(s Status, result string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status == s {
		return nil
	}
	allowed, known := validTransitions[n.status]
	if !known || !allowed[s] {
		return fmt.Errorf("taskgraph: illegal transition %s -> %s for task %s", n.status, s, n.ID)
	}
	n.status = s
	if s == StatusCompleted {
		n.result = result
		n.hasResult = true
	}
	return nil
}

// ErrCycle is returned when adding an edge would create a cycle.
var ErrCycle = fmt.Errorf("taskgraph: adding this edge would create a cycle")

// Graph is a directed acyclic graph of Nodes.
type Graph struct {
	ID         string
	Complexity float64

	mu      sync.RWMutex
	nodes   map[string]*Node
	order   []string // insertion order, for deterministic tie-breaks
	edges   map[string][]string // u -> [v] meaning v depends on u
	rdeps   map[string][]string // v -> [u] reverse index: v's dependencies
}

// New creates an empty Graph identified by id (conventionally the request id).
func New(id string) *Graph {
	return &Graph{
		ID:    id,
		nodes: make(map[string]*Node),
		edges: make(map[string][]string),
		rdeps: make(map[string][]string),
	}
}

// AddTask registers a new node. Fails if the id already exists.
func (g *Graph) AddTask(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("taskgraph: task %s already exists", n.ID)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)

	for _, dep := range n.Dependencies {
		g.edges[dep] = append(g.edges[dep], n.ID)
		g.rdeps[n.ID] = append(g.rdeps[n.ID], dep)
	}
	return nil
}

// AddDependency records that v depends on u (u -> v). Fails if either id is
// missing or if the edge would create a cycle.
func (g *Graph) AddDependency(u, v string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[u]; !ok {
		return fmt.Errorf("taskgraph: unknown task %s", u)
	}
	if _, ok := g.nodes[v]; !ok {
		return fmt.Errorf("taskgraph: unknown task %s", v)
	}

	g.edges[u] = append(g.edges[u], v)
	g.rdeps[v] = append(g.rdeps[v], u)

	if g.hasCycleLocked() {
		// Roll back.
		g.edges[u] = removeOne(g.edges[u], v)
		g.rdeps[v] = removeOne(g.rdeps[v], u)
		return ErrCycle
	}

	vNode := g.nodes[v]
	vNode.Dependencies = append(vNode.Dependencies, u)
	return nil
}

func removeOne(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Get returns the node for id, if present.
func (g *Graph) Get(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Mark performs an atomic, lifecycle-validated status transition.
func (g *Graph) Mark(taskID string, status Status, result string) error {
	g.mu.RLock()
	n, ok := g.nodes[taskID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("taskgraph: unknown task %s", taskID)
	}
	return n.setStatus(status, result)
}

// ReadyTasks returns the frontier: pending tasks whose dependencies are all
// completed.
func (g *Graph) ReadyTasks() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status() != StatusPending {
			continue
		}
		if g.depsCompletedLocked(id) {
			ready = append(ready, n)
		}
	}
	return ready
}

func (g *Graph) depsCompletedLocked(id string) bool {
	for _, dep := range g.rdeps[id] {
		if g.nodes[dep].Status() != StatusCompleted {
			return false
		}
	}
	return true
}

// AllTaskIDs returns every task id in insertion order.
func (g *Graph) AllTaskIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Dependents returns the task ids that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// TopologicalLevels partitions the graph into layers L0, L1, ... where each
// layer depends only on the union of earlier layers. Used for parallel-safe
// batched execution. Returns an error if the graph contains a cycle.
func (g *Graph) TopologicalLevels() ([][]*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.rdeps[id])
	}

	var levels [][]*Node
	remaining := len(g.nodes)
	frontier := make([]string, 0)
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		sort.SliceStable(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })

		level := make([]*Node, 0, len(frontier))
		for _, id := range frontier {
			level = append(level, g.nodes[id])
		}
		levels = append(levels, level)
		remaining -= len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dst := range g.edges[id] {
				indegree[dst]--
				if indegree[dst] == 0 {
					next = append(next, dst)
				}
			}
		}
		frontier = next
	}

	if remaining != 0 {
		return nil, ErrCycle
	}
	return levels, nil
}

// graphDTO is Graph's wire shape: just enough to reconstruct an equivalent
// graph (nodes plus their declared dependencies) via New/AddTask, since
// Graph itself carries unexported indices that plain struct tags can't
// reach.
type graphDTO struct {
	ID         string    `json:"id"`
	Complexity float64   `json:"complexity"`
	Nodes      []nodeDTO `json:"nodes"`
}

type nodeDTO struct {
	ID           string           `json:"id"`
	Operation    OperationKind    `json:"operation"`
	Description  string           `json:"description"`
	Parameters   map[string]Param `json:"parameters"`
	Dependencies []string         `json:"dependencies"`
}

// MarshalJSON encodes a Graph as its id, complexity, and nodes in insertion
// order, so a decision-cache hit can reconstruct an equivalent Graph.
func (g *Graph) MarshalJSON() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	dto := graphDTO{ID: g.ID, Complexity: g.Complexity}
	for _, id := range g.order {
		n := g.nodes[id]
		dto.Nodes = append(dto.Nodes, nodeDTO{
			ID:           n.ID,
			Operation:    n.Operation,
			Description:  n.Description,
			Parameters:   n.Parameters,
			Dependencies: n.Dependencies,
		})
	}
	return json.Marshal(dto)
}

// UnmarshalJSON rebuilds a Graph from MarshalJSON's shape. Node lifecycle
// state is not carried (a cached graph is always freshly planned), so every
// node starts Pending.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var dto graphDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}

	*g = Graph{
		ID:         dto.ID,
		Complexity: dto.Complexity,
		nodes:      make(map[string]*Node),
		edges:      make(map[string][]string),
		rdeps:      make(map[string][]string),
	}
	for _, nd := range dto.Nodes {
		node := NewNode(nd.ID, nd.Operation, nd.Description, nd.Parameters, nd.Dependencies)
		if err := g.AddTask(node); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) hasCycleLocked() bool {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.rdeps[id])
	}
	var frontier []string
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	visited := 0
	for len(frontier) > 0 {
		next := make([]string, 0)
		for _, id := range frontier {
			visited++
			for _, dst := range g.edges[id] {
				indegree[dst]--
				if indegree[dst] == 0 {
					next = append(next, dst)
				}
			}
		}
		frontier = next
	}
	return visited != len(g.nodes)
}
