// Package pipeline implements the per-request state machine: Pending →
// Planning → Generating → Executing → Validating → (Refining | Planning |
// Completed | Failed), with bounded refinement and a pure routing function
// so transition logic is testable without driving the whole pipeline.
//
// Status is a plain string type with IsTerminal(); callers drive the
// Plan→Generate→Execute→Validate lifecycle through Pipeline's
// mutex-serialized transition methods without reaching into internal fields.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/ai-designing/cadorch/internal/taskgraph"
)

// Status is one of the nine pipeline states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusGenerating Status = "generating"
	StatusExecuting  Status = "executing"
	StatusValidating Status = "validating"
	StatusRefining   Status = "refining"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether status is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureReason is a machine-readable terminal-failure cause.
type FailureReason string

const (
	ReasonNone            FailureReason = ""
	ReasonBudgetExceeded  FailureReason = "budget_exceeded"
	ReasonScoreTooLow     FailureReason = "score_too_low"
	ReasonPlanningFailed  FailureReason = "planning_failed"
	ReasonGenerationFailed FailureReason = "generation_failed"
	ReasonUnrecoverable   FailureReason = "unrecoverable"
)

// ValidationResult is the Validator adapter's output.
type ValidationResult struct {
	Overall      float64
	Dimensional  map[string]float64
	Issues       []string
	Suggestions  []string
	IsValid      bool
	ShouldRefine bool
}

// Config holds the decision-policy thresholds. Replan ≤ Refine ≤ Pass is
// enforced by Validate; SetDefaults only fills in unset thresholds.
type Config struct {
	MaxIterations   int
	PassThreshold   float64
	RefineThreshold float64
	ReplanThreshold float64
	EnableExecution bool
}

// SetDefaults fills in the documented default thresholds.
func (c *Config) SetDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.PassThreshold == 0 {
		c.PassThreshold = 0.80
	}
	if c.RefineThreshold == 0 {
		c.RefineThreshold = 0.40
	}
	if c.ReplanThreshold == 0 {
		c.ReplanThreshold = 0.20
	}
}

// Validate enforces replan ≤ refine ≤ pass.
func (c Config) Validate() error {
	if !(c.ReplanThreshold <= c.RefineThreshold && c.RefineThreshold <= c.PassThreshold) {
		return fmt.Errorf("pipeline: thresholds must satisfy replan <= refine <= pass, got %v <= %v <= %v",
			c.ReplanThreshold, c.RefineThreshold, c.PassThreshold)
	}
	return nil
}

// NextState is the outcome of the routing function.
type NextState string

const (
	NextCompleted NextState = "completed"
	NextRefining  NextState = "refining"
	NextPlanning  NextState = "planning" // replan
	NextFailed    NextState = "failed"
)

// Route is the pure routing function: the next state after Validating is
// determined solely by the validation score and the remaining iteration
// budget.
func Route(v ValidationResult, remaining int, cfg Config) NextState {
	switch {
	case v.Overall >= cfg.PassThreshold:
		return NextCompleted
	case remaining <= 0:
		return NextFailed
	case v.Overall >= cfg.RefineThreshold:
		return NextRefining
	case v.Overall >= cfg.ReplanThreshold:
		return NextPlanning
	default:
		return NextFailed
	}
}

// HistoryEntry records one visit to a non-terminal node. Entering a
// terminal status (Completed, Failed, Cancelled) appends no entry, and a
// refinement appends a Refining entry followed by a Generating entry.
type HistoryEntry struct {
	Node          Status
	Start         time.Time
	End           time.Time
	OutputSummary string
	Errors        []string
}

const maxErrorHistory = 50

// State is the per-request pipeline state.
type State struct {
	RequestID      string
	Status         Status
	Iteration      int
	MaxIterations  int
	Graph          *taskgraph.Graph
	Scripts        map[string]string
	Artifacts      map[string]string
	LastValidation *ValidationResult
	FailureReason  FailureReason
	ErrorHistory   []string
	History        []HistoryEntry
}

// Pipeline drives a single request's State through its lifecycle. All
// mutating methods are serialized per request via mu: state transitions
// for a given request never run concurrently.
type Pipeline struct {
	mu    sync.Mutex
	state State
	cfg   Config
}

// New creates a Pipeline in Pending for requestID.
func New(requestID string, cfg Config) (*Pipeline, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg: cfg,
		state: State{
			RequestID:     requestID,
			Status:        StatusPending,
			MaxIterations: cfg.MaxIterations,
			Scripts:       make(map[string]string),
			Artifacts:     make(map[string]string),
		},
	}, nil
}

// Snapshot returns a copy of the current state for read-only inspection.
func (p *Pipeline) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyState()
}

func (p *Pipeline) copyState() State {
	s := p.state
	s.Scripts = cloneMap(p.state.Scripts)
	s.Artifacts = cloneMap(p.state.Artifacts)
	s.History = append([]HistoryEntry(nil), p.state.History...)
	s.ErrorHistory = append([]string(nil), p.state.ErrorHistory...)
	return s
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (p *Pipeline) openEntry(node Status) {
	p.state.History = append(p.state.History, HistoryEntry{Node: node, Start: time.Now()})
}

func (p *Pipeline) closeEntry(summary string, errs ...string) {
	if len(p.state.History) == 0 {
		return
	}
	last := &p.state.History[len(p.state.History)-1]
	last.End = time.Now()
	last.OutputSummary = summary
	last.Errors = errs
}

func (p *Pipeline) recordError(msg string) {
	p.state.ErrorHistory = append(p.state.ErrorHistory, msg)
	if len(p.state.ErrorHistory) > maxErrorHistory {
		p.state.ErrorHistory = p.state.ErrorHistory[len(p.state.ErrorHistory)-maxErrorHistory:]
	}
}

func (p *Pipeline) requireStatus(want Status) error {
	if p.state.Status != want {
		return fmt.Errorf("pipeline: request %s: expected status %s, got %s", p.state.RequestID, want, p.state.Status)
	}
	return nil
}

// Start transitions Pending -> Planning.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireStatus(StatusPending); err != nil {
		return err
	}
	p.state.Status = StatusPlanning
	p.openEntry(StatusPlanning)
	return nil
}

// CompletePlanning transitions Planning -> Generating with the built graph.
// The iteration counter increments here: each entry into Generating (via an
// initial plan or a replan) is one refinement attempt.
func (p *Pipeline) CompletePlanning(graph *taskgraph.Graph) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireStatus(StatusPlanning); err != nil {
		return err
	}
	if _, err := graph.TopologicalLevels(); err != nil {
		p.recordError(err.Error())
		return fmt.Errorf("pipeline: planning produced a cyclic graph: %w", err)
	}

	p.state.Graph = graph
	p.state.Iteration++
	p.closeEntry(fmt.Sprintf("graph with %d tasks", graph.Size()))

	p.state.Status = StatusGenerating
	p.openEntry(StatusGenerating)
	return nil
}

// CompleteGeneration transitions Generating -> Executing, or Generating ->
// Validating directly when execution is disabled for this request.
func (p *Pipeline) CompleteGeneration(scripts map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireStatus(StatusGenerating); err != nil {
		return err
	}
	p.state.Scripts = scripts
	p.closeEntry(fmt.Sprintf("%d scripts generated", len(scripts)))

	if p.cfg.EnableExecution {
		p.state.Status = StatusExecuting
		p.openEntry(StatusExecuting)
	} else {
		p.state.Status = StatusValidating
		p.openEntry(StatusValidating)
	}
	return nil
}

// CompleteExecution transitions Executing -> Validating regardless of the
// execution report's own success flag: partial execution is still scored,
// not treated as an immediate pipeline failure.
func (p *Pipeline) CompleteExecution(artifacts map[string]string, execErrors []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireStatus(StatusExecuting); err != nil {
		return err
	}
	for k, v := range artifacts {
		p.state.Artifacts[k] = v
	}
	p.closeEntry(fmt.Sprintf("%d artifacts produced", len(artifacts)), execErrors...)

	p.state.Status = StatusValidating
	p.openEntry(StatusValidating)
	return nil
}

// CompleteValidation applies the routing function and advances the state
// machine accordingly, returning the NextState the router chose.
func (p *Pipeline) CompleteValidation(v ValidationResult) (NextState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireStatus(StatusValidating); err != nil {
		return "", err
	}
	p.state.LastValidation = &v
	remaining := p.state.MaxIterations - p.state.Iteration
	next := Route(v, remaining, p.cfg)
	p.closeEntry(fmt.Sprintf("overall=%.2f", v.Overall), v.Issues...)

	switch next {
	case NextCompleted:
		// Terminal statuses record their outcome on the last work entry
		// (Validating) rather than opening a node of their own: Completed
		// is an absorbing Status, not a unit of pipeline work.
		p.state.Status = StatusCompleted
	case NextRefining:
		p.state.Status = StatusRefining
		p.openEntry(StatusRefining)
		p.closeEntry("refinement requested")
		// Refining -> Generating is immediate; it is a second refinement
		// attempt, so the iteration counter increments.
		p.state.Iteration++
		p.state.Status = StatusGenerating
		p.openEntry(StatusGenerating)
	case NextPlanning:
		p.state.FailureReason = ReasonNone
		p.state.Status = StatusPlanning
		p.openEntry(StatusPlanning)
	case NextFailed:
		reason := ReasonScoreTooLow
		if remaining <= 0 {
			reason = ReasonBudgetExceeded
		}
		p.state.FailureReason = reason
		p.state.Status = StatusFailed
	}
	return next, nil
}

// Cancel transitions any non-terminal status to Cancelled.
func (p *Pipeline) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Status.IsTerminal() {
		return nil
	}
	p.closeEntry("cancelled by caller")
	p.state.Status = StatusCancelled
	return nil
}

// Fail forces a terminal Failed transition for an unrecoverable error.
func (p *Pipeline) Fail(reason FailureReason, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Status.IsTerminal() {
		return nil
	}
	if cause != nil {
		p.recordError(cause.Error())
		p.closeEntry(string(reason), cause.Error())
	} else {
		p.closeEntry(string(reason))
	}
	p.state.FailureReason = reason
	p.state.Status = StatusFailed
	return nil
}
