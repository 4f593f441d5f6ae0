package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ai-designing/cadorch/internal/llmprovider"
	"github.com/ai-designing/cadorch/internal/taskgraph"
)

// PlannerInput is the Planner adapter's request.
type PlannerInput struct {
	Prompt        string
	StateSummary  string // non-empty only on a replan
	RetryFeedback []string
}

// plannerTaskDTO is the wire shape the model is asked to emit for one task.
type plannerTaskDTO struct {
	ID           string         `json:"id"`
	Operation    string         `json:"operation"`
	Description  string         `json:"description"`
	Parameters   map[string]any `json:"parameters"`
	Dependencies []string       `json:"dependencies"`
}

type plannerResponseDTO struct {
	Tasks []plannerTaskDTO `json:"tasks"`
}

var validOperations = map[taskgraph.OperationKind]bool{
	taskgraph.OpCreatePrimitive: true,
	taskgraph.OpBooleanOp:       true,
	taskgraph.OpTransform:       true,
	taskgraph.OpPattern:         true,
	taskgraph.OpFilletChamfer:   true,
	taskgraph.OpExtrudeRevolve:  true,
	taskgraph.OpSketchCreate:    true,
	taskgraph.OpSketchConstrain: true,
}

// refPrefix marks a parameter value as a reference to another task's result,
// e.g. "$ref:t1" instead of a literal scalar.
const refPrefix = "$ref:"

// Planner turns a natural-language CAD request into a task graph.
type Planner struct {
	provider llmprovider.Provider
	retry    RetryConfig
}

// NewPlanner creates a Planner backed by provider.
func NewPlanner(provider llmprovider.Provider, retry RetryConfig) *Planner {
	return &Planner{provider: provider, retry: retry}
}

// Plan produces a task graph for requestID, retrying with the prior
// violation echoed back to the model as feedback on parse or structural
// failure, and raising a PlanningFailed Error once retries are exhausted.
func (p *Planner) Plan(ctx context.Context, requestID string, input PlannerInput) (*taskgraph.Graph, error) {
	var graph *taskgraph.Graph

	err := runWithRetry(ctx, p.retry, "planner", func(ctx context.Context, attempt int, feedback []string) ([]string, error) {
		messages := p.buildMessages(input, feedback)
		completion, err := p.provider.Complete(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("planner: completion request failed: %w", err)
		}

		g, violations, err := parsePlan(requestID, completion.Text)
		if err != nil {
			return nil, err
		}
		if len(violations) > 0 {
			return violations, nil
		}
		graph = g
		return nil, nil
	})

	if err != nil {
		if agentErr, ok := err.(*Error); ok {
			agentErr.Kind = KindPlanningFailed
		}
		return nil, err
	}
	return graph, nil
}

func (p *Planner) buildMessages(input PlannerInput, feedback []string) []llmprovider.Message {
	var sb strings.Builder
	sb.WriteString("You are the planning stage of a CAD orchestration pipeline. ")
	sb.WriteString("Decompose the request into a JSON object: {\"tasks\":[{\"id\",\"operation\",\"description\",\"parameters\",\"dependencies\"}]}. ")
	sb.WriteString("operation must be one of: create_primitive, boolean_op, transform, pattern, fillet_chamfer, extrude_revolve, sketch_create, sketch_constrain. ")
	sb.WriteString("Reference another task's result with the string value \"$ref:<task_id>\". Respond with JSON only.\n\n")
	sb.WriteString("Request: ")
	sb.WriteString(input.Prompt)

	if input.StateSummary != "" {
		sb.WriteString("\n\nCurrent model state to revise from:\n")
		sb.WriteString(input.StateSummary)
	}
	if len(feedback) > 0 {
		sb.WriteString("\n\nThe previous plan was rejected for:\n- ")
		sb.WriteString(strings.Join(feedback, "\n- "))
	}

	return []llmprovider.Message{
		{Role: "system", Content: "You output only valid JSON, no prose, no markdown fences."},
		{Role: "user", Content: sb.String()},
	}
}

// parsePlan parses and validates a model response into a Graph. Returns a
// non-empty violations slice (with a nil error) for recoverable structural
// problems the caller should retry on, and a non-nil error only for
// conditions the caller cannot meaningfully echo back (e.g. empty input).
func parsePlan(requestID, text string) (*taskgraph.Graph, []string, error) {
	cleaned := stripCodeFence(text)

	var dto plannerResponseDTO
	if err := json.Unmarshal([]byte(cleaned), &dto); err != nil {
		return nil, []string{fmt.Sprintf("response is not valid JSON: %v", err)}, nil
	}
	if len(dto.Tasks) == 0 {
		return nil, []string{"response contained zero tasks"}, nil
	}

	var violations []string
	seen := make(map[string]bool, len(dto.Tasks))
	for _, t := range dto.Tasks {
		if t.ID == "" {
			violations = append(violations, "a task is missing \"id\"")
			continue
		}
		if seen[t.ID] {
			violations = append(violations, fmt.Sprintf("duplicate task id %q", t.ID))
			continue
		}
		seen[t.ID] = true
		if !validOperations[taskgraph.OperationKind(t.Operation)] {
			violations = append(violations, fmt.Sprintf("task %q has unknown operation %q", t.ID, t.Operation))
		}
	}
	for _, t := range dto.Tasks {
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				violations = append(violations, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}
	if len(violations) > 0 {
		return nil, violations, nil
	}

	graph := taskgraph.New(requestID)
	for _, t := range dto.Tasks {
		params := make(map[string]taskgraph.Param, len(t.Parameters))
		for k, v := range t.Parameters {
			if s, ok := v.(string); ok {
				if ref, cut := strings.CutPrefix(s, refPrefix); cut {
					params[k] = taskgraph.RefParam(ref)
					continue
				}
			}
			params[k] = taskgraph.ScalarParam(v)
		}
		node := taskgraph.NewNode(t.ID, taskgraph.OperationKind(t.Operation), t.Description, params, t.Dependencies)
		if err := graph.AddTask(node); err != nil {
			return nil, []string{err.Error()}, nil
		}
	}

	// NewNode/AddTask already wired the forward and reverse edges from each
	// task's declared dependencies; a final topological pass over the
	// completed graph is enough to catch a cycle across the whole plan.
	if _, err := graph.TopologicalLevels(); err != nil {
		return nil, []string{"plan contains a dependency cycle"}, nil
	}

	return graph, nil, nil
}

func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimSuffix(t, "```")
	}
	return strings.TrimSpace(t)
}
