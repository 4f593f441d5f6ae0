package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ai-designing/cadorch/internal/executor"
	"github.com/ai-designing/cadorch/internal/llmprovider"
	"github.com/ai-designing/cadorch/internal/pipeline"
	"github.com/ai-designing/cadorch/internal/taskgraph"
)

// Validator weights: geometric 0.4, semantic 0.3, LLM-review 0.3. When no
// execution report is available (execution disabled for the request), the
// geometric term drops out and semantic/LLM renormalize to 0.5/0.5.
const (
	weightGeometric = 0.4
	weightSemantic  = 0.3
	weightLLM       = 0.3
)

// ValidatorInput is the Validator adapter's request.
type ValidatorInput struct {
	Prompt           string
	Graph            *taskgraph.Graph
	Scripts          map[string]string
	ExecutionReports map[string]executor.Report // nil/empty when execution is disabled
}

type validatorLLMResponseDTO struct {
	Score       float64  `json:"score"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// Validator scores a completed refinement iteration and decides whether the
// pipeline should accept, refine, or replan.
type Validator struct {
	provider llmprovider.Provider
}

// NewValidator creates a Validator backed by provider.
func NewValidator(provider llmprovider.Provider) *Validator {
	return &Validator{provider: provider}
}

// Validate computes the weighted ValidationResult. The LLM-review call is
// not retried: a failed review call degrades to a neutral 0.5 score with an
// issue noted, rather than blocking validation entirely, since the pipeline
// must always be able to route after execution.
func (v *Validator) Validate(ctx context.Context, input ValidatorInput) (pipeline.ValidationResult, error) {
	geometric, geomIssues, hasGeometric := scoreGeometric(input.ExecutionReports)
	semantic, semIssues := scoreSemantic(input.Graph, input.Scripts)
	llmScore, llmIssues, llmSuggestions := v.scoreLLM(ctx, input)

	var overall float64
	if hasGeometric {
		overall = weightGeometric*geometric + weightSemantic*semantic + weightLLM*llmScore
	} else {
		overall = 0.5*semantic + 0.5*llmScore
	}

	dimensional := map[string]float64{
		"semantic": semantic,
		"llm":      llmScore,
	}
	if hasGeometric {
		dimensional["geometric"] = geometric
	}

	issues := append(append(geomIssues, semIssues...), llmIssues...)

	return pipeline.ValidationResult{
		Overall:      overall,
		Dimensional:  dimensional,
		Issues:       issues,
		Suggestions:  llmSuggestions,
		IsValid:      overall >= 0.80,
		ShouldRefine: overall >= 0.40 && overall < 0.80,
	}, nil
}

// scoreGeometric rewards runs where every task's execution succeeded and
// produced a tracked result object, using the executor.Report shape
// (Success, ObjectCount, Errors).
func scoreGeometric(reports map[string]executor.Report) (score float64, issues []string, has bool) {
	if len(reports) == 0 {
		return 0, nil, false
	}
	succeeded := 0
	for taskID, r := range reports {
		if r.Success {
			succeeded++
		} else {
			for _, e := range r.Errors {
				issues = append(issues, fmt.Sprintf("task %s: %s", taskID, e))
			}
		}
	}
	return float64(succeeded) / float64(len(reports)), issues, true
}

// scoreSemantic checks that every task's script plausibly corresponds to
// its declared operation, via a keyword table — a static, cheap substitute
// for real geometric-intent matching.
func scoreSemantic(graph *taskgraph.Graph, scripts map[string]string) (float64, []string) {
	if graph == nil || graph.Size() == 0 {
		return 1, nil
	}
	keywords := map[taskgraph.OperationKind][]string{
		taskgraph.OpCreatePrimitive: {"makeBox", "makeCylinder", "makeSphere", "makeCone"},
		taskgraph.OpBooleanOp:       {"fuse", "cut", "common", "boolean"},
		taskgraph.OpTransform:       {"translate", "rotate", "scale", "placement"},
		taskgraph.OpPattern:         {"array", "pattern", "mirror"},
		taskgraph.OpFilletChamfer:   {"makeFillet", "makeChamfer"},
		taskgraph.OpExtrudeRevolve:  {"makeExtrusion", "makeRevolution"},
		taskgraph.OpSketchCreate:    {"sketch", "addGeometry"},
		taskgraph.OpSketchConstrain: {"addConstraint"},
	}

	var issues []string
	matched := 0
	total := 0
	for _, id := range graph.AllTaskIDs() {
		node, ok := graph.Get(id)
		if !ok {
			continue
		}
		total++
		script, ok := scripts[id]
		if !ok {
			issues = append(issues, fmt.Sprintf("task %s: no script to validate", id))
			continue
		}
		found := false
		for _, kw := range keywords[node.Operation] {
			if strings.Contains(script, kw) {
				found = true
				break
			}
		}
		if found {
			matched++
		} else {
			issues = append(issues, fmt.Sprintf("task %s: script does not appear to perform a %s", id, node.Operation))
		}
	}
	if total == 0 {
		return 1, nil
	}
	return float64(matched) / float64(total), issues
}

func (v *Validator) scoreLLM(ctx context.Context, input ValidatorInput) (float64, []string, []string) {
	var sb strings.Builder
	sb.WriteString("Rate how well the generated CAD scripts satisfy the original request, from 0.0 to 1.0. ")
	sb.WriteString("Respond as JSON: {\"score\":0.0,\"issues\":[\"...\"],\"suggestions\":[\"...\"]}.\n\n")
	sb.WriteString("Request: ")
	sb.WriteString(input.Prompt)
	sb.WriteString("\n\nScripts:\n")
	for _, id := range input.Graph.AllTaskIDs() {
		sb.WriteString(fmt.Sprintf("%s:\n%s\n", id, input.Scripts[id]))
	}

	messages := []llmprovider.Message{
		{Role: "system", Content: "You output only valid JSON, no prose, no markdown fences."},
		{Role: "user", Content: sb.String()},
	}

	completion, err := v.provider.Complete(ctx, messages)
	if err != nil {
		return 0.5, []string{fmt.Sprintf("llm review unavailable: %v", err)}, nil
	}

	var dto validatorLLMResponseDTO
	if err := json.Unmarshal([]byte(stripCodeFence(completion.Text)), &dto); err != nil {
		return 0.5, []string{fmt.Sprintf("llm review response was not valid JSON: %v", err)}, nil
	}
	if dto.Score < 0 {
		dto.Score = 0
	}
	if dto.Score > 1 {
		dto.Score = 1
	}
	return dto.Score, dto.Issues, dto.Suggestions
}
