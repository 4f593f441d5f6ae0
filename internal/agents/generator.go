package agents

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ai-designing/cadorch/internal/llmprovider"
	"github.com/ai-designing/cadorch/internal/taskgraph"
)

// allowedImports is the positive list of modules a generated script may
// reference. Anything else is rejected even if it isn't on deniedTokens,
// since the sandbox only exposes these namespaces.
var allowedImports = []string{"cadkernel", "sketch", "math"}

// deniedTokens blocks script content that would reach outside the CAD
// scripting sandbox: process/IO primitives and dynamic code execution.
var deniedTokens = []string{"os", "subprocess", "socket", "shutil", "sys", "exec", "eval", "__import__"}

var deniedTokenPatterns = compileTokenPatterns(deniedTokens)

func compileTokenPatterns(tokens []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(tokens))
	for i, t := range tokens {
		patterns[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(t) + `\b`)
	}
	return patterns
}

// allowedCallVerbs are the CAD primitive calls the sandbox exposes. A bare
// call statement (a line with "(" that is not a sentinel, import, or
// assignment) must name one of these verbs or it is rejected; assignments
// are not checked against this list.
var allowedCallVerbs = []string{
	"makeBox", "makeCylinder", "makeSphere", "makeCone",
	"makeFillet", "makeChamfer", "makeRevolution", "makeExtrusion",
	"boolean", "fuse", "cut", "common",
	"translate", "rotate", "scale", "placement",
	"array", "pattern", "mirror",
	"sketch", "addGeometry", "addConstraint",
}

// GeneratorInput is the Generator adapter's request.
type GeneratorInput struct {
	Graph           *taskgraph.Graph
	PreviousScripts map[string]string
	Feedback        []string
}

type generatorResponseDTO struct {
	Scripts map[string]string `json:"scripts"`
}

// Generator turns a task graph into per-task CAD script text.
type Generator struct {
	provider llmprovider.Provider
	retry    RetryConfig
}

// NewGenerator creates a Generator backed by provider.
func NewGenerator(provider llmprovider.Provider, retry RetryConfig) *Generator {
	return &Generator{provider: provider, retry: retry}
}

// Generate produces one script per task in graph, retrying the whole batch
// with violations echoed back on any static-validation failure, and raising
// a GenerationFailed Error once retries are exhausted.
func (g *Generator) Generate(ctx context.Context, input GeneratorInput) (map[string]string, error) {
	var scripts map[string]string

	err := runWithRetry(ctx, g.retry, "generator", func(ctx context.Context, attempt int, feedback []string) ([]string, error) {
		messages := g.buildMessages(input, feedback)
		completion, err := g.provider.Complete(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("generator: completion request failed: %w", err)
		}

		parsed, violations, err := parseScripts(input.Graph, completion.Text)
		if err != nil {
			return nil, err
		}
		if len(violations) > 0 {
			return violations, nil
		}
		scripts = parsed
		return nil, nil
	})

	if err != nil {
		if agentErr, ok := err.(*Error); ok {
			agentErr.Kind = KindGenerationFailed
		}
		return nil, err
	}
	return scripts, nil
}

func (g *Generator) buildMessages(input GeneratorInput, feedback []string) []llmprovider.Message {
	var sb strings.Builder
	sb.WriteString("You are the script generation stage of a CAD orchestration pipeline. ")
	sb.WriteString("For every task in the graph below, emit a CAD scripting-language snippet that ends with a line ")
	sb.WriteString("\"RESULT: <object_name>\" naming the object it produced, or \"ERROR: <message>\" if it cannot be expressed. ")
	sb.WriteString("Only import cadkernel, sketch, or math. Never use os, subprocess, socket, shutil, sys, exec, eval, or __import__. ")
	sb.WriteString("Every non-sentinel line must either import one of those modules or call one of: ")
	sb.WriteString(strings.Join(allowedCallVerbs, ", "))
	sb.WriteString(". ")
	sb.WriteString("Respond as JSON: {\"scripts\": {\"<task_id>\": \"<script text>\"}}.\n\nTasks:\n")

	for _, id := range input.Graph.AllTaskIDs() {
		sb.WriteString(fmt.Sprintf("- %s\n", id))
	}
	for id := range input.PreviousScripts {
		sb.WriteString(fmt.Sprintf("\nPrevious script for %s:\n%s\n", id, input.PreviousScripts[id]))
	}
	if len(feedback) > 0 {
		sb.WriteString("\n\nThe previous scripts were rejected for:\n- ")
		sb.WriteString(strings.Join(feedback, "\n- "))
	}

	return []llmprovider.Message{
		{Role: "system", Content: "You output only valid JSON, no prose, no markdown fences."},
		{Role: "user", Content: sb.String()},
	}
}

// parseScripts validates the model's response against every task id in
// graph: every task must have a non-empty script, and every script must
// pass validateScript's static checks.
func parseScripts(graph *taskgraph.Graph, text string) (map[string]string, []string, error) {
	cleaned := stripCodeFence(text)

	var dto generatorResponseDTO
	if err := json.Unmarshal([]byte(cleaned), &dto); err != nil {
		return nil, []string{fmt.Sprintf("response is not valid JSON: %v", err)}, nil
	}

	var violations []string
	for _, id := range graph.AllTaskIDs() {
		script, ok := dto.Scripts[id]
		if !ok || strings.TrimSpace(script) == "" {
			violations = append(violations, fmt.Sprintf("missing script for task %q", id))
			continue
		}
		violations = append(violations, validateScript(id, script)...)
	}
	if len(violations) > 0 {
		return nil, violations, nil
	}
	return dto.Scripts, nil, nil
}

// validateScript runs the generated script's static checks line by line —
// a simplified grammar in place of a full parser, since the CAD scripting
// language the sandbox exposes has no published grammar to build a real AST
// parser against. Every non-blank, non-comment line must be one of: the
// RESULT/ERROR sentinel, an allow-listed import, an assignment (its
// right-hand side is free-form), or a call invoking an allow-listed CAD
// primitive; anything else, or any use of a denied token, is a violation.
func validateScript(taskID, script string) []string {
	var violations []string
	hasSentinel := false

	scanner := bufio.NewScanner(strings.NewReader(script))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		for i, re := range deniedTokenPatterns {
			if re.MatchString(line) {
				violations = append(violations, fmt.Sprintf("script for task %q uses denied primitive %q", taskID, deniedTokens[i]))
			}
		}

		switch {
		case strings.HasPrefix(line, "RESULT:"), strings.HasPrefix(line, "ERROR:"):
			hasSentinel = true
		case strings.HasPrefix(line, "import "):
			module := strings.TrimSpace(strings.TrimPrefix(line, "import "))
			if !allowedImport(module) {
				violations = append(violations, fmt.Sprintf("script for task %q imports non-allow-listed module %q", taskID, module))
			}
		case strings.Contains(line, "="):
			// Assignment statement; its right-hand side is free-form (e.g.
			// "box1 = doc.addObject()") as long as it carried no denied token,
			// already checked above.
		case strings.Contains(line, "("):
			if !usesAllowedVerb(line) {
				violations = append(violations, fmt.Sprintf("script for task %q line %q does not invoke a recognized CAD primitive", taskID, line))
			}
		default:
			violations = append(violations, fmt.Sprintf("script for task %q line %q is not a recognized statement", taskID, line))
		}
	}

	if !hasSentinel {
		violations = append(violations, fmt.Sprintf("script for task %q has no RESULT or ERROR sentinel", taskID))
	}
	return violations
}

func allowedImport(module string) bool {
	for _, m := range allowedImports {
		if m == module {
			return true
		}
	}
	return false
}

func usesAllowedVerb(line string) bool {
	for _, verb := range allowedCallVerbs {
		if strings.Contains(line, verb) {
			return true
		}
	}
	return false
}
