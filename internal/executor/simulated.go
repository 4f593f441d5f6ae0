package executor

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// creationVerbs are the script statements this reference executor counts
// as producing a tracked CAD object. A real sandbox would track objects
// actually created in the kernel document; this stand-in counts syntactic
// calls instead.
var creationVerbs = []string{
	"makeBox", "makeCylinder", "makeSphere", "makeCone",
	"makeFillet", "makeChamfer", "makeRevolution", "makeExtrusion",
	"boolean(", "fuse(", "cut(", "common(",
}

// SimulatedExecutor fabricates an ExecutionReport from static analysis of
// the script text: it never invokes a real CAD kernel. It exists so the
// pipeline is runnable and testable end to end without a sandboxed
// collaborator.
type SimulatedExecutor struct{}

// NewSimulated creates a SimulatedExecutor.
func NewSimulated() *SimulatedExecutor { return &SimulatedExecutor{} }

// Execute scans script.Source for the RESULT sentinel and a rough count of
// object-creation calls, and fabricates a Report from them.
func (e *SimulatedExecutor) Execute(_ context.Context, script Script) (Report, error) {
	if script.Source == "" {
		return Report{}, fmt.Errorf("executor: script source is empty")
	}

	var resultName string
	var errs []string
	objectCount := 0

	scanner := bufio.NewScanner(strings.NewReader(script.Source))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if name, ok := strings.CutPrefix(line, "RESULT:"); ok {
			resultName = strings.TrimSpace(name)
		}
		if strings.HasPrefix(line, "ERROR:") {
			errs = append(errs, strings.TrimSpace(strings.TrimPrefix(line, "ERROR:")))
		}
		for _, verb := range creationVerbs {
			if strings.Contains(line, verb) {
				objectCount++
				break
			}
		}
	}

	if resultName == "" {
		return Report{
			Success: false,
			Errors:  append(errs, ErrNoResultSentinel.Error()),
		}, nil
	}

	return Report{
		Success:      len(errs) == 0,
		ResultObject: resultName,
		ObjectCount:  objectCount,
		Errors:       errs,
		Stdout:       fmt.Sprintf("simulated execution of task %s produced %s", script.TaskID, resultName),
	}, nil
}
