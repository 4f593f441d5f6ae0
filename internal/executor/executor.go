// Package executor defines the CAD sandbox collaborator contract and ships
// a reference implementation that performs only the static, structural
// checks the Generator adapter already requires — standing in for a real
// sandboxed CAD kernel. Shape follows a plain
// Execute(ctx, Script) (Report, error) contract.
package executor

import (
	"context"
	"fmt"
)

// Script is a generated CAD script awaiting execution.
type Script struct {
	TaskID string
	Source string
}

// Report is the outcome of executing a Script, consumed by the Validator
// adapter as one scoring input among several (DESIGN.md Open Question 3).
type Report struct {
	Success      bool
	ResultObject string
	ObjectCount  int
	Errors       []string
	Stdout       string
}

// ScriptExecutor runs a generated CAD script and reports its outcome. The
// core only depends on this interface, never on a concrete CAD engine.
type ScriptExecutor interface {
	Execute(ctx context.Context, script Script) (Report, error)
}

// ErrNoResultSentinel describes a script that never emits the mandatory
// `RESULT: <name>` line the CAD scripting convention requires. The
// simulated executor reports it as a Report.Errors entry of a failed
// Report, with a nil error.
var ErrNoResultSentinel = fmt.Errorf("executor: script did not emit a RESULT sentinel")
