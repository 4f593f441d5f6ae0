package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-designing/cadorch/internal/executor"
	"github.com/ai-designing/cadorch/internal/llmprovider"
	"github.com/ai-designing/cadorch/internal/taskgraph"
)

func newTestGraph(t *testing.T) *taskgraph.Graph {
	t.Helper()
	g := taskgraph.New("req")
	require.NoError(t, g.AddTask(taskgraph.NewNode("t1", taskgraph.OpCreatePrimitive, "box", nil, nil)))
	return g
}

// scriptedProvider replays one completion per call, in order, looping on
// the last entry once exhausted. A minimal fake satisfying llmprovider.Provider,
// not a mocking framework.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (s *scriptedProvider) Complete(_ context.Context, _ []llmprovider.Message) (llmprovider.Completion, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return llmprovider.Completion{Text: s.responses[idx]}, nil
}

func (s *scriptedProvider) ModelName() string { return "scripted-test-model" }

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BackoffBase: time.Millisecond}
}

func TestPlannerParsesValidPlanFirstTry(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"tasks":[{"id":"t1","operation":"create_primitive","description":"box","parameters":{"type":"box"},"dependencies":[]}]}`,
	}}
	planner := NewPlanner(provider, fastRetry())

	graph, err := planner.Plan(context.Background(), "req-1", PlannerInput{Prompt: "make a box"})
	require.NoError(t, err)
	assert.Equal(t, 1, graph.Size())
	assert.Equal(t, 1, provider.calls)
}

func TestPlannerRetriesOnInvalidJSONThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`not json at all`,
		`{"tasks":[{"id":"t1","operation":"create_primitive","description":"box","parameters":{},"dependencies":[]}]}`,
	}}
	planner := NewPlanner(provider, fastRetry())

	graph, err := planner.Plan(context.Background(), "req-2", PlannerInput{Prompt: "make a box"})
	require.NoError(t, err)
	assert.Equal(t, 1, graph.Size())
	assert.Equal(t, 2, provider.calls)
}

func TestPlannerRaisesPlanningFailedAfterRetriesExhausted(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`garbage`, `still garbage`, `nope`}}
	planner := NewPlanner(provider, RetryConfig{MaxRetries: 3, BackoffBase: time.Millisecond})

	_, err := planner.Plan(context.Background(), "req-3", PlannerInput{Prompt: "make a box"})
	require.Error(t, err)
	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, KindPlanningFailed, agentErr.Kind)
	assert.Equal(t, 3, provider.calls)
}

func TestPlannerRejectsDependencyCycle(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"tasks":[
			{"id":"t1","operation":"create_primitive","description":"a","parameters":{},"dependencies":["t2"]},
			{"id":"t2","operation":"create_primitive","description":"b","parameters":{},"dependencies":["t1"]}
		]}`,
		`{"tasks":[{"id":"t1","operation":"create_primitive","description":"a","parameters":{},"dependencies":[]}]}`,
	}}
	planner := NewPlanner(provider, fastRetry())

	graph, err := planner.Plan(context.Background(), "req-4", PlannerInput{Prompt: "two boxes"})
	require.NoError(t, err)
	assert.Equal(t, 1, graph.Size())
	assert.Equal(t, 2, provider.calls)
}

func TestGeneratorParsesValidScriptsFirstTry(t *testing.T) {
	graph := newTestGraph(t)
	provider := &scriptedProvider{responses: []string{
		`{"scripts":{"t1":"box1 = doc.addObject()\nbox1.makeBox(1,1,1)\nRESULT: box1\n"}}`,
	}}
	gen := NewGenerator(provider, fastRetry())

	scripts, err := gen.Generate(context.Background(), GeneratorInput{Graph: graph})
	require.NoError(t, err)
	assert.Contains(t, scripts["t1"], "RESULT: box1")
}

func TestGeneratorRetriesOnMissingSentinel(t *testing.T) {
	graph := newTestGraph(t)
	provider := &scriptedProvider{responses: []string{
		`{"scripts":{"t1":"box1 = doc.addObject()\nbox1.makeBox(1,1,1)\n"}}`,
		`{"scripts":{"t1":"box1 = doc.addObject()\nbox1.makeBox(1,1,1)\nRESULT: box1\n"}}`,
	}}
	gen := NewGenerator(provider, fastRetry())

	scripts, err := gen.Generate(context.Background(), GeneratorInput{Graph: graph})
	require.NoError(t, err)
	assert.Contains(t, scripts["t1"], "RESULT: box1")
	assert.Equal(t, 2, provider.calls)
}

func TestGeneratorRejectsDeniedImport(t *testing.T) {
	graph := newTestGraph(t)
	provider := &scriptedProvider{responses: []string{
		`{"scripts":{"t1":"import os\nRESULT: box1\n"}}`,
		`{"scripts":{"t1":"box1 = doc.addObject()\nbox1.makeBox(1,1,1)\nRESULT: box1\n"}}`,
	}}
	gen := NewGenerator(provider, fastRetry())

	scripts, err := gen.Generate(context.Background(), GeneratorInput{Graph: graph})
	require.NoError(t, err)
	assert.NotContains(t, scripts["t1"], "import os")
	assert.Equal(t, 2, provider.calls)
}

func TestValidatorCombinesGeometricSemanticAndLLMScores(t *testing.T) {
	graph := newTestGraph(t)
	scripts := map[string]string{"t1": "box1 = doc.addObject()\nbox1.makeBox(1,1,1)\nRESULT: box1\n"}
	provider := &scriptedProvider{responses: []string{`{"score":0.9,"issues":[],"suggestions":[]}`}}
	validator := NewValidator(provider)

	result, err := validator.Validate(context.Background(), ValidatorInput{
		Prompt:  "make a box",
		Graph:   graph,
		Scripts: scripts,
		ExecutionReports: map[string]executor.Report{
			"t1": {Success: true, ResultObject: "box1", ObjectCount: 1},
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.4*1.0+0.3*1.0+0.3*0.9, result.Overall, 0.001)
	assert.True(t, result.IsValid)
}

func TestValidatorRenormalizesWhenExecutionDisabled(t *testing.T) {
	graph := newTestGraph(t)
	scripts := map[string]string{"t1": "box1 = doc.addObject()\nbox1.makeBox(1,1,1)\nRESULT: box1\n"}
	provider := &scriptedProvider{responses: []string{`{"score":0.8,"issues":[],"suggestions":[]}`}}
	validator := NewValidator(provider)

	result, err := validator.Validate(context.Background(), ValidatorInput{
		Prompt:  "make a box",
		Graph:   graph,
		Scripts: scripts,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5*1.0+0.5*0.8, result.Overall, 0.001)
	_, hasGeometric := result.Dimensional["geometric"]
	assert.False(t, hasGeometric)
}

func TestValidatorDegradesGracefullyOnUnparsableLLMResponse(t *testing.T) {
	graph := newTestGraph(t)
	scripts := map[string]string{"t1": "box1 = doc.addObject()\nbox1.makeBox(1,1,1)\nRESULT: box1\n"}
	provider := &scriptedProvider{responses: []string{`not json`}}
	validator := NewValidator(provider)

	result, err := validator.Validate(context.Background(), ValidatorInput{
		Prompt:  "make a box",
		Graph:   graph,
		Scripts: scripts,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5*1.0+0.5*0.5, result.Overall, 0.001)
	assert.NotEmpty(t, result.Issues)
}
