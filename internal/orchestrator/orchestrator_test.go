package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-designing/cadorch/internal/agents"
	"github.com/ai-designing/cadorch/internal/decisioncache"
	"github.com/ai-designing/cadorch/internal/decisioncache/memcache"
	"github.com/ai-designing/cadorch/internal/eventbus"
	"github.com/ai-designing/cadorch/internal/executor"
	"github.com/ai-designing/cadorch/internal/llmprovider"
	"github.com/ai-designing/cadorch/internal/pipeline"
	"github.com/ai-designing/cadorch/internal/statecache"
	"github.com/ai-designing/cadorch/internal/statecache/memstore"
)

// fixedProvider always returns the same completion text, regardless of the
// prompt — enough to drive the Planner/Generator/Validator adapters through
// one deterministic iteration without a real LLM backend.
type fixedProvider struct{ text string }

func (f fixedProvider) Complete(_ context.Context, _ []llmprovider.Message) (llmprovider.Completion, error) {
	return llmprovider.Completion{Text: f.text}, nil
}

func (f fixedProvider) ModelName() string { return "fixed-test-model" }

func retryFast() agents.RetryConfig {
	return agents.RetryConfig{MaxRetries: 2, BackoffBase: time.Millisecond}
}

// blockingProvider blocks Complete until ctx is cancelled, so a test can
// assert cancellation actually aborts work in flight rather than simply
// racing a fast completion.
type blockingProvider struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingProvider) Complete(ctx context.Context, _ []llmprovider.Message) (llmprovider.Completion, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return llmprovider.Completion{}, ctx.Err()
}

func (b *blockingProvider) ModelName() string { return "blocking-test-model" }

func newTestOrchestrator(t *testing.T, validationScore float64, enableExecution bool) *Orchestrator {
	t.Helper()

	planner := agents.NewPlanner(fixedProvider{text: `{"tasks":[{"id":"t1","operation":"create_primitive","description":"box","parameters":{"type":"box"},"dependencies":[]}]}`}, retryFast())
	generator := agents.NewGenerator(fixedProvider{text: `{"scripts":{"t1":"box1 = doc.addObject()\nbox1.makeBox(1,1,1)\nRESULT: box1\n"}}`}, retryFast())
	validator := agents.NewValidator(fixedProvider{text: `{"score":0.9,"issues":[],"suggestions":[]}`})
	_ = validationScore

	bus := eventbus.New(16)
	checkpoints := statecache.NewManager(memstore.New(), statecache.Policy{OnTerminalTransition: true}, 4)
	cache := decisioncache.New(memcache.New(), time.Minute)

	o := New(Config{
		MaxConcurrentRequests: 2,
		IdleSessionTimeout:    time.Hour,
		ReapInterval:          time.Hour,
		Pipeline:              pipeline.Config{MaxIterations: 3, EnableExecution: enableExecution},
	}, Deps{
		Planner:     planner,
		Generator:   generator,
		Validator:   validator,
		Executor:    executor.NewSimulated(),
		Checkpoints: checkpoints,
		Bus:         bus,
		Cache:       cache,
	})
	t.Cleanup(func() {
		o.Close()
		checkpoints.Close()
	})
	return o
}

func TestSubmitRequestRunsToCompletion(t *testing.T) {
	o := newTestOrchestrator(t, 0.9, true)

	requestID, err := o.SubmitRequest(context.Background(), "sess-1", "make a box", RequestOptions{EnableExecution: true})
	require.NoError(t, err)

	state, err := o.AwaitResult(context.Background(), requestID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, state.Status)
	assert.Equal(t, 1, state.Iteration)

	sess, ok := o.SessionInfo("sess-1")
	require.True(t, ok)
	assert.Equal(t, 1, sess.CommandsHandled)
	assert.Equal(t, 1, sess.SuccessCount)

	metrics := o.Metrics()
	assert.Equal(t, 1, metrics.ActiveSessions)
	assert.Equal(t, 0, metrics.ActivePipelines)
}

func TestSubmitRequestRejectsSecondInFlightForSameSession(t *testing.T) {
	o := newTestOrchestrator(t, 0.9, false)

	_, err := o.SubmitRequest(context.Background(), "sess-2", "make a box", RequestOptions{})
	require.NoError(t, err)

	_, err = o.SubmitRequest(context.Background(), "sess-2", "make another box", RequestOptions{})
	assert.Error(t, err)
}

func TestCancelStopsAnInFlightRequest(t *testing.T) {
	blocking := &blockingProvider{entered: make(chan struct{})}
	planner := agents.NewPlanner(blocking, retryFast())
	generator := agents.NewGenerator(fixedProvider{text: `{"scripts":{}}`}, retryFast())
	validator := agents.NewValidator(fixedProvider{text: `{"score":0.9,"issues":[],"suggestions":[]}`})

	bus := eventbus.New(16)
	checkpoints := statecache.NewManager(memstore.New(), statecache.Policy{OnTerminalTransition: true}, 4)
	cache := decisioncache.New(memcache.New(), time.Minute)

	o := New(Config{
		MaxConcurrentRequests: 2,
		IdleSessionTimeout:    time.Hour,
		ReapInterval:          time.Hour,
		Pipeline:              pipeline.Config{MaxIterations: 3},
	}, Deps{
		Planner:     planner,
		Generator:   generator,
		Validator:   validator,
		Executor:    executor.NewSimulated(),
		Checkpoints: checkpoints,
		Bus:         bus,
		Cache:       cache,
	})
	t.Cleanup(func() {
		o.Close()
		checkpoints.Close()
	})

	requestID, err := o.SubmitRequest(context.Background(), "sess-3", "make a box", RequestOptions{})
	require.NoError(t, err)

	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("planner was never entered")
	}

	ok, err := o.Cancel(requestID)
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := o.AwaitResult(context.Background(), requestID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, state.Status)
}

func TestAwaitResultOnUnknownRequestErrors(t *testing.T) {
	o := newTestOrchestrator(t, 0.9, false)
	_, err := o.AwaitResult(context.Background(), "does-not-exist", time.Second)
	assert.Error(t, err)
}

// orderRecordingExecutor records the order tasks start execution in,
// so a test can assert a dependent task never starts before its
// dependency finishes.
type orderRecordingExecutor struct {
	mu      sync.Mutex
	started []string
}

func (e *orderRecordingExecutor) Execute(_ context.Context, script executor.Script) (executor.Report, error) {
	e.mu.Lock()
	e.started = append(e.started, script.TaskID)
	e.mu.Unlock()
	return executor.Report{Success: true, ResultObject: script.TaskID + "_obj"}, nil
}

func TestExecutionRespectsDependencyLayering(t *testing.T) {
	planner := agents.NewPlanner(fixedProvider{text: `{"tasks":[
		{"id":"base","operation":"create_primitive","description":"box","parameters":{},"dependencies":[]},
		{"id":"derived","operation":"transform","description":"move the box","parameters":{"of":"$ref:base"},"dependencies":["base"]}
	]}`}, retryFast())
	generator := agents.NewGenerator(fixedProvider{text: `{"scripts":{
		"base":"box1 = doc.addObject()\nbox1.makeBox(1,1,1)\nRESULT: box1\n",
		"derived":"box2 = transform(box1)\nRESULT: box2\n"
	}}`}, retryFast())
	validator := agents.NewValidator(fixedProvider{text: `{"score":0.9,"issues":[],"suggestions":[]}`})

	rec := &orderRecordingExecutor{}
	bus := eventbus.New(16)
	checkpoints := statecache.NewManager(memstore.New(), statecache.Policy{OnTerminalTransition: true}, 4)
	cache := decisioncache.New(memcache.New(), time.Minute)

	o := New(Config{
		MaxConcurrentRequests: 2,
		IdleSessionTimeout:    time.Hour,
		ReapInterval:          time.Hour,
		Pipeline:              pipeline.Config{MaxIterations: 3, EnableExecution: true},
	}, Deps{
		Planner:     planner,
		Generator:   generator,
		Validator:   validator,
		Executor:    rec,
		Checkpoints: checkpoints,
		Bus:         bus,
		Cache:       cache,
	})
	t.Cleanup(func() {
		o.Close()
		checkpoints.Close()
	})

	requestID, err := o.SubmitRequest(context.Background(), "sess-order", "make a box and move it", RequestOptions{EnableExecution: true})
	require.NoError(t, err)

	state, err := o.AwaitResult(context.Background(), requestID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, state.Status)

	require.Len(t, rec.started, 2)
	assert.Equal(t, "base", rec.started[0])
	assert.Equal(t, "derived", rec.started[1])
}
