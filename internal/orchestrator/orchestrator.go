// Package orchestrator implements the top-level entry point: it owns
// sessions, accepts requests, drives one pipeline per request, enforces the
// global concurrency budget, and surfaces metrics — wiring together
// taskgraph, queue, agents, pipeline, statecache, decisioncache, and
// eventbus into one runnable system.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ai-designing/cadorch/internal/agents"
	"github.com/ai-designing/cadorch/internal/decisioncache"
	"github.com/ai-designing/cadorch/internal/eventbus"
	"github.com/ai-designing/cadorch/internal/executor"
	"github.com/ai-designing/cadorch/internal/pipeline"
	"github.com/ai-designing/cadorch/internal/queue"
	"github.com/ai-designing/cadorch/internal/statecache"
	"github.com/ai-designing/cadorch/internal/taskgraph"
)

// Session is owned exclusively by the Orchestrator: at most one in-flight
// pipeline iteration per session.
type Session struct {
	ID              string
	CreatedAt       time.Time
	LastActivity    time.Time
	CommandsHandled int
	SuccessCount    int
	activeRequestID string
}

// Config controls global resource limits.
type Config struct {
	MaxConcurrentRequests int
	IdleSessionTimeout    time.Duration
	ReapInterval          time.Duration
	Pipeline              pipeline.Config
	Queue                 queue.Config
}

// SetDefaults fills in unset concurrency, reaping, pipeline, and queue knobs.
func (c *Config) SetDefaults() {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 3
	}
	if c.IdleSessionTimeout <= 0 {
		c.IdleSessionTimeout = 30 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	c.Pipeline.SetDefaults()
	c.Queue.SetDefaults()
}

// Metrics is the orchestrator's snapshot surface.
type Metrics struct {
	ActiveSessions      int
	ActivePipelines     int
	TotalCommandsServed int
	TotalSuccesses      int
	DecisionCacheHits   uint64
	DecisionCacheMisses uint64
}

// requestRecord tracks one in-flight or completed request.
type requestRecord struct {
	sessionID string
	pipeline  *pipeline.Pipeline
	done      chan struct{}
	err       error
	cancel    context.CancelFunc
}

// Orchestrator drives requests end to end: Plan → Generate → Execute →
// Validate, across many sessions, bounded by MaxConcurrentRequests.
type Orchestrator struct {
	cfg Config

	planner   *agents.Planner
	generator *agents.Generator
	validator *agents.Validator
	executor  executor.ScriptExecutor
	checkpt   *statecache.Manager
	bus       *eventbus.Bus
	cache     *decisioncache.Cache
	queue     *queue.Pool

	sem *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*Session
	requests map[string]*requestRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the collaborators the Orchestrator wires together. Bus,
// Checkpoints, and Cache are optional (nil disables that concern).
type Deps struct {
	Planner     *agents.Planner
	Generator   *agents.Generator
	Validator   *agents.Validator
	Executor    executor.ScriptExecutor
	Checkpoints *statecache.Manager
	Bus         *eventbus.Bus
	Cache       *decisioncache.Cache
}

// New creates an Orchestrator, its internal command queue, and starts its
// idle-session reaper.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:       cfg,
		planner:   deps.Planner,
		generator: deps.Generator,
		validator: deps.Validator,
		executor:  deps.Executor,
		checkpt:   deps.Checkpoints,
		bus:       deps.Bus,
		cache:     deps.Cache,
		queue:     queue.New(cfg.Queue),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		sessions:  make(map[string]*Session),
		requests:  make(map[string]*requestRecord),
		cancel:    cancel,
	}

	o.wg.Add(1)
	go o.reapLoop(ctx)
	return o
}

// Close stops the idle-session reaper and the command queue's dispatch
// loop, waiting for in-flight queue work to return; commands still queued
// are not run.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	o.queue.Close()
}

func (o *Orchestrator) reapLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reapIdleSessions()
		}
	}
}

func (o *Orchestrator) reapIdleSessions() {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := time.Now().Add(-o.cfg.IdleSessionTimeout)
	for id, sess := range o.sessions {
		if sess.activeRequestID == "" && sess.LastActivity.Before(cutoff) {
			delete(o.sessions, id)
			slog.Info("orchestrator: reaped idle session", "session_id", id)
		}
	}
}

func (o *Orchestrator) sessionLocked(sessionID string) *Session {
	sess, ok := o.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, CreatedAt: time.Now()}
		o.sessions[sessionID] = sess
	}
	sess.LastActivity = time.Now()
	return sess
}

// RequestOptions customizes one submission.
type RequestOptions struct {
	MaxIterations   int
	EnableExecution bool
}

// SubmitRequest instantiates a pipeline run for prompt under sessionID and
// runs it to completion in the background, respecting the global
// concurrency cap and the one-in-flight-per-session invariant. The request
// gets its own derived, cancellable context so a later Cancel(requestID)
// call can abort an in-flight adapter/executor call without tearing down
// the caller's ctx.
func (o *Orchestrator) SubmitRequest(ctx context.Context, sessionID, prompt string, opts RequestOptions) (string, error) {
	requestID := uuid.NewString()
	cfg := o.cfg.Pipeline
	if opts.MaxIterations > 0 {
		cfg.MaxIterations = opts.MaxIterations
	}
	cfg.EnableExecution = opts.EnableExecution

	p, err := pipeline.New(requestID, cfg)
	if err != nil {
		return "", fmt.Errorf("orchestrator: %w", err)
	}

	reqCtx, reqCancel := context.WithCancel(ctx)

	o.mu.Lock()
	sess := o.sessionLocked(sessionID)
	if sess.activeRequestID != "" {
		o.mu.Unlock()
		reqCancel()
		return "", fmt.Errorf("orchestrator: session %s already has an in-flight request %s", sessionID, sess.activeRequestID)
	}
	sess.activeRequestID = requestID
	rec := &requestRecord{sessionID: sessionID, pipeline: p, done: make(chan struct{}), cancel: reqCancel}
	o.requests[requestID] = rec
	o.mu.Unlock()

	o.publish(sessionID, requestID, eventbus.KindNodeEntered, "pipeline.submitted", nil)

	go o.run(reqCtx, requestID, sessionID, prompt, rec)
	return requestID, nil
}

func (o *Orchestrator) publish(sessionID, requestID string, kind eventbus.Kind, topic string, detail map[string]string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{
		Kind:      kind,
		Topic:     topic,
		SessionID: sessionID,
		RequestID: requestID,
		Detail:    detail,
	})
}

// run drives one request's pipeline to a terminal status, looping the
// Generate/Execute/Validate cycle on Refining and restarting from Planning
// on a replan decision, exactly as the router in internal/pipeline
// prescribes. ctx is the request's own derived context: cancelling it (via
// Cancel) unblocks any in-flight adapter or executor call this goroutine is
// waiting on.
func (o *Orchestrator) run(ctx context.Context, requestID, sessionID, prompt string, rec *requestRecord) {
	defer close(rec.done)
	defer func() {
		// A request cancelled through Cancel ends in StatusCancelled; the
		// context error its aborted adapter call returned is not reported.
		if rec.pipeline.Snapshot().Status == pipeline.StatusCancelled {
			rec.err = nil
		}
	}()
	defer o.finish(sessionID, rec)
	defer rec.cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		rec.err = fmt.Errorf("orchestrator: acquiring concurrency slot: %w", err)
		_ = rec.pipeline.Fail(pipeline.ReasonUnrecoverable, rec.err)
		return
	}
	defer o.sem.Release(1)

	p := rec.pipeline
	if err := p.Start(); err != nil {
		rec.err = err
		return
	}

	var feedback []string
	var priorGraph *taskgraph.Graph
	for {
		o.publish(sessionID, requestID, eventbus.KindNodeEntered, "pipeline.planning", nil)
		plannerInput := agents.PlannerInput{Prompt: prompt, RetryFeedback: feedback}
		if priorGraph != nil {
			plannerInput.StateSummary = fmt.Sprintf("previous plan had %d tasks and was rejected for: %v", priorGraph.Size(), feedback)
		}
		graph, err := o.planWithCache(ctx, requestID, plannerInput)
		if err != nil {
			rec.err = err
			_ = p.Fail(pipeline.ReasonPlanningFailed, err)
			o.publish(sessionID, requestID, eventbus.KindPipelineTerminal, "pipeline.failed", nil)
			return
		}
		if err := p.CompletePlanning(graph); err != nil {
			rec.err = err
			return
		}

		next, err := o.generateExecuteValidateLoop(ctx, sessionID, requestID, prompt, p, graph, nil, nil)

		if err != nil {
			rec.err = err
			return
		}

		o.checkpoint(sessionID, p)

		switch next {
		case pipeline.NextCompleted:
			o.publish(sessionID, requestID, eventbus.KindPipelineTerminal, "pipeline.completed", nil)
			return
		case pipeline.NextFailed:
			o.publish(sessionID, requestID, eventbus.KindPipelineTerminal, "pipeline.failed", nil)
			return
		case pipeline.NextPlanning:
			feedback = p.Snapshot().LastValidation.Issues
			priorGraph = graph
			continue
		}
	}
}

// generateExecuteValidateLoop runs Generate→Execute→Validate once, then
// keeps re-running Generate→Execute→Validate internally for as long as the
// router keeps returning Refining (a replan or terminal result returns
// control to run, which restarts from Planning or stops).
func (o *Orchestrator) generateExecuteValidateLoop(ctx context.Context, sessionID, requestID, prompt string, p *pipeline.Pipeline, graph *taskgraph.Graph, prevScripts map[string]string, feedback []string) (pipeline.NextState, error) {
	genInput := agents.GeneratorInput{Graph: graph, PreviousScripts: prevScripts, Feedback: feedback}
	scripts, err := o.generateWithCache(ctx, genInput)
	if err != nil {
		_ = p.Fail(pipeline.ReasonGenerationFailed, err)
		return "", err
	}
	if err := p.CompleteGeneration(scripts); err != nil {
		return "", err
	}

	reports, artifacts, execErrors := o.executeAll(ctx, sessionID, requestID, graph, scripts)
	if err := p.CompleteExecution(artifacts, execErrors); err != nil {
		return "", err
	}

	o.publish(sessionID, requestID, eventbus.KindValidationScored, "pipeline.validating", nil)
	validatorInput := agents.ValidatorInput{
		Prompt:           prompt,
		Graph:            graph,
		Scripts:          scripts,
		ExecutionReports: reports,
	}
	validation, err := o.validateWithCache(ctx, validatorInput)
	if err != nil {
		return "", err
	}

	next, err := p.CompleteValidation(validation)
	if err != nil {
		return "", err
	}

	if next == pipeline.NextRefining {
		o.publish(sessionID, requestID, eventbus.KindRefinementRequested, "pipeline.refining", nil)
		return o.generateExecuteValidateLoop(ctx, sessionID, requestID, prompt, p, graph, scripts, validation.Issues)
	}
	return next, nil
}

// planWithCache wraps Planner.Plan with the decision cache, keyed on the
// PlannerInput alone (requestID is not part of the fingerprint): an
// identical input skips the LLM call entirely and returns the previously
// produced graph.
func (o *Orchestrator) planWithCache(ctx context.Context, requestID string, input agents.PlannerInput) (*taskgraph.Graph, error) {
	if o.cache == nil {
		return o.planner.Plan(ctx, requestID, input)
	}

	fp, err := decisioncache.Fingerprint("planner", input)
	if err == nil {
		var cached taskgraph.Graph
		if hit, getErr := o.cache.Get(ctx, fp, &cached); getErr == nil && hit {
			return &cached, nil
		}
	}

	graph, err2 := o.planner.Plan(ctx, requestID, input)
	if err2 != nil {
		return nil, err2
	}
	if fp != "" {
		_ = o.cache.Set(ctx, fp, graph)
	}
	return graph, nil
}

// generateWithCache wraps Generator.Generate with the decision cache, keyed
// on the graph and prior scripts/feedback so a re-run of an identical
// generation step skips the LLM call.
func (o *Orchestrator) generateWithCache(ctx context.Context, input agents.GeneratorInput) (map[string]string, error) {
	if o.cache == nil {
		return o.generator.Generate(ctx, input)
	}

	fp, err := decisioncache.Fingerprint("generator", input)
	if err == nil {
		var cached map[string]string
		if hit, getErr := o.cache.Get(ctx, fp, &cached); getErr == nil && hit {
			return cached, nil
		}
	}

	scripts, err2 := o.generator.Generate(ctx, input)
	if err2 != nil {
		return nil, err2
	}
	if fp != "" {
		_ = o.cache.Set(ctx, fp, scripts)
	}
	return scripts, nil
}

// validateWithCache wraps Validator.Validate with the decision cache, keyed
// on the scripts and execution reports being scored.
func (o *Orchestrator) validateWithCache(ctx context.Context, input agents.ValidatorInput) (pipeline.ValidationResult, error) {
	if o.cache == nil {
		return o.validator.Validate(ctx, input)
	}

	fp, err := decisioncache.Fingerprint("validator", input)
	if err == nil {
		var cached pipeline.ValidationResult
		if hit, getErr := o.cache.Get(ctx, fp, &cached); getErr == nil && hit {
			return cached, nil
		}
	}

	validation, err2 := o.validator.Validate(ctx, input)
	if err2 != nil {
		return pipeline.ValidationResult{}, err2
	}
	if fp != "" {
		_ = o.cache.Set(ctx, fp, validation)
	}
	return validation, nil
}

// executeAll submits every scripted task to the orchestrator's command
// queue, namespacing each command id as "requestID:taskID" and translating
// the graph's declared dependencies into DependsOn entries so the queue's
// own dependency-aware scheduling — not a hand-rolled topological-layer
// loop — decides when each task becomes runnable. Commands share ctx as
// their timeout parent, so cancelling the request aborts whatever tasks are
// still in flight.
func (o *Orchestrator) executeAll(ctx context.Context, sessionID, requestID string, graph *taskgraph.Graph, scripts map[string]string) (map[string]executor.Report, map[string]string, []string) {
	if !o.cfg.Pipeline.EnableExecution || o.executor == nil {
		return nil, nil, nil
	}

	namespaced := func(taskID string) string { return requestID + ":" + taskID }

	o.publish(sessionID, requestID, eventbus.KindTaskStarted, "pipeline.executing", nil)
	reports := make(map[string]executor.Report, len(scripts))
	artifacts := make(map[string]string, len(scripts))
	var execErrors []string

	var taskIDs []string
	for _, id := range graph.AllTaskIDs() {
		if _, ok := scripts[id]; ok {
			taskIDs = append(taskIDs, id)
		}
	}

	for _, id := range taskIDs {
		taskID := id
		script := scripts[taskID]
		node, _ := graph.Get(taskID)

		var dependsOn []string
		for _, dep := range node.Dependencies {
			if _, ok := scripts[dep]; ok {
				dependsOn = append(dependsOn, namespaced(dep))
			}
		}

		cmd := &queue.Command{
			ID:        namespaced(taskID),
			DependsOn: dependsOn,
			Context:   ctx,
			Work: func(wctx context.Context) (any, error) {
				return o.executor.Execute(wctx, executor.Script{TaskID: taskID, Source: script})
			},
		}
		if _, err := o.queue.Submit(cmd); err != nil {
			execErrors = append(execErrors, err.Error())
		}
	}

	for _, id := range taskIDs {
		taskID := id
		result, err := o.queue.Await(ctx, namespaced(taskID))
		o.queue.Forget(namespaced(taskID))
		if err != nil {
			execErrors = append(execErrors, err.Error())
			o.publish(sessionID, requestID, eventbus.KindTaskFailed, "pipeline.executing", map[string]string{"task_id": taskID})
			continue
		}
		report, ok := result.(executor.Report)
		if !ok {
			execErrors = append(execErrors, fmt.Sprintf("task %q: unexpected executor result type", taskID))
			continue
		}
		reports[taskID] = report
		if report.Success {
			artifacts[taskID] = report.ResultObject
			o.publish(sessionID, requestID, eventbus.KindTaskCompleted, "pipeline.executing", map[string]string{"task_id": taskID})
		} else {
			execErrors = append(execErrors, report.Errors...)
			o.publish(sessionID, requestID, eventbus.KindTaskFailed, "pipeline.executing", map[string]string{"task_id": taskID})
		}
	}
	return reports, artifacts, execErrors
}

func (o *Orchestrator) checkpoint(sessionID string, p *pipeline.Pipeline) {
	if o.checkpt == nil {
		return
	}
	snap := p.Snapshot()
	o.checkpt.Checkpoint(sessionID, string(snap.Status), map[string]any{
		"request_id": snap.RequestID,
		"status":     string(snap.Status),
		"iteration":  snap.Iteration,
	})
	o.publish(sessionID, snap.RequestID, eventbus.KindStateCheckpoint, "pipeline.checkpoint", nil)
}

func (o *Orchestrator) finish(sessionID string, rec *requestRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		return
	}
	sess.CommandsHandled++
	if rec.pipeline.Snapshot().Status == pipeline.StatusCompleted {
		sess.SuccessCount++
	}
	sess.activeRequestID = ""
}

// AwaitResult blocks until requestID reaches a terminal status, ctx is
// cancelled, or timeout elapses (timeout <= 0 means no deadline beyond
// ctx), then returns its final snapshot.
func (o *Orchestrator) AwaitResult(ctx context.Context, requestID string, timeout time.Duration) (pipeline.State, error) {
	o.mu.Lock()
	rec, ok := o.requests[requestID]
	o.mu.Unlock()
	if !ok {
		return pipeline.State{}, fmt.Errorf("orchestrator: unknown request %s", requestID)
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-rec.done:
		return rec.pipeline.Snapshot(), rec.err
	case <-waitCtx.Done():
		return rec.pipeline.Snapshot(), waitCtx.Err()
	}
}

// Cancel requests cancellation of requestID: it forces the pipeline's
// status to Cancelled and cancels the request's context, best-effort
// aborting whatever adapter or executor call run's goroutine is currently
// blocked on. The pipeline transition happens first so a racing run()
// goroutine that is already returning sees a terminal status and its own
// Fail() call becomes a no-op rather than overwriting Cancelled.
func (o *Orchestrator) Cancel(requestID string) (bool, error) {
	o.mu.Lock()
	rec, ok := o.requests[requestID]
	o.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("orchestrator: unknown request %s", requestID)
	}
	if err := rec.pipeline.Cancel(); err != nil {
		return false, err
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	return true, nil
}

// SessionInfo returns a copy of sessionID's bookkeeping, if known.
func (o *Orchestrator) SessionInfo(sessionID string) (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Metrics returns a point-in-time snapshot of orchestrator-wide counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := Metrics{ActiveSessions: len(o.sessions)}
	for _, sess := range o.sessions {
		m.TotalCommandsServed += sess.CommandsHandled
		m.TotalSuccesses += sess.SuccessCount
		if sess.activeRequestID != "" {
			m.ActivePipelines++
		}
	}
	if o.cache != nil {
		m.DecisionCacheHits, m.DecisionCacheMisses = o.cache.Stats()
	}
	return m
}
