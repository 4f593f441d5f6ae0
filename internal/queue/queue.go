// Package queue implements a priority command queue and worker pool:
// commands ordered by (priority, created_at), a bounded worker pool capped
// by golang.org/x/sync/semaphore, dependency holding (a command with an
// unmet dependency waits outside the heap and is pushed onto it once its
// last dependency succeeds), and timeout/retry/cancellation semantics.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Priority is a fixed four-level scheduling priority. Lower numeric values
// are more urgent; Critical preempts everything else in the queue.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Status is a command's lifecycle position.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusWaiting   Status = "waiting" // blocked on an unmet dependency
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// ErrCancelled is returned by Await when the command was cancelled.
var ErrCancelled = errors.New("queue: command cancelled")

// Work is the caller-supplied unit of execution. ctx is cancelled on
// timeout or explicit Cancel.
type Work func(ctx context.Context) (any, error)

// Command is a single unit of scheduled work.
type Command struct {
	ID          string
	Priority    Priority
	CreatedAt   time.Time
	DependsOn   []string // command IDs that must succeed first
	MaxAttempts int
	Timeout     time.Duration
	Work        Work

	// Context, if set, is used as the parent for the per-attempt timeout
	// context instead of the pool's own lifecycle context. Cancelling it
	// aborts this command (and its retries) without stopping the pool.
	Context context.Context

	mu        sync.Mutex
	status    Status
	attempt   int
	startedAt time.Time
	result    any
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
}

func (c *Command) snapshotStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ActiveCommandSummary describes a currently running command for Info().
type ActiveCommandSummary struct {
	ID        string
	Priority  Priority
	Attempt   int
	StartedAt time.Time
}

// Snapshot describes Pool.Info()'s aggregate view.
type Snapshot struct {
	Queued    int
	Waiting   int
	Running   int
	Succeeded int
	Failed    int
	Cancelled int
	Active    []ActiveCommandSummary
}

// priorityQueue is a container/heap.Interface ordering by (priority asc,
// created_at asc) so the most urgent (numerically lowest) and oldest
// commands pop first.
type priorityQueue []*Command

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority < pq[j].Priority
	}
	return pq[i].CreatedAt.Before(pq[j].CreatedAt)
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(*Command)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Pool is a bounded-concurrency worker pool draining a priority queue.
type Pool struct {
	sem         *semaphore.Weighted
	concurrency int

	mu       sync.Mutex
	pq       priorityQueue
	commands map[string]*Command
	succeeded map[string]bool

	defaultTimeout time.Duration
	defaultRetries int
	backoffBase    time.Duration

	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Pool.
type Config struct {
	Concurrency    int
	DefaultTimeout time.Duration
	DefaultRetries int
	BackoffBase    time.Duration
}

// SetDefaults fills in unset concurrency, timeout, and retry knobs.
func (c *Config) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultRetries <= 0 {
		c.DefaultRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
}

// New creates a Pool and starts its dispatch loop. Call Close to stop it.
func New(cfg Config) *Pool {
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		sem:            semaphore.NewWeighted(int64(cfg.Concurrency)),
		concurrency:    cfg.Concurrency,
		commands:       make(map[string]*Command),
		succeeded:      make(map[string]bool),
		defaultTimeout: cfg.DefaultTimeout,
		defaultRetries: cfg.DefaultRetries,
		backoffBase:    cfg.BackoffBase,
		wakeup:         make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
	p.wg.Add(1)
	go p.dispatchLoop()
	return p
}

// Submit enqueues a command and returns it for status polling / awaiting.
func (p *Pool) Submit(cmd *Command) (*Command, error) {
	if cmd.ID == "" {
		return nil, fmt.Errorf("queue: command must have an id")
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	if cmd.MaxAttempts <= 0 {
		cmd.MaxAttempts = p.defaultRetries
	}
	if cmd.Timeout <= 0 {
		cmd.Timeout = p.defaultTimeout
	}
	cmd.done = make(chan struct{})

	p.mu.Lock()
	if _, exists := p.commands[cmd.ID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("queue: command %s already submitted", cmd.ID)
	}
	p.commands[cmd.ID] = cmd
	if p.dependenciesMetLocked(cmd) {
		cmd.status = StatusQueued
		heap.Push(&p.pq, cmd)
	} else {
		cmd.status = StatusWaiting
	}
	p.mu.Unlock()

	p.nudge()
	return cmd, nil
}

func (p *Pool) dependenciesMetLocked(cmd *Command) bool {
	for _, dep := range cmd.DependsOn {
		if !p.succeeded[dep] {
			return false
		}
	}
	return true
}

func (p *Pool) nudge() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

// Cancel marks a command cancelled. Running work is cancelled via context;
// queued/waiting work is removed without ever starting.
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	cmd, ok := p.commands[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: unknown command %s", id)
	}

	cmd.mu.Lock()
	switch cmd.status {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		cmd.mu.Unlock()
		return nil
	case StatusRunning:
		if cmd.cancel != nil {
			cmd.cancel()
		}
		fallthrough
	default:
		cmd.status = StatusCancelled
		cmd.err = ErrCancelled
		close(cmd.done)
		cmd.mu.Unlock()
		return nil
	}
}

// Status returns a command's current lifecycle status.
func (p *Pool) Status(id string) (Status, error) {
	p.mu.Lock()
	cmd, ok := p.commands[id]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("queue: unknown command %s", id)
	}
	return cmd.snapshotStatus(), nil
}

// Await blocks until the command reaches a terminal state and returns its
// result.
func (p *Pool) Await(ctx context.Context, id string) (any, error) {
	p.mu.Lock()
	cmd, ok := p.commands[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue: unknown command %s", id)
	}

	select {
	case <-cmd.done:
		cmd.mu.Lock()
		defer cmd.mu.Unlock()
		return cmd.result, cmd.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Info returns an aggregate snapshot of the pool's state.
func (p *Pool) Info() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var snap Snapshot
	for _, cmd := range p.commands {
		cmd.mu.Lock()
		switch cmd.status {
		case StatusQueued:
			snap.Queued++
		case StatusWaiting:
			snap.Waiting++
		case StatusRunning:
			snap.Running++
			snap.Active = append(snap.Active, ActiveCommandSummary{
				ID: cmd.ID, Priority: cmd.Priority, Attempt: cmd.attempt, StartedAt: cmd.startedAt,
			})
		case StatusSucceeded:
			snap.Succeeded++
		case StatusFailed:
			snap.Failed++
		case StatusCancelled:
			snap.Cancelled++
		}
		cmd.mu.Unlock()
	}
	return snap
}

// Forget drops a terminal command's bookkeeping. Callers that Await a
// command and have no further use for its status should call Forget so a
// long-lived Pool doesn't accumulate commands forever; it must only be
// called after every dependent of id has already been submitted, since
// forgetting id also drops its entry from the succeeded set.
func (p *Pool) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.commands, id)
	delete(p.succeeded, id)
}

// Close stops the dispatch loop and waits for in-flight work to return.
// In-flight work without its own Command.Context has its context cancelled;
// work with one runs on until that context ends or the work returns.
// Commands still queued are not started.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wakeup:
		case <-ticker.C:
		}
		p.dispatchReady()
	}
}

func (p *Pool) dispatchReady() {
	for {
		p.mu.Lock()
		if p.pq.Len() == 0 {
			p.mu.Unlock()
			return
		}
		if !p.sem.TryAcquire(1) {
			p.mu.Unlock()
			return
		}
		cmd := heap.Pop(&p.pq).(*Command)
		cmd.mu.Lock()
		if cmd.status == StatusCancelled {
			// Cancelled while queued: drop it without ever starting it.
			cmd.mu.Unlock()
			p.sem.Release(1)
			p.mu.Unlock()
			continue
		}
		cmd.status = StatusRunning
		cmd.attempt++
		cmd.startedAt = time.Now()
		cmd.mu.Unlock()
		p.mu.Unlock()

		p.wg.Add(1)
		go p.run(cmd)
	}
}

func (p *Pool) run(cmd *Command) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	parent := cmd.Context
	if parent == nil {
		parent = p.ctx
	}
	ctx, cancel := context.WithTimeout(parent, cmd.Timeout)
	cmd.mu.Lock()
	cmd.cancel = cancel
	cmd.mu.Unlock()
	defer cancel()

	result, err := cmd.Work(ctx)

	cmd.mu.Lock()
	if cmd.status == StatusCancelled {
		cmd.mu.Unlock()
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cmd.status = StatusTimedOut
		cmd.err = fmt.Errorf("queue: command %s timed out after %s", cmd.ID, cmd.Timeout)
		attempt, maxAttempts := cmd.attempt, cmd.MaxAttempts
		cmd.mu.Unlock()
		p.maybeRetry(cmd, attempt, maxAttempts)
		return
	}
	if err != nil {
		attempt, maxAttempts := cmd.attempt, cmd.MaxAttempts
		cmd.status = StatusFailed
		cmd.err = err
		cmd.mu.Unlock()
		p.maybeRetry(cmd, attempt, maxAttempts)
		return
	}
	cmd.status = StatusSucceeded
	cmd.result = result
	cmd.err = nil
	close(cmd.done)
	cmd.mu.Unlock()

	p.onSucceeded(cmd.ID)
}

func (p *Pool) maybeRetry(cmd *Command, attempt, maxAttempts int) {
	if attempt >= maxAttempts {
		cmd.mu.Lock()
		close(cmd.done)
		cmd.mu.Unlock()
		return
	}

	backoff := p.backoffBase * time.Duration(1<<uint(attempt-1))
	slog.Debug("queue: retrying command", "id", cmd.ID, "attempt", attempt, "backoff", backoff)

	time.AfterFunc(backoff, func() {
		p.mu.Lock()
		cmd.mu.Lock()
		cmd.status = StatusQueued
		cmd.mu.Unlock()
		heap.Push(&p.pq, cmd)
		p.mu.Unlock()
		p.nudge()
	})
}

func (p *Pool) onSucceeded(id string) {
	p.mu.Lock()
	p.succeeded[id] = true

	var promoted []*Command
	for _, cmd := range p.commands {
		cmd.mu.Lock()
		if cmd.status == StatusWaiting && p.dependenciesMetLocked(cmd) {
			cmd.status = StatusQueued
			promoted = append(promoted, cmd)
		}
		cmd.mu.Unlock()
	}
	for _, cmd := range promoted {
		heap.Push(&p.pq, cmd)
	}
	p.mu.Unlock()

	if len(promoted) > 0 {
		p.nudge()
	}
}
