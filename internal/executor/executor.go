package executor

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Task is one pipeline step in the execution graph.
type Task struct {
	ID         string
	DependsOn  []string
	MaxRetries int
	RetryDelay time.Duration
}

// Graph encapsulates a set of tasks keyed by ID.
type Graph struct {
	Tasks map[string]Task
}

// Linear builds a graph where each task depends on the one before it.
func Linear(ids ...string) Graph {
	g := Graph{Tasks: make(map[string]Task, len(ids))}
	for i, id := range ids {
		t := Task{ID: id}
		if i > 0 {
			t.DependsOn = []string{ids[i-1]}
		}
		g.Tasks[id] = t
	}
	return g
}

// Executor runs tasks in dependency order and checkpoints each step's output.
type Executor struct {
	checkpoints CheckpointManager
	metrics     Metrics
}

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	RetryCounter func(context.Context, Task, int)
	Duration     func(context.Context, Task, time.Duration)
	Restored     func(context.Context, Task)
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithCheckpointManager sets the checkpoint manager implementation.
func WithCheckpointManager(mgr CheckpointManager) Option {
	return func(ex *Executor) {
		ex.checkpoints = mgr
	}
}

// WithMetrics sets executor metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(ex *Executor) {
		ex.metrics = m
	}
}

// New creates a new Executor instance.
func New(opts ...Option) *Executor {
	ex := &Executor{}
	for _, opt := range opts {
		opt(ex)
	}
	if ex.checkpoints == nil {
		ex.checkpoints = NewNoopCheckpointManager()
	}
	return ex
}

// ErrUnknownDependency indicates a dependency reference that is missing from the graph.
var ErrUnknownDependency = fmt.Errorf("unknown dependency")

// ErrCycleDetected indicates the graph contains a cycle.
var ErrCycleDetected = fmt.Errorf("cycle detected")

// TaskRunner executes the concrete work for a task and returns its output
// for checkpointing.
type TaskRunner interface {
	RunTask(ctx context.Context, runID string, task Task) ([]byte, error)
}

// TaskRestorer is implemented by runners that can reload a checkpointed output
// instead of running the task again.
type TaskRestorer interface {
	RestoreTask(ctx context.Context, runID string, task Task, output []byte) error
}

// Execute starts a fresh run: prior checkpoints for runID are discarded and
// every task runs. It returns the task IDs in execution order.
func (e *Executor) Execute(ctx context.Context, runID string, g Graph, runner TaskRunner) ([]string, error) {
	order, err := plan(g)
	if err != nil {
		return nil, err
	}
	if err := e.checkpoints.StartRun(ctx, runID); err != nil {
		return nil, err
	}
	for _, id := range order {
		if err := e.run(ctx, runID, g.Tasks[id], runner); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Resume continues a run from its checkpoints. Completed tasks are restored
// through the runner when it implements TaskRestorer; the first task without a
// completed checkpoint and everything after it run normally.
func (e *Executor) Resume(ctx context.Context, runID string, g Graph, runner TaskRunner) ([]string, error) {
	order, err := plan(g)
	if err != nil {
		return nil, err
	}
	done, err := e.checkpoints.Completed(ctx, runID)
	if err != nil {
		return nil, err
	}
	restorer, canRestore := runner.(TaskRestorer)
	replaying := canRestore
	for _, id := range order {
		task := g.Tasks[id]
		if output, ok := done[id]; ok && replaying {
			if err := restorer.RestoreTask(ctx, runID, task, output); err != nil {
				return nil, fmt.Errorf("restore %s: %w", id, err)
			}
			if e.metrics.Restored != nil {
				e.metrics.Restored(ctx, task)
			}
			continue
		}
		// once one task reruns, its dependents must rerun too
		replaying = false
		if err := e.run(ctx, runID, task, runner); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (e *Executor) run(ctx context.Context, runID string, task Task, runner TaskRunner) error {
	maxRetries := task.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptStart := time.Now()
		if err := e.checkpoints.SaveTaskStart(ctx, runID, task, attempt); err != nil {
			return err
		}
		var (
			output []byte
			runErr error
		)
		if runner != nil {
			output, runErr = runner.RunTask(ctx, runID, task)
		}
		if runErr == nil {
			if err := e.checkpoints.SaveTaskSuccess(ctx, runID, task, attempt, output); err != nil {
				return err
			}
			if e.metrics.Duration != nil {
				e.metrics.Duration(ctx, task, time.Since(attemptStart))
			}
			return nil
		}
		nextAttempt := attempt + 1
		if err := e.checkpoints.SaveTaskFailure(ctx, runID, task, nextAttempt, runErr); err != nil {
			return err
		}
		if e.metrics.RetryCounter != nil {
			e.metrics.RetryCounter(ctx, task, nextAttempt)
		}
		if nextAttempt > maxRetries {
			return runErr
		}
		attempt = nextAttempt
		if task.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(task.RetryDelay):
			}
		}
	}
}

// plan orders the graph topologically. Ties are broken by task ID so the
// order is stable across runs.
func plan(g Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.Tasks))
	adjacency := make(map[string][]string, len(g.Tasks))
	for id, task := range g.Tasks {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range task.DependsOn {
			if _, ok := g.Tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, id, dep)
			}
			adjacency[dep] = append(adjacency[dep], id)
			indegree[id]++
		}
	}

	queue := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.Tasks))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)
		next := adjacency[current]
		sort.Strings(next)
		for _, n := range next {
			indegree[n]--
			if indegree[n] == 0 {
				queue = append(queue, n)
			}
		}
	}
	if len(order) != len(g.Tasks) {
		return nil, ErrCycleDetected
	}
	return order, nil
}
