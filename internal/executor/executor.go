// Package executor defines the contract a caller-supplied task executor
// must implement, and the read-only view of task state it receives.
package executor

import (
	"context"
	"strings"

	ctxprep "github.com/uengine-oss/agent-dispatcher/internal/context"
	"github.com/uengine-oss/agent-dispatcher/internal/events"
	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// Executor performs the business logic for one claimed task, emitting
// progress onto q. Cancel is invoked best-effort by the cancellation
// watcher; its failure is logged, never fatal.
type Executor interface {
	Execute(ctx context.Context, rc *ExecutionContext, q *events.Queue) error
	Cancel(ctx context.Context, rc *ExecutionContext, q *events.Queue) error
}

// ExecutionContext is the read-only view of a task handed to the executor.
// Named distinctly from context.Context to avoid a naming collision.
type ExecutionContext struct {
	task     *store.Task
	prepared *ctxprep.PreparedContext
}

// NewExecutionContext builds the read-only view from the raw Task and its
// PreparedContext.
func NewExecutionContext(task *store.Task, prepared *ctxprep.PreparedContext) *ExecutionContext {
	return &ExecutionContext{task: task, prepared: prepared}
}

// UserInput returns the task's trimmed query text.
func (c *ExecutionContext) UserInput() string {
	return strings.TrimSpace(c.task.Query)
}

// ContextData exposes the raw Task row and the prepared-context extras
// under the "row"/"extras" keys.
func (c *ExecutionContext) ContextData() map[string]any {
	return map[string]any{
		"row":    c.task,
		"extras": c.prepared,
	}
}

// Task returns the underlying claimed Task.
func (c *ExecutionContext) Task() *store.Task {
	return c.task
}

// Prepared returns the PreparedContext built before execution.
func (c *ExecutionContext) Prepared() *ctxprep.PreparedContext {
	return c.prepared
}
