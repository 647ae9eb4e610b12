// Package echo is the reference executor wired into cmd/agent-dispatcher
// when no richer integration is supplied: it echoes the task's query back
// as a single completed artifact. Real deployments provide their own
// executor.Executor and pass it to worker.Config.ExecutorFactory instead.
package echo

import (
	"context"
	"fmt"

	"github.com/uengine-oss/agent-dispatcher/internal/events"
	"github.com/uengine-oss/agent-dispatcher/internal/executor"
)

// Executor implements executor.Executor by replaying the task's input as
// its output artifact.
type Executor struct{}

// New builds an echo Executor. Takes no arguments; exists so the factory
// signature in cmd/agent-dispatcher matches other executor constructors.
func New() *Executor {
	return &Executor{}
}

func (e *Executor) Execute(ctx context.Context, rc *executor.ExecutionContext, q *events.Queue) error {
	input := rc.UserInput()
	if input == "" {
		input = "(no query provided)"
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.Enqueue(events.StatusUpdate{
		TaskID:    rc.Task().ID,
		State:     "working",
		CrewType:  "agent",
		EventType: "status",
	})

	q.Enqueue(events.ArtifactUpdate{
		TaskID:   rc.Task().ID,
		Artifact: fmt.Sprintf("echo: %s", input),
		Final:    true,
	})

	return nil
}

func (e *Executor) Cancel(ctx context.Context, rc *executor.ExecutionContext, q *events.Queue) error {
	return nil
}
