// Package events translates executor output into store writes: artifact
// updates are saved immediately, status updates are coalesced into bulk
// event-store writes.
package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// ExecutorEvent is a closed union implemented by ArtifactUpdate and
// StatusUpdate; the unexported method seals it to this package.
type ExecutorEvent interface {
	isExecutorEvent()
}

// ArtifactUpdate carries a result artifact produced mid-execution.
type ArtifactUpdate struct {
	ContextID string
	TaskID    string
	Artifact  any
	Message   any
	Final     bool
	LastChunk bool
	Last      bool
}

func (ArtifactUpdate) isExecutorEvent() {}

// StatusUpdate carries a progress/status change.
type StatusUpdate struct {
	ContextID string
	TaskID    string
	State     string // e.g. "input-required", "working", "completed"
	Artifact  any
	Message   any
	CrewType  string
	EventType string
	Status    string
	JobID     string
}

func (StatusUpdate) isExecutorEvent() {}

// isFinal mirrors the source's `bool(final or lastChunk or last_chunk or
// last)` derivation.
func (a ArtifactUpdate) isFinal() bool {
	return a.Final || a.LastChunk || a.Last
}

// Queue is constructed per claimed task and routes executor events to the
// store: artifacts save immediately, status updates enqueue onto the
// shared Coalescer.
type Queue struct {
	store      store.Client
	coalescer  *Coalescer
	todoID     string
	agentOrch  string
	procInstID string
	logger     *slog.Logger
}

// NewQueue builds a Queue for one claimed task.
func NewQueue(client store.Client, coalescer *Coalescer, todoID, agentOrch, procInstID string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:      client,
		coalescer:  coalescer,
		todoID:     todoID,
		agentOrch:  agentOrch,
		procInstID: procInstID,
		logger:     logger,
	}
}

// Enqueue classifies and routes an event. Classification and the
// coalescer append happen synchronously on the caller's goroutine, so
// events reach the coalescer's buffer in the exact order Enqueue was
// called — Go's scheduler gives no ordering guarantee across independently
// spawned goroutines the way the source's single-threaded asyncio event
// loop does, so that step can't be backgrounded. Only the artifact store
// write itself (SaveResult, which never touches the coalescer) runs off
// the caller's goroutine.
func (q *Queue) Enqueue(event ExecutorEvent) {
	switch e := event.(type) {
	case ArtifactUpdate:
		q.enqueueArtifact(e)
	case StatusUpdate:
		q.enqueueStatus(e)
	}
}

func (q *Queue) enqueueArtifact(e ArtifactUpdate) {
	payload := ExtractPayload(ArtifactSource{Artifact: e.Artifact, Message: e.Message})
	final := e.isFinal()
	go func() {
		if err := q.store.SaveResult(context.Background(), q.todoID, payload, final); err != nil {
			q.logger.Error("artifact_save_failed",
				slog.String("todo_id", q.todoID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (q *Queue) enqueueStatus(e StatusUpdate) {
	eventType := e.EventType
	if e.State == "input-required" {
		eventType = "human_asked"
	}

	procInstID := e.ContextID
	if procInstID == "" {
		procInstID = q.procInstID
	}

	var statusPtr *string
	if e.Status != "" {
		status := e.Status
		statusPtr = &status
	}

	rec := store.PersistedEventRecord{
		ID:         uuid.NewString(),
		JobID:      e.JobID,
		TodoID:     q.todoID,
		ProcInstID: procInstID,
		CrewType:   e.CrewType,
		EventType:  eventType,
		Data:       ExtractPayload(ArtifactSource{Artifact: e.Artifact, Message: e.Message}),
		Status:     statusPtr,
	}

	q.coalescer.Enqueue(rec)
}

// TaskDone emits the synthetic crew_completed record the source writes once
// the executor returns successfully.
func (q *Queue) TaskDone() {
	rec := store.PersistedEventRecord{
		ID:         uuid.NewString(),
		JobID:      "CREW_FINISHED",
		TodoID:     q.todoID,
		ProcInstID: q.procInstID,
		CrewType:   "crew",
		EventType:  "crew_completed",
		Data:       PayloadString("Task completed successfully"),
		Status:     nil,
	}
	q.coalescer.Enqueue(rec)
}
