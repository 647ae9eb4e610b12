package events

import (
	"testing"
	"time"
)

func TestQueue_ArtifactUpdateSavesResult(t *testing.T) {
	fs := &fakeStore{}
	q := NewQueue(fs, NewCoalescer(fs, 3, time.Hour, nil), "todo-1", "agent", "proc-1", nil)

	q.Enqueue(ArtifactUpdate{Artifact: "result text", Final: true})

	waitFor(t, time.Second, func() bool { return fs.savedResultCount() == 1 })
	fs.mu.Lock()
	got := fs.savedResults[0]
	fs.mu.Unlock()
	if got.todoID != "todo-1" || !got.final {
		t.Errorf("savedResult = %+v", got)
	}
	if got.payload != PayloadString("result text") {
		t.Errorf("payload = %#v, want PayloadString(result text)", got.payload)
	}
}

func TestQueue_ArtifactIsFinalDerivation(t *testing.T) {
	cases := []struct {
		name  string
		event ArtifactUpdate
		want  bool
	}{
		{"final", ArtifactUpdate{Final: true}, true},
		{"lastChunk", ArtifactUpdate{LastChunk: true}, true},
		{"last", ArtifactUpdate{Last: true}, true},
		{"none", ArtifactUpdate{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.event.isFinal(); got != tc.want {
				t.Errorf("isFinal() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestQueue_StatusUpdateCoalesces(t *testing.T) {
	fs := &fakeStore{}
	coalescer := NewCoalescer(fs, 3, time.Hour, nil)
	q := NewQueue(fs, coalescer, "todo-1", "agent", "proc-1", nil)

	q.Enqueue(StatusUpdate{EventType: "progress", Message: "working"})
	q.Enqueue(StatusUpdate{EventType: "progress", Message: "still working"})
	if fs.bulkCallCount() != 0 {
		t.Fatalf("flushed before batch threshold, calls=%d", fs.bulkCallCount())
	}
	q.Enqueue(StatusUpdate{EventType: "progress", Message: "done soon"})

	waitFor(t, time.Second, func() bool { return fs.bulkCallCount() == 1 })
	if fs.totalRecordsFlushed() != 3 {
		t.Fatalf("totalRecordsFlushed = %d, want 3", fs.totalRecordsFlushed())
	}
}

func TestQueue_InputRequiredOverridesEventType(t *testing.T) {
	fs := &fakeStore{}
	coalescer := NewCoalescer(fs, 1, time.Hour, nil)
	q := NewQueue(fs, coalescer, "todo-1", "agent", "proc-1", nil)

	q.Enqueue(StatusUpdate{State: "input-required", EventType: "progress"})

	waitFor(t, time.Second, func() bool { return fs.bulkCallCount() == 1 })
	rec := fs.bulkCalls[0][0]
	if rec.EventType != "human_asked" {
		t.Errorf("EventType = %q, want human_asked", rec.EventType)
	}
}

func TestQueue_ContextIDOverridesDefaultProcInstID(t *testing.T) {
	fs := &fakeStore{}
	coalescer := NewCoalescer(fs, 1, time.Hour, nil)
	q := NewQueue(fs, coalescer, "todo-1", "agent", "default-proc", nil)

	q.Enqueue(StatusUpdate{ContextID: "override-proc", EventType: "progress"})

	waitFor(t, time.Second, func() bool { return fs.bulkCallCount() == 1 })
	rec := fs.bulkCalls[0][0]
	if rec.ProcInstID != "override-proc" {
		t.Errorf("ProcInstID = %q, want override-proc", rec.ProcInstID)
	}
}

func TestQueue_TaskDoneEmitsCrewCompleted(t *testing.T) {
	fs := &fakeStore{}
	coalescer := NewCoalescer(fs, 1, time.Hour, nil)
	q := NewQueue(fs, coalescer, "todo-1", "agent", "proc-1", nil)

	q.TaskDone()

	waitFor(t, time.Second, func() bool { return fs.bulkCallCount() == 1 })
	rec := fs.bulkCalls[0][0]
	if rec.EventType != "crew_completed" || rec.JobID != "CREW_FINISHED" {
		t.Errorf("rec = %+v", rec)
	}
	if rec.Status != nil {
		t.Errorf("Status = %v, want nil", rec.Status)
	}
}
