package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ctxprep "github.com/uengine-oss/agent-dispatcher/internal/context"
	"github.com/uengine-oss/agent-dispatcher/internal/events"
	"github.com/uengine-oss/agent-dispatcher/internal/executor"
	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	tasks      []*store.Task
	claimCalls int

	statuses    []string
	statusCalls int

	savedResults   int
	recordedEvent  []store.PersistedEventRecord
	bulkRecords    [][]store.PersistedEventRecord
	markFailedIDs  []string
	recordEventErr error
	markFailedErr  error
}

func (f *fakeStore) Claim(context.Context, store.ClaimRequest) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimCalls >= len(f.tasks) {
		return nil, nil
	}
	t := f.tasks[f.claimCalls]
	f.claimCalls++
	return t, nil
}

func (f *fakeStore) FetchDoneData(context.Context, string) ([]store.PriorOutput, error) {
	return nil, nil
}

func (f *fakeStore) FetchContextBundle(context.Context, store.ContextBundleRequest) (*store.ContextBundle, error) {
	return &store.ContextBundle{}, nil
}

func (f *fakeStore) SaveResult(context.Context, string, any, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedResults++
	return nil
}

func (f *fakeStore) RecordEvent(_ context.Context, rec store.PersistedEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordedEvent = append(f.recordedEvent, rec)
	return f.recordEventErr
}

func (f *fakeStore) RecordEventsBulk(_ context.Context, recs []store.PersistedEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkRecords = append(f.bulkRecords, recs)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markFailedIDs = append(f.markFailedIDs, taskID)
	return f.markFailedErr
}

func (f *fakeStore) FetchStatus(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.statusCalls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusCalls++
	if idx < 0 {
		return "in_progress", nil
	}
	return f.statuses[idx], nil
}

func (f *fakeStore) RequeueExpiredLeases(context.Context) (int, error) { return 0, nil }

func (f *fakeStore) snapshot() (saved, bulkCount, failedCount, errEvents int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, b := range f.bulkRecords {
		total += len(b)
	}
	return f.savedResults, total, len(f.markFailedIDs), len(f.recordedEvent)
}

// succeedingExecutor finishes immediately with no error.
type succeedingExecutor struct{ cancelCalled bool }

func (e *succeedingExecutor) Execute(context.Context, *executor.ExecutionContext, *events.Queue) error {
	return nil
}
func (e *succeedingExecutor) Cancel(context.Context, *executor.ExecutionContext, *events.Queue) error {
	e.cancelCalled = true
	return nil
}

// failingExecutor returns an error from Execute.
type failingExecutor struct{ err error }

func (e *failingExecutor) Execute(context.Context, *executor.ExecutionContext, *events.Queue) error {
	return e.err
}
func (e *failingExecutor) Cancel(context.Context, *executor.ExecutionContext, *events.Queue) error {
	return nil
}

// blockingExecutor runs until its context is canceled.
type blockingExecutor struct{ cancelCalled sync.WaitGroup }

func newBlockingExecutor() *blockingExecutor {
	e := &blockingExecutor{}
	e.cancelCalled.Add(1)
	return e
}

func (e *blockingExecutor) Execute(ctx context.Context, _ *executor.ExecutionContext, _ *events.Queue) error {
	<-ctx.Done()
	return ctx.Err()
}

func (e *blockingExecutor) Cancel(context.Context, *executor.ExecutionContext, *events.Queue) error {
	e.cancelCalled.Done()
	return nil
}

func newTestServer(t *testing.T, fs *fakeStore, execFactory func(task *store.Task) executor.Executor, cancelPoll time.Duration) *Server {
	t.Helper()
	coalescer := events.NewCoalescer(fs, 10, time.Hour, nil)
	preparer := ctxprep.New(fs, nil)
	return New(Config{
		Store:              fs,
		Preparer:           preparer,
		ExecutorFactory:    execFactory,
		Coalescer:          coalescer,
		ConsumerID:         "test-consumer",
		AgentOrch:          "test-orch",
		IdlePollInterval:   5 * time.Millisecond,
		CancelPollInterval: cancelPoll,
	})
}

func TestProcessTask_HappyPathEmitsTaskDone(t *testing.T) {
	fs := &fakeStore{tasks: []*store.Task{{ID: "T1", TodoID: "TD1", ProcInstID: "P1"}}}
	exec := &succeedingExecutor{}
	s := newTestServer(t, fs, func(*store.Task) executor.Executor { return exec }, time.Hour)

	s.processTask(context.Background(), fs.tasks[0])
	// The coalescer (batch 10, 1h delay) holds crew_completed until flushed.
	s.cfg.Coalescer.Flush(context.Background())

	_, bulkCount, failedCount, errEvents := fs.snapshot()
	if bulkCount != 1 {
		t.Errorf("expected 1 coalesced record (crew_completed), got %d", bulkCount)
	}
	if failedCount != 0 || errEvents != 0 {
		t.Errorf("happy path must not mark failed or record error events, got failed=%d errEvents=%d", failedCount, errEvents)
	}
	if exec.cancelCalled {
		t.Error("Cancel should not be called on a clean finish")
	}
}

func TestProcessTask_ExecutorErrorRecordsFailureWithFallbackMessage(t *testing.T) {
	fs := &fakeStore{tasks: []*store.Task{{ID: "T1", TodoID: "TD1", ProcInstID: "P1"}}}
	boom := errors.New("boom")
	exec := &failingExecutor{err: boom}
	s := newTestServer(t, fs, func(*store.Task) executor.Executor { return exec }, time.Hour)

	s.processTask(context.Background(), fs.tasks[0])

	_, _, failedCount, errEvents := fs.snapshot()
	if failedCount != 1 {
		t.Fatalf("expected MarkFailed to be called once, got %d", failedCount)
	}
	if errEvents != 1 {
		t.Fatalf("expected exactly one error event, got %d", errEvents)
	}
	rec := fs.recordedEvent[0]
	if rec.EventType != "error" || rec.JobID != "TASK_ERROR" {
		t.Errorf("unexpected error record: %+v", rec)
	}
	data, ok := rec.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected Data to be a map, got %T", rec.Data)
	}
	if data["friendly"] != friendlyFallback {
		t.Errorf("friendly message = %v, want fixed fallback %q", data["friendly"], friendlyFallback)
	}
}

func TestProcessTask_CancellationSkipsTaskDoneAndFailure(t *testing.T) {
	fs := &fakeStore{
		tasks:    []*store.Task{{ID: "T1", TodoID: "TD1", ProcInstID: "P1"}},
		statuses: []string{"in_progress", "in_progress", "cancelled"},
	}
	exec := newBlockingExecutor()
	s := newTestServer(t, fs, func(*store.Task) executor.Executor { return exec }, 2*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.processTask(context.Background(), fs.tasks[0])
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processTask did not return after cancellation was observed")
	}

	waitDone := make(chan struct{})
	go func() {
		exec.cancelCalled.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("executor.Cancel was never invoked")
	}

	_, bulkCount, failedCount, errEvents := fs.snapshot()
	if bulkCount != 0 {
		t.Errorf("cancellation must not emit crew_completed, got %d bulk records", bulkCount)
	}
	if failedCount != 0 || errEvents != 0 {
		t.Errorf("cancellation must not mark failed or record an error event, got failed=%d errEvents=%d", failedCount, errEvents)
	}
}

func TestRun_ProcessesOneTaskThenIdlesUntilStopped(t *testing.T) {
	fs := &fakeStore{tasks: []*store.Task{{ID: "T1", TodoID: "TD1", ProcInstID: "P1"}}}
	exec := &succeedingExecutor{}
	s := newTestServer(t, fs, func(*store.Task) executor.Executor { return exec }, time.Hour)

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, bulkCount, _, _ := fs.snapshot()
		if bulkCount >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	s.Stop()
	s.Stop() // idempotent

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRun_IdlesWithNoClaimableWork(t *testing.T) {
	fs := &fakeStore{} // Claim always returns (nil, nil): no claimable work
	exec := &succeedingExecutor{}
	s := newTestServer(t, fs, func(*store.Task) executor.Executor { return exec }, time.Hour)

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
