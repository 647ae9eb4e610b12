package ctxprep

import (
	"context"
	"errors"
	"testing"

	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

type fakeStore struct {
	bundle    *store.ContextBundle
	bundleErr error
}

func (f *fakeStore) Claim(context.Context, store.ClaimRequest) (*store.Task, error) { return nil, nil }
func (f *fakeStore) FetchDoneData(context.Context, string) ([]store.PriorOutput, error) {
	return nil, nil
}
func (f *fakeStore) FetchContextBundle(context.Context, store.ContextBundleRequest) (*store.ContextBundle, error) {
	return f.bundle, f.bundleErr
}
func (f *fakeStore) SaveResult(context.Context, string, any, bool) error           { return nil }
func (f *fakeStore) RecordEvent(context.Context, store.PersistedEventRecord) error { return nil }
func (f *fakeStore) RecordEventsBulk(context.Context, []store.PersistedEventRecord) error {
	return nil
}
func (f *fakeStore) MarkFailed(context.Context, string) error            { return nil }
func (f *fakeStore) FetchStatus(context.Context, string) (string, error) { return "", nil }
func (f *fakeStore) RequeueExpiredLeases(context.Context) (int, error)   { return 0, nil }

type fakeSummarizer struct {
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(context.Context, string, string) (string, error) {
	return f.summary, f.err
}

func TestEffectiveProcInstID_PrefersRoot(t *testing.T) {
	task := &store.Task{ProcInstID: "p1", RootProcInstID: "root1"}
	if got := EffectiveProcInstID(task); got != "root1" {
		t.Errorf("got %q, want root1", got)
	}
}

func TestEffectiveProcInstID_FallsBackToProcInstID(t *testing.T) {
	task := &store.Task{ProcInstID: "p1"}
	if got := EffectiveProcInstID(task); got != "p1" {
		t.Errorf("got %q, want p1", got)
	}
}

func TestPrepare_HappyPath(t *testing.T) {
	fs := &fakeStore{bundle: &store.ContextBundle{
		NotifyEmails: "a@example.com,b@example.com",
		TenantConfig: map[string]any{"mcp": "config"},
		FormDef:      map[string]any{"id": "f1", "fields": []map[string]any{{"key": "x"}}},
		GroupedUsers: map[string][]string{"agents": {"ag1"}, "humans": {"h1"}},
	}}
	p := New(fs, nil)
	task := &store.Task{ID: "T1", ProcInstID: "P1", Tool: "formHandler:F"}

	pc, err := p.Prepare(context.Background(), task)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if pc.NotifyEmails != "a@example.com,b@example.com" {
		t.Errorf("NotifyEmails = %q", pc.NotifyEmails)
	}
	if pc.Form.ID != "f1" {
		t.Errorf("Form.ID = %q, want f1", pc.Form.ID)
	}
	if len(pc.Agents) != 1 || pc.Agents[0] != "ag1" {
		t.Errorf("Agents = %v", pc.Agents)
	}
}

func TestPrepare_DegradesOnLookupFailure(t *testing.T) {
	fs := &fakeStore{bundleErr: errors.New("store unavailable")}
	p := New(fs, nil)
	task := &store.Task{ID: "T1", ProcInstID: "P1"}

	pc, err := p.Prepare(context.Background(), task)
	if err != nil {
		t.Fatalf("Prepare should degrade, not fail: %v", err)
	}
	if pc.NotifyEmails != "" {
		t.Errorf("NotifyEmails = %q, want empty", pc.NotifyEmails)
	}
	if pc.Form.ID != "freeform" {
		t.Errorf("Form.ID = %q, want freeform default", pc.Form.ID)
	}
	if len(pc.Agents) != 0 || len(pc.Humans) != 0 {
		t.Errorf("Agents/Humans should be empty, got %v/%v", pc.Agents, pc.Humans)
	}
}

func TestPrepare_FeedbackSummarization(t *testing.T) {
	fs := &fakeStore{bundle: &store.ContextBundle{}}
	p := New(fs, &fakeSummarizer{summary: "short summary"})
	task := &store.Task{ID: "T1", ProcInstID: "P1", Feedback: "long feedback text", Output: "prior output"}

	pc, err := p.Prepare(context.Background(), task)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if pc.SummarizedFeedback != "short summary" {
		t.Errorf("SummarizedFeedback = %q", pc.SummarizedFeedback)
	}
}

func TestPrepare_FeedbackSummarizerFailureAborts(t *testing.T) {
	fs := &fakeStore{bundle: &store.ContextBundle{}}
	p := New(fs, &fakeSummarizer{err: errors.New("summarizer down")})
	task := &store.Task{ID: "T1", ProcInstID: "P1", Feedback: "feedback"}

	_, err := p.Prepare(context.Background(), task)
	if err == nil {
		t.Fatal("expected PreparationError when summarizer fails")
	}
	var prepErr *PreparationError
	if !errors.As(err, &prepErr) {
		t.Errorf("error = %v, want *PreparationError", err)
	}
}

func TestPrepare_NoFeedbackSkipsSummarizer(t *testing.T) {
	fs := &fakeStore{bundle: &store.ContextBundle{}}
	p := New(fs, &fakeSummarizer{err: errors.New("should never be called")})
	task := &store.Task{ID: "T1", ProcInstID: "P1"}

	pc, err := p.Prepare(context.Background(), task)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if pc.SummarizedFeedback != "" {
		t.Errorf("SummarizedFeedback = %q, want empty", pc.SummarizedFeedback)
	}
}
