package events

import (
	"context"
	"sync"

	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// fakeStore is a hand-rolled test double; the module's tests avoid
// mocking frameworks in favor of small recording fakes.
type fakeStore struct {
	mu sync.Mutex

	savedResults []savedResult
	bulkCalls    [][]store.PersistedEventRecord
	bulkErr      error
}

type savedResult struct {
	todoID  string
	payload any
	final   bool
}

func (f *fakeStore) Claim(context.Context, store.ClaimRequest) (*store.Task, error) { return nil, nil }
func (f *fakeStore) FetchDoneData(context.Context, string) ([]store.PriorOutput, error) {
	return nil, nil
}
func (f *fakeStore) FetchContextBundle(context.Context, store.ContextBundleRequest) (*store.ContextBundle, error) {
	return nil, nil
}

func (f *fakeStore) SaveResult(_ context.Context, todoID string, payload any, final bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedResults = append(f.savedResults, savedResult{todoID, payload, final})
	return nil
}

func (f *fakeStore) RecordEvent(context.Context, store.PersistedEventRecord) error { return nil }

func (f *fakeStore) RecordEventsBulk(_ context.Context, recs []store.PersistedEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]store.PersistedEventRecord, len(recs))
	copy(cp, recs)
	f.bulkCalls = append(f.bulkCalls, cp)
	return f.bulkErr
}

func (f *fakeStore) MarkFailed(context.Context, string) error            { return nil }
func (f *fakeStore) FetchStatus(context.Context, string) (string, error) { return "", nil }
func (f *fakeStore) RequeueExpiredLeases(context.Context) (int, error)   { return 0, nil }

func (f *fakeStore) bulkCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bulkCalls)
}

func (f *fakeStore) totalRecordsFlushed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.bulkCalls {
		n += len(c)
	}
	return n
}

func (f *fakeStore) savedResultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.savedResults)
}
