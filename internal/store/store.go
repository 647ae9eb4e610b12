// Package store defines the contract between the worker and whatever
// system of record holds claimable tasks, context lookups, and event
// history. internal/store/sqlitestore is the reference implementation used
// by cmd/agent-dispatcher and by this module's own tests.
package store

import "context"

// Task is a claimed unit of work.
type Task struct {
	ID             string
	TenantID       string
	ProcInstID     string
	RootProcInstID string
	ActivityName   string
	TodoID         string
	Tool           string
	AgentOrch      string
	UserID         string // comma-separated at the store boundary
	Query          string
	Feedback       string
	Output         string
	Draft          string
	Status         string
	Consumer       string
}

// ClaimRequest scopes a claim attempt.
type ClaimRequest struct {
	AgentOrch string
	Consumer  string
	Limit     int
	Env       string
}

// PriorOutput is one previously completed todo's recorded output, used to
// build notify/context history for a process instance.
type PriorOutput struct {
	TodoID string
	Output string
}

// ContextBundleRequest scopes a context bundle lookup.
type ContextBundleRequest struct {
	TenantID   string
	ProcInstID string
	Tool       string
}

// ContextBundle holds the fan-out lookup results consumed by ctxprep.
type ContextBundle struct {
	NotifyEmails string
	TenantConfig map[string]any
	FormDef      map[string]any
	GroupedUsers map[string][]string
}

// PersistedEventRecord is one row written to the event store, either
// individually (RecordEvent) or batched (RecordEventsBulk).
type PersistedEventRecord struct {
	ID         string
	JobID      string
	TodoID     string
	ProcInstID string
	CrewType   string
	EventType  string
	Data       any
	Status     *string
}

// Client is the store adapter contract. Implementations must be safe for
// concurrent use by one worker's claim loop, its coalescer flush goroutine,
// and its cancellation watcher.
type Client interface {
	Claim(ctx context.Context, req ClaimRequest) (*Task, error)
	FetchDoneData(ctx context.Context, procInstID string) ([]PriorOutput, error)
	FetchContextBundle(ctx context.Context, req ContextBundleRequest) (*ContextBundle, error)
	SaveResult(ctx context.Context, todoID string, payload any, final bool) error
	RecordEvent(ctx context.Context, rec PersistedEventRecord) error
	RecordEventsBulk(ctx context.Context, recs []PersistedEventRecord) error
	MarkFailed(ctx context.Context, taskID string) error
	FetchStatus(ctx context.Context, taskID string) (string, error)

	// RequeueExpiredLeases finds claimed (in_progress) tasks whose lease
	// has expired and returns them to the claimable (pending) state. It
	// returns the number of tasks reclaimed.
	RequeueExpiredLeases(ctx context.Context) (int, error)
}

// Claim signals "no claimable work" by returning (nil, nil) rather than a
// sentinel error, matching the source's optional-return semantics.
