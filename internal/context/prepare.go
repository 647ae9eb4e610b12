// Package ctxprep fans out the store lookups an executor needs before a
// task can run and packs them into an immutable PreparedContext.
package ctxprep

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/uengine-oss/agent-dispatcher/internal/retry"
	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// PreparationError wraps the cause of a failed context preparation. The
// executor is never invoked when this is returned.
type PreparationError struct {
	Cause error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("context preparation failed: %s", e.Cause)
}

func (e *PreparationError) Unwrap() error { return e.Cause }

// FormDef is the (form_id, fields, html) tuple resolved for a task's tool.
type FormDef struct {
	ID     string
	Fields []map[string]any
	HTML   *string
}

var defaultFormDef = FormDef{
	ID:     "freeform",
	Fields: []map[string]any{{"key": "freeform", "type": "textarea"}},
	HTML:   nil,
}

// PreparedContext is the immutable-after-build bundle passed to the
// executor. Field values are plain Go values copied out of the originating
// Task, so it is safe to read concurrently from the executor and the
// cancellation watcher.
type PreparedContext struct {
	TaskID              string
	EffectiveProcInstID string
	Agents              []string
	Humans              []string
	TenantConfig        map[string]any
	Form                FormDef
	NotifyEmails        string
	SummarizedFeedback  string
}

// FeedbackSummarizer produces a short summary of prior feedback given the
// feedback text and the prior output/draft content. Its failure aborts
// context preparation with no fallback, matching the source where
// summarize_feedback's exception propagates uncaught.
type FeedbackSummarizer interface {
	Summarize(ctx context.Context, feedback, contents string) (string, error)
}

// Preparer fans out the four auxiliary lookups and, when the task carries
// feedback, runs the FeedbackSummarizer.
type Preparer struct {
	Store      store.Client
	Summarizer FeedbackSummarizer
}

// New builds a Preparer.
func New(client store.Client, summarizer FeedbackSummarizer) *Preparer {
	return &Preparer{Store: client, Summarizer: summarizer}
}

// EffectiveProcInstID resolves root_proc_inst_id ?? proc_inst_id, exactly
// once, the same resolution used both by Prepare (for lookups) and by the
// event translator (which persists the Task's own proc_inst_id instead —
// the two call sites are deliberately distinct).
func EffectiveProcInstID(t *store.Task) string {
	if t.RootProcInstID != "" {
		return t.RootProcInstID
	}
	return t.ProcInstID
}

// Prepare fans out the four lookups in parallel, degrading each
// independently per its documented fallback, then (if the task carries
// feedback) summarizes it. Any lookup that exhausts retries with no
// fallback recovering it — or a FeedbackSummarizer failure — aborts with a
// *PreparationError; the caller must not invoke the executor.
func (p *Preparer) Prepare(ctx context.Context, task *store.Task) (*PreparedContext, error) {
	effectiveProcInstID := EffectiveProcInstID(task)
	tool := strings.TrimPrefix(task.Tool, "formHandler:")

	var (
		wg           sync.WaitGroup
		errMu        sync.Mutex
		notifyEmails string
		tenantConfig map[string]any
		form         FormDef
		agents       []string
		humans       []string
		bundleErr    error
	)
	setErr := func(err error) {
		errMu.Lock()
		bundleErr = firstNonNil(bundleErr, err)
		errMu.Unlock()
	}

	wg.Add(4)

	go func() {
		defer wg.Done()
		result, err := retry.Do(ctx, "fetch_notify_emails", retry.Options[string]{
			Fallback: func(context.Context) (string, error) { return "", nil },
		}, func(ctx context.Context) (string, error) {
			bundle, err := p.Store.FetchContextBundle(ctx, store.ContextBundleRequest{
				ProcInstID: effectiveProcInstID,
			})
			if err != nil {
				return "", err
			}
			return bundle.NotifyEmails, nil
		})
		if err != nil {
			setErr(err)
		}
		notifyEmails = result
	}()

	go func() {
		defer wg.Done()
		result, err := retry.Do(ctx, "fetch_tenant_config", retry.Options[map[string]any]{
			Fallback: func(context.Context) (map[string]any, error) { return nil, nil },
		}, func(ctx context.Context) (map[string]any, error) {
			bundle, err := p.Store.FetchContextBundle(ctx, store.ContextBundleRequest{
				TenantID: task.TenantID,
			})
			if err != nil {
				return nil, err
			}
			return bundle.TenantConfig, nil
		})
		if err != nil {
			setErr(err)
		}
		tenantConfig = result
	}()

	go func() {
		defer wg.Done()
		result, err := retry.Do(ctx, "fetch_form_def", retry.Options[FormDef]{
			Fallback: func(context.Context) (FormDef, error) { return defaultFormDef, nil },
		}, func(ctx context.Context) (FormDef, error) {
			bundle, err := p.Store.FetchContextBundle(ctx, store.ContextBundleRequest{
				Tool:     tool,
				TenantID: task.TenantID,
			})
			if err != nil {
				return FormDef{}, err
			}
			return formDefFromBundle(bundle), nil
		})
		if err != nil {
			setErr(err)
		}
		form = result
	}()

	go func() {
		defer wg.Done()
		type grouped struct{ agents, humans []string }
		result, err := retry.Do(ctx, "fetch_users_grouped", retry.Options[grouped]{
			Fallback: func(context.Context) (grouped, error) { return grouped{}, nil },
		}, func(ctx context.Context) (grouped, error) {
			bundle, err := p.Store.FetchContextBundle(ctx, store.ContextBundleRequest{})
			if err != nil {
				return grouped{}, err
			}
			return grouped{agents: bundle.GroupedUsers["agents"], humans: bundle.GroupedUsers["humans"]}, nil
		})
		if err != nil {
			setErr(err)
		}
		agents, humans = result.agents, result.humans
	}()

	wg.Wait()

	if bundleErr != nil {
		return nil, &PreparationError{Cause: bundleErr}
	}

	summarizedFeedback := ""
	if strings.TrimSpace(task.Feedback) != "" && p.Summarizer != nil {
		contents := task.Output
		if contents == "" {
			contents = task.Draft
		}
		summary, err := p.Summarizer.Summarize(ctx, task.Feedback, contents)
		if err != nil {
			return nil, &PreparationError{Cause: err}
		}
		summarizedFeedback = summary
	}

	return &PreparedContext{
		TaskID:              task.ID,
		EffectiveProcInstID: effectiveProcInstID,
		Agents:              agents,
		Humans:              humans,
		TenantConfig:        tenantConfig,
		Form:                form,
		NotifyEmails:        notifyEmails,
		SummarizedFeedback:  summarizedFeedback,
	}, nil
}

func formDefFromBundle(bundle *store.ContextBundle) FormDef {
	if bundle == nil || bundle.FormDef == nil {
		return defaultFormDef
	}
	id, _ := bundle.FormDef["id"].(string)
	if id == "" {
		return defaultFormDef
	}
	fields, _ := bundle.FormDef["fields"].([]map[string]any)
	var html *string
	if h, ok := bundle.FormDef["html"].(string); ok {
		html = &h
	}
	return FormDef{ID: id, Fields: fields, HTML: html}
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
