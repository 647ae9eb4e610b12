package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// Task status values stored in tasks.draft_status. Cancelled/FBRequested
// mirror the values internal/watcher polls for.
const (
	statusPending     = "pending"
	statusInProgress  = "in_progress"
	statusCompleted   = "completed"
	statusFailed      = "failed"
	statusCancelled   = "cancelled"
	statusFBRequested = "fb_requested"
)

// InsertTask seeds a claimable task row. Exposed for callers (tests, a
// future submission API) that need to enqueue work directly against the
// reference store.
func (s *Store) InsertTask(ctx context.Context, t store.Task) error {
	if t.Status == "" {
		t.Status = statusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, tenant_id, proc_inst_id, root_proc_inst_id, activity_name, todo_id,
			tool, agent_orch, user_id, query, feedback, output, draft,
			draft_status, consumer, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, t.ID, t.TenantID, t.ProcInstID, t.RootProcInstID, t.ActivityName, t.TodoID,
		t.Tool, t.AgentOrch, t.UserID, t.Query, t.Feedback, t.Output, t.Draft,
		t.Status, t.Consumer)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Claim atomically picks the oldest pending task scoped to agentOrch (when
// set) and transitions it to in_progress, stamping the consumer and a
// fresh lease. Returns (nil, nil) when nothing is claimable.
func (s *Store) Claim(ctx context.Context, req store.ClaimRequest) (*store.Task, error) {
	var result *store.Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			SELECT id, tenant_id, proc_inst_id, root_proc_inst_id, activity_name, todo_id,
				tool, agent_orch, user_id, query, feedback, output, draft, draft_status, consumer
			FROM tasks
			WHERE draft_status = ?`
		args := []any{statusPending}
		if req.AgentOrch != "" {
			query += ` AND agent_orch = ?`
			args = append(args, req.AgentOrch)
		}
		query += ` ORDER BY created_at ASC LIMIT 1;`

		var task store.Task
		row := tx.QueryRowContext(ctx, query, args...)
		if err := scanTask(row.Scan, &task); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select claimable task: %w", err)
		}

		leaseExpiresAt := time.Now().UTC().Add(defaultLeaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET draft_status = ?, consumer = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND draft_status = ?;
		`, statusInProgress, req.Consumer, leaseExpiresAt, task.ID, statusPending)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			// Lost the race to another consumer between select and update.
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}

		task.Status = statusInProgress
		task.Consumer = req.Consumer
		result = &task
		return nil
	})
	return result, err
}

func scanTask(scanFn func(dest ...any) error, t *store.Task) error {
	return scanFn(
		&t.ID, &t.TenantID, &t.ProcInstID, &t.RootProcInstID, &t.ActivityName, &t.TodoID,
		&t.Tool, &t.AgentOrch, &t.UserID, &t.Query, &t.Feedback, &t.Output, &t.Draft,
		&t.Status, &t.Consumer,
	)
}

// FetchDoneData returns prior completed outputs for a process instance,
// oldest first, for context preparation.
func (s *Store) FetchDoneData(ctx context.Context, procInstID string) ([]store.PriorOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT todo_id, output
		FROM tasks
		WHERE proc_inst_id = ? AND draft_status = ? AND output != ''
		ORDER BY created_at ASC;
	`, procInstID, statusCompleted)
	if err != nil {
		return nil, fmt.Errorf("fetch done data: %w", err)
	}
	defer rows.Close()

	var out []store.PriorOutput
	for rows.Next() {
		var po store.PriorOutput
		if err := rows.Scan(&po.TodoID, &po.Output); err != nil {
			return nil, fmt.Errorf("scan prior output: %w", err)
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

// SaveResult writes an artifact's extracted payload to the task's output
// column. final=true also transitions draft_status to completed.
func (s *Store) SaveResult(ctx context.Context, todoID string, payload any, final bool) error {
	output, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode save-result payload: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		if final {
			_, err := s.db.ExecContext(ctx, `
				UPDATE tasks
				SET output = ?, draft_status = ?, consumer = '', updated_at = CURRENT_TIMESTAMP
				WHERE todo_id = ?;
			`, output, statusCompleted, todoID)
			if err != nil {
				return fmt.Errorf("save final result: %w", err)
			}
			return nil
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET output = ?, updated_at = CURRENT_TIMESTAMP WHERE todo_id = ?;
		`, output, todoID)
		if err != nil {
			return fmt.Errorf("save partial result: %w", err)
		}
		return nil
	})
}

// MarkFailed sets draft_status=failed and clears the consumer.
func (s *Store) MarkFailed(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET draft_status = ?, consumer = '', updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, statusFailed, taskID)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

// FetchStatus returns the task's current draft_status, polled by the
// cancellation watcher.
func (s *Store) FetchStatus(ctx context.Context, taskID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT draft_status FROM tasks WHERE id = ?;`, taskID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("fetch status: task %s not found", taskID)
		}
		return "", fmt.Errorf("fetch status: %w", err)
	}
	return status, nil
}

// RequeueExpiredLeases returns CLAIMED (in_progress) tasks whose lease has
// elapsed without a terminal transition back to pending, so another
// consumer can claim them.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int, error) {
	var reclaimed int
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET draft_status = ?, consumer = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE draft_status = ?
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at <= CURRENT_TIMESTAMP;
		`, statusPending, statusInProgress)
		if err != nil {
			return fmt.Errorf("requeue expired leases: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue rows affected: %w", err)
		}
		reclaimed = int(affected)
		return nil
	})
	return reclaimed, err
}

// MarkCancelled and MarkFeedbackRequested let a caller (test fixture, or a
// future external cancel API) drive the external statuses the cancellation
// watcher polls for.
func (s *Store) MarkCancelled(ctx context.Context, taskID string) error {
	return s.setExternalStatus(ctx, taskID, statusCancelled)
}

func (s *Store) MarkFeedbackRequested(ctx context.Context, taskID string) error {
	return s.setExternalStatus(ctx, taskID, statusFBRequested)
}

// QueueCounts summarizes queue depth for the status CLI and the /metrics
// poller: pending work, tasks currently leased, and tasks whose lease has
// elapsed without being reclaimed yet.
type QueueCounts struct {
	Pending       int
	InProgress    int
	ExpiredLeases int
}

func (s *Store) QueueCounts(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE draft_status = ?;`, statusPending).Scan(&c.Pending); err != nil {
		return c, fmt.Errorf("count pending: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE draft_status = ?;`, statusInProgress).Scan(&c.InProgress); err != nil {
		return c, fmt.Errorf("count in_progress: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE draft_status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP;
	`, statusInProgress).Scan(&c.ExpiredLeases); err != nil {
		return c, fmt.Errorf("count expired leases: %w", err)
	}
	return c, nil
}

func (s *Store) setExternalStatus(ctx context.Context, taskID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET draft_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, taskID)
	if err != nil {
		return fmt.Errorf("set external status: %w", err)
	}
	return nil
}
