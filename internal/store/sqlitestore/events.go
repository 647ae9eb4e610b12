package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// encodePayload marshals an events.Payload (or any JSON-able value) to its
// text-column representation. Plain strings are stored verbatim rather
// than re-quoted, so output reads naturally when inspected directly.
func encodePayload(payload any) (string, error) {
	if payload == nil {
		return "", nil
	}
	// reflect catches named string types such as events.PayloadString.
	if v := reflect.ValueOf(payload); v.Kind() == reflect.String {
		return v.String(), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RecordEvent writes a single event row, used for the synchronous error
// event at the processTask failure boundary.
func (s *Store) RecordEvent(ctx context.Context, rec store.PersistedEventRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		return s.insertEvent(ctx, s.db, rec)
	})
}

// RecordEventsBulk writes a batch of coalesced events in one transaction.
func (s *Store) RecordEventsBulk(ctx context.Context, recs []store.PersistedEventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bulk event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, rec := range recs {
			if err := s.insertEvent(ctx, tx, rec); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit bulk event tx: %w", err)
		}
		return nil
	})
}

// execContext is satisfied by both *sql.DB and *sql.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertEvent(ctx context.Context, ex execContext, rec store.PersistedEventRecord) error {
	dataJSON, err := encodePayload(rec.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	if dataJSON == "" {
		dataJSON = "{}"
	}

	var status sql.NullString
	if rec.Status != nil {
		status = sql.NullString{String: *rec.Status, Valid: true}
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO task_events (id, job_id, todo_id, proc_inst_id, crew_type, event_type, data_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, rec.ID, rec.JobID, rec.TodoID, rec.ProcInstID, rec.CrewType, rec.EventType, dataJSON, status)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}
