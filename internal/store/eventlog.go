package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/browserflow/pkg/schema"
)

// AppendEvent appends event to its run's log, assigning the next sequence
// number. It satisfies engine.EventAppender.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, event_type, step, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Type, nullStr(event.Step), nullRaw(event.Payload), millis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	event.ID, _ = res.LastInsertId()
	return nil
}

// GetEvents returns a run's events with sequence greater than since, oldest
// first.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, event_type, step, payload, timestamp
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of one type across runs, newest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Step != "" {
		where = append(where, "step = ?")
		args = append(args, filter.Step)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, millis(*filter.Since))
	}

	query := `SELECT id, run_id, sequence, event_type, step, payload, timestamp FROM run_events
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		var ts sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Type, &step, &payload, &ts); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = fromMillis(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Replay rebuilds a run's summary from its events. A gap in the sequence is
// reported as STORE_ERROR.
func (s *LibSQLStore) Replay(ctx context.Context, runID string) (*RunSummary, error) {
	events, err := s.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, storeNotFound("run", runID)
	}

	sum := &RunSummary{RunID: runID, Trace: []string{}, Events: len(events)}
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}

		switch e.Type {
		case schema.EventRunStarted:
			sum.StartedAt = e.Timestamp
			var p struct {
				Workflow string `json:"workflow"`
			}
			_ = json.Unmarshal(e.Payload, &p)
			sum.Workflow = p.Workflow

		case schema.EventStepStarted:
			sum.Trace = append(sum.Trace, e.Step)
			sum.LastStep = e.Step

		case schema.EventStrategyWon:
			var p struct {
				Strategy string `json:"strategy"`
			}
			if json.Unmarshal(e.Payload, &p) == nil && p.Strategy != "" {
				if sum.Winners == nil {
					sum.Winners = make(map[string]string)
				}
				sum.Winners[e.Step] = p.Strategy
			}

		case schema.EventRunSucceeded:
			sum.Status = schema.RunSucceeded
			sum.CompletedAt = e.Timestamp
			if e.Step != "" {
				sum.LastStep = e.Step
			}

		case schema.EventRunFailed:
			sum.Status = schema.RunFailed
			sum.CompletedAt = e.Timestamp
			sum.Error = e.Payload
			if e.Step != "" {
				sum.LastStep = e.Step
			}
		}
	}
	return sum, nil
}
