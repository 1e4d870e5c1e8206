package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/browserflow/pkg/schema"
)

// DefaultLease is how long a claimed task stays owned without a heartbeat.
const DefaultLease = time.Minute

// Enqueue adds a pending task. An empty ID is filled with a new UUID.
func (s *LibSQLStore) Enqueue(ctx context.Context, task *schema.Task) error {
	if task.Workflow == "" {
		return schema.NewError(schema.ErrCodeValidation, "task has no workflow")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	var params any
	if len(task.Params) > 0 {
		var err error
		if params, err = marshalOrNil(task.Params); err != nil {
			return fmt.Errorf("marshal task params: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workflow, params, status, attempt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		task.ID, task.Workflow, params, schema.TaskPending, millis(task.CreatedAt), millis(now),
	)
	if err != nil {
		return storeErr("enqueue task", err)
	}
	return nil
}

const taskColumns = `id, workflow, params, status, attempt, lease_owner, lease_expires_at,
	run_id, outcome, created_at, updated_at, completed_at`

// GetTask returns one task by ID.
func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

// ListTasks returns tasks oldest first.
func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RequeueStale returns running tasks whose lease has expired to pending and
// reports how many were requeued.
func (s *LibSQLStore) RequeueStale(ctx context.Context) (int, error) {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE status = ? AND lease_expires_at < ?`,
		schema.TaskPending, now, schema.TaskRunning, now,
	)
	if err != nil {
		return 0, storeErr("requeue stale tasks", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*TaskRecord, error) {
	t := &TaskRecord{}
	var params, owner, runID, outcome sql.NullString
	var expires, created, updated, completed sql.NullInt64
	err := row.Scan(&t.ID, &t.Workflow, &params, &t.Status, &t.Attempt, &owner, &expires,
		&runID, &outcome, &created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	if raw := rawOrNil(params); raw != nil {
		if err := json.Unmarshal(raw, &t.Params); err != nil {
			return nil, fmt.Errorf("decode params of task %s: %w", t.ID, err)
		}
	}
	if raw := rawOrNil(outcome); raw != nil {
		t.Outcome = &schema.TaskOutcome{}
		if err := json.Unmarshal(raw, t.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome of task %s: %w", t.ID, err)
		}
	}
	t.LeaseOwner = owner.String
	t.RunID = runID.String
	t.LeaseExpiresAt = fromMillis(expires)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	t.CompletedAt = fromMillis(completed)
	return t, nil
}

// Queue is a worker's view of the task table: it claims tasks under its own
// lease owner. It satisfies worker.TaskSource.
type Queue struct {
	store *LibSQLStore
	owner string
	lease time.Duration
}

// NewQueue creates a queue claiming tasks as owner. An empty owner gets a
// random one and a non-positive lease uses DefaultLease.
func NewQueue(s *LibSQLStore, owner string, lease time.Duration) *Queue {
	if owner == "" {
		owner = uuid.NewString()
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Queue{store: s, owner: owner, lease: lease}
}

// Owner returns the lease owner this queue claims as.
func (q *Queue) Owner() string { return q.owner }

// Poll claims the oldest pending task, first returning expired leases to the
// queue. It returns (nil, nil) when nothing is pending.
func (q *Queue) Poll(ctx context.Context) (*schema.Task, error) {
	if _, err := q.store.RequeueStale(ctx); err != nil {
		return nil, err
	}

	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		schema.TaskPending)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("select pending task", err)
	}
	if err := checkTransition(rec.ID, rec.Status, schema.TaskRunning); err != nil {
		return nil, err
	}

	now := q.store.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempt = attempt + 1, lease_owner = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		schema.TaskRunning, q.owner, millis(now.Add(q.lease)), millis(now), rec.ID, schema.TaskPending,
	)
	if err != nil {
		return nil, storeErr("claim task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Claimed by another worker between select and update.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit claim", err)
	}

	task := rec.Task
	task.Attempt++
	return &task, nil
}

// Heartbeat extends the lease on a task this queue owns. It returns NOT_FOUND
// for an unknown task and CONFLICT when the lease is held by someone else or
// the task is no longer running.
func (q *Queue) Heartbeat(ctx context.Context, taskID string) error {
	now := q.store.now()
	res, err := q.store.db.ExecContext(ctx,
		`UPDATE tasks SET lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND lease_owner = ?`,
		millis(now.Add(q.lease)), millis(now), taskID, schema.TaskRunning, q.owner,
	)
	if err != nil {
		return storeErr("heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := q.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "lease on task %q lost", taskID)
}

// ReportSuccess records a succeeded outcome.
func (q *Queue) ReportSuccess(ctx context.Context, out *schema.TaskOutcome) error {
	return q.finish(ctx, out, schema.TaskSucceeded)
}

// ReportFailure records a failed outcome.
func (q *Queue) ReportFailure(ctx context.Context, out *schema.TaskOutcome) error {
	return q.finish(ctx, out, schema.TaskFailed)
}

func (q *Queue) finish(ctx context.Context, out *schema.TaskOutcome, to schema.TaskStatus) error {
	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status schema.TaskStatus
	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status, lease_owner FROM tasks WHERE id = ?`, out.TaskID).
		Scan(&status, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("task", out.TaskID)
	}
	if err != nil {
		return storeErr("read task", err)
	}
	if err := checkTransition(out.TaskID, status, to); err != nil {
		return err
	}
	if owner.String != q.owner {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q is leased by %q", out.TaskID, owner.String)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	completed := out.CompletedAt
	if completed.IsZero() {
		completed = q.store.now()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, run_id = ?, outcome = ?, completed_at = ?, updated_at = ?,
		 lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = ?`,
		to, nullStr(out.RunID), string(raw), millis(completed), millis(q.store.now()), out.TaskID,
	)
	if err != nil {
		return storeErr("record outcome", err)
	}
	return tx.Commit()
}
