package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/corkboard/corkboard/internal/storage"
	"github.com/corkboard/corkboard/internal/types"
)

const taskColumns = `id, column_id, title, description, "order", version, created_at, updated_at, creator_name, creator_color, updated_by_name, updated_by_color`

// boardOrder sorts columns in display order (todo, in-progress, done)
// instead of lexically, so hydration reads come back board-shaped.
const boardOrder = `CASE column_id WHEN 'todo' THEN 0 WHEN 'in-progress' THEN 1 WHEN 'done' THEN 2 ELSE 3 END, "order" ASC, id ASC`

const upsertTaskSQL = `
INSERT INTO tasks (` + taskColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    column_id = excluded.column_id,
    title = excluded.title,
    description = excluded.description,
    "order" = excluded."order",
    version = excluded.version,
    updated_at = excluded.updated_at,
    updated_by_name = excluded.updated_by_name,
    updated_by_color = excluded.updated_by_color`

// UpsertTask inserts or replaces one task row. created_at and the
// creator snapshot are written once and never updated after that.
func (s *Store) UpsertTask(ctx context.Context, task *types.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	_, err := s.db.ExecContext(ctx, upsertTaskSQL,
		task.ID, string(task.ColumnID), task.Title, task.Description,
		task.Order, task.Version, task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
		task.CreatorName, task.CreatorColor, task.UpdatedByName, task.UpdatedByColor,
	)
	return wrapDBError("upsert task", err)
}

// UpsertTasks replaces the given rows in one transaction so a rebalance
// lands atomically on disk.
func (s *Store) UpsertTasks(ctx context.Context, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("upsert tasks: begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertTaskSQL)
	if err != nil {
		return wrapDBError("upsert tasks: prepare", err)
	}
	defer stmt.Close()

	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("upsert tasks: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			task.ID, string(task.ColumnID), task.Title, task.Description,
			task.Order, task.Version, task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
			task.CreatorName, task.CreatorColor, task.UpdatedByName, task.UpdatedByColor,
		); err != nil {
			return wrapDBError(fmt.Sprintf("upsert tasks: %s", task.ID), err)
		}
	}
	return wrapDBError("upsert tasks: commit", tx.Commit())
}

// GetTask returns one task by id, or storage.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBError("get task", err)
	}
	return task, nil
}

// ListTasks returns all tasks in board order.
func (s *Store) ListTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY `+boardOrder)
	if err != nil {
		return nil, wrapDBError("list tasks", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListColumn returns one column's tasks ordered by position.
func (s *Store) ListColumn(ctx context.Context, column types.ColumnID) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE column_id = ? ORDER BY "order" ASC, id ASC`,
		string(column))
	if err != nil {
		return nil, wrapDBError("list column", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DeleteTask removes a task row. A missing row is a successful no-op;
// flush workers retry deletes and the second attempt must not fail.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return wrapDBError("delete task", err)
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*types.Task, error) {
	var t types.Task
	var col string
	err := sc.Scan(
		&t.ID, &col, &t.Title, &t.Description,
		&t.Order, &t.Version, &t.CreatedAt, &t.UpdatedAt,
		&t.CreatorName, &t.CreatorColor, &t.UpdatedByName, &t.UpdatedByColor,
	)
	if err != nil {
		return nil, err
	}
	t.ColumnID = types.ColumnID(col)
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, wrapDBError("scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate tasks", err)
	}
	return tasks, nil
}
