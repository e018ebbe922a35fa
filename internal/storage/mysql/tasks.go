package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/corkboard/corkboard/internal/storage"
	"github.com/corkboard/corkboard/internal/types"
)

const taskColumns = "id, column_id, title, description, `order`, version, created_at, updated_at, creator_name, creator_color, updated_by_name, updated_by_color"

const boardOrder = "FIELD(column_id, 'todo', 'in-progress', 'done'), `order` ASC, id ASC"

const upsertTaskSQL = "INSERT INTO tasks (" + taskColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)" +
	" ON DUPLICATE KEY UPDATE" +
	" column_id = VALUES(column_id)," +
	" title = VALUES(title)," +
	" description = VALUES(description)," +
	" `order` = VALUES(`order`)," +
	" version = VALUES(version)," +
	" updated_at = VALUES(updated_at)," +
	" updated_by_name = VALUES(updated_by_name)," +
	" updated_by_color = VALUES(updated_by_color)"

// UpsertTask inserts or replaces one task row, leaving created_at and
// the creator snapshot untouched on replace.
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

// UpsertTasks replaces the given rows in one transaction.
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
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
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
		"SELECT "+taskColumns+" FROM tasks ORDER BY "+boardOrder)
	if err != nil {
		return nil, wrapDBError("list tasks", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListColumn returns one column's tasks ordered by position.
func (s *Store) ListColumn(ctx context.Context, column types.ColumnID) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE column_id = ? ORDER BY `order` ASC, id ASC",
		string(column))
	if err != nil {
		return nil, wrapDBError("list column", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DeleteTask removes a task row; missing rows are a successful no-op.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	return wrapDBError("delete task", err)
}

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
			return nil, wrapDBError("scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate tasks", err)
	}
	return tasks, nil
}
