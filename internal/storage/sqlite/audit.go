package sqlite

import (
	"context"

	"github.com/corkboard/corkboard/internal/storage"
)

// defaultAuditLimit caps ListConflictAudits when the caller passes 0.
const defaultAuditLimit = 50

// AppendConflictAudit appends one row to the conflict audit log.
func (s *Store) AppendConflictAudit(ctx context.Context, rec *storage.ConflictAudit) error {
	resolved := string(rec.ResolvedState)
	if resolved == "" {
		resolved = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_audit_log
		    (task_id, winner_event, loser_event, winner_user_id, loser_user_id, resolved_state, resolution_msg, conflict_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.WinnerEvent, rec.LoserEvent,
		rec.WinnerUserID, rec.LoserUserID, resolved, rec.Message, rec.ConflictAt.UTC(),
	)
	return wrapDBError("append conflict audit", err)
}

// ListConflictAudits returns a task's audit rows, newest first.
func (s *Store) ListConflictAudits(ctx context.Context, taskID string, limit int) ([]*storage.ConflictAudit, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, winner_event, loser_event, winner_user_id, loser_user_id, resolved_state, resolution_msg, conflict_at
		FROM conflict_audit_log
		WHERE task_id = ?
		ORDER BY conflict_at DESC, id DESC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, wrapDBError("list conflict audits", err)
	}
	defer rows.Close()

	var recs []*storage.ConflictAudit
	for rows.Next() {
		var rec storage.ConflictAudit
		var resolved string
		if err := rows.Scan(
			&rec.ID, &rec.TaskID, &rec.WinnerEvent, &rec.LoserEvent,
			&rec.WinnerUserID, &rec.LoserUserID, &resolved, &rec.Message, &rec.ConflictAt,
		); err != nil {
			return nil, wrapDBError("scan conflict audit", err)
		}
		rec.ResolvedState = []byte(resolved)
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate conflict audits", err)
	}
	return recs, nil
}
