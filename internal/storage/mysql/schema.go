package mysql

// MySQL forbids multi-statement Exec by default, so the schema ships as
// one statement per entry. updated_at uses ON UPDATE CURRENT_TIMESTAMP,
// which only fires when an UPDATE does not set the column explicitly;
// coordinator upserts always carry the cache's updated_at.
var schemaStatements = []string{
	"CREATE TABLE IF NOT EXISTS tasks (" +
		" id VARCHAR(128) NOT NULL PRIMARY KEY," +
		" column_id ENUM('todo','in-progress','done') NOT NULL," +
		" title VARCHAR(500) NOT NULL," +
		" description TEXT NOT NULL," +
		" `order` DOUBLE NOT NULL," +
		" version BIGINT NOT NULL," +
		" created_at DATETIME(6) NOT NULL," +
		" updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)," +
		" creator_name VARCHAR(64) NOT NULL DEFAULT ''," +
		" creator_color VARCHAR(16) NOT NULL DEFAULT ''," +
		" updated_by_name VARCHAR(64) NOT NULL DEFAULT ''," +
		" updated_by_color VARCHAR(16) NOT NULL DEFAULT ''," +
		" INDEX idx_tasks_column_order (column_id, `order` ASC)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",

	"CREATE TABLE IF NOT EXISTS conflict_audit_log (" +
		" id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY," +
		" task_id VARCHAR(128) NOT NULL," +
		" winner_event VARCHAR(32) NOT NULL," +
		" loser_event VARCHAR(32) NOT NULL," +
		" winner_user_id VARCHAR(128) NOT NULL DEFAULT ''," +
		" loser_user_id VARCHAR(128) NOT NULL DEFAULT ''," +
		" resolved_state JSON NOT NULL," +
		" resolution_msg VARCHAR(512) NOT NULL DEFAULT ''," +
		" conflict_at DATETIME(6) NOT NULL," +
		" INDEX idx_conflict_audit_task (task_id, conflict_at DESC)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
}
