package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"taskpilot/internal/domain"
)

const taskColumns = `id, owner_id, title, description, prompt, ai_config_json, status, priority, action_kinds_json, is_active, max_executions, execution_count, last_executed_at, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var desc, prompt, aiConfig, kinds, lastExec sql.NullString
	var active int
	err := scan(&t.ID, &t.OwnerID, &t.Title, &desc, &prompt, &aiConfig, &t.Status, &t.Priority,
		&kinds, &active, &t.MaxExecutions, &t.ExecutionCount, &lastExec, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if prompt.Valid {
		t.Prompt = prompt.String
	}
	t.AIConfigJSON = ptrFromNull(aiConfig)
	t.LastExecutedAt = ptrFromNull(lastExec)
	t.IsActive = active != 0
	if kinds.Valid && kinds.String != "" {
		if err := json.Unmarshal([]byte(kinds.String), &t.ActionKinds); err != nil {
			return t, fmt.Errorf("decode action kinds for task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func marshalKinds(kinds []string) any {
	if len(kinds) == 0 {
		return nil
	}
	b, _ := json.Marshal(kinds)
	return string(b)
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Title, nullable(t.Description), nullable(t.Prompt), nullablePtr(t.AIConfigJSON),
		t.Status, t.Priority, marshalKinds(t.ActionKinds), boolInt(t.IsActive),
		t.MaxExecutions, t.ExecutionCount, nullablePtr(t.LastExecutedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	t.AccountIDs, err = r.ListTaskAccounts(ctx, t.ID)
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id=? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTask rewrites mutable columns. execution_count and last_executed_at
// are deliberately excluded; only IncrementExecutionCount touches them.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE tasks SET title=?, description=?, prompt=?, ai_config_json=?, status=?, priority=?, action_kinds_json=?, is_active=?, max_executions=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), nullable(t.Prompt), nullablePtr(t.AIConfigJSON),
		t.Status, t.Priority, marshalKinds(t.ActionKinds), boolInt(t.IsActive), t.MaxExecutions, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementExecutionCount bumps the counter atomically in SQL so concurrent
// dispatchers cannot lose updates.
func (r Repo) IncrementExecutionCount(ctx context.Context, tx *sql.Tx, taskID, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE tasks SET execution_count = execution_count + 1, last_executed_at=?, updated_at=? WHERE id=?`,
		now, now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTaskIfExhausted flips an active task to completed once its
// execution budget is spent. No-op for unlimited tasks.
func (r Repo) CompleteTaskIfExhausted(ctx context.Context, tx *sql.Tx, taskID, now string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND max_executions > 0 AND execution_count >= max_executions AND status NOT IN (?,?)`,
		domain.TaskCompleted, now, taskID, domain.TaskCompleted, domain.TaskCancelled)
	return err
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) TaskHasExecutions(ctx context.Context, taskID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM task_executions WHERE task_id=? LIMIT 1`, taskID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListTaskAccounts(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT account_id FROM task_accounts WHERE task_id=? ORDER BY account_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetTaskAccounts replaces the monitored-account set for a task.
func (r Repo) SetTaskAccounts(ctx context.Context, tx *sql.Tx, taskID string, accountIDs []string) error {
	if _, err := r.on(tx).ExecContext(ctx, `DELETE FROM task_accounts WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, id := range accountIDs {
		if strings.TrimSpace(id) == "" {
			continue
		}
		if _, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_accounts(task_id, account_id) VALUES (?,?)`, taskID, id); err != nil {
			return err
		}
	}
	return nil
}

// CandidateTasks returns tasks monitoring the given account that currently
// pass CanExecute and have no execution for the message yet, ordered by
// priority descending, id ascending.
func (r Repo) CandidateTasks(ctx context.Context, accountID, messageID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT `+prefixColumns("t", taskColumns)+`
FROM tasks t
JOIN task_accounts ta ON ta.task_id = t.id
WHERE ta.account_id = ?
  AND t.is_active = 1
  AND t.status NOT IN ('completed','cancelled')
  AND (t.max_executions = 0 OR t.execution_count < t.max_executions)
  AND NOT EXISTS (
      SELECT 1 FROM task_executions te WHERE te.task_id = t.id AND te.message_id = ?
  )
ORDER BY CASE t.priority
      WHEN 'urgent' THEN 0
      WHEN 'high' THEN 1
      WHEN 'medium' THEN 2
      ELSE 3
  END, t.id ASC`, accountID, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
