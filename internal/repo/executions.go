package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskpilot/internal/domain"
)

const taskExecColumns = `id, task_id, message_id, status, decision_json, error, started_at, completed_at`

func scanTaskExecution(scan func(dest ...any) error) (domain.TaskExecution, error) {
	var e domain.TaskExecution
	var msgID, decision, errText, completed sql.NullString
	err := scan(&e.ID, &e.TaskID, &msgID, &e.Status, &decision, &errText, &e.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.MessageID = ptrFromNull(msgID)
	e.DecisionJSON = ptrFromNull(decision)
	e.Error = ptrFromNull(errText)
	e.CompletedAt = ptrFromNull(completed)
	return e, nil
}

func (r Repo) InsertTaskExecution(ctx context.Context, tx *sql.Tx, e domain.TaskExecution) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO task_executions(`+taskExecColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, nullablePtr(e.MessageID), e.Status, nullablePtr(e.DecisionJSON),
		nullablePtr(e.Error), e.StartedAt, nullablePtr(e.CompletedAt))
	return err
}

func (r Repo) GetTaskExecution(ctx context.Context, id string) (domain.TaskExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskExecColumns+` FROM task_executions WHERE id=?`, id)
	return scanTaskExecution(row.Scan)
}

func (r Repo) ListTaskExecutions(ctx context.Context, taskID string, limit int) ([]domain.TaskExecution, error) {
	query := `SELECT ` + taskExecColumns + ` FROM task_executions WHERE task_id=? ORDER BY started_at DESC, id DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskExecution
	for rows.Next() {
		e, err := scanTaskExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SetTaskExecutionDecision records what the decider chose and why.
func (r Repo) SetTaskExecutionDecision(ctx context.Context, tx *sql.Tx, id, decisionJSON string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE task_executions SET decision_json=? WHERE id=?`, decisionJSON, id)
	return err
}

func (r Repo) SetTaskExecutionError(ctx context.Context, tx *sql.Tx, id, errText string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE task_executions SET error=? WHERE id=?`, errText, id)
	return err
}

const actionExecColumns = `id, action_id, task_execution_id, executor_id, triggering_task_id, status, config_json, result_json, error, started_at, completed_at`

func scanActionExecution(scan func(dest ...any) error) (domain.ActionExecution, error) {
	var e domain.ActionExecution
	var taskExecID, triggering, result, errText, completed sql.NullString
	err := scan(&e.ID, &e.ActionID, &taskExecID, &e.ExecutorID, &triggering, &e.Status,
		&e.ConfigJSON, &result, &errText, &e.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.TaskExecutionID = ptrFromNull(taskExecID)
	e.TriggeringTaskID = ptrFromNull(triggering)
	e.ResultJSON = ptrFromNull(result)
	e.Error = ptrFromNull(errText)
	e.CompletedAt = ptrFromNull(completed)
	return e, nil
}

func (r Repo) InsertActionExecution(ctx context.Context, tx *sql.Tx, e domain.ActionExecution) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO action_executions(`+actionExecColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ActionID, nullablePtr(e.TaskExecutionID), e.ExecutorID, nullablePtr(e.TriggeringTaskID),
		e.Status, e.ConfigJSON, nullablePtr(e.ResultJSON), nullablePtr(e.Error), e.StartedAt, nullablePtr(e.CompletedAt))
	return err
}

func (r Repo) GetActionExecution(ctx context.Context, id string) (domain.ActionExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionExecColumns+` FROM action_executions WHERE id=?`, id)
	return scanActionExecution(row.Scan)
}

func (r Repo) ListActionExecutions(ctx context.Context, executorID string, taskExecutionID string, limit int) ([]domain.ActionExecution, error) {
	var clauses []string
	var args []any
	if executorID != "" {
		clauses = append(clauses, "executor_id=?")
		args = append(args, executorID)
	}
	if taskExecutionID != "" {
		clauses = append(clauses, "task_execution_id=?")
		args = append(args, taskExecutionID)
	}
	query := `SELECT ` + actionExecColumns + ` FROM action_executions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionExecution
	for rows.Next() {
		e, err := scanActionExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SetActionExecutionResult stores the terminal payload; status itself moves
// through the ledger.
func (r Repo) SetActionExecutionResult(ctx context.Context, tx *sql.Tx, id string, resultJSON, errText *string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE action_executions SET result_json=?, error=? WHERE id=?`,
		nullablePtr(resultJSON), nullablePtr(errText), id)
	return err
}

func (r Repo) ListTransitions(ctx context.Context, executionKind, executionID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, execution_kind, execution_id, from_status, to_status, ts FROM execution_transitions WHERE execution_kind=? AND execution_id=? ORDER BY id ASC`,
		executionKind, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.ExecutionKind, &t.ExecutionID, &t.FromStatus, &t.ToStatus, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
