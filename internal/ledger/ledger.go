// Package ledger records execution state transitions. Every status change of
// a task or action execution goes through RecordTransition, which enforces
// the pending -> running -> {completed, failed} machine and rejects anything
// that would leave a terminal state or race a concurrent writer.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskpilot/internal/domain"
)

// Execution kinds.
const (
	KindTask   = "task"
	KindAction = "action"
)

// ConflictError signals an illegal or already-applied transition.
type ConflictError struct {
	ExecutionKind string
	ExecutionID   string
	From          string
	To            string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("illegal %s execution transition %s -> %s for %s", e.ExecutionKind, e.From, e.To, e.ExecutionID)
}

func legalTransition(from, to string) bool {
	switch from {
	case domain.ExecPending:
		return to == domain.ExecRunning
	case domain.ExecRunning:
		return to == domain.ExecCompleted || to == domain.ExecFailed
	}
	// completed and failed are terminal
	return false
}

func terminal(status string) bool {
	return status == domain.ExecCompleted || status == domain.ExecFailed
}

type Ledger struct {
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func tableFor(kind string) (string, error) {
	switch kind {
	case KindTask:
		return "task_executions", nil
	case KindAction:
		return "action_executions", nil
	}
	return "", fmt.Errorf("unknown execution kind %q", kind)
}

// RecordTransition moves an execution from one status to another inside the
// caller's transaction. The guarded UPDATE only matches rows still in the
// from-status, so a concurrent writer that got there first turns this call
// into a ConflictError instead of a silent overwrite.
func (l Ledger) RecordTransition(ctx context.Context, tx *sql.Tx, kind, executionID, from, to string) error {
	if !legalTransition(from, to) {
		return &ConflictError{ExecutionKind: kind, ExecutionID: executionID, From: from, To: to}
	}
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	ts := l.now().UTC().Format(time.RFC3339)
	var res sql.Result
	if terminal(to) {
		res, err = tx.ExecContext(ctx, `UPDATE `+table+` SET status=?, completed_at=? WHERE id=? AND status=?`,
			to, ts, executionID, from)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE `+table+` SET status=? WHERE id=? AND status=?`,
			to, executionID, from)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ConflictError{ExecutionKind: kind, ExecutionID: executionID, From: from, To: to}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO execution_transitions(execution_kind, execution_id, from_status, to_status, ts) VALUES (?,?,?,?,?)`,
		kind, executionID, from, to, ts)
	return err
}
