package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/ledger"
	"taskpilot/internal/registry"
)

func (e *Engine) ListActions(ctx context.Context, activeOnly bool) ([]domain.Action, error) {
	return e.Repo.ListActions(ctx, activeOnly)
}

func (e *Engine) GetAction(ctx context.Context, id string) (domain.Action, error) {
	return e.Repo.GetAction(ctx, id)
}

func (e *Engine) ListExecutions(ctx context.Context, ownerID, taskID string, limit int) ([]domain.TaskExecution, error) {
	if _, err := e.GetTask(ctx, ownerID, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListTaskExecutions(ctx, taskID, limit)
}

func (e *Engine) ListActionExecutions(ctx context.Context, executorID, taskExecutionID string, limit int) ([]domain.ActionExecution, error) {
	return e.Repo.ListActionExecutions(ctx, executorID, taskExecutionID, limit)
}

// ExecuteActionOptions are parameters for running one action by hand,
// outside any task.
type ExecuteActionOptions struct {
	ExecutorID string
	Kind       string
	Config     registry.Config
	MessageID  *string
}

// ExecuteAction runs a single action immediately. The config is validated
// before any record is written, so a schema failure leaves no trace beyond
// the returned error.
func (e *Engine) ExecuteAction(ctx context.Context, opts ExecuteActionOptions) (domain.ActionExecution, error) {
	if opts.ExecutorID == "" {
		return domain.ActionExecution{}, errors.New("executor is required")
	}
	if err := e.Registry.ValidateConfig(opts.Kind, opts.Config); err != nil {
		return domain.ActionExecution{}, err
	}
	action, err := e.Repo.GetActionByKind(ctx, opts.Kind)
	if err != nil {
		return domain.ActionExecution{}, fmt.Errorf("action %s: %w", opts.Kind, err)
	}
	if !action.IsActive {
		return domain.ActionExecution{}, fmt.Errorf("action %s is disabled", opts.Kind)
	}
	handler, err := e.Registry.Lookup(opts.Kind)
	if err != nil {
		return domain.ActionExecution{}, err
	}
	var msg *domain.Message
	if opts.MessageID != nil {
		m, err := e.GetMessage(ctx, opts.ExecutorID, *opts.MessageID)
		if err != nil {
			return domain.ActionExecution{}, err
		}
		msg = &m
	}

	cfgJSON, _ := json.Marshal(opts.Config)
	row := domain.ActionExecution{
		ID:         uuid.NewString(),
		ActionID:   action.ID,
		ExecutorID: opts.ExecutorID,
		Status:     domain.ExecPending,
		ConfigJSON: string(cfgJSON),
		StartedAt:  e.ts(),
	}
	if err := e.openActionExecution(ctx, row, opts.Kind); err != nil {
		return domain.ActionExecution{}, err
	}
	if err := e.transitionAction(ctx, row.ID, domain.ExecPending, domain.ExecRunning, nil, nil); err != nil {
		return domain.ActionExecution{}, err
	}

	timeout := 30 * time.Second
	if e.Config != nil {
		timeout = e.Config.HandlerTimeout()
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	result, execErr := handler.Execute(hctx, registry.Invocation{
		Config:  opts.Config,
		OwnerID: opts.ExecutorID,
		Message: msg,
	})
	cancel()

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			execErr = registry.NewTimeoutError(execErr)
		}
		errText := execErr.Error()
		if terr := e.transitionAction(ctx, row.ID, domain.ExecRunning, domain.ExecFailed, nil, &errText); terr != nil {
			e.logf("engine: action execution %s: %v", row.ID, terr)
		}
		return e.Repo.GetActionExecution(ctx, row.ID)
	}

	var resultJSON *string
	if result != nil {
		if data, merr := json.Marshal(result); merr == nil {
			s := string(data)
			resultJSON = &s
		}
	}
	if err := e.transitionAction(ctx, row.ID, domain.ExecRunning, domain.ExecCompleted, resultJSON, nil); err != nil {
		e.logf("engine: action execution %s: %v", row.ID, err)
	}
	return e.Repo.GetActionExecution(ctx, row.ID)
}

func (e *Engine) openActionExecution(ctx context.Context, row domain.ActionExecution, kind string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, row.ExecutorID, row.StartedAt); err != nil {
		return err
	}
	if err := e.Repo.InsertActionExecution(ctx, tx, row); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "action.executed", "action_execution", row.ID, row.ExecutorID, events.EventPayload{
		"kind": kind,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) transitionAction(ctx context.Context, execID, from, to string, resultJSON, errText *string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Ledger.RecordTransition(ctx, tx, ledger.KindAction, execID, from, to); err != nil {
		return err
	}
	if resultJSON != nil || errText != nil {
		if err := e.Repo.SetActionExecutionResult(ctx, tx, execID, resultJSON, errText); err != nil {
			return err
		}
	}
	return tx.Commit()
}
