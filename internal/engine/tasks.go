package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/repo"
)

func validPriority(p string) bool {
	switch p {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent:
		return true
	}
	return false
}

// ensureTaskTransition guards the task status machine. Completed and
// cancelled are terminal.
func ensureTaskTransition(from, to string) error {
	ok := false
	switch from {
	case domain.TaskPending:
		ok = to == domain.TaskActive || to == domain.TaskCancelled
	case domain.TaskActive:
		ok = to == domain.TaskPaused || to == domain.TaskCompleted || to == domain.TaskCancelled
	case domain.TaskPaused:
		ok = to == domain.TaskActive || to == domain.TaskCancelled
	}
	if !ok {
		return fmt.Errorf("cannot move task from %s to %s", from, to)
	}
	return nil
}

// checkAIConfig rejects ai_config documents that are not JSON objects.
func checkAIConfig(raw string) error {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("ai_config must be a JSON object: %w", err)
	}
	return nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	OwnerID       string
	Title         string
	Description   string
	Prompt        string
	AIConfigJSON  string
	Priority      string
	ActionKinds   []string
	AccountIDs    []string
	MaxExecutions int
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.OwnerID == "" {
		return domain.Task{}, errors.New("owner is required")
	}
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !validPriority(opts.Priority) {
		return domain.Task{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	if opts.MaxExecutions < 0 {
		return domain.Task{}, errors.New("max_executions cannot be negative")
	}
	if len(opts.ActionKinds) == 0 {
		return domain.Task{}, errors.New("at least one action kind is required")
	}
	for _, kind := range opts.ActionKinds {
		if _, err := e.Registry.Schema(kind); err != nil {
			return domain.Task{}, fmt.Errorf("action kind %q: %w", kind, err)
		}
	}
	for _, accountID := range opts.AccountIDs {
		if _, err := e.GetAccount(ctx, opts.OwnerID, accountID); err != nil {
			return domain.Task{}, fmt.Errorf("account %s: %w", accountID, err)
		}
	}

	now := e.ts()
	t := domain.Task{
		ID:            uuid.NewString(),
		OwnerID:       opts.OwnerID,
		Title:         opts.Title,
		Description:   opts.Description,
		Prompt:        opts.Prompt,
		Status:        domain.TaskActive,
		Priority:      opts.Priority,
		AccountIDs:    opts.AccountIDs,
		ActionKinds:   opts.ActionKinds,
		IsActive:      true,
		MaxExecutions: opts.MaxExecutions,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.AIConfigJSON != "" {
		if err := checkAIConfig(opts.AIConfigJSON); err != nil {
			return domain.Task{}, err
		}
		t.AIConfigJSON = &opts.AIConfigJSON
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, opts.OwnerID, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.SetTaskAccounts(ctx, tx, t.ID, t.AccountIDs); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, opts.OwnerID, events.EventPayload{
		"title": t.Title, "priority": t.Priority, "action_kinds": t.ActionKinds,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// GetTask returns the task only to its owner.
func (e *Engine) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.OwnerID != ownerID {
		return domain.Task{}, repo.ErrNotFound
	}
	return t, nil
}

func (e *Engine) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, ownerID)
}

// TaskUpdateOptions hold the only task fields a caller may change. The
// execution counters are owned by the dispatcher and cannot be set here.
type TaskUpdateOptions struct {
	Title         *string
	Description   *string
	Prompt        *string
	AIConfigJSON  *string
	Priority      *string
	ActionKinds   []string
	AccountIDs    []string
	MaxExecutions *int
	IsActive      *bool
}

func (e *Engine) UpdateTask(ctx context.Context, ownerID, id string, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.GetTask(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.TaskCompleted || t.Status == domain.TaskCancelled {
		return domain.Task{}, fmt.Errorf("task %s is %s", id, t.Status)
	}
	changed := map[string]any{}
	if opts.Title != nil {
		if *opts.Title == "" {
			return domain.Task{}, errors.New("title cannot be empty")
		}
		t.Title = *opts.Title
		changed["title"] = t.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
		changed["description"] = t.Description
	}
	if opts.Prompt != nil {
		t.Prompt = *opts.Prompt
		changed["prompt"] = t.Prompt
	}
	if opts.AIConfigJSON != nil {
		if *opts.AIConfigJSON == "" {
			t.AIConfigJSON = nil
		} else {
			if err := checkAIConfig(*opts.AIConfigJSON); err != nil {
				return domain.Task{}, err
			}
			t.AIConfigJSON = opts.AIConfigJSON
		}
		changed["ai_config"] = "updated"
	}
	if opts.Priority != nil {
		if !validPriority(*opts.Priority) {
			return domain.Task{}, fmt.Errorf("unknown priority %q", *opts.Priority)
		}
		t.Priority = *opts.Priority
		changed["priority"] = t.Priority
	}
	if opts.ActionKinds != nil {
		if len(opts.ActionKinds) == 0 {
			return domain.Task{}, errors.New("at least one action kind is required")
		}
		for _, kind := range opts.ActionKinds {
			if _, err := e.Registry.Schema(kind); err != nil {
				return domain.Task{}, fmt.Errorf("action kind %q: %w", kind, err)
			}
		}
		t.ActionKinds = opts.ActionKinds
		changed["action_kinds"] = t.ActionKinds
	}
	if opts.AccountIDs != nil {
		for _, accountID := range opts.AccountIDs {
			if _, err := e.GetAccount(ctx, ownerID, accountID); err != nil {
				return domain.Task{}, fmt.Errorf("account %s: %w", accountID, err)
			}
		}
		t.AccountIDs = opts.AccountIDs
		changed["account_ids"] = t.AccountIDs
	}
	if opts.MaxExecutions != nil {
		if *opts.MaxExecutions < 0 {
			return domain.Task{}, errors.New("max_executions cannot be negative")
		}
		t.MaxExecutions = *opts.MaxExecutions
		changed["max_executions"] = t.MaxExecutions
	}
	if opts.IsActive != nil {
		t.IsActive = *opts.IsActive
		changed["is_active"] = t.IsActive
	}
	if len(changed) == 0 {
		return t, nil
	}
	t.UpdatedAt = e.ts()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if opts.AccountIDs != nil {
		if err := e.Repo.SetTaskAccounts(ctx, tx, t.ID, t.AccountIDs); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.updated", "task", t.ID, ownerID, events.EventPayload(changed)); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e *Engine) PauseTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	return e.moveTask(ctx, ownerID, id, domain.TaskPaused, "task.paused")
}

func (e *Engine) ResumeTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	return e.moveTask(ctx, ownerID, id, domain.TaskActive, "task.resumed")
}

func (e *Engine) moveTask(ctx context.Context, ownerID, id, to, evtType string) (domain.Task, error) {
	t, err := e.GetTask(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureTaskTransition(t.Status, to); err != nil {
		return domain.Task{}, err
	}
	from := t.Status
	t.Status = to
	t.UpdatedAt = e.ts()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "task", t.ID, ownerID, events.EventPayload{
		"from": from, "to": to,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask removes the task. A task that has already executed is
// cancelled and deactivated instead so its execution history survives.
func (e *Engine) DeleteTask(ctx context.Context, ownerID, id string) error {
	t, err := e.GetTask(ctx, ownerID, id)
	if err != nil {
		return err
	}
	hasExecutions, err := e.Repo.TaskHasExecutions(ctx, t.ID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if hasExecutions {
		if t.Status != domain.TaskCompleted && t.Status != domain.TaskCancelled {
			t.Status = domain.TaskCancelled
		}
		t.IsActive = false
		t.UpdatedAt = e.ts()
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
	} else if err := e.Repo.DeleteTask(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", "task", t.ID, ownerID, events.EventPayload{
		"cancelled": hasExecutions,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SpawnTask satisfies the create_task action: a follow-up task created with
// a prompt, no monitored accounts, and a single-shot budget.
func (e *Engine) SpawnTask(ctx context.Context, ownerID, title, prompt string) (string, error) {
	t, err := e.CreateTask(ctx, TaskCreateOptions{
		OwnerID:       ownerID,
		Title:         title,
		Prompt:        prompt,
		ActionKinds:   []string{domain.KindSendNotification},
		MaxExecutions: 1,
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// TriggerTask satisfies the trigger_task action by delegating to the
// dispatcher.
func (e *Engine) TriggerTask(ctx context.Context, taskID string, messageID *string) (string, error) {
	if e.Dispatcher == nil {
		return "", errors.New("dispatcher not configured")
	}
	return e.Dispatcher.TriggerTask(ctx, taskID, messageID)
}
