// Package dispatch runs the decision pipeline: for each matched task it
// opens an execution, asks the decider what to do, validates and runs the
// selected actions, and records the aggregate outcome. At-most-once per
// (task, message) is enforced by the task_executions unique index plus the
// ledger's guarded status transitions.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/decider"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/ledger"
	"taskpilot/internal/match"
	"taskpilot/internal/registry"
	"taskpilot/internal/repo"
)

const defaultHandlerTimeout = 30 * time.Second

type Dispatcher struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Ledger   ledger.Ledger
	Registry *registry.Registry
	Decider  decider.Decider
	Matcher  match.Matcher
	Logger   *log.Logger
	Now      func() time.Time

	// HandlerTimeout bounds a single action handler. MaxConcurrent bounds
	// handlers running at the same time across all dispatches.
	HandlerTimeout time.Duration
	MaxConcurrent  int

	semOnce sync.Once
	sem     chan struct{}
}

func (d *Dispatcher) now() string {
	if d.Now != nil {
		return d.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (d *Dispatcher) timeout() time.Duration {
	if d.HandlerTimeout > 0 {
		return d.HandlerTimeout
	}
	return defaultHandlerTimeout
}

// handlerScope marks contexts inside a running action handler. A nested
// dispatch started by a spawn-stage handler (trigger_task, create_task)
// runs under the outer handler's pool slot; acquiring a second slot from
// the same pool would deadlock once trigger chains reach MaxConcurrent.
type handlerScope struct{}

func (d *Dispatcher) acquire(ctx context.Context) (func(), error) {
	if ctx.Value(handlerScope{}) != nil {
		return func() {}, nil
	}
	d.semOnce.Do(func() {
		n := d.MaxConcurrent
		if n <= 0 {
			n = 4
		}
		d.sem = make(chan struct{}, n)
	})
	select {
	case d.sem <- struct{}{}:
		return func() { <-d.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// Outcome summarizes one task execution for the caller.
type Outcome struct {
	TaskExecutionID string
	TaskID          string
	Status          string
	Skipped         bool
}

// DispatchMessage runs every eligible task against the message, in matcher
// order. Task executions run sequentially so a higher priority task's
// save_message lands before a lower one's trigger fires; actions inside one
// execution still use the shared worker pool.
func (d *Dispatcher) DispatchMessage(ctx context.Context, msg domain.Message) ([]Outcome, error) {
	tasks, err := d.Matcher.Candidates(ctx, msg)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(tasks))
	for _, t := range tasks {
		out, err := d.DispatchTask(ctx, t, &msg)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// DispatchTask runs one task against one (optional) message. A duplicate
// (task, message) pair is reported as a skipped outcome, not an error.
func (d *Dispatcher) DispatchTask(ctx context.Context, task domain.Task, msg *domain.Message) (Outcome, error) {
	exec := domain.TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Status:    domain.ExecPending,
		StartedAt: d.now(),
	}
	if msg != nil {
		exec.MessageID = &msg.ID
	}
	if err := d.openExecution(ctx, exec); err != nil {
		if repo.IsUniqueViolation(err) {
			if exec.MessageID != nil {
				d.logf("dispatch: task %s already executed for message %s", task.ID, *exec.MessageID)
			} else {
				d.logf("dispatch: task %s already executed", task.ID)
			}
			return Outcome{TaskID: task.ID, Skipped: true}, nil
		}
		return Outcome{}, err
	}

	status := d.run(ctx, task, msg, exec.ID)
	return Outcome{TaskExecutionID: exec.ID, TaskID: task.ID, Status: status}, nil
}

func (d *Dispatcher) openExecution(ctx context.Context, exec domain.TaskExecution) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertTaskExecution(ctx, tx, exec); err != nil {
		return err
	}
	payload := events.EventPayload{"task_id": exec.TaskID}
	if exec.MessageID != nil {
		payload["message_id"] = *exec.MessageID
	}
	if err := d.Events.Append(ctx, tx, "execution.started", "task_execution", exec.ID, "system", payload); err != nil {
		return err
	}
	return tx.Commit()
}

// run drives the execution from pending to a terminal status and returns it.
func (d *Dispatcher) run(ctx context.Context, task domain.Task, msg *domain.Message, execID string) string {
	if err := d.transitionTaskExec(ctx, execID, domain.ExecPending, domain.ExecRunning, nil); err != nil {
		d.logf("dispatch: execution %s: %v", execID, err)
		return domain.ExecPending
	}

	dec, err := d.Decider.Decide(ctx, task, deref(msg))
	if err != nil {
		return d.finish(ctx, task, execID, domain.ExecFailed, fmt.Sprintf("decide: %v", err))
	}
	if err := d.recordDecision(ctx, execID, dec); err != nil {
		d.logf("dispatch: execution %s: record decision: %v", execID, err)
	}

	plan, invalid := d.plan(ctx, task, execID, dec.Selections)
	failures := append([]string{}, invalid...)
	failures = append(failures, d.runPlan(ctx, task, msg, plan)...)

	if len(failures) > 0 {
		return d.finish(ctx, task, execID, domain.ExecFailed, strings.Join(failures, "; "))
	}
	return d.finish(ctx, task, execID, domain.ExecCompleted, "")
}

func deref(msg *domain.Message) domain.Message {
	if msg == nil {
		return domain.Message{}
	}
	return *msg
}

func (d *Dispatcher) recordDecision(ctx context.Context, execID string, dec decider.Decision) error {
	data, err := json.Marshal(dec)
	if err != nil {
		return err
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.SetTaskExecutionDecision(ctx, tx, execID, string(data)); err != nil {
		return err
	}
	return tx.Commit()
}

// planned is one validated selection bound to its pending ActionExecution row.
type planned struct {
	execID string
	kind   string
	stage  int
	config registry.Config
}

// plan validates each selection and opens pending ActionExecution rows for
// the valid ones. Invalid selections produce no row; their errors are
// returned so the task execution can be failed with the full picture.
func (d *Dispatcher) plan(ctx context.Context, task domain.Task, taskExecID string, selections []decider.Selection) ([]planned, []string) {
	var plan []planned
	var invalid []string
	for _, sel := range selections {
		cfg := registry.Config(sel.Config)
		if err := d.Registry.ValidateConfig(sel.Kind, cfg); err != nil {
			invalid = append(invalid, err.Error())
			continue
		}
		// GetActionByKind only returns active catalog rows, so a disabled
		// action surfaces here as not found
		action, err := d.Repo.GetActionByKind(ctx, sel.Kind)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("action %s: %v", sel.Kind, err))
			continue
		}
		stage, _ := d.Registry.Stage(sel.Kind)
		cfgJSON, _ := json.Marshal(cfg)
		row := domain.ActionExecution{
			ID:              uuid.NewString(),
			ActionID:        action.ID,
			TaskExecutionID: &taskExecID,
			ExecutorID:      task.OwnerID,
			Status:          domain.ExecPending,
			ConfigJSON:      string(cfgJSON),
			StartedAt:       d.now(),
		}
		if err := d.insertActionExecution(ctx, row); err != nil {
			invalid = append(invalid, fmt.Sprintf("action %s: %v", sel.Kind, err))
			continue
		}
		plan = append(plan, planned{execID: row.ID, kind: sel.Kind, stage: stage, config: cfg})
	}
	return plan, invalid
}

func (d *Dispatcher) insertActionExecution(ctx context.Context, row domain.ActionExecution) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertActionExecution(ctx, tx, row); err != nil {
		return err
	}
	return tx.Commit()
}

// runPlan executes the parallel stage concurrently, then the remaining
// stages in order, one action at a time. Returns error strings for actions
// that did not complete.
func (d *Dispatcher) runPlan(ctx context.Context, task domain.Task, msg *domain.Message, plan []planned) []string {
	var parallel, sequential []planned
	for _, p := range plan {
		if p.stage == registry.StageParallel {
			parallel = append(parallel, p)
		} else {
			sequential = append(sequential, p)
		}
	}
	sort.SliceStable(sequential, func(i, j int) bool { return sequential[i].stage < sequential[j].stage })

	var mu sync.Mutex
	var failures []string
	var wg sync.WaitGroup
	for _, p := range parallel {
		wg.Add(1)
		go func(p planned) {
			defer wg.Done()
			if failure := d.runAction(ctx, task, msg, p); failure != "" {
				mu.Lock()
				failures = append(failures, failure)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	for _, p := range sequential {
		if failure := d.runAction(ctx, task, msg, p); failure != "" {
			failures = append(failures, failure)
		}
	}
	return failures
}

// runAction moves one ActionExecution pending->running->terminal around the
// handler call. The returned string is empty on success.
func (d *Dispatcher) runAction(ctx context.Context, task domain.Task, msg *domain.Message, p planned) string {
	release, err := d.acquire(ctx)
	if err != nil {
		d.logf("dispatch: action execution %s: %v", p.execID, err)
		return fmt.Sprintf("action %s: %v", p.kind, err)
	}
	defer release()

	if err := d.transitionActionExec(ctx, p.execID, domain.ExecPending, domain.ExecRunning, nil, nil); err != nil {
		d.logf("dispatch: action execution %s: %v", p.execID, err)
		return fmt.Sprintf("action %s: %v", p.kind, err)
	}

	handler, err := d.Registry.Lookup(p.kind)
	if err != nil {
		errText := err.Error()
		d.transitionActionExec(ctx, p.execID, domain.ExecRunning, domain.ExecFailed, nil, &errText)
		return fmt.Sprintf("action %s: %s", p.kind, errText)
	}

	hctx, cancel := context.WithTimeout(ctx, d.timeout())
	hctx = context.WithValue(hctx, handlerScope{}, struct{}{})
	result, err := handler.Execute(hctx, registry.Invocation{
		Config:  p.config,
		OwnerID: task.OwnerID,
		Task:    &task,
		Message: msg,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = registry.NewTimeoutError(err)
		}
		errText := err.Error()
		d.transitionActionExec(ctx, p.execID, domain.ExecRunning, domain.ExecFailed, nil, &errText)
		return fmt.Sprintf("action %s: %s", p.kind, errText)
	}

	var resultJSON *string
	if result != nil {
		if data, merr := json.Marshal(result); merr == nil {
			s := string(data)
			resultJSON = &s
		}
	}
	if err := d.transitionActionExec(ctx, p.execID, domain.ExecRunning, domain.ExecCompleted, resultJSON, nil); err != nil {
		d.logf("dispatch: action execution %s: %v", p.execID, err)
		return fmt.Sprintf("action %s: %v", p.kind, err)
	}
	return ""
}

// finish moves the task execution to a terminal status and, when this call
// won the transition, charges the task's execution budget. A concurrent
// finisher loses with a ConflictError and must not charge the budget again.
func (d *Dispatcher) finish(ctx context.Context, task domain.Task, execID, status, errText string) string {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		d.logf("dispatch: finish %s: %v", execID, err)
		return status
	}
	defer tx.Rollback()

	if err := d.Ledger.RecordTransition(ctx, tx, ledger.KindTask, execID, domain.ExecRunning, status); err != nil {
		var conflict *ledger.ConflictError
		if errors.As(err, &conflict) {
			d.logf("dispatch: execution %s already finished", execID)
			return status
		}
		d.logf("dispatch: finish %s: %v", execID, err)
		return status
	}
	if errText != "" {
		if err := d.Repo.SetTaskExecutionError(ctx, tx, execID, errText); err != nil {
			d.logf("dispatch: finish %s: %v", execID, err)
			return status
		}
	}
	now := d.now()
	if err := d.Repo.IncrementExecutionCount(ctx, tx, task.ID, now); err != nil {
		d.logf("dispatch: finish %s: %v", execID, err)
		return status
	}
	if err := d.Repo.CompleteTaskIfExhausted(ctx, tx, task.ID, now); err != nil {
		d.logf("dispatch: finish %s: %v", execID, err)
		return status
	}
	payload := events.EventPayload{"task_id": task.ID, "status": status}
	if errText != "" {
		payload["error"] = errText
	}
	if err := d.Events.Append(ctx, tx, "execution.finished", "task_execution", execID, "system", payload); err != nil {
		d.logf("dispatch: finish %s: %v", execID, err)
		return status
	}
	if err := tx.Commit(); err != nil {
		d.logf("dispatch: finish %s: %v", execID, err)
	}
	return status
}

func (d *Dispatcher) transitionTaskExec(ctx context.Context, execID, from, to string, errText *string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Ledger.RecordTransition(ctx, tx, ledger.KindTask, execID, from, to); err != nil {
		return err
	}
	if errText != nil {
		if err := d.Repo.SetTaskExecutionError(ctx, tx, execID, *errText); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *Dispatcher) transitionActionExec(ctx context.Context, execID, from, to string, resultJSON, errText *string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Ledger.RecordTransition(ctx, tx, ledger.KindAction, execID, from, to); err != nil {
		return err
	}
	if resultJSON != nil || errText != nil {
		if err := d.Repo.SetActionExecutionResult(ctx, tx, execID, resultJSON, errText); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TriggerTask satisfies the trigger_task action: it re-dispatches an
// existing task, carrying the triggering message through so the idempotence
// guard still applies.
func (d *Dispatcher) TriggerTask(ctx context.Context, taskID string, messageID *string) (string, error) {
	task, err := d.Repo.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !task.CanExecute() {
		return "", fmt.Errorf("task %s cannot execute", taskID)
	}
	var msg *domain.Message
	if messageID != nil {
		m, err := d.Repo.GetMessage(ctx, *messageID)
		if err != nil {
			return "", err
		}
		msg = &m
	}
	out, err := d.DispatchTask(ctx, task, msg)
	if err != nil {
		return "", err
	}
	if out.Skipped {
		return "", fmt.Errorf("task %s already executed for this message", taskID)
	}
	return out.TaskExecutionID, nil
}
