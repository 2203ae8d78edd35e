package dispatch_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/db"
	"taskpilot/internal/decider"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/ledger"
	"taskpilot/internal/match"
	"taskpilot/internal/migrate"
	"taskpilot/internal/registry"
	"taskpilot/internal/repo"
)

const testTS = "2024-01-01T00:00:00Z"

type stubNotifier struct {
	calls []string
	fail  bool
}

func (s *stubNotifier) Notify(ctx context.Context, userID, message, urgency string) error {
	if s.fail {
		return errors.New("notification channel down")
	}
	s.calls = append(s.calls, userID+":"+message)
	return nil
}

type stubMessages struct {
	saved []string
}

func (s *stubMessages) MarkSaved(ctx context.Context, messageID string) error {
	s.saved = append(s.saved, messageID)
	return nil
}

func (s *stubMessages) StoreSummary(ctx context.Context, messageID, summary string) error {
	return nil
}

// stubTasks routes trigger_task back into the dispatcher, the way the
// engine wires it in production.
type stubTasks struct {
	d *dispatch.Dispatcher
}

func (s *stubTasks) SpawnTask(ctx context.Context, ownerID, title, prompt string) (string, error) {
	return "", errors.New("spawn not supported")
}

func (s *stubTasks) TriggerTask(ctx context.Context, taskID string, messageID *string) (string, error) {
	return s.d.TriggerTask(ctx, taskID, messageID)
}

// perTaskDecider returns different selections per task id.
type perTaskDecider struct {
	byTask map[string][]decider.Selection
}

func (d perTaskDecider) Decide(ctx context.Context, task domain.Task, msg domain.Message) (decider.Decision, error) {
	return decider.Decision{Selections: d.byTask[task.ID], Reason: "fixed"}, nil
}

// fixedDecider returns the same selections for every task.
type fixedDecider struct {
	selections []decider.Selection
	err        error
}

func (d fixedDecider) Decide(ctx context.Context, task domain.Task, msg domain.Message) (decider.Decision, error) {
	if d.err != nil {
		return decider.Decision{}, d.err
	}
	return decider.Decision{Selections: d.selections, Reason: "fixed"}, nil
}

type fixture struct {
	Conn     *sql.DB
	Repo     repo.Repo
	Ctx      context.Context
	Notifier *stubNotifier
	Messages *stubMessages
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fixture{
		Conn:     conn,
		Repo:     repo.Repo{DB: conn},
		Ctx:      context.Background(),
		Notifier: &stubNotifier{},
		Messages: &stubMessages{},
	}
	f.exec(t, func(tx *sql.Tx) error {
		if err := f.Repo.EnsureUser(f.Ctx, tx, "user-1", testTS); err != nil {
			return err
		}
		return f.Repo.InsertAccount(f.Ctx, tx, domain.LinkedAccount{
			ID: "acc-1", OwnerID: "user-1", Service: "gmail", Identifier: "me@example.com",
			EncryptedToken: "tok", IsActive: true, AddedAt: testTS,
		})
	})
	return f
}

func (f *fixture) exec(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := f.Conn.BeginTx(f.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) dispatcher(d decider.Decider) *dispatch.Dispatcher {
	reg := registry.New(registry.Deps{
		Notifier: f.Notifier,
		Messages: f.Messages,
	})
	return &dispatch.Dispatcher{
		DB:       f.Conn,
		Repo:     f.Repo,
		Events:   events.Writer{DB: f.Conn},
		Ledger:   ledger.Ledger{},
		Registry: reg,
		Decider:  d,
		Matcher:  match.Matcher{Repo: f.Repo},
	}
}

func (f *fixture) addTask(t *testing.T, id string, mutate func(*domain.Task)) domain.Task {
	t.Helper()
	task := domain.Task{
		ID: id, OwnerID: "user-1", Title: id,
		Status: domain.TaskActive, Priority: domain.PriorityMedium,
		ActionKinds: []string{domain.KindSendNotification, domain.KindSaveMessage},
		IsActive:    true, CreatedAt: testTS, UpdatedAt: testTS,
	}
	if mutate != nil {
		mutate(&task)
	}
	f.exec(t, func(tx *sql.Tx) error {
		if err := f.Repo.InsertTask(f.Ctx, tx, task); err != nil {
			return err
		}
		return f.Repo.SetTaskAccounts(f.Ctx, tx, task.ID, []string{"acc-1"})
	})
	return task
}

func (f *fixture) addMessage(t *testing.T, id string) domain.Message {
	t.Helper()
	msg := domain.Message{
		ID: id, AccountID: "acc-1", OwnerID: "user-1",
		Title: "subject " + id, Content: "content " + id,
		Status: domain.MessageUnprocessed, Priority: domain.MsgPriorityNormal,
		ExternalMessageID: "ext-" + id, CreatedAt: testTS,
	}
	f.exec(t, func(tx *sql.Tx) error {
		return f.Repo.InsertMessage(f.Ctx, tx, msg)
	})
	return msg
}

func notifyAndSave() []decider.Selection {
	return []decider.Selection{
		{Kind: domain.KindSendNotification, Config: map[string]any{"message": "check this", "urgency": "high"}},
		{Kind: domain.KindSaveMessage, Config: map[string]any{}},
	}
}

func TestDispatchCompletesAndChargesBudget(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "task-1", nil)
	msg := f.addMessage(t, "msg-1")
	d := f.dispatcher(fixedDecider{selections: notifyAndSave()})

	out, err := d.DispatchTask(f.Ctx, task, &msg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Status != domain.ExecCompleted || out.Skipped {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.Notifier.calls) != 1 {
		t.Fatalf("notifier called %d times", len(f.Notifier.calls))
	}
	if len(f.Messages.saved) != 1 || f.Messages.saved[0] != "msg-1" {
		t.Fatalf("save_message not applied: %v", f.Messages.saved)
	}

	exec, err := f.Repo.GetTaskExecution(f.Ctx, out.TaskExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != domain.ExecCompleted || exec.DecisionJSON == nil {
		t.Fatalf("execution not recorded: %+v", exec)
	}
	actions, err := f.Repo.ListActionExecutions(f.Ctx, "", out.TaskExecutionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 action executions, got %d", len(actions))
	}
	for _, a := range actions {
		if a.Status != domain.ExecCompleted {
			t.Fatalf("action %s status %s", a.ID, a.Status)
		}
	}

	got, err := f.Repo.GetTask(f.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 1 {
		t.Fatalf("execution count = %d, want 1", got.ExecutionCount)
	}
	if got.LastExecutedAt == nil {
		t.Fatalf("last_executed_at not stamped")
	}
}

func TestDispatchFailedActionFailsExecution(t *testing.T) {
	f := newFixture(t)
	f.Notifier.fail = true
	task := f.addTask(t, "task-1", nil)
	msg := f.addMessage(t, "msg-1")
	d := f.dispatcher(fixedDecider{selections: notifyAndSave()})

	out, err := d.DispatchTask(f.Ctx, task, &msg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Status != domain.ExecFailed {
		t.Fatalf("expected failed execution, got %s", out.Status)
	}
	exec, err := f.Repo.GetTaskExecution(f.Ctx, out.TaskExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Error == nil {
		t.Fatalf("expected execution error recorded")
	}
	// the independent save_message still ran
	if len(f.Messages.saved) != 1 {
		t.Fatalf("save_message should still run, saved=%v", f.Messages.saved)
	}
	// failure still charges the budget
	got, err := f.Repo.GetTask(f.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 1 {
		t.Fatalf("execution count = %d, want 1", got.ExecutionCount)
	}
}

func TestDispatchInvalidSelectionLeavesNoActionRows(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "task-1", nil)
	msg := f.addMessage(t, "msg-1")
	d := f.dispatcher(fixedDecider{selections: []decider.Selection{
		{Kind: domain.KindSendNotification, Config: map[string]any{"message": "hi"}}, // urgency missing
	}})

	out, err := d.DispatchTask(f.Ctx, task, &msg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Status != domain.ExecFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	actions, err := f.Repo.ListActionExecutions(f.Ctx, "", out.TaskExecutionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Fatalf("invalid selection must not open rows, got %d", len(actions))
	}
	if len(f.Notifier.calls) != 0 {
		t.Fatalf("handler must not run for invalid config")
	}
}

func TestDispatchDeciderErrorFailsExecution(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "task-1", nil)
	msg := f.addMessage(t, "msg-1")
	d := f.dispatcher(fixedDecider{err: errors.New("model unavailable")})

	out, err := d.DispatchTask(f.Ctx, task, &msg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Status != domain.ExecFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	exec, _ := f.Repo.GetTaskExecution(f.Ctx, out.TaskExecutionID)
	if exec.Error == nil {
		t.Fatalf("decider error not recorded")
	}
}

func TestDispatchDuplicatePairSkipped(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "task-1", nil)
	msg := f.addMessage(t, "msg-1")
	d := f.dispatcher(fixedDecider{selections: notifyAndSave()})

	first, err := d.DispatchTask(f.Ctx, task, &msg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.DispatchTask(f.Ctx, task, &msg)
	if err != nil {
		t.Fatalf("duplicate dispatch should not error: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("expected skipped outcome, got %+v", second)
	}
	if second.TaskExecutionID != "" {
		t.Fatalf("skipped outcome must not carry an execution id")
	}
	execs, err := f.Repo.ListTaskExecutions(f.Ctx, task.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || execs[0].ID != first.TaskExecutionID {
		t.Fatalf("expected exactly one execution, got %d", len(execs))
	}
	got, _ := f.Repo.GetTask(f.Ctx, task.ID)
	if got.ExecutionCount != 1 {
		t.Fatalf("budget charged twice: %d", got.ExecutionCount)
	}
}

func TestDispatchExhaustsBudget(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "task-1", func(tk *domain.Task) {
		tk.MaxExecutions = 1
	})
	msg := f.addMessage(t, "msg-1")
	d := f.dispatcher(fixedDecider{selections: notifyAndSave()})

	if _, err := d.DispatchTask(f.Ctx, task, &msg); err != nil {
		t.Fatal(err)
	}
	got, err := f.Repo.GetTask(f.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("task should complete when budget exhausted, got %s", got.Status)
	}

	// the completed task no longer matches new messages
	other := f.addMessage(t, "msg-2")
	outs, err := d.DispatchMessage(f.Ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 0 {
		t.Fatalf("exhausted task must not run again, got %+v", outs)
	}
}

func TestDispatchMessageRunsMatchesInPriorityOrder(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "task-low", func(tk *domain.Task) { tk.Priority = domain.PriorityLow })
	f.addTask(t, "task-urgent", func(tk *domain.Task) { tk.Priority = domain.PriorityUrgent })
	msg := f.addMessage(t, "msg-1")
	d := f.dispatcher(fixedDecider{selections: notifyAndSave()})

	outs, err := d.DispatchMessage(f.Ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outs))
	}
	if outs[0].TaskID != "task-urgent" || outs[1].TaskID != "task-low" {
		t.Fatalf("priority order violated: %+v", outs)
	}
}

func TestDispatchConcurrentSamePairAtMostOnce(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "task-1", nil)
	msg := f.addMessage(t, "msg-1")
	d := f.dispatcher(fixedDecider{selections: notifyAndSave()})

	start := make(chan struct{})
	outs := make([]dispatch.Outcome, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outs[i], errs[i] = d.DispatchTask(f.Ctx, task, &msg)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	ran := 0
	for _, out := range outs {
		if !out.Skipped {
			ran++
		}
	}
	if ran != 1 {
		t.Fatalf("%d dispatches ran for one (task, message), want 1: %+v", ran, outs)
	}
	execs, err := f.Repo.ListTaskExecutions(f.Ctx, task.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected exactly one execution row, got %d", len(execs))
	}
	got, err := f.Repo.GetTask(f.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 1 {
		t.Fatalf("execution count = %d, want 1", got.ExecutionCount)
	}
}

func TestDispatchDisabledActionRejected(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "task-1", nil)
	msg := f.addMessage(t, "msg-1")
	f.exec(t, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE actions SET is_active=0 WHERE kind='send_notification'`)
		return err
	})
	d := f.dispatcher(fixedDecider{selections: []decider.Selection{
		{Kind: domain.KindSendNotification, Config: map[string]any{"message": "hi", "urgency": "high"}},
	}})

	out, err := d.DispatchTask(f.Ctx, task, &msg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Status != domain.ExecFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	actions, err := f.Repo.ListActionExecutions(f.Ctx, "", out.TaskExecutionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Fatalf("disabled action must not open rows, got %d", len(actions))
	}
	if len(f.Notifier.calls) != 0 {
		t.Fatalf("handler must not run for a disabled action")
	}
}

func TestDispatchNestedTriggerWithFullPool(t *testing.T) {
	f := newFixture(t)
	source := f.addTask(t, "task-source", nil)
	f.addTask(t, "task-target", nil)
	msg := f.addMessage(t, "msg-1")

	tasks := &stubTasks{}
	reg := registry.New(registry.Deps{
		Notifier: f.Notifier,
		Messages: f.Messages,
		Tasks:    tasks,
	})
	d := &dispatch.Dispatcher{
		DB:       f.Conn,
		Repo:     f.Repo,
		Events:   events.Writer{DB: f.Conn},
		Ledger:   ledger.Ledger{},
		Registry: reg,
		Decider: perTaskDecider{byTask: map[string][]decider.Selection{
			"task-source": {{Kind: domain.KindTriggerTask, Config: map[string]any{"task_id": "task-target"}}},
			"task-target": {{Kind: domain.KindSaveMessage, Config: map[string]any{}}},
		}},
		Matcher:       match.Matcher{Repo: f.Repo},
		MaxConcurrent: 1,
	}
	tasks.d = d

	done := make(chan struct{})
	var out dispatch.Outcome
	var derr error
	go func() {
		defer close(done)
		out, derr = d.DispatchTask(f.Ctx, source, &msg)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch blocked with a single worker slot and a nested trigger")
	}
	if derr != nil {
		t.Fatalf("dispatch: %v", derr)
	}
	if out.Status != domain.ExecCompleted {
		t.Fatalf("source execution status = %s, want completed", out.Status)
	}
	targetExecs, err := f.Repo.ListTaskExecutions(f.Ctx, "task-target", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(targetExecs) != 1 || targetExecs[0].Status != domain.ExecCompleted {
		t.Fatalf("triggered task did not run: %+v", targetExecs)
	}
	if len(f.Messages.saved) != 1 {
		t.Fatalf("triggered task's save_message did not run: %v", f.Messages.saved)
	}
}

func TestTriggerTaskRespectsIdempotence(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "task-1", nil)
	msg := f.addMessage(t, "msg-1")
	d := f.dispatcher(fixedDecider{selections: notifyAndSave()})

	msgID := msg.ID
	execID, err := d.TriggerTask(f.Ctx, task.ID, &msgID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if execID == "" {
		t.Fatalf("expected execution id")
	}
	if _, err := d.TriggerTask(f.Ctx, task.ID, &msgID); err == nil {
		t.Fatalf("second trigger for same message should fail")
	}
	// triggering without a message is always allowed
	if _, err := d.TriggerTask(f.Ctx, task.ID, nil); err != nil {
		t.Fatalf("trigger without message: %v", err)
	}
}
