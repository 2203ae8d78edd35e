package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/ingest"
	"taskpilot/internal/migrate"
	"taskpilot/internal/registry"
	"taskpilot/internal/repo"
	"taskpilot/internal/secrets"
)

type testEnv struct {
	App *app.App
	Ctx context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKPILOT_ENCRYPTION_KEY", key)

	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a, err := app.Build(conn, config.Default(), workspace, nil)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	a.Engine.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{App: a, Ctx: context.Background()}
}

func (env testEnv) linkAccount(t *testing.T, owner string) domain.LinkedAccount {
	t.Helper()
	a, err := env.App.Engine.LinkAccount(env.Ctx, engine.AccountLinkOptions{
		OwnerID:      owner,
		Service:      "gmail",
		Identifier:   owner + "@example.com",
		Token:        "access-token",
		RefreshToken: "refresh-token",
	})
	if err != nil {
		t.Fatalf("link account: %v", err)
	}
	return a
}

func TestLinkAccountEncryptsTokens(t *testing.T) {
	env := newTestEnv(t)
	a := env.linkAccount(t, "user-1")
	if a.EncryptedToken == "access-token" {
		t.Fatalf("token stored in plaintext")
	}
	cred, err := env.App.Engine.Credentials(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if cred.Token != "access-token" || cred.RefreshToken != "refresh-token" {
		t.Fatalf("credentials not decrypted: %+v", cred)
	}
	if cred.Service != "gmail" {
		t.Fatalf("unexpected service %q", cred.Service)
	}
}

func TestLinkAccountDuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	env.linkAccount(t, "user-1")
	_, err := env.App.Engine.LinkAccount(env.Ctx, engine.AccountLinkOptions{
		OwnerID:    "user-1",
		Service:    "gmail",
		Identifier: "user-1@example.com",
		Token:      "another-token",
	})
	if err == nil || !strings.Contains(err.Error(), "already linked") {
		t.Fatalf("expected already linked error, got %v", err)
	}
}

func TestAccountOwnerScoping(t *testing.T) {
	env := newTestEnv(t)
	a := env.linkAccount(t, "user-1")
	if _, err := env.App.Engine.GetAccount(env.Ctx, "user-2", a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for foreign owner, got %v", err)
	}
	if _, err := env.App.Engine.GetAccount(env.Ctx, "user-1", a.ID); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
}

func TestUnlinkAccount(t *testing.T) {
	env := newTestEnv(t)
	a := env.linkAccount(t, "user-1")
	if err := env.App.Engine.UnlinkAccount(env.Ctx, "user-1", a.ID); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := env.App.Engine.GetAccount(env.Ctx, "user-1", a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("account without messages should be deleted, got %v", err)
	}
}

func TestUnlinkAccountWithMessagesDeactivates(t *testing.T) {
	env := newTestEnv(t)
	a := env.linkAccount(t, "user-1")
	if _, err := env.App.Gate.Ingest(env.Ctx, ingest.Incoming{
		AccountID:         a.ID,
		ExternalMessageID: "ext-1",
		Title:             "keep me",
		Content:           "history",
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := env.App.Engine.UnlinkAccount(env.Ctx, "user-1", a.ID); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	got, err := env.App.Engine.GetAccount(env.Ctx, "user-1", a.ID)
	if err != nil {
		t.Fatalf("account with messages must survive unlink: %v", err)
	}
	if got.IsActive {
		t.Fatalf("account should be deactivated")
	}
}

func TestCreateTaskValidations(t *testing.T) {
	env := newTestEnv(t)
	a := env.linkAccount(t, "user-1")

	_, err := env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "user-1", Title: "t", ActionKinds: []string{"launch_rocket"},
	})
	if !errors.Is(err, registry.ErrUnknownKind) {
		t.Fatalf("expected unknown kind error, got %v", err)
	}

	_, err = env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "user-1", Title: "t",
		ActionKinds: []string{domain.KindSaveMessage},
		AccountIDs:  []string{"acc-missing"},
	})
	if err == nil {
		t.Fatalf("expected unknown account error")
	}

	_, err = env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "user-1", Title: "t",
		ActionKinds: []string{domain.KindSaveMessage},
		Priority:    "extreme",
	})
	if err == nil {
		t.Fatalf("expected unknown priority error")
	}

	_, err = env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "user-1", Title: "t",
		ActionKinds:  []string{domain.KindSaveMessage},
		AIConfigJSON: `[1,2,3]`,
	})
	if err == nil {
		t.Fatalf("expected ai_config object error")
	}

	task, err := env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID:     "user-1",
		Title:       "watch inbox",
		ActionKinds: []string{domain.KindSaveMessage, domain.KindSendNotification},
		AccountIDs:  []string{a.ID},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != domain.TaskActive || !task.IsActive {
		t.Fatalf("new task should be active: %+v", task)
	}
	if task.Priority != domain.PriorityMedium {
		t.Fatalf("default priority not applied: %s", task.Priority)
	}
}

func TestTaskPauseResume(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "user-1", Title: "t", ActionKinds: []string{domain.KindSaveMessage},
	})
	if err != nil {
		t.Fatal(err)
	}
	paused, err := env.App.Engine.PauseTask(env.Ctx, "user-1", task.ID)
	if err != nil || paused.Status != domain.TaskPaused {
		t.Fatalf("pause: %v (%+v)", err, paused)
	}
	// pausing a paused task is not a legal move
	if _, err := env.App.Engine.PauseTask(env.Ctx, "user-1", task.ID); err == nil {
		t.Fatalf("expected transition error")
	}
	resumed, err := env.App.Engine.ResumeTask(env.Ctx, "user-1", task.ID)
	if err != nil || resumed.Status != domain.TaskActive {
		t.Fatalf("resume: %v (%+v)", err, resumed)
	}
}

func TestUpdateTask(t *testing.T) {
	env := newTestEnv(t)
	cfg := `{"rules":[{"action":"save_message"}]}`
	task, err := env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "user-1", Title: "before", AIConfigJSON: cfg,
		ActionKinds: []string{domain.KindSaveMessage},
	})
	if err != nil {
		t.Fatal(err)
	}

	title := "after"
	priority := domain.PriorityUrgent
	updated, err := env.App.Engine.UpdateTask(env.Ctx, "user-1", task.ID, engine.TaskUpdateOptions{
		Title:    &title,
		Priority: &priority,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "after" || updated.Priority != domain.PriorityUrgent {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.AIConfigJSON == nil {
		t.Fatalf("untouched ai_config lost")
	}

	empty := ""
	updated, err = env.App.Engine.UpdateTask(env.Ctx, "user-1", task.ID, engine.TaskUpdateOptions{
		AIConfigJSON: &empty,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.AIConfigJSON != nil {
		t.Fatalf("empty string should clear ai_config")
	}

	bad := "extreme"
	if _, err := env.App.Engine.UpdateTask(env.Ctx, "user-1", task.ID, engine.TaskUpdateOptions{Priority: &bad}); err == nil {
		t.Fatalf("expected priority validation error")
	}
}

func TestDeleteTaskWithHistoryCancels(t *testing.T) {
	env := newTestEnv(t)
	a := env.linkAccount(t, "user-1")
	cfg := `{"rules":[{"action":"save_message"}]}`
	task, err := env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "user-1", Title: "t", AIConfigJSON: cfg,
		ActionKinds: []string{domain.KindSaveMessage},
		AccountIDs:  []string{a.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.App.Gate.Ingest(env.Ctx, ingest.Incoming{
		AccountID: a.ID, ExternalMessageID: "ext-1", Title: "m", Content: "c",
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.App.Engine.DeleteTask(env.Ctx, "user-1", task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := env.App.Engine.GetTask(env.Ctx, "user-1", task.ID)
	if err != nil {
		t.Fatalf("task with history must survive delete: %v", err)
	}
	if got.Status != domain.TaskCancelled || got.IsActive {
		t.Fatalf("expected cancelled+inactive, got %+v", got)
	}
	execs, err := env.App.Engine.ListExecutions(env.Ctx, "user-1", task.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("execution history lost")
	}
}

func TestDeleteTaskWithoutHistoryRemoves(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "user-1", Title: "t", ActionKinds: []string{domain.KindSaveMessage},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.App.Engine.DeleteTask(env.Ctx, "user-1", task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.App.Engine.GetTask(env.Ctx, "user-1", task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected hard delete, got %v", err)
	}
}

func TestExecuteActionSchemaFailureLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.App.Engine.ExecuteAction(env.Ctx, engine.ExecuteActionOptions{
		ExecutorID: "user-1",
		Kind:       domain.KindSendNotification,
		Config:     registry.Config{"message": "hi"}, // urgency missing
	})
	var se *registry.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	rows, err := env.App.Engine.ListActionExecutions(env.Ctx, "user-1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("schema failure must leave no rows, got %d", len(rows))
	}
}

func TestExecuteActionNotification(t *testing.T) {
	env := newTestEnv(t)
	exec, err := env.App.Engine.ExecuteAction(env.Ctx, engine.ExecuteActionOptions{
		ExecutorID: "user-1",
		Kind:       domain.KindSendNotification,
		Config:     registry.Config{"message": "deploy finished", "urgency": "low"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != domain.ExecCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if exec.ResultJSON == nil {
		t.Fatalf("result not recorded")
	}
	transitions, err := env.App.Engine.Repo.ListTransitions(env.Ctx, "action", exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 2 {
		t.Fatalf("expected pending->running->completed, got %d transitions", len(transitions))
	}
}

func TestExecuteActionUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.App.Engine.ExecuteAction(env.Ctx, engine.ExecuteActionOptions{
		ExecutorID: "user-1",
		Kind:       "launch_rocket",
		Config:     registry.Config{},
	})
	if !errors.Is(err, registry.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, plaintext, err := env.App.Engine.CreateAPIKey(env.Ctx, "user-1", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if !strings.HasPrefix(plaintext, "tp_") {
		t.Fatalf("unexpected key format %q", plaintext)
	}
	if key.KeyHash == plaintext {
		t.Fatalf("key stored unhashed")
	}
	got, err := env.App.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plaintext))
	if err != nil {
		t.Fatalf("hash lookup: %v", err)
	}
	if got.UserID != "user-1" {
		t.Fatalf("wrong owner %q", got.UserID)
	}

	if err := env.App.Engine.DeleteAPIKey(env.Ctx, "user-2", key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign delete should be not found, got %v", err)
	}
	if err := env.App.Engine.DeleteAPIKey(env.Ctx, "user-1", key.ID); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	keys, err := env.App.Engine.ListAPIKeys(env.Ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("key not deleted")
	}
}

func TestStatusSummary(t *testing.T) {
	env := newTestEnv(t)
	a := env.linkAccount(t, "user-1")
	if _, err := env.App.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "user-1", Title: "t", ActionKinds: []string{domain.KindSaveMessage},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.App.Gate.Ingest(env.Ctx, ingest.Incoming{
		AccountID: a.ID, ExternalMessageID: "ext-1", Title: "m", Content: "c",
	}); err != nil {
		t.Fatal(err)
	}
	s, err := env.App.Engine.Status(env.Ctx, "user-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Accounts != 1 || s.TotalTasks != 1 || s.ActiveTasks != 1 {
		t.Fatalf("unexpected status %+v", s)
	}
	if s.MessageCounts[domain.MessageProcessed] != 1 {
		t.Fatalf("message counts %+v", s.MessageCounts)
	}
}
