package ingest_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"taskpilot/internal/db"
	"taskpilot/internal/decider"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/ingest"
	"taskpilot/internal/ledger"
	"taskpilot/internal/match"
	"taskpilot/internal/migrate"
	"taskpilot/internal/registry"
	"taskpilot/internal/repo"
)

const testTS = "2024-01-01T00:00:00Z"

type recordingStore struct {
	saved []string
}

func (s *recordingStore) MarkSaved(ctx context.Context, messageID string) error {
	s.saved = append(s.saved, messageID)
	return nil
}

func (s *recordingStore) StoreSummary(ctx context.Context, messageID, summary string) error {
	return nil
}

type env struct {
	Conn  *sql.DB
	Repo  repo.Repo
	Gate  ingest.Gate
	Store *recordingStore
	Ctx   context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	store := &recordingStore{}
	disp := &dispatch.Dispatcher{
		DB:       conn,
		Repo:     r,
		Events:   events.Writer{DB: conn},
		Ledger:   ledger.Ledger{},
		Registry: registry.New(registry.Deps{Messages: store}),
		Decider:  decider.RuleDecider{},
		Matcher:  match.Matcher{Repo: r},
	}
	e := &env{
		Conn:  conn,
		Repo:  r,
		Store: store,
		Ctx:   context.Background(),
		Gate: ingest.Gate{
			DB:         conn,
			Repo:       r,
			Events:     events.Writer{DB: conn},
			Dispatcher: disp,
		},
	}
	e.exec(t, func(tx *sql.Tx) error {
		if err := r.EnsureUser(e.Ctx, tx, "user-1", testTS); err != nil {
			return err
		}
		return r.InsertAccount(e.Ctx, tx, domain.LinkedAccount{
			ID: "acc-1", OwnerID: "user-1", Service: "gmail", Identifier: "me@example.com",
			EncryptedToken: "tok", IsActive: true, AddedAt: testTS,
		})
	})
	return e
}

func (e *env) exec(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := e.Conn.BeginTx(e.Ctx, nil)
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

func (e *env) addSaveTask(t *testing.T, id string) {
	t.Helper()
	cfg := `{"rules":[{"action":"save_message"}]}`
	task := domain.Task{
		ID: id, OwnerID: "user-1", Title: id,
		Status: domain.TaskActive, Priority: domain.PriorityMedium,
		AIConfigJSON: &cfg,
		ActionKinds:  []string{domain.KindSaveMessage},
		IsActive:     true, CreatedAt: testTS, UpdatedAt: testTS,
	}
	e.exec(t, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTask(e.Ctx, tx, task); err != nil {
			return err
		}
		return e.Repo.SetTaskAccounts(e.Ctx, tx, id, []string{"acc-1"})
	})
}

func TestIngestRunsMatchingTasks(t *testing.T) {
	e := newEnv(t)
	e.addSaveTask(t, "task-1")

	res, err := e.Gate.Ingest(e.Ctx, ingest.Incoming{
		AccountID:         "acc-1",
		ExternalMessageID: "ext-1",
		Title:             "Invoice due",
		Content:           "Pay by Friday",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("first ingest marked duplicate")
	}
	if res.Message.Status != domain.MessageProcessed {
		t.Fatalf("message status = %s, want processed", res.Message.Status)
	}
	if res.Message.ProcessedAt == nil {
		t.Fatalf("processed_at not stamped")
	}
	if res.Message.Priority != domain.MsgPriorityNormal {
		t.Fatalf("default priority not applied: %s", res.Message.Priority)
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Status != domain.ExecCompleted {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}
	if len(e.Store.saved) != 1 || e.Store.saved[0] != res.Message.ID {
		t.Fatalf("save_message did not run: %v", e.Store.saved)
	}
}

func TestIngestDeduplicatesByExternalID(t *testing.T) {
	e := newEnv(t)
	e.addSaveTask(t, "task-1")

	in := ingest.Incoming{
		AccountID:         "acc-1",
		ExternalMessageID: "ext-dup",
		Title:             "hello",
		Content:           "first delivery",
	}
	first, err := e.Gate.Ingest(e.Ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	in.Content = "second delivery of the same provider message"
	second, err := e.Gate.Ingest(e.Ctx, in)
	if err != nil {
		t.Fatalf("duplicate ingest should not error: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected duplicate result")
	}
	if second.Message.ID != first.Message.ID {
		t.Fatalf("duplicate returned a different message")
	}
	if second.Message.Content != "first delivery" {
		t.Fatalf("duplicate overwrote content: %q", second.Message.Content)
	}
	if len(second.Outcomes) != 0 {
		t.Fatalf("duplicate must not re-dispatch: %+v", second.Outcomes)
	}
	execs, err := e.Repo.ListTaskExecutions(e.Ctx, "task-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution after duplicate ingest, got %d", len(execs))
	}
	var count int
	row := e.Conn.QueryRow(`SELECT count(*) FROM messages WHERE account_id='acc-1'`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored message, got %d", count)
	}
}

func TestIngestZeroMatchStillProcessed(t *testing.T) {
	e := newEnv(t)
	res, err := e.Gate.Ingest(e.Ctx, ingest.Incoming{
		AccountID:         "acc-1",
		ExternalMessageID: "ext-1",
		Title:             "no tasks exist",
		Content:           "n/a",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Message.Status != domain.MessageProcessed {
		t.Fatalf("status = %s, want processed", res.Message.Status)
	}
	if len(res.Outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %+v", res.Outcomes)
	}
}

func TestIngestRejectsInactiveAccount(t *testing.T) {
	e := newEnv(t)
	e.exec(t, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE linked_accounts SET is_active=0 WHERE id='acc-1'`)
		return err
	})
	_, err := e.Gate.Ingest(e.Ctx, ingest.Incoming{
		AccountID:         "acc-1",
		ExternalMessageID: "ext-1",
		Title:             "t",
		Content:           "c",
	})
	if err == nil || !strings.Contains(err.Error(), "inactive") {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestIngestUnknownAccount(t *testing.T) {
	e := newEnv(t)
	_, err := e.Gate.Ingest(e.Ctx, ingest.Incoming{
		AccountID:         "acc-missing",
		ExternalMessageID: "ext-1",
		Title:             "t",
		Content:           "c",
	})
	if err == nil {
		t.Fatalf("expected error for unknown account")
	}
}

func TestIngestCarriesReceivedAt(t *testing.T) {
	e := newEnv(t)
	res, err := e.Gate.Ingest(e.Ctx, ingest.Incoming{
		AccountID:         "acc-1",
		ExternalMessageID: "ext-1",
		Title:             "t",
		Content:           "c",
		Priority:          domain.MsgPriorityUrgent,
		ReceivedAt:        "2023-06-15T12:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.CreatedAt != "2023-06-15T12:00:00Z" {
		t.Fatalf("received_at not carried: %s", res.Message.CreatedAt)
	}
	if res.Message.Priority != domain.MsgPriorityUrgent {
		t.Fatalf("priority not carried: %s", res.Message.Priority)
	}
}

func TestIngestRejectsUnknownPriority(t *testing.T) {
	e := newEnv(t)
	_, err := e.Gate.Ingest(e.Ctx, ingest.Incoming{
		AccountID:         "acc-1",
		ExternalMessageID: "ext-1",
		Title:             "t",
		Content:           "c",
		Priority:          "medium",
	})
	if err == nil || !strings.Contains(err.Error(), "priority") {
		t.Fatalf("expected priority error, got %v", err)
	}
}

func TestIngestMarksMessageFailedWhenAllMatchesFail(t *testing.T) {
	e := newEnv(t)
	// the test registry has no notifier wired, so this action always fails
	cfg := `{"rules":[{"action":"send_notification","config":{"message":"ping","urgency":"high"}}]}`
	task := domain.Task{
		ID: "task-1", OwnerID: "user-1", Title: "task-1",
		Status: domain.TaskActive, Priority: domain.PriorityMedium,
		AIConfigJSON: &cfg,
		ActionKinds:  []string{domain.KindSendNotification},
		IsActive:     true, CreatedAt: testTS, UpdatedAt: testTS,
	}
	e.exec(t, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTask(e.Ctx, tx, task); err != nil {
			return err
		}
		return e.Repo.SetTaskAccounts(e.Ctx, tx, task.ID, []string{"acc-1"})
	})

	res, err := e.Gate.Ingest(e.Ctx, ingest.Incoming{
		AccountID:         "acc-1",
		ExternalMessageID: "ext-1",
		Title:             "t",
		Content:           "c",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Status != domain.ExecFailed {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}
	if res.Message.Status != domain.MessageFailed {
		t.Fatalf("message status = %s, want failed", res.Message.Status)
	}
	if res.Message.ProcessedAt == nil {
		t.Fatalf("processed_at not stamped on failed message")
	}
}
