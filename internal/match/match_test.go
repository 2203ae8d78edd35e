package match_test

import (
	"context"
	"database/sql"
	"testing"

	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/match"
	"taskpilot/internal/migrate"
	"taskpilot/internal/repo"
)

const testTS = "2024-01-01T00:00:00Z"

type fixture struct {
	Conn *sql.DB
	Repo repo.Repo
	Ctx  context.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := fixture{Conn: conn, Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
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

func (f fixture) exec(t *testing.T, fn func(tx *sql.Tx) error) {
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

func (f fixture) addTask(t *testing.T, id, priority string, mutate func(*domain.Task)) {
	t.Helper()
	task := domain.Task{
		ID: id, OwnerID: "user-1", Title: id,
		Status: domain.TaskActive, Priority: priority,
		ActionKinds: []string{domain.KindSaveMessage},
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
}

func (f fixture) addMessage(t *testing.T, id, title string) domain.Message {
	t.Helper()
	msg := domain.Message{
		ID: id, AccountID: "acc-1", OwnerID: "user-1",
		Title: title, Content: "body of " + id,
		Status: domain.MessageUnprocessed, Priority: domain.MsgPriorityNormal,
		ExternalMessageID: "ext-" + id, CreatedAt: testTS,
	}
	f.exec(t, func(tx *sql.Tx) error {
		return f.Repo.InsertMessage(f.Ctx, tx, msg)
	})
	return msg
}

func ids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestCandidatesPriorityOrder(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "task-b", domain.PriorityLow, nil)
	f.addTask(t, "task-c", domain.PriorityUrgent, nil)
	f.addTask(t, "task-a", domain.PriorityHigh, nil)
	f.addTask(t, "task-d", domain.PriorityHigh, nil)
	msg := f.addMessage(t, "msg-1", "hello")

	m := match.Matcher{Repo: f.Repo}
	got, err := m.Candidates(f.Ctx, msg)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	want := []string{"task-c", "task-a", "task-d", "task-b"}
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("got %v, want %v", gotIDs, want)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v, want %v", i, gotIDs, want)
		}
	}
}

func TestCandidatesExcludesIneligible(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "task-ok", domain.PriorityMedium, nil)
	f.addTask(t, "task-paused-but-eligible", domain.PriorityMedium, func(tk *domain.Task) {
		tk.Status = domain.TaskPaused
	})
	f.addTask(t, "task-cancelled", domain.PriorityMedium, func(tk *domain.Task) {
		tk.Status = domain.TaskCancelled
	})
	f.addTask(t, "task-inactive", domain.PriorityMedium, func(tk *domain.Task) {
		tk.IsActive = false
	})
	f.addTask(t, "task-exhausted", domain.PriorityMedium, func(tk *domain.Task) {
		tk.MaxExecutions = 2
		tk.ExecutionCount = 2
	})
	msg := f.addMessage(t, "msg-1", "hello")

	m := match.Matcher{Repo: f.Repo}
	got, err := m.Candidates(f.Ctx, msg)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	gotIDs := ids(got)
	if len(gotIDs) != 2 {
		t.Fatalf("expected task-ok and the paused task, got %v", gotIDs)
	}
}

func TestCandidatesSkipsAlreadyExecuted(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "task-1", domain.PriorityMedium, nil)
	msg := f.addMessage(t, "msg-1", "hello")
	f.exec(t, func(tx *sql.Tx) error {
		msgID := msg.ID
		return f.Repo.InsertTaskExecution(f.Ctx, tx, domain.TaskExecution{
			ID: "exec-1", TaskID: "task-1", MessageID: &msgID,
			Status: domain.ExecCompleted, StartedAt: testTS,
		})
	})

	m := match.Matcher{Repo: f.Repo}
	got, err := m.Candidates(f.Ctx, msg)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", ids(got))
	}

	// a different message is still fair game
	other := f.addMessage(t, "msg-2", "hello again")
	got, err = m.Candidates(f.Ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate for fresh message, got %v", ids(got))
	}
}

func TestCandidatesAppliesMatchFilter(t *testing.T) {
	f := newFixture(t)
	filter := `{"match":{"path":"title","contains":"invoice"}}`
	f.addTask(t, "task-filtered", domain.PriorityMedium, func(tk *domain.Task) {
		tk.AIConfigJSON = &filter
	})
	f.addTask(t, "task-open", domain.PriorityMedium, nil)
	broken := `{"match":`
	f.addTask(t, "task-broken", domain.PriorityMedium, func(tk *domain.Task) {
		tk.AIConfigJSON = &broken
	})
	msg := f.addMessage(t, "msg-1", "Your invoice for March")

	m := match.Matcher{Repo: f.Repo}
	got, err := m.Candidates(f.Ctx, msg)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	gotIDs := ids(got)
	if len(gotIDs) != 2 || gotIDs[0] != "task-filtered" || gotIDs[1] != "task-open" {
		t.Fatalf("unexpected candidates %v", gotIDs)
	}

	plain := f.addMessage(t, "msg-2", "lunch?")
	got, err = m.Candidates(f.Ctx, plain)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "task-open" {
		t.Fatalf("filter should reject non-invoice message, got %v", ids(got))
	}
}
