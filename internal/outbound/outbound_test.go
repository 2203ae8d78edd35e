package outbound_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"taskpilot/internal/db"
	"taskpilot/internal/events"
	"taskpilot/internal/migrate"
	"taskpilot/internal/outbound"
	"taskpilot/internal/registry"
	"taskpilot/internal/repo"
)

func TestEventNotifierAppendsEvent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	n := outbound.EventNotifier{DB: conn, Events: events.Writer{DB: conn}}
	if err := n.Notify(context.Background(), "user-1", "backup done", "low"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	r := repo.Repo{DB: conn}
	evts, err := r.ListEvents(context.Background(), 10, "user", "user-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != "notification.sent" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestFileUploader(t *testing.T) {
	dir := t.TempDir()
	u := outbound.FileUploader{Dir: dir}
	location, err := u.Upload(context.Background(), "report.txt", "contents")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "contents" {
		t.Fatalf("content mismatch %q", data)
	}
}

func TestFileUploaderFlattensPath(t *testing.T) {
	dir := t.TempDir()
	u := outbound.FileUploader{Dir: dir}
	location, err := u.Upload(context.Background(), "../../etc/passwd", "x")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if filepath.Dir(location) != dir {
		t.Fatalf("upload escaped directory: %s", location)
	}
	if filepath.Base(location) != "passwd" {
		t.Fatalf("unexpected name %s", location)
	}
}

func TestSMTPMailerRequiresRelay(t *testing.T) {
	m := outbound.SMTPMailer{}
	err := m.Send(context.Background(), registry.Credential{}, "to@example.com", "s", "b")
	if err == nil {
		t.Fatalf("expected error without relay")
	}
}
