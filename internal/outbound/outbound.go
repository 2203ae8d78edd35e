// Package outbound provides the default delivery implementations behind the
// action handlers: notifications land in the audit log, mail goes out over
// SMTP with the linked account's credentials, and uploads land in the
// workspace.
package outbound

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"

	"taskpilot/internal/events"
	"taskpilot/internal/registry"
)

// EventNotifier records notifications as audit events. A delivery channel
// (push, websocket) can read them off the event log.
type EventNotifier struct {
	DB     *sql.DB
	Events events.Writer
	Logger *log.Logger
}

func (n EventNotifier) Notify(ctx context.Context, userID, message, urgency string) error {
	tx, err := n.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := n.Events.Append(ctx, tx, "notification.sent", "user", userID, "system", events.EventPayload{
		"message": message, "urgency": urgency,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if n.Logger != nil {
		n.Logger.Printf("notify %s [%s]: %s", userID, urgency, message)
	}
	return nil
}

// SMTPMailer sends mail through a fixed relay, authenticating with the
// linked account's credentials when present.
type SMTPMailer struct {
	// Addr is host:port of the relay. Empty disables sending.
	Addr string
	From string
}

func (m SMTPMailer) Send(ctx context.Context, cred registry.Credential, to, subject, body string) error {
	if m.Addr == "" {
		return errors.New("smtp relay not configured")
	}
	if to == "" {
		return errors.New("recipient required")
	}
	from := m.From
	if from == "" {
		from = cred.Identifier
	}
	if from == "" {
		return errors.New("sender unknown")
	}
	var auth smtp.Auth
	if cred.Token != "" {
		host := m.Addr
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", cred.Identifier, cred.Token, host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", from, to, subject, body)
	return smtp.SendMail(m.Addr, auth, from, []string{to}, []byte(msg))
}

// FileUploader writes content under a fixed directory. The destination is
// flattened so it cannot escape the directory.
type FileUploader struct {
	Dir string
}

func (u FileUploader) Upload(ctx context.Context, destination, content string) (string, error) {
	if u.Dir == "" {
		return "", errors.New("upload directory not configured")
	}
	name := filepath.Base(filepath.Clean(destination))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid destination %q", destination)
	}
	if err := os.MkdirAll(u.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(u.Dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
