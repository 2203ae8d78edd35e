// Package engine holds the application operations behind both the HTTP API
// and the CLI. Every mutation runs in one transaction and appends an audit
// event before committing.
package engine

import (
	"context"
	"database/sql"
	"log"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/events"
	"taskpilot/internal/ledger"
	"taskpilot/internal/registry"
	"taskpilot/internal/repo"
	"taskpilot/internal/secrets"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Ledger   ledger.Ledger
	Vault    *secrets.Vault
	Registry *registry.Registry
	Config   *config.Config
	Logger   *log.Logger
	Now      func() time.Time

	// Dispatcher handles trigger_task re-dispatch. Set after construction
	// because the dispatcher's registry handlers point back at the engine.
	Dispatcher *dispatch.Dispatcher

	// Summarizer backs summarize_text and message summaries. Nil disables
	// both operations.
	Summarizer registry.Summarizer
}

func New(db *sql.DB, cfg *config.Config, vault *secrets.Vault) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Vault:  vault,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// Status is the workspace summary shown by the status command and endpoint.
type Status struct {
	Accounts      int            `json:"accounts"`
	ActiveTasks   int            `json:"active_tasks"`
	TotalTasks    int            `json:"total_tasks"`
	MessageCounts map[string]int `json:"message_counts"`
}

func (e *Engine) Status(ctx context.Context, ownerID string) (Status, error) {
	var s Status
	accounts, err := e.Repo.ListAccounts(ctx, ownerID)
	if err != nil {
		return s, err
	}
	s.Accounts = len(accounts)
	tasks, err := e.Repo.ListTasks(ctx, ownerID)
	if err != nil {
		return s, err
	}
	s.TotalTasks = len(tasks)
	for _, t := range tasks {
		if t.CanExecute() {
			s.ActiveTasks++
		}
	}
	s.MessageCounts, err = e.Repo.CountMessages(ctx, ownerID)
	return s, err
}
