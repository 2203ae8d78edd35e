// Package app assembles the full pipeline: engine, registry, dispatcher and
// ingestion gate, wired against one database connection.
package app

import (
	"database/sql"
	"fmt"
	"log"
	"path/filepath"

	"taskpilot/internal/config"
	"taskpilot/internal/decider"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/engine"
	"taskpilot/internal/ingest"
	"taskpilot/internal/ledger"
	"taskpilot/internal/match"
	"taskpilot/internal/outbound"
	"taskpilot/internal/registry"
	"taskpilot/internal/secrets"
)

type App struct {
	Engine     *engine.Engine
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Gate       *ingest.Gate
}

// Build wires the application against an open database. The encryption key
// is optional here; operations that need it fail with a clear error.
func Build(conn *sql.DB, cfg *config.Config, workspace string, logger *log.Logger) (*App, error) {
	var vault *secrets.Vault
	if key := cfg.EncryptionKey(); key != "" {
		v, err := secrets.New(key)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		vault = v
	}

	eng := engine.New(conn, cfg, vault)
	eng.Logger = logger
	eng.Ledger = ledger.Ledger{}

	var dec decider.Decider = decider.RuleDecider{}
	if cfg.Decider.Mode == config.DeciderLLM {
		llm := decider.NewLLMDecider(cfg.DeciderAPIKey(), cfg.Decider.Model)
		dec = llm
		eng.Summarizer = llm
	}

	reg := registry.New(registry.Deps{
		Notifier:    outbound.EventNotifier{DB: conn, Events: eng.Events, Logger: logger},
		Mailer:      outbound.SMTPMailer{Addr: cfg.SMTP.Addr, From: cfg.SMTP.From},
		Uploader:    outbound.FileUploader{Dir: filepath.Join(workspace, ".taskpilot", "uploads")},
		Summarizer:  eng.Summarizer,
		Credentials: eng,
		Messages:    eng,
		Tasks:       eng,
	})
	eng.Registry = reg

	disp := &dispatch.Dispatcher{
		DB:             conn,
		Repo:           eng.Repo,
		Events:         eng.Events,
		Ledger:         ledger.Ledger{},
		Registry:       reg,
		Decider:        dec,
		Matcher:        match.Matcher{Repo: eng.Repo, Logger: logger},
		Logger:         logger,
		HandlerTimeout: cfg.HandlerTimeout(),
		MaxConcurrent:  cfg.Pipeline.MaxConcurrent,
	}
	eng.Dispatcher = disp

	gate := &ingest.Gate{
		DB:         conn,
		Repo:       eng.Repo,
		Events:     eng.Events,
		Dispatcher: disp,
		Logger:     logger,
	}

	return &App{Engine: eng, Registry: reg, Dispatcher: disp, Gate: gate}, nil
}
