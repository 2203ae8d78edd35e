// Package ingest is the single entry point for external messages. It
// deduplicates by (account, external id), records the message, and hands it
// to the dispatcher exactly once.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/dispatch"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/repo"
)

type Gate struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Dispatcher *dispatch.Dispatcher
	Logger     *log.Logger
	Now        func() time.Time
}

func (g Gate) now() string {
	if g.Now != nil {
		return g.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Incoming is the raw material for a message. ExternalMessageID is the
// provider's id; two ingests of the same id on the same account collapse
// into one message.
type Incoming struct {
	AccountID         string
	ExternalMessageID string
	Title             string
	Content           string
	Priority          string
	SenderInfoJSON    *string
	// ReceivedAt is the provider's receipt time, RFC3339. Empty means now.
	ReceivedAt string
}

// Result reports what ingestion did.
type Result struct {
	Message   domain.Message
	Duplicate bool
	Outcomes  []dispatch.Outcome
}

// Ingest stores the message and runs matching tasks. A duplicate returns
// the previously stored message without re-dispatching anything.
func (g Gate) Ingest(ctx context.Context, in Incoming) (Result, error) {
	account, err := g.Repo.GetAccount(ctx, in.AccountID)
	if err != nil {
		return Result{}, fmt.Errorf("account %s: %w", in.AccountID, err)
	}
	if !account.IsActive {
		return Result{}, fmt.Errorf("account %s is inactive", in.AccountID)
	}

	now := g.now()
	receivedAt := in.ReceivedAt
	if receivedAt == "" {
		receivedAt = now
	}
	priority := in.Priority
	if priority == "" {
		priority = domain.MsgPriorityNormal
	} else if !domain.ValidMessagePriority(priority) {
		return Result{}, fmt.Errorf("invalid message priority %q", priority)
	}
	msg := domain.Message{
		ID:                uuid.NewString(),
		AccountID:         account.ID,
		OwnerID:           account.OwnerID,
		ExternalMessageID: in.ExternalMessageID,
		Title:             in.Title,
		Content:           in.Content,
		Priority:          priority,
		Status:            domain.MessageUnprocessed,
		SenderInfoJSON:    in.SenderInfoJSON,
		CreatedAt:         receivedAt,
	}

	stored, dup, err := g.store(ctx, msg)
	if err != nil {
		return Result{}, err
	}
	if dup {
		return Result{Message: stored, Duplicate: true}, nil
	}

	outcomes, err := g.process(ctx, stored)
	stored, gerr := g.Repo.GetMessage(ctx, stored.ID)
	if gerr != nil {
		return Result{}, gerr
	}
	return Result{Message: stored, Outcomes: outcomes}, err
}

// store inserts the message, resolving a unique violation to the existing
// row for the same external id.
func (g Gate) store(ctx context.Context, msg domain.Message) (domain.Message, bool, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, false, err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertMessage(ctx, tx, msg); err != nil {
		if repo.IsUniqueViolation(err) {
			// the open tx still holds the write lock; release it before
			// reading the existing row on the pool
			tx.Rollback()
			existing, gerr := g.Repo.GetMessageByExternalID(ctx, msg.AccountID, msg.ExternalMessageID)
			if gerr != nil {
				return domain.Message{}, false, gerr
			}
			return existing, true, nil
		}
		return domain.Message{}, false, err
	}
	if err := g.Events.Append(ctx, tx, "message.ingested", "message", msg.ID, "system", events.EventPayload{
		"account_id":  msg.AccountID,
		"external_id": msg.ExternalMessageID,
	}); err != nil {
		return domain.Message{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, false, err
	}
	return msg, false, nil
}

// process walks the message through processing and records the terminal
// status. A message with no matching tasks still ends up processed; it is
// failed only when dispatch itself errors or every matched execution failed.
func (g Gate) process(ctx context.Context, msg domain.Message) ([]dispatch.Outcome, error) {
	if err := g.setStatus(ctx, msg.ID, domain.MessageProcessing, nil); err != nil {
		return nil, err
	}
	outcomes, derr := g.Dispatcher.DispatchMessage(ctx, msg)
	processedAt := g.now()
	status := domain.MessageProcessed
	if derr != nil || allFailed(outcomes) {
		status = domain.MessageFailed
	}
	if err := g.setStatus(ctx, msg.ID, status, &processedAt); err != nil {
		if g.Logger != nil {
			g.Logger.Printf("ingest: message %s: %v", msg.ID, err)
		}
	}
	return outcomes, derr
}

// allFailed reports whether every execution that actually ran failed.
// Skipped duplicates count neither way.
func allFailed(outcomes []dispatch.Outcome) bool {
	ran := 0
	for _, o := range outcomes {
		if o.Skipped {
			continue
		}
		if o.Status != domain.ExecFailed {
			return false
		}
		ran++
	}
	return ran > 0
}

func (g Gate) setStatus(ctx context.Context, msgID, status string, processedAt *string) error {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := g.Repo.SetMessageStatus(ctx, tx, msgID, status, processedAt); err != nil {
		return err
	}
	return tx.Commit()
}
