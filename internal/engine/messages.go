package engine

import (
	"context"
	"encoding/json"
	"errors"

	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

// GetMessage returns the message only to its owner.
func (e *Engine) GetMessage(ctx context.Context, ownerID, id string) (domain.Message, error) {
	m, err := e.Repo.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if m.OwnerID != ownerID {
		return domain.Message{}, repo.ErrNotFound
	}
	return m, nil
}

func (e *Engine) ListMessages(ctx context.Context, ownerID string, limit int, cursorCreatedAt, cursorID string) ([]domain.Message, error) {
	return e.Repo.ListMessages(ctx, ownerID, limit, cursorCreatedAt, cursorID)
}

// SummarizeMessage generates and stores a summary on demand.
func (e *Engine) SummarizeMessage(ctx context.Context, ownerID, id string) (domain.Message, error) {
	if e.Summarizer == nil {
		return domain.Message{}, errors.New("summarizer not configured")
	}
	m, err := e.GetMessage(ctx, ownerID, id)
	if err != nil {
		return domain.Message{}, err
	}
	summary, err := e.Summarizer.Summarize(ctx, m.Content)
	if err != nil {
		return domain.Message{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetMessageSummary(ctx, tx, m.ID, summary); err != nil {
		return domain.Message{}, err
	}
	if err := e.Events.Append(ctx, tx, "message.summarized", "message", m.ID, ownerID, nil); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	m.Summary = &summary
	return m, nil
}

// MarkSaved records that a save_message action kept the message. The flag
// is merged into the message's analysis document.
func (e *Engine) MarkSaved(ctx context.Context, messageID string) error {
	m, err := e.Repo.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	analysis := map[string]any{}
	if m.AIAnalysisJSON != nil && *m.AIAnalysisJSON != "" {
		if err := json.Unmarshal([]byte(*m.AIAnalysisJSON), &analysis); err != nil {
			analysis = map[string]any{}
		}
	}
	analysis["saved_at"] = e.ts()
	data, err := json.Marshal(analysis)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetMessageAnalysis(ctx, tx, m.ID, string(data)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "message.saved", "message", m.ID, m.OwnerID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// StoreSummary records the summarize_text action's result on the message.
func (e *Engine) StoreSummary(ctx context.Context, messageID, summary string) error {
	m, err := e.Repo.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetMessageSummary(ctx, tx, m.ID, summary); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "message.summarized", "message", m.ID, m.OwnerID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents exposes the audit trail.
func (e *Engine) ListEvents(ctx context.Context, limit int, entityKind, entityID string) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, limit, entityKind, entityID)
}
