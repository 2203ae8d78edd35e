package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskpilot/internal/domain"
)

const messageColumns = `id, account_id, owner_id, title, content, summary, sender_info_json, status, priority, external_message_id, ai_analysis_json, created_at, processed_at`

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var summary, sender, analysis, processed sql.NullString
	err := scan(&m.ID, &m.AccountID, &m.OwnerID, &m.Title, &m.Content, &summary, &sender,
		&m.Status, &m.Priority, &m.ExternalMessageID, &analysis, &m.CreatedAt, &processed)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Summary = ptrFromNull(summary)
	m.SenderInfoJSON = ptrFromNull(sender)
	m.AIAnalysisJSON = ptrFromNull(analysis)
	m.ProcessedAt = ptrFromNull(processed)
	return m, nil
}

// IsUniqueViolation reports whether err is a sqlite unique-constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO messages(`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.AccountID, m.OwnerID, m.Title, m.Content, nullablePtr(m.Summary), nullablePtr(m.SenderInfoJSON),
		m.Status, m.Priority, m.ExternalMessageID, nullablePtr(m.AIAnalysisJSON), m.CreatedAt, nullablePtr(m.ProcessedAt))
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id)
	return scanMessage(row.Scan)
}

// GetMessageByExternalID looks a message up by its ingestion idempotence key.
func (r Repo) GetMessageByExternalID(ctx context.Context, accountID, externalID string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE account_id=? AND external_message_id=?`, accountID, externalID)
	return scanMessage(row.Scan)
}

func (r Repo) ListMessages(ctx context.Context, ownerID string, limit int, cursorCreatedAt, cursorID string) ([]domain.Message, error) {
	clauses := []string{"owner_id=?"}
	args := []any{ownerID}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) SetMessageStatus(ctx context.Context, tx *sql.Tx, id, status string, processedAt *string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE messages SET status=?, processed_at=? WHERE id=?`,
		status, nullablePtr(processedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetMessageSummary(ctx context.Context, tx *sql.Tx, id, summary string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE messages SET summary=? WHERE id=?`, summary, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetMessageAnalysis(ctx context.Context, tx *sql.Tx, id, analysisJSON string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE messages SET ai_analysis_json=? WHERE id=?`, analysisJSON, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountMessages(ctx context.Context, ownerID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages WHERE owner_id=? GROUP BY status`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
