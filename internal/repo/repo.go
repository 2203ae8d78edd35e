package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskpilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer lets helpers run against either the pool or an open transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) on(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// EnsureUser inserts the user row if it does not exist.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID, now string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user_id required")
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

const accountColumns = `id, owner_id, service, identifier, encrypted_token, encrypted_refresh_token, token_expires_at, is_active, added_at, last_synced_at`

func scanAccount(scan func(dest ...any) error) (domain.LinkedAccount, error) {
	var a domain.LinkedAccount
	var refresh, expires, synced sql.NullString
	var active int
	err := scan(&a.ID, &a.OwnerID, &a.Service, &a.Identifier, &a.EncryptedToken, &refresh, &expires, &active, &a.AddedAt, &synced)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.EncryptedRefreshToken = ptrFromNull(refresh)
	a.TokenExpiresAt = ptrFromNull(expires)
	a.LastSyncedAt = ptrFromNull(synced)
	a.IsActive = active != 0
	return a, nil
}

func (r Repo) InsertAccount(ctx context.Context, tx *sql.Tx, a domain.LinkedAccount) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO linked_accounts(`+accountColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, a.Service, a.Identifier, a.EncryptedToken, nullablePtr(a.EncryptedRefreshToken),
		nullablePtr(a.TokenExpiresAt), boolInt(a.IsActive), a.AddedAt, nullablePtr(a.LastSyncedAt))
	return err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.LinkedAccount, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM linked_accounts WHERE id=?`, id)
	return scanAccount(row.Scan)
}

func (r Repo) ListAccounts(ctx context.Context, ownerID string) ([]domain.LinkedAccount, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM linked_accounts WHERE owner_id=? ORDER BY added_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LinkedAccount
	for rows.Next() {
		a, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAccount(ctx context.Context, tx *sql.Tx, a domain.LinkedAccount) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE linked_accounts SET encrypted_token=?, encrypted_refresh_token=?, token_expires_at=?, is_active=?, last_synced_at=? WHERE id=?`,
		a.EncryptedToken, nullablePtr(a.EncryptedRefreshToken), nullablePtr(a.TokenExpiresAt), boolInt(a.IsActive), nullablePtr(a.LastSyncedAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AccountHasMessages reports whether any ingested message references the
// account. Such accounts are deactivated instead of deleted.
func (r Repo) AccountHasMessages(ctx context.Context, accountID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE account_id=?`, accountID).Scan(&n)
	return n > 0, err
}

func (r Repo) DeleteAccount(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM linked_accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const actionColumns = `id, name, kind, description, requires_config, config_schema_json, is_active, created_at`

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var desc sql.NullString
	var requires, active int
	err := scan(&a.ID, &a.Name, &a.Kind, &desc, &requires, &a.ConfigSchemaJSON, &active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if desc.Valid {
		a.Description = desc.String
	}
	a.RequiresConfig = requires != 0
	a.IsActive = active != 0
	return a, nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) GetActionByKind(ctx context.Context, kind string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE kind=? AND is_active=1 LIMIT 1`, kind)
	return scanAction(row.Scan)
}

func (r Repo) ListActions(ctx context.Context, activeOnly bool) ([]domain.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
