package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/registry"
	"taskpilot/internal/repo"
	"taskpilot/internal/secrets"
)

// encrypt and decrypt refuse to run without a provisioned vault so a missing
// key fails loudly instead of storing plaintext.
func (e *Engine) encrypt(plaintext string) (string, error) {
	if e.Vault == nil {
		return "", secrets.ErrNoKey
	}
	return e.Vault.Encrypt(plaintext)
}

func (e *Engine) decrypt(encoded string) (string, error) {
	if e.Vault == nil {
		return "", secrets.ErrNoKey
	}
	return e.Vault.Decrypt(encoded)
}

// AccountLinkOptions are parameters for linking an external account. Token
// is the plaintext credential; it is encrypted before it touches the
// database and never returned.
type AccountLinkOptions struct {
	OwnerID        string
	Service        string
	Identifier     string
	Token          string
	RefreshToken   string
	TokenExpiresAt string
}

func (e *Engine) LinkAccount(ctx context.Context, opts AccountLinkOptions) (domain.LinkedAccount, error) {
	if opts.OwnerID == "" {
		return domain.LinkedAccount{}, errors.New("owner is required")
	}
	if !domain.ValidService(opts.Service) {
		return domain.LinkedAccount{}, fmt.Errorf("unknown service %q", opts.Service)
	}
	if opts.Identifier == "" {
		return domain.LinkedAccount{}, errors.New("identifier is required")
	}
	if opts.Token == "" {
		return domain.LinkedAccount{}, errors.New("token is required")
	}
	encToken, err := e.encrypt(opts.Token)
	if err != nil {
		return domain.LinkedAccount{}, fmt.Errorf("encrypt token: %w", err)
	}
	a := domain.LinkedAccount{
		ID:             uuid.NewString(),
		OwnerID:        opts.OwnerID,
		Service:        opts.Service,
		Identifier:     opts.Identifier,
		EncryptedToken: encToken,
		IsActive:       true,
		AddedAt:        e.ts(),
	}
	if opts.RefreshToken != "" {
		enc, err := e.encrypt(opts.RefreshToken)
		if err != nil {
			return domain.LinkedAccount{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
		a.EncryptedRefreshToken = &enc
	}
	if opts.TokenExpiresAt != "" {
		a.TokenExpiresAt = &opts.TokenExpiresAt
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LinkedAccount{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, opts.OwnerID, a.AddedAt); err != nil {
		return domain.LinkedAccount{}, err
	}
	if err := e.Repo.InsertAccount(ctx, tx, a); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.LinkedAccount{}, fmt.Errorf("account %s/%s is already linked", opts.Service, opts.Identifier)
		}
		return domain.LinkedAccount{}, err
	}
	if err := e.Events.Append(ctx, tx, "account.linked", "account", a.ID, opts.OwnerID, events.EventPayload{
		"service": a.Service, "identifier": a.Identifier,
	}); err != nil {
		return domain.LinkedAccount{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LinkedAccount{}, err
	}
	return a, nil
}

// GetAccount returns the account only to its owner.
func (e *Engine) GetAccount(ctx context.Context, ownerID, id string) (domain.LinkedAccount, error) {
	a, err := e.Repo.GetAccount(ctx, id)
	if err != nil {
		return domain.LinkedAccount{}, err
	}
	if a.OwnerID != ownerID {
		return domain.LinkedAccount{}, repo.ErrNotFound
	}
	return a, nil
}

func (e *Engine) ListAccounts(ctx context.Context, ownerID string) ([]domain.LinkedAccount, error) {
	return e.Repo.ListAccounts(ctx, ownerID)
}

// AccountUpdateOptions hold the only account fields a caller may change.
// Nil means leave as is.
type AccountUpdateOptions struct {
	Token          *string
	RefreshToken   *string
	TokenExpiresAt *string
	IsActive       *bool
	MarkSynced     bool
}

func (e *Engine) UpdateAccount(ctx context.Context, ownerID, id string, opts AccountUpdateOptions) (domain.LinkedAccount, error) {
	a, err := e.GetAccount(ctx, ownerID, id)
	if err != nil {
		return domain.LinkedAccount{}, err
	}
	changed := map[string]any{}
	if opts.Token != nil {
		enc, err := e.encrypt(*opts.Token)
		if err != nil {
			return domain.LinkedAccount{}, fmt.Errorf("encrypt token: %w", err)
		}
		a.EncryptedToken = enc
		changed["token"] = "rotated"
	}
	if opts.RefreshToken != nil {
		enc, err := e.encrypt(*opts.RefreshToken)
		if err != nil {
			return domain.LinkedAccount{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
		a.EncryptedRefreshToken = &enc
		changed["refresh_token"] = "rotated"
	}
	if opts.TokenExpiresAt != nil {
		a.TokenExpiresAt = opts.TokenExpiresAt
		changed["token_expires_at"] = *opts.TokenExpiresAt
	}
	if opts.IsActive != nil {
		a.IsActive = *opts.IsActive
		changed["is_active"] = *opts.IsActive
	}
	if opts.MarkSynced {
		now := e.ts()
		a.LastSyncedAt = &now
		changed["last_synced_at"] = now
	}
	if len(changed) == 0 {
		return a, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LinkedAccount{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAccount(ctx, tx, a); err != nil {
		return domain.LinkedAccount{}, err
	}
	if err := e.Events.Append(ctx, tx, "account.updated", "account", a.ID, ownerID, events.EventPayload(changed)); err != nil {
		return domain.LinkedAccount{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LinkedAccount{}, err
	}
	return a, nil
}

// UnlinkAccount removes the account. An account with ingested messages is
// deactivated instead so its message history stays intact; tasks that
// monitored it keep running against their remaining accounts.
func (e *Engine) UnlinkAccount(ctx context.Context, ownerID, id string) error {
	a, err := e.GetAccount(ctx, ownerID, id)
	if err != nil {
		return err
	}
	hasMessages, err := e.Repo.AccountHasMessages(ctx, a.ID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if hasMessages {
		a.IsActive = false
		if err := e.Repo.UpdateAccount(ctx, tx, a); err != nil {
			return err
		}
	} else if err := e.Repo.DeleteAccount(ctx, tx, a.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "account.unlinked", "account", a.ID, ownerID, events.EventPayload{
		"service": a.Service, "identifier": a.Identifier, "deactivated": hasMessages,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Credentials decrypts an account's tokens for a handler that talks to the
// external service. Plaintext lives only for the duration of the call.
func (e *Engine) Credentials(ctx context.Context, accountID string) (registry.Credential, error) {
	a, err := e.Repo.GetAccount(ctx, accountID)
	if err != nil {
		return registry.Credential{}, err
	}
	token, err := e.decrypt(a.EncryptedToken)
	if err != nil {
		return registry.Credential{}, fmt.Errorf("decrypt token for %s: %w", accountID, err)
	}
	cred := registry.Credential{
		Service:    a.Service,
		Identifier: a.Identifier,
		Token:      token,
	}
	if a.EncryptedRefreshToken != nil {
		refresh, err := e.decrypt(*a.EncryptedRefreshToken)
		if err != nil {
			return registry.Credential{}, fmt.Errorf("decrypt refresh token for %s: %w", accountID, err)
		}
		cred.RefreshToken = refresh
	}
	return cred, nil
}
