package server

import (
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/ingest"
)

// Request payloads

type LinkAccountRequest struct {
	Service        string  `json:"service" enum:"gmail,discord,slack,teams,telegram,whatsapp,twitter,linkedin"`
	Identifier     string  `json:"identifier"`
	Token          string  `json:"token"`
	RefreshToken   *string `json:"refresh_token,omitempty"`
	TokenExpiresAt *string `json:"token_expires_at,omitempty" format:"date-time"`
}

type UpdateAccountRequest struct {
	Token          *string `json:"token,omitempty"`
	RefreshToken   *string `json:"refresh_token,omitempty"`
	TokenExpiresAt *string `json:"token_expires_at,omitempty" format:"date-time"`
	IsActive       *bool   `json:"is_active,omitempty"`
	MarkSynced     bool    `json:"mark_synced,omitempty"`
}

type CreateTaskRequest struct {
	Title         string   `json:"title"`
	Description   *string  `json:"description,omitempty"`
	Prompt        *string  `json:"prompt,omitempty"`
	AIConfig      *string  `json:"ai_config,omitempty"`
	Priority      *string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	ActionKinds   []string `json:"action_kinds"`
	AccountIDs    []string `json:"account_ids,omitempty"`
	MaxExecutions *int     `json:"max_executions,omitempty"`
}

type UpdateTaskRequest struct {
	Title         *string  `json:"title,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Prompt        *string  `json:"prompt,omitempty"`
	AIConfig      *string  `json:"ai_config,omitempty"`
	Priority      *string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	ActionKinds   []string `json:"action_kinds,omitempty"`
	AccountIDs    []string `json:"account_ids,omitempty"`
	MaxExecutions *int     `json:"max_executions,omitempty"`
	IsActive      *bool    `json:"is_active,omitempty"`
}

type IngestMessageRequest struct {
	AccountID         string  `json:"account_id"`
	ExternalMessageID string  `json:"external_message_id"`
	Title             string  `json:"title"`
	Content           string  `json:"content"`
	Priority          *string `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	SenderInfo        *string `json:"sender_info,omitempty"`
	ReceivedAt        *string `json:"received_at,omitempty" format:"date-time"`
}

type ExecuteActionRequest struct {
	Kind      string         `json:"kind"`
	Config    map[string]any `json:"config,omitempty" jsonschema:"type=object,additionalProperties=true"`
	MessageID *string        `json:"message_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Responses

type AccountResponse struct {
	ID             string  `json:"id"`
	Service        string  `json:"service"`
	Identifier     string  `json:"identifier"`
	TokenExpiresAt *string `json:"token_expires_at,omitempty" format:"date-time"`
	IsActive       bool    `json:"is_active"`
	AddedAt        string  `json:"added_at" format:"date-time"`
	LastSyncedAt   *string `json:"last_synced_at,omitempty" format:"date-time"`
}

func accountResponse(a domain.LinkedAccount) AccountResponse {
	return AccountResponse{
		ID:             a.ID,
		Service:        a.Service,
		Identifier:     a.Identifier,
		TokenExpiresAt: a.TokenExpiresAt,
		IsActive:       a.IsActive,
		AddedAt:        a.AddedAt,
		LastSyncedAt:   a.LastSyncedAt,
	}
}

func mapAccounts(items []domain.LinkedAccount) []AccountResponse {
	out := make([]AccountResponse, 0, len(items))
	for _, a := range items {
		out = append(out, accountResponse(a))
	}
	return out
}

type IngestResponse struct {
	Message   domain.Message `json:"message"`
	Duplicate bool           `json:"duplicate"`
	Outcomes  []OutcomeView  `json:"outcomes,omitempty"`
}

type OutcomeView struct {
	TaskID          string `json:"task_id"`
	TaskExecutionID string `json:"task_execution_id,omitempty"`
	Status          string `json:"status,omitempty"`
	Skipped         bool   `json:"skipped,omitempty"`
}

func ingestResponse(res ingest.Result) IngestResponse {
	out := IngestResponse{Message: res.Message, Duplicate: res.Duplicate}
	for _, o := range res.Outcomes {
		out.Outcomes = append(out.Outcomes, OutcomeView{
			TaskID:          o.TaskID,
			TaskExecutionID: o.TaskExecutionID,
			Status:          o.Status,
			Skipped:         o.Skipped,
		})
	}
	return out
}

type ExecutionDetailResponse struct {
	Execution   domain.TaskExecution     `json:"execution"`
	Actions     []domain.ActionExecution `json:"actions,omitempty"`
	Transitions []domain.Transition      `json:"transitions,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present right after creation.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt, Key: plaintext}
}

type StatusResponse struct {
	Status    engine.Status `json:"status"`
	Workspace string        `json:"workspace,omitempty"`
}
