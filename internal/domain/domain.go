package domain

// Task statuses.
const (
	TaskPending   = "pending"
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

// Task priorities, highest first when matching.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Message statuses.
const (
	MessageUnprocessed = "unprocessed"
	MessageProcessing  = "processing"
	MessageProcessed   = "processed"
	MessageFailed      = "failed"
)

// Message priorities as reported by the provider. Distinct from task
// priorities: messages default to normal, tasks to medium.
const (
	MsgPriorityUrgent = "urgent"
	MsgPriorityHigh   = "high"
	MsgPriorityNormal = "normal"
	MsgPriorityLow    = "low"
)

func ValidMessagePriority(p string) bool {
	switch p {
	case MsgPriorityUrgent, MsgPriorityHigh, MsgPriorityNormal, MsgPriorityLow:
		return true
	}
	return false
}

// Execution statuses, shared by task and action executions.
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// Action kinds.
const (
	KindSendNotification = "send_notification"
	KindSaveMessage      = "save_message"
	KindSendEmail        = "send_email"
	KindTriggerTask      = "trigger_task"
	KindUploadContent    = "upload_content"
	KindForwardMessage   = "forward_message"
	KindCreateTask       = "create_task"
	KindSummarizeText    = "summarize_text"
)

// Services a LinkedAccount can point at.
var Services = []string{
	"gmail", "discord", "slack", "teams", "telegram", "whatsapp", "twitter", "linkedin",
}

func ValidService(s string) bool {
	for _, svc := range Services {
		if svc == s {
			return true
		}
	}
	return false
}

type LinkedAccount struct {
	ID                    string  `json:"id"`
	OwnerID               string  `json:"owner_id"`
	Service               string  `json:"service" enum:"gmail,discord,slack,teams,telegram,whatsapp,twitter,linkedin"`
	Identifier            string  `json:"identifier"`
	EncryptedToken        string  `json:"-"`
	EncryptedRefreshToken *string `json:"-"`
	TokenExpiresAt        *string `json:"token_expires_at,omitempty" format:"date-time"`
	IsActive              bool    `json:"is_active"`
	AddedAt               string  `json:"added_at" format:"date-time"`
	LastSyncedAt          *string `json:"last_synced_at,omitempty" format:"date-time"`
}

type Task struct {
	ID             string   `json:"id"`
	OwnerID        string   `json:"owner_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	AIConfigJSON   *string  `json:"ai_config_json,omitempty"`
	Status         string   `json:"status" enum:"pending,active,paused,completed,cancelled"`
	Priority       string   `json:"priority" enum:"low,medium,high,urgent"`
	AccountIDs     []string `json:"account_ids,omitempty"`
	ActionKinds    []string `json:"action_kinds,omitempty"`
	IsActive       bool     `json:"is_active"`
	MaxExecutions  int      `json:"max_executions"`
	ExecutionCount int      `json:"execution_count"`
	LastExecutedAt *string  `json:"last_executed_at,omitempty" format:"date-time"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// CanExecute reports whether the dispatcher may run this task.
func (t Task) CanExecute() bool {
	if !t.IsActive {
		return false
	}
	if t.Status == TaskCompleted || t.Status == TaskCancelled {
		return false
	}
	if t.MaxExecutions > 0 && t.ExecutionCount >= t.MaxExecutions {
		return false
	}
	return true
}

// AllowsKind reports whether kind is in the task's enabled action kinds.
// An empty list enables nothing.
func (t Task) AllowsKind(kind string) bool {
	for _, k := range t.ActionKinds {
		if k == kind {
			return true
		}
	}
	return false
}

type Message struct {
	ID                string  `json:"id"`
	AccountID         string  `json:"account_id"`
	OwnerID           string  `json:"owner_id"`
	Title             string  `json:"title"`
	Content           string  `json:"content"`
	Summary           *string `json:"summary,omitempty"`
	SenderInfoJSON    *string `json:"sender_info_json,omitempty"`
	Status            string  `json:"status" enum:"unprocessed,processing,processed,failed"`
	Priority          string  `json:"priority" enum:"low,normal,high,urgent"`
	ExternalMessageID string  `json:"external_message_id"`
	AIAnalysisJSON    *string `json:"ai_analysis_json,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	ProcessedAt       *string `json:"processed_at,omitempty" format:"date-time"`
}

// Action is a catalog entry. Rows are seeded at provisioning time and are
// immutable at runtime.
type Action struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	Description      string `json:"description,omitempty"`
	RequiresConfig   bool   `json:"requires_config"`
	ConfigSchemaJSON string `json:"config_schema_json"`
	IsActive         bool   `json:"is_active"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type TaskExecution struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	MessageID    *string `json:"message_id,omitempty"`
	Status       string  `json:"status" enum:"pending,running,completed,failed"`
	DecisionJSON *string `json:"decision_json,omitempty"`
	Error        *string `json:"error,omitempty"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type ActionExecution struct {
	ID               string  `json:"id"`
	ActionID         string  `json:"action_id"`
	TaskExecutionID  *string `json:"task_execution_id,omitempty"`
	ExecutorID       string  `json:"executor_id"`
	TriggeringTaskID *string `json:"triggering_task_id,omitempty"`
	Status           string  `json:"status" enum:"pending,running,completed,failed"`
	ConfigJSON       string  `json:"config_json"`
	ResultJSON       *string `json:"result_json,omitempty"`
	Error            *string `json:"error,omitempty"`
	StartedAt        string  `json:"started_at" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
}

// Transition is one append-only ledger row.
type Transition struct {
	ID            int64  `json:"id"`
	ExecutionKind string `json:"execution_kind" enum:"task,action"`
	ExecutionID   string `json:"execution_id"`
	FromStatus    string `json:"from_status"`
	ToStatus      string `json:"to_status"`
	TS            string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
