// Package registry is the static catalog of action kinds: each kind declares
// a config schema, an execution stage, and a handler. The registry is built
// once at startup and is safe to share read-only across concurrent dispatches.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskpilot/internal/domain"
)

// Stages order execution within one task execution. Parallel-stage actions
// may run concurrently; later stages run sequentially after the parallel
// stage settles (save_message must land before create_task/trigger_task).
const (
	StageParallel = 0
	StageSave     = 1
	StageSpawn    = 2
)

var ErrUnknownKind = errors.New("unknown action kind")

// Config is the decoded per-invocation configuration.
type Config map[string]any

// Result is the handler's payload, persisted on the ActionExecution.
type Result map[string]any

// Invocation carries everything a handler may need.
type Invocation struct {
	Config  Config
	OwnerID string
	Task    *domain.Task
	Message *domain.Message
}

// Handler executes one action kind. Side effects are confined here.
type Handler interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// ExecutionError wraps a handler-level failure. Kind is "handler" or
// "timeout"; the dispatcher records it on the ActionExecution and moves on.
type ExecutionError struct {
	Kind string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func NewExecutionError(err error) *ExecutionError {
	return &ExecutionError{Kind: "handler", Err: err}
}

func NewTimeoutError(err error) *ExecutionError {
	return &ExecutionError{Kind: "timeout", Err: err}
}

// SchemaError reports why a config does not satisfy a kind's schema.
type SchemaError struct {
	ActionKind string
	Missing    []string
	Unexpected []string
	Mismatched map[string]string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing keys: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected keys: "+strings.Join(e.Unexpected, ", "))
	}
	if len(e.Mismatched) > 0 {
		keys := make([]string, 0, len(e.Mismatched))
		for k := range e.Mismatched {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("key %s: %s", k, e.Mismatched[k]))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "invalid config")
	}
	return fmt.Sprintf("config for %s: %s", e.ActionKind, strings.Join(parts, "; "))
}

type entry struct {
	schema  map[string]string
	stage   int
	handler Handler
}

type Registry struct {
	entries map[string]entry
}

// Deps are the collaborators the built-in handlers need.
type Deps struct {
	Notifier    Notifier
	Mailer      Mailer
	Uploader    Uploader
	Summarizer  Summarizer
	Credentials CredentialSource
	Messages    MessageStore
	Tasks       TaskSpawner
}

// New builds the registry with the eight built-in kinds.
func New(deps Deps) *Registry {
	r := &Registry{entries: map[string]entry{}}
	r.register(domain.KindSendNotification, map[string]string{"message": "string", "urgency": "string"}, StageParallel,
		&sendNotificationHandler{notifier: deps.Notifier})
	r.register(domain.KindSaveMessage, map[string]string{}, StageSave,
		&saveMessageHandler{messages: deps.Messages})
	r.register(domain.KindSendEmail, map[string]string{"to": "string", "subject": "string", "body": "string"}, StageParallel,
		&sendEmailHandler{mailer: deps.Mailer, credentials: deps.Credentials})
	r.register(domain.KindTriggerTask, map[string]string{"task_id": "string"}, StageSpawn,
		&triggerTaskHandler{tasks: deps.Tasks})
	r.register(domain.KindUploadContent, map[string]string{"destination": "string", "content": "string"}, StageParallel,
		&uploadContentHandler{uploader: deps.Uploader})
	r.register(domain.KindForwardMessage, map[string]string{"to": "string"}, StageParallel,
		&forwardMessageHandler{mailer: deps.Mailer, credentials: deps.Credentials})
	r.register(domain.KindCreateTask, map[string]string{"title": "string", "prompt": "string"}, StageSpawn,
		&createTaskHandler{tasks: deps.Tasks})
	r.register(domain.KindSummarizeText, map[string]string{}, StageParallel,
		&summarizeTextHandler{summarizer: deps.Summarizer, messages: deps.Messages})
	return r
}

func (r *Registry) register(kind string, schema map[string]string, stage int, h Handler) {
	r.entries[kind] = entry{schema: schema, stage: stage, handler: h}
}

// Lookup returns the handler for a kind.
func (r *Registry) Lookup(kind string) (Handler, error) {
	e, ok := r.entries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return e.handler, nil
}

// Stage returns the execution stage for a kind.
func (r *Registry) Stage(kind string) (int, error) {
	e, ok := r.entries[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return e.stage, nil
}

// Kinds lists registered kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Schema returns the declared key->type schema for a kind.
func (r *Registry) Schema(kind string) (map[string]string, error) {
	e, ok := r.entries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	schema := make(map[string]string, len(e.schema))
	for k, v := range e.schema {
		schema[k] = v
	}
	return schema, nil
}

// ValidateConfig checks config against the kind's declared schema. All keys
// are required; unknown keys and type mismatches are rejected.
func (r *Registry) ValidateConfig(kind string, config Config) error {
	e, ok := r.entries[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	se := &SchemaError{ActionKind: kind, Mismatched: map[string]string{}}
	for key, wantType := range e.schema {
		val, present := config[key]
		if !present {
			se.Missing = append(se.Missing, key)
			continue
		}
		if msg := checkType(val, wantType); msg != "" {
			se.Mismatched[key] = msg
		}
	}
	for key := range config {
		if _, known := e.schema[key]; !known {
			se.Unexpected = append(se.Unexpected, key)
		}
	}
	sort.Strings(se.Missing)
	sort.Strings(se.Unexpected)
	if len(se.Missing) > 0 || len(se.Unexpected) > 0 || len(se.Mismatched) > 0 {
		return se
	}
	return nil
}

func checkType(val any, wantType string) string {
	switch wantType {
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Sprintf("expected string, got %T", val)
		}
	case "integer":
		f, ok := val.(float64)
		if !ok {
			if _, isInt := val.(int); isInt {
				return ""
			}
			return fmt.Sprintf("expected integer, got %T", val)
		}
		if f != float64(int64(f)) {
			return "expected integer, got fractional number"
		}
	case "number":
		switch val.(type) {
		case float64, int:
		default:
			return fmt.Sprintf("expected number, got %T", val)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", val)
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Sprintf("expected object, got %T", val)
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Sprintf("expected array, got %T", val)
		}
	default:
		return fmt.Sprintf("unknown schema type %q", wantType)
	}
	return ""
}
