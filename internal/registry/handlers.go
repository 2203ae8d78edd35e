package registry

import (
	"context"
	"errors"
	"fmt"
)

// Credential is a decrypted linked-account credential, handed to handlers
// that call out to the linked service. Plaintext never touches storage.
type Credential struct {
	Service      string
	Identifier   string
	Token        string
	RefreshToken string
}

// CredentialSource resolves an account reference to decrypted credentials.
type CredentialSource interface {
	Credentials(ctx context.Context, accountID string) (Credential, error)
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, userID, message, urgency string) error
}

// Mailer sends mail on behalf of a linked account.
type Mailer interface {
	Send(ctx context.Context, cred Credential, to, subject, body string) error
}

// Uploader pushes content somewhere and returns its location.
type Uploader interface {
	Upload(ctx context.Context, destination, content string) (string, error)
}

// Summarizer condenses text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// MessageStore is the handler-facing slice of message persistence.
type MessageStore interface {
	MarkSaved(ctx context.Context, messageID string) error
	StoreSummary(ctx context.Context, messageID, summary string) error
}

// TaskSpawner lets spawn-stage actions create or re-trigger tasks.
type TaskSpawner interface {
	SpawnTask(ctx context.Context, ownerID, title, prompt string) (string, error)
	TriggerTask(ctx context.Context, taskID string, messageID *string) (string, error)
}

func str(cfg Config, key string) string {
	s, _ := cfg[key].(string)
	return s
}

type sendNotificationHandler struct {
	notifier Notifier
}

func (h *sendNotificationHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if h.notifier == nil {
		return nil, NewExecutionError(errors.New("notifier not configured"))
	}
	msg := str(inv.Config, "message")
	urgency := str(inv.Config, "urgency")
	if err := h.notifier.Notify(ctx, inv.OwnerID, msg, urgency); err != nil {
		return nil, NewExecutionError(err)
	}
	return Result{"notified": inv.OwnerID, "urgency": urgency}, nil
}

type saveMessageHandler struct {
	messages MessageStore
}

func (h *saveMessageHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Message == nil {
		return nil, NewExecutionError(errors.New("no message in scope"))
	}
	if err := h.messages.MarkSaved(ctx, inv.Message.ID); err != nil {
		return nil, NewExecutionError(err)
	}
	return Result{"saved_message_id": inv.Message.ID}, nil
}

type sendEmailHandler struct {
	mailer      Mailer
	credentials CredentialSource
}

func (h *sendEmailHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if h.mailer == nil {
		return nil, NewExecutionError(errors.New("mailer not configured"))
	}
	cred, err := h.resolveCredential(ctx, inv)
	if err != nil {
		return nil, NewExecutionError(err)
	}
	to := str(inv.Config, "to")
	if err := h.mailer.Send(ctx, cred, to, str(inv.Config, "subject"), str(inv.Config, "body")); err != nil {
		return nil, NewExecutionError(err)
	}
	return Result{"sent_to": to}, nil
}

func (h *sendEmailHandler) resolveCredential(ctx context.Context, inv Invocation) (Credential, error) {
	if h.credentials == nil || inv.Message == nil {
		// no linked account in scope; the mailer decides whether it can
		// send without one
		return Credential{}, nil
	}
	return h.credentials.Credentials(ctx, inv.Message.AccountID)
}

type triggerTaskHandler struct {
	tasks TaskSpawner
}

func (h *triggerTaskHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	taskID := str(inv.Config, "task_id")
	if taskID == "" {
		return nil, NewExecutionError(errors.New("task_id required"))
	}
	if inv.Task != nil && taskID == inv.Task.ID {
		return nil, NewExecutionError(fmt.Errorf("task %s cannot trigger itself", taskID))
	}
	var messageID *string
	if inv.Message != nil {
		id := inv.Message.ID
		messageID = &id
	}
	execID, err := h.tasks.TriggerTask(ctx, taskID, messageID)
	if err != nil {
		return nil, NewExecutionError(err)
	}
	return Result{"triggered_task_id": taskID, "task_execution_id": execID}, nil
}

type uploadContentHandler struct {
	uploader Uploader
}

func (h *uploadContentHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if h.uploader == nil {
		return nil, NewExecutionError(errors.New("uploader not configured"))
	}
	destination := str(inv.Config, "destination")
	location, err := h.uploader.Upload(ctx, destination, str(inv.Config, "content"))
	if err != nil {
		return nil, NewExecutionError(err)
	}
	return Result{"destination": destination, "location": location}, nil
}

type forwardMessageHandler struct {
	mailer      Mailer
	credentials CredentialSource
}

func (h *forwardMessageHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if h.mailer == nil {
		return nil, NewExecutionError(errors.New("mailer not configured"))
	}
	if inv.Message == nil {
		return nil, NewExecutionError(errors.New("no message in scope"))
	}
	var cred Credential
	if h.credentials != nil {
		var err error
		cred, err = h.credentials.Credentials(ctx, inv.Message.AccountID)
		if err != nil {
			return nil, NewExecutionError(err)
		}
	}
	to := str(inv.Config, "to")
	subject := "Fwd: " + inv.Message.Title
	if err := h.mailer.Send(ctx, cred, to, subject, inv.Message.Content); err != nil {
		return nil, NewExecutionError(err)
	}
	return Result{"forwarded_to": to, "message_id": inv.Message.ID}, nil
}

type createTaskHandler struct {
	tasks TaskSpawner
}

func (h *createTaskHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	title := str(inv.Config, "title")
	if title == "" {
		return nil, NewExecutionError(errors.New("title required"))
	}
	id, err := h.tasks.SpawnTask(ctx, inv.OwnerID, title, str(inv.Config, "prompt"))
	if err != nil {
		return nil, NewExecutionError(err)
	}
	return Result{"created_task_id": id}, nil
}

type summarizeTextHandler struct {
	summarizer Summarizer
	messages   MessageStore
}

func (h *summarizeTextHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if h.summarizer == nil {
		return nil, NewExecutionError(errors.New("summarizer not configured"))
	}
	if inv.Message == nil {
		return nil, NewExecutionError(errors.New("no message in scope"))
	}
	summary, err := h.summarizer.Summarize(ctx, inv.Message.Content)
	if err != nil {
		return nil, NewExecutionError(err)
	}
	if err := h.messages.StoreSummary(ctx, inv.Message.ID, summary); err != nil {
		return nil, NewExecutionError(err)
	}
	return Result{"message_id": inv.Message.ID, "summary": summary}, nil
}
