package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"taskpilot/internal/domain"
)

const decidePrompt = `You decide which automated actions to run for an incoming message.
Reply with a single JSON object and nothing else:
{"selections":[{"kind":"<action kind>","config":{...}}],"reason":"<short explanation>"}
Only choose kinds from the allowed list. Reply {"selections":[],"reason":"..."} when nothing applies.`

// LLMDecider asks a chat model to pick actions. The task prompt becomes the
// instruction, the message body the subject, and the allowed kinds bound the
// model's choices.
type LLMDecider struct {
	client openai.Client
	model  string
}

func NewLLMDecider(apiKey, model string) *LLMDecider {
	return &LLMDecider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (d *LLMDecider) Decide(ctx context.Context, task domain.Task, msg domain.Message) (Decision, error) {
	user := fmt.Sprintf("Task instruction:\n%s\n\nAllowed kinds: %s\n\nMessage:\n%s",
		task.Prompt, strings.Join(task.ActionKinds, ", "), string(messageDoc(msg)))
	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(d.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(decidePrompt),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("decide task %s: %w", task.ID, err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("decide task %s: empty completion", task.ID)
	}
	dec, err := parseDecision(resp.Choices[0].Message.Content)
	if err != nil {
		return Decision{}, fmt.Errorf("decide task %s: %w", task.ID, err)
	}
	dec.Selections = limitToEnabled(task, dec.Selections)
	return dec, nil
}

// parseDecision tolerates models that wrap the JSON in prose or fences.
func parseDecision(raw string) (Decision, error) {
	body := raw
	if i := strings.Index(body, "{"); i > 0 {
		body = body[i:]
	}
	if i := strings.LastIndex(body, "}"); i >= 0 {
		body = body[:i+1]
	}
	if !gjson.Valid(body) {
		return Decision{}, fmt.Errorf("completion is not valid JSON: %q", raw)
	}
	var dec Decision
	if err := json.Unmarshal([]byte(body), &dec); err != nil {
		return Decision{}, err
	}
	return dec, nil
}

// Summarize produces a short summary of a message body. It satisfies the
// summarizer dependency of the summarize_text action.
func (d *LLMDecider) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(d.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Summarize the message in at most three sentences."),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarize: empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
