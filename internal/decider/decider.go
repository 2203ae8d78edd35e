// Package decider is the pluggable reasoning capability the dispatcher
// depends on but does not own: given a task and a triggering message it
// returns zero or more action selections. RuleDecider evaluates the task's
// ai_config rules deterministically; LLMDecider asks a model.
package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"taskpilot/internal/domain"
)

// Selection is one chosen action with its derived configuration.
type Selection struct {
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config"`
}

// Decision is what the dispatcher records on the TaskExecution.
type Decision struct {
	Selections []Selection `json:"selections"`
	Reason     string      `json:"reason"`
}

type Decider interface {
	Decide(ctx context.Context, task domain.Task, msg domain.Message) (Decision, error)
}

// aiConfig is the recognized shape of a task's ai_config document.
type aiConfig struct {
	Match          *condition  `json:"match,omitempty"`
	Rules          []rule      `json:"rules,omitempty"`
	DefaultActions []Selection `json:"default_actions,omitempty"`
}

type rule struct {
	When   *condition     `json:"when,omitempty"`
	Action string         `json:"action"`
	Config map[string]any `json:"config,omitempty"`
}

// condition addresses a message field by gjson path and compares it.
type condition struct {
	Path     string `json:"path"`
	Contains string `json:"contains,omitempty"`
	Equals   string `json:"equals,omitempty"`
	Exists   bool   `json:"exists,omitempty"`
}

func (c *condition) matches(doc []byte) bool {
	if c == nil {
		return true
	}
	res := gjson.GetBytes(doc, c.Path)
	if c.Exists {
		return res.Exists()
	}
	if !res.Exists() {
		return false
	}
	if c.Equals != "" {
		return res.String() == c.Equals
	}
	if c.Contains != "" {
		return strings.Contains(strings.ToLower(res.String()), strings.ToLower(c.Contains))
	}
	return res.Exists()
}

// messageDoc renders the message as the JSON document conditions address.
func messageDoc(msg domain.Message) []byte {
	doc := map[string]any{
		"title":      msg.Title,
		"content":    msg.Content,
		"priority":   msg.Priority,
		"account_id": msg.AccountID,
	}
	if msg.SenderInfoJSON != nil && *msg.SenderInfoJSON != "" {
		var sender any
		if err := json.Unmarshal([]byte(*msg.SenderInfoJSON), &sender); err == nil {
			doc["sender_info"] = sender
		}
	}
	b, _ := json.Marshal(doc)
	return b
}

func parseAIConfig(task domain.Task) (aiConfig, error) {
	var cfg aiConfig
	if task.AIConfigJSON == nil || *task.AIConfigJSON == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(*task.AIConfigJSON), &cfg); err != nil {
		return cfg, fmt.Errorf("task %s ai_config: %w", task.ID, err)
	}
	return cfg, nil
}

// MatchesFilter evaluates the task's cheap pre-dispatch predicate. Tasks
// without a match condition accept every message from a monitored account.
func MatchesFilter(task domain.Task, msg domain.Message) (bool, error) {
	cfg, err := parseAIConfig(task)
	if err != nil {
		return false, err
	}
	if cfg.Match == nil {
		return true, nil
	}
	return cfg.Match.matches(messageDoc(msg)), nil
}

// RuleDecider selects actions from ai_config rules. It is the default
// decider: no network, fully deterministic.
type RuleDecider struct{}

func (RuleDecider) Decide(ctx context.Context, task domain.Task, msg domain.Message) (Decision, error) {
	cfg, err := parseAIConfig(task)
	if err != nil {
		return Decision{}, err
	}
	doc := messageDoc(msg)
	var selections []Selection
	var fired []string
	for i, r := range cfg.Rules {
		if r.Action == "" {
			continue
		}
		if !r.When.matches(doc) {
			continue
		}
		selections = append(selections, Selection{Kind: r.Action, Config: r.Config})
		fired = append(fired, fmt.Sprintf("rule[%d]->%s", i, r.Action))
	}
	if len(selections) == 0 && len(cfg.DefaultActions) > 0 {
		selections = append(selections, cfg.DefaultActions...)
		fired = append(fired, "default_actions")
	}
	selections = limitToEnabled(task, selections)
	reason := "no rule matched"
	if len(fired) > 0 {
		reason = strings.Join(fired, ", ")
	}
	return Decision{Selections: selections, Reason: reason}, nil
}

// limitToEnabled drops selections whose kind the task has not enabled.
func limitToEnabled(task domain.Task, selections []Selection) []Selection {
	var out []Selection
	for _, s := range selections {
		if task.AllowsKind(s.Kind) {
			if s.Config == nil {
				s.Config = map[string]any{}
			}
			out = append(out, s)
		}
	}
	return out
}
