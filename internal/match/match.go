// Package match selects, in order, the tasks a message should be
// dispatched against.
package match

import (
	"context"
	"log"

	"taskpilot/internal/decider"
	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

type Matcher struct {
	Repo   repo.Repo
	Logger *log.Logger
}

// Candidates returns the tasks eligible for the message, highest priority
// first with task id breaking ties. A task is eligible when it monitors the
// message's account, has execution budget left, has not already produced an
// execution for this message, and its optional match filter accepts the
// message body. A task whose ai_config fails to parse is skipped rather than
// blocking the rest of the batch.
func (m Matcher) Candidates(ctx context.Context, msg domain.Message) ([]domain.Task, error) {
	tasks, err := m.Repo.CandidateTasks(ctx, msg.AccountID, msg.ID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		ok, err := decider.MatchesFilter(t, msg)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Printf("match: skipping task %s: %v", t.ID, err)
			}
			continue
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}
