package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/roborev-dev/prwatch/internal/review"
)

// Notifier delivers completion events to the outside world.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// BroadcastNotifier forwards events to stream subscribers.
func BroadcastNotifier(b Broadcaster) Notifier {
	return NotifierFunc(func(_ context.Context, ev Event) error {
		b.Broadcast(ev)
		return nil
	})
}

// LogNotifier records completion events in the log and the activity log.
func LogNotifier(log *zap.SugaredLogger, activity *ActivityLog) Notifier {
	return NotifierFunc(func(_ context.Context, ev Event) error {
		msg := describeEvent(ev)
		log.Infow("notify: "+msg, "type", ev.Type, "repo", ev.Repo, "pr", ev.PRNumber)
		if activity != nil {
			activity.Log(ev.Type, "notify", msg, map[string]string{
				"repo":  ev.Repo,
				"pr":    strconv.Itoa(ev.PRNumber),
				"agent": ev.AgentID,
			})
		}
		return nil
	})
}

// MultiNotifier delivers to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func describeEvent(ev Event) string {
	switch ev.Type {
	case EventAgentCompleted:
		return fmt.Sprintf("%s finished on %s#%d %q", ev.AgentName, ev.Repo, ev.PRNumber, ev.PRTitle)
	case EventPRCompleted:
		return fmt.Sprintf("all agents finished on %s#%d %q", ev.Repo, ev.PRNumber, ev.PRTitle)
	default:
		return ev.Type
	}
}

// NotificationState remembers the last observed status of every agent and
// PR so that completion events fire once per transition into Done.
//
// It is owned by the scheduler goroutine and is not safe for concurrent use.
type NotificationState struct {
	agents map[string]review.RunStatus
	prs    map[string]review.RunStatus
}

// NewNotificationState returns an empty state.
func NewNotificationState() *NotificationState {
	return &NotificationState{
		agents: make(map[string]review.RunStatus),
		prs:    make(map[string]review.RunStatus),
	}
}

func prKey(repo string, number int) string {
	return repo + "#" + strconv.Itoa(number)
}

func agentKey(repo string, number int, agentID string) string {
	return prKey(repo, number) + "#" + agentID
}

// Observe records the statuses in result and returns the completion events
// for transitions from a previously observed non-Done status into Done.
// The first observation of a key only seeds it. Keys missing from result
// are forgotten, so a PR that closes and reopens starts fresh.
func (n *NotificationState) Observe(result review.CycleResult, now time.Time) []Event {
	var events []Event
	seenAgents := make(map[string]bool)
	seenPRs := make(map[string]bool)

	for _, section := range result.Sections {
		for _, pr := range section.PRs {
			for _, run := range pr.Agents {
				key := agentKey(pr.RepoFullName, pr.Number, run.AgentID)
				seenAgents[key] = true
				prev, known := n.agents[key]
				n.agents[key] = run.Status
				if known && prev != review.StatusDone && run.Status == review.StatusDone {
					events = append(events, Event{
						Type:       EventAgentCompleted,
						TS:         now,
						Repo:       pr.RepoFullName,
						PRNumber:   pr.Number,
						PRTitle:    pr.Title,
						PRURL:      pr.URL,
						AgentID:    run.AgentID,
						AgentName:  run.DisplayName,
						Conclusion: run.Conclusion,
					})
				}
			}

			if len(pr.Agents) == 0 {
				continue
			}
			key := prKey(pr.RepoFullName, pr.Number)
			seenPRs[key] = true
			status := pr.Status()
			prev, known := n.prs[key]
			n.prs[key] = status
			if known && prev != review.StatusDone && status == review.StatusDone {
				events = append(events, Event{
					Type:     EventPRCompleted,
					TS:       now,
					Repo:     pr.RepoFullName,
					PRNumber: pr.Number,
					PRTitle:  pr.Title,
					PRURL:    pr.URL,
				})
			}
		}
	}

	for key := range n.agents {
		if !seenAgents[key] {
			delete(n.agents, key)
		}
	}
	for key := range n.prs {
		if !seenPRs[key] {
			delete(n.prs, key)
		}
	}
	return events
}

// Len returns the number of tracked agent keys.
func (n *NotificationState) Len() int {
	return len(n.agents)
}
