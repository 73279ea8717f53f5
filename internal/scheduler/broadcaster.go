package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/metrics"
	"github.com/BTreeMap/InnerGuide/internal/models"
)

// Scheduled message outcomes reported to metrics.
const (
	outcomeSent    = "sent"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// UserLister returns the users to message.
type UserLister interface {
	GetActiveUsers(ctx context.Context) ([]models.UserProfile, error)
}

// MessageCreator writes a scheduled message for one user.
type MessageCreator interface {
	CreateScheduledMessage(ctx context.Context, userID string) (string, error)
}

// Sender delivers a message.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Summary counts the results of one broadcast.
type Summary struct {
	Users   int `json:"users"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Broadcaster sends a scheduled message to every active user.
type Broadcaster struct {
	users   UserLister
	creator MessageCreator
	sender  Sender
	metrics *metrics.Metrics
}

// NewBroadcaster wires a Broadcaster. m may be nil.
func NewBroadcaster(users UserLister, creator MessageCreator, sender Sender, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{users: users, creator: creator, sender: sender, metrics: m}
}

// SendScheduledMessages messages every active user in turn. A failure for one user
// is logged and counted; only a failure to list users, or cancellation of ctx,
// ends the run with an error.
func (b *Broadcaster) SendScheduledMessages(ctx context.Context) (Summary, error) {
	users, err := b.users.GetActiveUsers(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list active users: %w", err)
	}
	summary := Summary{Users: len(users)}
	slog.Info("Broadcaster sending scheduled messages", "users", len(users))

	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if u.IsBot || u.ID == "" {
			summary.Skipped++
			b.metrics.ObserveScheduledMessage(outcomeSkipped)
			continue
		}
		if err := b.sendOne(ctx, u.ID); err != nil {
			slog.Error("Broadcaster scheduled message failed", "userID", u.ID, "error", err)
			summary.Failed++
			b.metrics.ObserveScheduledMessage(outcomeFailed)
			continue
		}
		summary.Sent++
		b.metrics.ObserveScheduledMessage(outcomeSent)
	}
	slog.Info("Broadcaster scheduled messages done", "sent", summary.Sent, "failed", summary.Failed, "skipped", summary.Skipped)
	return summary, nil
}

func (b *Broadcaster) sendOne(ctx context.Context, userID string) error {
	msg, err := b.creator.CreateScheduledMessage(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to create scheduled message: %w", err)
	}
	if err := b.sender.SendMessage(ctx, userID, msg); err != nil {
		return fmt.Errorf("failed to send scheduled message: %w", err)
	}
	return nil
}

// Task adapts SendScheduledMessages to Scheduler.AddJob. Each run is bounded by
// timeout and ends when ctx does.
func (b *Broadcaster) Task(ctx context.Context, timeout time.Duration) func() {
	return func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := b.SendScheduledMessages(runCtx); err != nil {
			slog.Error("Broadcaster scheduled run failed", "error", err)
		}
	}
}
