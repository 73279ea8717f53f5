package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

const (
	satisfactionSubject  = "satisfactionLevel"
	satisfactionInterval = 24 * time.Hour
	maxSelectionOptions  = 8
)

// SelectFunc receives the value the user picked and returns the reply to send.
type SelectFunc func(ctx context.Context, value, userID string) (string, error)

// SelectionPrompt shows the user a fixed set of choices and calls onSelect with
// the chosen value. values and displayValues are parallel.
type SelectionPrompt interface {
	Present(ctx context.Context, subjectID, userID, text string, values, displayValues []string, onSelect SelectFunc) error
}

// ShouldAskForSatisfactionLevel reports whether a day has passed since the last ask.
func ShouldAskForSatisfactionLevel(profile *models.UserProfile, now time.Time) bool {
	last := profile.LastTimeAskedForSatisfactionLevel
	return last == nil || now.Sub(*last) >= satisfactionInterval
}

// capOptions truncates both slices to the number of options a selection can show.
func capOptions(values, display []string) ([]string, []string) {
	if len(values) > maxSelectionOptions || len(display) > maxSelectionOptions {
		slog.Error("capOptions: too many options, truncating", "values", len(values), "display", len(display), "max", maxSelectionOptions)
	}
	if len(values) > maxSelectionOptions {
		values = values[:maxSelectionOptions]
	}
	if len(display) > maxSelectionOptions {
		display = display[:maxSelectionOptions]
	}
	return values, display
}

// askSatisfaction presents the rating choices and records when we asked.
func (e *ConversationEngine) askSatisfaction(ctx context.Context, profile *models.UserProfile, original string) error {
	loc := models.LocaleFor(profile.Language)
	values, display := capOptions(models.SatisfactionLevels, loc.SatisfactionLabels)
	onSelect := func(ctx context.Context, value, userID string) (string, error) {
		return e.onSatisfactionSelected(ctx, userID, original, value)
	}
	if err := e.selector.Present(ctx, satisfactionSubject, profile.ID, loc.SatisfactionQuestion, values, display, onSelect); err != nil {
		return fmt.Errorf("failed to present satisfaction prompt: %w", err)
	}

	now := e.now()
	profile.LastTimeAskedForSatisfactionLevel = &now
	if err := e.store.SaveUser(ctx, profile); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	slog.Debug("ConversationEngine.askSatisfaction: presented", "userID", profile.ID)
	return nil
}

// onSatisfactionSelected stores the rating and replays the original message,
// annotated with the rating, through the normal turn pipeline.
func (e *ConversationEngine) onSatisfactionSelected(ctx context.Context, userID, original, value string) (string, error) {
	unlock := e.locks.lock(userID)
	annotated, err := e.recordRating(ctx, userID, original, value)
	if err != nil {
		unlock()
		return "", err
	}
	return e.handleMessage(ctx, userID, annotated, unlock)
}

// recordRating appends the rating to the profile and returns original with the
// localized rating note.
func (e *ConversationEngine) recordRating(ctx context.Context, userID, original, value string) (string, error) {
	ordinal, err := models.SatisfactionOrdinal(value)
	if err != nil {
		return "", err
	}
	profile, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	profile.SatisfactionLevel = append(profile.SatisfactionLevel, models.Rating{Timestamp: e.now(), Level: ordinal})
	if err := e.store.SaveUser(ctx, profile); err != nil {
		return "", fmt.Errorf("failed to save rating: %w", err)
	}
	slog.Info("ConversationEngine: satisfaction rated", "userID", userID, "level", ordinal)

	loc := models.LocaleFor(profile.Language)
	label := value
	if ordinal-1 < len(loc.SatisfactionLabels) {
		label = loc.SatisfactionLabels[ordinal-1]
	}
	return original + "\n\n" + fmt.Sprintf(loc.RatedAnnotation, label), nil
}
