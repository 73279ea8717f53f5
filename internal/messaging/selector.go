package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/InnerGuide/internal/flow"
)

// MaxSelectionOptions is the largest number of choices a selection may offer.
const MaxSelectionOptions = 8

var ErrInvalidSelection = errors.New("invalid selection options")

type pendingSelection struct {
	subjectID string
	values    []string
	display   []string
	onSelect  flow.SelectFunc
}

// TextSelector implements flow.SelectionPrompt for text-only chats. The options
// are sent as a numbered list and the user's next message is matched against them.
type TextSelector struct {
	svc     Service
	mu      sync.Mutex
	pending map[string]*pendingSelection
}

var _ flow.SelectionPrompt = (*TextSelector)(nil)

// NewTextSelector returns a selector that sends prompts through svc.
func NewTextSelector(svc Service) *TextSelector {
	return &TextSelector{svc: svc, pending: make(map[string]*pendingSelection)}
}

// Present sends text with the numbered options and waits for the user's pick.
// A new prompt replaces any selection still pending for userID.
func (s *TextSelector) Present(ctx context.Context, subjectID, userID, text string, values, displayValues []string, onSelect flow.SelectFunc) error {
	switch {
	case len(values) == 0:
		return fmt.Errorf("%w: no options", ErrInvalidSelection)
	case len(values) != len(displayValues):
		return fmt.Errorf("%w: %d values but %d labels", ErrInvalidSelection, len(values), len(displayValues))
	case len(values) > MaxSelectionOptions:
		return fmt.Errorf("%w: %d options, at most %d allowed", ErrInvalidSelection, len(values), MaxSelectionOptions)
	case onSelect == nil:
		return fmt.Errorf("%w: no callback", ErrInvalidSelection)
	}

	p := &pendingSelection{
		subjectID: subjectID,
		values:    append([]string(nil), values...),
		display:   append([]string(nil), displayValues...),
		onSelect:  onSelect,
	}
	s.mu.Lock()
	if old, ok := s.pending[userID]; ok {
		slog.Debug("TextSelector replacing pending selection", "userID", userID, "old", old.subjectID, "new", subjectID)
	}
	s.pending[userID] = p
	s.mu.Unlock()

	if err := s.svc.SendMessage(ctx, userID, FormatOptions(text, displayValues)); err != nil {
		s.mu.Lock()
		if s.pending[userID] == p {
			delete(s.pending, userID)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to send selection: %w", err)
	}
	slog.Debug("TextSelector presented", "userID", userID, "subject", subjectID, "options", len(values))
	return nil
}

// FormatOptions renders text followed by one numbered line per option.
func FormatOptions(text string, options []string) string {
	var b strings.Builder
	b.WriteString(text)
	for i, o := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o)
	}
	return b.String()
}

// Pending returns the subject of the selection waiting for userID.
func (s *TextSelector) Pending(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[userID]
	if !ok {
		return "", false
	}
	return p.subjectID, true
}

// Resolve matches text against the selection pending for userID. The selection is
// consumed either way. When text picks an option the callback runs and handled is
// true; otherwise the caller should treat text as an ordinary message.
func (s *TextSelector) Resolve(ctx context.Context, userID, text string) (handled bool, reply string, err error) {
	s.mu.Lock()
	p, ok := s.pending[userID]
	delete(s.pending, userID)
	s.mu.Unlock()
	if !ok {
		return false, "", nil
	}

	value, ok := p.match(text)
	if !ok {
		slog.Debug("TextSelector input did not match, dropping selection", "userID", userID, "subject", p.subjectID)
		return false, "", nil
	}
	slog.Debug("TextSelector selection made", "userID", userID, "subject", p.subjectID, "value", value)
	reply, err = p.onSelect(ctx, value, userID)
	return true, reply, err
}

// match accepts the option number, its label or its value, ignoring case.
func (p *pendingSelection) match(text string) (string, bool) {
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "."))
	if n, err := strconv.Atoi(text); err == nil {
		if n >= 1 && n <= len(p.values) {
			return p.values[n-1], true
		}
		return "", false
	}
	for i := range p.values {
		if strings.EqualFold(text, p.display[i]) || strings.EqualFold(text, p.values[i]) {
			return p.values[i], true
		}
	}
	return "", false
}
