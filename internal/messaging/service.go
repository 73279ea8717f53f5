// Package messaging connects chat transports to the conversation engine.
//
// A Service delivers text messages and emits inbound ones; the ResponseHandler
// turns inbound messages into engine calls, one user at a time.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of the receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an event waits for a full channel.
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted canonical phone number.
	minPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the canonical form of a recipient.
	// Canonical recipients double as user ids.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error
	// Start begins background processing of transport events.
	Start(ctx context.Context) error
	// Stop stops background processing and closes the event channels.
	Stop() error
	// Receipts returns a channel of delivery events.
	Receipts() <-chan models.Receipt
	// Responses returns a channel of inbound user messages.
	Responses() <-chan models.Response
}

// canonicalizePhone strips everything but digits and checks the result length.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// eventBus owns the receipt and response channels of a service. Emits hold the
// read lock so close never races a send.
type eventBus struct {
	mu        sync.RWMutex
	stopped   bool
	receipts  chan models.Receipt
	responses chan models.Response
}

func newEventBus() *eventBus {
	return &eventBus{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (b *eventBus) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

func (b *eventBus) emitReceipt(r models.Receipt) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}
	select {
	case b.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging receipts channel blocked, dropping receipt", "to", r.To, "timeout", DefaultChannelTimeout)
	}
}

func (b *eventBus) emitResponse(r models.Response) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn("messaging dropping inbound message, service stopped", "from", r.From)
		return false
	}
	select {
	case b.responses <- r:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging responses channel blocked, dropping message", "from", r.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close closes both channels. It reports false if they were already closed.
func (b *eventBus) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	close(b.receipts)
	close(b.responses)
	return true
}
