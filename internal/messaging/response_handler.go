package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/flow"
	"github.com/BTreeMap/InnerGuide/internal/models"
)

const (
	// DefaultRetryAttempts is how often an engine call is tried before giving up.
	DefaultRetryAttempts = 3
	// DefaultRetryBackoff is the base of the linear backoff between attempts.
	DefaultRetryBackoff = time.Second
)

// Selection subjects owned by the handler.
const (
	subjectClearHistory = "clearHistory"
	subjectRestore      = "restoreBackup"
	subjectLanguage     = "setLanguage"

	clearYes = "yes"
	clearNo  = "no"
)

// Engine is the part of flow.ConversationEngine the handler drives.
type Engine interface {
	HandleMessage(ctx context.Context, userID, text string) (string, error)
	GreetTheUser(ctx context.Context, userID string) (string, error)
	ClearHistory(ctx context.Context, userID string) error
	ListBackups(ctx context.Context, userID string) ([]string, error)
	RestoreBackup(ctx context.Context, userID, key string) error
	SetLanguage(ctx context.Context, userID string, lang models.Language) error
	UserLanguage(ctx context.Context, userID string) models.Language
}

// Opts holds configuration options for the ResponseHandler.
type Opts struct {
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Option defines a configuration option for the ResponseHandler.
type Option func(*Opts)

// WithRetryAttempts sets how often an engine call is tried.
func WithRetryAttempts(n int) Option {
	return func(o *Opts) { o.RetryAttempts = n }
}

// WithRetryBackoff sets the base backoff; attempt n waits n times this long.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Opts) { o.RetryBackoff = d }
}

// ResponseHandler routes inbound messages to commands, pending selections or the
// engine. Messages of one user are handled in arrival order, one at a time;
// different users are handled concurrently.
type ResponseHandler struct {
	svc      Service
	engine   Engine
	selector *TextSelector
	attempts int
	backoff  time.Duration

	mu     sync.Mutex
	queues map[string][]models.Response
	wg     sync.WaitGroup
}

// NewResponseHandler creates a handler that replies through svc.
func NewResponseHandler(svc Service, engine Engine, selector *TextSelector, opts ...Option) *ResponseHandler {
	cfg := Opts{RetryAttempts: DefaultRetryAttempts, RetryBackoff: DefaultRetryBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &ResponseHandler{
		svc:      svc,
		engine:   engine,
		selector: selector,
		attempts: cfg.RetryAttempts,
		backoff:  cfg.RetryBackoff,
		queues:   make(map[string][]models.Response),
	}
}

// Start consumes the service's Responses channel until it closes or ctx is done.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.svc.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				rh.Enqueue(ctx, response)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until every queued message has been processed.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

// Enqueue queues response behind earlier messages of the same user.
func (rh *ResponseHandler) Enqueue(ctx context.Context, response models.Response) {
	userID, err := rh.svc.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler Enqueue invalid sender", "error", err, "from", response.From)
		return
	}
	response.From = userID

	rh.mu.Lock()
	queue, active := rh.queues[userID]
	rh.queues[userID] = append(queue, response)
	if !active {
		rh.wg.Add(1)
		go rh.drain(ctx, userID)
	}
	rh.mu.Unlock()
}

// drain processes the queue of userID until it is empty.
func (rh *ResponseHandler) drain(ctx context.Context, userID string) {
	defer rh.wg.Done()
	for {
		rh.mu.Lock()
		queue := rh.queues[userID]
		if len(queue) == 0 {
			delete(rh.queues, userID)
			rh.mu.Unlock()
			return
		}
		next := queue[0]
		rh.queues[userID] = queue[1:]
		rh.mu.Unlock()

		if err := rh.ProcessResponse(ctx, next); err != nil {
			slog.Error("ResponseHandler failed to process response", "error", err, "userID", userID)
		}
	}
}

// ProcessResponse handles one inbound message synchronously. Failures are reported
// to the user as a generic apology; the returned error is for logging only.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	userID, err := rh.svc.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	text := strings.TrimSpace(response.Body)
	slog.Debug("ResponseHandler processing response", "userID", userID, "body_length", len(text))

	if text == "" {
		return rh.send(ctx, userID, rh.locale(ctx, userID).TextOnly)
	}

	handled, reply, err := rh.selector.Resolve(ctx, userID, text)
	if handled {
		return rh.finish(ctx, userID, "selection", reply, err)
	}

	if strings.HasPrefix(text, "/") {
		return rh.handleCommand(ctx, userID, text)
	}

	reply, err = rh.withRetry(ctx, "HandleMessage", func() (string, error) {
		return rh.engine.HandleMessage(ctx, userID, text)
	})
	return rh.finish(ctx, userID, "message", reply, err)
}

func (rh *ResponseHandler) handleCommand(ctx context.Context, userID, text string) error {
	command := strings.ToLower(strings.Fields(text)[0])
	loc := rh.locale(ctx, userID)
	slog.Info("ResponseHandler command received", "userID", userID, "command", command)

	switch command {
	case "/start":
		reply, err := rh.withRetry(ctx, "GreetTheUser", func() (string, error) {
			return rh.engine.GreetTheUser(ctx, userID)
		})
		return rh.finish(ctx, userID, command, reply, err)

	case "/clear":
		err := rh.selector.Present(ctx, subjectClearHistory, userID, loc.ClearConfirm,
			[]string{clearYes, clearNo}, []string{loc.ClearYes, loc.ClearNo},
			func(ctx context.Context, value, userID string) (string, error) {
				if value != clearYes {
					return loc.ClearCancelled, nil
				}
				if err := rh.engine.ClearHistory(ctx, userID); err != nil {
					return "", err
				}
				return loc.ClearDone, nil
			})
		return rh.finish(ctx, userID, command, "", err)

	case "/restore":
		return rh.presentBackups(ctx, userID, loc)

	case "/setlanguage":
		values, display := models.LanguageChoices()
		err := rh.selector.Present(ctx, subjectLanguage, userID, loc.LanguagePrompt, values, display,
			func(ctx context.Context, value, userID string) (string, error) {
				lang := models.Language(value)
				if err := rh.engine.SetLanguage(ctx, userID, lang); err != nil {
					return "", err
				}
				return models.LocaleFor(lang).LanguageSet, nil
			})
		return rh.finish(ctx, userID, command, "", err)

	default:
		return rh.send(ctx, userID, loc.Help)
	}
}

// presentBackups offers the newest backups of userID for restoring.
func (rh *ResponseHandler) presentBackups(ctx context.Context, userID string, loc models.Locale) error {
	keys, err := rh.engine.ListBackups(ctx, userID)
	if err != nil {
		return rh.finish(ctx, userID, "/restore", "", err)
	}
	if len(keys) == 0 {
		return rh.send(ctx, userID, loc.NoBackups)
	}
	if len(keys) > MaxSelectionOptions {
		keys = keys[:MaxSelectionOptions]
	}
	labels := make([]string, 0, len(keys))
	for _, key := range keys {
		_, at, err := models.ParseBackupKey(key)
		if err != nil {
			return rh.finish(ctx, userID, "/restore", "", err)
		}
		labels = append(labels, models.FormatBackupLabel(at))
	}
	err = rh.selector.Present(ctx, subjectRestore, userID, loc.RestorePrompt, keys, labels,
		func(ctx context.Context, key, userID string) (string, error) {
			if err := rh.engine.RestoreBackup(ctx, userID, key); err != nil {
				return "", err
			}
			return loc.RestoreDone, nil
		})
	return rh.finish(ctx, userID, "/restore", "", err)
}

// finish sends reply, or the apology when err is set. An empty reply sends nothing.
func (rh *ResponseHandler) finish(ctx context.Context, userID, op, reply string, err error) error {
	if err != nil {
		slog.Error("ResponseHandler operation failed", "op", op, "userID", userID, "error", err)
		if sendErr := rh.send(ctx, userID, rh.locale(ctx, userID).Apology); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if reply == "" {
		return nil
	}
	return rh.send(ctx, userID, reply)
}

func (rh *ResponseHandler) send(ctx context.Context, userID, body string) error {
	if err := rh.svc.SendMessage(ctx, userID, body); err != nil {
		slog.Error("ResponseHandler failed to send message", "error", err, "userID", userID)
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (rh *ResponseHandler) locale(ctx context.Context, userID string) models.Locale {
	return models.LocaleFor(rh.engine.UserLanguage(ctx, userID))
}

// withRetry runs fn up to rh.attempts times, waiting attempt*backoff in between.
// Configuration errors and cancellation are returned immediately.
func (rh *ResponseHandler) withRetry(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	for attempt := 1; ; attempt++ {
		reply, err := fn()
		if err == nil {
			return reply, nil
		}
		if !retryable(err) || attempt >= rh.attempts {
			return "", err
		}
		wait := time.Duration(attempt) * rh.backoff
		slog.Warn("ResponseHandler retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", errors.Join(err, ctx.Err())
		}
	}
}

func retryable(err error) bool {
	return !errors.Is(err, flow.ErrConfiguration) &&
		!errors.Is(err, models.ErrEmptyUserID) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
