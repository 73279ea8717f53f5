// Package flow implements the InnerGuide conversation engine: the per-turn
// pipeline that decides what to do with a user message, talks to the LLM and
// keeps the user profile up to date.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/genai"
	"github.com/BTreeMap/InnerGuide/internal/metrics"
	"github.com/BTreeMap/InnerGuide/internal/models"
	"github.com/BTreeMap/InnerGuide/internal/store"
)

var (
	// ErrConfiguration marks missing prompts or steps. Retrying cannot help.
	ErrConfiguration = errors.New("configuration error")
	// ErrForeignBackup is returned when a backup key belongs to another user.
	ErrForeignBackup = errors.New("backup belongs to another user")
	// ErrUnsupportedLanguage is returned by SetLanguage for unknown locales.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Prompt template names.
const (
	PromptGreeting            = "greeting"
	PromptDecideOnNextAction  = "decideOnNextAction"
	PromptRespondToUser       = "respondToUser"
	PromptProcessConversation = "processConversation"
	PromptCreateScheduled     = "createScheduledMessage"
	PromptEvaluateStepFinish  = "evaluateStepFinish"
	PromptIsMessageInContext  = "isMessageInChatContext"
	PromptInformNotInContext  = "informTheUserThatTheMessageIsNotInContext"
)

const (
	sectionSummary         = "SUMMARY"
	sectionPersonalDetails = "PERSONAL DETAILS"

	minAnswerLength = 200
	maxAnswerLength = 400
)

// Turn outcomes reported to metrics.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeOffTopic = "off_topic"
	outcomeDeferred = "deferred"
)

var teachers = []string{
	"Eckhart Tolle",
	"Thich Nhat Hanh",
	"Ram Dass",
	"Deepak Chopra",
	"Paramahansa Yogananda",
	"Jiddu Krishnamurti",
	"Mooji",
	"Osho",
	"Pema Chödrön",
	"Adyashanti",
	"Byron Katie",
	"Sadhguru",
	"Rumi",
	"Nisargadatta Maharaj",
	"Laozi",
}

var yesNoPattern = regexp.MustCompile(`(?i)\b(yes|no)\b`)

// PromptRenderer renders named prompt templates.
type PromptRenderer interface {
	Render(name string, vars map[string]any) (string, error)
	Require(names ...string) error
}

// Opts holds configuration options for the ConversationEngine.
type Opts struct {
	Steps         []Step
	RandSource    rand.Source
	Clock         func() time.Time
	HistoryWindow int
	ContextGate   bool
	Metrics       *metrics.Metrics
}

// Option defines a configuration option for the ConversationEngine.
type Option func(*Opts)

// WithSteps replaces the built-in step sequence.
func WithSteps(steps []Step) Option {
	return func(o *Opts) { o.Steps = steps }
}

// WithRandSource sets the source used for persona and answer length picks.
func WithRandSource(src rand.Source) Option {
	return func(o *Opts) { o.RandSource = src }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithHistoryWindow sets how many recent messages the model sees.
func WithHistoryWindow(n int) Option {
	return func(o *Opts) { o.HistoryWindow = n }
}

// WithContextGate enables the off-topic check before each turn.
func WithContextGate(enabled bool) Option {
	return func(o *Opts) { o.ContextGate = enabled }
}

// WithMetrics records turn and directive counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// ConversationEngine runs conversation turns. Turns of one user are serialized;
// different users are handled concurrently.
type ConversationEngine struct {
	store    store.UserStore
	llm      genai.ClientInterface
	prompts  PromptRenderer
	selector SelectionPrompt
	steps    []Step
	window   int
	gate     bool
	metrics  *metrics.Metrics
	now      func() time.Time
	locks    *userLocks
	bg       sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewConversationEngine wires the engine and checks that every prompt it needs
// exists. selector may be nil, in which case satisfaction is never asked.
func NewConversationEngine(st store.UserStore, llm genai.ClientInterface, renderer PromptRenderer, selector SelectionPrompt, opts ...Option) (*ConversationEngine, error) {
	if st == nil || llm == nil || renderer == nil {
		return nil, fmt.Errorf("%w: store, LLM client and prompts are required", ErrConfiguration)
	}
	cfg := Opts{HistoryWindow: DefaultHistoryWindow}
	for _, opt := range opts {
		opt(&cfg)
	}

	steps := cfg.Steps
	if steps == nil {
		steps = DefaultSteps()
	}
	if err := validateSteps(steps); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	required := []string{PromptGreeting, PromptDecideOnNextAction, PromptRespondToUser, PromptProcessConversation, PromptCreateScheduled, PromptEvaluateStepFinish}
	if cfg.ContextGate {
		required = append(required, PromptIsMessageInContext, PromptInformNotInContext)
	}
	for _, s := range steps {
		required = append(required, s.PromptName)
	}
	if err := renderer.Require(required...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	src := cfg.RandSource
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	window := cfg.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}

	slog.Debug("ConversationEngine created", "steps", len(steps), "historyWindow", window, "contextGate", cfg.ContextGate, "hasSelector", selector != nil)
	return &ConversationEngine{
		store:    st,
		llm:      llm,
		prompts:  renderer,
		selector: selector,
		steps:    steps,
		window:   window,
		gate:     cfg.ContextGate,
		metrics:  cfg.Metrics,
		now:      now,
		locks:    newUserLocks(),
		rng:      rand.New(src),
	}, nil
}

// HandleMessage runs one conversation turn and returns the reply to send. An
// empty reply means the answer was deferred to a selection prompt.
func (e *ConversationEngine) HandleMessage(ctx context.Context, userID, text string) (string, error) {
	if userID == "" {
		return "", models.ErrEmptyUserID
	}
	unlock := e.locks.lock(userID)
	return e.handleMessage(ctx, userID, text, unlock)
}

// Wait blocks until the profile refreshes of finished turns are done.
func (e *ConversationEngine) Wait() {
	e.bg.Wait()
}

// handleMessage runs a turn for a caller holding the user lock and takes over
// unlock. The reply is returned as soon as it exists; the lock stays held until
// the profile refresh that follows it completes, so the next turn for the same
// user reads the refreshed profile.
func (e *ConversationEngine) handleMessage(ctx context.Context, userID, text string, unlock func()) (string, error) {
	reply, outcome, refresh, err := e.runTurn(ctx, userID, text)
	if err != nil {
		outcome = outcomeError
		slog.Error("ConversationEngine.HandleMessage: turn failed", "userID", userID, "error", err)
	}
	e.metrics.ObserveTurn(outcome)
	if refresh == nil {
		unlock()
		return reply, err
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer unlock()
		refresh(context.WithoutCancel(ctx))
	}()
	return reply, nil
}

// runTurn produces the reply. A non-nil refresh is the profile extraction still
// owed for the turn.
func (e *ConversationEngine) runTurn(ctx context.Context, userID, text string) (reply, outcome string, refresh func(context.Context), err error) {
	slog.Debug("ConversationEngine.HandleMessage: handling message", "userID", userID, "length", len(text))
	data, err := e.store.GetUserData(ctx, userID)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to load user data: %w", err)
	}
	profile := data.Profile
	sm, err := e.stepManager(profile)
	if err != nil {
		return "", "", nil, err
	}

	hist := NewHistory(e.window, data.Messages)
	prior := hist.Messages()
	if err := e.appendMessage(ctx, hist, userID, models.RoleUser, text); err != nil {
		return "", "", nil, err
	}

	if e.gate {
		inContext, err := e.isMessageInContext(ctx, profile, text, prior)
		if err != nil {
			return "", "", nil, err
		}
		if !inContext {
			reply, err := e.replyOffTopic(ctx, hist, profile, text, prior)
			return reply, outcomeOffTopic, nil, err
		}
	}

	directive, err := e.decideOnNextAction(ctx, profile, sm.GetCurrentStep(), text, prior)
	if err != nil {
		return "", "", nil, err
	}
	e.metrics.ObserveDirective(directive.String())
	slog.Debug("ConversationEngine.HandleMessage: directive decided", "userID", userID, "directive", directive)

	switch directive {
	case DirectiveAskSatisfaction:
		if err := e.askSatisfaction(ctx, profile, text); err != nil {
			return "", "", nil, err
		}
		return "", outcomeDeferred, nil, nil
	case DirectiveFollowStep:
		reply, err = e.executeCurrentStep(ctx, profile, sm.GetCurrentStep(), text, prior)
	default:
		reply, err = e.respondToUser(ctx, profile, text, prior)
	}
	if err != nil {
		return "", "", nil, err
	}

	if err := e.appendMessage(ctx, hist, userID, models.RoleAssistant, reply); err != nil {
		return "", "", nil, err
	}
	if directive == DirectiveFollowStep {
		if err := e.checkAndAdvanceStep(ctx, profile, sm, text, reply); err != nil {
			return "", "", nil, err
		}
	}
	refresh = func(ctx context.Context) {
		e.processConversation(ctx, profile, text, reply)
	}
	return reply, outcomeOK, refresh, nil
}

// stepManager positions a fresh manager at the user's current step.
func (e *ConversationEngine) stepManager(profile *models.UserProfile) (*StepManager, error) {
	sm := NewStepManager(e.steps)
	if err := sm.SeekTo(profile.CurrentStep); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return sm, nil
}

func (e *ConversationEngine) appendMessage(ctx context.Context, hist *History, userID string, role models.Role, text string) error {
	msg := models.NewMessage(userID, role, text, e.now())
	hist.Append(msg)
	if err := e.store.AddMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to add %s message: %w", role, err)
	}
	return nil
}

// render wraps every template failure as a configuration error.
func (e *ConversationEngine) render(name string, vars map[string]any) (string, error) {
	out, err := e.prompts.Render(name, vars)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return out, nil
}

func (e *ConversationEngine) ask(ctx context.Context, step, systemPrompt, userPrompt string, history []models.Message) (string, error) {
	out, err := e.llm.SendMessage(ctx, systemPrompt, userPrompt, history)
	if err != nil {
		return "", fmt.Errorf("failed to %s: %w", step, err)
	}
	return out, nil
}

func profileJSON(profile *models.UserProfile) string {
	b, err := json.Marshal(profile)
	if err != nil {
		slog.Warn("profileJSON: marshal failed", "userID", profile.ID, "error", err)
		return "{}"
	}
	return string(b)
}

func (e *ConversationEngine) isMessageInContext(ctx context.Context, profile *models.UserProfile, text string, prior []models.Message) (bool, error) {
	sys, err := e.render(PromptIsMessageInContext, map[string]any{
		"userProfile": profileJSON(profile),
		"userMessage": text,
	})
	if err != nil {
		return false, err
	}
	out, err := e.ask(ctx, "check message context", sys, "", prior)
	if err != nil {
		return false, err
	}
	match := yesNoPattern.FindString(out)
	if match == "" {
		slog.Warn("ConversationEngine.isMessageInContext: unclear answer, assuming in context", "userID", profile.ID, "answer", out)
		return true, nil
	}
	return strings.EqualFold(match, "yes"), nil
}

func (e *ConversationEngine) replyOffTopic(ctx context.Context, hist *History, profile *models.UserProfile, text string, prior []models.Message) (string, error) {
	sys, err := e.render(PromptInformNotInContext, map[string]any{
		"userProfile": profileJSON(profile),
		"lastMessage": text,
	})
	if err != nil {
		return "", err
	}
	reply, err := e.ask(ctx, "reply to off-topic message", sys, "", prior)
	if err != nil {
		return "", err
	}
	if err := e.appendMessage(ctx, hist, profile.ID, models.RoleAssistant, reply); err != nil {
		return "", err
	}
	slog.Info("ConversationEngine: message out of context", "userID", profile.ID)
	return reply, nil
}

func (e *ConversationEngine) decideOnNextAction(ctx context.Context, profile *models.UserProfile, step Step, text string, prior []models.Message) (Directive, error) {
	now := e.now()
	hours := "never"
	if last := profile.LastTimeAskedForSatisfactionLevel; last != nil {
		hours = fmt.Sprintf("%.1f", now.Sub(*last).Hours())
	}
	canAsk := e.selector != nil && ShouldAskForSatisfactionLevel(profile, now)
	sys, err := e.render(PromptDecideOnNextAction, map[string]any{
		"hoursSinceLastAsked": hours,
		"canAskSatisfaction":  canAsk,
		"userProfile":         profileJSON(profile),
		"currentStep":         step.ID,
		"userMessage":         text,
	})
	if err != nil {
		return DirectiveRespond, err
	}
	out, err := e.ask(ctx, "decide on next action", sys, text, prior)
	if err != nil {
		return DirectiveRespond, err
	}
	d := ParseDirective(out)
	if d == DirectiveAskSatisfaction && !canAsk {
		slog.Debug("ConversationEngine.decideOnNextAction: satisfaction gate closed, responding instead", "userID", profile.ID)
		d = DirectiveRespond
	}
	return d, nil
}

// pickPersona returns a random teacher and a target answer length.
func (e *ConversationEngine) pickPersona() (string, int) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return teachers[e.rng.IntN(len(teachers))], minAnswerLength + e.rng.IntN(maxAnswerLength-minAnswerLength+1)
}

func (e *ConversationEngine) respondToUser(ctx context.Context, profile *models.UserProfile, text string, prior []models.Message) (string, error) {
	teacher, length := e.pickPersona()
	sys, err := e.render(PromptRespondToUser, map[string]any{
		"userProfile":   profileJSON(profile),
		"randomTeacher": teacher,
		"answerLength":  length,
	})
	if err != nil {
		return "", err
	}
	slog.Debug("ConversationEngine.respondToUser", "userID", profile.ID, "teacher", teacher, "answerLength", length)
	return e.ask(ctx, "respond to user", sys, text, prior)
}

func (e *ConversationEngine) executeCurrentStep(ctx context.Context, profile *models.UserProfile, step Step, text string, prior []models.Message) (string, error) {
	sys, err := e.render(step.PromptName, map[string]any{
		"userProfile":     profileJSON(profile),
		"stepDescription": step.Description,
	})
	if err != nil {
		return "", err
	}
	slog.Debug("ConversationEngine.executeCurrentStep", "userID", profile.ID, "step", step.ID)
	return e.ask(ctx, "execute step "+step.ID, sys, text, prior)
}

// isStepFinished asks the model whether the step's finish criteria are met. Any
// answer other than "1", including a failed call, counts as not finished.
func (e *ConversationEngine) isStepFinished(ctx context.Context, step Step, text, reply string) (bool, error) {
	sys, err := e.render(PromptEvaluateStepFinish, map[string]any{
		"stepFinishCriteria": step.FinishCriteria,
		"userMessage":        text,
		"botReply":           reply,
	})
	if err != nil {
		return false, err
	}
	out, err := e.llm.SendMessage(ctx, sys, "", nil)
	if err != nil {
		slog.Warn("ConversationEngine.isStepFinished: evaluation failed", "step", step.ID, "error", err)
		return false, nil
	}
	switch strings.TrimSpace(out) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		slog.Warn("ConversationEngine.isStepFinished: unexpected evaluation", "step", step.ID, "answer", out)
		return false, nil
	}
}

func (e *ConversationEngine) checkAndAdvanceStep(ctx context.Context, profile *models.UserProfile, sm *StepManager, text, reply string) error {
	current := sm.GetCurrentStep()
	finished, err := e.isStepFinished(ctx, current, text, reply)
	if err != nil || !finished {
		return err
	}
	if !sm.AdvanceStep() {
		return nil
	}
	profile.CurrentStep = sm.GetCurrentStep().ID
	if err := e.store.SaveUser(ctx, profile); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	slog.Info("ConversationEngine: step advanced", "userID", profile.ID, "from", current.ID, "to", profile.CurrentStep)
	return nil
}

// processConversation refreshes the summary and personal details from the latest
// exchange. Failures are logged and leave the stored profile untouched.
func (e *ConversationEngine) processConversation(ctx context.Context, profile *models.UserProfile, text, reply string) {
	details, err := json.Marshal(profile.PersonalDetails)
	if err != nil {
		slog.Error("ConversationEngine.processConversation: can't marshal personal details", "userID", profile.ID, "error", err)
		return
	}
	sys, err := e.render(PromptProcessConversation, map[string]any{
		"personalDetails": string(details),
		"combinedText":    profile.ConversationSummary + " User: " + text + " Bot: " + reply + "\n",
		"date":            e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Error("ConversationEngine.processConversation: can't render prompt", "userID", profile.ID, "error", err)
		return
	}
	out, err := e.llm.SendMessage(ctx, sys, "", nil)
	if err != nil {
		slog.Error("ConversationEngine.processConversation: LLM call failed", "userID", profile.ID, "error", err)
		return
	}

	sections := ParseMultiResponse(out)
	updated := profile.Clone()
	if summary := sections[sectionSummary]; summary != "" {
		updated.ConversationSummary = summary
	}
	if block := sections[sectionPersonalDetails]; block != "" {
		parsed, err := ParsePersonalDetails(block)
		if err != nil {
			slog.Error("ConversationEngine.processConversation: can't parse section", "userID", profile.ID, "section", sectionPersonalDetails, "error", err)
			return
		}
		updated.PersonalDetails.Merge(parsed)
	}
	if err := e.store.SaveUser(ctx, updated); err != nil {
		slog.Error("ConversationEngine.processConversation: can't save profile", "userID", profile.ID, "error", err)
		return
	}
	*profile = *updated
	slog.Debug("ConversationEngine.processConversation: completed", "userID", profile.ID)
}

// GreetTheUser writes the opening message for userID.
func (e *ConversationEngine) GreetTheUser(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", models.ErrEmptyUserID
	}
	unlock := e.locks.lock(userID)
	defer unlock()

	data, err := e.store.GetUserData(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user data: %w", err)
	}
	profile := data.Profile
	sys, err := e.render(PromptGreeting, map[string]any{
		"language":    profile.Language.DisplayName(),
		"userProfile": profileJSON(profile),
		"askForName":  profile.PersonalDetails.FirstName() == "",
	})
	if err != nil {
		return "", err
	}
	hist := NewHistory(e.window, data.Messages)
	reply, err := e.ask(ctx, "greet the user", sys, "", hist.Messages())
	if err != nil {
		return "", err
	}
	if err := e.appendMessage(ctx, hist, userID, models.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// CreateScheduledMessage writes a proactive check-in message for userID.
func (e *ConversationEngine) CreateScheduledMessage(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", models.ErrEmptyUserID
	}
	unlock := e.locks.lock(userID)
	defer unlock()

	data, err := e.store.GetUserData(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user data: %w", err)
	}
	profile := data.Profile
	sys, err := e.render(PromptCreateScheduled, map[string]any{
		"userProfile": profileJSON(profile),
		"currentTime": e.now().Format(time.RFC3339),
		"language":    profile.Language.DisplayName(),
	})
	if err != nil {
		return "", err
	}
	hist := NewHistory(e.window, data.Messages)
	reply, err := e.ask(ctx, "create scheduled message", sys, "", hist.Messages())
	if err != nil {
		return "", err
	}
	if err := e.appendMessage(ctx, hist, userID, models.RoleAssistant, reply); err != nil {
		return "", err
	}
	if err := e.store.SaveUser(ctx, profile); err != nil {
		return "", fmt.Errorf("failed to save user: %w", err)
	}
	return reply, nil
}

// ClearHistory snapshots and clears the conversation of userID.
func (e *ConversationEngine) ClearHistory(ctx context.Context, userID string) error {
	unlock := e.locks.lock(userID)
	defer unlock()
	if err := e.store.ClearMessageHistory(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	slog.Info("ConversationEngine: history cleared", "userID", userID)
	return nil
}

// ListBackups returns the backup keys of userID, newest first.
func (e *ConversationEngine) ListBackups(ctx context.Context, userID string) ([]string, error) {
	unlock := e.locks.lock(userID)
	defer unlock()
	keys, err := e.store.GetBackups(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	return keys, nil
}

// RestoreBackup restores one of userID's own backups.
func (e *ConversationEngine) RestoreBackup(ctx context.Context, userID, key string) error {
	owner, _, err := models.ParseBackupKey(key)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrForeignBackup
	}
	unlock := e.locks.lock(userID)
	defer unlock()
	if err := e.store.RestoreFromBackup(ctx, key); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	slog.Info("ConversationEngine: backup restored", "userID", userID, "backup", key)
	return nil
}

// SetLanguage stores the preferred language of userID.
func (e *ConversationEngine) SetLanguage(ctx context.Context, userID string, lang models.Language) error {
	if !lang.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	unlock := e.locks.lock(userID)
	defer unlock()
	profile, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	profile.Language = lang
	if err := e.store.SaveUser(ctx, profile); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// UserLanguage returns the stored language of userID, or the default when the
// profile cannot be read.
func (e *ConversationEngine) UserLanguage(ctx context.Context, userID string) models.Language {
	profile, err := e.store.GetUser(ctx, userID)
	if err != nil {
		slog.Warn("ConversationEngine.UserLanguage: can't load user", "userID", userID, "error", err)
		return models.DefaultLanguage
	}
	return profile.Language
}
