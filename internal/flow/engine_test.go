package flow

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/InnerGuide/internal/models"
	"github.com/BTreeMap/InnerGuide/internal/prompts"
	"github.com/BTreeMap/InnerGuide/internal/store"
	"github.com/BTreeMap/InnerGuide/internal/testutil"
)

const testPrompts = `
greeting: "@@GREETING lang={{.language}} askForName={{.askForName}} profile={{.userProfile}}"
decideOnNextAction: "@@DECIDE step={{.currentStep}} canAsk={{.canAskSatisfaction}} hours={{.hoursSinceLastAsked}} profile={{.userProfile}} msg={{.userMessage}}"
respondToUser: "@@RESPOND teacher={{.randomTeacher}} length={{.answerLength}} profile={{.userProfile}}"
processConversation: "@@PROCESS details={{.personalDetails}} text={{.combinedText}} date={{.date}}"
createScheduledMessage: "@@SCHEDULED time={{.currentTime}} lang={{.language}} profile={{.userProfile}}"
evaluateStepFinish: "@@EVALUATE criteria={{.stepFinishCriteria}} user={{.userMessage}} bot={{.botReply}}"
isMessageInChatContext: "@@GATE profile={{.userProfile}} msg={{.userMessage}}"
informTheUserThatTheMessageIsNotInContext: "@@OFFTOPIC last={{.lastMessage}} profile={{.userProfile}}"
stepGreeting: "@@STEP Greeting: {{.stepDescription}} {{.userProfile}}"
stepAskForTheUserName: "@@STEP AskForTheUserName: {{.stepDescription}} {{.userProfile}}"
stepDiscoverUserGoal: "@@STEP DiscoverUserGoal: {{.stepDescription}} {{.userProfile}}"
stepContinueConversation: "@@STEP ContinueConversation: {{.stepDescription}} {{.userProfile}}"
`

type presentation struct {
	subject  string
	userID   string
	text     string
	values   []string
	display  []string
	onSelect SelectFunc
}

type fakeSelector struct {
	mu        sync.Mutex
	presented []presentation
	err       error
}

func (f *fakeSelector) Present(ctx context.Context, subjectID, userID, text string, values, displayValues []string, onSelect SelectFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.presented = append(f.presented, presentation{subjectID, userID, text, values, displayValues, onSelect})
	return nil
}

func (f *fakeSelector) last(t *testing.T) presentation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.presented, "nothing was presented")
	return f.presented[len(f.presented)-1]
}

type fixture struct {
	engine   *ConversationEngine
	store    *store.InMemoryStore
	llm      *testutil.ScriptedLLM
	selector *fakeSelector
	now      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	renderer, err := prompts.Parse([]byte(testPrompts))
	require.NoError(t, err)
	f := &fixture{
		store:    store.NewInMemoryStore(),
		llm:      testutil.NewScriptedLLM(),
		selector: &fakeSelector{},
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	base := []Option{
		WithClock(func() time.Time { return f.now }),
		WithRandSource(rand.NewPCG(1, 2)),
	}
	f.engine, err = NewConversationEngine(f.store, f.llm, renderer, f.selector, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(f.engine.Wait)
	return f
}

// profile and messages read the store once background refreshes settle.
func (f *fixture) profile(t *testing.T, userID string) *models.UserProfile {
	t.Helper()
	f.engine.Wait()
	p, err := f.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return p
}

func (f *fixture) messages(t *testing.T, userID string) []models.Message {
	t.Helper()
	f.engine.Wait()
	msgs, err := f.store.GetMessageHistory(context.Background(), userID)
	require.NoError(t, err)
	return msgs
}

func TestHandleMessageRespondsAndUpdatesProfile(t *testing.T) {
	f := newFixture(t)
	f.llm.On("@@DECIDE", "RESPOND").
		On("@@RESPOND", "Hello friend").
		On("@@PROCESS", "### SUMMARY\nThe user said hi\n### PERSONAL DETAILS\n**First Name**: Yogev\n## Hobbies\n- Reading\n- Hiking")

	reply, err := f.engine.HandleMessage(context.Background(), "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello friend", reply)

	msgs := f.messages(t, "u1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Message)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello friend", msgs[1].Message)

	p := f.profile(t, "u1")
	assert.Equal(t, "The user said hi", p.ConversationSummary)
	assert.Equal(t, "Yogev", p.PersonalDetails["firstName"])
	assert.Equal(t, []string{"Reading", "Hiking"}, p.PersonalDetails["hobbies"])

	respond := f.llm.CallsMatching("@@RESPOND")
	require.Len(t, respond, 1)
	assert.Equal(t, "hi", respond[0].UserPrompt)
	assert.Empty(t, respond[0].History, "history excludes the current message")

	process := f.llm.CallsMatching("@@PROCESS")
	require.Len(t, process, 1)
	assert.Contains(t, process[0].SystemPrompt, " User: hi Bot: Hello friend")
	assert.Contains(t, process[0].SystemPrompt, "date=2024-06-01T12:00:00Z")
}

func TestRespondPersonaAndLength(t *testing.T) {
	f := newFixture(t)
	f.llm.On("@@DECIDE", "RESPOND")
	for i := 0; i < 10; i++ {
		_, err := f.engine.HandleMessage(context.Background(), "u1", "tell me something")
		require.NoError(t, err)
	}
	for _, call := range f.llm.CallsMatching("@@RESPOND") {
		var teacherOK bool
		for _, teacher := range teachers {
			if strings.Contains(call.SystemPrompt, "teacher="+teacher+" ") {
				teacherOK = true
			}
		}
		assert.True(t, teacherOK, "unexpected persona in %q", call.SystemPrompt)

		var length int
		idx := strings.Index(call.SystemPrompt, "length=")
		require.GreaterOrEqual(t, idx, 0)
		_, err := fmt.Sscan(call.SystemPrompt[idx+len("length="):], &length)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, length, minAnswerLength)
		assert.LessOrEqual(t, length, maxAnswerLength)
	}
}

func TestPersonaIsDeterministicForSeed(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)
	for i := 0; i < 5; i++ {
		ta, la := a.engine.pickPersona()
		tb, lb := b.engine.pickPersona()
		assert.Equal(t, ta, tb)
		assert.Equal(t, la, lb)
	}
}

func TestProcessConversationFailureKeepsProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := models.DefaultProfile("u1")
	p.ConversationSummary = "earlier"
	require.NoError(t, f.store.SaveUser(ctx, p))

	f.llm.On("@@DECIDE", "RESPOND").
		On("@@RESPOND", "reply").
		Fail("@@PROCESS", errors.New("rate limited"))

	reply, err := f.engine.HandleMessage(ctx, "u1", "hi")
	require.NoError(t, err, "processConversation errors never fail the turn")
	assert.Equal(t, "reply", reply)
	assert.Equal(t, "earlier", f.profile(t, "u1").ConversationSummary)
}

func TestProcessConversationKeepsExistingDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := models.DefaultProfile("u1")
	p.PersonalDetails["firstName"] = "Yogev"
	p.PersonalDetails["location"] = "Haifa"
	require.NoError(t, f.store.SaveUser(ctx, p))

	f.llm.On("@@DECIDE", "RESPOND").
		On("@@PROCESS", "### PERSONAL DETAILS\n# Personal Details\n**Age**: 34\n**Location**:")

	_, err := f.engine.HandleMessage(ctx, "u1", "I'm 34")
	require.NoError(t, err)
	got := f.profile(t, "u1")
	assert.Equal(t, "Yogev", got.PersonalDetails["firstName"])
	assert.Equal(t, "Haifa", got.PersonalDetails["location"], "empty values never erase")
	assert.Equal(t, "34", got.PersonalDetails["age"])
	assert.Empty(t, got.ConversationSummary)
}

func TestFollowStepAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.llm.On("@@DECIDE", "FOLLOW_STEP").
		On("@@STEP", "Nice to meet you! What's your name?").
		On("@@EVALUATE", "1", "0", "maybe")

	reply, err := f.engine.HandleMessage(ctx, "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you! What's your name?", reply)
	assert.Equal(t, "AskForTheUserName", f.profile(t, "u1").CurrentStep)

	steps := f.llm.CallsMatching("@@STEP Greeting")
	require.Len(t, steps, 1)
	assert.Equal(t, "hello", steps[0].UserPrompt)

	eval := f.llm.CallsMatching("@@EVALUATE")
	require.Len(t, eval, 1)
	assert.Contains(t, eval[0].SystemPrompt, "user=hello bot=Nice to meet you!")

	_, err = f.engine.HandleMessage(ctx, "u1", "skip")
	require.NoError(t, err)
	assert.Equal(t, "AskForTheUserName", f.profile(t, "u1").CurrentStep, "0 does not advance")
	assert.Len(t, f.llm.CallsMatching("@@STEP AskForTheUserName"), 1)

	_, err = f.engine.HandleMessage(ctx, "u1", "still skipping")
	require.NoError(t, err)
	assert.Equal(t, "AskForTheUserName", f.profile(t, "u1").CurrentStep, "unexpected answers do not advance")
}

func TestFollowStepStopsAtLastStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := models.DefaultProfile("u1")
	p.CurrentStep = "ContinueConversation"
	require.NoError(t, f.store.SaveUser(ctx, p))
	f.llm.On("@@DECIDE", "FOLLOW_STEP").On("@@EVALUATE", "1")

	_, err := f.engine.HandleMessage(ctx, "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ContinueConversation", f.profile(t, "u1").CurrentStep)
}

func TestUnknownCurrentStepIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := models.DefaultProfile("u1")
	p.CurrentStep = "Vanished"
	require.NoError(t, f.store.SaveUser(ctx, p))

	_, err := f.engine.HandleMessage(ctx, "u1", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, ErrStepNotFound)
}

func TestAskSatisfactionThenRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.llm.On("@@DECIDE", "ASK_SATISFACTION").
		On("@@RESPOND", "Glad to hear it")

	reply, err := f.engine.HandleMessage(ctx, "u1", "I had a good day")
	require.NoError(t, err)
	assert.Empty(t, reply, "reply is deferred to the selection")

	pres := f.selector.last(t)
	assert.Equal(t, "satisfactionLevel", pres.subject)
	assert.Equal(t, "u1", pres.userID)
	assert.Equal(t, "How satisfied are you from your life right now?", pres.text)
	assert.Equal(t, models.SatisfactionLevels, pres.values)
	assert.Equal(t, models.LocaleFor(models.LanguageEnglish).SatisfactionLabels, pres.display)

	p := f.profile(t, "u1")
	require.NotNil(t, p.LastTimeAskedForSatisfactionLevel)
	assert.True(t, p.LastTimeAskedForSatisfactionLevel.Equal(f.now))
	assert.Len(t, f.messages(t, "u1"), 1, "only the user message is logged")

	f.now = f.now.Add(time.Minute)
	reply, err = pres.onSelect(ctx, "Good", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Glad to hear it", reply)

	p = f.profile(t, "u1")
	require.Len(t, p.SatisfactionLevel, 1)
	assert.Equal(t, 4, p.SatisfactionLevel[0].Level)

	msgs := f.messages(t, "u1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "I had a good day\n\n(I rated my current life satisfaction as: Good)", msgs[1].Message)

	decide := f.llm.CallsMatching("@@DECIDE")
	require.Len(t, decide, 2)
	assert.Contains(t, decide[0].SystemPrompt, "canAsk=true hours=never")
	assert.Contains(t, decide[1].SystemPrompt, "canAsk=false")
}

func TestSatisfactionUsesLocalizedLabel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetLanguage(ctx, "u1", models.LanguageHebrew))
	f.llm.On("@@DECIDE", "ASK_SATISFACTION")

	_, err := f.engine.HandleMessage(ctx, "u1", "שלום")
	require.NoError(t, err)
	pres := f.selector.last(t)
	heb := models.LocaleFor(models.LanguageHebrew)
	assert.Equal(t, heb.SatisfactionQuestion, pres.text)

	_, err = pres.onSelect(ctx, "Great", "u1")
	require.NoError(t, err)
	msgs := f.messages(t, "u1")
	assert.True(t, strings.HasSuffix(msgs[len(msgs)-2].Message, heb.SatisfactionLabels[4]+")"))
}

func TestSatisfactionUnknownValue(t *testing.T) {
	f := newFixture(t)
	f.llm.On("@@DECIDE", "ASK_SATISFACTION")
	_, err := f.engine.HandleMessage(context.Background(), "u1", "hi")
	require.NoError(t, err)

	_, err = f.selector.last(t).onSelect(context.Background(), "Ecstatic", "u1")
	assert.ErrorIs(t, err, models.ErrUnknownSatisfactionLevel)
	assert.Empty(t, f.profile(t, "u1").SatisfactionLevel)
}

func TestSatisfactionGateDowngradesDirective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := models.DefaultProfile("u1")
	asked := f.now.Add(-time.Hour)
	p.LastTimeAskedForSatisfactionLevel = &asked
	require.NoError(t, f.store.SaveUser(ctx, p))
	f.llm.On("@@DECIDE", "ASK_SATISFACTION").On("@@RESPOND", "answered")

	reply, err := f.engine.HandleMessage(ctx, "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "answered", reply)
	assert.Empty(t, f.selector.presented)
	assert.Contains(t, f.llm.CallsMatching("@@DECIDE")[0].SystemPrompt, "hours=1.0")
}

func TestNoSelectorNeverAsks(t *testing.T) {
	renderer, err := prompts.Parse([]byte(testPrompts))
	require.NoError(t, err)
	llm := testutil.NewScriptedLLM().On("@@DECIDE", "ASK_SATISFACTION").On("@@RESPOND", "answered")
	engine, err := NewConversationEngine(store.NewInMemoryStore(), llm, renderer, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Wait)

	reply, err := engine.HandleMessage(context.Background(), "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "answered", reply)
}

func TestSelectorErrorFailsTurn(t *testing.T) {
	f := newFixture(t)
	f.selector.err = errors.New("send failed")
	f.llm.On("@@DECIDE", "ASK_SATISFACTION")
	_, err := f.engine.HandleMessage(context.Background(), "u1", "hi")
	assert.Error(t, err)
	assert.Nil(t, f.profile(t, "u1").LastTimeAskedForSatisfactionLevel)
}

func TestContextGate(t *testing.T) {
	f := newFixture(t, WithContextGate(true))
	ctx := context.Background()
	f.llm.On("@@GATE", "No.", "I am not sure").
		On("@@OFFTOPIC", "Let's get back to you").
		On("@@DECIDE", "RESPOND").
		On("@@RESPOND", "in context reply")

	reply, err := f.engine.HandleMessage(ctx, "u1", "what's the weather in Paris?")
	require.NoError(t, err)
	assert.Equal(t, "Let's get back to you", reply)
	assert.Empty(t, f.llm.CallsMatching("@@DECIDE"))
	assert.Len(t, f.messages(t, "u1"), 2)
	assert.Contains(t, f.llm.CallsMatching("@@OFFTOPIC")[0].SystemPrompt, "last=what's the weather in Paris?")

	reply, err = f.engine.HandleMessage(ctx, "u1", "I feel stuck")
	require.NoError(t, err)
	assert.Equal(t, "in context reply", reply, "unclear gate answers count as in context")
}

func TestContextGateDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	f.llm.On("@@DECIDE", "RESPOND")
	_, err := f.engine.HandleMessage(context.Background(), "u1", "hi")
	require.NoError(t, err)
	assert.Empty(t, f.llm.CallsMatching("@@GATE"))
}

func TestLLMErrorsAreTerminal(t *testing.T) {
	boom := errors.New("upstream 500")
	tests := []struct {
		name  string
		setup func(*testutil.ScriptedLLM)
		opts  []Option
	}{
		{"decide", func(l *testutil.ScriptedLLM) { l.Fail("@@DECIDE", boom) }, nil},
		{"respond", func(l *testutil.ScriptedLLM) { l.On("@@DECIDE", "RESPOND").Fail("@@RESPOND", boom) }, nil},
		{"step", func(l *testutil.ScriptedLLM) { l.On("@@DECIDE", "FOLLOW_STEP").Fail("@@STEP", boom) }, nil},
		{"gate", func(l *testutil.ScriptedLLM) { l.Fail("@@GATE", boom) }, []Option{WithContextGate(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			tt.setup(f.llm)
			_, err := f.engine.HandleMessage(context.Background(), "u1", "hi")
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.NotErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestHistoryWindowLimitsContext(t *testing.T) {
	f := newFixture(t, WithHistoryWindow(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.AddMessage(ctx, models.NewMessage("u1", models.RoleUser, "old", f.now.Add(time.Duration(i)*time.Second))))
	}
	f.llm.On("@@DECIDE", "RESPOND")

	_, err := f.engine.HandleMessage(ctx, "u1", "new")
	require.NoError(t, err)
	respond := f.llm.CallsMatching("@@RESPOND")
	require.Len(t, respond, 1)
	assert.Len(t, respond[0].History, 2)
	assert.Len(t, f.messages(t, "u1"), 7, "the durable log is never truncated")
}

func TestEmptyUserID(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.HandleMessage(context.Background(), "", "hi")
	assert.ErrorIs(t, err, models.ErrEmptyUserID)
}

func TestGreetTheUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.llm.On("@@GREETING", "Hi there! What's your name?", "Welcome back, Yogev")

	reply, err := f.engine.GreetTheUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Hi there! What's your name?", reply)
	greet := f.llm.CallsMatching("@@GREETING")
	require.Len(t, greet, 1)
	assert.Contains(t, greet[0].SystemPrompt, "lang=English askForName=true")
	assert.Empty(t, greet[0].UserPrompt)

	p := f.profile(t, "u1")
	p.PersonalDetails["firstName"] = "Yogev"
	require.NoError(t, f.store.SaveUser(ctx, p))
	_, err = f.engine.GreetTheUser(ctx, "u1")
	require.NoError(t, err)
	greet = f.llm.CallsMatching("@@GREETING")
	require.Len(t, greet, 2)
	assert.Contains(t, greet[1].SystemPrompt, "askForName=false")
	assert.Len(t, greet[1].History, 1, "the first greeting is in the history")

	msgs := f.messages(t, "u1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestCreateScheduledMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetLanguage(ctx, "u1", models.LanguageHebrew))
	f.llm.On("@@SCHEDULED", "בוקר טוב")

	reply, err := f.engine.CreateScheduledMessage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "בוקר טוב", reply)
	call := f.llm.CallsMatching("@@SCHEDULED")[0]
	assert.Contains(t, call.SystemPrompt, "time=2024-06-01T12:00:00Z lang=Hebrew")

	msgs := f.messages(t, "u1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
}

func TestConversationManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.llm.On("@@DECIDE", "RESPOND")
	_, err := f.engine.HandleMessage(ctx, "u1", "hi")
	require.NoError(t, err)

	require.NoError(t, f.engine.ClearHistory(ctx, "u1"))
	assert.Empty(t, f.messages(t, "u1"))

	keys, err := f.engine.ListBackups(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	assert.ErrorIs(t, f.engine.RestoreBackup(ctx, "u2", keys[0]), ErrForeignBackup)
	assert.ErrorIs(t, f.engine.RestoreBackup(ctx, "u1", "nonsense"), models.ErrInvalidBackupKey)

	require.NoError(t, f.engine.RestoreBackup(ctx, "u1", keys[0]))
	assert.Len(t, f.messages(t, "u1"), 2)
}

func TestSetLanguage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetLanguage(ctx, "u1", models.LanguageHebrew))
	assert.Equal(t, models.LanguageHebrew, f.profile(t, "u1").Language)
	assert.Equal(t, models.LanguageHebrew, f.engine.UserLanguage(ctx, "u1"))

	err := f.engine.SetLanguage(ctx, "u1", models.Language("fr"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	assert.Equal(t, models.LanguageEnglish, f.engine.UserLanguage(ctx, "u2"))
}

func TestNewConversationEngineValidatesConfiguration(t *testing.T) {
	llm := testutil.NewScriptedLLM()
	st := store.NewInMemoryStore()

	partial, err := prompts.Parse([]byte(`greeting: "hi"`))
	require.NoError(t, err)
	_, err = NewConversationEngine(st, llm, partial, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, prompts.ErrUnknownTemplate)

	full, err := prompts.Parse([]byte(testPrompts))
	require.NoError(t, err)
	_, err = NewConversationEngine(st, llm, full, nil, WithSteps([]Step{{ID: "a", PromptName: "missingPrompt"}}))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewConversationEngine(st, llm, full, nil, WithSteps([]Step{}))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewConversationEngine(nil, llm, full, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

// trackingLLM records how many calls run at once per user.
type trackingLLM struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (l *trackingLLM) SendMessage(ctx context.Context, systemPrompt, userPrompt string, history []models.Message) (string, error) {
	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		m := l.maxSeen.Load()
		if n <= m || l.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	if strings.HasPrefix(systemPrompt, "@@DECIDE") {
		return "RESPOND", nil
	}
	return "ok", nil
}

func TestTurnsForOneUserAreSerialized(t *testing.T) {
	renderer, err := prompts.Parse([]byte(testPrompts))
	require.NoError(t, err)
	llm := &trackingLLM{}
	st := store.NewInMemoryStore()
	engine, err := NewConversationEngine(st, llm, renderer, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.HandleMessage(context.Background(), "same-user", "hi")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	engine.Wait()

	assert.Equal(t, int32(1), llm.maxSeen.Load())
	msgs, err := st.GetMessageHistory(context.Background(), "same-user")
	require.NoError(t, err)
	assert.Len(t, msgs, 16)
	assert.Empty(t, engine.locks.locks, "idle users leave no lock entries")
}

// blockingLLM holds calls whose system prompt contains marker until release
// is closed.
type blockingLLM struct {
	*testutil.ScriptedLLM
	marker  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingLLM) SendMessage(ctx context.Context, systemPrompt, userPrompt string, history []models.Message) (string, error) {
	if strings.Contains(systemPrompt, b.marker) {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.ScriptedLLM.SendMessage(ctx, systemPrompt, userPrompt, history)
}

func (b *blockingLLM) unblock() {
	b.once.Do(func() { close(b.release) })
}

func TestReplyDoesNotWaitForProfileRefresh(t *testing.T) {
	renderer, err := prompts.Parse([]byte(testPrompts))
	require.NoError(t, err)
	scripted := testutil.NewScriptedLLM()
	scripted.On("@@DECIDE", "RESPOND").
		On("@@RESPOND", "Hello! How can I help you today?", "Second reply").
		On("@@PROCESS", "### SUMMARY\nThe user said hi")
	llm := &blockingLLM{
		ScriptedLLM: scripted,
		marker:      "@@PROCESS",
		entered:     make(chan struct{}, 8),
		release:     make(chan struct{}),
	}
	t.Cleanup(llm.unblock)
	st := store.NewInMemoryStore()
	engine, err := NewConversationEngine(st, llm, renderer, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan string, 1)
	go func() {
		reply, err := engine.HandleMessage(ctx, "u1", "hi")
		assert.NoError(t, err)
		first <- reply
	}()
	select {
	case reply := <-first:
		assert.Equal(t, "Hello! How can I help you today?", reply)
	case <-time.After(2 * time.Second):
		t.Fatal("reply held back by the profile refresh")
	}
	<-llm.entered
	// The caller is gone; the refresh carries on.
	cancel()

	second := make(chan string, 1)
	go func() {
		reply, err := engine.HandleMessage(context.Background(), "u1", "again")
		assert.NoError(t, err)
		second <- reply
	}()
	select {
	case <-second:
		t.Fatal("next turn started before the profile refresh finished")
	case <-time.After(50 * time.Millisecond):
	}

	llm.unblock()
	select {
	case reply := <-second:
		assert.Equal(t, "Second reply", reply)
	case <-time.After(2 * time.Second):
		t.Fatal("next turn never ran")
	}
	engine.Wait()

	p, err := st.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "The user said hi", p.ConversationSummary)

	decide := scripted.CallsMatching("@@DECIDE")
	require.Len(t, decide, 2)
	assert.Contains(t, decide[1].SystemPrompt, "The user said hi", "the next turn sees the refreshed profile")
	assert.Empty(t, engine.locks.locks)
}
