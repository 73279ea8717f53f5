package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/InnerGuide/internal/flow"
	"github.com/BTreeMap/InnerGuide/internal/models"
	"github.com/BTreeMap/InnerGuide/internal/testutil"
)

const userA = "972500000001"

type fakeEngine struct {
	mu       sync.Mutex
	handle   func(ctx context.Context, userID, text string) (string, error)
	greet    func(ctx context.Context, userID string) (string, error)
	calls    []string
	lang     map[string]models.Language
	backups  map[string][]string
	cleared  []string
	restored []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		handle: func(ctx context.Context, userID, text string) (string, error) {
			return "echo: " + text, nil
		},
		greet: func(ctx context.Context, userID string) (string, error) {
			return "Hello there!", nil
		},
		lang:    map[string]models.Language{},
		backups: map[string][]string{},
	}
}

func (f *fakeEngine) HandleMessage(ctx context.Context, userID, text string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, userID+":"+text)
	handle := f.handle
	f.mu.Unlock()
	return handle(ctx, userID, text)
}

func (f *fakeEngine) GreetTheUser(ctx context.Context, userID string) (string, error) {
	return f.greet(ctx, userID)
}

func (f *fakeEngine) ClearHistory(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
	return nil
}

func (f *fakeEngine) ListBackups(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backups[userID], nil
}

func (f *fakeEngine) RestoreBackup(ctx context.Context, userID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, key)
	return nil
}

func (f *fakeEngine) SetLanguage(ctx context.Context, userID string, lang models.Language) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lang[userID] = lang
	return nil
}

func (f *fakeEngine) UserLanguage(ctx context.Context, userID string) models.Language {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.lang[userID]; ok {
		return l
	}
	return models.DefaultLanguage
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type handlerFixture struct {
	svc     *testutil.RecordingService
	engine  *fakeEngine
	handler *ResponseHandler
}

func newHandlerFixture() *handlerFixture {
	svc := testutil.NewRecordingService()
	engine := newFakeEngine()
	h := NewResponseHandler(svc, engine, NewTextSelector(svc), WithRetryBackoff(time.Millisecond))
	return &handlerFixture{svc: svc, engine: engine, handler: h}
}

func (f *handlerFixture) process(t *testing.T, body string) error {
	t.Helper()
	return f.handler.ProcessResponse(context.Background(), models.Response{From: userA, Body: body, Time: time.Now().Unix()})
}

func (f *handlerFixture) lastSent(t *testing.T) string {
	t.Helper()
	sent := f.svc.Sent()
	require.NotEmpty(t, sent)
	return sent[len(sent)-1].Body
}

func TestProcessResponseRepliesWithEngineAnswer(t *testing.T) {
	f := newHandlerFixture()
	require.NoError(t, f.process(t, "  hello  "))

	sent := f.svc.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, userA, sent[0].To)
	assert.Equal(t, "echo: hello", sent[0].Body)
}

func TestProcessResponseEmptyReplySendsNothing(t *testing.T) {
	f := newHandlerFixture()
	f.engine.handle = func(ctx context.Context, userID, text string) (string, error) { return "", nil }

	require.NoError(t, f.process(t, "hello"))
	assert.Empty(t, f.svc.Sent())
}

func TestProcessResponseNonTextMessage(t *testing.T) {
	f := newHandlerFixture()
	require.NoError(t, f.process(t, ""))
	assert.Equal(t, models.LocaleFor(models.LanguageEnglish).TextOnly, f.lastSent(t))
	assert.Zero(t, f.engine.callCount())
}

func TestProcessResponseRetriesTransientErrors(t *testing.T) {
	f := newHandlerFixture()
	attempts := 0
	f.engine.handle = func(ctx context.Context, userID, text string) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "finally", nil
	}

	require.NoError(t, f.process(t, "hello"))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []testutil.SentMessage{{To: userA, Body: "finally"}}, f.svc.Sent())
}

func TestProcessResponseFailureSendsApology(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		lang         models.Language
		wantAttempts int
	}{
		{"configuration error is not retried", fmt.Errorf("%w: missing prompt", flow.ErrConfiguration), models.LanguageEnglish, 1},
		{"cancellation is not retried", context.Canceled, models.LanguageEnglish, 1},
		{"transient error exhausts attempts", errors.New("llm down"), models.LanguageHebrew, DefaultRetryAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture()
			f.engine.lang[userA] = tt.lang
			attempts := 0
			f.engine.handle = func(ctx context.Context, userID, text string) (string, error) {
				attempts++
				return "", tt.err
			}

			err := f.process(t, "hello")
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantAttempts, attempts)

			sent := f.svc.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, models.LocaleFor(tt.lang).Apology, sent[0].Body)
			assert.NotContains(t, sent[0].Body, tt.err.Error())
		})
	}
}

func TestCommandsHelpAndStart(t *testing.T) {
	f := newHandlerFixture()
	help := models.LocaleFor(models.LanguageEnglish).Help

	require.NoError(t, f.process(t, "/help"))
	assert.Equal(t, help, f.lastSent(t))

	require.NoError(t, f.process(t, "/unknown"))
	assert.Equal(t, help, f.lastSent(t))

	require.NoError(t, f.process(t, "/START"))
	assert.Equal(t, "Hello there!", f.lastSent(t))
	assert.Zero(t, f.engine.callCount(), "commands must not reach HandleMessage")
}

func TestCommandStartRetries(t *testing.T) {
	f := newHandlerFixture()
	calls := 0
	f.engine.greet = func(ctx context.Context, userID string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("timeout")
		}
		return "Hi!", nil
	}
	require.NoError(t, f.process(t, "/start"))
	assert.Equal(t, 2, calls)
	assert.Equal(t, "Hi!", f.lastSent(t))
}

func TestCommandClear(t *testing.T) {
	loc := models.LocaleFor(models.LanguageEnglish)

	t.Run("confirmed", func(t *testing.T) {
		f := newHandlerFixture()
		require.NoError(t, f.process(t, "/clear"))
		assert.Equal(t, FormatOptions(loc.ClearConfirm, []string{loc.ClearYes, loc.ClearNo}), f.lastSent(t))

		require.NoError(t, f.process(t, "1"))
		assert.Equal(t, []string{userA}, f.engine.cleared)
		assert.Equal(t, loc.ClearDone, f.lastSent(t))
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newHandlerFixture()
		require.NoError(t, f.process(t, "/clear"))
		require.NoError(t, f.process(t, loc.ClearNo))
		assert.Empty(t, f.engine.cleared)
		assert.Equal(t, loc.ClearCancelled, f.lastSent(t))
	})

	t.Run("unrelated answer becomes a normal message", func(t *testing.T) {
		f := newHandlerFixture()
		require.NoError(t, f.process(t, "/clear"))
		require.NoError(t, f.process(t, "actually, tell me a joke"))
		assert.Empty(t, f.engine.cleared)
		assert.Equal(t, "echo: actually, tell me a joke", f.lastSent(t))
	})
}

func TestCommandRestore(t *testing.T) {
	loc := models.LocaleFor(models.LanguageEnglish)
	newer := time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC)
	older := newer.Add(-48 * time.Hour)

	f := newHandlerFixture()
	f.engine.backups[userA] = []string{models.BackupKey(userA, newer), models.BackupKey(userA, older)}

	require.NoError(t, f.process(t, "/restore"))
	assert.Equal(t, loc.RestorePrompt+"\n1. 05-03-2024 14:07\n2. 03-03-2024 14:07", f.lastSent(t))

	require.NoError(t, f.process(t, "2"))
	assert.Equal(t, []string{models.BackupKey(userA, older)}, f.engine.restored)
	assert.Equal(t, loc.RestoreDone, f.lastSent(t))
}

func TestCommandRestoreLimitsOptions(t *testing.T) {
	f := newHandlerFixture()
	base := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		f.engine.backups[userA] = append(f.engine.backups[userA], models.BackupKey(userA, base.Add(-time.Duration(i)*time.Hour)))
	}

	require.NoError(t, f.process(t, "/restore"))
	body := f.lastSent(t)
	assert.Contains(t, body, "\n8. ")
	assert.NotContains(t, body, "\n9. ")
}

func TestCommandRestoreWithoutBackups(t *testing.T) {
	f := newHandlerFixture()
	require.NoError(t, f.process(t, "/restore"))
	assert.Equal(t, models.LocaleFor(models.LanguageEnglish).NoBackups, f.lastSent(t))
	_, pending := f.handler.selector.Pending(userA)
	assert.False(t, pending)
}

func TestCommandSetLanguage(t *testing.T) {
	f := newHandlerFixture()
	require.NoError(t, f.process(t, "/setlanguage"))
	assert.True(t, strings.HasSuffix(f.lastSent(t), "1. English\n2. עברית"))

	require.NoError(t, f.process(t, "2"))
	assert.Equal(t, models.LanguageHebrew, f.engine.lang[userA])
	assert.Equal(t, models.LocaleFor(models.LanguageHebrew).LanguageSet, f.lastSent(t))

	require.NoError(t, f.process(t, "/help"))
	assert.Equal(t, models.LocaleFor(models.LanguageHebrew).Help, f.lastSent(t))
}

func TestSelectionCallbackErrorSendsApology(t *testing.T) {
	f := newHandlerFixture()
	boom := errors.New("store down")
	require.NoError(t, f.handler.selector.Present(context.Background(), "s", userA, "Pick", []string{"a"}, []string{"A"},
		func(ctx context.Context, value, userID string) (string, error) { return "", boom }))

	err := f.process(t, "1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, models.LocaleFor(models.LanguageEnglish).Apology, f.lastSent(t))
	assert.Zero(t, f.engine.callCount())
}

func TestResponseHandlerSerializesPerUser(t *testing.T) {
	f := newHandlerFixture()
	var mu sync.Mutex
	inFlight := map[string]int{}
	maxInFlight := 0
	order := map[string][]string{}
	f.engine.handle = func(ctx context.Context, userID, text string) (string, error) {
		mu.Lock()
		inFlight[userID]++
		if inFlight[userID] > maxInFlight {
			maxInFlight = inFlight[userID]
		}
		order[userID] = append(order[userID], text)
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight[userID]--
		mu.Unlock()
		return "ok " + text, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.handler.Start(ctx)

	users := []string{"972500000001", "972500000002", "972500000003"}
	const perUser = 5
	for i := 0; i < perUser; i++ {
		for _, u := range users {
			f.svc.Deliver(u, fmt.Sprintf("m%d", i))
		}
	}

	sent := f.svc.WaitForSent(perUser*len(users), 5*time.Second)
	require.Len(t, sent, perUser*len(users))
	require.NoError(t, f.svc.Stop())
	f.handler.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight)
	for _, u := range users {
		assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, order[u], u)
	}
	f.handler.mu.Lock()
	assert.Empty(t, f.handler.queues)
	f.handler.mu.Unlock()
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(fmt.Errorf("wrapped: %w", flow.ErrConfiguration)))
	assert.False(t, retryable(context.DeadlineExceeded))
	assert.False(t, retryable(models.ErrEmptyUserID))
	assert.True(t, retryable(errors.New("rate limited")))
}
