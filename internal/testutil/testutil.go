// Package testutil provides fakes and helpers shared by InnerGuide tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

// LLMCall records one SendMessage invocation.
type LLMCall struct {
	SystemPrompt string
	UserPrompt   string
	History      []models.Message
}

type llmRule struct {
	contains string
	replies  []string
	err      error
}

// ScriptedLLM answers SendMessage by matching the system prompt against rules
// registered with On and Fail. The first matching rule wins. Each call consumes
// the next reply of the rule; the last reply repeats.
type ScriptedLLM struct {
	mu      sync.Mutex
	rules   []*llmRule
	calls   []LLMCall
	Default string
}

// NewScriptedLLM returns a fake with no rules and the default reply "ok".
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{Default: "ok"}
}

// On answers prompts containing contains with replies, in order.
func (s *ScriptedLLM) On(contains string, replies ...string) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, &llmRule{contains: contains, replies: replies})
	return s
}

// Fail returns err for prompts containing contains.
func (s *ScriptedLLM) Fail(contains string, err error) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, &llmRule{contains: contains, err: err})
	return s
}

// SendMessage implements genai.ClientInterface.
func (s *ScriptedLLM) SendMessage(ctx context.Context, systemPrompt, userPrompt string, history []models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, LLMCall{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		History:      append([]models.Message(nil), history...),
	})
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, r := range s.rules {
		if !strings.Contains(systemPrompt, r.contains) {
			continue
		}
		if r.err != nil {
			return "", r.err
		}
		if len(r.replies) == 0 {
			return "", nil
		}
		reply := r.replies[0]
		if len(r.replies) > 1 {
			r.replies = r.replies[1:]
		}
		return reply, nil
	}
	return s.Default, nil
}

// Calls returns every recorded call.
func (s *ScriptedLLM) Calls() []LLMCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LLMCall(nil), s.calls...)
}

// CallsMatching returns the recorded calls whose system prompt contains contains.
func (s *ScriptedLLM) CallsMatching(contains string) []LLMCall {
	var out []LLMCall
	for _, c := range s.Calls() {
		if strings.Contains(c.SystemPrompt, contains) {
			out = append(out, c)
		}
	}
	return out
}

// SentMessage is one message recorded by RecordingService.
type SentMessage struct {
	To   string
	Body string
}

// RecordingService is an in-memory messaging service. Inbound messages are
// injected with Deliver; outbound ones are recorded.
type RecordingService struct {
	mu        sync.Mutex
	cond      *sync.Cond
	sent      []SentMessage
	SendErr   error
	receipts  chan models.Receipt
	responses chan models.Response
	stopOnce  sync.Once
}

// NewRecordingService returns a ready RecordingService.
func NewRecordingService() *RecordingService {
	s := &RecordingService{
		receipts:  make(chan models.Receipt, 100),
		responses: make(chan models.Response, 100),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ValidateAndCanonicalizeRecipient trims the recipient and rejects empty ones.
func (s *RecordingService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	if r == "" {
		return "", errors.New("empty recipient")
	}
	return r, nil
}

// SendMessage records the message, or returns SendErr when set.
func (s *RecordingService) SendMessage(ctx context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, SentMessage{To: to, Body: body})
	s.cond.Broadcast()
	return nil
}

func (s *RecordingService) Start(ctx context.Context) error { return nil }

// Stop closes the event channels.
func (s *RecordingService) Stop() error {
	s.stopOnce.Do(func() {
		close(s.receipts)
		close(s.responses)
	})
	return nil
}

func (s *RecordingService) Receipts() <-chan models.Receipt   { return s.receipts }
func (s *RecordingService) Responses() <-chan models.Response { return s.responses }

// Deliver injects an inbound message.
func (s *RecordingService) Deliver(from, body string) {
	s.responses <- models.Response{From: from, Body: body, Time: time.Now().Unix()}
}

// Sent returns the recorded outbound messages.
func (s *RecordingService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// WaitForSent blocks until at least n messages were sent or timeout elapses.
func (s *RecordingService) WaitForSent(n int, timeout time.Duration) []SentMessage {
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.sent) < n && time.Now().Before(deadline) {
		s.cond.Wait()
	}
	return append([]SentMessage(nil), s.sent...)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
