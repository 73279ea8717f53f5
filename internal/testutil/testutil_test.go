package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestScriptedLLMRules(t *testing.T) {
	llm := NewScriptedLLM().
		On("DECIDE", "FOLLOW_STEP", "RESPOND").
		Fail("BROKEN", errors.New("boom"))
	ctx := context.Background()

	tests := []struct {
		system  string
		want    string
		wantErr bool
	}{
		{"DECIDE now", "FOLLOW_STEP", false},
		{"DECIDE again", "RESPOND", false},
		{"DECIDE last reply repeats", "RESPOND", false},
		{"BROKEN prompt", "", true},
		{"anything else", "ok", false},
	}
	for _, tt := range tests {
		got, err := llm.SendMessage(ctx, tt.system, "", nil)
		if (err != nil) != tt.wantErr {
			t.Errorf("SendMessage(%q) error = %v, wantErr %v", tt.system, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("SendMessage(%q) = %q, want %q", tt.system, got, tt.want)
		}
	}
	if n := len(llm.CallsMatching("DECIDE")); n != 3 {
		t.Errorf("CallsMatching(DECIDE) = %d, want 3", n)
	}
	if n := len(llm.Calls()); n != 5 {
		t.Errorf("Calls() = %d, want 5", n)
	}
}

func TestScriptedLLMHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewScriptedLLM().SendMessage(ctx, "x", "", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRecordingService(t *testing.T) {
	svc := NewRecordingService()
	ctx := context.Background()

	if _, err := svc.ValidateAndCanonicalizeRecipient("  "); err == nil {
		t.Error("expected error for empty recipient")
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = svc.SendMessage(ctx, "+1", "hello")
	}()
	sent := svc.WaitForSent(1, time.Second)
	if len(sent) != 1 || sent[0].Body != "hello" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}

	svc.SendErr = errors.New("offline")
	if err := svc.SendMessage(ctx, "+1", "x"); err == nil {
		t.Error("expected SendErr to be returned")
	}

	svc.Deliver("+1", "hi")
	if r := <-svc.Responses(); r.Body != "hi" || r.From != "+1" {
		t.Errorf("unexpected response %+v", r)
	}
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatal("second Stop should be a no-op")
	}
}

func TestWaitForSentTimesOut(t *testing.T) {
	svc := NewRecordingService()
	start := time.Now()
	if sent := svc.WaitForSent(1, 50*time.Millisecond); len(sent) != 0 {
		t.Errorf("expected nothing sent, got %+v", sent)
	}
	if time.Since(start) > time.Second {
		t.Error("WaitForSent did not honor its timeout")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/api/users/u1/restore", map[string]string{"backup": "k"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
	rr := httptest.NewRecorder()
	rr.WriteHeader(http.StatusOK)
	rr.Body.WriteString(`{"status":"ok"}`)
	AssertHTTPStatus(t, http.StatusOK, rr.Code, "recorder")
	resp := AssertJSONResponse(t, rr, "ok")
	if resp["status"] != "ok" {
		t.Errorf("unexpected response %v", resp)
	}
}
