package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAsFailure(t *testing.T) {
	plain := errors.New("boom")
	tests := []struct {
		name           string
		err            error
		wantKind       FailureKind
		retryable      bool
		workerSpecific bool
	}{
		{"plain error is transient", plain, FailureTransient, true, false},
		{"malformed", Malformed(plain), FailureMalformedOutput, true, true},
		{"permanent", Permanent(plain), FailurePermanent, false, false},
		{"wrapped failure", errors.Join(errors.New("ctx"), Malformed(plain)), FailureMalformedOutput, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := AsFailure(tt.err)
			if f.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, f.Kind)
			}
			if f.Retryable() != tt.retryable {
				t.Errorf("expected retryable=%v", tt.retryable)
			}
			if f.WorkerSpecific() != tt.workerSpecific {
				t.Errorf("expected worker specific=%v", tt.workerSpecific)
			}
			if !errors.Is(f, plain) {
				t.Error("failure should unwrap to the original error")
			}
		})
	}

	if AsFailure(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestBuildPromptOrdersSections(t *testing.T) {
	prompt := BuildPrompt(Request{
		Content:      "Evaluate eligibility",
		Context:      map[string]string{"trial_criteria": "age >= 18", "patient_ehr": "age 42"},
		Dependencies: map[string]string{"r.2": "second", "r.1": "first"},
	})

	if !strings.HasPrefix(prompt, "Evaluate eligibility") {
		t.Errorf("prompt should start with the instruction, got %q", prompt)
	}
	order := []string{"## Context", "### patient_ehr", "### trial_criteria", "## Results from previous steps", "### r.1", "### r.2"}
	last := -1
	for _, marker := range order {
		idx := strings.Index(prompt, marker)
		if idx < 0 {
			t.Fatalf("missing %q in prompt", marker)
		}
		if idx < last {
			t.Errorf("%q out of order", marker)
		}
		last = idx
	}

	if got := BuildPrompt(Request{Content: "plain"}); got != "plain" {
		t.Errorf("expected bare content, got %q", got)
	}
}

func TestEchoWorker(t *testing.T) {
	out, err := EchoWorker{Prefix: "w1"}.Process(context.Background(), Request{Content: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "w1: hello" {
		t.Errorf("expected %q, got %q", "w1: hello", out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = EchoWorker{Delay: time.Second}.Process(ctx, Request{Content: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestProcessorFunc(t *testing.T) {
	var p Processor = ProcessorFunc(func(ctx context.Context, req Request) (string, error) {
		return req.TaskID, nil
	})
	out, err := p.Process(context.Background(), Request{TaskID: "r.1"})
	if err != nil || out != "r.1" {
		t.Errorf("expected r.1, got %q (%v)", out, err)
	}
}

func TestAnthropicWorker_Process(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "eligible"}],
			"stop_reason": "end_turn",
			"stop_sequence": null,
			"usage": {"input_tokens": 12, "output_tokens": 3}
		}`))
	}))
	defer srv.Close()

	w, err := NewAnthropicWorker(context.Background(), AnthropicConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		SystemPrompt: "You are a criteria evaluator.",
	})
	if err != nil {
		t.Fatalf("NewAnthropicWorker failed: %v", err)
	}

	out, err := w.Process(context.Background(), Request{TaskID: "r.1", Content: "check age"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "eligible" {
		t.Errorf("expected %q, got %q", "eligible", out)
	}
	in, outTok := w.Tracker().Total()
	if in != 12 || outTok != 3 {
		t.Errorf("expected 12/3 tokens, got %d/%d", in, outTok)
	}
	if gotBody["system"] == nil {
		t.Error("expected system prompt in request")
	}
}

func TestAnthropicWorker_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	w, err := NewAnthropicWorker(context.Background(), AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Process(context.Background(), Request{TaskID: "r.1", Content: "x"})
	if f := AsFailure(err); f == nil || f.Kind != FailurePermanent {
		t.Errorf("expected permanent failure, got %v", err)
	}
}

func TestAnthropicWorker_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewAnthropicWorker(context.Background(), AnthropicConfig{}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestOpenAIWorker_Process(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "qwen",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": " not eligible "}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24}
		}`))
	}))
	defer srv.Close()

	w, err := NewOpenAIWorker(OpenAIConfig{
		Model:        "qwen",
		BaseURL:      srv.URL + "/v1",
		SystemPrompt: "You are a clinical summarizer.",
	})
	if err != nil {
		t.Fatalf("NewOpenAIWorker failed: %v", err)
	}

	out, err := w.Process(context.Background(), Request{TaskID: "r.1", Content: "summarize"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "not eligible" {
		t.Errorf("expected trimmed output, got %q", out)
	}
	msgs, _ := gotBody["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(msgs))
	}
	if _, ok := gotBody["temperature"]; !ok {
		t.Error("expected temperature to be sent")
	}
}

func TestOpenAIWorker_EmptyOutputIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	w, err := NewOpenAIWorker(OpenAIConfig{Model: "m", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Process(context.Background(), Request{TaskID: "r.1", Content: "x"})
	if f := AsFailure(err); f == nil || !f.WorkerSpecific() {
		t.Errorf("expected malformed output failure, got %v", err)
	}
}

func TestOpenAIWorker_RequiresModel(t *testing.T) {
	if _, err := NewOpenAIWorker(OpenAIConfig{BaseURL: "http://localhost"}); err == nil {
		t.Error("expected error without model")
	}
}
