package trialmatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStripCodeFences(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want string
	}{
		{"bare json", `[{"a":1}]`, `[{"a":1}]`},
		{"fenced", "```json\n[{\"a\":1}]\n```", `[{"a":1}]`},
		{"fenced no lang", "```\n[1,2]\n```", "[1,2]"},
		{"leading whitespace", "  \n```json\n{}\n```", "{}"},
	} {
		if got := stripCodeFences(tc.in); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestExtractJSONArray(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"clean", `[1,2,3]`, `[1,2,3]`, true},
		{"prose wrapped", `Here is the result: [{"x":1}] hope it helps`, `[{"x":1}]`, true},
		{"nested arrays", `[[1,2],[3]]`, `[[1,2],[3]]`, true},
		{"bracket in string", `[{"note":"ages [18-65] only"}]`, `[{"note":"ages [18-65] only"}]`, true},
		{"escaped quote in string", `[{"q":"she said \"[no]\""}]`, `[{"q":"she said \"[no]\""}]`, true},
		{"no array", `{"a":1}`, "", false},
		{"unterminated", `[1,2`, "", false},
	} {
		got, ok := extractJSONArray(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: got %q ok=%v, want %q ok=%v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestClassifyTransportError(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want llmFailureClass
	}{
		{"deadline", context.DeadlineExceeded, failureTimeout},
		{"rate limit", errors.New("anthropic: status code: 429 too many requests"), failureRateLimit},
		{"server", errors.New("status code: 503"), failureServer},
		{"client", errors.New("status code: 400 bad request"), failureClient},
		{"unknown", errors.New("connection reset"), failureServer},
	} {
		if got := classifyTransportError(tc.err); got != tc.want {
			t.Fatalf("%s: class %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	if d := backoffDelay(1); d != 1*time.Second {
		t.Fatalf("attempt 1 delay %v, want 1s", d)
	}
	if d := backoffDelay(2); d != 2*time.Second {
		t.Fatalf("attempt 2 delay %v, want 2s", d)
	}
	if d := backoffDelay(5); d != 2*time.Second {
		t.Fatalf("attempt 5 delay %v, want 2s", d)
	}
}

func TestNewAnthropicCallerFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewAnthropicCallerFromEnv(); err == nil {
		t.Fatal("expected error without API key")
	}

	t.Setenv("ANTHROPIC_API_KEY", "key-123")
	t.Setenv("TRIAL_MATCH_LLM_MODEL", "")
	caller, err := NewAnthropicCallerFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.model != DefaultLLMModel {
		t.Fatalf("model %q, want default %q", caller.model, DefaultLLMModel)
	}

	t.Setenv("TRIAL_MATCH_LLM_MODEL", "claude-opus-4-20250514")
	caller, err = NewAnthropicCallerFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.model != "claude-opus-4-20250514" {
		t.Fatalf("model %q, want override", caller.model)
	}
}
