package llm

import (
	"context"
	"testing"

	"github.com/nugget/droidpilot/internal/conversation"
)

// stubClient records the model it was asked for and returns a fixed reply.
type stubClient struct {
	name   string
	models []string
}

func (s *stubClient) Complete(_ context.Context, req *Request) (*Completion, error) {
	s.models = append(s.models, req.Model)
	return &Completion{Choices: []Choice{{Message: &conversation.Message{Role: conversation.RoleAssistant, Content: s.name}}}}, nil
}

func TestMultiClient_RoutesByModel(t *testing.T) {
	fallback := &stubClient{name: "ollama"}
	cloud := &stubClient{name: "openai"}

	m := NewMultiClient(fallback)
	m.AddProvider("openai", cloud)
	m.AddModel("gpt-4o", "openai")

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "openai"},
		{"qwen3:4b", "ollama"},
		{"", "ollama"},
	}
	for _, tt := range tests {
		resp, err := m.Complete(context.Background(), &Request{Model: tt.model})
		if err != nil {
			t.Fatalf("Complete(%q): %v", tt.model, err)
		}
		if got, _ := resp.FirstContent(); got != tt.want {
			t.Errorf("Complete(%q) routed to %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestMultiClient_UnknownProviderUsesFallback(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	m := NewMultiClient(fallback)
	m.AddModel("claude", "anthropic") // provider never registered

	resp, err := m.Complete(context.Background(), &Request{Model: "claude"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got, _ := resp.FirstContent(); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Complete(context.Background(), &Request{Model: "x"}); err == nil {
		t.Fatal("expected error with no provider")
	}
}

func TestCompletion_FirstContent(t *testing.T) {
	tests := []struct {
		name   string
		c      *Completion
		want   string
		wantOK bool
	}{
		{"nil completion", nil, "", false},
		{"no choices", &Completion{}, "", false},
		{"nil message", &Completion{Choices: []Choice{{}}}, "", false},
		{"empty content", &Completion{Choices: []Choice{{Message: &conversation.Message{}}}}, "", false},
		{"content", &Completion{Choices: []Choice{{Message: &conversation.Message{Content: "hi"}}, {Message: &conversation.Message{Content: "second"}}}}, "hi", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.c.FirstContent()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("FirstContent() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
