package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nugget/droidpilot/internal/config"
	"github.com/nugget/droidpilot/internal/conversation"
	"github.com/nugget/droidpilot/internal/llm"
)

// ollamaStub answers /api/chat with the requested model name echoed in
// the reply content.
type ollamaStub struct {
	mu     sync.Mutex
	models []string
}

func (s *ollamaStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.models = append(s.models, req.Model)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model":   req.Model,
			"message": map[string]any{"role": "assistant", "content": "via " + req.Model},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildGateway_DefaultProvider(t *testing.T) {
	stub := &ollamaStub{}
	srv := stub.server(t)

	cfg := config.Default()
	cfg.Model.BaseURL = srv.URL

	gw, err := buildGateway(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("buildGateway() error = %v", err)
	}

	for _, model := range []string{cfg.Model.Name, "some-unrouted-model"} {
		resp, err := gw.Complete(context.Background(), &llm.Request{
			Model:    model,
			Messages: []conversation.Message{conversation.User("hi")},
		})
		if err != nil {
			t.Fatalf("Complete(%q) error = %v", model, err)
		}
		if got, ok := resp.FirstContent(); !ok || got != "via "+model {
			t.Errorf("Complete(%q) content = %q, %v", model, got, ok)
		}
	}
}

func TestBuildGateway_Routes(t *testing.T) {
	stub := &ollamaStub{}
	srv := stub.server(t)

	cfg := config.Default()
	cfg.Model.Provider = config.ProviderOpenAI
	cfg.Model.Name = "gpt-4o-mini"
	cfg.Model.Routes = map[string]string{"llama3": config.ProviderOllama}
	cfg.Providers.Ollama.BaseURL = srv.URL

	gw, err := buildGateway(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("buildGateway() error = %v", err)
	}

	resp, err := gw.Complete(context.Background(), &llm.Request{
		Model:    "llama3",
		Messages: []conversation.Message{conversation.User("hi")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got, _ := resp.FirstContent(); got != "via llama3" {
		t.Errorf("content = %q", got)
	}
	if len(stub.models) != 1 || stub.models[0] != "llama3" {
		t.Errorf("ollama saw models %v", stub.models)
	}
}

func TestNewProvider_Unknown(t *testing.T) {
	if _, err := newProvider(config.Default(), "bard", "", slog.Default()); err == nil {
		t.Error("newProvider() should reject unknown providers")
	}
}
