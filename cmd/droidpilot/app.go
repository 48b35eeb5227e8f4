package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nugget/droidpilot/internal/config"
	"github.com/nugget/droidpilot/internal/events"
	"github.com/nugget/droidpilot/internal/journal"
	"github.com/nugget/droidpilot/internal/llm"
	"github.com/nugget/droidpilot/internal/metacognitive"
)

// app holds the components shared by the model-facing commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	journal *journal.Store // nil when journal.path is empty
	gateway llm.Client
	closers []io.Closer
}

// newApp loads configuration and builds the logger, event bus, journal,
// and model gateway. Logs go to stderr so stdout carries only results.
func newApp(stderr io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, bus: events.New()}

	// Level was validated by config.Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	var file io.Writer
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.closers = append(a.closers, f)
		file = f
	}
	a.logger = newLogger(stderr, level, cfg.LogFormat, file)

	if cfgPath == "" {
		a.logger.Debug("no config file found, using defaults")
	} else {
		a.logger.Debug("config loaded", "path", cfgPath)
	}

	if cfg.Journal.Path != "" {
		store, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = store
		a.closers = append(a.closers, store)
	}

	gw, err := buildGateway(cfg, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.gateway = gw

	return a, nil
}

// recorder returns the journal as a [metacognitive.Recorder], or a nil
// interface when the journal is disabled.
func (a *app) recorder() metacognitive.Recorder {
	if a.journal == nil {
		return nil
	}
	return a.journal
}

// engine builds the metacognition engine. tools is the action schema
// sent with each request; nil omits it.
func (a *app) engine(tools []llm.Tool) (*metacognitive.Engine, error) {
	cfg, err := metacognitive.ParseConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	return metacognitive.New(cfg, metacognitive.Deps{
		Gateway: a.gateway,
		Logger:  a.logger,
		Events:  a.bus,
		Journal: a.recorder(),
		Tools:   tools,
	}), nil
}

// Close releases the journal and log file.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// buildGateway creates the default provider plus one client per
// provider named in model.routes, joined behind a [llm.MultiClient].
// Unrouted models go to the default provider.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, error) {
	def, err := newProvider(cfg, cfg.Model.Provider, cfg.Model.Name, logger)
	if err != nil {
		return nil, err
	}
	multi := llm.NewMultiClient(def)
	multi.AddProvider(cfg.Model.Provider, def)
	multi.AddModel(cfg.Model.Name, cfg.Model.Provider)

	built := map[string]bool{cfg.Model.Provider: true}
	for model, provider := range cfg.Model.Routes {
		if !built[provider] {
			c, err := newProvider(cfg, provider, "", logger)
			if err != nil {
				return nil, err
			}
			multi.AddProvider(provider, c)
			built[provider] = true
		}
		multi.AddModel(model, provider)
	}

	logger.Debug("model gateway ready",
		"provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
		"routes", len(cfg.Model.Routes),
	)
	return multi, nil
}

func newProvider(cfg *config.Config, name, model string, logger *slog.Logger) (llm.Client, error) {
	p := cfg.Provider(name)
	switch name {
	case config.ProviderOpenAI:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   model,
		}, logger), nil
	case config.ProviderAnthropic:
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   model,
		}, logger), nil
	case config.ProviderOllama:
		c, err := llm.NewOllamaClient(p.BaseURL, model, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
