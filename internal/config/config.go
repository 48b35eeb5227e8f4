// Package config loads droidpilot configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Providers understood by the model gateway.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/droidpilot/config.yaml,
// /etc/droidpilot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "droidpilot", "config.yaml"))
	}

	return append(paths, "/etc/droidpilot/config.yaml")
}

// FindConfig locates a config file. An explicit path must exist;
// otherwise the first existing [DefaultSearchPaths] entry wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all droidpilot configuration.
type Config struct {
	Model         ModelConfig         `yaml:"model"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Metacognitive MetacognitiveConfig `yaml:"metacognitive"`
	Device        DeviceConfig        `yaml:"device"`
	Task          TaskConfig          `yaml:"task"`
	Journal       JournalConfig       `yaml:"journal"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text or json
	LogFile       string              `yaml:"log_file"`   // optional JSON log copy
}

// ModelConfig selects the default model and provider.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	// Metacog names the model used for plans, reflections, and stop
	// decisions. Empty uses Name.
	Metacog     string `yaml:"metacog"`
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	CallTimeout string `yaml:"call_timeout"` // Go duration; "0" disables
	// Routes maps additional model names to provider names so a single
	// gateway can reach several backends.
	Routes map[string]string `yaml:"routes"`
}

// ProvidersConfig holds connection settings for providers other than
// the default one.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Ollama    ProviderConfig `yaml:"ollama"`
}

// ProviderConfig is one provider's endpoint and credential.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// MetacognitiveConfig holds the stop policy thresholds.
type MetacognitiveConfig struct {
	ConfidenceAbove  float64 `yaml:"confidence_above"`
	SeverityAbove    int     `yaml:"severity_above"`
	CountAbove       int     `yaml:"count_above"`
	CombinedSeverity int     `yaml:"combined_severity"`
	CombinedCount    int     `yaml:"combined_count"`
}

// DeviceConfig locates the phone.
type DeviceConfig struct {
	ADBPath     string `yaml:"adb_path"`
	Serial      string `yaml:"serial"`       // empty uses the only attached device
	SettleDelay string `yaml:"settle_delay"` // wait after each action
}

// TaskConfig bounds a task run.
type TaskConfig struct {
	MaxSteps int `yaml:"max_steps"`
}

// JournalConfig locates the decision journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig enables event publishing when Broker is set.
type MQTTConfig struct {
	Broker    string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	ClientID  string `yaml:"client_id"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// DefaultMetacognitive returns the stock stop thresholds.
func DefaultMetacognitive() MetacognitiveConfig {
	return MetacognitiveConfig{
		ConfidenceAbove:  0.8,
		SeverityAbove:    2,
		CountAbove:       3,
		CombinedSeverity: 2,
		CombinedCount:    2,
	}
}

// Load reads configuration from a YAML file. Environment references
// (${VAR}) are expanded, defaults fill unset fields, and the result is
// validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	// Thresholds are preset so a file may override any one of them;
	// zero is a meaningful value for each.
	cfg := &Config{Metacognitive: DefaultMetacognitive()}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is found: a
// local Ollama model and the stock stop policy.
func Default() *Config {
	cfg := &Config{Metacognitive: DefaultMetacognitive()}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Model.Provider == "" {
		c.Model.Provider = ProviderOllama
	}
	if c.Model.Name == "" {
		switch c.Model.Provider {
		case ProviderOpenAI:
			c.Model.Name = "gpt-4o-mini"
		case ProviderAnthropic:
			c.Model.Name = "claude-sonnet-4-5"
		default:
			c.Model.Name = "qwen3:4b"
		}
	}
	if c.Model.CallTimeout == "" {
		c.Model.CallTimeout = "60s"
	}

	if c.Device.ADBPath == "" {
		c.Device.ADBPath = "adb"
	}
	if c.Device.SettleDelay == "" {
		c.Device.SettleDelay = "1s"
	}
	if c.Task.MaxSteps == 0 {
		c.Task.MaxSteps = 25
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "droidpilot"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "droidpilot"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.Journal.Path = expandHome(c.Journal.Path)
	c.LogFile = expandHome(c.LogFile)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("model.provider %q (valid: openai, anthropic, ollama)", c.Model.Provider))
	}
	for model, provider := range c.Model.Routes {
		switch provider {
		case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
		default:
			errs = append(errs, fmt.Errorf("model.routes[%s]: unknown provider %q", model, provider))
		}
	}
	if d, err := time.ParseDuration(c.Model.CallTimeout); err != nil {
		errs = append(errs, fmt.Errorf("model.call_timeout %q: %w", c.Model.CallTimeout, err))
	} else if d < 0 {
		errs = append(errs, fmt.Errorf("model.call_timeout %q must not be negative", c.Model.CallTimeout))
	}

	m := c.Metacognitive
	if m.ConfidenceAbove < 0 || m.ConfidenceAbove > 1 {
		errs = append(errs, fmt.Errorf("metacognitive.confidence_above %v must be within [0, 1]", m.ConfidenceAbove))
	}
	if m.SeverityAbove < 0 || m.CountAbove < 0 || m.CombinedSeverity < 0 || m.CombinedCount < 0 {
		errs = append(errs, errors.New("metacognitive loop thresholds must not be negative"))
	}

	if d, err := time.ParseDuration(c.Device.SettleDelay); err != nil {
		errs = append(errs, fmt.Errorf("device.settle_delay %q: %w", c.Device.SettleDelay, err))
	} else if d < 0 {
		errs = append(errs, fmt.Errorf("device.settle_delay %q must not be negative", c.Device.SettleDelay))
	}
	if c.Task.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("task.max_steps %d must be at least 1", c.Task.MaxSteps))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// SettleDelay returns the parsed device settle delay. Call after
// [Config.Validate].
func (c *Config) SettleDelay() time.Duration {
	d, _ := time.ParseDuration(c.Device.SettleDelay)
	return d
}

// Provider returns the endpoint settings for provider. The default
// provider's model.base_url and model.api_key take precedence over the
// providers section.
func (c *Config) Provider(name string) ProviderConfig {
	var p ProviderConfig
	switch name {
	case ProviderOpenAI:
		p = c.Providers.OpenAI
	case ProviderAnthropic:
		p = c.Providers.Anthropic
	case ProviderOllama:
		p = c.Providers.Ollama
	}
	if name == c.Model.Provider {
		if c.Model.BaseURL != "" {
			p.BaseURL = c.Model.BaseURL
		}
		if c.Model.APIKey != "" {
			p.APIKey = c.Model.APIKey
		}
	}
	return p
}
