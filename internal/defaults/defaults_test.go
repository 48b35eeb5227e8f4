package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/droidpilot/internal/config"
)

func TestConfigYAML_Loads(t *testing.T) {
	if len(ConfigYAML) == 0 {
		t.Fatal("embedded config is empty")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("embedded config does not load: %v", err)
	}
	if cfg.Model.Provider != config.ProviderOllama {
		t.Errorf("Model.Provider = %q, want ollama", cfg.Model.Provider)
	}
	if cfg.Metacognitive != config.DefaultMetacognitive() {
		t.Errorf("Metacognitive = %+v, want stock thresholds", cfg.Metacognitive)
	}
	if cfg.MQTT.Configured() {
		t.Error("MQTT should be disabled in the example")
	}
}
