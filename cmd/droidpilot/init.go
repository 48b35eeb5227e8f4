package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/droidpilot/internal/defaults"
)

// runInit writes the example config into dir. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "wrote %s\n", configPath)
	} else {
		fmt.Fprintf(w, "kept existing %s\n", configPath)
	}
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. It reports whether the file was written.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
