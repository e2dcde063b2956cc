package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// getSystemHostname returns the system hostname or a pid-based fallback so
// every tool instance reports a distinct identifier.
func getSystemHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("efastream-%d", os.Getpid())
	}
	return hostname
}

// writeConfigFile writes content to a config file, creating the parent
// directory when needed.
func writeConfigFile(path, content string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
