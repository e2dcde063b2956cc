// Package config loads configuration for the efastream test tool.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ToolConfig holds configuration for the efastream test tool.
type ToolConfig struct {
	InstanceID    string
	Direction     string
	LocalIP       string
	RemoteIP      string
	DestPort      int
	PollThreadID  int
	StreamName    string
	PayloadSize   int
	PayloadCount  int
	RateHz        int
	MaxPayloads   int
	ControlTOS    int
	LogLevel      string
	OtelCollector string
}

// LoadToolConfig loads the test tool configuration from a file or
// environment variables.
func LoadToolConfig(configPath string) (*ToolConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("instance_id", getSystemHostname())
	v.SetDefault("direction", "send")
	v.SetDefault("local_ip", "127.0.0.1")
	v.SetDefault("remote_ip", "127.0.0.1")
	v.SetDefault("dest_port", 47593)
	v.SetDefault("poll_thread_id", 0)
	v.SetDefault("stream_name", "")
	v.SetDefault("payload_size", 2*1024*1024)
	v.SetDefault("payload_count", 100)
	v.SetDefault("rate_hz", 60)
	v.SetDefault("max_payloads", 8)
	v.SetDefault("control_tos", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_collector_addr", "")

	// Environment variables
	v.SetEnvPrefix("EFASTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in default locations
		v.SetConfigName("efastream")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.efastream")
		v.AddConfigPath("/etc/efastream")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config ToolConfig
	config.InstanceID = v.GetString("instance_id")
	config.Direction = v.GetString("direction")
	config.LocalIP = v.GetString("local_ip")
	config.RemoteIP = v.GetString("remote_ip")
	config.DestPort = v.GetInt("dest_port")
	config.PollThreadID = v.GetInt("poll_thread_id")
	config.StreamName = v.GetString("stream_name")
	config.PayloadSize = v.GetInt("payload_size")
	config.PayloadCount = v.GetInt("payload_count")
	config.RateHz = v.GetInt("rate_hz")
	config.MaxPayloads = v.GetInt("max_payloads")
	config.ControlTOS = v.GetInt("control_tos")
	config.LogLevel = v.GetString("log_level")
	config.OtelCollector = v.GetString("otel_collector_addr")

	if config.Direction != "send" && config.Direction != "receive" {
		return nil, fmt.Errorf("direction must be 'send' or 'receive', got %q", config.Direction)
	}
	if config.PayloadSize <= 0 {
		return nil, fmt.Errorf("payload_size must be positive, got %d", config.PayloadSize)
	}

	return &config, nil
}

// CreateDefaultToolConfig creates a default configuration file for the test
// tool.
func CreateDefaultToolConfig(path string) error {
	// Default config content
	configContent := `# efastream test tool configuration
instance_id: "" # Leave empty to use hostname
direction: "send" # send or receive
local_ip: "127.0.0.1"
remote_ip: "127.0.0.1"
dest_port: 47593
poll_thread_id: 0
stream_name: ""
payload_size: 2097152 # 2 MiB
payload_count: 100
rate_hz: 60
max_payloads: 8
control_tos: 0
log_level: "info" # debug, info, warn, error
otel_collector_addr: "" # e.g. grpc://localhost:4317; empty disables metrics
`

	return writeConfigFile(path, configContent)
}
