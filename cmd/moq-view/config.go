package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	moqcapture "github.com/e7canasta/moq-capture"
)

// Config is the complete moq-view configuration.
type Config struct {
	URL       string `yaml:"url"`
	Broadcast string `yaml:"broadcast"`

	// ReplayDir points the viewer at a directory of recorded broadcasts
	// instead of a live server.
	ReplayDir string `yaml:"replay_dir"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Output    OutputConfig    `yaml:"output"`
	MQTT      MQTTConfig      `yaml:"mqtt"`

	StatsIntervalS int `yaml:"stats_interval_s"`
}

// ReconnectConfig mirrors the client's automatic-retry settings.
type ReconnectConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxRetries     int  `yaml:"max_retries"`
	RetryDelayS    int  `yaml:"retry_delay_s"`
	MaxRetryDelayS int  `yaml:"max_retry_delay_s"`
}

// OutputConfig controls frame snapshots.
type OutputConfig struct {
	Dir        string `yaml:"dir"`
	EveryNth   int    `yaml:"every_nth"`
	MaxFrames  int    `yaml:"max_frames"`
}

// MQTTConfig enables the MQTT control plane when Broker is set.
type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	SettingsTopic string `yaml:"settings_topic"`
}

// loadConfig reads and validates a YAML config file.
func loadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := moqcapture.DefaultSettings()
	if c.URL == "" {
		c.URL = defaults.URL
	}
	if c.Broadcast == "" {
		c.Broadcast = defaults.Broadcast
	}
	if c.StatsIntervalS <= 0 {
		c.StatsIntervalS = 10
	}
	if c.Output.EveryNth <= 0 {
		c.Output.EveryNth = 30
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "moq-view"
	}
	if c.MQTT.SettingsTopic == "" {
		c.MQTT.SettingsTopic = "moq/view/settings"
	}
}
