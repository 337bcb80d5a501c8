package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"go.mau.fi/zeroconfig"

	"go.mau.fi/olmcore/id"
)

// Config is the demo CLI's config file, mirroring appservice.Create's
// blank-then-yaml.Unmarshal loading idiom.
type Config struct {
	UserID   id.UserID   `yaml:"user_id"`
	DeviceID id.DeviceID `yaml:"device_id"`

	StoreDriver string `yaml:"store_driver"`
	StoreDSN    string `yaml:"store_dsn"`

	ContentScannerURL string `yaml:"content_scanner_url"`

	BackupPollInterval time.Duration `yaml:"backup_poll_interval"`

	Log *zeroconfig.Config `yaml:"logging"`
}

// defaultConfig is the blank config a fresh demo database starts from,
// before a config file's values are merged in on top of it.
func defaultConfig() *Config {
	defaultLogLevel := zerolog.InfoLevel
	return &Config{
		StoreDriver:        "sqlite3",
		StoreDSN:           "olmcore-demo.db",
		BackupPollInterval: 5 * time.Minute,
		Log: &zeroconfig.Config{
			MinLevel: &defaultLogLevel,
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStdout,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		},
	}
}

// loadConfig reads and overlays a YAML config file onto defaultConfig,
// the same two-step Create-then-Unmarshal shape appservice.Load uses.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
