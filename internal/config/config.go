// Package config loads the storage engine's JSON environment configuration
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	minSessionMemorySize  = 1 << 30 // 1 GiB
	minTxUndergoingMaxCnt = 1000
)

// Config is the engine's environment/configuration file, per spec.md §6.
type Config struct {
	Log4RsYamlPath     string `json:"log4RsYamlPath"`
	MetaDir            string `json:"metaDir"`
	WsAddr             string `json:"wsAddr"`
	DataDir            string `json:"dataDir"`
	SessionMemorySize  int64  `json:"sessionMemorySize"`
	TxUndergoingMaxCnt int    `json:"txUndergoingMaxCount"`
}

// Load reads and validates a JSON configuration file at path. A violation of
// the documented minimums is a configuration error (exit code 1 per spec.md §6).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if c.MetaDir == "" {
		return fmt.Errorf("metaDir is required")
	}
	if c.SessionMemorySize < minSessionMemorySize {
		return fmt.Errorf("sessionMemorySize must be >= %d bytes (1 GiB), got %d", minSessionMemorySize, c.SessionMemorySize)
	}
	if c.TxUndergoingMaxCnt < minTxUndergoingMaxCnt {
		return fmt.Errorf("txUndergoingMaxCount must be >= %d, got %d", minTxUndergoingMaxCnt, c.TxUndergoingMaxCnt)
	}
	return nil
}
