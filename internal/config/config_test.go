package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, cfg Config) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, Config{
		MetaDir:            "/var/lib/graphcore/meta",
		DataDir:            "/var/lib/graphcore/data",
		WsAddr:             "127.0.0.1:9000",
		SessionMemorySize:  minSessionMemorySize,
		TxUndergoingMaxCnt: minTxUndergoingMaxCnt,
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != "/var/lib/graphcore/data" {
		t.Errorf("unexpected dataDir: %s", cfg.DataDir)
	}
}

func TestLoadRejectsSmallSessionMemory(t *testing.T) {
	path := writeConfig(t, Config{
		MetaDir:            "m",
		DataDir:            "d",
		SessionMemorySize:  1024,
		TxUndergoingMaxCnt: minTxUndergoingMaxCnt,
	})

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for undersized sessionMemorySize")
	}
}

func TestLoadRejectsSmallTxUndergoingMaxCount(t *testing.T) {
	path := writeConfig(t, Config{
		MetaDir:            "m",
		DataDir:            "d",
		SessionMemorySize:  minSessionMemorySize,
		TxUndergoingMaxCnt: 10,
	})

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for undersized txUndergoingMaxCount")
	}
}

func TestLoadRejectsMissingDataDir(t *testing.T) {
	path := writeConfig(t, Config{
		MetaDir:            "m",
		SessionMemorySize:  minSessionMemorySize,
		TxUndergoingMaxCnt: minTxUndergoingMaxCnt,
	})

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing dataDir")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
