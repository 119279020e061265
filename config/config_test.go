package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  listen: "127.0.0.1:6969"
  maxConnections: 10
connection:
  blockSize: 1432
  retries: 5
  retransmitTimeout: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	srvConfig, connConfig, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if srvConfig.Listen != "127.0.0.1:6969" || srvConfig.MaxConnections != 10 {
		t.Fatalf("unexpected server config %+v", srvConfig)
	}
	// Unset fields keep their defaults.
	if srvConfig.PayloadPoolSize != DefaultServerConfig().PayloadPoolSize {
		t.Fatalf("expected default payloadPoolSize, got %d", srvConfig.PayloadPoolSize)
	}
	if connConfig.BlockSize != 1432 || connConfig.Retries != 5 || connConfig.RetransmitTimeout != 3 {
		t.Fatalf("unexpected connection config %+v", connConfig)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadConfigRejectsBadBlockSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("connection:\n  blockSize: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadConfig(path); err == nil {
		t.Fatal("expected a validation error for blockSize 4")
	}
}
