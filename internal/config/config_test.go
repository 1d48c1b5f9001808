package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
		"server": {"address": ":9000"},
		"storage": {"ledger": {"rpc_url": "http://localhost:8545"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("explicit address lost: %q", cfg.Server.Address)
	}
	if cfg.Channel.Path != "/ws" {
		t.Fatalf("channel path default missing: %q", cfg.Channel.Path)
	}
	if cfg.Storage.Sync.IntervalSeconds != 120 || cfg.Storage.Sync.BatchBudgetKB != 60 {
		t.Fatalf("sync defaults missing: %+v", cfg.Storage.Sync)
	}
	if cfg.Storage.Ledger.NonceRetries != 3 {
		t.Fatalf("ledger retry default missing: %+v", cfg.Storage.Ledger)
	}
	if cfg.Workers.RegistryPath != filepath.Join(dir, "workers.yaml") {
		t.Fatalf("registry path must resolve relative to the config file: %q", cfg.Workers.RegistryPath)
	}
	if cfg.Logger.Level != "info" || cfg.Logger.Format != "json" {
		t.Fatalf("logger defaults missing: %+v", cfg.Logger)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "workers.yaml", `
default_worker: observer
workers:
  - name: observer
    kind: observer
    enabled: true
  - name: hedera
    kind: hedera
    enabled: true
    keywords: [Hedera, HBAR]
    default_account: 0.0.1234
  - name: executor
    kind: executor
    enabled: false
    keywords: [swap]
`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	enabled := reg.Enabled()
	if len(enabled) != 2 {
		t.Fatalf("expected 2 enabled workers, got %d", len(enabled))
	}

	routes := reg.KeywordRoutes()
	if routes["hedera"] != "hedera" || routes["hbar"] != "hedera" {
		t.Fatalf("keywords must be lowercased: %+v", routes)
	}
	if _, ok := routes["swap"]; ok {
		t.Fatalf("disabled worker keywords must not route: %+v", routes)
	}
}

func TestLoadRegistryValidation(t *testing.T) {
	dir := t.TempDir()
	dup := writeFile(t, dir, "dup.yaml", `
workers:
  - name: observer
    kind: observer
  - name: observer
    kind: observer
`)
	if _, err := LoadRegistry(dup); err == nil {
		t.Fatal("duplicate worker names must be rejected")
	}

	unknown := writeFile(t, dir, "unknown.yaml", `
workers:
  - name: alpha
    kind: teleport
`)
	if _, err := LoadRegistry(unknown); err == nil {
		t.Fatal("unknown worker kind must be rejected")
	}
}
