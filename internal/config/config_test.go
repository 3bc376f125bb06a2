package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "CoralRush/internal/errors"
)

const sample = `
server:
  address: ":9000"
logging:
  level: debug
  audit:
    enabled: true
providers:
  gpu:
    - base_url: https://gpu.example.com/api
  openai:
    - name: cloud
      model: gpt-4o-mini
  keyword:
    - catalog: intents.yaml
      watch: true
  ledger:
    - chain_config: chains.yaml
      default_chain: sepolia
capabilities:
  analyze_intent:
    providers: [gpu, cloud, keyword]
    timeout: 3s
resolver:
  breaker:
    threshold: 3
    cooldown: 30s
storage:
  driver: sqlite
queue:
  driver: redis
  redis:
    address: localhost:6379
`

func TestLoadAppliesDefaultsAndPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coralrush.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvOpenAIKey, "sk-test")
	t.Setenv(EnvLedgerKey, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" || cfg.Metrics.Address != ":9090" {
		t.Fatalf("unexpected addresses %+v %+v", cfg.Server, cfg.Metrics)
	}
	if cfg.Providers.GPU[0].Name != "gpu" || cfg.Providers.Keyword[0].Name != "keyword" || cfg.Providers.Ledger[0].Name != "ledger" {
		t.Fatalf("default provider names not applied: %v", cfg.ProviderNames())
	}
	if cfg.Providers.OpenAI[0].APIKey != "sk-test" {
		t.Fatalf("api key should come from the environment")
	}
	if cfg.Providers.Keyword[0].Catalog != filepath.Join(dir, "intents.yaml") {
		t.Fatalf("catalog path not resolved: %s", cfg.Providers.Keyword[0].Catalog)
	}
	if cfg.Providers.Ledger[0].ChainConfig != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("chain config path not resolved: %s", cfg.Providers.Ledger[0].ChainConfig)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "data", "audit.log") {
		t.Fatalf("audit path not resolved: %s", cfg.Logging.Audit.Path)
	}
	if cfg.Storage.SQL.Driver != "sqlite3" || cfg.Storage.SQL.DSN == "" {
		t.Fatalf("sqlite defaults not applied: %+v", cfg.Storage.SQL)
	}
	if cfg.Capabilities["analyze_intent"].Timeout != 3*time.Second || cfg.Resolver.Breaker.Cooldown != 30*time.Second {
		t.Fatalf("durations not decoded: %+v %+v", cfg.Capabilities, cfg.Resolver)
	}
	if cfg.Queue.Workers != 4 || cfg.Queue.MaxRetries != 3 {
		t.Fatalf("queue defaults not applied: %+v", cfg.Queue)
	}
}

func TestValidateRejectsUnknownReferences(t *testing.T) {
	_, err := Parse([]byte(`
providers:
  demo:
    - name: echo
capabilities:
  transcribe:
    providers: [echo, missing]
`), t.TempDir())
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	_, err = Parse([]byte(`
capabilities:
  teleport:
    providers: []
`), t.TempDir())
	if err == nil {
		t.Fatalf("expected unknown capability error")
	}

	_, err = Parse([]byte("storage:\n  driver: cassandra\n"), t.TempDir())
	if err == nil {
		t.Fatalf("expected unsupported driver error")
	}

	_, err = Parse([]byte("providers:\n  demo:\n    - {}\n    - {}\n"), t.TempDir())
	if err == nil {
		t.Fatalf("expected duplicate provider name error")
	}

	_, err = Parse([]byte("capabilities:\n  transcribe:\n    timeout: -5s\n"), t.TempDir())
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for negative capability timeout, got %v", err)
	}

	_, err = Parse([]byte("orchestrator:\n  operation_timeouts:\n    synthesize: -1s\n"), t.TempDir())
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for negative operation timeout, got %v", err)
	}
}

func TestDefaultPathHonoursEnvironment(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if DefaultPath() != filepath.Join("configs", "coralrush.yaml") {
		t.Fatalf("unexpected default path %s", DefaultPath())
	}
	t.Setenv(EnvConfigPath, "/etc/coralrush.yaml")
	if DefaultPath() != "/etc/coralrush.yaml" {
		t.Fatalf("environment override ignored")
	}
}
