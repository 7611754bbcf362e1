package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/var/lib/opsplane" {
		t.Errorf("expected /var/lib/opsplane, got %s", cfg.DataDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info, got %s", cfg.LogLevel)
	}
	if cfg.DSN() != "/var/lib/opsplane/opsplane.db" {
		t.Errorf("dsn = %s", cfg.DSN())
	}
}

func TestLoadFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{
		"listen_addr": ":9090",
		"db_dsn": "postgres://ops@db/opsplane",
		"broker_url": "amqp://guest:guest@mq:5672/",
		"approval": {"timeout_secs": 600, "target_threshold": 5}
	}`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.DSN() != "postgres://ops@db/opsplane" {
		t.Errorf("dsn = %s", cfg.DSN())
	}
	if cfg.BrokerURL != "amqp://guest:guest@mq:5672/" {
		t.Errorf("broker = %s", cfg.BrokerURL)
	}
	if cfg.Approval.TimeoutSecs != 600 || cfg.Approval.TargetThreshold != 5 {
		t.Errorf("approval = %+v", cfg.Approval)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
listen_addr: ":7070"
log_level: debug
hosts:
  - id: web-1
    address: 10.0.0.1
    environment: production
    group_id: web
    credentials:
      username: deploy
`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7070" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Hosts) != 1 || cfg.Hosts[0].ID != "web-1" || cfg.Hosts[0].Environment != "production" {
		t.Errorf("hosts = %+v", cfg.Hosts)
	}
	if cfg.Hosts[0].Credentials.Username != "deploy" {
		t.Errorf("credentials = %+v", cfg.Hosts[0].Credentials)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"listen_addr": ":9090"}`), 0644)

	t.Setenv("OPSPLANE_LISTEN_ADDR", ":7070")
	t.Setenv("OPSPLANE_DB_DSN", "mysql://ops@db/opsplane")
	t.Setenv("OPSPLANE_RATE_LIMIT", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("expected :7070, got %s", cfg.ListenAddr)
	}
	if cfg.DBDSN != "mysql://ops@db/opsplane" {
		t.Errorf("dsn = %s", cfg.DBDSN)
	}
	if cfg.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("rate limit = %d", cfg.RateLimit.RequestsPerMinute)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
