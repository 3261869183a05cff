package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("LIVEPOLL_TEST_REDIS", "127.0.0.1:6390")
	raw := []byte(`
http:
  addr: ":3001"
logging:
  level: debug
  console: true
storage:
  driver: memory
redis:
  addr: "${LIVEPOLL_TEST_REDIS}"
  prefix: "${LIVEPOLL_TEST_UNSET:-lp}"
queue:
  driver: redis
  attempts: 3
  backoff: 1s
workers:
  concurrency: 5
`)
	cfg, err := Decode("livepoll.yaml", raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.HTTP.Addr != ":3001" {
		t.Fatalf("http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Redis == nil || cfg.Redis.Addr != "127.0.0.1:6390" {
		t.Fatalf("redis.addr not expanded: %+v", cfg.Redis)
	}
	if cfg.Redis.Prefix != "lp" {
		t.Fatalf("redis.prefix default not applied: %q", cfg.Redis.Prefix)
	}
	if cfg.Workers.Concurrency != 5 {
		t.Fatalf("workers.concurrency = %d", cfg.Workers.Concurrency)
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	_, err := Decode("x.json", []byte(`{"http":{"addr":":1"},"telegram":{}}`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestDecodeRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":     `{"queue":{"backoff":"soon"}}`,
		"negative":         `{"queue":{"backoff":"-1s"}}`,
		"unknown driver":   `{"storage":{"driver":"mongo"}}`,
		"sqlite no path":   `{"storage":{"driver":"sqlite"}}`,
		"redis no addr":    `{"bus":{"driver":"redis"}}`,
		"trailing garbage": `{"http":{}} {"http":{}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode("c.json", []byte(raw)); err == nil {
				t.Fatalf("expected error for %s", raw)
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LIVEPOLL_DOTENV_A=fromfile\nLIVEPOLL_DOTENV_B=fromfile\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LIVEPOLL_DOTENV_A", "fromenv")
	t.Cleanup(func() { _ = os.Unsetenv("LIVEPOLL_DOTENV_B") })

	if err := LoadDotEnv(filepath.Join(dir, "livepoll.yaml")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("LIVEPOLL_DOTENV_A"); got != "fromenv" {
		t.Fatalf("A = %q, want fromenv", got)
	}
	if got := os.Getenv("LIVEPOLL_DOTENV_B"); got != "fromfile" {
		t.Fatalf("B = %q, want fromfile", got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "none.yaml")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestDurationsParsesEveryField(t *testing.T) {
	cfg := &Config{
		HTTP:     HTTPConfig{ShutdownTimeout: "3s"},
		Storage:  StorageConfig{BusyTimeout: "250ms"},
		Queue:    QueueConfig{Backoff: "1s", MaxBackoff: "30s"},
		Workers:  WorkersConfig{BreakerDelay: "2s"},
		Realtime: RealtimeConfig{PingInterval: "20s"},
	}
	d, err := cfg.Durations()
	if err != nil {
		t.Fatal(err)
	}
	if d.HTTPShutdown != 3*time.Second || d.StorageBusy != 250*time.Millisecond ||
		d.QueueMaxBackoff != 30*time.Second || d.BreakerDelay != 2*time.Second || d.RealtimePing != 20*time.Second {
		t.Fatalf("durations = %+v", d)
	}
	if d.OutboxGrace != 0 {
		t.Fatalf("empty field should stay zero, got %v", d.OutboxGrace)
	}

	cfg.Outbox.Grace = "soon"
	if _, err := cfg.Durations(); err == nil || !strings.Contains(err.Error(), "outbox.grace") {
		t.Fatalf("err = %v", err)
	}
	cfg.Outbox.Grace = ""
	cfg.Queue.MaxBackoff = "500ms"
	if _, err := cfg.Durations(); err == nil {
		t.Fatalf("max_backoff below backoff accepted")
	}
}

func TestDecodeYAMLShape(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":      "",
		"scalar":     "just a string\n",
		"list":       "- http\n- queue\n",
		"two docs":   "http:\n  addr: \":1\"\n---\nhttp:\n  addr: \":2\"\n",
		"bad indent": "http:\n addr: x\n  port: 1\n",
	} {
		if _, err := Decode("livepoll.yaml", []byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Decode("livepoll.yml", []byte("http:\n  addr: \":3000\"\n")); err != nil {
		t.Fatalf("single document: %v", err)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://a"}}
	newCfg := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://b"}, Logging: LoggingConfig{Level: "debug"}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "storage" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if r := RestartRequired(changed); len(r) != 1 || r[0] != "storage" {
		t.Fatalf("restart required = %v", r)
	}
}

func TestWatchPublishesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livepoll.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("Get() not updated")
	}
}
