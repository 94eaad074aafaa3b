package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timerbot/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "file-token"
  poll_timeout: 10s
logging:
  level: info
  console: true
scheduler:
  enabled: true
  spec: "30s"
  overlap: skip
storage:
  driver: sqlite
  path: ./timers.db
commands:
  default_timezone: Europe/Berlin
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestParseYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	m.env = noEnv

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.Telegram.Token)
	assert.Equal(t, "30s", cfg.Scheduler.Spec)
	assert.Equal(t, "skip", cfg.Scheduler.Overlap)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Same(t, cfg, m.Get())
	require.NoError(t, cfg.Validate())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	m := NewConfigManager(writeFile(t, dir, "config.yaml", "scheduler:\n  enabled: true\n  interval: 5s\n"))
	m.env = noEnv
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")

	m = NewConfigManager(writeFile(t, dir, "config.json", `{"storage":{"driver":"memory"}}{"x":1}`))
	m.env = noEnv
	_, err = m.Parse()
	require.Error(t, err)
}

func TestCoerceToJSONBytes(t *testing.T) {
	j, format, err := coerceToJSONBytes("timerbot.yml", []byte("# nothing yet\n"))
	require.NoError(t, err)
	assert.Equal(t, "yaml", format)
	assert.JSONEq(t, `{}`, string(j))

	j, format, err = coerceToJSONBytes("config", []byte("scheduler:\n  page_size: 50\n"))
	require.NoError(t, err)
	assert.Equal(t, "yaml", format)
	assert.JSONEq(t, `{"scheduler":{"page_size":50}}`, string(j))

	_, _, err = coerceToJSONBytes("/etc/timerbot/config.yaml", []byte("scheduler:\n  1: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config config.yaml")
	assert.Contains(t, err.Error(), "scheduler: key 1")

	_, _, err = coerceToJSONBytes("config.yaml", []byte("scheduler: [unclosed\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config config.yaml")

	raw := []byte(`{"storage":{"driver":"memory"}}`)
	j, format, err = coerceToJSONBytes("config.JSON", raw)
	require.NoError(t, err)
	assert.Equal(t, "json", format)
	assert.Equal(t, raw, j)
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr string
	}{
		{raw: "", want: 0},
		{raw: " 10s ", want: 10 * time.Second},
		{raw: "50", want: 50 * time.Second},
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "soon", wantErr: "scheduler.cycle_timeout: \"soon\" is not a duration"},
		{raw: "-5s", wantErr: "is negative"},
		{raw: "-5", wantErr: "is negative"},
	}
	for _, tt := range tests {
		d, err := ParseDurationField("scheduler.cycle_timeout", tt.raw)
		if tt.wantErr != "" {
			require.Error(t, err, tt.raw)
			assert.Contains(t, err.Error(), tt.wantErr)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, d, tt.raw)
	}

	d, err := ParseDurationOrDefault("commands.timeout", "0", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, d)
	_, err = ParseDurationOrDefault("commands.timeout", "later", 15*time.Second)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	env := map[string]string{
		"TIMERBOT_TELEGRAM_TOKEN": "env-token",
		"TIMERBOT_STORAGE_DRIVER": "postgres",
		"TIMERBOT_STORAGE_DSN":    "postgres://localhost/timers",
		"TIMERBOT_HTTP_ENABLED":   "true",
		"TIMERBOT_LOG_LEVEL":      "   ",
	}
	m.env = func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/timers", cfg.Storage.DSN)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level, "blank override is ignored")

	env["TIMERBOT_HTTP_ENABLED"] = "maybe"
	_, err = m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIMERBOT_HTTP_ENABLED")
}

func TestLoadDotenvIgnoresMissingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotenv(filepath.Join(dir, "missing.env")))

	p := writeFile(t, dir, ".env", "TIMERBOT_TEST_DOTENV=loaded\n")
	t.Cleanup(func() { _ = os.Unsetenv("TIMERBOT_TEST_DOTENV") })
	require.NoError(t, LoadDotenv(p))
	assert.Equal(t, "loaded", os.Getenv("TIMERBOT_TEST_DOTENV"))

	assert.Equal(t, []string{".env", filepath.Join(dir, ".env")}, DotenvPaths(filepath.Join(dir, "config.yaml")))
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	cfg = &Config{
		Scheduler: SchedulerConfig{Overlap: "queue", CycleTimeout: "soon"},
		Storage:   StorageConfig{Driver: "postgres"},
		Logging:   LoggingConfig{Telegram: LoggingTelegram{Enabled: true, Chat: "abc"}},
		Commands:  CommandsConfig{DefaultTimezone: "Mars/Olympus"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"scheduler.overlap", "scheduler.cycle_timeout", "storage.dsn", "logging.telegram.chat", "commands.default_timezone"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, HTTP: HTTPConfig{Token: "x"}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b"},
		HTTP:     HTTPConfig{Token: "y", Enabled: true},
		Logging:  LoggingConfig{Level: "debug"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"telegram", "logging", "http"}, changed)
	var buf bytes.Buffer
	logx.FromZerolog(zerolog.New(&buf)).Info("config changed", attrs...)
	assert.Contains(t, buf.String(), `"http.token_set":true`)
	assert.NotContains(t, buf.String(), `"b"`)
	assert.NotContains(t, buf.String(), `"y"`)
	assert.Equal(t, []string{"telegram", "http"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestRetryMaxZeroIsDistinctFromUnset(t *testing.T) {
	dir := t.TempDir()
	m := NewConfigManager(writeFile(t, dir, "config.yaml", "notifier:\n  retry_max: 0\n"))
	m.env = noEnv
	off, err := m.Parse()
	require.NoError(t, err)
	require.NotNil(t, off.Notifier.RetryMax)
	assert.Equal(t, 0, *off.Notifier.RetryMax)

	m = NewConfigManager(writeFile(t, dir, "unset.yaml", "notifier:\n  rate_per_sec: 5\n"))
	m.env = noEnv
	unset, err := m.Parse()
	require.NoError(t, err)
	assert.Nil(t, unset.Notifier.RetryMax)

	changed, _ := SummarizeConfigChange(unset, off)
	assert.Contains(t, changed, "notifier")

	// equal values behind different pointers are not a change
	m = NewConfigManager(writeFile(t, dir, "again.yaml", "notifier:\n  retry_max: 0\n"))
	m.env = noEnv
	again, err := m.Parse()
	require.NoError(t, err)
	changed, _ = SummarizeConfigChange(off, again)
	assert.Empty(t, changed)

	neg := -1
	cfg := &Config{Notifier: NotifierConfig{RetryMax: &neg}}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifier.retry_max")
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	m.env = noEnv
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return cfg.Validate() })

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// rejected by the validator: nothing published
	writeFile(t, dir, "config.yaml", sampleYAML+"dispatch:\n  workers: -1\n")
	select {
	case <-sub:
		require.Fail(t, "invalid config was published")
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, dir, "config.yaml", sampleYAML+"dispatch:\n  workers: 8\n")
	select {
	case cfg := <-sub:
		assert.Equal(t, 8, cfg.Dispatch.Workers)
	case <-time.After(3 * time.Second):
		require.Fail(t, "config change was not published")
	}
}
