package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "wablast/pkg/logx"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLKeepsDefaults(t *testing.T) {
	p := writeFile(t, "wablast.yaml", `
gateway:
  api_key: k1
dispatch:
  min_delay: 2s
storage:
  driver: sqlite
  path: ./data/wablast.db
`)
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)

	assert.Equal(t, "k1", cfg.Gateway.APIKey)
	assert.Equal(t, "127.0.0.1:5000", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)

	pc := cfg.Pacing()
	assert.Equal(t, 2*time.Second, pc.MinDelay)
	assert.Equal(t, 16*time.Second, pc.MaxDelay)
	assert.Equal(t, time.Second, pc.Tick)
}

func TestParseTOML(t *testing.T) {
	p := writeFile(t, "wablast.toml", `
[http]
addr = ":8080"

[[scheduler.jobs]]
name = "morning"
schedule = "09:00"
roster = "contacts.csv"
message = "hi"
retry_failed = false
`)
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Len(t, cfg.Scheduler.Jobs, 1)
	assert.Equal(t, "morning", cfg.Scheduler.Jobs[0].Name)
	assert.False(t, cfg.Scheduler.Jobs[0].Retry())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, "wablast.json", `{"gateway":{"apikey":"x"}}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apikey")
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeFile(t, "wablast.json", `{} {}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
}

func TestParseValidates(t *testing.T) {
	p := writeFile(t, "wablast.json", `{
		"dispatch": {"min_delay": "soon"},
		"telegram": {"enabled": true},
		"scheduler": {"jobs": [{"name": "a", "schedule": "@daily", "roster": "r.csv"}, {"name": "a"}]}
	}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "dispatch.min_delay")
	assert.Contains(t, msg, "telegram.token")
	assert.Contains(t, msg, "telegram.chat_id")
	assert.Contains(t, msg, `"a" is duplicated`)
	assert.Contains(t, msg, "scheduler.jobs[1].roster")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("WABLAST_API_KEY", "from-env")
	t.Setenv("WABLAST_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("WABLAST_TELEGRAM_CHAT_ID", "42")
	p := writeFile(t, "wablast.json", `{"gateway":{"api_key":"from-file"}}`)

	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Gateway.APIKey)
	require.NotNil(t, cfg.Telegram)
	assert.True(t, cfg.Telegram.Enabled)
	assert.Equal(t, int64(42), cfg.Telegram.ChatID)
}

func TestZeroDelayDisablesPacing(t *testing.T) {
	cfg := Default()
	cfg.Dispatch.MinDelay = "0s"
	cfg.Dispatch.MaxDelay = "0s"
	pc := cfg.Pacing()
	assert.Zero(t, pc.MinDelay)
	assert.Zero(t, pc.MaxDelay)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a := Default()
	b := Default()
	b.Gateway.APIKey = "secret"
	b.Telegram = &TelegramConfig{Enabled: true, Token: "tok", ChatID: 1}

	changed, attrs := SummarizeConfigChange(&a, &b)
	assert.Equal(t, []string{"gateway", "telegram"}, changed)

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	out := buf.String()
	assert.Contains(t, out, `"gateway.api_key_set":true`)
	assert.Contains(t, out, `"telegram.token_set":true`)
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, `"tok"`)
}

func TestWatchPublishesReload(t *testing.T) {
	p := writeFile(t, "wablast.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestWatchSkipsRejectedConfig(t *testing.T) {
	p := writeFile(t, "wablast.json", `{}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })

	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"warn"}}`), 0o600))
	assert.False(t, m.reload(context.Background()))
	assert.Equal(t, "info", m.Get().Logging.Level)
}

func TestReloadSkipsUnchanged(t *testing.T) {
	p := writeFile(t, "wablast.json", `{}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	assert.False(t, m.reload(context.Background()))
}
