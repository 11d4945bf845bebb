package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/summaryq/internal/backoff"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ShippedDefaultFile(t *testing.T) {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	path := filepath.Join(filepath.Dir(file), "..", "..", "configs", "default.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers.PoolSize)
	assert.Equal(t, time.Second, cfg.Workers.BackoffBase)
	assert.Equal(t, 10, cfg.Queue.RateLimit.MaxSubmissions)
	assert.True(t, cfg.Health.Enabled)
	assert.Zero(t, cfg.Workers.CancelInterruptAfter, "cancellation is cooperative by default")
}

func TestShippedJitterOnlyShortensDelays(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	require.Equal(t, 0.1, cfg.Workers.Jitter)

	s := backoff.New(cfg.Workers.BackoffBase, cfg.Workers.BackoffMax, cfg.Workers.Jitter)
	for i := 0; i < 100; i++ {
		d := s.Delay(1)
		assert.LessOrEqual(t, d, cfg.Workers.BackoffBase)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
workers:
  pool_size: 8
  backoff_base: 250ms
  cancel_interrupt_after: 2s
queue:
  rate_limit:
    max_submissions: 0
events:
  heartbeat_interval: 5s
log:
  level: debug
  format: text
`))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Workers.PoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Workers.BackoffBase)
	assert.Equal(t, Default().Workers.MaxAttempts, cfg.Workers.MaxAttempts, "unset keys keep their default")
	assert.Equal(t, 2*time.Second, cfg.Workers.CancelInterruptAfter)
	assert.Equal(t, 0, cfg.Queue.RateLimit.MaxSubmissions)
	assert.Equal(t, 5*time.Second, cfg.Events.HeartbeatInterval)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"zero workers":         {"workers: {pool_size: 0}", "PoolSize"},
		"backoff max < base":   {"workers: {backoff_base: 10s, backoff_max: 1s}", "BackoffMax"},
		"jitter above one":     {"workers: {jitter: 1.5}", "Jitter"},
		"negative interrupt":   {"workers: {cancel_interrupt_after: -1s}", "CancelInterruptAfter"},
		"zero capacity":        {"queue: {capacity: 0}", "Capacity"},
		"limit without window": {"queue: {rate_limit: {max_submissions: 5, window: 0s}}", "Window"},
		"bad log level":        {"log: {level: loud}", "Level"},
		"bad format":           {"log: {format: xml}", "Format"},
		"bad server addr":      {"server: {addr: 'no-port'}", "Addr"},
		"zero heartbeat":       {"events: {heartbeat_interval: 0s}", "HeartbeatInterval"},
		"health without addr":  {"health: {enabled: true, addr: ''}", "health.addr"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("workers: [unterminated"))
	assert.ErrorContains(t, err, "parse config YAML")

	_, err = Parse([]byte("workers: {backoff_base: soon}"))
	assert.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {addr: 'localhost:9000'}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", cfg.Server.Addr)
}
