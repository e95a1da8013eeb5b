package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "emar-api")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, SinkLog, cfg.Alerts.Sink)
	assert.Equal(t, "UTC", cfg.Engine.FacilityTimezone)
	assert.Equal(t, 5, cfg.Engine.Tracker.LowStockThreshold)
	assert.True(t, cfg.Engine.Monitor.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Engine.Monitor.ObservationDelay)
	assert.Equal(t, "emar-api", cfg.Tracing.ServiceName)
	assert.Equal(t, "medication.alerts", cfg.Kafka.AlertsTopic)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, 14*24*time.Hour, cfg.Inbox.TTL)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
engine:
  facility_timezone: America/Chicago
  subject_timezones:
    subj-7: Europe/Berlin
  slots:
    twice_daily: "08:00,20:00"
  tracker:
    low_stock_threshold: 10
  monitor:
    observation_delay: 45m
`), 0o600))

	t.Setenv("EMAR_SERVER_PORT", "7070")
	t.Setenv("EMAR_KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("EMAR_API_KEY", "secret")

	cfg, err := Load(path, "emar-api")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port, "env wins over file")
	assert.Equal(t, "America/Chicago", cfg.Engine.FacilityTimezone)
	assert.Equal(t, 10, cfg.Engine.Tracker.LowStockThreshold)
	assert.Equal(t, 45*time.Minute, cfg.Engine.Monitor.ObservationDelay)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "env-client", cfg.Auth.APIKeys["secret"])

	slots, err := cfg.Engine.SlotTable()
	require.NoError(t, err)
	assert.Equal(t, []medication.ClockTime{{Hour: 8}, {Hour: 20}}, slots.TwiceDaily)
	assert.Equal(t, []medication.ClockTime{{Hour: 9}}, slots.OnceDaily)

	zones, err := cfg.Engine.Zones()
	require.NoError(t, err)
	loc, err := zones.Location(t.Context(), "subj-7")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("", "emar-api")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown sink", func(c *Config) { c.Alerts.Sink = "pager" }},
		{"outbox without database", func(c *Config) { c.Alerts.Sink = SinkOutbox }},
		{"bad timezone", func(c *Config) { c.Engine.FacilityTimezone = "Mars/Olympus" }},
		{"negative threshold", func(c *Config) { c.Engine.Tracker.LowStockThreshold = -1 }},
		{"bad slot", func(c *Config) { c.Engine.Slots = map[string]string{"once_daily": "9am"} }},
		{"unknown slot kind", func(c *Config) { c.Engine.Slots = map[string]string{"hourly": "09:00"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
