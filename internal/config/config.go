// Package config loads service configuration from defaults, an optional
// YAML file and EMAR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/infrastructure/postgres"
	"github.com/drfirst/go-emar/internal/observability/logging"
	"github.com/drfirst/go-emar/internal/observability/tracing"
	"github.com/drfirst/go-emar/internal/safety"
	"github.com/drfirst/go-emar/internal/schedule"
	"github.com/drfirst/go-emar/internal/sideeffect"
	"github.com/drfirst/go-emar/internal/tracker"
	"github.com/drfirst/go-emar/pkg/idempotency"
)

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Database DatabaseConfig        `mapstructure:"database"`
	Kafka    KafkaConfig           `mapstructure:"kafka"`
	Engine   EngineConfig          `mapstructure:"engine"`
	Alerts   AlertsConfig          `mapstructure:"alerts"`
	Outbox   postgres.OutboxConfig `mapstructure:"outbox"`
	Inbox    idempotency.Config    `mapstructure:"inbox"`
	Tracing  tracing.Config        `mapstructure:"tracing"`
	Log      logging.Config        `mapstructure:"log"`
	Auth     AuthConfig            `mapstructure:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty URL runs the engine in memory.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// KafkaConfig holds broker settings.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	AlertsTopic   string   `mapstructure:"alerts_topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// EngineConfig holds the medication engine settings.
type EngineConfig struct {
	// FacilityTimezone is the IANA zone whose calendar day schedules follow.
	FacilityTimezone string `mapstructure:"facility_timezone"`
	// SubjectTimezones overrides the facility zone per subject.
	SubjectTimezones map[string]string `mapstructure:"subject_timezones"`
	// Slots overrides the fixed-frequency times, e.g. twice_daily: "08:00,20:00".
	Slots map[string]string `mapstructure:"slots"`
	// LowStockSweep is a cron spec for the refill reminder sweep; empty disables it.
	LowStockSweep string `mapstructure:"low_stock_sweep"`
	// SeedFile is a YAML fixture applied at startup.
	SeedFile string            `mapstructure:"seed_file"`
	Tracker  tracker.Config    `mapstructure:"tracker"`
	Safety   safety.Config     `mapstructure:"safety"`
	Monitor  sideeffect.Config `mapstructure:"monitor"`
}

// Alert sinks.
const (
	SinkLog      = "log"
	SinkOutbox   = "outbox"
	SinkRedpanda = "redpanda"
)

// AlertsConfig selects where alerts go.
type AlertsConfig struct {
	Sink     string               `mapstructure:"sink"`
	Notifier alert.NotifierConfig `mapstructure:"notifier"`
}

// AuthConfig maps API keys to client names.
type AuthConfig struct {
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// Load reads configuration for service. path may be empty.
func Load(path, service string) (*Config, error) {
	v := viper.New()
	setDefaults(v, service)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// EMAR_DATABASE_URL, EMAR_ENGINE_FACILITY_TIMEZONE, ...
	v.SetEnvPrefix("EMAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	loadEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, service string) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.alerts_topic", "medication.alerts")
	v.SetDefault("kafka.consumer_group", "alert-ledger")

	v.SetDefault("engine.facility_timezone", "UTC")
	v.SetDefault("engine.low_stock_sweep", "0 6 * * *")
	v.SetDefault("engine.seed_file", "")
	v.SetDefault("engine.tracker.low_stock_threshold", tracker.DefaultConfig().LowStockThreshold)
	v.SetDefault("engine.safety.lookup_timeout", safety.DefaultConfig().LookupTimeout)

	mon := sideeffect.DefaultConfig()
	v.SetDefault("engine.monitor.enabled", mon.Enabled)
	v.SetDefault("engine.monitor.observation_delay", mon.ObservationDelay)
	v.SetDefault("engine.monitor.observation_timeout", mon.ObservationTimeout)
	v.SetDefault("engine.monitor.workers", mon.Workers)
	v.SetDefault("engine.monitor.queue_size", mon.QueueSize)
	v.SetDefault("engine.monitor.max_retries", mon.MaxRetries)

	n := alert.DefaultNotifierConfig()
	v.SetDefault("alerts.sink", SinkLog)
	v.SetDefault("alerts.notifier.workers", n.Workers)
	v.SetDefault("alerts.notifier.queue_size", n.QueueSize)
	v.SetDefault("alerts.notifier.max_retries", n.MaxRetries)
	v.SetDefault("alerts.notifier.retry_delay", n.RetryDelay)
	v.SetDefault("alerts.notifier.timeout", n.Timeout)
	v.SetDefault("alerts.notifier.rate_per_minute", n.RatePerMinute)
	v.SetDefault("alerts.notifier.burst", n.Burst)

	oc := postgres.DefaultOutboxConfig()
	v.SetDefault("outbox.batch_size", oc.BatchSize)
	v.SetDefault("outbox.poll_interval", oc.PollInterval)
	v.SetDefault("outbox.max_retries", oc.MaxRetries)
	v.SetDefault("outbox.dead_letter_interval", oc.DeadLetterInterval)
	v.SetDefault("outbox.retention", oc.Retention)

	ic := idempotency.DefaultConfig()
	v.SetDefault("inbox.ttl", ic.TTL)
	v.SetDefault("inbox.cleanup_interval", ic.CleanupInterval)
	v.SetDefault("inbox.recovery_timeout", ic.RecoveryTimeout)

	tc := tracing.DefaultConfig(service)
	v.SetDefault("tracing.enabled", tc.Enabled)
	v.SetDefault("tracing.service_name", tc.ServiceName)
	v.SetDefault("tracing.service_version", tc.ServiceVersion)
	v.SetDefault("tracing.environment", tc.Environment)
	v.SetDefault("tracing.otlp_endpoint", tc.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", tc.SampleRate)

	v.SetDefault("log.level", logging.DefaultConfig().Level)
	v.SetDefault("log.development", false)
}

// loadEnvOverrides handles values viper cannot bind from flat env vars.
func loadEnvOverrides(cfg *Config) {
	if b := os.Getenv("EMAR_KAFKA_BROKERS"); b != "" {
		cfg.Kafka.Brokers = strings.Split(b, ",")
	}
	if key := os.Getenv("EMAR_API_KEY"); key != "" {
		if cfg.Auth.APIKeys == nil {
			cfg.Auth.APIKeys = make(map[string]string)
		}
		cfg.Auth.APIKeys[key] = "env-client"
	}
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Alerts.Sink {
	case SinkLog, SinkOutbox, SinkRedpanda:
	default:
		return fmt.Errorf("alerts.sink must be one of log, outbox, redpanda; got %q", c.Alerts.Sink)
	}
	if c.Alerts.Sink == SinkOutbox && c.Database.URL == "" {
		return fmt.Errorf("alerts.sink outbox requires database.url")
	}
	if c.Alerts.Sink == SinkRedpanda && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("alerts.sink redpanda requires kafka.brokers")
	}
	if _, err := time.LoadLocation(c.Engine.FacilityTimezone); err != nil {
		return fmt.Errorf("engine.facility_timezone: %w", err)
	}
	for subject, zone := range c.Engine.SubjectTimezones {
		if _, err := time.LoadLocation(zone); err != nil {
			return fmt.Errorf("engine.subject_timezones.%s: %w", subject, err)
		}
	}
	if c.Engine.Tracker.LowStockThreshold < 0 {
		return fmt.Errorf("engine.tracker.low_stock_threshold must not be negative")
	}
	if _, err := c.Engine.SlotTable(); err != nil {
		return err
	}
	return nil
}

// SlotTable parses the slot overrides on top of the defaults.
func (e EngineConfig) SlotTable() (schedule.Slots, error) {
	slots := schedule.DefaultSlots()
	for kind, raw := range e.Slots {
		clocks, err := medication.ParseClockList(raw)
		if err != nil {
			return schedule.Slots{}, fmt.Errorf("engine.slots.%s: %w", kind, err)
		}
		switch medication.FrequencyKind(kind) {
		case medication.FrequencyOnceDaily:
			slots.OnceDaily = clocks
		case medication.FrequencyTwiceDaily:
			slots.TwiceDaily = clocks
		case medication.FrequencyThreeTimesDaily:
			slots.ThreeTimesDaily = clocks
		case medication.FrequencyFourTimesDaily:
			slots.FourTimesDaily = clocks
		default:
			return schedule.Slots{}, fmt.Errorf("engine.slots: unknown frequency %q", kind)
		}
	}
	return slots, nil
}

// Zones builds the timezone resolver.
func (e EngineConfig) Zones() (*tracker.Zones, error) {
	zones, err := tracker.NewZones(e.FacilityTimezone)
	if err != nil {
		return nil, err
	}
	for subject, zone := range e.SubjectTimezones {
		if err := zones.Set(subject, zone); err != nil {
			return nil, err
		}
	}
	return zones, nil
}
