// Package config loads service settings from defaults, an optional YAML file
// and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	alerts "vitals-alerting/internal/alerts/domain"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverKafka    = "kafka"
	DriverMQTT     = "mqtt"
)

// Config holds every runtime setting.
type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`

	AlertCooldownMS int    `mapstructure:"alert_cooldown_ms"`
	DedupDriver     string `mapstructure:"dedup_driver"`
	DedupMaxKeys    int    `mapstructure:"dedup_max_keys"`

	InferenceURL     string        `mapstructure:"inference_url"`
	InferenceTimeout time.Duration `mapstructure:"inference_timeout"`
	InferenceAPIKey  string        `mapstructure:"inference_api_key"`

	StoreDriver string `mapstructure:"store_driver"`
	PGDSN       string `mapstructure:"pg_dsn"`

	BusDriver     string `mapstructure:"bus_driver"`
	RedisURI      string `mapstructure:"redis_uri"`
	KafkaBrokers  string `mapstructure:"kafka_brokers"`
	KafkaGroupID  string `mapstructure:"kafka_group_id"`
	MQTTBroker    string `mapstructure:"mqtt_broker"`
	MQTTClientID  string `mapstructure:"mqtt_client_id"`
	VitalsChannel string `mapstructure:"vitals_channel"`
	AlertsChannel string `mapstructure:"alerts_channel"`

	PipelineWorkers   int `mapstructure:"pipeline_workers"`
	PipelineQueueSize int `mapstructure:"pipeline_queue_size"`

	JWTSecret string `mapstructure:"jwt_secret"`

	NotifyWebhookURL      string `mapstructure:"notify_webhook_url"`
	NotifyWebhookMarkdown bool   `mapstructure:"notify_webhook_markdown"`
	NotifyMinSeverity     string `mapstructure:"notify_min_severity"`
	NotifyDashboardURL    string `mapstructure:"notify_dashboard_url"`
	ResendAPIKey          string `mapstructure:"resend_api_key"`
	NotifyEmailFrom       string `mapstructure:"notify_email_from"`
	NotifyEmailTo         string `mapstructure:"notify_email_to"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("alert_cooldown_ms", 300000)
	v.SetDefault("dedup_driver", DriverMemory)
	v.SetDefault("dedup_max_keys", 100000)

	v.SetDefault("inference_url", "http://localhost:5000/predict")
	v.SetDefault("inference_timeout", "10s")
	v.SetDefault("inference_api_key", "")

	v.SetDefault("store_driver", DriverPostgres)
	v.SetDefault("pg_dsn", "")

	v.SetDefault("bus_driver", DriverRedis)
	v.SetDefault("redis_uri", "redis://localhost:6379/0")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_group_id", "vitals-alerting")
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_client_id", "vitals-alerting")
	v.SetDefault("vitals_channel", "vitals-channel")
	v.SetDefault("alerts_channel", "alerts-channel")

	v.SetDefault("pipeline_workers", 8)
	v.SetDefault("pipeline_queue_size", 256)

	v.SetDefault("jwt_secret", "")

	v.SetDefault("notify_webhook_url", "")
	v.SetDefault("notify_webhook_markdown", false)
	v.SetDefault("notify_min_severity", string(alerts.SeverityCritical))
	v.SetDefault("notify_dashboard_url", "")
	v.SetDefault("resend_api_key", "")
	v.SetDefault("notify_email_from", "")
	v.SetDefault("notify_email_to", "")
}

// Load reads configuration. path may be empty; a named file that cannot be
// read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.DedupDriver = strings.ToLower(strings.TrimSpace(c.DedupDriver))
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.BusDriver = strings.ToLower(strings.TrimSpace(c.BusDriver))
	c.NotifyMinSeverity = strings.ToLower(strings.TrimSpace(c.NotifyMinSeverity))
}

// Validate checks driver choices and the settings each driver needs.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.AlertCooldownMS <= 0 {
		errs = append(errs, errors.New("alert_cooldown_ms must be positive"))
	}
	switch c.DedupDriver {
	case DriverMemory:
		if c.DedupMaxKeys <= 0 {
			errs = append(errs, errors.New("dedup_max_keys must be positive"))
		}
	case DriverRedis:
		if c.RedisURI == "" {
			errs = append(errs, errors.New("redis_uri is required for the redis dedup driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dedup_driver %q", c.DedupDriver))
	}
	if c.InferenceURL == "" {
		errs = append(errs, errors.New("inference_url is required"))
	}
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("pg_dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_driver %q", c.StoreDriver))
	}
	switch c.BusDriver {
	case DriverMemory:
	case DriverRedis:
		if c.RedisURI == "" {
			errs = append(errs, errors.New("redis_uri is required for the redis bus"))
		}
	case DriverKafka:
		if c.KafkaBrokers == "" {
			errs = append(errs, errors.New("kafka_brokers is required for the kafka bus"))
		}
	case DriverMQTT:
		if c.MQTTBroker == "" {
			errs = append(errs, errors.New("mqtt_broker is required for the mqtt bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus_driver %q", c.BusDriver))
	}
	if c.VitalsChannel == "" || c.AlertsChannel == "" {
		errs = append(errs, errors.New("vitals_channel and alerts_channel are required"))
	} else if c.VitalsChannel == c.AlertsChannel {
		errs = append(errs, errors.New("vitals_channel and alerts_channel must differ"))
	}
	if c.PipelineWorkers <= 0 || c.PipelineQueueSize <= 0 {
		errs = append(errs, errors.New("pipeline_workers and pipeline_queue_size must be positive"))
	}
	if _, ok := alerts.ParseSeverity(c.NotifyMinSeverity); !ok {
		errs = append(errs, fmt.Errorf("unknown notify_min_severity %q", c.NotifyMinSeverity))
	}
	if c.ResendAPIKey != "" && (c.NotifyEmailFrom == "" || len(c.EmailRecipients()) == 0) {
		errs = append(errs, errors.New("notify_email_from and notify_email_to are required with resend_api_key"))
	}
	return errors.Join(errs...)
}

// AlertCooldown returns the dedup window.
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownMS) * time.Millisecond
}

// EmailRecipients splits the comma-separated recipient list.
func (c *Config) EmailRecipients() []string {
	var out []string
	for _, addr := range strings.Split(c.NotifyEmailTo, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// MinSeverity returns the notification threshold.
func (c *Config) MinSeverity() alerts.Severity {
	severity, ok := alerts.ParseSeverity(c.NotifyMinSeverity)
	if !ok {
		return alerts.SeverityCritical
	}
	return severity
}

// InferenceHeaders returns the headers sent with every scoring request.
func (c *Config) InferenceHeaders() map[string]string {
	if c.InferenceAPIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.InferenceAPIKey}
}

// AuthEnabled reports whether JWT checks are on.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}
